package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

// Transcript is one row in the transcripts table: the authoritative
// transcript for a meeting plus its flattened word timeline.
type Transcript struct {
	ClipID int

	// FullText is the complete primary-engine transcript.
	FullText string

	// Words is the flattened word timeline across all segments.
	Words []asr.Word

	// TranscribedAt is when transcription finished (RFC 3339).
	TranscribedAt string

	// ModelUsed labels the engines that produced this transcript
	// (e.g., "dual:large-v3+medium").
	ModelUsed string

	// ProcessingTimeSeconds is the combined wall time of both engines.
	ProcessingTimeSeconds float64
}

// UpsertTranscript stores or replaces a meeting's transcript.
func (s *Store) UpsertTranscript(t *Transcript) error {
	words, err := json.Marshal(t.Words)
	if err != nil {
		return fmt.Errorf("ledger: marshal word timestamps for %d: %w", t.ClipID, err)
	}
	at := t.TranscribedAt
	if at == "" {
		at = now()
	}
	_, err = s.db.Exec(`
		INSERT INTO transcripts (clip_id, full_text, word_timestamps, transcribed_at, model_used, processing_time_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(clip_id) DO UPDATE SET
			full_text = excluded.full_text,
			word_timestamps = excluded.word_timestamps,
			transcribed_at = excluded.transcribed_at,
			model_used = excluded.model_used,
			processing_time_seconds = excluded.processing_time_seconds`,
		t.ClipID, t.FullText, string(words), at, t.ModelUsed, t.ProcessingTimeSeconds,
	)
	if err != nil {
		return fmt.Errorf("ledger: upsert transcript %d: %w", t.ClipID, err)
	}
	return nil
}

// Transcript returns the stored transcript for a meeting.
func (s *Store) Transcript(clipID int) (*Transcript, error) {
	var t Transcript
	var words string
	err := s.db.QueryRow(`
		SELECT clip_id, full_text, word_timestamps, transcribed_at, model_used, processing_time_seconds
		FROM transcripts WHERE clip_id = ?`, clipID,
	).Scan(&t.ClipID, &t.FullText, &words, &t.TranscribedAt, &t.ModelUsed, &t.ProcessingTimeSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: transcript %d: %w", clipID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get transcript %d: %w", clipID, err)
	}
	if err := json.Unmarshal([]byte(words), &t.Words); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal word timestamps for %d: %w", clipID, err)
	}
	return &t, nil
}

// DivergentSegment records one place where the two ASR engines disagreed
// beyond the divergence threshold.
type DivergentSegment struct {
	Index         int     `json:"index"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	PrimaryText   string  `json:"primary_text"`
	SecondaryText string  `json:"secondary_text"`
	WER           float64 `json:"wer"`
}

// TierOneScore is the fast-model coherence verdict for one segment.
type TierOneScore struct {
	Index           int      `json:"index"`
	Score           int      `json:"score"`
	Issues          []string `json:"issues,omitempty"`
	NeedsDeepReview bool     `json:"needs_deep_review"`
}

// TierTwoScore is the reasoning-model verdict for one flagged segment.
type TierTwoScore struct {
	Index                  int               `json:"index"`
	CoherenceScore         int               `json:"coherence_score"`
	PreferredTranscription string            `json:"preferred_transcription"`
	Issues                 []string          `json:"issues,omitempty"`
	Corrections            map[string]string `json:"corrections,omitempty"`
	NeedsHumanReview       bool              `json:"needs_human_review"`
}

// Validation is one row in the transcription_validation table: the full
// record of the dual-engine comparison and the two LLM review passes.
type Validation struct {
	ClipID int

	// LargeV3Text and MediumText are the raw transcripts from the primary
	// and secondary engines.
	LargeV3Text string
	MediumText  string

	// MergedText is the transcript that downstream stages consume.
	MergedText string

	// WERScore is the whole-meeting word error rate between the engines.
	WERScore float64

	DivergentSegments []DivergentSegment
	Tier1Scores       []TierOneScore
	Tier2Scores       []TierTwoScore

	// Issues is the deduplicated union of all issues both passes raised.
	Issues []string

	// ValidatedAt is when validation finished (RFC 3339).
	ValidatedAt string

	// HumanReviewNeeded is set when any deep review asked for a human.
	HumanReviewNeeded bool
}

// UpsertValidation stores or replaces a meeting's validation record.
func (s *Store) UpsertValidation(v *Validation) error {
	divergent, err := json.Marshal(v.DivergentSegments)
	if err != nil {
		return fmt.Errorf("ledger: marshal divergent segments for %d: %w", v.ClipID, err)
	}
	tier1, err := json.Marshal(v.Tier1Scores)
	if err != nil {
		return fmt.Errorf("ledger: marshal tier1 scores for %d: %w", v.ClipID, err)
	}
	tier2, err := json.Marshal(v.Tier2Scores)
	if err != nil {
		return fmt.Errorf("ledger: marshal tier2 scores for %d: %w", v.ClipID, err)
	}
	issues, err := json.Marshal(v.Issues)
	if err != nil {
		return fmt.Errorf("ledger: marshal issues for %d: %w", v.ClipID, err)
	}
	at := v.ValidatedAt
	if at == "" {
		at = now()
	}
	_, err = s.db.Exec(`
		INSERT INTO transcription_validation
			(clip_id, large_v3_text, medium_text, merged_text, wer_score,
			 divergent_segments, tier1_scores, tier2_scores, validation_issues,
			 validated_at, human_review_needed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(clip_id) DO UPDATE SET
			large_v3_text = excluded.large_v3_text,
			medium_text = excluded.medium_text,
			merged_text = excluded.merged_text,
			wer_score = excluded.wer_score,
			divergent_segments = excluded.divergent_segments,
			tier1_scores = excluded.tier1_scores,
			tier2_scores = excluded.tier2_scores,
			validation_issues = excluded.validation_issues,
			validated_at = excluded.validated_at,
			human_review_needed = excluded.human_review_needed`,
		v.ClipID, v.LargeV3Text, v.MediumText, v.MergedText, v.WERScore,
		string(divergent), string(tier1), string(tier2), string(issues),
		at, boolToInt(v.HumanReviewNeeded),
	)
	if err != nil {
		return fmt.Errorf("ledger: upsert validation %d: %w", v.ClipID, err)
	}
	return nil
}

// Validation returns the stored validation record for a meeting.
func (s *Store) Validation(clipID int) (*Validation, error) {
	var v Validation
	var divergent, tier1, tier2, issues string
	var humanReview int
	err := s.db.QueryRow(`
		SELECT clip_id, large_v3_text, medium_text, merged_text, wer_score,
		       divergent_segments, tier1_scores, tier2_scores, validation_issues,
		       validated_at, human_review_needed
		FROM transcription_validation WHERE clip_id = ?`, clipID,
	).Scan(&v.ClipID, &v.LargeV3Text, &v.MediumText, &v.MergedText, &v.WERScore,
		&divergent, &tier1, &tier2, &issues, &v.ValidatedAt, &humanReview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: validation %d: %w", clipID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get validation %d: %w", clipID, err)
	}
	v.HumanReviewNeeded = humanReview != 0
	for _, field := range []struct {
		raw string
		dst any
	}{
		{divergent, &v.DivergentSegments},
		{tier1, &v.Tier1Scores},
		{tier2, &v.Tier2Scores},
		{issues, &v.Issues},
	} {
		if field.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(field.raw), field.dst); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal validation field for %d: %w", clipID, err)
		}
	}
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
