package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Analysis is one row in the analysis table: the stored result of one LLM
// analysis pass over one segment (or the whole meeting).
type Analysis struct {
	ID     int64
	ClipID int

	// AgendaItemID links to the agenda item analysed; nil for meeting-level
	// results such as the overall summary.
	AgendaItemID *int64

	// SegmentOrdinal positions the analysed segment within the meeting,
	// 1-based; 0 for meeting-level results.
	SegmentOrdinal int

	// Type names the analysis (e.g., "summary", "vote_record").
	Type string

	// Result is the parsed analysis output as stored JSON.
	Result json.RawMessage

	// AnalyzedAt is when the analysis ran (RFC 3339).
	AnalyzedAt string

	// ModelUsed labels the model that produced the result.
	ModelUsed string

	// PromptTokens and CompletionTokens record usage for cost tracking.
	PromptTokens     int
	CompletionTokens int
}

// InsertAnalysis stores one analysis result, keyed by meeting, analysis type,
// and segment ordinal. A re-run after a status reset rewrites the row instead
// of duplicating it; the processing log keeps the history.
func (s *Store) InsertAnalysis(a *Analysis) error {
	var itemID any
	if a.AgendaItemID != nil {
		itemID = *a.AgendaItemID
	}
	at := a.AnalyzedAt
	if at == "" {
		at = now()
	}
	res, err := s.db.Exec(`
		INSERT INTO analysis (clip_id, agenda_item_id, segment_ordinal, analysis_type, result, analyzed_at, model_used, prompt_tokens, completion_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (clip_id, analysis_type, segment_ordinal) DO UPDATE SET
			agenda_item_id    = excluded.agenda_item_id,
			result            = excluded.result,
			analyzed_at       = excluded.analyzed_at,
			model_used        = excluded.model_used,
			prompt_tokens     = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens`,
		a.ClipID, itemID, a.SegmentOrdinal, a.Type, string(a.Result), at, nullable(a.ModelUsed), a.PromptTokens, a.CompletionTokens,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert analysis for %d: %w", a.ClipID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// Analyses returns all stored analysis results for a meeting, oldest first.
func (s *Store) Analyses(clipID int) ([]Analysis, error) {
	rows, err := s.db.Query(`
		SELECT id, clip_id, agenda_item_id, segment_ordinal, analysis_type, result, analyzed_at, model_used, prompt_tokens, completion_tokens
		FROM analysis WHERE clip_id = ? ORDER BY id ASC`, clipID)
	if err != nil {
		return nil, fmt.Errorf("ledger: analyses for %d: %w", clipID, err)
	}
	defer rows.Close()

	var results []Analysis
	for rows.Next() {
		var a Analysis
		var itemID sql.NullInt64
		var model sql.NullString
		var result string
		if err := rows.Scan(&a.ID, &a.ClipID, &itemID, &a.SegmentOrdinal, &a.Type, &result, &a.AnalyzedAt, &model, &a.PromptTokens, &a.CompletionTokens); err != nil {
			return nil, fmt.Errorf("ledger: scan analysis: %w", err)
		}
		a.Result = json.RawMessage(result)
		a.ModelUsed = model.String
		if itemID.Valid {
			id := itemID.Int64
			a.AgendaItemID = &id
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// Event is one row in the processing_log table.
type Event struct {
	ID      int64
	ClipID  int
	Stage   string
	Status  string
	Message string

	// CreatedAt is when the event was logged (RFC 3339).
	CreatedAt string
}

// LogEvent appends a processing log entry for a meeting and stage.
func (s *Store) LogEvent(clipID int, stage, status, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO processing_log (clip_id, stage, status, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		clipID, stage, status, nullable(message), now(),
	)
	if err != nil {
		return fmt.Errorf("ledger: log event for %d: %w", clipID, err)
	}
	return nil
}

// Events returns the processing log for a meeting, oldest first.
func (s *Store) Events(clipID int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, clip_id, stage, status, message, created_at
		FROM processing_log WHERE clip_id = ? ORDER BY id ASC`, clipID)
	if err != nil {
		return nil, fmt.Errorf("ledger: events for %d: %w", clipID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.ClipID, &e.Stage, &e.Status, &msg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		e.Message = msg.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentFailedEvents returns the newest failed processing log entries across
// all meetings, most recent first, capped at limit.
func (s *Store) RecentFailedEvents(limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, clip_id, stage, status, message, created_at
		FROM processing_log WHERE status = 'failed'
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent failed events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.ClipID, &e.Stage, &e.Status, &msg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		e.Message = msg.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RetryCount returns how many times a stage has failed for a meeting,
// derived from the processing log rather than a separate counter column.
func (s *Store) RetryCount(clipID int, stage string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM processing_log
		WHERE clip_id = ? AND stage = ? AND status = 'failed'`,
		clipID, stage,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: retry count for %d/%s: %w", clipID, stage, err)
	}
	return n, nil
}
