package diarize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opencivics/civiclerk/internal/jsonextract"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
	"github.com/opencivics/civiclerk/pkg/provider/llm"
)

// LLM identification limits: the opening of a meeting is where speakers
// introduce themselves, so later segments rarely pay for their tokens.
const (
	llmSegmentLimit     = 100
	llmBatchSize        = 10
	llmSegmentTextLimit = 200
	llmAgendaTitleLimit = 10
	llmAgendaCharLimit  = 1000
	llmTemperature      = 0.3
)

const identifyTemplate = `You are identifying who is speaking in a city council meeting transcript.

Known council members: %s
Known staff roles: %s
Agenda context: %s

For each numbered segment below, identify the most likely speaker. Use the exact council member name when you can; a staff role title is acceptable for staff. Skip segments you cannot attribute.

%s

Return ONLY a valid JSON array in exactly this format, with no other text:
[{"segment_index": 0, "speaker": "Huber", "confidence": 0.8, "reason": "self-introduction"}]`

// llmVerdict is one element of the model's response array.
type llmVerdict struct {
	SegmentIndex int     `json:"segment_index"`
	Speaker      string  `json:"speaker"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

// llmCandidates asks the model to attribute the opening segments, in batches.
// A failed or unparseable batch is skipped; the other evidence sources still
// apply.
func (w *Worker) llmCandidates(ctx context.Context, segments []asr.Segment, items []ledger.AgendaItem) map[int]llmVerdict {
	limit := len(segments)
	if limit > llmSegmentLimit {
		limit = llmSegmentLimit
	}
	agendaContext := agendaContextLine(items)

	verdicts := make(map[int]llmVerdict)
	for batchStart := 0; batchStart < limit; batchStart += llmBatchSize {
		batchEnd := batchStart + llmBatchSize
		if batchEnd > limit {
			batchEnd = limit
		}
		prompt := w.identifyPrompt(agendaContext, segments, batchStart, batchEnd)

		start := time.Now()
		resp, err := w.llm.Complete(ctx, llm.CompletionRequest{
			Messages:    []llm.Message{{Role: "user", Content: prompt}},
			Temperature: llmTemperature,
		})
		elapsed := time.Since(start).Seconds()
		if err != nil || resp == nil {
			w.metrics.RecordLLMRequest(ctx, w.llm.Model(), "speaker_id", "error", elapsed, 0, 0)
			w.log.Warn("speaker identification batch failed",
				"batch_start", batchStart, "error", err)
			continue
		}
		w.metrics.RecordLLMRequest(ctx, w.llm.Model(), "speaker_id", "ok", elapsed,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		var batch []llmVerdict
		if err := jsonextract.UnmarshalArray(resp.Content, &batch); err != nil {
			w.log.Warn("speaker identification batch unparseable",
				"batch_start", batchStart, "error", err)
			continue
		}
		for _, v := range batch {
			if v.Speaker == "" || v.SegmentIndex < batchStart || v.SegmentIndex >= batchEnd {
				continue
			}
			if name, ok := w.acceptLLMName(v.Speaker); ok {
				v.Speaker = name
				verdicts[v.SegmentIndex] = v
			}
		}
	}
	return verdicts
}

func (w *Worker) identifyPrompt(agendaContext string, segments []asr.Segment, start, end int) string {
	var b strings.Builder
	for i := start; i < end; i++ {
		text := segments[i].Text
		if len(text) > llmSegmentTextLimit {
			text = text[:llmSegmentTextLimit]
		}
		fmt.Fprintf(&b, "[%d] %s\n", i, text)
	}
	names := make([]string, 0, len(w.cfg.Roster.Members))
	for _, m := range w.cfg.Roster.Members {
		names = append(names, m.Name)
	}
	return fmt.Sprintf(identifyTemplate,
		strings.Join(names, ", "),
		strings.Join(w.cfg.Roster.StaffRoles, ", "),
		agendaContext,
		strings.TrimRight(b.String(), "\n"),
	)
}

// acceptLLMName keeps a model-returned speaker when it resolves to the
// roster or names a known staff role.
func (w *Worker) acceptLLMName(speaker string) (string, bool) {
	if name, ok := matchRoster(speaker, w.cfg.Roster); ok {
		return name, true
	}
	lower := strings.ToLower(speaker)
	for _, role := range w.cfg.Roster.StaffRoles {
		if strings.Contains(lower, strings.ToLower(role)) {
			return role, true
		}
	}
	return "", false
}

// agendaContextLine renders the first agenda titles as prompt context.
func agendaContextLine(items []ledger.AgendaItem) string {
	if len(items) == 0 {
		return "(no agenda available)"
	}
	titles := make([]string, 0, llmAgendaTitleLimit)
	for i, item := range items {
		if i >= llmAgendaTitleLimit {
			break
		}
		titles = append(titles, item.Title)
	}
	line := strings.Join(titles, "; ")
	if len(line) > llmAgendaCharLimit {
		line = line[:llmAgendaCharLimit]
	}
	return line
}
