// Package segment aligns a meeting transcript to its agenda.
//
// When word-level timestamps exist, each word is assigned to the agenda item
// whose time window covers it. Without timestamps the transcript is split
// proportionally to the items' durations. Meetings without agenda markers
// get one synthetic segment covering the whole transcript, so downstream
// analysis always has something to work with.
package segment

import (
	"strings"

	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

// fallbackItemSeconds bounds the last agenda item when nothing tells us
// where it ends.
const fallbackItemSeconds = 3600

// fallbackTailSeconds pads the proportional split when the last item has no
// recorded end.
const fallbackTailSeconds = 600

// Build aligns a transcript to agenda items and returns the resulting
// segments in recording order.
func Build(clipID int, fullText string, words []asr.Word, items []ledger.AgendaItem) []ledger.Segment {
	if len(items) == 0 {
		return []ledger.Segment{synthetic(clipID, fullText, words)}
	}
	if len(words) > 0 {
		return byTimestamps(clipID, words, items)
	}
	return proportional(clipID, fullText, items)
}

// synthetic covers the whole transcript with one unaligned segment.
func synthetic(clipID int, fullText string, words []asr.Word) ledger.Segment {
	var end float64
	if len(words) > 0 {
		end = words[len(words)-1].End
	}
	return ledger.Segment{
		ClipID:       clipID,
		Title:        "Full Meeting",
		StartSeconds: 0,
		EndSeconds:   end,
		Text:         fullText,
	}
}

// byTimestamps assigns each word to the agenda item whose window covers its
// start time.
func byTimestamps(clipID int, words []asr.Word, items []ledger.AgendaItem) []ledger.Segment {
	lastWordEnd := words[len(words)-1].End

	segments := make([]ledger.Segment, 0, len(items))
	for i, item := range items {
		start := float64(item.StartSeconds)
		end := itemEnd(items, i, start, lastWordEnd)

		var texts []string
		for _, w := range words {
			if w.Start >= start && w.Start < end {
				texts = append(texts, w.Word)
			}
		}

		itemID := item.ID
		segments = append(segments, ledger.Segment{
			ClipID:       clipID,
			AgendaItemID: &itemID,
			Title:        item.Title,
			StartSeconds: start,
			EndSeconds:   end,
			Text:         strings.TrimSpace(strings.Join(texts, " ")),
		})
	}
	return segments
}

// itemEnd resolves where item i ends: the next item's start, the item's own
// recorded end, the last word of the meeting, or a fixed bound.
func itemEnd(items []ledger.AgendaItem, i int, start, lastWordEnd float64) float64 {
	if i+1 < len(items) {
		return float64(items[i+1].StartSeconds)
	}
	if items[i].EndSeconds != nil {
		return float64(*items[i].EndSeconds)
	}
	if lastWordEnd > start {
		return lastWordEnd
	}
	return start + fallbackItemSeconds
}

// proportional splits the transcript's words across items by the share of
// meeting time each item covers. Used when the engine returned no word
// timestamps.
func proportional(clipID int, fullText string, items []ledger.AgendaItem) []ledger.Segment {
	tokens := strings.Fields(fullText)
	last := items[len(items)-1]

	totalDuration := float64(last.StartSeconds) + fallbackTailSeconds
	if last.EndSeconds != nil {
		totalDuration = float64(*last.EndSeconds)
	}
	if totalDuration <= 0 {
		totalDuration = fallbackTailSeconds
	}

	segments := make([]ledger.Segment, 0, len(items))
	consumed := 0
	for i, item := range items {
		start := float64(item.StartSeconds)
		end := itemEnd(items, i, start, 0)
		if end <= start {
			end = start + fallbackItemSeconds
		}

		var count int
		if i == len(items)-1 {
			// The last item takes whatever remains, so rounding never
			// drops words.
			count = len(tokens) - consumed
		} else {
			count = int(float64(len(tokens)) * (end - start) / totalDuration)
			if count > len(tokens)-consumed {
				count = len(tokens) - consumed
			}
		}
		if count < 0 {
			count = 0
		}

		itemID := item.ID
		segments = append(segments, ledger.Segment{
			ClipID:       clipID,
			AgendaItemID: &itemID,
			Title:        item.Title,
			StartSeconds: start,
			EndSeconds:   end,
			Text:         strings.Join(tokens[consumed:consumed+count], " "),
		})
		consumed += count
	}
	return segments
}
