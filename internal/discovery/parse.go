package discovery

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxTitleLen bounds stored agenda item titles; Granicus index labels are
// occasionally whole paragraphs.
const maxTitleLen = 500

var (
	dateRe       = regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{2,4})`)
	itemNumberRe = regexp.MustCompile(`^(\d+\.?\d*\.?)\s*`)
)

// isPlaceholderTitle reports whether a clip page carries the platform's
// default title instead of a real meeting name. Those pages exist in the ID
// range but hold no published recording.
func isPlaceholderTitle(title string) bool {
	lower := strings.ToLower(title)
	return strings.Contains(lower, "granicus") && !strings.Contains(lower, "city")
}

// parseMeetingDate extracts an M/D/YY or M/D/YYYY date from a clip title and
// returns it in ISO form. Returns empty when no date is present.
func parseMeetingDate(title string) string {
	m := dateRe.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return ""
	}
	if year < 100 {
		// Two-digit years pivot at 50, matching the archive's oldest clips.
		if year < 50 {
			year += 2000
		} else {
			year += 1900
		}
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

// classifyMeetingType maps a clip title to a meeting type. Order matters:
// "Special City Council Meeting" must classify as a special meeting, not a
// regular council one.
func classifyMeetingType(title string) string {
	lower := strings.ToLower(title)
	switch {
	case strings.Contains(lower, "special"):
		return "Special Meeting"
	case strings.Contains(lower, "planning commission"):
		return "Planning Commission"
	case strings.Contains(lower, "city council"):
		return "City Council"
	case strings.Contains(lower, "budget"):
		return "Budget Meeting"
	default:
		return "City Council"
	}
}

// splitItemLabel separates an agenda index label into its item number and
// title ("2.1. Consent Agenda" → "2.1", "Consent Agenda"). The number is
// empty when the label has none.
func splitItemLabel(label string) (number, title string) {
	label = strings.TrimSpace(label)
	if m := itemNumberRe.FindStringSubmatch(label); m != nil {
		number = strings.TrimSuffix(m[1], ".")
		title = strings.TrimSpace(label[len(m[0]):])
	} else {
		title = label
	}
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return number, title
}
