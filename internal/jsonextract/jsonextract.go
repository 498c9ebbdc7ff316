// Package jsonextract pulls JSON documents out of raw LLM responses.
//
// Local models rarely return bare JSON: they wrap it in markdown fences,
// prepend chatter ("Sure, here is the analysis:"), or append trailing notes.
// The helpers here locate the first balanced JSON object or array in a string
// so callers can unmarshal without caring about the surrounding noise.
package jsonextract

import (
	"encoding/json"
	"strings"
)

// FirstObject returns the first balanced {...} substring of s, with markdown
// fences stripped. The second return value is false when no object is found.
func FirstObject(s string) (string, bool) {
	return firstBalanced(stripFences(s), '{', '}')
}

// FirstArray returns the first balanced [...] substring of s, with markdown
// fences stripped. The second return value is false when no array is found.
func FirstArray(s string) (string, bool) {
	return firstBalanced(stripFences(s), '[', ']')
}

// UnmarshalObject extracts the first JSON object from s and unmarshals it
// into v. Returns an error when no object is present or it does not parse.
func UnmarshalObject(s string, v any) error {
	obj, ok := FirstObject(s)
	if !ok {
		return &ExtractError{Input: s}
	}
	return json.Unmarshal([]byte(obj), v)
}

// UnmarshalArray extracts the first JSON array from s and unmarshals it
// into v. Returns an error when no array is present or it does not parse.
func UnmarshalArray(s string, v any) error {
	arr, ok := FirstArray(s)
	if !ok {
		return &ExtractError{Input: s}
	}
	return json.Unmarshal([]byte(arr), v)
}

// ExtractError reports that no JSON document was found in an LLM response.
type ExtractError struct {
	// Input is the response that contained no JSON.
	Input string
}

func (e *ExtractError) Error() string {
	return "jsonextract: no JSON document found in response"
}

// stripFences removes markdown code fences (``` or ```json) around a
// response. Content outside the fence is dropped when a fence is present.
func stripFences(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}
	rest := s[start+3:]
	// Skip a language tag such as "json" up to the first newline.
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{[") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end != -1 {
		rest = rest[:end]
	}
	return rest
}

// firstBalanced finds the first balanced open..close region, respecting JSON
// string literals and escapes so braces inside strings do not confuse the
// depth count.
func firstBalanced(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
