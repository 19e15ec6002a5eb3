package llm

import (
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Salvage tries to recover a JSON object from an almost-JSON response:
// fenced code markers are stripped, prose around the outermost braces is
// trimmed, and the remainder is run through jsonrepair (smart quotes,
// trailing commas, unquoted keys). Returns the repaired text and whether a
// candidate was produced; the caller decides if it parses.
func Salvage(raw string) (string, bool) {
	s := stripFences(raw)
	s = trimToBraces(s)
	if s == "" {
		return "", false
	}

	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return "", false
	}
	return fixed, true
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the fence line.
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		first := strings.TrimSpace(s[:nl])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// trimToBraces cuts everything before the first '{' and after its matching
// closing brace. String literals are honored so braces inside values do not
// end the scan early.
func trimToBraces(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced; hand the tail to the repairer.
	return s[start:]
}
