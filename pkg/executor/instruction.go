package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/margo-ai/margo/pkg/driver"
)

// Task parameters are not separate wire fields; they are extracted from the
// free-text instruction with fixed rules so execution stays deterministic.

var (
	digitRe   = regexp.MustCompile(`[1-9]`)
	levelsRe  = regexp.MustCompile(`([1-9])\s*(?:-|–|~|to|through|到)\s*([1-9])`)
	urlRe     = regexp.MustCompile(`https?://[^\s"'<>()\x{ff09}\x{3001}\x{3002}]+`)
	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	quotedRe  = regexp.MustCompile(`["'\x{201c}\x{201d}\x{2018}\x{2019}\x{300c}\x{300d}]([^"'\x{201c}\x{201d}\x{2018}\x{2019}\x{300c}\x{300d}]+)["'\x{201c}\x{201d}\x{2018}\x{2019}\x{300c}\x{300d}]`)
	numeralRe = regexp.MustCompile(`[一二三四五六七八九]`)
)

var numeralValues = map[string]int{
	"一": 1, "二": 2, "三": 3, "四": 4, "五": 5,
	"六": 6, "七": 7, "八": 8, "九": 9,
}

// extractLevel pulls an outline level from the instruction: the first Arabic
// digit 1-9 wins, then a localized number word.
func extractLevel(instruction string) (int, bool) {
	if m := digitRe.FindString(instruction); m != "" {
		return int(m[0] - '0'), true
	}
	if m := numeralRe.FindString(instruction); m != "" {
		return numeralValues[m], true
	}
	return 0, false
}

// extractLevelBounds pulls an upper/lower outline level pair, e.g. "1-3" or
// "levels 2 to 4". A single level means bounds [1, level].
func extractLevelBounds(instruction string) (int, int, bool) {
	if m := levelsRe.FindStringSubmatch(instruction); m != nil {
		upper := int(m[1][0] - '0')
		lower := int(m[2][0] - '0')
		if upper > lower {
			upper, lower = lower, upper
		}
		return upper, lower, true
	}
	if lvl, ok := extractLevel(instruction); ok {
		return 1, lvl, true
	}
	return 0, 0, false
}

// extractAddress pulls a hyperlink target: a URL wins over a bare email
// address; an email is returned as a mailto link.
func extractAddress(instruction string) (string, bool) {
	if m := urlRe.FindString(instruction); m != "" {
		return strings.TrimRight(m, ".,;:"), true
	}
	if m := emailRe.FindString(instruction); m != "" {
		return "mailto:" + m, true
	}
	return "", false
}

// extractStyleName matches the instruction against the document's style
// inventory, longest style name first, so "Heading 1" does not lose to
// "Heading". Paragraph styles only.
func extractStyleName(instruction string, styles []driver.StyleDef) (string, bool) {
	lower := strings.ToLower(instruction)
	best := ""
	for _, s := range styles {
		if s.Type != driver.StyleTypeParagraph || s.Name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(s.Name)) && len(s.Name) > len(best) {
			best = s.Name
		}
	}
	return best, best != ""
}

// headingStyleFor picks the style name for an outline level, preferring a
// localized style present in the document over the English default.
func headingStyleFor(styles []driver.StyleDef, level int) string {
	candidates := []string{
		fmt.Sprintf("标题 %d", level),
		fmt.Sprintf("标题%d", level),
		fmt.Sprintf("Heading %d", level),
	}
	for _, c := range candidates {
		for _, s := range styles {
			if strings.EqualFold(s.Name, c) {
				return s.Name
			}
		}
	}
	return fmt.Sprintf("Heading %d", level)
}

// extractPayload pulls the replacement text for content tasks: the last
// quoted segment of the instruction, or the whole instruction when nothing
// is quoted.
func extractPayload(instruction string) string {
	ms := quotedRe.FindAllStringSubmatch(instruction, -1)
	if len(ms) > 0 {
		return ms[len(ms)-1][1]
	}
	return strings.TrimSpace(instruction)
}
