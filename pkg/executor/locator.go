package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/driver"
	"github.com/margo-ai/margo/pkg/inspector"
)

// sentinelRange is returned when a locator misses entirely. It keeps the
// locator a total function; the task's own semantics decide whether acting
// on it is meaningful.
var sentinelRange = document.Range{Start: 0, End: 1}

// resolveLocator turns a locator into a concrete character range. found is
// false only on a total miss, in which case the sentinel range is returned.
// strict disables the fuzzy find fallback. from is the search cursor for
// find-style resolution; the scan wraps around once.
func resolveLocator(sess driver.Session, loc document.Locator, from int, strict bool) (r document.Range, found bool, warning string, err error) {
	value := strings.TrimSpace(loc.Value)

	switch loc.By {
	case document.LocatorBookmark:
		br, ok, berr := sess.Bookmark(value)
		if berr != nil {
			return sentinelRange, false, "", berr
		}
		if ok {
			return br, true, "", nil
		}
		// Unknown bookmark name: treat it as text to find.
		return findRange(sess, value, from, strict)

	case document.LocatorRange:
		rr, ok := parseRangeValue(value)
		if !ok {
			return sentinelRange, false, fmt.Sprintf("range locator %q is not a-b or a,len", value), nil
		}
		clamped, cerr := clampRange(sess, rr)
		if cerr != nil {
			return sentinelRange, false, "", cerr
		}
		return clamped, true, "", nil

	case document.LocatorHeading:
		hr, ok, herr := headingRange(sess, value)
		if herr != nil {
			return sentinelRange, false, "", herr
		}
		if ok {
			return hr, true, "", nil
		}
		return findRange(sess, value, from, strict)

	case document.LocatorFind:
		return findRange(sess, value, from, strict)
	}

	return sentinelRange, false, fmt.Sprintf("unknown locator strategy %q", loc.By), nil
}

// parseRangeValue accepts "a-b" (half-open) or "a,len".
func parseRangeValue(v string) (document.Range, bool) {
	if a, b, ok := splitInts(v, "-"); ok && b >= a {
		return document.Range{Start: a, End: b}, true
	}
	if a, n, ok := splitInts(v, ","); ok && n >= 0 {
		return document.Range{Start: a, End: a + n}, true
	}
	return document.Range{}, false
}

func splitInts(v, sep string) (int, int, bool) {
	parts := strings.SplitN(v, sep, 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	b, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || a < 0 {
		return 0, 0, false
	}
	return a, b, true
}

func clampRange(sess driver.Session, r document.Range) (document.Range, error) {
	text, err := sess.Text()
	if err != nil {
		return r, err
	}
	n := len([]rune(text))
	if r.Start > n {
		r.Start = n
	}
	if r.End > n {
		r.End = n
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r, nil
}

// headingRange scans paragraphs styled as headings for a substring match in
// either direction: the locator text inside the heading, or the heading
// inside the locator text.
func headingRange(sess driver.Session, value string) (document.Range, bool, error) {
	paras, err := sess.Paragraphs()
	if err != nil {
		return document.Range{}, false, err
	}
	needle := strings.ToLower(value)
	for _, p := range paras {
		if !inspector.IsHeadingStyle(p.StyleName) {
			continue
		}
		text := strings.ToLower(strings.TrimSpace(p.Text))
		if text == "" {
			continue
		}
		if strings.Contains(text, needle) || strings.Contains(needle, text) {
			return p.Range, true, nil
		}
	}
	return document.Range{}, false, nil
}

// findRange is a case-insensitive exact search that starts at the cursor and
// wraps around once. On a miss it retries each whitespace token of length >= 3
// unless strict mode disables the fuzzy fallback.
func findRange(sess driver.Session, value string, from int, strict bool) (document.Range, bool, string, error) {
	text, err := sess.Text()
	if err != nil {
		return sentinelRange, false, "", err
	}
	hay := []rune(strings.ToLower(text))

	if r, ok := searchWrapped(hay, value, from); ok {
		return r, true, "", nil
	}
	if !strict {
		for _, token := range strings.Fields(value) {
			if len([]rune(token)) < 3 {
				continue
			}
			if r, ok := searchWrapped(hay, token, from); ok {
				return r, true, fmt.Sprintf("exact match for %q failed; matched token %q", value, token), nil
			}
		}
	}
	return sentinelRange, false, fmt.Sprintf("no match for %q", value), nil
}

func searchWrapped(hay []rune, needle string, from int) (document.Range, bool) {
	nd := []rune(strings.ToLower(needle))
	if len(nd) == 0 || len(nd) > len(hay) {
		return document.Range{}, false
	}
	if from < 0 || from > len(hay) {
		from = 0
	}
	if idx := indexRunes(hay, nd, from); idx >= 0 {
		return document.Range{Start: idx, End: idx + len(nd)}, true
	}
	if from > 0 {
		if idx := indexRunes(hay, nd, 0); idx >= 0 {
			return document.Range{Start: idx, End: idx + len(nd)}, true
		}
	}
	return document.Range{}, false
}

func indexRunes(hay, needle []rune, from int) int {
	for i := from; i+len(needle) <= len(hay); i++ {
		match := true
		for j := range needle {
			if hay[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// ensureBookmark pins a range under name, suffixing _n until the name is
// free, and returns the name actually used.
func ensureBookmark(sess driver.Session, name string, r document.Range) (string, error) {
	candidate := name
	for i := 1; ; i++ {
		_, exists, err := sess.Bookmark(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			break
		}
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
	if err := sess.AddBookmark(candidate, r); err != nil {
		return "", err
	}
	return candidate, nil
}
