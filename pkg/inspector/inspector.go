// Package inspector builds Structure snapshots and annotation lists from a
// live document session. Element-level failures are logged and skipped;
// only an unreadable document aborts extraction.
package inspector

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/driver"
)

// Inspector extracts document state through the driver boundary.
type Inspector struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{logger: logger}
}

// ExtractAnnotations returns the reviewer annotations in document order.
func (in *Inspector) ExtractAnnotations(sess driver.Session) ([]document.Annotation, error) {
	raw, err := sess.Annotations()
	if err != nil {
		return nil, err
	}

	out := make([]document.Annotation, 0, len(raw))
	for _, a := range raw {
		if a.ID == "" {
			in.logger.Warn("skipping annotation without id", "author", a.Author)
			continue
		}
		page := a.Page
		if page < 1 {
			page = 1
		}
		out = append(out, document.Annotation{
			ID:         a.ID,
			Author:     a.Author,
			Page:       page,
			AnchorText: truncate(a.AnchorText, 200),
			Text:       a.Text,
			Range:      a.Range,
		})
	}
	return out, nil
}

// ExtractStructure builds a Structure snapshot of the document.
func (in *Inspector) ExtractStructure(sess driver.Session) (document.Structure, error) {
	var s document.Structure

	paras, err := sess.Paragraphs()
	if err != nil {
		return s, err
	}
	for _, p := range paras {
		if !IsHeadingStyle(p.StyleName) {
			continue
		}
		s.Headings = append(s.Headings, document.Heading{
			Level: HeadingLevel(p.StyleName),
			Text:  p.Text,
			Style: p.StyleName,
			Range: p.Range,
		})
	}

	styles, err := sess.Styles()
	if err != nil {
		in.logger.Warn("cannot enumerate styles", "error", err)
	} else {
		for _, st := range styles {
			s.Styles = append(s.Styles, document.Style{
				Name:    st.Name,
				Kind:    styleKind(st.Type),
				BuiltIn: st.BuiltIn,
				InUse:   st.InUse,
			})
		}
	}

	tocs, err := sess.TocFields()
	if err != nil {
		in.logger.Warn("cannot enumerate TOC fields", "error", err)
	} else {
		for _, f := range tocs {
			s.TocEntries = append(s.TocEntries, f.Entries...)
		}
	}

	links, err := sess.Hyperlinks()
	if err != nil {
		in.logger.Warn("cannot enumerate hyperlinks", "error", err)
	} else {
		for _, l := range links {
			s.Hyperlinks = append(s.Hyperlinks, document.Hyperlink{
				Text:    l.Text,
				Address: l.Address,
				Kind:    document.ClassifyLink(l.Address),
				Range:   l.Range,
			})
		}
	}

	if n, err := sess.PageCount(); err == nil {
		s.PageCount = n
	} else {
		in.logger.Warn("cannot read page count", "error", err)
	}
	if n, err := sess.WordCount(); err == nil {
		s.WordCount = n
	} else {
		in.logger.Warn("cannot read word count", "error", err)
	}

	return s, nil
}

var headingMarkers = []string{"heading", "标题", "title"}

// IsHeadingStyle reports whether a style name denotes a heading, in English
// or localized form.
func IsHeadingStyle(styleName string) bool {
	lower := strings.ToLower(styleName)
	for _, marker := range headingMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var digitRe = regexp.MustCompile(`[1-9]`)

// numeralLevels maps localized number words onto outline levels.
var numeralLevels = map[rune]int{
	'一': 1, '二': 2, '三': 3, '四': 4, '五': 5,
	'六': 6, '七': 7, '八': 8, '九': 9,
}

// HeadingLevel infers the outline level from a heading style name: an
// Arabic digit wins, then a localized number word; the default is 1.
func HeadingLevel(styleName string) int {
	if m := digitRe.FindString(styleName); m != "" {
		return int(m[0] - '0')
	}
	for _, r := range styleName {
		if lvl, ok := numeralLevels[r]; ok {
			return lvl
		}
	}
	return 1
}

func styleKind(t driver.StyleType) document.StyleKind {
	switch t {
	case driver.StyleTypeCharacter:
		return document.StyleCharacter
	case driver.StyleTypeTable:
		return document.StyleTable
	case driver.StyleTypeList:
		return document.StyleList
	default:
		return document.StyleParagraph
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
