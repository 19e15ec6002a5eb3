// Package memdriver implements the driver interfaces over a JSON-backed
// document model. It is the reference driver for tests and for platforms
// without office automation; the on-disk format is a single UTF-8 JSON file.
package memdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/driver"
	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

// State is the serialized document model.
type State struct {
	Paragraphs  []ParagraphState          `json:"paragraphs"`
	Annotations []driver.Annotation       `json:"annotations,omitempty"`
	Styles      []driver.StyleDef         `json:"styles,omitempty"`
	TocFields   []TocFieldState           `json:"toc_fields,omitempty"`
	Hyperlinks  []driver.Hyperlink        `json:"hyperlinks,omitempty"`
	Bookmarks   map[string]document.Range `json:"bookmarks,omitempty"`
	Templates   []string                  `json:"templates,omitempty"`
	PageCount   int                       `json:"page_count,omitempty"`
}

// ParagraphState is one paragraph with its style.
type ParagraphState struct {
	Text  string `json:"text"`
	Style string `json:"style"`
}

// TocFieldState is one TOC field. Entries are regenerated from headings on
// rebuild.
type TocFieldState struct {
	UpperLevel int                 `json:"upper_level"`
	LowerLevel int                 `json:"lower_level"`
	Range      document.Range      `json:"range"`
	Entries    []document.TocEntry `json:"entries,omitempty"`
}

// WriteDocument serializes a State to path. Test fixture helper.
func WriteDocument(path string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Driver opens JSON-backed documents.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Open(_ context.Context, path string) (driver.Session, error) {
	s := &Session{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Session is a live in-memory document. Not safe for concurrent use.
type Session struct {
	path  string
	state State
}

func (s *Session) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot open document %s", s.path), err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("document %s is not a valid margo document", s.path), err)
	}
	if state.Bookmarks == nil {
		state.Bookmarks = map[string]document.Range{}
	}
	s.state = state
	return nil
}

func (s *Session) Path() string { return s.path }

// Text joins paragraphs with a newline. All session ranges are rune offsets
// into this string.
func (s *Session) Text() (string, error) {
	parts := make([]string, len(s.state.Paragraphs))
	for i, p := range s.state.Paragraphs {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n"), nil
}

func (s *Session) Paragraphs() ([]driver.Paragraph, error) {
	out := make([]driver.Paragraph, 0, len(s.state.Paragraphs))
	offset := 0
	for i, p := range s.state.Paragraphs {
		n := len([]rune(p.Text))
		out = append(out, driver.Paragraph{
			Index:        i,
			Text:         p.Text,
			StyleName:    p.Style,
			OutlineLevel: outlineLevel(p.Style),
			Range:        document.Range{Start: offset, End: offset + n},
		})
		offset += n + 1
	}
	return out, nil
}

func outlineLevel(style string) int {
	for lvl := 1; lvl <= 9; lvl++ {
		if style == fmt.Sprintf("Heading %d", lvl) || style == fmt.Sprintf("标题 %d", lvl) {
			return lvl
		}
	}
	return 0
}

func (s *Session) Annotations() ([]driver.Annotation, error) {
	out := make([]driver.Annotation, len(s.state.Annotations))
	copy(out, s.state.Annotations)
	return out, nil
}

func (s *Session) Styles() ([]driver.StyleDef, error) {
	inUse := map[string]bool{}
	for _, p := range s.state.Paragraphs {
		inUse[p.Style] = true
	}
	out := make([]driver.StyleDef, len(s.state.Styles))
	for i, st := range s.state.Styles {
		out[i] = st
		if inUse[st.Name] {
			out[i].InUse = true
		}
	}
	return out, nil
}

// SetStyleInUse flips a style's in-use flag directly, bypassing paragraph
// derivation. Exists so tests can simulate driver-side drift.
func (s *Session) SetStyleInUse(name string, used bool) {
	for i := range s.state.Styles {
		if s.state.Styles[i].Name == name {
			s.state.Styles[i].InUse = used
			if used {
				// Pin the flag by attaching the style to a synthetic
				// empty paragraph.
				s.state.Paragraphs = append(s.state.Paragraphs, ParagraphState{Text: "", Style: name})
			}
			return
		}
	}
}

func (s *Session) TocFields() ([]driver.TocField, error) {
	out := make([]driver.TocField, 0, len(s.state.TocFields))
	for _, f := range s.state.TocFields {
		out = append(out, driver.TocField{
			UpperLevel: f.UpperLevel,
			LowerLevel: f.LowerLevel,
			Range:      f.Range,
			Entries:    f.Entries,
		})
	}
	return out, nil
}

func (s *Session) Hyperlinks() ([]driver.Hyperlink, error) {
	out := make([]driver.Hyperlink, len(s.state.Hyperlinks))
	copy(out, s.state.Hyperlinks)
	return out, nil
}

func (s *Session) PageCount() (int, error) {
	if s.state.PageCount > 0 {
		return s.state.PageCount, nil
	}
	return 1, nil
}

func (s *Session) WordCount() (int, error) {
	text, _ := s.Text()
	return driver.CountWords(text), nil
}

func (s *Session) Bookmark(name string) (document.Range, bool, error) {
	r, ok := s.state.Bookmarks[name]
	return r, ok, nil
}

func (s *Session) AddBookmark(name string, r document.Range) error {
	if _, exists := s.state.Bookmarks[name]; exists {
		return margoerrors.Newf(margoerrors.KindDriver, "bookmark %q already exists", name)
	}
	s.state.Bookmarks[name] = r
	return nil
}

func (s *Session) clamp(r document.Range) document.Range {
	text, _ := s.Text()
	n := len([]rune(text))
	if r.Start < 0 {
		r.Start = 0
	}
	if r.Start > n {
		r.Start = n
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	if r.End > n {
		r.End = n
	}
	return r
}

// splice replaces the rune range [r.Start, r.End) of the body text with
// replacement, then re-derives paragraphs. Styles follow their paragraph by
// index; paragraphs created by the edit inherit the style at the edit point.
func (s *Session) splice(r document.Range, replacement string) error {
	r = s.clamp(r)
	text, _ := s.Text()
	runes := []rune(text)
	updated := string(runes[:r.Start]) + replacement + string(runes[r.End:])

	styleAt := "Normal"
	if idx := s.paragraphIndexAt(r.Start); idx >= 0 {
		styleAt = s.state.Paragraphs[idx].Style
	}

	oldParas := s.state.Paragraphs
	lines := strings.Split(updated, "\n")
	newParas := make([]ParagraphState, len(lines))

	for i := range newParas {
		newParas[i] = ParagraphState{Text: lines[i], Style: styleAt}
	}

	if len(newParas) == len(oldParas) {
		// Paragraph boundaries unchanged; every paragraph keeps its style.
		for i := range newParas {
			newParas[i].Style = oldParas[i].Style
		}
	} else {
		// Align styles from both ends; paragraphs touched by the edit keep
		// the edit-point style.
		editPara := s.paragraphIndexAt(r.Start)
		endPara := s.paragraphIndexAt(r.End)
		for i := 0; i < len(newParas) && i < len(oldParas) && i <= editPara; i++ {
			newParas[i].Style = oldParas[i].Style
		}
		for i := 0; i < len(newParas) && i < len(oldParas); i++ {
			oi, ni := len(oldParas)-1-i, len(newParas)-1-i
			if oi > endPara && ni > editPara {
				newParas[ni].Style = oldParas[oi].Style
			}
		}
	}
	s.state.Paragraphs = newParas
	return nil
}

// paragraphIndexAt returns the paragraph containing rune offset pos, or the
// last paragraph for out-of-range positions; -1 for an empty document.
func (s *Session) paragraphIndexAt(pos int) int {
	offset := 0
	for i, p := range s.state.Paragraphs {
		n := len([]rune(p.Text))
		if pos <= offset+n {
			return i
		}
		offset += n + 1
	}
	return len(s.state.Paragraphs) - 1
}

func (s *Session) ReplaceText(r document.Range, text string) error {
	return s.splice(r, text)
}

func (s *Session) InsertAfter(r document.Range, text string) error {
	r = s.clamp(r)
	return s.splice(document.Range{Start: r.End, End: r.End}, text)
}

func (s *Session) DeleteRange(r document.Range) error {
	return s.splice(r, "")
}

func (s *Session) SetParagraphStyle(r document.Range, styleName string) error {
	r = s.clamp(r)
	idx := s.paragraphIndexAt(r.Start)
	if idx < 0 {
		return margoerrors.New(margoerrors.KindDriver, "no paragraph at range")
	}
	s.state.Paragraphs[idx].Style = styleName
	s.ensureStyleDef(styleName)
	return nil
}

func (s *Session) ensureStyleDef(name string) {
	for _, st := range s.state.Styles {
		if st.Name == name {
			return
		}
	}
	s.state.Styles = append(s.state.Styles, driver.StyleDef{
		Name: name, Type: driver.StyleTypeParagraph, InUse: true,
	})
}

func (s *Session) SetHyperlinkAddress(r document.Range, address string) error {
	for i := range s.state.Hyperlinks {
		if s.state.Hyperlinks[i].Range.Overlaps(r) {
			s.state.Hyperlinks[i].Address = address
			return nil
		}
	}
	return margoerrors.New(margoerrors.KindDriver, "no hyperlink at range")
}

func (s *Session) AddTocField(r document.Range, upper, lower int) error {
	s.state.TocFields = append(s.state.TocFields, TocFieldState{
		UpperLevel: upper,
		LowerLevel: lower,
		Range:      s.clamp(r),
		Entries:    s.tocEntries(upper, lower),
	})
	return nil
}

func (s *Session) tocEntries(upper, lower int) []document.TocEntry {
	paras, _ := s.Paragraphs()
	var entries []document.TocEntry
	for _, p := range paras {
		if p.OutlineLevel >= upper && p.OutlineLevel <= lower {
			entries = append(entries, document.TocEntry{
				Level: p.OutlineLevel,
				Text:  p.Text,
				Page:  1 + p.Range.Start/3000,
				Range: p.Range,
			})
		}
	}
	return entries
}

func (s *Session) DeleteTocFields() error {
	s.state.TocFields = nil
	return nil
}

func (s *Session) SetTocLevels(upper, lower int) error {
	for i := range s.state.TocFields {
		s.state.TocFields[i].UpperLevel = upper
		s.state.TocFields[i].LowerLevel = lower
		s.state.TocFields[i].Entries = s.tocEntries(upper, lower)
	}
	return nil
}

func (s *Session) RefreshTocNumbers() error {
	for i := range s.state.TocFields {
		f := s.state.TocFields[i]
		s.state.TocFields[i].Entries = s.tocEntries(f.UpperLevel, f.LowerLevel)
	}
	return nil
}

func (s *Session) HasTemplate(name string) bool {
	for _, t := range s.state.Templates {
		if t == name {
			return true
		}
	}
	return false
}

func (s *Session) ApplyTemplate(name string) error {
	if !s.HasTemplate(name) {
		return margoerrors.Newf(margoerrors.KindDriver, "template %q not available", name)
	}
	// Template application normalizes non-heading paragraphs to Normal.
	for i := range s.state.Paragraphs {
		if outlineLevel(s.state.Paragraphs[i].Style) == 0 {
			s.state.Paragraphs[i].Style = "Normal"
		}
	}
	return nil
}

func (s *Session) Save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument, "cannot serialize document", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot save document %s", s.path), err).WithCode("DOC_002")
	}
	return nil
}

func (s *Session) SaveAs(path string) error {
	orig := s.path
	s.path = path
	if err := s.Save(); err != nil {
		s.path = orig
		return err
	}
	return nil
}

func (s *Session) Close() error { return nil }

func (s *Session) Reopen() error { return s.load() }
