// Package docxdriver implements the driver interfaces for .docx files. It
// uses the docx package for container IO and works on the document XML
// directly for everything the package does not expose: paragraph styles,
// comment anchors, bookmarks, hyperlink spans and TOC fields.
//
// Ranges are rune offsets into the visible body text, paragraphs joined
// with a newline, matching the memdriver convention.
package docxdriver

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nguyenthenguyen/docx"

	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/driver"
	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

const charsPerPage = 3000

// Driver opens .docx documents.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Open(_ context.Context, path string) (driver.Session, error) {
	s := &Session{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Session is a live .docx document. Not safe for concurrent use.
type Session struct {
	path    string
	rd      *docx.ReplaceDocx
	ed      *docx.Docx
	content string

	rels      map[string]string
	comments  []commentDef
	styleIDs  map[string]string // styleId -> display name
	styleDefs []driver.StyleDef

	model *model
}

type commentDef struct {
	ID     string
	Author string
	Text   string
}

func (s *Session) open() error {
	rd, err := docx.ReadDocxFile(s.path)
	if err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot open document %s", s.path), err)
	}
	s.rd = rd
	s.ed = rd.Editable()
	s.content = s.ed.GetContent()
	s.model = nil

	if err := s.readParts(); err != nil {
		rd.Close()
		return err
	}
	return nil
}

// readParts pulls the container parts the docx package does not expose:
// relationship targets, comments, and style definitions.
func (s *Session) readParts() error {
	zr, err := zip.OpenReader(s.path)
	if err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot read container %s", s.path), err)
	}
	defer zr.Close()

	s.rels = map[string]string{}
	s.comments = nil
	s.styleIDs = map[string]string{}
	s.styleDefs = nil

	for _, f := range zr.File {
		switch f.Name {
		case "word/_rels/document.xml.rels":
			data, err := readZipFile(f)
			if err != nil {
				return err
			}
			s.parseRels(data)
		case "word/comments.xml":
			data, err := readZipFile(f)
			if err != nil {
				return err
			}
			s.parseComments(data)
		case "word/styles.xml":
			data, err := readZipFile(f)
			if err != nil {
				return err
			}
			s.parseStyles(data)
		}
	}
	return nil
}

func readZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot read part %s", f.Name), err)
	}
	defer rc.Close()
	var sb strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, err := rc.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String(), nil
}

var relRe = regexp.MustCompile(`<Relationship [^>]*Id="([^"]+)"[^>]*Target="([^"]*)"`)

func (s *Session) parseRels(data string) {
	for _, m := range relRe.FindAllStringSubmatch(data, -1) {
		s.rels[m[1]] = m[2]
	}
}

var (
	commentRe    = regexp.MustCompile(`(?s)<w:comment ([^>]*)>(.*?)</w:comment>`)
	idAttrRe     = regexp.MustCompile(`w:id="([^"]+)"`)
	authorAttrRe = regexp.MustCompile(`w:author="([^"]*)"`)
	textNodeRe   = regexp.MustCompile(`(?s)<w:t(?: [^>]*)?>(.*?)</w:t>`)
)

func (s *Session) parseComments(data string) {
	for _, m := range commentRe.FindAllStringSubmatch(data, -1) {
		attrs, body := m[1], m[2]
		var c commentDef
		if im := idAttrRe.FindStringSubmatch(attrs); im != nil {
			c.ID = im[1]
		}
		if am := authorAttrRe.FindStringSubmatch(attrs); am != nil {
			c.Author = am[1]
		}
		var parts []string
		for _, tm := range textNodeRe.FindAllStringSubmatch(body, -1) {
			parts = append(parts, xmlUnescape(tm[1]))
		}
		c.Text = strings.Join(parts, "")
		if c.ID != "" {
			s.comments = append(s.comments, c)
		}
	}
}

var (
	styleRe     = regexp.MustCompile(`(?s)<w:style ([^>]*)>(.*?)</w:style>`)
	styleIDRe   = regexp.MustCompile(`w:styleId="([^"]+)"`)
	styleTypeRe = regexp.MustCompile(`w:type="([^"]+)"`)
	customRe    = regexp.MustCompile(`w:customStyle="(?:1|true)"`)
	nameValRe   = regexp.MustCompile(`<w:name [^>]*w:val="([^"]*)"`)
)

func (s *Session) parseStyles(data string) {
	for _, m := range styleRe.FindAllStringSubmatch(data, -1) {
		attrs, body := m[1], m[2]
		idm := styleIDRe.FindStringSubmatch(attrs)
		if idm == nil {
			continue
		}
		id := idm[1]
		name := id
		if nm := nameValRe.FindStringSubmatch(body); nm != nil {
			name = nm[1]
		}
		s.styleIDs[id] = name

		styleType := driver.StyleTypeParagraph
		if tm := styleTypeRe.FindStringSubmatch(attrs); tm != nil {
			switch tm[1] {
			case "character":
				styleType = driver.StyleTypeCharacter
			case "table":
				styleType = driver.StyleTypeTable
			case "numbering":
				styleType = driver.StyleTypeList
			}
		}
		s.styleDefs = append(s.styleDefs, driver.StyleDef{
			Name:    name,
			Type:    styleType,
			BuiltIn: !customRe.MatchString(attrs),
		})
	}
}

func (s *Session) styleIDFor(name string) string {
	for id, n := range s.styleIDs {
		if strings.EqualFold(n, name) {
			return id
		}
	}
	// Fall back to the convention of stripping spaces ("Heading 1" ->
	// "Heading1").
	return strings.ReplaceAll(name, " ", "")
}

// ---------------------------------------------------------------------------
// Document XML model

type paraInfo struct {
	xmlStart int
	xmlEnd   int
	styleID  string
	text     string
	start    int // rune offset in visible text
	end      int
}

type linkInfo struct {
	rid   string
	text  string
	start int
	end   int
}

type tocInfo struct {
	paraIndex int
	upper     int
	lower     int
}

type model struct {
	text      string
	paras     []paraInfo
	anchors   map[string]document.Range // comment id -> anchor range
	bookmarks map[string]document.Range
	links     []linkInfo
	tocs      []tocInfo
}

var tokenRe = regexp.MustCompile(`(?s)` +
	`<w:p(?: [^>]*)?/>` + // empty paragraph
	`|<w:p(?: [^>]*)?>` +
	`|</w:p>` +
	`|<w:t(?: [^>]*)?>.*?</w:t>` +
	`|<w:pStyle [^>]*/?>` +
	`|<w:commentRangeStart [^>]*/>` +
	`|<w:commentRangeEnd [^>]*/>` +
	`|<w:bookmarkStart [^>]*/>` +
	`|<w:hyperlink(?: [^>]*)?>` +
	`|</w:hyperlink>` +
	`|<w:instrText(?: [^>]*)?>.*?</w:instrText>`)

var (
	pStyleValRe  = regexp.MustCompile(`w:val="([^"]*)"`)
	bookmarkName = regexp.MustCompile(`w:name="([^"]*)"`)
	ridRe        = regexp.MustCompile(`r:id="([^"]*)"`)
	tocSwitchRe  = regexp.MustCompile(`\\o\s+"(\d)-(\d)"`)
	tocInstrRe   = regexp.MustCompile(`(?s)<w:instrText(?: [^>]*)?>(.*?)</w:instrText>`)
)

// parse builds the visible-text model from the document XML.
func (s *Session) parse() *model {
	if s.model != nil {
		return s.model
	}

	m := &model{
		anchors:   map[string]document.Range{},
		bookmarks: map[string]document.Range{},
	}

	var sb strings.Builder
	offset := 0

	var cur *paraInfo
	var curText strings.Builder
	commentStarts := map[string]int{}
	var openLink *linkInfo

	flushPara := func(xmlEnd int) {
		if cur == nil {
			return
		}
		cur.xmlEnd = xmlEnd
		cur.text = curText.String()
		cur.end = offset
		m.paras = append(m.paras, *cur)
		sb.WriteString(cur.text)
		sb.WriteString("\n")
		offset++ // the paragraph separator
		cur = nil
	}

	for _, loc := range tokenRe.FindAllStringIndex(s.content, -1) {
		tok := s.content[loc[0]:loc[1]]
		switch {
		case strings.HasPrefix(tok, "<w:p ") && strings.HasSuffix(tok, "/>"),
			tok == "<w:p/>":
			// Self-closing empty paragraph.
			p := paraInfo{xmlStart: loc[0], start: offset}
			cur = &p
			curText.Reset()
			flushPara(loc[1])

		case strings.HasPrefix(tok, "<w:p ") || tok == "<w:p>":
			cur = &paraInfo{xmlStart: loc[0], start: offset}
			curText.Reset()

		case tok == "</w:p>":
			flushPara(loc[1])

		case strings.HasPrefix(tok, "<w:t"):
			inner := ""
			if gt := strings.Index(tok, ">"); gt >= 0 {
				inner = tok[gt+1 : len(tok)-len("</w:t>")]
			}
			text := xmlUnescape(inner)
			curText.WriteString(text)
			offset += len([]rune(text))

		case strings.HasPrefix(tok, "<w:pStyle"):
			if cur != nil {
				if vm := pStyleValRe.FindStringSubmatch(tok); vm != nil {
					cur.styleID = vm[1]
				}
			}

		case strings.HasPrefix(tok, "<w:commentRangeStart"):
			if im := idAttrRe.FindStringSubmatch(tok); im != nil {
				commentStarts[im[1]] = offset
			}

		case strings.HasPrefix(tok, "<w:commentRangeEnd"):
			if im := idAttrRe.FindStringSubmatch(tok); im != nil {
				start, ok := commentStarts[im[1]]
				if !ok {
					start = offset
				}
				m.anchors[im[1]] = document.Range{Start: start, End: offset}
			}

		case strings.HasPrefix(tok, "<w:bookmarkStart"):
			if nm := bookmarkName.FindStringSubmatch(tok); nm != nil {
				m.bookmarks[nm[1]] = document.Range{Start: offset, End: offset}
			}

		case strings.HasPrefix(tok, "<w:hyperlink"):
			if rm := ridRe.FindStringSubmatch(tok); rm != nil {
				openLink = &linkInfo{rid: rm[1], start: offset}
			}

		case tok == "</w:hyperlink>":
			if openLink != nil {
				openLink.end = offset
				openLink.text = visibleSlice(sb.String()+curText.String(), openLink.start, openLink.end)
				m.links = append(m.links, *openLink)
				openLink = nil
			}

		case strings.HasPrefix(tok, "<w:instrText"):
			if im := tocInstrRe.FindStringSubmatch(tok); im != nil {
				instr := im[1]
				if strings.Contains(instr, "TOC") {
					upper, lower := 1, 3
					if sm := tocSwitchRe.FindStringSubmatch(instr); sm != nil {
						upper = int(sm[1][0] - '0')
						lower = int(sm[2][0] - '0')
					}
					m.tocs = append(m.tocs, tocInfo{
						paraIndex: len(m.paras),
						upper:     upper,
						lower:     lower,
					})
				}
			}
		}
	}
	flushPara(len(s.content))

	m.text = strings.TrimSuffix(sb.String(), "\n")
	s.model = m
	return m
}

func visibleSlice(text string, start, end int) string {
	runes := []rune(text)
	if start < 0 || start > len(runes) {
		return ""
	}
	if end > len(runes) {
		end = len(runes)
	}
	if end < start {
		return ""
	}
	return string(runes[start:end])
}

func (s *Session) invalidate() { s.model = nil }

// ---------------------------------------------------------------------------
// Read access

func (s *Session) Path() string { return s.path }

func (s *Session) Text() (string, error) {
	return s.parse().text, nil
}

func (s *Session) Paragraphs() ([]driver.Paragraph, error) {
	m := s.parse()
	out := make([]driver.Paragraph, 0, len(m.paras))
	for i, p := range m.paras {
		name := p.styleID
		if display, ok := s.styleIDs[p.styleID]; ok {
			name = display
		}
		if name == "" {
			name = "Normal"
		}
		out = append(out, driver.Paragraph{
			Index:        i,
			Text:         p.text,
			StyleName:    name,
			OutlineLevel: headingLevelOf(name),
			Range:        document.Range{Start: p.start, End: p.end},
		})
	}
	return out, nil
}

func headingLevelOf(style string) int {
	for lvl := 1; lvl <= 9; lvl++ {
		if strings.EqualFold(style, fmt.Sprintf("heading %d", lvl)) ||
			style == fmt.Sprintf("标题 %d", lvl) || style == fmt.Sprintf("标题%d", lvl) {
			return lvl
		}
	}
	return 0
}

func (s *Session) Annotations() ([]driver.Annotation, error) {
	m := s.parse()
	out := make([]driver.Annotation, 0, len(s.comments))
	for _, c := range s.comments {
		r, ok := m.anchors[c.ID]
		if !ok {
			continue
		}
		out = append(out, driver.Annotation{
			ID:         c.ID,
			Author:     c.Author,
			Page:       1 + r.Start/charsPerPage,
			AnchorText: visibleSlice(m.text, r.Start, r.End),
			Text:       c.Text,
			Range:      r,
		})
	}
	return out, nil
}

func (s *Session) Styles() ([]driver.StyleDef, error) {
	m := s.parse()
	inUse := map[string]bool{}
	for _, p := range m.paras {
		name := p.styleID
		if display, ok := s.styleIDs[p.styleID]; ok {
			name = display
		}
		inUse[name] = true
	}
	out := make([]driver.StyleDef, len(s.styleDefs))
	for i, st := range s.styleDefs {
		out[i] = st
		out[i].InUse = inUse[st.Name]
	}
	return out, nil
}

func (s *Session) TocFields() ([]driver.TocField, error) {
	m := s.parse()
	paras, _ := s.Paragraphs()
	out := make([]driver.TocField, 0, len(m.tocs))
	for _, tc := range m.tocs {
		r := document.Range{}
		if tc.paraIndex < len(m.paras) {
			r = document.Range{Start: m.paras[tc.paraIndex].start, End: m.paras[tc.paraIndex].end}
		}
		out = append(out, driver.TocField{
			UpperLevel: tc.upper,
			LowerLevel: tc.lower,
			Range:      r,
			Entries:    tocEntries(paras, tc.upper, tc.lower),
		})
	}
	return out, nil
}

func tocEntries(paras []driver.Paragraph, upper, lower int) []document.TocEntry {
	var entries []document.TocEntry
	for _, p := range paras {
		if p.OutlineLevel >= upper && p.OutlineLevel <= lower {
			entries = append(entries, document.TocEntry{
				Level: p.OutlineLevel,
				Text:  p.Text,
				Page:  1 + p.Range.Start/charsPerPage,
				Range: p.Range,
			})
		}
	}
	return entries
}

func (s *Session) Hyperlinks() ([]driver.Hyperlink, error) {
	m := s.parse()
	out := make([]driver.Hyperlink, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, driver.Hyperlink{
			Text:    l.text,
			Address: s.rels[l.rid],
			Range:   document.Range{Start: l.start, End: l.end},
		})
	}
	return out, nil
}

func (s *Session) PageCount() (int, error) {
	return 1 + len([]rune(s.parse().text))/charsPerPage, nil
}

func (s *Session) WordCount() (int, error) {
	return driver.CountWords(s.parse().text), nil
}

func (s *Session) Bookmark(name string) (document.Range, bool, error) {
	r, ok := s.parse().bookmarks[name]
	return r, ok, nil
}

// ---------------------------------------------------------------------------
// Mutations

func (s *Session) clamp(r document.Range) document.Range {
	n := len([]rune(s.parse().text))
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

// paraIndexAt returns the paragraph containing rune offset pos.
func (m *model) paraIndexAt(pos int) int {
	for i, p := range m.paras {
		if pos <= p.end {
			return i
		}
	}
	return len(m.paras) - 1
}

// pPrOf extracts the paragraph-properties block from a paragraph's XML.
var pPrRe = regexp.MustCompile(`(?s)<w:pPr(?: [^>]*)?>.*?</w:pPr>|<w:pPr(?: [^>]*)?/>`)

func (s *Session) pPrOf(p paraInfo) string {
	block := s.content[p.xmlStart:p.xmlEnd]
	if m := pPrRe.FindString(block); m != "" {
		return m
	}
	return ""
}

func buildParagraph(pPr, text string) string {
	var sb strings.Builder
	sb.WriteString("<w:p>")
	sb.WriteString(pPr)
	if text != "" {
		sb.WriteString(`<w:r><w:t xml:space="preserve">`)
		sb.WriteString(xmlEscape(text))
		sb.WriteString(`</w:t></w:r>`)
	}
	sb.WriteString("</w:p>")
	return sb.String()
}

// splice replaces the visible rune range [r.Start, r.End) with replacement,
// rebuilding the paragraphs the range touches. Inline markup inside touched
// paragraphs (comment anchors, links) is not preserved.
func (s *Session) splice(r document.Range, replacement string) error {
	m := s.parse()
	if len(m.paras) == 0 {
		return margoerrors.New(margoerrors.KindDriver, "document has no paragraphs")
	}
	r = s.clamp(r)

	si := m.paraIndexAt(r.Start)
	ei := m.paraIndexAt(r.End)
	sp, ep := m.paras[si], m.paras[ei]

	so := r.Start - sp.start
	eo := r.End - ep.start
	spRunes := []rune(sp.text)
	epRunes := []rune(ep.text)
	if so > len(spRunes) {
		so = len(spRunes)
	}
	if eo > len(epRunes) {
		eo = len(epRunes)
	}
	if eo < 0 {
		// Range ends on the separator before ep; treat as start of ep.
		eo = 0
	}

	combined := string(spRunes[:so]) + replacement + string(epRunes[eo:])
	lines := strings.Split(combined, "\n")

	pPr := s.pPrOf(sp)
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(buildParagraph(pPr, line))
	}

	s.content = s.content[:sp.xmlStart] + sb.String() + s.content[ep.xmlEnd:]
	s.invalidate()
	return nil
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

var pStyleBlockRe = regexp.MustCompile(`<w:pStyle [^>]*/?>`)

func (s *Session) SetParagraphStyle(r document.Range, styleName string) error {
	m := s.parse()
	if len(m.paras) == 0 {
		return margoerrors.New(margoerrors.KindDriver, "document has no paragraphs")
	}
	r = s.clamp(r)
	p := m.paras[m.paraIndexAt(r.Start)]
	block := s.content[p.xmlStart:p.xmlEnd]
	styleTag := fmt.Sprintf(`<w:pStyle w:val="%s"/>`, s.styleIDFor(styleName))

	var updated string
	switch {
	case pStyleBlockRe.MatchString(block):
		updated = pStyleBlockRe.ReplaceAllString(block, styleTag)
	case pPrRe.MatchString(block):
		pPr := pPrRe.FindString(block)
		if strings.HasSuffix(pPr, "/>") {
			updated = strings.Replace(block, pPr, "<w:pPr>"+styleTag+"</w:pPr>", 1)
		} else {
			gt := strings.Index(pPr, ">")
			updated = strings.Replace(block, pPr, pPr[:gt+1]+styleTag+pPr[gt+1:], 1)
		}
	default:
		gt := strings.Index(block, ">")
		if gt < 0 {
			return margoerrors.New(margoerrors.KindDriver, "malformed paragraph markup")
		}
		updated = block[:gt+1] + "<w:pPr>" + styleTag + "</w:pPr>" + block[gt+1:]
	}

	s.content = s.content[:p.xmlStart] + updated + s.content[p.xmlEnd:]
	s.invalidate()
	return nil
}

func (s *Session) SetHyperlinkAddress(r document.Range, address string) error {
	m := s.parse()
	for _, l := range m.links {
		lr := document.Range{Start: l.start, End: l.end}
		if lr.Overlaps(r) || (lr.Start == r.Start && lr.End == r.End) {
			old, ok := s.rels[l.rid]
			if !ok {
				return margoerrors.Newf(margoerrors.KindDriver,
					"hyperlink relationship %s not found", l.rid)
			}
			if err := s.ed.ReplaceLink(old, address, 1); err != nil {
				return margoerrors.Wrap(margoerrors.KindDriver, "cannot update hyperlink", err)
			}
			s.rels[l.rid] = address
			return nil
		}
	}
	return margoerrors.New(margoerrors.KindDriver, "no hyperlink at range")
}

func (s *Session) AddBookmark(name string, r document.Range) error {
	m := s.parse()
	if _, exists := m.bookmarks[name]; exists {
		return margoerrors.Newf(margoerrors.KindDriver, "bookmark %q already exists", name)
	}
	if len(m.paras) == 0 {
		return margoerrors.New(margoerrors.KindDriver, "document has no paragraphs")
	}
	r = s.clamp(r)
	p := m.paras[m.paraIndexAt(r.Start)]
	block := s.content[p.xmlStart:p.xmlEnd]
	gt := strings.Index(block, ">")
	if gt < 0 {
		return margoerrors.New(margoerrors.KindDriver, "malformed paragraph markup")
	}
	id := len(m.bookmarks) + 1000
	marker := fmt.Sprintf(`<w:bookmarkStart w:id="%d" w:name="%s"/><w:bookmarkEnd w:id="%d"/>`,
		id, xmlEscape(name), id)
	updated := block[:gt+1] + marker + block[gt+1:]
	s.content = s.content[:p.xmlStart] + updated + s.content[p.xmlEnd:]
	s.invalidate()
	return nil
}

func tocFieldXML(upper, lower int) string {
	return `<w:p><w:r><w:fldChar w:fldCharType="begin"/></w:r>` +
		fmt.Sprintf(`<w:r><w:instrText xml:space="preserve"> TOC \o "%d-%d" \h \z \u </w:instrText></w:r>`, upper, lower) +
		`<w:r><w:fldChar w:fldCharType="separate"/></w:r>` +
		`<w:r><w:fldChar w:fldCharType="end"/></w:r></w:p>`
}

func (s *Session) AddTocField(r document.Range, upper, lower int) error {
	m := s.parse()
	field := tocFieldXML(upper, lower)
	if len(m.paras) == 0 {
		s.content += field
	} else {
		r = s.clamp(r)
		p := m.paras[m.paraIndexAt(r.Start)]
		s.content = s.content[:p.xmlStart] + field + s.content[p.xmlStart:]
	}
	s.invalidate()
	return nil
}

func (s *Session) DeleteTocFields() error {
	m := s.parse()
	// Delete from the back so recorded offsets stay valid.
	for i := len(m.tocs) - 1; i >= 0; i-- {
		idx := m.tocs[i].paraIndex
		if idx >= len(m.paras) {
			continue
		}
		p := m.paras[idx]
		s.content = s.content[:p.xmlStart] + s.content[p.xmlEnd:]
	}
	s.invalidate()
	return nil
}

func (s *Session) SetTocLevels(upper, lower int) error {
	s.content = tocInstrRe.ReplaceAllStringFunc(s.content, func(match string) string {
		if !strings.Contains(match, "TOC") {
			return match
		}
		if tocSwitchRe.MatchString(match) {
			return tocSwitchRe.ReplaceAllString(match, fmt.Sprintf(`\o "%d-%d"`, upper, lower))
		}
		return strings.Replace(match, "TOC", fmt.Sprintf(`TOC \o "%d-%d"`, upper, lower), 1)
	})
	s.invalidate()
	return nil
}

// RefreshTocNumbers is a no-op for file-backed sessions: field results are
// recomputed by the office suite at render time.
func (s *Session) RefreshTocNumbers() error { return nil }

func (s *Session) HasTemplate(name string) bool {
	return strings.EqualFold(name, "Normal")
}

func (s *Session) ApplyTemplate(name string) error {
	if !s.HasTemplate(name) {
		return margoerrors.Newf(margoerrors.KindDriver, "template %q not available", name)
	}
	// Normalize non-heading paragraphs to the base style.
	paras, _ := s.Paragraphs()
	for i := len(paras) - 1; i >= 0; i-- {
		if paras[i].OutlineLevel == 0 && !strings.EqualFold(paras[i].StyleName, "Normal") {
			if err := s.SetParagraphStyle(paras[i].Range, "Normal"); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Persistence

func (s *Session) Save() error {
	s.ed.SetContent(s.content)

	// Write to a sibling temp file first: the source container is still
	// open for reading while the new one is streamed out.
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".margo-save-*.docx")
	if err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument, "cannot create temp file", err).WithCode("DOC_002")
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := s.ed.WriteToFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot save document %s", s.path), err).WithCode("DOC_002")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot save document %s", s.path), err).WithCode("DOC_002")
	}
	return nil
}

func (s *Session) SaveAs(path string) error {
	s.ed.SetContent(s.content)
	if err := s.ed.WriteToFile(path); err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot save document %s", path), err).WithCode("DOC_002")
	}
	return nil
}

func (s *Session) Close() error {
	if s.rd != nil {
		return s.rd.Close()
	}
	return nil
}

func (s *Session) Reopen() error {
	if s.rd != nil {
		s.rd.Close()
	}
	return s.open()
}

// ---------------------------------------------------------------------------

var (
	escaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	unescaper = strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
		"&amp;", "&",
	)
)

func xmlEscape(s string) string   { return escaper.Replace(s) }
func xmlUnescape(s string) string { return unescaper.Replace(s) }
