// Package prompt assembles the system/user prompt pair sent to the LLM and
// splits oversized contexts into chunks.
package prompt

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/margo-ai/margo/pkg/document"
)

// SystemPrompt states the hard constraints the planner relies on. It is the
// first authorization barrier: the model is told it may not touch formatting
// without an explicit annotation.
const SystemPrompt = `You are a document editing planner. You convert reviewer comments into a list of edit tasks.

Hard constraints:
1. Do NOT alter any formatting (styles, heading levels, templates, tables of contents, hyperlinks) unless a reviewer comment explicitly demands it.
2. Every formatting task MUST reference the id of the comment that demands it in source_comment_id.
3. Content tasks (rewrite, insert, delete, refresh_toc_numbers) should also reference their originating comment when one exists.
4. Respond with a single valid JSON object matching the supplied schema. No prose, no markdown fences.
5. Use task dependencies when one edit must happen before another.`

// Pair is one system/user prompt pair.
type Pair struct {
	System string
	User   string
	// ChunkIndex is zero for unchunked prompts; chunk n is 1-based.
	ChunkIndex int
}

// Builder renders prompt pairs and decides when to chunk.
type Builder struct {
	counter    *TokenCounter
	budget     int
	schemaJSON string
	logger     *slog.Logger
}

func NewBuilder(counter *TokenCounter, budget int, schemaJSON string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{counter: counter, budget: budget, schemaJSON: schemaJSON, logger: logger}
}

// Build renders prompt pairs for the structure and annotations. When the
// estimated size exceeds the token budget, the context is split and one
// pair per chunk is returned; chunked is true in that case.
func (b *Builder) Build(s document.Structure, anns []document.Annotation) (pairs []Pair, chunked bool, err error) {
	user := b.renderUser(s, anns, 0, 0)
	if b.counter.Count(SystemPrompt+user) <= b.budget {
		return []Pair{{System: SystemPrompt, User: user}}, false, nil
	}

	chunks := split(s, anns)
	b.logger.Info("prompt exceeds token budget, chunking",
		"budget", b.budget, "chunks", len(chunks))

	pairs = make([]Pair, 0, len(chunks))
	for i, c := range chunks {
		pairs = append(pairs, Pair{
			System:     SystemPrompt,
			User:       b.renderUser(c.Structure, c.Annotations, i+1, len(chunks)),
			ChunkIndex: i + 1,
		})
	}
	return pairs, true, nil
}

func (b *Builder) renderUser(s document.Structure, anns []document.Annotation, chunk, totalChunks int) string {
	var sb strings.Builder

	if chunk > 0 {
		fmt.Fprintf(&sb, "This is part %d of %d of a large document; plan tasks for this part only.\n\n", chunk, totalChunks)
	}

	sb.WriteString("## Document structure\n\n")
	writeHeadingSummary(&sb, s.Headings)
	writeStyleSummary(&sb, s.Styles)
	writeTocSummary(&sb, s.TocEntries)
	writeHyperlinkSummary(&sb, s.Hyperlinks)
	fmt.Fprintf(&sb, "Pages: %d, words: %d\n", s.PageCount, s.WordCount)

	sb.WriteString("\n## Reviewer comments\n\n")
	if len(anns) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, a := range anns {
		fmt.Fprintf(&sb, "- id=%s author=%q page=%d range=[%d,%d)\n  anchor: %s\n  comment: %s\n",
			a.ID, a.Author, a.Page, a.Range.Start, a.Range.End,
			excerpt(a.AnchorText, 120), excerpt(a.Text, 400))
	}

	sb.WriteString("\n## Response schema\n\nRespond with one JSON object matching:\n\n")
	sb.WriteString(b.schemaJSON)
	sb.WriteString("\n")

	return sb.String()
}

func writeHeadingSummary(sb *strings.Builder, headings []document.Heading) {
	if len(headings) == 0 {
		sb.WriteString("No headings.\n")
		return
	}
	byLevel := map[int][]document.Heading{}
	levels := []int{}
	for _, h := range headings {
		if _, seen := byLevel[h.Level]; !seen {
			levels = append(levels, h.Level)
		}
		byLevel[h.Level] = append(byLevel[h.Level], h)
	}
	sort.Ints(levels)
	sb.WriteString("Headings:\n")
	for _, lvl := range levels {
		fmt.Fprintf(sb, "- level %d:\n", lvl)
		for _, h := range byLevel[lvl] {
			fmt.Fprintf(sb, "  - %q (style %q, range [%d,%d))\n", h.Text, h.Style, h.Range.Start, h.Range.End)
		}
	}
}

func writeStyleSummary(sb *strings.Builder, styles []document.Style) {
	byKind := map[document.StyleKind][]string{}
	for _, st := range styles {
		if !st.InUse {
			continue
		}
		byKind[st.Kind] = append(byKind[st.Kind], st.Name)
	}
	if len(byKind) == 0 {
		return
	}
	sb.WriteString("Styles in use:\n")
	for _, kind := range []document.StyleKind{
		document.StyleParagraph, document.StyleCharacter,
		document.StyleTable, document.StyleList,
	} {
		if names := byKind[kind]; len(names) > 0 {
			sort.Strings(names)
			fmt.Fprintf(sb, "- %s: %s\n", kind, strings.Join(names, ", "))
		}
	}
}

func writeTocSummary(sb *strings.Builder, entries []document.TocEntry) {
	if len(entries) == 0 {
		return
	}
	sb.WriteString("Table of contents:\n")
	for _, e := range entries {
		fmt.Fprintf(sb, "- L%d %q (page %d)\n", e.Level, e.Text, e.Page)
	}
}

func writeHyperlinkSummary(sb *strings.Builder, links []document.Hyperlink) {
	if len(links) == 0 {
		return
	}
	counts := map[document.LinkKind]int{}
	for _, l := range links {
		counts[l.Kind]++
	}
	sb.WriteString("Hyperlinks:")
	for _, kind := range []document.LinkKind{
		document.LinkWeb, document.LinkEmail, document.LinkFile, document.LinkInternal,
	} {
		if counts[kind] > 0 {
			fmt.Fprintf(sb, " %s=%d", kind, counts[kind])
		}
	}
	sb.WriteString("\n")
}

func excerpt(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
