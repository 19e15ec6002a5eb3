package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margo-ai/margo/pkg/document"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"latin words", "hello brave world", 3},
		{"cjk only", "你好", 3}, // 2 * 1.5
		{"symbols", "!!", 1},  // 2 * 0.5
		{"mixed", "hello 世界!", 1 + 3 + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.text))
		})
	}
}

func sampleStructure() document.Structure {
	return document.Structure{
		Headings: []document.Heading{
			{Level: 1, Text: "Intro", Style: "Heading 1", Range: document.Range{Start: 0, End: 5}},
			{Level: 2, Text: "Scope", Style: "Heading 2", Range: document.Range{Start: 10, End: 15}},
			{Level: 1, Text: "Design", Style: "Heading 1", Range: document.Range{Start: 100, End: 106}},
			{Level: 2, Text: "Detail", Style: "Heading 2", Range: document.Range{Start: 120, End: 126}},
		},
		Styles: []document.Style{
			{Name: "Normal", Kind: document.StyleParagraph, InUse: true},
			{Name: "Heading 1", Kind: document.StyleParagraph, InUse: true},
			{Name: "Unused", Kind: document.StyleParagraph, InUse: false},
		},
		TocEntries: []document.TocEntry{
			{Level: 1, Text: "Intro", Page: 1, Range: document.Range{Start: 0, End: 5}},
		},
		Hyperlinks: []document.Hyperlink{
			{Text: "a", Address: "https://x", Kind: document.LinkWeb, Range: document.Range{Start: 30, End: 31}},
			{Text: "b", Address: "mailto:x@y", Kind: document.LinkEmail, Range: document.Range{Start: 130, End: 131}},
		},
		PageCount: 3,
		WordCount: 500,
	}
}

func sampleAnnotations() []document.Annotation {
	return []document.Annotation{
		{ID: "c1", Author: "wei", Page: 1, AnchorText: "Intro", Text: "rewrite the intro",
			Range: document.Range{Start: 2, End: 7}},
		{ID: "c2", Author: "wei", Page: 2, AnchorText: "Detail", Text: "make this heading level 3",
			Range: document.Range{Start: 121, End: 125}},
	}
}

func TestBuildSinglePrompt(t *testing.T) {
	b := NewBuilder(NewTokenCounter("gpt-4o"), 1_000_000, `{"type":"object"}`, nil)
	pairs, chunked, err := b.Build(sampleStructure(), sampleAnnotations())
	require.NoError(t, err)
	assert.False(t, chunked)
	require.Len(t, pairs, 1)

	assert.Equal(t, SystemPrompt, pairs[0].System)
	user := pairs[0].User
	assert.Contains(t, user, "level 1")
	assert.Contains(t, user, `"Intro"`)
	assert.Contains(t, user, "id=c1")
	assert.Contains(t, user, "rewrite the intro")
	assert.Contains(t, user, `{"type":"object"}`)
	assert.Contains(t, user, "web=1")
	assert.NotContains(t, user, "Unused")
}

func TestBuildChunksByHeadings(t *testing.T) {
	// Budget of 1 forces chunking; two level-1 headings force the heading
	// splitter.
	b := NewBuilder(NewTokenCounter("gpt-4o"), 1, `{}`, nil)
	pairs, chunked, err := b.Build(sampleStructure(), sampleAnnotations())
	require.NoError(t, err)
	assert.True(t, chunked)
	require.Len(t, pairs, 2)

	assert.Contains(t, pairs[0].User, "id=c1")
	assert.NotContains(t, pairs[0].User, "id=c2")
	assert.Contains(t, pairs[1].User, "id=c2")
	assert.NotContains(t, pairs[1].User, "id=c1")

	// Styles are global: both chunks carry them.
	assert.Contains(t, pairs[0].User, "Normal")
	assert.Contains(t, pairs[1].User, "Normal")

	assert.Equal(t, 1, pairs[0].ChunkIndex)
	assert.Equal(t, 2, pairs[1].ChunkIndex)
}

func TestSplitFallsBackWithOneTopHeading(t *testing.T) {
	s := sampleStructure()
	// Demote the second level-1 heading; one top heading must trigger the
	// annotation splitter.
	s.Headings[2].Level = 2

	anns := make([]document.Annotation, 0, 7)
	for i := 0; i < 7; i++ {
		anns = append(anns, document.Annotation{
			ID:    "c" + string(rune('0'+i)),
			Text:  "edit",
			Range: document.Range{Start: i * 10, End: i*10 + 5},
		})
	}

	chunks := split(s, anns)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Annotations, 3)
	assert.Len(t, chunks[1].Annotations, 3)
	assert.Len(t, chunks[2].Annotations, 1)

	// Every chunk sees the whole structure in fallback mode.
	for _, c := range chunks {
		assert.Len(t, c.Structure.Headings, len(s.Headings))
	}
}

func TestSplitCoversAllAnnotations(t *testing.T) {
	chunks := split(sampleStructure(), sampleAnnotations())
	seen := map[string]bool{}
	for _, c := range chunks {
		for _, a := range c.Annotations {
			seen[a.ID] = true
		}
	}
	assert.True(t, seen["c1"])
	assert.True(t, seen["c2"])
}

func TestSystemPromptConstraints(t *testing.T) {
	for _, phrase := range []string{
		"Do NOT alter any formatting",
		"source_comment_id",
		"single valid JSON object",
	} {
		assert.True(t, strings.Contains(SystemPrompt, phrase), phrase)
	}
}
