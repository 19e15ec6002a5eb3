package memdriver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/driver"
)

func fixtureState() *State {
	return &State{
		Paragraphs: []ParagraphState{
			{Text: "Introduction", Style: "Heading 1"},
			{Text: "This paragraph mentions foo and nothing else.", Style: "Normal"},
			{Text: "Background", Style: "Heading 2"},
			{Text: "More body text here.", Style: "Normal"},
		},
		Styles: []driver.StyleDef{
			{Name: "Normal", Type: driver.StyleTypeParagraph, BuiltIn: true},
			{Name: "Heading 1", Type: driver.StyleTypeParagraph, BuiltIn: true},
			{Name: "Heading 2", Type: driver.StyleTypeParagraph, BuiltIn: true},
			{Name: "Quote", Type: driver.StyleTypeParagraph, BuiltIn: true},
		},
		Annotations: []driver.Annotation{
			{ID: "c1", Author: "reviewer", Page: 1, AnchorText: "foo",
				Text: "rewrite this", Range: document.Range{Start: 13, End: 58}},
		},
		Hyperlinks: []driver.Hyperlink{
			{Text: "site", Address: "https://old.example.com",
				Range: document.Range{Start: 70, End: 74}},
		},
		Templates: []string{"Normal"},
	}
}

func openFixture(t *testing.T) driver.Session {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.mdoc")
	require.NoError(t, WriteDocument(path, fixtureState()))
	sess, err := New().Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestOpenMissingFile(t *testing.T) {
	_, err := New().Open(context.Background(), "/nonexistent/doc.mdoc")
	assert.Error(t, err)
}

func TestParagraphRanges(t *testing.T) {
	sess := openFixture(t)
	paras, err := sess.Paragraphs()
	require.NoError(t, err)
	require.Len(t, paras, 4)

	assert.Equal(t, 0, paras[0].Range.Start)
	assert.Equal(t, len([]rune("Introduction")), paras[0].Range.End)
	assert.Equal(t, 1, paras[0].OutlineLevel)
	assert.Equal(t, 2, paras[2].OutlineLevel)
	assert.Equal(t, 0, paras[1].OutlineLevel)

	text, err := sess.Text()
	require.NoError(t, err)
	runes := []rune(text)
	assert.Equal(t, "Background", string(runes[paras[2].Range.Start:paras[2].Range.End]))
}

func TestReplaceTextKeepsStyles(t *testing.T) {
	sess := openFixture(t)
	paras, _ := sess.Paragraphs()

	require.NoError(t, sess.ReplaceText(paras[1].Range, "Rewritten body."))

	paras, _ = sess.Paragraphs()
	require.Len(t, paras, 4)
	assert.Equal(t, "Rewritten body.", paras[1].Text)
	assert.Equal(t, "Normal", paras[1].StyleName)
	assert.Equal(t, "Heading 1", paras[0].StyleName)
	assert.Equal(t, "Heading 2", paras[2].StyleName)
}

func TestInsertAndDelete(t *testing.T) {
	sess := openFixture(t)
	paras, _ := sess.Paragraphs()

	require.NoError(t, sess.InsertAfter(paras[0].Range, "\nNew paragraph."))
	paras, _ = sess.Paragraphs()
	require.Len(t, paras, 5)
	assert.Equal(t, "New paragraph.", paras[1].Text)

	require.NoError(t, sess.DeleteRange(document.Range{
		Start: paras[1].Range.Start - 1, End: paras[1].Range.End}))
	paras, _ = sess.Paragraphs()
	require.Len(t, paras, 4)
	assert.Equal(t, "Heading 2", paras[2].StyleName)
}

func TestSetParagraphStyleMarksInUse(t *testing.T) {
	sess := openFixture(t)
	paras, _ := sess.Paragraphs()

	require.NoError(t, sess.SetParagraphStyle(paras[3].Range, "Quote"))

	styles, err := sess.Styles()
	require.NoError(t, err)
	var quote *driver.StyleDef
	for i := range styles {
		if styles[i].Name == "Quote" {
			quote = &styles[i]
		}
	}
	require.NotNil(t, quote)
	assert.True(t, quote.InUse)
}

func TestHyperlinkAddress(t *testing.T) {
	sess := openFixture(t)
	require.NoError(t, sess.SetHyperlinkAddress(
		document.Range{Start: 70, End: 74}, "https://new.example.com"))
	links, _ := sess.Hyperlinks()
	assert.Equal(t, "https://new.example.com", links[0].Address)

	err := sess.SetHyperlinkAddress(document.Range{Start: 0, End: 1}, "x")
	assert.Error(t, err)
}

func TestTocLifecycle(t *testing.T) {
	sess := openFixture(t)

	require.NoError(t, sess.AddTocField(document.Range{Start: 0, End: 0}, 1, 3))
	fields, _ := sess.TocFields()
	require.Len(t, fields, 1)
	assert.Len(t, fields[0].Entries, 2)

	require.NoError(t, sess.SetTocLevels(1, 1))
	fields, _ = sess.TocFields()
	assert.Len(t, fields[0].Entries, 1)

	require.NoError(t, sess.DeleteTocFields())
	fields, _ = sess.TocFields()
	assert.Empty(t, fields)
}

func TestBookmarks(t *testing.T) {
	sess := openFixture(t)
	_, found, err := sess.Bookmark("intro")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, sess.AddBookmark("intro", document.Range{Start: 0, End: 12}))
	r, found, err := sess.Bookmark("intro")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, document.Range{Start: 0, End: 12}, r)

	assert.Error(t, sess.AddBookmark("intro", document.Range{Start: 0, End: 1}))
}

func TestApplyTemplate(t *testing.T) {
	sess := openFixture(t)
	assert.True(t, sess.HasTemplate("Normal"))
	assert.False(t, sess.HasTemplate("Corporate"))

	assert.Error(t, sess.ApplyTemplate("Corporate"))
	assert.NoError(t, sess.ApplyTemplate("Normal"))
}

func TestSaveAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.mdoc")
	require.NoError(t, WriteDocument(path, fixtureState()))

	sess, err := New().Open(context.Background(), path)
	require.NoError(t, err)
	defer sess.Close()

	paras, _ := sess.Paragraphs()
	require.NoError(t, sess.ReplaceText(paras[1].Range, "changed"))
	require.NoError(t, sess.Save())

	// Reopen discards nothing here (already saved) but must reflect disk.
	require.NoError(t, sess.Reopen())
	paras, _ = sess.Paragraphs()
	assert.Equal(t, "changed", paras[1].Text)

	// Unsaved edits are dropped by Reopen.
	require.NoError(t, sess.ReplaceText(paras[1].Range, "uncommitted"))
	require.NoError(t, sess.Reopen())
	paras, _ = sess.Paragraphs()
	assert.Equal(t, "changed", paras[1].Text)
}

func TestWordCountMixedScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.mdoc")
	require.NoError(t, WriteDocument(path, &State{
		Paragraphs: []ParagraphState{{Text: "hello 世界 again", Style: "Normal"}},
	}))
	sess, err := New().Open(context.Background(), path)
	require.NoError(t, err)
	defer sess.Close()

	n, err := sess.WordCount()
	require.NoError(t, err)
	// hello + 世 + 界 + again
	assert.Equal(t, 4, n)
}
