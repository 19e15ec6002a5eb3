package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/driver"
	"github.com/margo-ai/margo/pkg/driver/memdriver"
	"github.com/margo-ai/margo/pkg/snapshot"
)

// Fixture text layout (rune offsets):
//
//	[0,12)  "Introduction"           Heading 1
//	[13,34) "Body with foo inside."  Normal     ("foo" at [23,26))
//	[35,45) "Background"             Heading 2
//	[46,65) "Closing words here."    Normal
func fixtureState() *memdriver.State {
	return &memdriver.State{
		Paragraphs: []memdriver.ParagraphState{
			{Text: "Introduction", Style: "Heading 1"},
			{Text: "Body with foo inside.", Style: "Normal"},
			{Text: "Background", Style: "Heading 2"},
			{Text: "Closing words here.", Style: "Normal"},
		},
		Annotations: []driver.Annotation{
			{ID: "c1", Author: "wei", Page: 1, AnchorText: "Body with foo inside.",
				Text: "rewrite this", Range: document.Range{Start: 13, End: 34}},
			{ID: "c2", Author: "wei", Page: 1, AnchorText: "Background",
				Text: "make this heading level 3", Range: document.Range{Start: 35, End: 45}},
		},
		Styles: []driver.StyleDef{
			{Name: "Normal", Type: driver.StyleTypeParagraph, BuiltIn: true},
			{Name: "Heading 1", Type: driver.StyleTypeParagraph, BuiltIn: true},
			{Name: "Heading 2", Type: driver.StyleTypeParagraph, BuiltIn: true},
			{Name: "Quote", Type: driver.StyleTypeParagraph, BuiltIn: true},
		},
		Hyperlinks: []driver.Hyperlink{
			{Text: "foo", Address: "https://old.example.com", Range: document.Range{Start: 23, End: 26}},
		},
		Bookmarks: map[string]document.Range{
			"intro": {Start: 0, End: 12},
		},
		Templates: []string{"Normal"},
	}
}

func openFixture(t *testing.T) (driver.Session, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, memdriver.WriteDocument(path, fixtureState()))
	sess, err := memdriver.New().Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess, path
}

func reopen(t *testing.T, path string) driver.Session {
	t.Helper()
	sess, err := memdriver.New().Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

var fixtureAnnotations = []document.Annotation{{ID: "c1"}, {ID: "c2"}}

func plan(tasks ...document.Task) *document.Plan {
	return &document.Plan{Tasks: tasks, TotalTasks: len(tasks)}
}

func TestRunRewriteByFind(t *testing.T) {
	sess, path := openFixture(t)
	ex := New(sess, Options{})

	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:          "t1",
		Type:        document.TaskRewrite,
		Locator:     document.Locator{By: document.LocatorFind, Value: "foo"},
		Instruction: `rewrite this to "bar"`,
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Completed)
	require.Len(t, res.TaskResults, 1)
	require.NotNil(t, res.TaskResults[0].ResolvedRange)
	assert.Equal(t, document.Range{Start: 23, End: 26}, *res.TaskResults[0].ResolvedRange)

	text, err := reopen(t, path).Text()
	require.NoError(t, err)
	assert.Contains(t, text, "Body with bar inside.")
	assert.NotContains(t, text, "foo")
}

func TestDryRunLeavesDocumentUntouched(t *testing.T) {
	sess, path := openFixture(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	ex := New(sess, Options{Mode: ModeDryRun})
	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:          "t1",
		Type:        document.TaskRewrite,
		Locator:     document.Locator{By: document.LocatorFind, Value: "foo"},
		Instruction: `rewrite this to "bar"`,
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Completed)
	require.NotNil(t, res.TaskResults[0].ResolvedRange)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFormatTaskRejectedForFakeAnnotation(t *testing.T) {
	sess, path := openFixture(t)
	ex := New(sess, Options{})

	res, err := ex.Run(context.Background(), plan(
		document.Task{
			ID:              "t1",
			Type:            document.TaskSetHeadingLevel,
			SourceCommentID: "ghost",
			Locator:         document.Locator{By: document.LocatorHeading, Value: "Background"},
			Instruction:     "make this heading level 3",
		},
		document.Task{
			ID:          "t2",
			Type:        document.TaskRewrite,
			Locator:     document.Locator{By: document.LocatorFind, Value: "foo"},
			Instruction: `rewrite this to "bar"`,
		},
	), fixtureAnnotations)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Completed, "a rejected task must not stop the run")
	assert.Contains(t, res.TaskResults[0].Error, "annotation")

	paras, err := reopen(t, path).Paragraphs()
	require.NoError(t, err)
	assert.Equal(t, "Heading 2", paras[2].StyleName, "rejected task must not mutate")
}

func TestSetHeadingLevel(t *testing.T) {
	sess, path := openFixture(t)
	ex := New(sess, Options{})

	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:              "t1",
		Type:            document.TaskSetHeadingLevel,
		SourceCommentID: "c2",
		Locator:         document.Locator{By: document.LocatorHeading, Value: "Background"},
		Instruction:     "make this heading level 3",
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.True(t, res.Success, res.ErrorSummary)
	paras, err := reopen(t, path).Paragraphs()
	require.NoError(t, err)
	assert.Equal(t, "Heading 3", paras[2].StyleName)
}

func TestSetParagraphStyle(t *testing.T) {
	sess, path := openFixture(t)
	ex := New(sess, Options{})

	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:              "t1",
		Type:            document.TaskSetParagraphStyle,
		SourceCommentID: "c1",
		Locator:         document.Locator{By: document.LocatorFind, Value: "Closing"},
		Instruction:     "use the Quote style here",
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.True(t, res.Success, res.ErrorSummary)
	paras, err := reopen(t, path).Paragraphs()
	require.NoError(t, err)
	assert.Equal(t, "Quote", paras[3].StyleName)
}

func TestReplaceHyperlink(t *testing.T) {
	sess, path := openFixture(t)
	ex := New(sess, Options{})

	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:              "t1",
		Type:            document.TaskReplaceHyperlink,
		SourceCommentID: "c1",
		Locator:         document.Locator{By: document.LocatorFind, Value: "foo"},
		Instruction:     "point this link at https://new.example.com instead",
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.True(t, res.Success, res.ErrorSummary)
	links, err := reopen(t, path).Hyperlinks()
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://new.example.com", links[0].Address)
}

func TestRebuildToc(t *testing.T) {
	sess, path := openFixture(t)
	ex := New(sess, Options{})

	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:              "t1",
		Type:            document.TaskRebuildToc,
		SourceCommentID: "c1",
		Locator:         document.Locator{By: document.LocatorBookmark, Value: "intro"},
		Instruction:     "rebuild the table of contents covering levels 1-2",
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.True(t, res.Success, res.ErrorSummary)
	fields, err := reopen(t, path).TocFields()
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, 1, fields[0].UpperLevel)
	assert.Equal(t, 2, fields[0].LowerLevel)
	require.Len(t, fields[0].Entries, 2)
	assert.Equal(t, "Introduction", fields[0].Entries[0].Text)
	assert.Equal(t, "Background", fields[0].Entries[1].Text)
}

func TestApplyTemplateFallbackAndStrict(t *testing.T) {
	sess, _ := openFixture(t)
	ex := New(sess, Options{})

	// "Corporate" is not available; the default template is applied instead.
	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:              "t1",
		Type:            document.TaskApplyTemplate,
		SourceCommentID: "c1",
		Locator:         document.Locator{By: document.LocatorRange, Value: "0-0"},
		Instruction:     `apply the "Corporate" template`,
	}), fixtureAnnotations)
	require.NoError(t, err)
	assert.True(t, res.Success, res.ErrorSummary)

	sess2, _ := openFixture(t)
	strict := New(sess2, Options{StrictTemplates: true})
	res, err = strict.Run(context.Background(), plan(document.Task{
		ID:              "t1",
		Type:            document.TaskApplyTemplate,
		SourceCommentID: "c1",
		Locator:         document.Locator{By: document.LocatorRange, Value: "0-0"},
		Instruction:     `apply the "Corporate" template`,
	}), fixtureAnnotations)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.TaskResults[0].Error, "Corporate")
}

func TestSafeModeFailsOnLocatorMiss(t *testing.T) {
	sess, path := openFixture(t)
	before, err := reopen(t, path).Text()
	require.NoError(t, err)

	ex := New(sess, Options{Mode: ModeSafe})
	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:          "t1",
		Type:        document.TaskRewrite,
		Locator:     document.Locator{By: document.LocatorFind, Value: "no such phrase anywhere"},
		Instruction: `rewrite this to "bar"`,
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Failed)
	after, err := reopen(t, path).Text()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFuzzyFallbackMatchesToken(t *testing.T) {
	sess, path := openFixture(t)
	ex := New(sess, Options{})

	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:          "t1",
		Type:        document.TaskRewrite,
		Locator:     document.Locator{By: document.LocatorFind, Value: "nonexistent foo phrase"},
		Instruction: `rewrite this to "bar"`,
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.True(t, res.Success, res.ErrorSummary)
	text, err := reopen(t, path).Text()
	require.NoError(t, err)
	assert.Contains(t, text, "Body with bar inside.")
}

func TestRogueFormatChangeRestoresBackup(t *testing.T) {
	sess, path := openFixture(t)

	store := snapshot.New()
	backup, err := store.Backup(path)
	require.NoError(t, err)

	ex := New(sess, Options{BackupPath: backup, Snapshots: store})

	// Restyling a heading paragraph to a body style removes a heading, which
	// no task kind is entitled to do.
	res, err := ex.Run(context.Background(), plan(
		document.Task{
			ID:              "t1",
			Type:            document.TaskSetParagraphStyle,
			SourceCommentID: "c2",
			Locator:         document.Locator{By: document.LocatorHeading, Value: "Background"},
			Instruction:     "use the Quote style here",
		},
		document.Task{
			ID:          "t2",
			Type:        document.TaskRewrite,
			Locator:     document.Locator{By: document.LocatorFind, Value: "foo"},
			Instruction: `rewrite this to "bar"`,
		},
	), fixtureAnnotations)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Completed, "execution resumes after a restore")
	assert.Contains(t, res.TaskResults[0].Error, "outside its mandate")

	paras, err := reopen(t, path).Paragraphs()
	require.NoError(t, err)
	assert.Equal(t, "Heading 2", paras[2].StyleName, "heading must be restored")
	text, err := reopen(t, path).Text()
	require.NoError(t, err)
	assert.Contains(t, text, "Body with bar inside.", "later task applies to restored state")
}

func TestCancelledBeforeStartSkipsEverything(t *testing.T) {
	sess, path := openFixture(t)
	before, err := reopen(t, path).Text()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := New(sess, Options{})
	res, err := ex.Run(ctx, plan(document.Task{
		ID:          "t1",
		Type:        document.TaskRewrite,
		Locator:     document.Locator{By: document.LocatorFind, Value: "foo"},
		Instruction: `rewrite this to "bar"`,
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, res.TaskResults[0].Skipped)

	after, err := reopen(t, path).Text()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOutputPathSaveAs(t *testing.T) {
	sess, path := openFixture(t)
	out := filepath.Join(filepath.Dir(path), "edited.json")

	ex := New(sess, Options{OutputPath: out})
	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:          "t1",
		Type:        document.TaskRewrite,
		Locator:     document.Locator{By: document.LocatorFind, Value: "foo"},
		Instruction: `rewrite this to "bar"`,
	}), fixtureAnnotations)
	require.NoError(t, err)

	assert.True(t, res.Success, res.ErrorSummary)
	assert.Equal(t, out, res.OutputPath)

	text, err := reopen(t, out).Text()
	require.NoError(t, err)
	assert.Contains(t, text, "Body with bar inside.")
}

func TestReviewTasksGetBookmarked(t *testing.T) {
	sess, path := openFixture(t)
	ex := New(sess, Options{})

	res, err := ex.Run(context.Background(), plan(document.Task{
		ID:                 "t1",
		Type:               document.TaskRewrite,
		Locator:            document.Locator{By: document.LocatorFind, Value: "foo"},
		Instruction:        `rewrite this to "bar"`,
		RequiresUserReview: true,
	}), fixtureAnnotations)
	require.NoError(t, err)
	assert.True(t, res.Success, res.ErrorSummary)

	_, ok, err := reopen(t, path).Bookmark("margo_review_t1")
	require.NoError(t, err)
	assert.True(t, ok)
}
