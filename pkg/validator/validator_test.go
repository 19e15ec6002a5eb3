package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margo-ai/margo/pkg/document"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	return func() time.Time { return at }
}

func baseStructure() document.Structure {
	return document.Structure{
		Headings: []document.Heading{
			{Level: 1, Text: "Introduction", Style: "Heading 1", Range: document.Range{Start: 0, End: 12}},
			{Level: 2, Text: "Background", Style: "Heading 2", Range: document.Range{Start: 60, End: 70}},
		},
		Styles: []document.Style{
			{Name: "Normal", Kind: document.StyleParagraph, InUse: true},
			{Name: "Quote", Kind: document.StyleParagraph, InUse: false},
		},
		TocEntries: []document.TocEntry{
			{Level: 1, Text: "Introduction", Page: 1},
			{Level: 2, Text: "Background", Page: 1},
		},
		Hyperlinks: []document.Hyperlink{
			{Text: "site", Address: "https://old.example.com", Kind: document.LinkWeb,
				Range: document.Range{Start: 100, End: 104}},
		},
		PageCount: 2,
		WordCount: 300,
	}
}

func TestDiffIdentity(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	changes, warnings := v.Diff(baseStructure(), baseStructure())
	assert.Empty(t, changes)
	assert.Empty(t, warnings)
}

func TestDiffHeadingLevelAndStyle(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	post.Headings[1].Level = 3
	post.Headings[1].Style = "Heading 3"

	changes, _ := v.Diff(baseStructure(), post)
	require.Len(t, changes, 2)
	assert.Equal(t, document.ChangeHeadingLevel, changes[0].Type)
	assert.Equal(t, "2", changes[0].OldValue)
	assert.Equal(t, "3", changes[0].NewValue)
	assert.Equal(t, document.ChangeHeadingStyle, changes[1].Type)
	assert.Equal(t, "Heading 2", changes[1].OldValue)
	assert.Equal(t, "Heading 3", changes[1].NewValue)
}

func TestDiffMovedHeadingIsWarningNotChange(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	// A content edit upstream shifted the second heading by 5 runes.
	post.Headings[1].Range = document.Range{Start: 65, End: 75}

	changes, warnings := v.Diff(baseStructure(), post)
	assert.Empty(t, changes)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "Background")
}

func TestDiffHeadingAddedAndRemoved(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	post.Headings = []document.Heading{
		post.Headings[0],
		{Level: 2, Text: "Appendix", Style: "Heading 2", Range: document.Range{Start: 200, End: 208}},
	}

	changes, _ := v.Diff(baseStructure(), post)
	require.Len(t, changes, 2)
	byType := map[document.ChangeType]document.FormatChange{}
	for _, c := range changes {
		byType[c.Type] = c
	}
	assert.Equal(t, "Background", byType[document.ChangeHeadingRemoved].ElementID)
	assert.Equal(t, "Appendix", byType[document.ChangeHeadingAdded].ElementID)
}

func TestDiffStyleUsage(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	post.Styles[1].InUse = true

	changes, _ := v.Diff(baseStructure(), post)
	require.Len(t, changes, 1)
	assert.Equal(t, document.ChangeStyleUsage, changes[0].Type)
	assert.Equal(t, "Quote", changes[0].ElementID)
	assert.Equal(t, "false", changes[0].OldValue)
	assert.Equal(t, "true", changes[0].NewValue)
}

func TestDiffToc(t *testing.T) {
	v := NewWithClock(nil, fixedClock())

	post := baseStructure()
	post.TocEntries = post.TocEntries[:1]
	changes, _ := v.Diff(baseStructure(), post)
	require.Len(t, changes, 1)
	assert.Equal(t, document.ChangeTocStructure, changes[0].Type)
	assert.Equal(t, "2", changes[0].OldValue)
	assert.Equal(t, "1", changes[0].NewValue)

	// Same entry count, different level distribution.
	post = baseStructure()
	post.TocEntries[1].Level = 1
	changes, _ = v.Diff(baseStructure(), post)
	require.Len(t, changes, 1)
	assert.Equal(t, document.ChangeTocLevels, changes[0].Type)
	assert.Equal(t, "1:1 2:1", changes[0].OldValue)
	assert.Equal(t, "1:2", changes[0].NewValue)
}

func TestDiffHyperlinkAddress(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	post.Hyperlinks[0].Address = "https://new.example.com"

	changes, _ := v.Diff(baseStructure(), post)
	require.Len(t, changes, 1)
	assert.Equal(t, document.ChangeHyperlinkAddress, changes[0].Type)
	assert.Equal(t, "https://old.example.com", changes[0].OldValue)
}

var testAnnotations = []document.Annotation{{ID: "c1"}, {ID: "c2"}}

func headingLevelTask(id, src string) document.Task {
	return document.Task{
		ID:              id,
		Type:            document.TaskSetHeadingLevel,
		SourceCommentID: src,
		Locator:         document.Locator{By: document.LocatorHeading, Value: "Background"},
		Instruction:     "make this heading level 3",
	}
}

func TestValidateAuthorizesMatchingTask(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	post.Headings[1].Level = 3

	task := headingLevelTask("t1", "c1")
	results := []document.TaskResult{{TaskID: "t1", Success: true}}

	report := v.Validate(baseStructure(), post, []document.Task{task}, results, testAnnotations)
	assert.True(t, report.IsValid)
	assert.False(t, report.ShouldRollback())
	require.Len(t, report.Authorized, 1)
	assert.Equal(t, "c1", report.Authorized[0].AnnotationID)
	assert.True(t, report.Authorized[0].Authorized)
}

func TestValidateFlagsDriftWithoutMatchingTask(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	post.Headings[1].Level = 3

	report := v.Validate(baseStructure(), post, nil, nil, testAnnotations)
	assert.False(t, report.IsValid)
	assert.True(t, report.ShouldRollback())
	require.Len(t, report.Unauthorized, 1)
	assert.Equal(t, document.ChangeHeadingLevel, report.Unauthorized[0].Type)
	assert.NotEmpty(t, report.Recommendations)
}

func TestValidateRejectsFailedOrGhostTasks(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	post.Headings[1].Level = 3

	// The right task kind, but it failed.
	task := headingLevelTask("t1", "c1")
	report := v.Validate(baseStructure(), post, []document.Task{task},
		[]document.TaskResult{{TaskID: "t1", Success: false}}, testAnnotations)
	assert.False(t, report.IsValid)

	// Succeeded, but its annotation id is not in the document.
	ghost := headingLevelTask("t2", "ghost")
	report = v.Validate(baseStructure(), post, []document.Task{ghost},
		[]document.TaskResult{{TaskID: "t2", Success: true}}, testAnnotations)
	assert.False(t, report.IsValid)
}

func TestValidateGlobalChangeMatchesAnyCandidateTask(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	post.Styles[1].InUse = true

	task := document.Task{
		ID:              "t1",
		Type:            document.TaskSetParagraphStyle,
		SourceCommentID: "c2",
		Locator:         document.Locator{By: document.LocatorFind, Value: "some text"},
		Instruction:     "style this as Quote",
	}
	results := []document.TaskResult{
		{TaskID: "t1", Success: true, ResolvedRange: &document.Range{Start: 40, End: 50}},
	}

	report := v.Validate(baseStructure(), post, []document.Task{task}, results, testAnnotations)
	assert.True(t, report.IsValid)
	require.Len(t, report.Authorized, 1)
	assert.Equal(t, "c2", report.Authorized[0].AnnotationID)
}

func TestValidateFindLocatorNeedsRangeOverlap(t *testing.T) {
	v := NewWithClock(nil, fixedClock())
	post := baseStructure()
	post.Hyperlinks[0].Address = "https://new.example.com"

	task := document.Task{
		ID:              "t1",
		Type:            document.TaskReplaceHyperlink,
		SourceCommentID: "c1",
		Locator:         document.Locator{By: document.LocatorFind, Value: "site"},
		Instruction:     "point this at https://new.example.com",
	}

	// Resolved range overlaps the link: authorized.
	overlapping := []document.TaskResult{
		{TaskID: "t1", Success: true, ResolvedRange: &document.Range{Start: 98, End: 102}},
	}
	report := v.Validate(baseStructure(), post, []document.Task{task}, overlapping, testAnnotations)
	assert.True(t, report.IsValid)

	// Resolved range elsewhere: the change is drift.
	elsewhere := []document.TaskResult{
		{TaskID: "t1", Success: true, ResolvedRange: &document.Range{Start: 0, End: 4}},
	}
	report = v.Validate(baseStructure(), post, []document.Task{task}, elsewhere, testAnnotations)
	assert.False(t, report.IsValid)

	// No resolved range at all: the task cannot claim the change.
	unresolved := []document.TaskResult{{TaskID: "t1", Success: true}}
	report = v.Validate(baseStructure(), post, []document.Task{task}, unresolved, testAnnotations)
	assert.False(t, report.IsValid)
}
