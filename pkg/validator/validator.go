// Package validator audits the document structure after a run. It diffs two
// Structure snapshots into FormatChanges and classifies each change as
// authorized or not by matching it back to an executed task that carries a
// real annotation reference.
package validator

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/margo-ai/margo/pkg/document"
)

// Validator compares structure snapshots and classifies the differences.
type Validator struct {
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger, now: time.Now}
}

// NewWithClock returns a Validator with an injected clock. Test constructor.
func NewWithClock(logger *slog.Logger, now func() time.Time) *Validator {
	v := New(logger)
	v.now = now
	return v
}

// Diff computes the format-affecting differences between two snapshots.
// Headings and hyperlinks are keyed by their character range, styles by
// name. A heading whose range moved but whose text, level and style are all
// unchanged is reported as a warning, not a change: content edits shift
// every downstream range without touching formatting.
func (v *Validator) Diff(pre, post document.Structure) ([]document.FormatChange, []string) {
	var changes []document.FormatChange
	var warnings []string
	at := v.now()

	preH := make(map[document.Range]document.Heading, len(pre.Headings))
	for _, h := range pre.Headings {
		preH[h.Range] = h
	}
	postH := make(map[document.Range]document.Heading, len(post.Headings))
	for _, h := range post.Headings {
		postH[h.Range] = h
	}

	var added []document.Heading
	for _, h := range post.Headings {
		ph, ok := preH[h.Range]
		if !ok {
			added = append(added, h)
			continue
		}
		if ph.Level != h.Level {
			changes = append(changes, document.FormatChange{
				Type:         document.ChangeHeadingLevel,
				ElementID:    h.Text,
				ElementRange: h.Range,
				OldValue:     strconv.Itoa(ph.Level),
				NewValue:     strconv.Itoa(h.Level),
				DetectedAt:   at,
			})
		}
		if ph.Style != h.Style {
			changes = append(changes, document.FormatChange{
				Type:         document.ChangeHeadingStyle,
				ElementID:    h.Text,
				ElementRange: h.Range,
				OldValue:     ph.Style,
				NewValue:     h.Style,
				DetectedAt:   at,
			})
		}
	}

	var removed []document.Heading
	for _, h := range pre.Headings {
		if _, ok := postH[h.Range]; !ok {
			removed = append(removed, h)
		}
	}

	// Pair up moved headings before reporting additions and removals.
	for _, r := range removed {
		moved := false
		for i, a := range added {
			if a.Text == r.Text && a.Level == r.Level && a.Style == r.Style {
				warnings = append(warnings, fmt.Sprintf("heading %q shifted from [%d,%d) to [%d,%d)",
					r.Text, r.Range.Start, r.Range.End, a.Range.Start, a.Range.End))
				added = append(added[:i], added[i+1:]...)
				moved = true
				break
			}
		}
		if moved {
			continue
		}
		changes = append(changes, document.FormatChange{
			Type:         document.ChangeHeadingRemoved,
			ElementID:    r.Text,
			ElementRange: r.Range,
			OldValue:     r.Style,
			DetectedAt:   at,
		})
	}
	for _, a := range added {
		changes = append(changes, document.FormatChange{
			Type:         document.ChangeHeadingAdded,
			ElementID:    a.Text,
			ElementRange: a.Range,
			NewValue:     a.Style,
			DetectedAt:   at,
		})
	}

	preStyles := make(map[string]bool, len(pre.Styles))
	for _, s := range pre.Styles {
		preStyles[s.Name] = s.InUse
	}
	for _, s := range post.Styles {
		was, ok := preStyles[s.Name]
		if !ok || was == s.InUse {
			continue
		}
		changes = append(changes, document.FormatChange{
			Type:       document.ChangeStyleUsage,
			ElementID:  s.Name,
			OldValue:   strconv.FormatBool(was),
			NewValue:   strconv.FormatBool(s.InUse),
			DetectedAt: at,
		})
	}

	if len(pre.TocEntries) != len(post.TocEntries) {
		changes = append(changes, document.FormatChange{
			Type:       document.ChangeTocStructure,
			ElementID:  "toc",
			OldValue:   strconv.Itoa(len(pre.TocEntries)),
			NewValue:   strconv.Itoa(len(post.TocEntries)),
			DetectedAt: at,
		})
	} else if pd, qd := tocDistribution(pre.TocEntries), tocDistribution(post.TocEntries); pd != qd {
		changes = append(changes, document.FormatChange{
			Type:       document.ChangeTocLevels,
			ElementID:  "toc",
			OldValue:   pd,
			NewValue:   qd,
			DetectedAt: at,
		})
	}

	preL := make(map[document.Range]document.Hyperlink, len(pre.Hyperlinks))
	for _, l := range pre.Hyperlinks {
		preL[l.Range] = l
	}
	for _, l := range post.Hyperlinks {
		pl, ok := preL[l.Range]
		if !ok || pl.Address == l.Address {
			continue
		}
		changes = append(changes, document.FormatChange{
			Type:         document.ChangeHyperlinkAddress,
			ElementID:    l.Text,
			ElementRange: l.Range,
			OldValue:     pl.Address,
			NewValue:     l.Address,
			DetectedAt:   at,
		})
	}

	return changes, warnings
}

// tocDistribution renders the per-level entry counts as a stable string.
func tocDistribution(entries []document.TocEntry) string {
	counts := make(map[int]int)
	for _, e := range entries {
		counts[e.Level]++
	}
	levels := make([]int, 0, len(counts))
	for lvl := range counts {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)
	parts := make([]string, 0, len(levels))
	for _, lvl := range levels {
		parts = append(parts, fmt.Sprintf("%d:%d", lvl, counts[lvl]))
	}
	return strings.Join(parts, " ")
}

// candidateKinds maps each change kind onto the task kinds that could have
// legitimately produced it.
var candidateKinds = map[document.ChangeType][]document.TaskType{
	document.ChangeHeadingLevel:     {document.TaskSetHeadingLevel},
	document.ChangeHeadingStyle:     {document.TaskSetHeadingLevel, document.TaskSetParagraphStyle},
	document.ChangeStyleUsage:       {document.TaskSetParagraphStyle, document.TaskApplyTemplate, document.TaskSetHeadingLevel},
	document.ChangeTocStructure:     {document.TaskRebuildToc, document.TaskUpdateTocLevels},
	document.ChangeTocLevels:        {document.TaskUpdateTocLevels},
	document.ChangeHyperlinkAddress: {document.TaskReplaceHyperlink},
}

// Validate diffs the run-start and run-end snapshots and attributes every
// change to an executed, successful task whose kind could produce it, whose
// locator targets the changed element, and whose annotation reference is
// real. Changes with no such task are unauthorized and force a rollback.
func (v *Validator) Validate(pre, post document.Structure, tasks []document.Task,
	results []document.TaskResult, annotations []document.Annotation) *document.ValidationReport {

	changes, warnings := v.Diff(pre, post)

	resolved := make(map[string]*document.Range, len(results))
	succeeded := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Success {
			succeeded[r.TaskID] = true
		}
		resolved[r.TaskID] = r.ResolvedRange
	}
	knownAnn := make(map[string]bool, len(annotations))
	for _, a := range annotations {
		knownAnn[a.ID] = true
	}

	report := &document.ValidationReport{
		Warnings:    warnings,
		ValidatedAt: v.now(),
	}

	for _, c := range changes {
		if annID, ok := v.authorizedBy(c, tasks, succeeded, resolved, knownAnn); ok {
			c.Authorized = true
			c.AnnotationID = annID
			report.Authorized = append(report.Authorized, c)
			continue
		}
		v.logger.Warn("unauthorized format change",
			"type", string(c.Type), "element", c.ElementID,
			"old", c.OldValue, "new", c.NewValue)
		report.Unauthorized = append(report.Unauthorized, c)
	}

	report.IsValid = len(report.Unauthorized) == 0
	if !report.IsValid {
		report.Recommendations = append(report.Recommendations,
			"Restore the backup and review the unauthorized changes before re-running")
	}
	return report
}

func (v *Validator) authorizedBy(c document.FormatChange, tasks []document.Task,
	succeeded map[string]bool, resolved map[string]*document.Range,
	knownAnn map[string]bool) (string, bool) {

	kinds := candidateKinds[c.Type]
	if len(kinds) == 0 {
		return "", false
	}

	for _, t := range tasks {
		if !succeeded[t.ID] || !kindIn(t.Type, kinds) {
			continue
		}
		if !locatorTargets(t, resolved[t.ID], c) {
			continue
		}
		if t.SourceCommentID == "" || !knownAnn[t.SourceCommentID] {
			continue
		}
		return t.SourceCommentID, true
	}
	return "", false
}

// ProducedBy reports whether task t, resolved to range r, can account for
// change c. The executor uses this for its per-task audit; annotation
// validity is checked separately.
func ProducedBy(c document.FormatChange, t document.Task, r *document.Range) bool {
	return kindIn(t.Type, candidateKinds[c.Type]) && locatorTargets(t, r, c)
}

func kindIn(t document.TaskType, kinds []document.TaskType) bool {
	for _, k := range kinds {
		if t == k {
			return true
		}
	}
	return false
}

// locatorTargets decides whether a task's locator plausibly addresses the
// changed element: range overlap for range and find locators, name equality
// for bookmark and heading locators. Changes without an element range (style
// usage, TOC shape) are document-wide; any candidate-kind task targets them.
func locatorTargets(t document.Task, r *document.Range, c document.FormatChange) bool {
	if c.ElementRange == (document.Range{}) {
		return true
	}
	switch t.Locator.By {
	case document.LocatorRange, document.LocatorFind:
		if r == nil {
			return false
		}
		return r.Overlaps(c.ElementRange)
	case document.LocatorBookmark, document.LocatorHeading:
		return strings.EqualFold(t.Locator.Value, c.ElementID)
	}
	return false
}
