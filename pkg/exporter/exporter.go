// Package exporter writes the run artifacts: the plan with its filtered
// tasks, the execution log, the extracted annotations, and a human-readable
// markdown diff of the document structure. All four files of one run share a
// timestamp.
package exporter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/planner"

	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

// Exporter writes artifacts into one output directory.
type Exporter struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

func New(dir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{dir: dir, logger: logger, now: time.Now}
}

// NewWithClock returns an Exporter with an injected clock. Test constructor.
func NewWithClock(dir string, logger *slog.Logger, now func() time.Time) *Exporter {
	e := New(dir, logger)
	e.now = now
	return e
}

// Artifacts lists the files written for one run.
type Artifacts struct {
	PlanPath     string
	RunLogPath   string
	DiffPath     string
	CommentsPath string
}

// Paths returns the artifact paths in a stable order, skipping unwritten
// ones.
func (a Artifacts) Paths() []string {
	var out []string
	for _, p := range []string{a.PlanPath, a.RunLogPath, a.DiffPath, a.CommentsPath} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Export writes every artifact it has material for. A nil planning result,
// execution result, or validation report skips the corresponding file.
func (e *Exporter) Export(planning *planner.PlanningResult, execution *document.ExecutionResult,
	validation *document.ValidationReport, pre, post document.Structure,
	annotations []document.Annotation) (Artifacts, error) {

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return Artifacts{}, margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot create output directory %s", e.dir), err)
	}
	stamp := e.now().Format("20060102_150405")

	var arts Artifacts
	if planning != nil {
		arts.PlanPath = filepath.Join(e.dir, fmt.Sprintf("plan_%s.json", stamp))
		if err := e.writeJSON(arts.PlanPath, planning); err != nil {
			return arts, err
		}
	}
	if execution != nil {
		arts.RunLogPath = filepath.Join(e.dir, fmt.Sprintf("run_log_%s.json", stamp))
		if err := e.writeJSON(arts.RunLogPath, execution); err != nil {
			return arts, err
		}
	}
	if validation != nil {
		arts.DiffPath = filepath.Join(e.dir, fmt.Sprintf("diff_%s.md", stamp))
		if err := e.writeDiff(arts.DiffPath, validation, pre, post); err != nil {
			return arts, err
		}
	}

	arts.CommentsPath = filepath.Join(e.dir, fmt.Sprintf("comments_%s.json", stamp))
	if annotations == nil {
		annotations = []document.Annotation{}
	}
	if err := e.writeJSON(arts.CommentsPath, annotations); err != nil {
		return arts, err
	}

	e.logger.Info("artifacts written", "dir", e.dir, "count", len(arts.Paths()))
	return arts, nil
}

func (e *Exporter) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot serialize %s", filepath.Base(path)), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot write %s", path), err)
	}
	return nil
}

// writeDiff renders the validation outcome as markdown: a unified-style
// outline diff followed by the classified change lists.
func (e *Exporter) writeDiff(path string, report *document.ValidationReport,
	pre, post document.Structure) error {

	var b strings.Builder
	b.WriteString("# Structure diff\n\n")
	fmt.Fprintf(&b, "Validated at %s.\n\n", report.ValidatedAt.Format(time.RFC3339))

	b.WriteString("## Heading outline\n\n")
	outlineDiff := diffOutline(outline(pre), outline(post))
	if outlineDiff == "" {
		b.WriteString("No outline changes.\n\n")
	} else {
		b.WriteString("```diff\n")
		b.WriteString(outlineDiff)
		b.WriteString("```\n\n")
	}

	writeChangeSection(&b, "Authorized changes", report.Authorized)
	writeChangeSection(&b, "Unauthorized changes", report.Unauthorized)

	if len(report.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range report.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		b.WriteString("\n")
	}
	if len(report.Recommendations) > 0 {
		b.WriteString("## Recommendations\n\n")
		for _, r := range report.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot write %s", path), err)
	}
	return nil
}

// outline renders the heading hierarchy as indented lines in document order.
func outline(s document.Structure) string {
	headings := make([]document.Heading, len(s.Headings))
	copy(headings, s.Headings)
	sort.SliceStable(headings, func(i, j int) bool {
		return headings[i].Range.Start < headings[j].Range.Start
	})

	var b strings.Builder
	for _, h := range headings {
		b.WriteString(strings.Repeat("  ", h.Level-1))
		fmt.Fprintf(&b, "%s (%s)\n", h.Text, h.Style)
	}
	return b.String()
}

// diffOutline produces a line-oriented +/- diff of two outlines. Returns ""
// when they are identical.
func diffOutline(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			if line == "" && d.Text == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	return out.String()
}

func writeChangeSection(b *strings.Builder, title string, changes []document.FormatChange) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if len(changes) == 0 {
		b.WriteString("None.\n\n")
		return
	}
	for _, c := range changes {
		fmt.Fprintf(b, "- **%s** on %q: %q -> %q", c.Type, c.ElementID, c.OldValue, c.NewValue)
		if c.AnnotationID != "" {
			fmt.Fprintf(b, " (annotation %s)", c.AnnotationID)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}
