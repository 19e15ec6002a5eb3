// Package planner turns raw LLM output into an ordered, authorized Plan.
// Tasks that violate the authorization rules are dropped and recorded, never
// surfaced as errors; only an unusable response as a whole fails planning.
package planner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/margo-ai/margo/pkg/document"

	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

// Planner validates, filters and orders model-proposed tasks.
type Planner struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{logger: logger}
}

// PlanningResult is the full outcome of one planning pass: the ordered plan,
// the pre-filter and dropped counts, the dropped tasks with reasons, and the
// batch risk assessment. LLMDuration is filled in by the orchestrator.
type PlanningResult struct {
	Plan             *document.Plan         `json:"plan"`
	RawCount         int                    `json:"raw_count"`
	FilteredCount    int                    `json:"filtered_count"`
	Skipped          []document.SkippedTask `json:"skipped,omitempty"`
	Warnings         []string               `json:"warnings,omitempty"`
	Risk             RiskReport             `json:"risk"`
	LLMDuration      time.Duration          `json:"llm_duration_ns"`
	PlanningDuration time.Duration          `json:"planning_duration_ns"`
}

// RiskReport summarizes the risk distribution of an accepted plan.
type RiskReport struct {
	Overall         document.RiskLevel `json:"overall"`
	LowCount        int                `json:"low_count"`
	MediumCount     int                `json:"medium_count"`
	HighCount       int                `json:"high_count"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

// Build runs the planning pipeline over one or more chunk responses. Each
// response is parsed, risk-assigned and filtered on its own; the surviving
// tasks are concatenated and topologically ordered as one plan. Task id
// collisions across chunks are resolved with a _c<chunkIndex> suffix, and
// dependency references inside the renaming chunk follow the rename.
func (p *Planner) Build(raws []json.RawMessage, annotations []document.Annotation, docPath string) (*PlanningResult, error) {
	start := time.Now()

	known := make(map[string]bool, len(annotations))
	for _, a := range annotations {
		known[a.ID] = true
	}

	var (
		accepted  []document.Task
		skipped   []document.SkippedTask
		warnings  []string
		rawCount  int
		parseErrs int
		lastErr   error
	)
	seen := make(map[string]bool)

	for ci, raw := range raws {
		chunkIndex := ci + 1

		tasks, err := parseTaskList(raw)
		if err != nil {
			parseErrs++
			lastErr = err
			if len(raws) > 1 {
				warnings = append(warnings, fmt.Sprintf("chunk %d response rejected: %v", chunkIndex, err))
				p.logger.Warn("chunk response rejected", "chunk", chunkIndex, "error", err)
			}
			continue
		}
		rawCount += len(tasks)

		renamed := make(map[string]string)
		var kept []document.Task
		for _, t := range tasks {
			if strings.TrimSpace(t.ID) == "" {
				t.ID = "task_" + uuid.NewString()[:8]
				warnings = append(warnings, fmt.Sprintf("assigned generated id %s to a task without one", t.ID))
			}

			if reason := validateTask(t); reason != "" {
				skipped = append(skipped, document.SkippedTask{Task: t, Reason: reason})
				p.logger.Warn("task dropped", "id", t.ID, "reason", reason)
				continue
			}
			assignRisk(&t)
			if reason := authorize(t, known); reason != "" {
				skipped = append(skipped, document.SkippedTask{Task: t, Reason: reason})
				p.logger.Warn("task dropped", "id", t.ID, "type", string(t.Type), "reason", reason)
				continue
			}

			if seen[t.ID] {
				newID := fmt.Sprintf("%s_c%d", t.ID, chunkIndex)
				for n := 2; seen[newID]; n++ {
					newID = fmt.Sprintf("%s_c%d_%d", t.ID, chunkIndex, n)
				}
				renamed[t.ID] = newID
				t.ID = newID
			}
			seen[t.ID] = true
			kept = append(kept, t)
		}

		// Dependencies stated inside this chunk follow the rename.
		for i := range kept {
			for j, d := range kept[i].Dependencies {
				if nd, ok := renamed[d]; ok {
					kept[i].Dependencies[j] = nd
				}
			}
		}
		accepted = append(accepted, kept...)
	}

	if len(raws) > 0 && parseErrs == len(raws) {
		return nil, margoerrors.Wrap(margoerrors.KindPlanValidation, "no usable model response", lastErr)
	}

	ordered, cycleWarning := topoSort(accepted)
	if cycleWarning != "" {
		warnings = append(warnings, cycleWarning)
		p.logger.Warn("plan ordering degraded", "reason", cycleWarning)
	}

	return &PlanningResult{
		Plan: &document.Plan{
			Tasks:        ordered,
			DocumentPath: docPath,
			CreatedAt:    time.Now(),
			TotalTasks:   len(ordered),
		},
		RawCount:         rawCount,
		FilteredCount:    len(skipped),
		Skipped:          skipped,
		Warnings:         warnings,
		Risk:             AssessRisk(ordered),
		PlanningDuration: time.Since(start),
	}, nil
}

func parseTaskList(raw json.RawMessage) ([]document.Task, error) {
	var root struct {
		Tasks *[]document.Task `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, margoerrors.Wrap(margoerrors.KindPlanValidation, "response is not a task object", err)
	}
	if root.Tasks == nil {
		return nil, margoerrors.New(margoerrors.KindPlanValidation, "response has no tasks array")
	}
	return *root.Tasks, nil
}

func validateTask(t document.Task) string {
	if !t.Type.Known() {
		return fmt.Sprintf("unknown task type %q", t.Type)
	}
	if !t.Locator.Valid() {
		return "locator is missing or invalid"
	}
	if strings.TrimSpace(t.Instruction) == "" {
		return "instruction is empty"
	}
	return ""
}

// assignRisk fills in a default risk when the model left it out or produced
// a value outside the enum.
func assignRisk(t *document.Task) {
	switch t.Risk {
	case document.RiskLow, document.RiskMedium, document.RiskHigh:
		return
	}
	switch t.Type {
	case document.TaskApplyTemplate, document.TaskRebuildToc, document.TaskUpdateTocLevels:
		t.Risk = document.RiskHigh
	default:
		if t.Type.IsFormat() {
			t.Risk = document.RiskMedium
		} else {
			t.Risk = document.RiskLow
		}
	}
}

// authorize enforces the annotation rule: a format task must name an
// annotation that actually exists in the document.
func authorize(t document.Task, known map[string]bool) string {
	if !t.Type.IsFormat() {
		return ""
	}
	if strings.TrimSpace(t.SourceCommentID) == "" {
		return "format task has no source_comment_id"
	}
	if !known[t.SourceCommentID] {
		return fmt.Sprintf("source_comment_id %q does not match any document annotation", t.SourceCommentID)
	}
	return ""
}

// topoSort orders tasks so every dependency precedes its dependents. Among
// tasks that become ready together, lower risk runs first, then task type
// lexicographically, then original position. A cycle is broken by appending
// the entangled tasks in their original order; the returned warning is
// non-empty in that case.
func topoSort(tasks []document.Task) ([]document.Task, string) {
	n := len(tasks)
	if n <= 1 {
		return tasks, ""
	}

	index := make(map[string]int, n)
	for i, t := range tasks {
		index[t.ID] = i
	}

	indeg := make([]int, n)
	adj := make([][]int, n)
	for i, t := range tasks {
		for _, d := range t.Dependencies {
			j, ok := index[d]
			if !ok || j == i {
				continue
			}
			adj[j] = append(adj[j], i)
			indeg[i]++
		}
	}

	var ready []int
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]document.Task, 0, n)
	done := make([]bool, n)
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool {
			ta, tb := tasks[ready[a]], tasks[ready[b]]
			if ra, rb := ta.Risk.Rank(), tb.Risk.Rank(); ra != rb {
				return ra < rb
			}
			if ta.Type != tb.Type {
				return ta.Type < tb.Type
			}
			return ready[a] < ready[b]
		})
		i := ready[0]
		ready = ready[1:]
		done[i] = true
		out = append(out, tasks[i])
		for _, j := range adj[i] {
			indeg[j]--
			if indeg[j] == 0 {
				ready = append(ready, j)
			}
		}
	}

	if len(out) < n {
		var residual []string
		for i := 0; i < n; i++ {
			if !done[i] {
				out = append(out, tasks[i])
				residual = append(residual, tasks[i].ID)
			}
		}
		return out, fmt.Sprintf("dependency cycle among tasks %s; keeping their original order",
			strings.Join(residual, ", "))
	}
	return out, ""
}

// AssessRisk computes the risk distribution and an overall level for a task
// batch: high when more than 30% of the tasks are high risk, medium when more
// than 10% are high or more than half are medium.
func AssessRisk(tasks []document.Task) RiskReport {
	r := RiskReport{Overall: document.RiskLow}
	for _, t := range tasks {
		switch t.Risk {
		case document.RiskHigh:
			r.HighCount++
		case document.RiskMedium:
			r.MediumCount++
		default:
			r.LowCount++
		}
	}

	n := len(tasks)
	if n == 0 {
		r.Recommendations = []string{"Plan is empty; nothing to execute"}
		return r
	}

	highFrac := float64(r.HighCount) / float64(n)
	medFrac := float64(r.MediumCount) / float64(n)
	switch {
	case highFrac > 0.30:
		r.Overall = document.RiskHigh
		r.Recommendations = []string{
			"Review every high risk task before running",
			"Run in dry_run mode first and inspect the planned changes",
			"Keep the automatic backup until the output is verified",
		}
	case highFrac > 0.10 || medFrac > 0.50:
		r.Overall = document.RiskMedium
		r.Recommendations = []string{
			"Review the medium and high risk tasks before running",
			"Verify the diff report after the run",
		}
	default:
		r.Recommendations = []string{
			"Standard review of the diff report is sufficient",
		}
	}
	return r
}
