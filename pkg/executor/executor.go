// Package executor applies a plan to a live document session, task by task.
// Format tasks are re-authorized against the canonical annotation list before
// they run, and audited against a structure snapshot afterwards; a task that
// changed more than its mandate triggers a restore from backup. One task's
// failure never stops the run; only session-level failures do.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/driver"
	"github.com/margo-ai/margo/pkg/inspector"
	"github.com/margo-ai/margo/pkg/snapshot"
	"github.com/margo-ai/margo/pkg/validator"

	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

// Mode selects how much the executor is allowed to touch.
type Mode string

const (
	// ModeNormal mutates the document and saves on completion.
	ModeNormal Mode = "normal"
	// ModeDryRun resolves locators and authorizations but never mutates.
	ModeDryRun Mode = "dry_run"
	// ModeSafe is normal plus a strict locator policy: no fuzzy fallback,
	// and a locator miss fails the task.
	ModeSafe Mode = "safe"
)

// Options configures an Executor.
type Options struct {
	Mode            Mode
	StrictTemplates bool
	DefaultTemplate string
	// BackupPath is the run-start backup used for per-task restores.
	BackupPath string
	// OutputPath, when set, receives a save-as copy after a successful run.
	OutputPath string
	Snapshots  *snapshot.Store
	Logger     *slog.Logger
}

// Executor runs plans against one document session. Sessions are
// single-threaded; so is the executor.
type Executor struct {
	sess   driver.Session
	insp   *inspector.Inspector
	audit  *validator.Validator
	opts   Options
	logger *slog.Logger
	cursor int
}

func New(sess driver.Session, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeNormal
	}
	if opts.DefaultTemplate == "" {
		opts.DefaultTemplate = "Normal"
	}
	if opts.Snapshots == nil {
		opts.Snapshots = snapshot.New()
	}
	return &Executor{
		sess:   sess,
		insp:   inspector.New(opts.Logger),
		audit:  validator.New(opts.Logger),
		opts:   opts,
		logger: opts.Logger,
	}
}

// Run executes the plan in order. Cancellation is honored at task
// boundaries: an in-flight mutation completes so the document stays
// consistent, and not-yet-started tasks are marked skipped. The returned
// error is non-nil only for session-level failures (open, save, restore).
func (e *Executor) Run(ctx context.Context, plan *document.Plan, annotations []document.Annotation) (*document.ExecutionResult, error) {
	start := time.Now()

	known := make(map[string]bool, len(annotations))
	for _, a := range annotations {
		known[a.ID] = true
	}

	res := &document.ExecutionResult{
		TotalTasks: len(plan.Tasks),
		DryRun:     e.opts.Mode == ModeDryRun,
	}

	var sessionErr error
	for i, t := range plan.Tasks {
		if ctx.Err() != nil {
			e.logger.Info("run cancelled", "pending_tasks", len(plan.Tasks)-i)
			skipRemaining(res, plan.Tasks[i:], "cancelled before start")
			break
		}

		tr, err := e.runTask(t, known)
		res.TaskResults = append(res.TaskResults, tr)
		switch {
		case tr.Skipped:
			res.Skipped++
		case tr.Success:
			res.Completed++
		default:
			res.Failed++
		}

		if err != nil {
			sessionErr = err
			skipRemaining(res, plan.Tasks[i+1:], "skipped after session failure")
			break
		}
	}

	if e.opts.Mode != ModeDryRun && sessionErr == nil {
		if err := e.sess.Save(); err != nil {
			sessionErr = err
		} else if e.opts.OutputPath != "" {
			if err := e.sess.SaveAs(e.opts.OutputPath); err != nil {
				sessionErr = err
			} else {
				res.OutputPath = e.opts.OutputPath
			}
		}
	}

	res.TotalDuration = time.Since(start)
	res.Success = sessionErr == nil && res.Failed == 0 && ctx.Err() == nil
	res.ErrorSummary = summarize(res.TaskResults, sessionErr)
	return res, sessionErr
}

func skipRemaining(res *document.ExecutionResult, tasks []document.Task, msg string) {
	for _, t := range tasks {
		res.TaskResults = append(res.TaskResults, document.TaskResult{
			TaskID:  t.ID,
			Skipped: true,
			Message: msg,
		})
		res.Skipped++
	}
}

func summarize(results []document.TaskResult, sessionErr error) string {
	var parts []string
	if sessionErr != nil {
		parts = append(parts, sessionErr.Error())
	}
	for _, r := range results {
		if !r.Success && !r.Skipped && r.Error != "" && len(parts) < 4 {
			parts = append(parts, fmt.Sprintf("%s: %s", r.TaskID, r.Error))
		}
	}
	return strings.Join(parts, "; ")
}

// runTask executes one task. The returned error is non-nil only for
// session-level failures; everything else becomes a failed TaskResult.
func (e *Executor) runTask(t document.Task, known map[string]bool) (document.TaskResult, error) {
	start := time.Now()
	tr := document.TaskResult{TaskID: t.ID}
	fail := func(err error) document.TaskResult {
		tr.Success = false
		tr.Error = err.Error()
		if tr.Message == "" {
			tr.Message = "task failed"
		}
		tr.Duration = time.Since(start)
		return tr
	}

	// Re-check authorization against the canonical annotation list; the
	// model may have fabricated the id the planner saw.
	if t.Type.IsFormat() && (t.SourceCommentID == "" || !known[t.SourceCommentID]) {
		e.logger.Warn("format task rejected at execution",
			"id", t.ID, "type", string(t.Type), "source_comment_id", t.SourceCommentID)
		return fail(margoerrors.Newf(margoerrors.KindFormatProtection,
			"format task %s does not reference a real annotation", t.ID)), nil
	}

	strict := e.opts.Mode == ModeSafe
	r, found, warn, err := resolveLocator(e.sess, t.Locator, e.cursor, strict)
	if err != nil {
		tr = fail(err)
		return tr, err
	}
	rr := r
	tr.ResolvedRange = &rr
	e.cursor = r.End

	if !found {
		if strict {
			return fail(margoerrors.Newf(margoerrors.KindTaskExecution,
				"locator miss in safe mode: %s", warn)), nil
		}
		e.logger.Warn("locator fell back to sentinel range", "id", t.ID, "detail", warn)
	} else if warn != "" {
		e.logger.Debug("locator resolved fuzzily", "id", t.ID, "detail", warn)
	}

	if e.opts.Mode == ModeDryRun {
		tr.Success = true
		tr.Message = fmt.Sprintf("dry run: would apply %s at [%d,%d)", t.Type, r.Start, r.End)
		tr.Duration = time.Since(start)
		return tr, nil
	}

	var pre document.Structure
	if t.Type.IsFormat() {
		if pre, err = e.insp.ExtractStructure(e.sess); err != nil {
			tr = fail(err)
			return tr, err
		}
	}

	if err := e.mutate(t, r); err != nil {
		if margoerrors.IsKind(err, margoerrors.KindTaskExecution) {
			return fail(err), nil
		}
		return fail(margoerrors.Wrap(margoerrors.KindTaskExecution,
			fmt.Sprintf("task %s", t.ID), err)), nil
	}

	if t.Type.IsFormat() {
		post, serr := e.insp.ExtractStructure(e.sess)
		if serr != nil {
			tr = fail(serr)
			return tr, serr
		}
		changes, _ := e.audit.Diff(pre, post)
		var rogue []document.FormatChange
		for _, c := range changes {
			if !validator.ProducedBy(c, t, tr.ResolvedRange) {
				rogue = append(rogue, c)
			}
		}
		if len(rogue) > 0 {
			return e.revertTask(t, tr, rogue, start)
		}
	}

	if t.RequiresUserReview {
		if name, berr := ensureBookmark(e.sess, "margo_review_"+t.ID, r); berr != nil {
			e.logger.Warn("cannot bookmark range for review", "id", t.ID, "error", berr)
		} else {
			e.logger.Info("range bookmarked for review", "id", t.ID, "bookmark", name)
		}
	}

	tr.Success = true
	tr.Message = fmt.Sprintf("%s applied at [%d,%d)", t.Type, r.Start, r.End)
	tr.Duration = time.Since(start)
	return tr, nil
}

// revertTask restores the run-start backup after a task changed structure
// outside its mandate. Execution resumes from the next task against the
// restored state; only a failed restore aborts the run.
func (e *Executor) revertTask(t document.Task, tr document.TaskResult,
	rogue []document.FormatChange, start time.Time) (document.TaskResult, error) {

	e.logger.Warn("task changed structure outside its mandate; restoring backup",
		"id", t.ID, "type", string(t.Type), "changes", len(rogue))

	verdict := margoerrors.Newf(margoerrors.KindFormatProtection,
		"task %s produced %d format changes outside its mandate", t.ID, len(rogue))
	tr.Success = false
	tr.Error = verdict.Error()
	tr.Message = fmt.Sprintf("reverted: first offending change %s on %q",
		rogue[0].Type, rogue[0].ElementID)
	tr.Duration = time.Since(start)

	if e.opts.BackupPath == "" {
		tr.Message = "no backup available; document left as mutated"
		return tr, nil
	}
	if err := e.opts.Snapshots.Restore(e.opts.BackupPath, e.sess.Path()); err != nil {
		return tr, err
	}
	if err := e.sess.Reopen(); err != nil {
		return tr, err
	}
	e.cursor = 0
	return tr, nil
}

func (e *Executor) mutate(t document.Task, r document.Range) error {
	switch t.Type {
	case document.TaskRewrite:
		return e.sess.ReplaceText(r, extractPayload(t.Instruction))
	case document.TaskInsert:
		return e.sess.InsertAfter(r, extractPayload(t.Instruction))
	case document.TaskDelete:
		return e.sess.DeleteRange(r)
	case document.TaskRefreshTocNums:
		return e.sess.RefreshTocNumbers()

	case document.TaskSetParagraphStyle:
		styles, err := e.sess.Styles()
		if err != nil {
			return err
		}
		name, ok := extractStyleName(t.Instruction, styles)
		if !ok {
			return margoerrors.Newf(margoerrors.KindTaskExecution,
				"no known style named in %q", t.Instruction)
		}
		return e.sess.SetParagraphStyle(r, name)

	case document.TaskSetHeadingLevel:
		lvl, ok := extractLevel(t.Instruction)
		if !ok {
			return margoerrors.Newf(margoerrors.KindTaskExecution,
				"no heading level in %q", t.Instruction)
		}
		styles, err := e.sess.Styles()
		if err != nil {
			return err
		}
		return e.sess.SetParagraphStyle(r, headingStyleFor(styles, lvl))

	case document.TaskApplyTemplate:
		return e.applyTemplate(t)

	case document.TaskReplaceHyperlink:
		addr, ok := extractAddress(t.Instruction)
		if !ok {
			return margoerrors.Newf(margoerrors.KindTaskExecution,
				"no URL or email address in %q", t.Instruction)
		}
		return e.sess.SetHyperlinkAddress(r, addr)

	case document.TaskRebuildToc:
		upper, lower, ok := extractLevelBounds(t.Instruction)
		if !ok {
			upper, lower = 1, 3
		}
		if err := e.sess.DeleteTocFields(); err != nil {
			return err
		}
		return e.sess.AddTocField(r, upper, lower)

	case document.TaskUpdateTocLevels:
		upper, lower, ok := extractLevelBounds(t.Instruction)
		if !ok {
			return margoerrors.Newf(margoerrors.KindTaskExecution,
				"no level bounds in %q", t.Instruction)
		}
		return e.sess.SetTocLevels(upper, lower)
	}

	return margoerrors.Newf(margoerrors.KindTaskExecution, "unsupported task type %q", t.Type)
}

// applyTemplate applies the named template, falling back to default styles
// when the template is missing and strict mode is off.
func (e *Executor) applyTemplate(t document.Task) error {
	name := e.opts.DefaultTemplate
	if q := quotedRe.FindAllStringSubmatch(t.Instruction, -1); len(q) > 0 {
		name = q[len(q)-1][1]
	}
	if e.sess.HasTemplate(name) {
		return e.sess.ApplyTemplate(name)
	}
	if e.opts.StrictTemplates {
		return margoerrors.Newf(margoerrors.KindTaskExecution,
			"template %q is not available", name)
	}
	if name != e.opts.DefaultTemplate && e.sess.HasTemplate(e.opts.DefaultTemplate) {
		e.logger.Warn("template missing; applying default styles instead", "template", name)
		return e.sess.ApplyTemplate(e.opts.DefaultTemplate)
	}
	return margoerrors.Newf(margoerrors.KindTaskExecution,
		"template %q is not available", name)
}
