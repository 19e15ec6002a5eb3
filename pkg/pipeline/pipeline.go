// Package pipeline drives one document through the full run: load, inspect,
// plan, execute, validate, export. The pipeline owns cancellation and the
// rollback decision; components below it never restore files on their own
// except the executor's per-task revert.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/margo-ai/margo/pkg/config"
	"github.com/margo-ai/margo/pkg/document"
	"github.com/margo-ai/margo/pkg/driver"
	"github.com/margo-ai/margo/pkg/driver/docxdriver"
	"github.com/margo-ai/margo/pkg/driver/memdriver"
	"github.com/margo-ai/margo/pkg/executor"
	"github.com/margo-ai/margo/pkg/exporter"
	"github.com/margo-ai/margo/pkg/inspector"
	"github.com/margo-ai/margo/pkg/llm"
	"github.com/margo-ai/margo/pkg/planner"
	"github.com/margo-ai/margo/pkg/prompt"
	"github.com/margo-ai/margo/pkg/snapshot"
	"github.com/margo-ai/margo/pkg/validator"

	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

// ProgressEvent is one observer notification. Fractions are monotonically
// non-decreasing within a stage.
type ProgressEvent struct {
	Stage     document.Stage `json:"stage"`
	Fraction  float64        `json:"fraction"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProgressFunc receives progress events. Callbacks run on the pipeline
// goroutine and must not block.
type ProgressFunc func(ProgressEvent)

// Model is the planning model boundary. *llm.Client implements it.
type Model interface {
	CallWithJSONRetry(ctx context.Context, p prompt.Pair, maxRetries int) (json.RawMessage, []string, error)
}

// Pipeline runs documents. One Pipeline may process documents sequentially;
// run separate Pipelines for parallel documents.
type Pipeline struct {
	cfg       *config.Config
	drv       driver.Driver
	model     Model
	logger    *slog.Logger
	progress  []ProgressFunc
	store     *snapshot.Store
	insp      *inspector.Inspector
	plnr      *planner.Planner
	vldt      *validator.Validator
	outputDoc string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDriver overrides extension-based driver selection.
func WithDriver(d driver.Driver) Option { return func(p *Pipeline) { p.drv = d } }

// WithModel injects a planning model, bypassing the HTTP client.
func WithModel(m Model) Option { return func(p *Pipeline) { p.model = m } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithProgress subscribes a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.progress = append(p.progress, fn) }
}

func WithSnapshots(s *snapshot.Store) Option { return func(p *Pipeline) { p.store = s } }

// WithOutputDocument saves the edited document to path in addition to the
// in-place save.
func WithOutputDocument(path string) Option { return func(p *Pipeline) { p.outputDoc = path } }

// New builds a Pipeline. The configuration is fully validated only when the
// built-in HTTP model client is used; an injected model needs no API key.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.store == nil {
		p.store = snapshot.New()
	}
	if p.model == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		p.model = llm.New(llm.Options{
			Model:          cfg.LLM.Model,
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Temperature:    cfg.LLM.Temperature,
			TopP:           cfg.LLM.TopP,
			MaxRetries:     cfg.LLM.MaxRetries,
			RequestTimeout: cfg.LLM.RequestTimeout,
			Logger:         p.logger,
		})
	}
	p.insp = inspector.New(p.logger)
	p.plnr = planner.New(p.logger)
	p.vldt = validator.New(p.logger)
	return p, nil
}

// DriverFor selects a driver by file extension.
func DriverFor(path string) driver.Driver {
	if strings.EqualFold(filepath.Ext(path), ".docx") {
		return docxdriver.New()
	}
	return memdriver.New()
}

func (p *Pipeline) emit(stage document.Stage, fraction float64, msg string) {
	ev := ProgressEvent{Stage: stage, Fraction: fraction, Message: msg, Timestamp: time.Now()}
	for _, fn := range p.progress {
		fn(ev)
	}
}

// Run processes one document end to end. It never returns an error; the
// RunReport carries the outcome, including the typed error taxonomy on
// failure.
func (p *Pipeline) Run(ctx context.Context, docPath string) *document.RunReport {
	report := &document.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	defer func() { report.FinishedAt = time.Now() }()

	if p.cfg.Pipeline.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Pipeline.RunTimeout)
		defer cancel()
	}

	drv := p.drv
	if drv == nil {
		drv = DriverFor(docPath)
	}

	p.emit(document.StageLoad, 0, "opening "+docPath)
	sess, err := drv.Open(ctx, docPath)
	if err != nil {
		return p.fail(report, err)
	}
	defer sess.Close()
	p.complete(report, document.StageLoad)

	p.emit(document.StageInspect, 0, "extracting structure and annotations")
	annotations, err := p.insp.ExtractAnnotations(sess)
	if err != nil {
		return p.fail(report, err)
	}
	pre, err := p.insp.ExtractStructure(sess)
	if err != nil {
		return p.fail(report, err)
	}
	p.complete(report, document.StageInspect)

	if len(annotations) == 0 {
		return p.finishEmpty(report, docPath, pre)
	}

	planning, err := p.plan(ctx, docPath, pre, annotations)
	if err != nil {
		if p.cancelled(ctx, err) {
			report.Cancelled = true
		}
		return p.fail(report, err)
	}
	report.Plan = planning.Plan
	p.complete(report, document.StagePlan)

	dryRun := p.cfg.Executor.Mode == string(executor.ModeDryRun)
	var backup string
	if !dryRun && len(planning.Plan.Tasks) > 0 {
		p.emit(document.StageExecute, 0, "backing up document")
		if backup, err = p.store.Backup(docPath); err != nil {
			return p.fail(report, err)
		}
		report.BackupPath = backup
	}

	execRes, execErr := p.execute(ctx, sess, planning.Plan, annotations, backup)
	report.Execution = execRes
	if ctx.Err() != nil {
		report.Cancelled = true
		p.rollbackAfterCancel(report, planning.Plan, execRes, backup, docPath)
		p.export(report, planning, execRes, nil, pre, pre, annotations)
		return p.fail(report, margoerrors.Wrap(margoerrors.KindCancelled, "run cancelled", ctx.Err()))
	}
	if execErr != nil {
		// Session-level failure. DOC_003 means a restore already failed
		// inside the executor; the document is neither original nor fully
		// edited and retrying would not help.
		if margoerrors.CodeOf(execErr) == "DOC_003" {
			report.DataAtRisk = true
		} else if p.cfg.Pipeline.AutoRollback && backup != "" {
			if rerr := p.restore(report, backup, docPath); rerr != nil {
				p.logger.Error("restore after execution failure failed", "error", rerr)
			}
		}
		p.export(report, planning, execRes, nil, pre, pre, annotations)
		return p.fail(report, execErr)
	}
	p.complete(report, document.StageExecute)

	p.emit(document.StageValidate, 0, "auditing structure changes")
	post, err := p.insp.ExtractStructure(sess)
	if err != nil {
		// Cannot audit what was written; treat the edit as unverified.
		if p.cfg.Pipeline.AutoRollback && backup != "" {
			if rerr := p.restore(report, backup, docPath); rerr != nil {
				p.logger.Error("restore after audit failure failed", "error", rerr)
			}
		}
		return p.fail(report, err)
	}
	validation := p.vldt.Validate(pre, post, planning.Plan.Tasks, execRes.TaskResults, annotations)
	report.Validation = validation
	p.complete(report, document.StageValidate)

	if validation.ShouldRollback() && !dryRun {
		if p.cfg.Pipeline.AutoRollback && backup != "" {
			if rerr := p.restore(report, backup, docPath); rerr != nil {
				p.export(report, planning, execRes, validation, pre, post, annotations)
				return p.fail(report, rerr)
			}
		} else {
			p.logger.Warn("unauthorized changes present and auto-rollback disabled")
		}
	}

	p.export(report, planning, execRes, validation, pre, post, annotations)
	report.Success = execRes.Success && validation.IsValid && report.Error == ""
	return report
}

// plan builds prompts, queries the model per chunk, and assembles the plan.
// Exhausted model retries surface as PlanValidation.
func (p *Pipeline) plan(ctx context.Context, docPath string, pre document.Structure,
	annotations []document.Annotation) (*planner.PlanningResult, error) {

	p.emit(document.StagePlan, 0, "building prompts")
	schema, err := planner.TaskListSchemaJSON()
	if err != nil {
		return nil, margoerrors.Wrap(margoerrors.KindPlanValidation, "cannot build task schema", err)
	}

	builder := prompt.NewBuilder(prompt.NewTokenCounter(p.cfg.LLM.Model),
		p.cfg.LLM.TokenBudget, schema, p.logger)
	pairs, chunked, err := builder.Build(pre, annotations)
	if err != nil {
		return nil, err
	}
	if chunked {
		p.logger.Info("context exceeds token budget; planning in chunks", "chunks", len(pairs))
	}

	if p.cfg.LLM.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.LLM.TotalTimeout)
		defer cancel()
	}

	llmStart := time.Now()
	raws := make([]json.RawMessage, 0, len(pairs))
	var warnings []string
	for i, pair := range pairs {
		p.emit(document.StagePlan, float64(i)/float64(len(pairs)+1), "querying model")
		raw, w, cerr := p.model.CallWithJSONRetry(ctx, pair, p.cfg.LLM.MaxRetries)
		warnings = append(warnings, w...)
		if cerr != nil {
			if margoerrors.IsKind(cerr, margoerrors.KindLLMCancelled) {
				return nil, cerr
			}
			return nil, margoerrors.Wrap(margoerrors.KindPlanValidation,
				"model did not produce a usable response", cerr)
		}
		raws = append(raws, raw)
	}
	llmDuration := time.Since(llmStart)

	result, err := p.plnr.Build(raws, annotations, docPath)
	if err != nil {
		return nil, err
	}
	result.LLMDuration = llmDuration
	result.Warnings = append(warnings, result.Warnings...)
	p.emit(document.StagePlan, 1, fmt.Sprintf("plan ready: %d tasks, %d filtered",
		len(result.Plan.Tasks), result.FilteredCount))
	return result, nil
}

func (p *Pipeline) execute(ctx context.Context, sess driver.Session, plan *document.Plan,
	annotations []document.Annotation, backup string) (*document.ExecutionResult, error) {

	p.emit(document.StageExecute, 0.1, "executing plan")
	ex := executor.New(sess, executor.Options{
		Mode:            executor.Mode(p.cfg.Executor.Mode),
		StrictTemplates: p.cfg.Executor.StrictTemplates,
		DefaultTemplate: p.cfg.Executor.DefaultTemplate,
		BackupPath:      backup,
		OutputPath:      p.outputDoc,
		Snapshots:       p.store,
		Logger:          p.logger,
	})
	res, err := ex.Run(ctx, plan, annotations)
	p.emit(document.StageExecute, 1, "execution finished")
	return res, err
}

// rollbackAfterCancel restores the backup when a cancelled run had already
// applied a format task.
func (p *Pipeline) rollbackAfterCancel(report *document.RunReport, plan *document.Plan,
	res *document.ExecutionResult, backup, docPath string) {

	if backup == "" || res == nil || !formatTaskApplied(plan, res.TaskResults) {
		return
	}
	if err := p.restore(report, backup, docPath); err != nil {
		p.logger.Error("rollback after cancellation failed", "error", err)
	}
}

func formatTaskApplied(plan *document.Plan, results []document.TaskResult) bool {
	kinds := make(map[string]document.TaskType, len(plan.Tasks))
	for _, t := range plan.Tasks {
		kinds[t.ID] = t.Type
	}
	for _, r := range results {
		if r.Success && kinds[r.TaskID].IsFormat() {
			return true
		}
	}
	return false
}

func (p *Pipeline) restore(report *document.RunReport, backup, docPath string) error {
	p.logger.Warn("restoring document from backup", "backup", backup)
	if err := p.store.Restore(backup, docPath); err != nil {
		report.DataAtRisk = true
		return err
	}
	report.RollbackPerformed = true

	bsum, berr := p.store.Checksum(backup)
	dsum, derr := p.store.Checksum(docPath)
	if berr == nil && derr == nil && bsum != dsum {
		report.DataAtRisk = true
		return margoerrors.New(margoerrors.KindDocument,
			"restored document does not match backup").WithCode("DOC_003")
	}
	return nil
}

func (p *Pipeline) export(report *document.RunReport, planning *planner.PlanningResult,
	execRes *document.ExecutionResult, validation *document.ValidationReport,
	pre, post document.Structure, annotations []document.Annotation) {

	p.emit(document.StageExport, 0, "writing artifacts")
	exp := exporter.New(p.cfg.Pipeline.OutputDir, p.logger)
	arts, err := exp.Export(planning, execRes, validation, pre, post, annotations)
	report.Artifacts = arts.Paths()
	if err != nil {
		p.logger.Error("cannot write artifacts", "error", err)
		if report.Error == "" {
			report.Error = err.Error()
			report.ErrorCode = margoerrors.CodeOf(err)
		}
		return
	}
	p.complete(report, document.StageExport)
}

// finishEmpty closes out a run with no annotations: nothing to plan, nothing
// to mutate, no backup.
func (p *Pipeline) finishEmpty(report *document.RunReport, docPath string,
	pre document.Structure) *document.RunReport {

	p.logger.Info("document has no annotations; nothing to do")
	p.emit(document.StagePlan, 1, "no annotations; empty plan")

	planning := &planner.PlanningResult{
		Plan: &document.Plan{DocumentPath: docPath, CreatedAt: time.Now()},
		Risk: planner.AssessRisk(nil),
	}
	execRes := &document.ExecutionResult{Success: true}
	validation := p.vldt.Validate(pre, pre, nil, nil, nil)

	report.Plan = planning.Plan
	report.Execution = execRes
	report.Validation = validation
	p.complete(report, document.StagePlan)
	p.complete(report, document.StageExecute)
	p.complete(report, document.StageValidate)
	p.export(report, planning, execRes, validation, pre, pre, nil)
	report.Success = report.Error == ""
	return report
}

func (p *Pipeline) complete(report *document.RunReport, stage document.Stage) {
	report.StagesCompleted = append(report.StagesCompleted, stage)
	p.emit(stage, 1, string(stage)+" complete")
}

func (p *Pipeline) fail(report *document.RunReport, err error) *document.RunReport {
	report.Success = false
	report.Error = err.Error()
	report.ErrorCode = margoerrors.CodeOf(err)
	p.logger.Error("run failed", "code", report.ErrorCode, "error", err)
	return report
}

func (p *Pipeline) cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		margoerrors.IsKind(err, margoerrors.KindLLMCancelled) ||
		margoerrors.IsKind(err, margoerrors.KindCancelled)
}
