package document

import "time"

// TaskResult is the outcome of one executed task. ResolvedRange records
// where the locator landed, so the post-run audit can match changes back to
// the task that made them.
type TaskResult struct {
	TaskID        string        `json:"task_id"`
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	Duration      time.Duration `json:"duration_ns"`
	Error         string        `json:"error,omitempty"`
	Skipped       bool          `json:"skipped,omitempty"`
	ResolvedRange *Range        `json:"resolved_range,omitempty"`
}

// ExecutionResult aggregates the per-task outcomes of one run.
type ExecutionResult struct {
	Success       bool          `json:"success"`
	TotalTasks    int           `json:"total_tasks"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	TaskResults   []TaskResult  `json:"task_results"`
	TotalDuration time.Duration `json:"total_duration_ns"`
	ErrorSummary  string        `json:"error_summary,omitempty"`
	DryRun        bool          `json:"dry_run,omitempty"`
	OutputPath    string        `json:"output_path,omitempty"`
}

// ChangeType names a format-affecting difference between two Structures.
type ChangeType string

const (
	ChangeHeadingLevel     ChangeType = "heading_level_change"
	ChangeHeadingStyle     ChangeType = "heading_style_change"
	ChangeStyleUsage       ChangeType = "style_usage_change"
	ChangeTocStructure     ChangeType = "toc_structure_change"
	ChangeTocLevels        ChangeType = "toc_levels_change"
	ChangeHyperlinkAddress ChangeType = "hyperlink_address_change"
	ChangeHeadingAdded     ChangeType = "heading_added"
	ChangeHeadingRemoved   ChangeType = "heading_removed"
)

// FormatChange is one observed difference between a pre-run and post-run
// Structure, plus the authorization verdict attached during validation.
type FormatChange struct {
	Type         ChangeType `json:"type"`
	ElementID    string     `json:"element_id"`
	ElementRange Range      `json:"element_range"`
	OldValue     string     `json:"old_value"`
	NewValue     string     `json:"new_value"`
	Authorized   bool       `json:"authorized"`
	AnnotationID string     `json:"authorizing_annotation_id,omitempty"`
	DetectedAt   time.Time  `json:"detected_at"`
}

// ValidationReport is the outcome of the post-run structure audit.
// IsValid holds exactly when no unauthorized change was found.
type ValidationReport struct {
	IsValid         bool           `json:"is_valid"`
	Authorized      []FormatChange `json:"authorized_changes"`
	Unauthorized    []FormatChange `json:"unauthorized_changes"`
	Warnings        []string       `json:"warnings,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	ValidatedAt     time.Time      `json:"validated_at"`
}

// ShouldRollback reports whether the run must be reverted.
func (r *ValidationReport) ShouldRollback() bool {
	return len(r.Unauthorized) > 0
}

// Stage names one pipeline phase.
type Stage string

const (
	StageLoad     Stage = "load"
	StageInspect  Stage = "inspect"
	StagePlan     Stage = "plan"
	StageExecute  Stage = "execute"
	StageValidate Stage = "validate"
	StageExport   Stage = "export"
)

// RunReport is the terminal artifact of one pipeline run.
type RunReport struct {
	RunID             string            `json:"run_id"`
	Success           bool              `json:"success"`
	Cancelled         bool              `json:"cancelled,omitempty"`
	StagesCompleted   []Stage           `json:"stages_completed"`
	Plan              *Plan             `json:"plan,omitempty"`
	Execution         *ExecutionResult  `json:"execution,omitempty"`
	Validation        *ValidationReport `json:"validation,omitempty"`
	RollbackPerformed bool              `json:"rollback_performed"`
	DataAtRisk        bool              `json:"data_at_risk,omitempty"`
	BackupPath        string            `json:"backup_path,omitempty"`
	Artifacts         []string          `json:"artifacts,omitempty"`
	Error             string            `json:"error,omitempty"`
	ErrorCode         string            `json:"error_code,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
}
