package document

import (
	"strings"
	"time"
)

// LocatorType names a locator strategy.
type LocatorType string

const (
	LocatorBookmark LocatorType = "bookmark"
	LocatorRange    LocatorType = "range"
	LocatorHeading  LocatorType = "heading"
	LocatorFind     LocatorType = "find"
)

// Locator addresses a region of the document. Value is non-empty and
// trimmed; its interpretation depends on By.
type Locator struct {
	By    LocatorType `json:"by" jsonschema:"enum=bookmark,enum=range,enum=heading,enum=find"`
	Value string      `json:"value" jsonschema:"minLength=1"`
}

// Valid reports whether the locator has a known strategy and a usable value.
func (l Locator) Valid() bool {
	switch l.By {
	case LocatorBookmark, LocatorRange, LocatorHeading, LocatorFind:
	default:
		return false
	}
	return strings.TrimSpace(l.Value) != ""
}

// TaskType is the closed set of edit operations.
type TaskType string

const (
	// Content tasks: no annotation authorization required.
	TaskRewrite        TaskType = "rewrite"
	TaskInsert         TaskType = "insert"
	TaskDelete         TaskType = "delete"
	TaskRefreshTocNums TaskType = "refresh_toc_numbers"

	// Format tasks: must reference an authorizing annotation.
	TaskSetParagraphStyle TaskType = "set_paragraph_style"
	TaskSetHeadingLevel   TaskType = "set_heading_level"
	TaskApplyTemplate     TaskType = "apply_template"
	TaskReplaceHyperlink  TaskType = "replace_hyperlink"
	TaskRebuildToc        TaskType = "rebuild_toc"
	TaskUpdateTocLevels   TaskType = "update_toc_levels"
)

// ContentTaskTypes lists the whitelisted content operations.
var ContentTaskTypes = []TaskType{
	TaskRewrite, TaskInsert, TaskDelete, TaskRefreshTocNums,
}

// FormatTaskTypes lists the operations that require annotation authorization.
var FormatTaskTypes = []TaskType{
	TaskSetParagraphStyle, TaskSetHeadingLevel, TaskApplyTemplate,
	TaskReplaceHyperlink, TaskRebuildToc, TaskUpdateTocLevels,
}

// IsFormat reports whether the type belongs to the format class.
func (t TaskType) IsFormat() bool {
	for _, ft := range FormatTaskTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// IsContent reports whether the type belongs to the whitelisted content class.
func (t TaskType) IsContent() bool {
	for _, ct := range ContentTaskTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// Known reports whether the type is a member of the closed set.
func (t TaskType) Known() bool { return t.IsFormat() || t.IsContent() }

// RiskLevel orders tasks by how much damage a wrong execution can do.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank maps a risk level onto an ordinal for sorting. Unknown levels sort
// after high.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// Task is one typed edit command produced by the planner. The json tags
// define the wire format the LLM is asked to emit.
type Task struct {
	ID                 string    `json:"id" jsonschema:"minLength=1"`
	Type               TaskType  `json:"type" jsonschema:"enum=rewrite,enum=insert,enum=delete,enum=refresh_toc_numbers,enum=set_paragraph_style,enum=set_heading_level,enum=apply_template,enum=replace_hyperlink,enum=rebuild_toc,enum=update_toc_levels"`
	SourceCommentID    string    `json:"source_comment_id,omitempty"`
	Locator            Locator   `json:"locator"`
	Instruction        string    `json:"instruction" jsonschema:"minLength=1"`
	Dependencies       []string  `json:"dependencies,omitempty"`
	Risk               RiskLevel `json:"risk,omitempty" jsonschema:"enum=low,enum=medium,enum=high"`
	RequiresUserReview bool      `json:"requires_user_review,omitempty"`
	Notes              string    `json:"notes,omitempty"`
}

// TaskList is the root object the LLM must return.
type TaskList struct {
	Tasks []Task `json:"tasks"`
}

// SkippedTask records a task dropped by the planner's authorization filter.
type SkippedTask struct {
	Task   Task   `json:"task"`
	Reason string `json:"reason"`
}

// Plan is the ordered, authorized task sequence for one run. Tasks appear in
// execution order.
type Plan struct {
	Tasks        []Task    `json:"tasks"`
	DocumentPath string    `json:"document_path"`
	CreatedAt    time.Time `json:"created_at"`
	TotalTasks   int       `json:"total_tasks"`
}
