// Package task defines the data model shared by the backend adapters, the
// stream parser, the executor, and the scheduler: task specifications,
// results, and the small enums that tag backend flavor and progress.
package task

// BackendFlavor tags which backend CLI produced a stream of events.
type BackendFlavor string

const (
	FlavorCodex    BackendFlavor = "CODEX"
	FlavorClaude   BackendFlavor = "CLAUDE"
	FlavorGemini   BackendFlavor = "GEMINI"
	FlavorOpencode BackendFlavor = "OPENCODE"
	FlavorUnknown  BackendFlavor = "UNKNOWN"
)

// ProgressStage is an informational stage inferred from backend events. It
// never affects control flow.
type ProgressStage string

const (
	StageStarted    ProgressStage = "STARTED"
	StageAnalyzing  ProgressStage = "ANALYZING"
	StageExecuting  ProgressStage = "EXECUTING"
	StageCompleted  ProgressStage = "COMPLETED"
)

// ProgressUpdate is delivered to a task's progress callback as events are
// decoded. ToolName is populated only when the underlying event names one.
type ProgressUpdate struct {
	Stage    ProgressStage
	ToolName string
}

// Spec is the immutable input to one execution.
type Spec struct {
	ID              string
	Task            string
	WorkDir         string
	Dependencies    []string
	BackendName     string
	Model           string
	SessionID       string
	PromptFile      string
	ReasoningEffort string
	Agent           string
	SkipPermissions bool
	MinimalEnv      bool
	UseStdin        bool
}

// Result is the unified output of one execution.
type Result struct {
	TaskID     string
	ExitCode   int
	Message    string
	SessionID  string
	Error      string
	LogPath    string
	StderrTail string

	// Metric hook fields. The core never populates these; they exist so a
	// downstream extractor has somewhere to put coverage/file/test
	// signals scraped from Message.
	Coverage      string
	CoverageNum   float64
	FilesChanged  []string
	TestsPassed   int
	TestsFailed   int
	KeyOutput     string
}

// Skipped reports a synthesized result for a task whose dependency failed
// or was itself skipped. No child is spawned.
func Skipped(id string) Result {
	return Result{
		TaskID:   id,
		ExitCode: 1,
		Message:  "Skipped due to dependency failure",
		Error:    "Dependency failed",
	}
}
