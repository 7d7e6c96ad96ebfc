// Package sentinel executes declarative multi-step pipelines over the
// event bus: watch for an event, run a shell command, call the LLM, emit a
// follow-up event, branch on a condition. Pipelines are data — authored as
// JSON and executed as a linear step sequence under an execution context.
//
// There is no retry at the engine layer: a pipeline author builds retries
// from Condition + Emit.
package sentinel

import (
	"encoding/json"
	"fmt"

	"github.com/continuumrt/continuum/internal/runtime"
)

// Step is one pipeline step. Type selects the variant; the remaining
// fields are variant-specific.
type Step struct {
	Type string `json:"type"`

	// Shell
	Cmd        string   `json:"cmd,omitempty"`
	Args       []string `json:"args,omitempty"`
	TimeoutS   uint64   `json:"timeout_s,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`

	// Llm
	Prompt        string  `json:"prompt,omitempty"`
	Model         string  `json:"model,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	AgentMode     bool    `json:"agent_mode,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`

	// Watch
	EventPattern string `json:"event_pattern,omitempty"`

	// Emit
	EventName string          `json:"event_name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Condition
	Condition string `json:"condition,omitempty"`
	Then      []Step `json:"then,omitempty"`
	Else      []Step `json:"else,omitempty"`
}

// Validate checks that the step carries the fields its type requires.
func (s *Step) Validate() error {
	switch s.Type {
	case "shell":
		if s.Cmd == "" {
			return fmt.Errorf("shell step requires cmd")
		}
	case "llm":
		if s.Prompt == "" {
			return fmt.Errorf("llm step requires prompt")
		}
	case "watch":
		if s.EventPattern == "" {
			return fmt.Errorf("watch step requires event_pattern")
		}
	case "emit":
		if s.EventName == "" {
			return fmt.Errorf("emit step requires event_name")
		}
	case "condition":
		if s.Condition == "" {
			return fmt.Errorf("condition step requires condition")
		}
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	return nil
}

// StepResult records one executed step.
type StepResult struct {
	StepIndex  int             `json:"step_index"`
	StepType   string          `json:"step_type"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ExecutionContext is the mutable state a pipeline run threads through its
// steps: prior results, the launch inputs, and the working directory.
type ExecutionContext struct {
	StepResults  []StepResult
	Inputs       map[string]json.RawMessage
	WorkingDir   string
	NamedOutputs map[string]string
}

// NewExecutionContext creates a context with the given inputs.
func NewExecutionContext(inputs map[string]json.RawMessage, workingDir string) *ExecutionContext {
	if inputs == nil {
		inputs = map[string]json.RawMessage{}
	}
	return &ExecutionContext{
		Inputs:       inputs,
		WorkingDir:   workingDir,
		NamedOutputs: map[string]string{},
	}
}

// PipelineContext is the immutable environment of a run: the handle id
// correlating its events, the registry, the executor, and the bus (absent
// in registry-only test setups).
type PipelineContext struct {
	HandleID string
	Registry *runtime.Registry
	Executor *runtime.Executor
	Bus      *runtime.Bus
}

// Pipeline is a named, optionally scheduled, step sequence.
type Pipeline struct {
	ID       string                     `json:"id"`
	Name     string                     `json:"name"`
	Steps    []Step                     `json:"steps"`
	Inputs   map[string]json.RawMessage `json:"inputs,omitempty"`
	// Schedule is a cron expression; when set, the engine launches the
	// pipeline on schedule in addition to on-demand runs.
	Schedule   string `json:"schedule,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// RunResult is the outcome of one pipeline run. Success means every step
// succeeded.
type RunResult struct {
	PipelineID string       `json:"pipeline_id"`
	HandleID   string       `json:"handle_id"`
	Success    bool         `json:"success"`
	Steps      []StepResult `json:"steps"`
	DurationMS int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
}
