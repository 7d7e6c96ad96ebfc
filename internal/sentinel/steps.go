package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/continuumrt/continuum/internal/runtime"
)

// defaultWatchTimeout bounds a watch step with no explicit timeout.
const defaultWatchTimeout = 300 * time.Second

// executeStep runs one step and returns its result. A returned error (as
// opposed to a failed result) aborts the pipeline.
func executeStep(ctx context.Context, step *Step, index int, ec *ExecutionContext, pc *PipelineContext) (StepResult, error) {
	switch step.Type {
	case "shell":
		return executeShell(ctx, step, index, ec, pc)
	case "llm":
		return executeLlm(ctx, step, index, ec, pc)
	case "watch":
		return executeWatch(ctx, step, index, ec, pc)
	case "emit":
		return executeEmit(step, index, ec, pc)
	case "condition":
		return executeCondition(ctx, step, index, ec, pc)
	default:
		return StepResult{}, fmt.Errorf("unknown step type %q", step.Type)
	}
}

// executeShell spawns a child process with a timeout and working-directory
// override. A command containing spaces with no args is passed through
// /bin/sh -c verbatim. The child is killed when the step context ends.
// Non-zero exit is a failed result, not an error; a spawn failure or
// timeout is an error.
func executeShell(ctx context.Context, step *Step, index int, ec *ExecutionContext, pc *PipelineContext) (StepResult, error) {
	start := time.Now()

	cmd := Interpolate(step.Cmd, ec)
	args := make([]string, len(step.Args))
	for i, a := range step.Args {
		args[i] = Interpolate(a, ec)
	}
	workDir := ec.WorkingDir
	if step.WorkingDir != "" {
		workDir = Interpolate(step.WorkingDir, ec)
	}
	timeout := time.Duration(step.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	if strings.Contains(cmd, " ") && len(args) == 0 {
		args = []string{"-c", cmd}
		cmd = "/bin/sh"
	}

	slog.Info("shell step",
		"handle", pc.HandleID, "cmd", cmd, "args", args, "dir", workDir)

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	child := exec.CommandContext(stepCtx, cmd, args...)
	child.Dir = workDir
	var stdout, stderr strings.Builder
	child.Stdout = &stdout
	child.Stderr = &stderr

	err := child.Run()
	durationMS := time.Since(start).Milliseconds()

	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return StepResult{}, fmt.Errorf("[%s] shell step timed out after %s", pc.HandleID, timeout)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
		exitCode := 0
		if exitErr != nil {
			exitCode = exitErr.ExitCode()
		}
		success := exitCode == 0
		data, _ := json.Marshal(map[string]any{
			"stdout":   stdout.String(),
			"stderr":   stderr.String(),
			"exitCode": exitCode,
		})
		result := StepResult{
			StepIndex:  index,
			StepType:   "shell",
			Success:    success,
			DurationMS: durationMS,
			Output:     stdout.String(),
			ExitCode:   &exitCode,
			Data:       data,
		}
		if !success {
			result.Error = stderr.String()
		}
		return result, nil
	default:
		return StepResult{}, fmt.Errorf("[%s] shell step failed to execute %q: %w", pc.HandleID, cmd, err)
	}
}

// executeLlm routes ai/generate to the local AI module through the
// registry; in agent mode it goes over the executor's foreign bridge to
// ai/agent, where the agentic tool loop lives.
func executeLlm(ctx context.Context, step *Step, index int, ec *ExecutionContext, pc *PipelineContext) (StepResult, error) {
	start := time.Now()

	reqBody := map[string]any{
		"prompt": Interpolate(step.Prompt, ec),
	}
	if step.Model != "" {
		reqBody["model"] = Interpolate(step.Model, ec)
	}
	if step.Provider != "" {
		reqBody["provider"] = step.Provider
	}
	if step.MaxTokens > 0 {
		reqBody["max_tokens"] = step.MaxTokens
	}
	if step.Temperature > 0 {
		reqBody["temperature"] = step.Temperature
	}
	if step.SystemPrompt != "" {
		reqBody["system_prompt"] = Interpolate(step.SystemPrompt, ec)
	}
	if len(step.Tools) > 0 {
		reqBody["tools"] = step.Tools
	}
	if step.MaxIterations > 0 {
		reqBody["max_iterations"] = step.MaxIterations
	}
	params, err := json.Marshal(reqBody)
	if err != nil {
		return StepResult{}, fmt.Errorf("[%s] llm step params: %w", pc.HandleID, err)
	}

	var raw json.RawMessage
	if step.AgentMode {
		res, err := pc.Executor.ExecuteForeign(ctx, "ai/agent", params)
		if err != nil {
			return StepResult{}, fmt.Errorf("[%s] llm agent step: %w", pc.HandleID, err)
		}
		raw = res.JSON
	} else {
		m, cmd, ok := pc.Registry.RouteCommand("ai/generate")
		if !ok {
			return StepResult{}, fmt.Errorf("[%s] llm step: no ai module registered", pc.HandleID)
		}
		res, err := m.HandleCommand(ctx, cmd, params)
		if err != nil {
			return StepResult{}, fmt.Errorf("[%s] llm step: %w", pc.HandleID, err)
		}
		raw = res.JSON
	}

	// Pull the generated text out for {{steps.N.output}} interpolation.
	var gen struct {
		Text     string `json:"text"`
		Response string `json:"response"`
	}
	_ = json.Unmarshal(raw, &gen)
	output := gen.Text
	if output == "" {
		output = gen.Response
	}

	return StepResult{
		StepIndex:  index,
		StepType:   "llm",
		Success:    true,
		DurationMS: time.Since(start).Milliseconds(),
		Output:     output,
		Data:       raw,
	}, nil
}

// executeWatch blocks until a bus event matches the (interpolated) glob
// pattern or the timeout elapses. A timeout is a failed result with the
// timeout recorded in data, not an error. Receiver lag logs a warning and
// continues.
func executeWatch(ctx context.Context, step *Step, index int, ec *ExecutionContext, pc *PipelineContext) (StepResult, error) {
	start := time.Now()

	if pc.Bus == nil {
		return StepResult{}, fmt.Errorf("[%s] watch step requires the event bus", pc.HandleID)
	}

	pattern := Interpolate(step.EventPattern, ec)
	timeout := defaultWatchTimeout
	if step.TimeoutS > 0 {
		timeout = time.Duration(step.TimeoutS) * time.Second
	}

	slog.Info("watch step waiting",
		"handle", pc.HandleID, "pattern", pattern, "timeout", timeout)

	receiver := pc.Bus.Receiver()
	defer receiver.Close()

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lastLost := uint64(0)
	for {
		select {
		case ev := <-receiver.C:
			if lost := receiver.Lost(); lost > lastLost {
				slog.Warn("watch receiver lagged",
					"handle", pc.HandleID, "lost", lost-lastLost)
				lastLost = lost
			}
			if !runtime.PatternMatches(pattern, ev.Name) {
				continue
			}
			data, _ := json.Marshal(map[string]any{
				"event":   ev.Name,
				"payload": ev.Payload,
			})
			return StepResult{
				StepIndex:  index,
				StepType:   "watch",
				Success:    true,
				DurationMS: time.Since(start).Milliseconds(),
				Output:     ev.Name,
				Data:       data,
			}, nil

		case <-stepCtx.Done():
			if ctx.Err() != nil {
				// The pipeline itself was cancelled.
				return StepResult{}, ctx.Err()
			}
			slog.Warn("watch step timed out",
				"handle", pc.HandleID, "pattern", pattern, "timeout", timeout)
			data, _ := json.Marshal(map[string]any{
				"pattern":     pattern,
				"timeoutSecs": int(timeout.Seconds()),
				"timedOut":    true,
			})
			return StepResult{
				StepIndex:  index,
				StepType:   "watch",
				Success:    false,
				DurationMS: time.Since(start).Milliseconds(),
				Error:      fmt.Sprintf("timed out after %s waiting for event %q", timeout, pattern),
				Data:       data,
			}, nil
		}
	}
}

// executeEmit publishes an event on the bus's asynchronous tier. Fails
// when the bus is absent.
func executeEmit(step *Step, index int, ec *ExecutionContext, pc *PipelineContext) (StepResult, error) {
	start := time.Now()

	if pc.Bus == nil {
		return StepResult{}, fmt.Errorf("[%s] emit step requires the event bus", pc.HandleID)
	}

	name := Interpolate(step.EventName, ec)
	payload := step.Payload
	if len(payload) > 0 {
		payload = json.RawMessage(Interpolate(string(payload), ec))
		if !json.Valid(payload) {
			// Interpolation produced invalid JSON; ship it as a string.
			quoted, _ := json.Marshal(string(payload))
			payload = quoted
		}
	}

	pc.Bus.PublishAsyncOnly(name, payload)

	data, _ := json.Marshal(map[string]any{
		"event":   name,
		"payload": payload,
	})
	return StepResult{
		StepIndex:  index,
		StepType:   "emit",
		Success:    true,
		DurationMS: time.Since(start).Milliseconds(),
		Output:     name,
		Data:       data,
	}, nil
}

// executeCondition evaluates the interpolated expression and runs the
// matching branch as a nested step list sharing the same context. A failed
// child step fails the condition step, recording which branch and which
// child index failed.
func executeCondition(ctx context.Context, step *Step, index int, ec *ExecutionContext, pc *PipelineContext) (StepResult, error) {
	start := time.Now()

	conditionResult := EvaluateCondition(Interpolate(step.Condition, ec))
	branch := "else"
	steps := step.Else
	if conditionResult {
		branch = "then"
		steps = step.Then
	}

	for i := range steps {
		sub, err := executeStep(ctx, &steps[i], len(ec.StepResults), ec, pc)
		if err != nil {
			return StepResult{}, err
		}
		if !sub.Success {
			data, _ := json.Marshal(map[string]any{
				"conditionResult": conditionResult,
				"branch":          branch,
				"failedStep":      i,
			})
			return StepResult{
				StepIndex:  index,
				StepType:   "condition",
				Success:    false,
				DurationMS: time.Since(start).Milliseconds(),
				Error:      sub.Error,
				Data:       data,
			}, nil
		}
		ec.StepResults = append(ec.StepResults, sub)
	}

	data, _ := json.Marshal(map[string]any{
		"conditionResult": conditionResult,
		"branch":          branch,
		"stepsExecuted":   len(steps),
	})
	return StepResult{
		StepIndex:  index,
		StepType:   "condition",
		Success:    true,
		DurationMS: time.Since(start).Milliseconds(),
		Data:       data,
	}, nil
}
