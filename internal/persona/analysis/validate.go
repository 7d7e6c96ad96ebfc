package analysis

import "time"

// ValidationResult is the combined outcome of all four gates.
type ValidationResult struct {
	Passed                bool               `json:"passed"`
	GateFailed            string             `json:"gateFailed,omitempty"`
	Garbage               GarbageCheckResult `json:"garbage"`
	IsResponseLoop        bool               `json:"isResponseLoop"`
	LoopDuplicateCount    int                `json:"loopDuplicateCount"`
	HasTruncatedToolCall  bool               `json:"hasTruncatedToolCall"`
	Semantic              SemanticLoopResult `json:"semantic"`
	TotalTimeMicroseconds int64              `json:"totalTimeUs"`
}

// semanticLookback is how many recent assistant messages the semantic gate
// compares against.
const semanticLookback = 10

// ValidateResponse runs the four gates in short-circuit order:
// garbage → response loop → truncated tool call → semantic loop.
// Responses carrying native tool calls bypass the first two gates — empty
// text plus tool calls is a valid response shape.
func ValidateResponse(
	responseText string,
	personaID string,
	hasToolCalls bool,
	history []ConversationMessage,
	loopDetector *LoopDetector,
) ValidationResult {
	start := time.Now()
	result := ValidationResult{Passed: true}

	if !hasToolCalls {
		result.Garbage = IsGarbage(responseText)
		if result.Garbage.IsGarbage {
			result.Passed = false
			result.GateFailed = "garbage"
			result.TotalTimeMicroseconds = time.Since(start).Microseconds()
			return result
		}

		isLoop, dupes := loopDetector.CheckResponseLoop(personaID, responseText)
		result.IsResponseLoop = isLoop
		result.LoopDuplicateCount = dupes
		if isLoop {
			result.Passed = false
			result.GateFailed = "response_loop"
			result.TotalTimeMicroseconds = time.Since(start).Microseconds()
			return result
		}
	}

	if HasTruncatedToolCall(responseText) {
		result.Passed = false
		result.GateFailed = "truncated_tool_call"
		result.HasTruncatedToolCall = true
		result.TotalTimeMicroseconds = time.Since(start).Microseconds()
		return result
	}

	if len(history) > 0 {
		result.Semantic = CheckSemanticLoop(responseText, history, semanticLookback)
		if result.Semantic.ShouldBlock {
			result.Passed = false
			result.GateFailed = "semantic_loop"
		}
	}

	result.TotalTimeMicroseconds = time.Since(start).Microseconds()
	return result
}
