package sentinel

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches {{input.key}} and {{steps.N.field}} placeholders.
var placeholderRe = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Interpolate resolves {{input.KEY}} and {{steps.N.FIELD}} placeholders
// from the execution context. A placeholder with an unknown root, a missing
// input key, or an out-of-range step index is left verbatim so the failure
// is visible downstream. A step field that is neither a fixed field nor
// present in the step's data document renders as the empty string.
func Interpolate(s string, ctx *ExecutionContext) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		parts := strings.SplitN(path, ".", 3)

		switch parts[0] {
		case "input":
			if len(parts) < 2 {
				return match
			}
			raw, ok := ctx.Inputs[strings.Join(parts[1:], ".")]
			if !ok {
				return match
			}
			return rawToString(raw)

		case "steps":
			if len(parts) < 3 {
				return match
			}
			idx, err := strconv.Atoi(parts[1])
			if err != nil || idx < 0 || idx >= len(ctx.StepResults) {
				return match
			}
			return stepField(&ctx.StepResults[idx], parts[2])

		default:
			return match
		}
	})
}

// stepField resolves a field of a step result: the fixed fields by name,
// anything else as a path into the step's data document.
func stepField(r *StepResult, field string) string {
	switch field {
	case "output":
		return r.Output
	case "error":
		return r.Error
	case "success":
		return strconv.FormatBool(r.Success)
	case "exit_code":
		if r.ExitCode == nil {
			return ""
		}
		return strconv.Itoa(*r.ExitCode)
	}

	// Walk into the data document.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(r.Data, &doc); err != nil {
		return ""
	}
	cur := doc
	segments := strings.Split(field, ".")
	for i, seg := range segments {
		raw, ok := cur[seg]
		if !ok {
			return ""
		}
		if i == len(segments)-1 {
			return rawToString(raw)
		}
		if err := json.Unmarshal(raw, &cur); err != nil {
			return ""
		}
	}
	return ""
}

// rawToString renders a JSON value for interpolation: strings unquoted,
// everything else as its JSON text.
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// EvaluateCondition applies the truthy-string rules to an interpolated
// expression: non-empty, not "false", not "0".
func EvaluateCondition(expr string) bool {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	return lower != "false" && lower != "0"
}
