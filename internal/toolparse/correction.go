package toolparse

import (
	"fmt"
	"html"
	"strings"
)

// CorrectedCall is the outcome of correcting one tool call.
type CorrectedCall struct {
	ToolName         string            `json:"tool_name"`
	NameChanged      bool              `json:"name_changed"`
	Parameters       map[string]string `json:"parameters"`
	ParamCorrections []string          `json:"param_corrections,omitempty"`
}

// nameAliases maps tool-name variants models invent to the canonical name.
// This is data, not design: extend as new models invent new spellings.
var nameAliases = map[string]string{
	"workspace/tree":   "code/tree",
	"workspace/read":   "code/read",
	"workspace/write":  "code/write",
	"file/read":        "code/read",
	"file/write":       "code/write",
	"files/search":     "code/search",
	"search/code":      "code/search",
	"shell/run":        "code/shell-exec",
	"memory/search":    "memory/multi-layer-recall",
	"generate":         "ai/generate",
	"llm/generate":     "ai/generate",
	"chat/send":        "collaboration/chat/send",
}

// paramAliases maps, per canonical tool, parameter-key variants to the
// canonical key.
var paramAliases = map[string]map[string]string{
	"code/search": {
		"query":  "pattern",
		"search": "pattern",
		"q":      "pattern",
	},
	"code/tree": {
		"directory": "path",
		"dir":       "path",
		"folder":    "path",
	},
	"code/read": {
		"file":     "filePath",
		"path":     "filePath",
		"filename": "filePath",
	},
	"code/write": {
		"file":     "filePath",
		"path":     "filePath",
		"text":     "content",
		"contents": "content",
	},
	"ai/generate": {
		"text":  "prompt",
		"input": "prompt",
	},
}

// contentFields name parameters that carry literal content and therefore
// get CDATA stripping and HTML-entity decoding.
var contentFields = map[string]bool{
	"content": true,
	"prompt":  true,
	"message": true,
	"text":    true,
}

// CorrectToolCall applies name aliases, per-tool parameter aliases, and
// content-field cleanup to one extracted call.
func CorrectToolCall(toolName string, parameters map[string]string) CorrectedCall {
	canonical := toolName
	if alias, ok := nameAliases[toolName]; ok {
		canonical = alias
	}

	aliases := paramAliases[canonical]
	corrected := make(map[string]string, len(parameters))
	var corrections []string

	for key, value := range parameters {
		finalKey := key
		if alias, ok := aliases[key]; ok && alias != key {
			// Never clobber an explicitly provided canonical key.
			if _, exists := parameters[alias]; !exists {
				finalKey = alias
				corrections = append(corrections, fmt.Sprintf("%s→%s", key, alias))
			}
		}
		if contentFields[finalKey] {
			value = cleanContentValue(value)
		}
		corrected[finalKey] = value
	}

	return CorrectedCall{
		ToolName:         canonical,
		NameChanged:      canonical != toolName,
		Parameters:       corrected,
		ParamCorrections: corrections,
	}
}

// cleanContentValue strips a CDATA wrapper and decodes HTML entities.
func cleanContentValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "<![CDATA[") && strings.HasSuffix(trimmed, "]]>") {
		trimmed = trimmed[len("<![CDATA[") : len(trimmed)-len("]]>")]
	}
	return html.UnescapeString(trimmed)
}
