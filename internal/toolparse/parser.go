// Package toolparse extracts tool calls from model output, corrects the
// common ways models mangle tool names and parameter keys, and provides the
// bidirectional name codec for APIs that reject '/' in tool names.
//
// Five formats are recognised, tried in order:
//
//  1. XML with named tags: <tool_use><tool_name>X</tool_name><parameters>…
//  2. Function style: <function=NAME>{JSON}</function>
//  3. Bare call: `tool/name {JSON}` on a line by itself
//  4. Markdown backticks: `tool: name` followed by `key=value` pairs
//  5. Old-style XML: <tool name="X"><param>value</param></tool>
package toolparse

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// RawMatch is one extracted tool call before correction, with the byte
// range it occupied in the source text.
type RawMatch struct {
	ToolName   string
	Parameters map[string]string
	Format     string
	Start      int
	End        int
}

// ParsedToolCall is one corrected tool call.
type ParsedToolCall struct {
	ToolName string `json:"tool_name"`
	// OriginalName is set when correction changed the name.
	OriginalName     string            `json:"original_name,omitempty"`
	Parameters       map[string]string `json:"parameters"`
	Format           string            `json:"format"`
	ParamCorrections []string          `json:"param_corrections,omitempty"`
}

// ParseResult is the outcome of Parse: the corrected calls plus the source
// text with all tool blocks excised.
type ParseResult struct {
	ToolCalls   []ParsedToolCall `json:"tool_calls"`
	CleanedText string           `json:"cleaned_text"`
	ParseTimeUS int64            `json:"parse_time_us"`
}

var (
	anthropicRe = regexp.MustCompile(`(?s)<tool_use>\s*<tool_name>([^<]+)</tool_name>\s*<parameters>(.*?)</parameters>\s*</tool_use>`)
	paramTagRe  = regexp.MustCompile(`(?s)<([A-Za-z_][\w-]*)>(.*?)</([A-Za-z_][\w-]*)>`)
	functionRe  = regexp.MustCompile(`(?s)<function=([^>]+)>(.*?)</function>`)
	bareJSONRe  = regexp.MustCompile(`(?m)^([\w-]+(?:/[\w-]+)+)\s+(\{.*\})\s*$`)
	markdownRe  = regexp.MustCompile("`tool:\\s*([\\w/.-]+)`((?:\\s*`[\\w-]+=[^`]*`)*)")
	mdParamRe   = regexp.MustCompile("`([\\w-]+)=([^`]*)`")
	oldStyleRe  = regexp.MustCompile(`(?s)<tool\s+name="([^"]+)"\s*>(.*?)</tool>`)
)

// Parse extracts every tool call in responseText, applies correction, and
// strips the tool blocks from the returned text.
func Parse(responseText string) ParseResult {
	start := time.Now()

	matches := parseAllFormats(responseText)

	calls := make([]ParsedToolCall, 0, len(matches))
	for _, m := range matches {
		corrected := CorrectToolCall(m.ToolName, m.Parameters)
		call := ParsedToolCall{
			ToolName:         corrected.ToolName,
			Parameters:       corrected.Parameters,
			Format:           m.Format,
			ParamCorrections: corrected.ParamCorrections,
		}
		if corrected.NameChanged {
			call.OriginalName = m.ToolName
		}
		calls = append(calls, call)
	}

	return ParseResult{
		ToolCalls:   calls,
		CleanedText: stripToolBlocks(responseText, matches),
		ParseTimeUS: time.Since(start).Microseconds(),
	}
}

// parseAllFormats runs every format matcher and returns matches ordered by
// position. Overlapping matches keep the earlier format's claim.
func parseAllFormats(text string) []RawMatch {
	var all []RawMatch

	claim := func(m RawMatch) {
		for _, prev := range all {
			if m.Start < prev.End && prev.Start < m.End {
				return
			}
		}
		all = append(all, m)
	}

	for _, idx := range anthropicRe.FindAllStringSubmatchIndex(text, -1) {
		name := strings.TrimSpace(text[idx[2]:idx[3]])
		params := parseParamTags(text[idx[4]:idx[5]])
		claim(RawMatch{ToolName: name, Parameters: params, Format: "anthropic-style", Start: idx[0], End: idx[1]})
	}
	for _, idx := range functionRe.FindAllStringSubmatchIndex(text, -1) {
		name := strings.TrimSpace(text[idx[2]:idx[3]])
		params := parseJSONParams(text[idx[4]:idx[5]])
		claim(RawMatch{ToolName: name, Parameters: params, Format: "function-style", Start: idx[0], End: idx[1]})
	}
	for _, idx := range bareJSONRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[idx[2]:idx[3]]
		params := parseJSONParams(text[idx[4]:idx[5]])
		if params == nil {
			continue
		}
		claim(RawMatch{ToolName: name, Parameters: params, Format: "bare-json", Start: idx[0], End: idx[1]})
	}
	for _, idx := range markdownRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[idx[2]:idx[3]]
		params := map[string]string{}
		for _, pm := range mdParamRe.FindAllStringSubmatch(text[idx[4]:idx[5]], -1) {
			params[pm[1]] = pm[2]
		}
		claim(RawMatch{ToolName: name, Parameters: params, Format: "markdown", Start: idx[0], End: idx[1]})
	}
	for _, idx := range oldStyleRe.FindAllStringSubmatchIndex(text, -1) {
		name := strings.TrimSpace(text[idx[2]:idx[3]])
		params := parseParamTags(text[idx[4]:idx[5]])
		claim(RawMatch{ToolName: name, Parameters: params, Format: "old-style", Start: idx[0], End: idx[1]})
	}

	// Stable position order for downstream consumers.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Start < all[j-1].Start; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	return all
}

// parseParamTags parses <key>value</key> pairs. Mismatched open/close tags
// are skipped.
func parseParamTags(inner string) map[string]string {
	params := map[string]string{}
	for _, m := range paramTagRe.FindAllStringSubmatch(inner, -1) {
		if m[1] != m[3] {
			continue
		}
		params[m[1]] = strings.TrimSpace(m[2])
	}
	return params
}

// parseJSONParams flattens a JSON object's top-level fields to strings.
// Returns nil when the payload is not a JSON object.
func parseJSONParams(payload string) map[string]string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return nil
	}
	params := make(map[string]string, len(obj))
	for k, raw := range obj {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			params[k] = s
		} else {
			params[k] = string(raw)
		}
	}
	return params
}

// stripToolBlocks removes every matched byte range from the text, trimming
// the surrounding whitespace of the final result.
func stripToolBlocks(text string, matches []RawMatch) string {
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	pos := 0
	for _, m := range matches {
		if m.Start > pos {
			b.WriteString(text[pos:m.Start])
		}
		pos = m.End
	}
	if pos < len(text) {
		b.WriteString(text[pos:])
	}
	return strings.TrimSpace(b.String())
}
