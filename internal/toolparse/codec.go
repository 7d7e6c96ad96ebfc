package toolparse

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// maxFuzzyDistance bounds the Levenshtein distance for the fuzzy last
// resort of Decode.
const maxFuzzyDistance = 2

// NameCodec is the bidirectional encoding of slash-bearing tool names to
// API-safe identifiers. Hosts constrain tool names to [a-zA-Z0-9_-]; our
// tools use slashes (`code/write`). Encode is a simple substitution;
// Decode must survive whatever the model did to the encoded name —
// double underscores, hyphens, dots, case folding, and invented prefixes
// like `$FUNCTIONS.`.
//
// Safe for concurrent use.
type NameCodec struct {
	mu        sync.RWMutex
	originals map[string]struct{}
	reverse   map[string]string
}

// modelPrefixes are the wrappers models prepend to tool names.
var modelPrefixes = []string{
	"$FUNCTIONS.", "$functions.", "FUNCTIONS.", "functions.",
	"$tools.", "$TOOLS.", "tools.", "TOOLS.",
}

// NewNameCodec creates an empty codec.
func NewNameCodec() *NameCodec {
	return &NameCodec{
		originals: map[string]struct{}{},
		reverse:   map[string]string{},
	}
}

// Register adds a tool name and every plausible mangled variant to the
// reverse map.
func (c *NameCodec) Register(toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.originals[toolName] = struct{}{}
	c.reverse[toolName] = toolName
	c.reverse[strings.ReplaceAll(toolName, "/", "_")] = toolName
	c.reverse[strings.ReplaceAll(toolName, "/", "__")] = toolName
	c.reverse[strings.ReplaceAll(toolName, "/", "-")] = toolName
	c.reverse[strings.ReplaceAll(toolName, "/", ".")] = toolName
	c.reverse[strings.ToLower(strings.ReplaceAll(toolName, "/", "_"))] = toolName
}

// RegisterAll registers a batch of tool names.
func (c *NameCodec) RegisterAll(names []string) {
	for _, name := range names {
		c.Register(name)
	}
}

// Count returns the number of registered original names.
func (c *NameCodec) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.originals)
}

// Encode maps a tool name to its API-safe form: '/' becomes '_'.
func (c *NameCodec) Encode(toolName string) string {
	return strings.ReplaceAll(toolName, "/", "_")
}

// Decode resolves any model-produced variant back to the original name.
// Resolution order: exact → strip model prefix → normalize separators →
// reconstruct via double underscore → reconstruct via single underscore →
// fuzzy match against registered originals → best-effort reconstruction.
func (c *NameCodec) Decode(raw string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if orig, ok := c.reverse[raw]; ok {
		return orig
	}

	cleaned := stripModelPrefix(raw)
	if orig, ok := c.reverse[cleaned]; ok {
		return orig
	}

	normalized := strings.ToLower(strings.NewReplacer("-", "_", ".", "_").Replace(cleaned))
	if orig, ok := c.reverse[normalized]; ok {
		return orig
	}

	doubleSlashed := strings.ReplaceAll(cleaned, "__", "/")
	if _, ok := c.originals[doubleSlashed]; ok {
		return doubleSlashed
	}

	singleSlashed := strings.ReplaceAll(cleaned, "_", "/")
	if _, ok := c.originals[singleSlashed]; ok {
		return singleSlashed
	}

	// Fuzzy last resort: closest registered original within the bound.
	if best, ok := c.closestOriginal(singleSlashed); ok {
		return best
	}

	return doubleSlashed
}

// closestOriginal returns the registered original with the smallest
// Levenshtein distance to candidate, when within maxFuzzyDistance.
// Must be called with the read lock held.
func (c *NameCodec) closestOriginal(candidate string) (string, bool) {
	best := ""
	bestDist := maxFuzzyDistance + 1
	for orig := range c.originals {
		if d := matchr.Levenshtein(candidate, orig); d < bestDist {
			bestDist = d
			best = orig
		}
	}
	return best, best != ""
}

func stripModelPrefix(raw string) string {
	for _, prefix := range modelPrefixes {
		if rest, ok := strings.CutPrefix(raw, prefix); ok {
			return rest
		}
	}
	return raw
}
