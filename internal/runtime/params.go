package runtime

import (
	"encoding/json"
	"fmt"
)

// Params wraps a command payload for typed field extraction. Missing
// required fields yield errors wrapping [ErrMissingParam] so the IPC layer
// reports them as input errors rather than failures.
type Params struct {
	fields map[string]json.RawMessage
}

// NewParams parses a raw payload into a Params. A nil or empty payload is
// valid and behaves as an empty object.
func NewParams(raw json.RawMessage) (Params, error) {
	p := Params{fields: map[string]json.RawMessage{}}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p.fields); err != nil {
		return Params{}, fmt.Errorf("parse params: %w", err)
	}
	return p, nil
}

// Str returns a required string field.
func (p Params) Str(key string) (string, error) {
	raw, ok := p.fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("parameter %s: %w", key, err)
	}
	return s, nil
}

// StrOr returns an optional string field with a default.
func (p Params) StrOr(key, def string) string {
	s, err := p.Str(key)
	if err != nil {
		return def
	}
	return s
}

// Int returns a required integer field.
func (p Params) Int(key string) (int, error) {
	raw, ok := p.fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("parameter %s: %w", key, err)
	}
	return n, nil
}

// IntOr returns an optional integer field with a default.
func (p Params) IntOr(key string, def int) int {
	n, err := p.Int(key)
	if err != nil {
		return def
	}
	return n
}

// FloatOr returns an optional float field with a default.
func (p Params) FloatOr(key string, def float64) float64 {
	raw, ok := p.fields[key]
	if !ok {
		return def
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return def
	}
	return f
}

// BoolOr returns an optional boolean field with a default.
func (p Params) BoolOr(key string, def bool) bool {
	raw, ok := p.fields[key]
	if !ok {
		return def
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return def
	}
	return b
}

// Decode unmarshals a required field into out.
func (p Params) Decode(key string, out any) error {
	raw, ok := p.fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parameter %s: %w", key, err)
	}
	return nil
}

// DecodeOr unmarshals an optional field into out, leaving out untouched
// when the field is absent.
func (p Params) DecodeOr(key string, out any) error {
	raw, ok := p.fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parameter %s: %w", key, err)
	}
	return nil
}

// Has reports whether the field is present.
func (p Params) Has(key string) bool {
	_, ok := p.fields[key]
	return ok
}

// Raw returns the raw JSON of a field, or nil when absent.
func (p Params) Raw(key string) json.RawMessage {
	return p.fields[key]
}
