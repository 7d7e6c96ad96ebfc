// Package apperr holds sentinel errors shared across internal packages
// that would otherwise form import cycles.
package apperr

import "errors"

// ErrNotFound: a named adapter, persona, handle, pipeline, or module does not exist.
var ErrNotFound = errors.New("not found")
