// Package domain contains the pipeline's core entities and state transitions.
package domain

import "errors"

// ErrInvalidInput indicates an event that fails validation before dispatch.
// Callers drop or reject such events; they are never retried.
var ErrInvalidInput = errors.New("invalid input")
