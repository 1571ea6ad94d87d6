package internal

import (
	"errors"
	"fmt"
	"strings"
)

// errNotFound is returned whenever an entity, variant or job can't be found.
var errNotFound = errors.New("not found")

// errGenerationDisabled is returned when the feature flag gating generation
// is off and a lookup misses.
var errGenerationDisabled = errors.New("generation disabled")

// ErrSlugConflict indicates a unique-slug constraint violation. The job
// engine treats this as a recoverable race, not a failure: somebody else
// already created the row we wanted, so we re-read and use theirs.
var ErrSlugConflict = errors.New("slug already exists")

// ErrLockTimeout indicates a bounded-wait lock acquisition gave up. Callers
// must re-check their precondition before propagating it; the lock holder
// may have finished the work microseconds after the timeout fired.
var ErrLockTimeout = errors.New("lock wait timed out")

// Job error types surfaced to API consumers via the ledger.
const (
	ErrTypeNotFound   = "NOT_FOUND"
	ErrTypeAIAPI      = "AI_API_ERROR"
	ErrTypeValidation = "VALIDATION_ERROR"
	ErrTypeUnknown    = "UNKNOWN_ERROR"
)

// JobError is the structured failure payload recorded on a FAILED job.
type JobError struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	TechnicalMessage string `json:"technical_message"`
	UserMessage      string `json:"user_message"`
}

// classifyError builds a JobError from a terminal job failure. Detection is
// by substring so that wrapped provider and validator errors classify the
// same way regardless of how many layers wrapped them.
func classifyError(err error) *JobError {
	msg := err.Error()

	typ := ErrTypeUnknown
	user := "Something went wrong while generating content. Please try again later."
	switch {
	case strings.Contains(msg, "not found"):
		typ = ErrTypeNotFound
		user = "The requested content could not be found."
	case strings.Contains(msg, "AI API returned error"):
		typ = ErrTypeAIAPI
		user = "The content generator is temporarily unavailable. Please try again later."
	case strings.Contains(msg, "validation failed"):
		typ = ErrTypeValidation
		user = "The generated content did not pass validation."
	}

	return &JobError{
		Type:             typ,
		Message:          msg,
		TechnicalMessage: fmt.Sprintf("%+v", err),
		UserMessage:      user,
	}
}

// retryable reports whether a failed job is worth re-driving. Retrying a
// NOT_FOUND won't make a deleted row reappear.
func (e *JobError) retryable() bool {
	return e.Type != ErrTypeNotFound
}
