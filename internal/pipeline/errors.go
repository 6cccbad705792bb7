package pipeline

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks request-validation failures. Everything else a stage
// returns is a server-side fault.
var ErrInvalidInput = errors.New("invalid input")

// Precondition reasons. Callers branch on these instead of matching error
// strings: a missing folder maps to not-found while a missing or unreadable
// sparse-latent bundle maps to a bad request.
const (
	ReasonFolderMissing = "generation_folder_missing"
	ReasonSlatMissing   = "slat_missing"
	ReasonSlatInvalid   = "slat_invalid"
)

// PreconditionError reports that a stage could not start because a required
// input was absent or unusable. No accelerator work has happened when one of
// these is returned.
type PreconditionError struct {
	Reason       string
	GenerationID string
	Detail       string
}

func (e *PreconditionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s", e.Reason, e.GenerationID, e.Detail)
	}
	return fmt.Sprintf("%s (%s)", e.Reason, e.GenerationID)
}

// StageError reports that a stage started and failed. The underlying cause
// is preserved for the HTTP layer to surface verbatim.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
