package pipeline

import (
	"errors"
	"fmt"
)

// ErrSuperseded reports that a conditional write lost: another job
// claimed the document, or its version moved on while this run was in
// flight. The losing delivery should be acknowledged and dropped.
var ErrSuperseded = errors.New("document superseded by a newer run")

// StageError wraps a stage failure with enough shape for the worker to
// route it: transient errors go back on the wire, the rest fail the
// document.
type StageError struct {
	Stage     Status
	Err       error
	Transient bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
