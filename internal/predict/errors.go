package predict

import (
	"fmt"
	"strings"
)

// ModelNotFoundError means no checkpoint exists yet. Train first.
type ModelNotFoundError struct {
	Path string
	Err  error
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("predict: model not found at %s (run neuroscan train first)", e.Path)
}

func (e *ModelNotFoundError) Unwrap() error { return e.Err }

// LabelMismatchError means the checkpoint was trained with a label
// ordering different from the one inference expects.
type LabelMismatchError struct {
	Path     string
	Expected []string
	Got      []string
}

func (e *LabelMismatchError) Error() string {
	return fmt.Sprintf("predict: %s: label order [%s] does not match expected [%s]",
		e.Path, strings.Join(e.Got, ", "), strings.Join(e.Expected, ", "))
}
