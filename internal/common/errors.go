package common

import "errors"

// Errors shared by the numeric packages. Callers match them with errors.Is.
var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrNotFitted     = errors.New("model is not fitted")
	ErrDiverged      = errors.New("training diverged")
	ErrEmptyInput    = errors.New("empty input")
)
