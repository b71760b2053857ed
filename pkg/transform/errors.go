package transform

import "errors"

// Transformation error definitions
var (
	ErrInvalidSpec          = errors.New("invalid mapping spec")
	ErrTransformationFailed = errors.New("transformation failed")
	ErrInvalidOutput        = errors.New("invalid output data")
)
