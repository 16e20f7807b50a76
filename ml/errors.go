package ml

import (
	"errors"
	"fmt"
)

// Field-level validation reasons.
const (
	ReasonMissing      = "missing"
	ReasonTypeMismatch = "type_mismatch"
)

// ErrModelNotLoaded is wrapped by ModelLoadError when Predict runs before a successful Load.
var ErrModelNotLoaded = errors.New("model not loaded")

// DataError reports a malformed training dataset.
type DataError struct {
	Column string
	Row    int // 1-based data row, 0 when the problem is not row specific
	Reason string
}

func (e *DataError) Error() string {
	switch {
	case e.Column != "" && e.Row > 0:
		return fmt.Sprintf("data error: column %q row %d: %s", e.Column, e.Row, e.Reason)
	case e.Column != "":
		return fmt.Sprintf("data error: column %q: %s", e.Column, e.Reason)
	default:
		return "data error: " + e.Reason
	}
}

// IOError reports a filesystem failure reading the dataset or writing the artifact.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ModelLoadError reports a missing, corrupt or not yet loaded artifact.
type ModelLoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ModelLoadError) Error() string {
	msg := "model load error"
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// ValidationError names the inbound feature that is absent or not numeric.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == ReasonMissing {
		return fmt.Sprintf("validation error: field %q is required", e.Field)
	}
	return fmt.Sprintf("validation error: field %q is not a valid float", e.Field)
}

// Missing reports whether the field was absent rather than malformed.
func (e *ValidationError) Missing() bool { return e.Reason == ReasonMissing }
