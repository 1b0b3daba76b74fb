package domain

import (
	"errors"
	"fmt"
)

// Request errors are surfaced synchronously and never create a job.
var (
	ErrUnauthenticated   = errors.New("authentication required")
	ErrForbidden         = errors.New("caller lacks the required capability")
	ErrFileTooLarge      = errors.New("file size exceeds the upload limit")
	ErrMalformedUpload   = errors.New("malformed upload")
	ErrEmptyUpload       = errors.New("file contains no data rows")
	ErrValidationTimeout = errors.New("validation timed out")
)

// ErrJobNotFound is returned when the ledger has no job with the requested id.
var ErrJobNotFound = errors.New("upload job not found")

// RequestError carries one of the request sentinels plus caller facing detail.
type RequestError struct {
	Kind   error
	Detail string
}

// NewRequestError wraps kind with a formatted detail message.
func NewRequestError(kind error, format string, args ...any) *RequestError {
	return &RequestError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *RequestError) Unwrap() error { return e.Kind }

// ValidationError is a row level schema, range or date failure.
type ValidationError struct {
	RowNumber int
	Reason    string
	Data      map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("Row %d: %s", e.RowNumber, e.Reason)
}

// ResolutionMiss reports a row whose identifier has no matching agent.
type ResolutionMiss struct {
	RowNumber  int
	Identifier string
}

func (e *ResolutionMiss) Error() string {
	return fmt.Sprintf("Row %d: no agent found with voice name %q", e.RowNumber, e.Identifier)
}

// FatalDecodeError marks a file that can never be processed. Jobs failing with
// it are not retried.
type FatalDecodeError struct {
	Err error
}

func (e *FatalDecodeError) Error() string { return "decode upload: " + e.Err.Error() }

func (e *FatalDecodeError) Unwrap() error { return e.Err }

// NewFatalDecodeError wraps err unless it already is fatal.
func NewFatalDecodeError(err error) error {
	if err == nil || IsFatal(err) {
		return err
	}
	return &FatalDecodeError{Err: err}
}

// TransientInfraError wraps blob store, queue or database unavailability. The
// job attempt fails and the queue redelivers the message.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransientInfraError) Unwrap() error { return e.Err }

// Transient wraps err as an infrastructure failure of op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientInfraError{Op: op, Err: err}
}

// IsFatal reports whether err is a non-retryable decode failure.
func IsFatal(err error) bool {
	var fatal *FatalDecodeError
	return errors.As(err, &fatal)
}
