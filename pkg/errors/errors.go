// Package errors provides shared sentinel errors used throughout cascade.
package errors

import stderrors "errors"

var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = stderrors.New("closed")

	// ErrInvalidInput indicates the input is invalid.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = stderrors.New("already exists")

	// ErrCancelled indicates the operation was cancelled before completion.
	ErrCancelled = stderrors.New("cancelled")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = stderrors.New("timeout")

	// ErrRetryExhausted indicates a retryable operation ran out of attempts.
	ErrRetryExhausted = stderrors.New("retry budget exhausted")
)
