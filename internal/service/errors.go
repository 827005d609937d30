package service

import "errors"

var (
	// ErrInvalidInput means the caller's request failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound means no tier holds the requested memory.
	ErrNotFound = errors.New("memory not found")
	// ErrInvalidTransition means the target tier's policy rejects the memory.
	ErrInvalidTransition = errors.New("invalid tier transition")
	// ErrTransient marks failures worth retrying.
	ErrTransient = errors.New("transient failure")
	// ErrStorageFailed marks hard storage failures.
	ErrStorageFailed = errors.New("storage failed")
)
