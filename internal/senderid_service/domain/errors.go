package domain

import "errors"

var (
	// ErrNotFound indicates that a sender identity does not exist.
	ErrNotFound = errors.New("sender identity not found")
	// ErrNotPrivileged is returned when a non-reviewer tries to decide a request.
	ErrNotPrivileged = errors.New("reviewer is not privileged")
	// ErrAlreadyDecided is returned when a request is no longer pending.
	ErrAlreadyDecided = errors.New("sender identity request already decided")
)
