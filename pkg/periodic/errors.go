package periodic

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by New when schedule parameters are out of range.
	ErrInvalidConfig = errors.New("invalid scheduler configuration")

	// ErrIllegalState is the family of lifecycle violations; match with errors.Is.
	ErrIllegalState = errors.New("illegal scheduler state")

	ErrAlreadyStarted = fmt.Errorf("%w: already started", ErrIllegalState)
	ErrStopped        = fmt.Errorf("%w: scheduler stopped", ErrIllegalState)

	// ErrShutdownInterrupted is returned by Stop when the caller's context is
	// cancelled while waiting for an in-flight run. The forced-stop sequence
	// still completes before this surfaces.
	ErrShutdownInterrupted = errors.New("shutdown wait interrupted")
)
