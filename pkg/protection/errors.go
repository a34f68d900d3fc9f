package protection

import (
	"errors"
	"fmt"
)

// Error is a protection operation error with structured context.
// It supports errors.Is() and errors.As().
type Error struct {
	Op  string // "protect", "verify", "pop"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("protection %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors.
// Use errors.Is() to check for these errors through the error chain.
var (
	// ErrBadProtection indicates a missing, unsupported or wrong signature
	// or MAC.
	ErrBadProtection = errors.New("bad message protection")

	// ErrBadChain indicates that the protecting certificate does not chain
	// to a trust anchor. It wraps ErrBadProtection.
	ErrBadChain = fmt.Errorf("%w: protecting certificate not trusted", ErrBadProtection)

	// ErrBadTime indicates a messageTime outside the allowed deviation.
	ErrBadTime = errors.New("message time outside tolerance")

	// ErrBadPOP indicates a missing or invalid proof of possession.
	ErrBadPOP = errors.New("bad proof of possession")
)

func verifyErr(sentinel error, format string, args ...any) error {
	return &Error{Op: "verify", Err: fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)}
}
