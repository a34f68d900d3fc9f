package ra

import (
	"errors"
	"fmt"

	"github.com/remiblancher/cmp-ra/internal/nested"
	"github.com/remiblancher/cmp-ra/internal/transaction"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// ProcessingError is a failure to process a CMP message. Kind is one of the
// sentinels below; it decides the failInfo of the error response.
// It supports errors.Is() and errors.As() on both Kind and Err.
type ProcessingError struct {
	Op   string // "decode", "downstream", "hooks", "ckg", "upstream", "poll", "confirm", "nested"
	Kind error
	// FailInfo overrides the failInfo derived from Kind when non-zero.
	FailInfo cmp.FailureInfo
	Err      error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ra %s: %v", e.Op, e.Kind)
	}
	if errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("ra %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ra %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *ProcessingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Sentinel errors.
// Use errors.Is() to check for these errors through the error chain.
var (
	// ErrBadProtection indicates missing, unsupported or wrong protection
	// of a downstream message, including untrusted signers.
	ErrBadProtection = protection.ErrBadProtection

	// ErrBadTime indicates a messageTime outside the allowed deviation.
	ErrBadTime = protection.ErrBadTime

	// ErrBadPOP indicates a proof of possession that cannot be accepted.
	ErrBadPOP = protection.ErrBadPOP

	// ErrBadNesting indicates a nested message that cannot be accepted.
	ErrBadNesting = nested.ErrBadNesting

	// ErrUnknownTransaction indicates a message for a transaction the RA
	// does not know, or no longer knows.
	ErrUnknownTransaction = transaction.ErrNotFound

	// ErrTransactionInUse indicates a new request reusing the ID of an
	// active transaction.
	ErrTransactionInUse = transaction.ErrInUse

	// ErrPolicyDenied indicates a refusal by a policy hook.
	ErrPolicyDenied = errors.New("request denied by policy")

	// ErrUpstream indicates a failed upstream exchange.
	ErrUpstream = errors.New("upstream exchange failed")

	// ErrBadUpstreamProtection indicates an upstream response that failed
	// verification or correlation. It is never forwarded downstream.
	ErrBadUpstreamProtection = errors.New("bad upstream response")

	// ErrUnsupportedOperation indicates a message type or feature the RA
	// does not handle in its current configuration.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrBadRequest indicates a malformed or inconsistent message.
	ErrBadRequest = errors.New("bad request")
)

// UpstreamApplicationError is returned by exchange functions to reject a
// request with a text that is relayed to the requester.
type UpstreamApplicationError struct {
	Text string
}

func (e *UpstreamApplicationError) Error() string {
	return e.Text
}

func newError(op string, kind error, format string, args ...any) *ProcessingError {
	return &ProcessingError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// classify turns any error into a ProcessingError, choosing the kind from
// the wrapped sentinels.
func classify(op string, err error) *ProcessingError {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	kind := ErrBadRequest
	switch {
	case errors.Is(err, ErrBadTime):
		kind = ErrBadTime
	case errors.Is(err, ErrBadPOP):
		kind = ErrBadPOP
	case errors.Is(err, ErrBadProtection):
		kind = ErrBadProtection
	case errors.Is(err, ErrBadNesting):
		kind = ErrBadNesting
	case errors.Is(err, ErrTransactionInUse):
		kind = ErrTransactionInUse
	case errors.Is(err, ErrUnknownTransaction):
		kind = ErrUnknownTransaction
	case errors.Is(err, cmp.ErrMalformed):
		kind = ErrBadRequest
	}
	return &ProcessingError{Op: op, Kind: kind, Err: err}
}

// failInfo returns the PKIFailureInfo reported for err.
func failInfo(err error) cmp.FailureInfo {
	var pe *ProcessingError
	if errors.As(err, &pe) && pe.FailInfo != 0 {
		return pe.FailInfo
	}
	switch {
	case errors.Is(err, ErrBadUpstreamProtection), errors.Is(err, ErrUpstream):
		return cmp.Failure(cmp.FailSystemFailure)
	case errors.Is(err, ErrTransactionInUse):
		return cmp.Failure(cmp.FailTransactionIDInUse)
	case errors.Is(err, ErrBadPOP):
		return cmp.Failure(cmp.FailBadPOP)
	case errors.Is(err, ErrPolicyDenied):
		return cmp.Failure(cmp.FailNotAuthorized)
	case errors.Is(err, ErrBadTime):
		return cmp.Failure(cmp.FailBadTime)
	case errors.Is(err, protection.ErrBadChain):
		return cmp.Failure(cmp.FailSignerNotTrusted)
	case errors.Is(err, ErrBadProtection):
		return cmp.Failure(cmp.FailBadMessageCheck)
	case errors.Is(err, ErrBadNesting),
		errors.Is(err, ErrUnknownTransaction),
		errors.Is(err, ErrUnsupportedOperation):
		return cmp.Failure(cmp.FailBadRequest)
	case errors.Is(err, cmp.ErrMalformed):
		return cmp.Failure(cmp.FailBadDataFormat)
	case errors.Is(err, ErrBadRequest):
		return cmp.Failure(cmp.FailBadRequest)
	}
	return cmp.Failure(cmp.FailSystemFailure)
}

// statusText returns the statusString of the error response for err.
// Redacted texts hide everything but texts chosen by the CA.
func statusText(err error, redact bool) string {
	var ae *UpstreamApplicationError
	if errors.As(err, &ae) {
		return ae.Text
	}
	if redact {
		return "request could not be processed"
	}
	return err.Error()
}
