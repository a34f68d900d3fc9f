package cmp

import "errors"

// ErrMalformed indicates that a PKIMessage or one of its parts could not
// be decoded. Use errors.Is() to check for it through the error chain.
var ErrMalformed = errors.New("malformed PKIMessage")
