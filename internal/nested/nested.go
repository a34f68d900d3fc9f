// Package nested wraps PKIMessages into nested bodies and unwraps them,
// for RA to RA batching (RFC 4210 Section 5.1.3.4).
package nested

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// ErrBadNesting indicates a nested message that cannot be accepted.
var ErrBadNesting = errors.New("bad nested message")

// WrapHeader sets header fields of the outer message.
type WrapHeader struct {
	PVNO      int
	Sender    cmp.GeneralName
	Recipient cmp.GeneralName
	// TransactionID defaults to a fresh random UUID.
	TransactionID []byte
	RecipNonce    []byte
}

// NewTransactionID returns a random 16-byte transaction ID.
func NewTransactionID() []byte {
	id := uuid.New()
	return id[:]
}

// NewNonce returns a random 16-byte nonce.
func NewNonce() ([]byte, error) {
	n := make([]byte, 16)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n, nil
}

// Wrap builds a nested message carrying the inner messages verbatim,
// protected with the endpoint's output credentials.
func Wrap(inner []*cmp.Message, ep *config.NestedEndpoint, hdr WrapHeader) (*cmp.Message, error) {
	if ep == nil {
		return nil, fmt.Errorf("%w: no nested endpoint configured", ErrBadNesting)
	}
	if len(inner) == 0 {
		return nil, fmt.Errorf("%w: nothing to wrap", ErrBadNesting)
	}
	encoded := make([][]byte, 0, len(inner))
	for i, m := range inner {
		der, err := m.Encode()
		if err != nil {
			return nil, fmt.Errorf("inner message %d: %w", i, err)
		}
		encoded = append(encoded, der)
	}
	body, err := cmp.NewNestedBody(encoded...)
	if err != nil {
		return nil, err
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	h := cmp.Header{
		PVNO:          hdr.PVNO,
		Sender:        hdr.Sender,
		Recipient:     hdr.Recipient,
		MessageTime:   time.Now().UTC().Truncate(time.Second),
		TransactionID: hdr.TransactionID,
		SenderNonce:   nonce,
		RecipNonce:    hdr.RecipNonce,
	}
	if h.PVNO == 0 {
		h.PVNO = cmp.PVNO2000
	}
	if h.TransactionID == nil {
		h.TransactionID = NewTransactionID()
	}
	if !ep.Recipient.IsZero() {
		h.Recipient = ep.Recipient
	}
	if h.Sender.IsZero() {
		h.Sender = cmp.NullDN()
	}
	if h.Recipient.IsZero() {
		h.Recipient = cmp.NullDN()
	}

	msg := &cmp.Message{Header: h, Body: body}
	if ep.OutputCredentials == nil {
		return msg, nil
	}
	return protection.Protect(msg, ep.OutputCredentials)
}

// Unwrap verifies the outer protection and recipient of a nested message
// and returns the decoded inner messages. Protection failures are returned
// as protection errors; everything else wraps ErrBadNesting.
func Unwrap(outer *cmp.Message, ep *config.NestedEndpoint, opts protection.VerifyOptions) ([]*cmp.Message, *protection.Result, error) {
	if outer.Body.Type != cmp.BodyNested {
		return nil, nil, fmt.Errorf("%w: body is %s", ErrBadNesting, outer.Body.Type)
	}
	if ep == nil {
		return nil, nil, fmt.Errorf("%w: no nested endpoint configured", ErrBadNesting)
	}
	res, err := protection.Verify(outer, ep.InputVerification, opts)
	if err != nil {
		return nil, nil, err
	}
	if !ep.RecipientValid(outer.Header.Recipient) {
		return nil, nil, fmt.Errorf("%w: recipient %s not accepted", ErrBadNesting, outer.Header.Recipient)
	}

	encoded, err := outer.Body.NestedMessages()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadNesting, err)
	}
	if len(encoded) == 0 {
		return nil, nil, fmt.Errorf("%w: empty nested message", ErrBadNesting)
	}
	inner := make([]*cmp.Message, 0, len(encoded))
	for i, der := range encoded {
		m, err := cmp.Decode(der)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: inner message %d: %v", ErrBadNesting, i, err)
		}
		if m.Body.Type == cmp.BodyNested {
			return nil, nil, fmt.Errorf("%w: inner message %d is nested", ErrBadNesting, i)
		}
		inner = append(inner, m)
	}
	return inner, res, nil
}
