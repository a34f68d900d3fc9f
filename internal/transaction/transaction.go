// Package transaction tracks the state of CMP transactions between the
// downstream request and its final confirmation.
package transaction

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
)

// Status is the processing state of a transaction.
type Status int

const (
	// PendingUpstream: the request is being exchanged with upstream.
	PendingUpstream Status = iota
	// DelayedAwaitingPoll: upstream gave no synchronous answer; the end
	// entity polls until GotResponseAtUpstream delivers one.
	DelayedAwaitingPoll
	// UpstreamWaiting: upstream itself answered "waiting"; polls are
	// forwarded to it.
	UpstreamWaiting
	// Resuming: a response from GotResponseAtUpstream is being checked;
	// polls are answered with pollRep and further deliveries refused.
	Resuming
	// Completed: a ready response awaits delivery to a poll.
	Completed
	// AwaitingConfirm: certificates were delivered, certConf is expected.
	AwaitingConfirm
	// Failed: the transaction ended with an error that is still to be
	// delivered.
	Failed
)

func (s Status) String() string {
	switch s {
	case PendingUpstream:
		return "pending-upstream"
	case DelayedAwaitingPoll:
		return "delayed-awaiting-poll"
	case UpstreamWaiting:
		return "upstream-waiting"
	case Resuming:
		return "resuming"
	case Completed:
		return "completed"
	case AwaitingConfirm:
		return "awaiting-confirm"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Fingerprints is a set of certificate fingerprints.
type Fingerprints map[[32]byte]struct{}

// Contains reports whether the certificate was recorded.
func (f Fingerprints) Contains(der []byte) bool {
	_, ok := f[cmp.CertFingerprint(der)]
	return ok
}

// Add records certificates.
func (f Fingerprints) Add(certs ...[]byte) {
	for _, c := range certs {
		f[cmp.CertFingerprint(c)] = struct{}{}
	}
}

func (f Fingerprints) clone() Fingerprints {
	out := make(Fingerprints, len(f))
	for k := range f {
		out[k] = struct{}{}
	}
	return out
}

// Transaction is the state kept for one transaction ID.
type Transaction struct {
	ID      []byte
	Profile string
	// Body is the body type of the request that opened the transaction.
	Body    cmp.BodyType
	Request *cmp.Message
	// Forwarded is the request as sent upstream.
	Forwarded *cmp.Message

	// Policies are captured when the transaction starts.
	Downstream *config.MessagePolicy
	Upstream   *config.MessagePolicy

	Status  Status
	Created time.Time
	Updated time.Time

	// DownstreamNonce is the senderNonce of the last downstream message;
	// responses carry it as recipNonce.
	DownstreamNonce []byte
	// UpstreamNonce is the senderNonce of the last message sent upstream.
	UpstreamNonce []byte

	// Response is the ready response for Completed and Failed.
	Response *cmp.Message

	SentDownstream Fingerprints
	SentUpstream   Fingerprints

	// ResponseNonce is the senderNonce of the last response sent
	// downstream; the next downstream message must echo it.
	ResponseNonce []byte

	// Requester is the certificate that protected the request.
	Requester *x509.Certificate
	// CKGKey is the key generated centrally for the requester.
	CKGKey *pkicrypto.KeyPair

	ImplicitConfirm bool

	// Wrapper is the ID of the nested message that carried the request
	// upstream, if any.
	Wrapper []byte
}

// Key returns the map key of a transaction ID.
func Key(id []byte) string {
	return hex.EncodeToString(id)
}

func (tx *Transaction) clone() Transaction {
	out := *tx
	out.SentDownstream = tx.SentDownstream.clone()
	out.SentUpstream = tx.SentUpstream.clone()
	return out
}
