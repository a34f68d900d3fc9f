// Package config resolves the per-profile, per-body-type policy the RA
// applies to each message, and defines the policy hooks (inventory,
// central key generation, support messages) it calls out to.
//
// The Configuration interface is consulted once per message and direction.
// Static is a YAML-backed implementation.
package config

import (
	"encoding/asn1"
	"fmt"
	"strings"
	"time"

	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// Configuration supplies the policy for a certificate profile and body
// type. Implementations must be safe for concurrent use. Every method may
// return the zero value, which the RA treats as the documented default.
type Configuration interface {
	// DownstreamPolicy applies to messages exchanged with end entities.
	DownstreamPolicy(profile string, body cmp.BodyType) *MessagePolicy
	// UpstreamPolicy applies to messages exchanged with the CA.
	UpstreamPolicy(profile string, body cmp.BodyType) *MessagePolicy
	// EnrollmentTrust validates certificates returned by the CA. nil skips
	// the check.
	EnrollmentTrust(profile string, body cmp.BodyType) *protection.VerificationContext
	// CKG enables central key generation. nil disables it.
	CKG(profile string, body cmp.BodyType) *CKGContext
	// RetryAfter is the checkAfter value, in seconds, of delayed delivery.
	RetryAfter(profile string, body cmp.BodyType) int
	// Inventory returns the inventory hook. nil grants everything.
	Inventory(profile string, body cmp.BodyType) Inventory
	// SupportMessageHandler returns the local handler for a genm info
	// type. nil forwards the genm to the CA.
	SupportMessageHandler(profile string, infoType asn1.ObjectIdentifier) SupportMessageHandler
	// ForceRAVerifyOnUpstream makes the RA verify the POP itself and send
	// raVerified upstream.
	ForceRAVerifyOnUpstream(profile string, body cmp.BodyType) bool
	// RAVerifiedAcceptable allows raVerified POPs from downstream, as sent
	// by a lower RA.
	RAVerifiedAcceptable(profile string, body cmp.BodyType) bool
}

// ReprotectMode selects what happens to the protection of a forwarded
// message.
type ReprotectMode int

const (
	// Keep forwards the message with its protection untouched. Messages
	// the RA had to modify are reprotected anyway.
	Keep ReprotectMode = iota
	// Reprotect replaces the protection with the RA's output credentials.
	Reprotect
	// Strip removes the protection.
	Strip
)

var reprotectModeNames = map[ReprotectMode]string{
	Keep:      "keep",
	Reprotect: "reprotect",
	Strip:     "strip",
}

func (m ReprotectMode) String() string {
	if n, ok := reprotectModeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("ReprotectMode(%d)", int(m))
}

// ParseReprotectMode parses "keep", "reprotect" or "strip".
func ParseReprotectMode(s string) (ReprotectMode, error) {
	for m, n := range reprotectModeNames {
		if strings.EqualFold(n, s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown reprotect mode: %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ReprotectMode) UnmarshalText(text []byte) error {
	v, err := ParseReprotectMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MessagePolicy is the policy for one direction of one message type.
type MessagePolicy struct {
	// InputVerification verifies incoming protection. nil accepts only
	// unprotected messages.
	InputVerification *protection.VerificationContext
	// OutputCredentials protect outgoing messages under Reprotect, and
	// messages the RA creates or modifies.
	OutputCredentials protection.Credentials
	// NestedEndpoint, if set, wraps outgoing messages in a nested body and
	// accepts nested incoming messages.
	NestedEndpoint *NestedEndpoint
	ReprotectMode  ReprotectMode
	// SuppressRedundantExtraCerts drops extraCerts already sent in this
	// direction of the transaction.
	SuppressRedundantExtraCerts bool
	// CacheExtraCerts remembers incoming extraCerts for verifying later
	// messages of the transaction that omit them.
	CacheExtraCerts bool
	// MaxTimeDeviation bounds the messageTime skew; <= 0 is unlimited.
	MaxTimeDeviation time.Duration
}

// DefaultMessagePolicy is used when a Configuration returns nil: keep
// protection, no credentials, no trust, unlimited time. Protected input
// fails verification under it.
func DefaultMessagePolicy() *MessagePolicy {
	return &MessagePolicy{ReprotectMode: Keep}
}

// OrDefault returns p, or DefaultMessagePolicy if p is nil.
func (p *MessagePolicy) OrDefault() *MessagePolicy {
	if p == nil {
		return DefaultMessagePolicy()
	}
	return p
}

// NestedEndpoint describes one side of a nested (batched) exchange.
type NestedEndpoint struct {
	InputVerification *protection.VerificationContext
	OutputCredentials protection.Credentials
	// IncomingRecipientValid accepts the recipient of an incoming nested
	// message. nil accepts any recipient.
	IncomingRecipientValid func(cmp.GeneralName) bool
	// Recipient is set on outgoing nested messages, when not zero.
	Recipient cmp.GeneralName
}

// RecipientValid applies IncomingRecipientValid.
func (ep *NestedEndpoint) RecipientValid(name cmp.GeneralName) bool {
	if ep.IncomingRecipientValid == nil {
		return true
	}
	return ep.IncomingRecipientValid(name)
}

// RecipientsByName returns an IncomingRecipientValid function accepting
// directory names whose string form equals one of names, ignoring case.
func RecipientsByName(names ...string) func(cmp.GeneralName) bool {
	return func(g cmp.GeneralName) bool {
		n, ok := g.Name()
		if !ok {
			return false
		}
		s := n.String()
		for _, want := range names {
			if strings.EqualFold(want, s) {
				return true
			}
		}
		return false
	}
}

// CKGContext configures central key generation.
type CKGContext struct {
	// Algorithm is used when the request template does not name one.
	Algorithm pkicrypto.AlgorithmID
	// SigningCredentials sign the key package delivered to the requester.
	SigningCredentials *protection.SignatureCredentials
}
