package config

import (
	"encoding/asn1"
	"time"

	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// DefaultRetryAfter is the checkAfter value, in seconds, when none is
// configured.
const DefaultRetryAfter = 10

// DefaultTransactionExpiry bounds the lifetime of a transaction.
const DefaultTransactionExpiry = time.Hour

// BodyPolicies overrides the policies of one body type within a profile.
type BodyPolicies struct {
	Downstream *MessagePolicy
	Upstream   *MessagePolicy
}

// Profile holds the settings of one certificate profile. Nil policies fall
// back to the Static defaults.
type Profile struct {
	Downstream           *MessagePolicy
	Upstream             *MessagePolicy
	Bodies               map[cmp.BodyType]BodyPolicies
	EnrollmentTrust      *protection.VerificationContext
	CKG                  *CKGContext
	ForceRAVerify        bool
	RAVerifiedAcceptable bool
	Inventory            Inventory
	// RetryAfter overrides Static.RetryAfterSeconds when positive.
	RetryAfter int
}

// Static is a Configuration with fixed settings, as loaded from YAML by
// LoadFile. Lookups for an unknown profile use the defaults. A Static must
// not be modified once in use.
type Static struct {
	DefaultProfile    string
	RetryAfterSeconds int
	TransactionExpiry time.Duration
	RedactErrors      bool

	Downstream *MessagePolicy
	Upstream   *MessagePolicy
	Profiles   map[string]*Profile
	// DefaultInventory applies to profiles without their own.
	DefaultInventory Inventory
	// Support maps genm info type OIDs (dotted form) to handlers.
	Support map[string]SupportMessageHandler
}

var _ Configuration = (*Static)(nil)

func (s *Static) profile(name string) *Profile {
	if p, ok := s.Profiles[name]; ok {
		return p
	}
	return nil
}

func (s *Static) DownstreamPolicy(profile string, body cmp.BodyType) *MessagePolicy {
	if p := s.profile(profile); p != nil {
		if b, ok := p.Bodies[body]; ok && b.Downstream != nil {
			return b.Downstream
		}
		if p.Downstream != nil {
			return p.Downstream
		}
	}
	return s.Downstream
}

func (s *Static) UpstreamPolicy(profile string, body cmp.BodyType) *MessagePolicy {
	if p := s.profile(profile); p != nil {
		if b, ok := p.Bodies[body]; ok && b.Upstream != nil {
			return b.Upstream
		}
		if p.Upstream != nil {
			return p.Upstream
		}
	}
	return s.Upstream
}

func (s *Static) EnrollmentTrust(profile string, _ cmp.BodyType) *protection.VerificationContext {
	if p := s.profile(profile); p != nil {
		return p.EnrollmentTrust
	}
	return nil
}

func (s *Static) CKG(profile string, body cmp.BodyType) *CKGContext {
	if p := s.profile(profile); p != nil {
		return p.CKG
	}
	return nil
}

func (s *Static) RetryAfter(profile string, _ cmp.BodyType) int {
	if p := s.profile(profile); p != nil && p.RetryAfter > 0 {
		return p.RetryAfter
	}
	if s.RetryAfterSeconds > 0 {
		return s.RetryAfterSeconds
	}
	return DefaultRetryAfter
}

func (s *Static) Inventory(profile string, _ cmp.BodyType) Inventory {
	if p := s.profile(profile); p != nil && p.Inventory != nil {
		return p.Inventory
	}
	return s.DefaultInventory
}

func (s *Static) SupportMessageHandler(_ string, infoType asn1.ObjectIdentifier) SupportMessageHandler {
	return s.Support[infoType.String()]
}

func (s *Static) ForceRAVerifyOnUpstream(profile string, _ cmp.BodyType) bool {
	if p := s.profile(profile); p != nil {
		return p.ForceRAVerify
	}
	return false
}

func (s *Static) RAVerifiedAcceptable(profile string, _ cmp.BodyType) bool {
	if p := s.profile(profile); p != nil {
		return p.RAVerifiedAcceptable
	}
	return false
}

// Expiry returns the configured transaction expiry, or the default.
func (s *Static) Expiry() time.Duration {
	if s.TransactionExpiry > 0 {
		return s.TransactionExpiry
	}
	return DefaultTransactionExpiry
}
