// Package protection computes and verifies PKIMessage protection: signatures
// by a certificate holder (classical and ML-DSA) and password-based MACs.
package protection

import (
	"bytes"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
)

// Kind identifies how a message is protected.
type Kind int

const (
	KindNone Kind = iota
	KindSignature
	KindMAC
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSignature:
		return "signature"
	case KindMAC:
		return "mac"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Credentials protect outgoing messages. Implementations are
// *SignatureCredentials and *MACCredentials.
type Credentials interface {
	Kind() Kind
}

// SignatureCredentials sign with a private key. Chain[0] is the protecting
// certificate; the rest is sent as extraCerts after it.
type SignatureCredentials struct {
	Signer crypto.Signer
	Chain  []*x509.Certificate
}

func (*SignatureCredentials) Kind() Kind { return KindSignature }

// Certificate returns the protecting certificate.
func (c *SignatureCredentials) Certificate() *x509.Certificate {
	if len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[0]
}

// MACCredentials protect with a shared secret.
type MACCredentials struct {
	Secret     []byte
	SenderKID  []byte
	Algorithm  MACAlgorithm
	Iterations int
}

func (*MACCredentials) Kind() Kind { return KindMAC }

// VerificationContext holds what is needed to verify incoming protection.
type VerificationContext struct {
	TrustAnchors  []*x509.Certificate
	Intermediates []*x509.Certificate
	// SharedSecrets are keyed by senderKID; "" matches any senderKID.
	SharedSecrets map[string][]byte
	// AllowedKeyUsage, if non-zero, must intersect the key usage of the
	// protecting certificate.
	AllowedKeyUsage x509.KeyUsage
}

// secretFor returns the shared secret for a senderKID.
func (vc *VerificationContext) secretFor(kid []byte) ([]byte, bool) {
	if s, ok := vc.SharedSecrets[string(kid)]; ok {
		return s, true
	}
	s, ok := vc.SharedSecrets[""]
	return s, ok
}

// VerifyOptions tune a single verification.
type VerifyOptions struct {
	// MaxTimeDeviation bounds |now - messageTime|; <= 0 is unlimited.
	MaxTimeDeviation time.Duration
	// Now defaults to time.Now().
	Now time.Time
	// AdditionalCerts are candidates for the protecting certificate and
	// for path building, typically extraCerts cached earlier in the
	// transaction.
	AdditionalCerts []*x509.Certificate
}

// Result describes a successful verification.
type Result struct {
	Kind Kind
	// Certificate and Chain are set for signature protection. Chain ends
	// with the trust anchor.
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	SenderKID   []byte
}

// Verify checks the protection of msg against vc. A nil context accepts
// only unprotected messages.
func Verify(msg *cmp.Message, vc *VerificationContext, opts VerifyOptions) (*Result, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	if !msg.IsProtected() {
		if vc == nil {
			return &Result{Kind: KindNone}, nil
		}
		return nil, verifyErr(ErrBadProtection, "message is not protected")
	}
	if vc == nil {
		return nil, verifyErr(ErrBadProtection, "no verification configured for protected message")
	}
	alg := msg.Header.ProtectionAlg
	if len(alg.Algorithm) == 0 {
		return nil, verifyErr(ErrBadProtection, "protection present without protectionAlg")
	}

	protected, err := msg.ProtectedPart()
	if err != nil {
		return nil, verifyErr(ErrBadProtection, "encode protected part: %v", err)
	}

	var res *Result
	if isMACAlgorithm(alg.Algorithm) {
		res, err = verifyMAC(msg, vc, alg, protected)
	} else {
		res, err = verifySignature(msg, vc, alg, protected, opts.AdditionalCerts, now)
	}
	if err != nil {
		return nil, err
	}

	if opts.MaxTimeDeviation > 0 && !msg.Header.MessageTime.IsZero() {
		dev := now.Sub(msg.Header.MessageTime)
		if dev < 0 {
			dev = -dev
		}
		if dev > opts.MaxTimeDeviation {
			return nil, verifyErr(ErrBadTime, "messageTime %s deviates %s (max %s)",
				msg.Header.MessageTime.Format(time.RFC3339), dev.Round(time.Second), opts.MaxTimeDeviation)
		}
	}
	return res, nil
}

func verifyMAC(msg *cmp.Message, vc *VerificationContext, alg pkix.AlgorithmIdentifier, protected []byte) (*Result, error) {
	secret, ok := vc.secretFor(msg.Header.SenderKID)
	if !ok {
		return nil, verifyErr(ErrBadProtection, "no shared secret for senderKID %x", msg.Header.SenderKID)
	}
	mac, err := computeMAC(alg, secret, protected)
	if err != nil {
		return nil, verifyErr(ErrBadProtection, "%v", err)
	}
	if !hmac.Equal(mac, msg.Protection.RightAlign()) {
		return nil, verifyErr(ErrBadProtection, "MAC mismatch")
	}
	return &Result{Kind: KindMAC, SenderKID: msg.Header.SenderKID}, nil
}

func verifySignature(msg *cmp.Message, vc *VerificationContext, alg pkix.AlgorithmIdentifier, protected []byte, additional []*x509.Certificate, now time.Time) (*Result, error) {
	if _, ok := pkicrypto.HashForSignatureAlgorithm(alg.Algorithm); !ok {
		return nil, verifyErr(ErrBadProtection, "unsupported protection algorithm %s", alg.Algorithm)
	}
	if len(vc.TrustAnchors) == 0 {
		return nil, verifyErr(ErrBadProtection, "no trust anchors for signature protection")
	}

	extra, err := msg.ParseExtraCerts()
	if err != nil {
		return nil, verifyErr(ErrBadProtection, "%v", err)
	}
	cert := protectingCertificate(msg.Header.SenderKID, extra, additional)
	if cert == nil {
		return nil, verifyErr(ErrBadProtection, "protecting certificate not found")
	}

	pub, err := pkicrypto.CertificatePublicKey(cert)
	if err != nil {
		return nil, verifyErr(ErrBadProtection, "protecting certificate key: %v", err)
	}
	if err := pkicrypto.VerifyMessage(pub, alg, protected, msg.Protection.RightAlign()); err != nil {
		return nil, verifyErr(ErrBadProtection, "%v", err)
	}

	if vc.AllowedKeyUsage != 0 && cert.KeyUsage != 0 && cert.KeyUsage&vc.AllowedKeyUsage == 0 {
		return nil, verifyErr(ErrBadChain, "key usage of %q not allowed", cert.Subject.CommonName)
	}
	intermediates := append(append(append([]*x509.Certificate(nil), vc.Intermediates...), extra...), additional...)
	chain, err := pkicrypto.VerifyChain(cert, pkicrypto.VerifyChainOptions{
		Roots:         vc.TrustAnchors,
		Intermediates: intermediates,
		Time:          now,
	})
	if err != nil {
		return nil, verifyErr(ErrBadChain, "%v", err)
	}
	return &Result{Kind: KindSignature, Certificate: cert, Chain: chain, SenderKID: msg.Header.SenderKID}, nil
}

// protectingCertificate picks extraCerts[0] unless a senderKID names a
// different certificate by subject key identifier.
func protectingCertificate(kid []byte, extra, additional []*x509.Certificate) *x509.Certificate {
	if len(kid) == 0 {
		if len(extra) > 0 {
			return extra[0]
		}
		if len(additional) > 0 {
			return additional[0]
		}
		return nil
	}
	for _, set := range [][]*x509.Certificate{extra, additional} {
		for _, c := range set {
			if bytes.Equal(c.SubjectKeyId, kid) {
				return c
			}
		}
	}
	// Certificates without a SKI extension can still be referenced by
	// position.
	if len(extra) > 0 && len(extra[0].SubjectKeyId) == 0 {
		return extra[0]
	}
	return nil
}

// Protect returns a copy of msg protected with creds. The header is
// updated with protectionAlg and senderKID; signature protection also sets
// the sender to the certificate subject and prepends the chain to
// extraCerts.
func Protect(msg *cmp.Message, creds Credentials) (*cmp.Message, error) {
	switch c := creds.(type) {
	case *SignatureCredentials:
		return protectSignature(msg, c)
	case *MACCredentials:
		return protectMAC(msg, c)
	case nil:
		return nil, &Error{Op: "protect", Err: fmt.Errorf("no credentials")}
	}
	return nil, &Error{Op: "protect", Err: fmt.Errorf("unsupported credentials %T", creds)}
}

func protectSignature(msg *cmp.Message, c *SignatureCredentials) (*cmp.Message, error) {
	cert := c.Certificate()
	if c.Signer == nil || cert == nil {
		return nil, &Error{Op: "protect", Err: fmt.Errorf("signature credentials need a signer and a certificate")}
	}
	sigAlg, _, err := pkicrypto.SignatureAlgorithm(c.Signer.Public())
	if err != nil {
		return nil, &Error{Op: "protect", Err: err}
	}

	h := msg.Header
	h.ProtectionAlg = sigAlg
	h.SenderKID = cert.SubjectKeyId
	h.Sender = cmp.DirectoryNameFromRaw(cert.RawSubject)
	out := msg.WithHeader(h)

	protected, err := out.ProtectedPart()
	if err != nil {
		return nil, &Error{Op: "protect", Err: err}
	}
	sig, _, err := pkicrypto.SignMessage(rand.Reader, c.Signer, protected)
	if err != nil {
		return nil, &Error{Op: "protect", Err: err}
	}

	var certs [][]byte
	seen := make(map[[32]byte]bool)
	add := func(der []byte) {
		fp := cmp.CertFingerprint(der)
		if !seen[fp] {
			seen[fp] = true
			certs = append(certs, der)
		}
	}
	for _, ch := range c.Chain {
		add(ch.Raw)
	}
	for _, der := range msg.ExtraCerts {
		add(der)
	}

	return out.
		WithProtection(asn1.BitString{Bytes: sig, BitLength: 8 * len(sig)}).
		WithExtraCerts(certs), nil
}

func protectMAC(msg *cmp.Message, c *MACCredentials) (*cmp.Message, error) {
	if len(c.Secret) == 0 {
		return nil, &Error{Op: "protect", Err: fmt.Errorf("MAC credentials without secret")}
	}
	alg, err := newMACAlgorithm(c)
	if err != nil {
		return nil, &Error{Op: "protect", Err: err}
	}
	h := msg.Header
	h.ProtectionAlg = alg
	h.SenderKID = c.SenderKID
	out := msg.WithHeader(h)

	protected, err := out.ProtectedPart()
	if err != nil {
		return nil, &Error{Op: "protect", Err: err}
	}
	mac, err := computeMAC(alg, c.Secret, protected)
	if err != nil {
		return nil, &Error{Op: "protect", Err: err}
	}
	return out.WithProtection(asn1.BitString{Bytes: mac, BitLength: 8 * len(mac)}), nil
}

// Strip returns a copy of msg without protection and protectionAlg.
func Strip(msg *cmp.Message) *cmp.Message {
	h := msg.Header
	h.ProtectionAlg = pkix.AlgorithmIdentifier{}
	return msg.WithHeader(h)
}
