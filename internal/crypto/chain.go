package crypto

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"
)

// ErrNoTrustedPath is returned when no chain to a trust anchor can be built.
var ErrNoTrustedPath = errors.New("no path to a trust anchor")

// maxChainDepth bounds path building through intermediates.
const maxChainDepth = 8

// VerifyChainOptions configures chain validation.
type VerifyChainOptions struct {
	Roots         []*x509.Certificate
	Intermediates []*x509.Certificate
	// Time is the validation time; zero means now.
	Time time.Time
}

// VerifyChain builds and validates a path from leaf to one of the roots.
// Each link is checked for validity period, CA status, keyCertSign and the
// issuer's signature, including ML-DSA signed certificates.
// The returned chain starts with leaf and ends with the trust anchor.
func VerifyChain(leaf *x509.Certificate, opts VerifyChainOptions) ([]*x509.Certificate, error) {
	if leaf == nil {
		return nil, errors.New("leaf certificate is required")
	}
	if len(opts.Roots) == 0 {
		return nil, ErrNoTrustedPath
	}
	now := opts.Time
	if now.IsZero() {
		now = time.Now()
	}
	if err := checkValidity(leaf, now); err != nil {
		return nil, err
	}

	var lastErr error
	var build func(chain []*x509.Certificate) []*x509.Certificate
	build = func(chain []*x509.Certificate) []*x509.Certificate {
		cur := chain[len(chain)-1]

		for _, root := range opts.Roots {
			if isSameCert(cur, root) {
				return chain
			}
		}
		if len(chain) > maxChainDepth {
			return nil
		}
		for _, root := range opts.Roots {
			if err := verifyLink(cur, root, now); err != nil {
				lastErr = err
				continue
			}
			return append(chain, root)
		}
		for _, ic := range opts.Intermediates {
			if containsCert(chain, ic) {
				continue
			}
			if err := verifyLink(cur, ic, now); err != nil {
				lastErr = err
				continue
			}
			next := append(append([]*x509.Certificate(nil), chain...), ic)
			if found := build(next); found != nil {
				return found
			}
		}
		return nil
	}

	if chain := build([]*x509.Certificate{leaf}); chain != nil {
		return chain, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoTrustedPath, lastErr)
	}
	return nil, ErrNoTrustedPath
}

func verifyLink(child, issuer *x509.Certificate, now time.Time) error {
	if !bytes.Equal(child.RawIssuer, issuer.RawSubject) {
		return fmt.Errorf("issuer name mismatch for %q", child.Subject.CommonName)
	}
	if err := checkValidity(issuer, now); err != nil {
		return err
	}
	if !issuer.IsCA {
		return fmt.Errorf("issuer %q is not a CA", issuer.Subject.CommonName)
	}
	if issuer.KeyUsage != 0 && issuer.KeyUsage&x509.KeyUsageCertSign == 0 {
		return fmt.Errorf("issuer %q cannot sign certificates", issuer.Subject.CommonName)
	}
	return CheckCertificateSignature(child, issuer)
}

func checkValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate %q not yet valid (NotBefore: %s)", cert.Subject.CommonName, cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate %q expired (NotAfter: %s)", cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// CheckCertificateSignature verifies that issuer signed child. Classical
// signatures use crypto/x509; PQC signatures are checked from the raw
// certificate.
func CheckCertificateSignature(child, issuer *x509.Certificate) error {
	if child.SignatureAlgorithm != x509.UnknownSignatureAlgorithm {
		if err := child.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("signature verification failed: %w", err)
		}
		return nil
	}

	alg, err := CertificateSignatureAlgorithm(child)
	if err != nil {
		return err
	}
	pub, err := CertificatePublicKey(issuer)
	if err != nil {
		return fmt.Errorf("issuer public key: %w", err)
	}
	if err := VerifyMessage(pub, alg, child.RawTBSCertificate, child.Signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// CertificateSignatureAlgorithm returns the outer signatureAlgorithm of a
// certificate as encoded.
func CertificateSignatureAlgorithm(cert *x509.Certificate) (pkix.AlgorithmIdentifier, error) {
	var outer struct {
		TBS       asn1.RawValue
		Algorithm pkix.AlgorithmIdentifier
		Signature asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.Raw, &outer); err != nil {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return outer.Algorithm, nil
}

func isSameCert(a, b *x509.Certificate) bool {
	return bytes.Equal(a.Raw, b.Raw)
}

func containsCert(chain []*x509.Certificate, c *x509.Certificate) bool {
	for _, x := range chain {
		if isSameCert(x, c) {
			return true
		}
	}
	return false
}
