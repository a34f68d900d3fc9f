package crypto

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// ParsePublicKey parses a DER SubjectPublicKeyInfo. Classical keys go through
// crypto/x509; ML-DSA and ML-KEM keys are decoded with circl.
func ParsePublicKey(der []byte) (crypto.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		return pub, nil
	}

	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(der, &spki)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SubjectPublicKeyInfo: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after SubjectPublicKeyInfo")
	}
	raw := spki.PublicKey.RightAlign()

	oid := spki.Algorithm.Algorithm
	switch {
	case oid.Equal(OIDMLDSA44):
		var k mldsa44.PublicKey
		if err := k.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("invalid ML-DSA-44 public key: %w", err)
		}
		return &k, nil
	case oid.Equal(OIDMLDSA65):
		var k mldsa65.PublicKey
		if err := k.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("invalid ML-DSA-65 public key: %w", err)
		}
		return &k, nil
	case oid.Equal(OIDMLDSA87):
		var k mldsa87.PublicKey
		if err := k.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("invalid ML-DSA-87 public key: %w", err)
		}
		return &k, nil
	case oid.Equal(OIDMLKEM512):
		return mlkem512.Scheme().UnmarshalBinaryPublicKey(raw)
	case oid.Equal(OIDMLKEM768):
		return mlkem768.Scheme().UnmarshalBinaryPublicKey(raw)
	case oid.Equal(OIDMLKEM1024):
		return mlkem1024.Scheme().UnmarshalBinaryPublicKey(raw)
	}
	return nil, fmt.Errorf("%w: public key algorithm %s", ErrUnsupportedAlgorithm, oid)
}

// MarshalPublicKey encodes a public key as a DER SubjectPublicKeyInfo.
func MarshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	alg := AlgorithmFromPublicKey(pub)
	if !alg.IsPQC() {
		return x509.MarshalPKIXPublicKey(pub)
	}

	type binaryMarshaler interface {
		MarshalBinary() ([]byte, error)
	}
	m, ok := pub.(binaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
	raw, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s public key: %w", alg, err)
	}
	return asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: alg.OID()},
		PublicKey: asn1.BitString{Bytes: raw, BitLength: 8 * len(raw)},
	})
}

// CertificatePublicKey returns the public key of cert, decoding PQC keys that
// crypto/x509 leaves unparsed.
func CertificatePublicKey(cert *x509.Certificate) (crypto.PublicKey, error) {
	if cert.PublicKey != nil {
		return cert.PublicKey, nil
	}
	return ParsePublicKey(cert.RawSubjectPublicKeyInfo)
}

// PublicKeysEqual reports whether two public keys are the same key.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	da, err := MarshalPublicKey(a)
	if err != nil {
		return false
	}
	db, err := MarshalPublicKey(b)
	if err != nil {
		return false
	}
	return string(da) == string(db)
}
