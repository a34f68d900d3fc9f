// Package crypto provides the key and signature primitives used by the RA.
// It supports classical algorithms (ECDSA, Ed25519, RSA) and post-quantum
// algorithms (ML-DSA, ML-KEM) via the cloudflare/circl library.
package crypto

import (
	"crypto"
	"encoding/asn1"
	"fmt"
	"sort"
)

// AlgorithmID identifies a key algorithm.
type AlgorithmID string

// Classical signature algorithms.
const (
	AlgECDSAP256 AlgorithmID = "ecdsa-p256"
	AlgECDSAP384 AlgorithmID = "ecdsa-p384"
	AlgECDSAP521 AlgorithmID = "ecdsa-p521"
	AlgEd25519   AlgorithmID = "ed25519"
	AlgRSA2048   AlgorithmID = "rsa-2048"
	AlgRSA3072   AlgorithmID = "rsa-3072"
	AlgRSA4096   AlgorithmID = "rsa-4096"
)

// Post-quantum signature algorithms (FIPS 204 ML-DSA).
const (
	AlgMLDSA44 AlgorithmID = "ml-dsa-44"
	AlgMLDSA65 AlgorithmID = "ml-dsa-65"
	AlgMLDSA87 AlgorithmID = "ml-dsa-87"
)

// Post-quantum KEM algorithms (FIPS 203 ML-KEM).
const (
	AlgMLKEM512  AlgorithmID = "ml-kem-512"
	AlgMLKEM768  AlgorithmID = "ml-kem-768"
	AlgMLKEM1024 AlgorithmID = "ml-kem-1024"
)

// AlgUnknown is returned when a key cannot be mapped to an algorithm.
const AlgUnknown AlgorithmID = ""

// AlgorithmType categorizes algorithms.
type AlgorithmType int

const (
	TypeUnknown AlgorithmType = iota
	TypeClassicalSignature
	TypePQCSignature
	TypePQCKEM
)

// Public key algorithm OIDs.
var (
	OIDPublicKeyECDSA   = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDPublicKeyRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDPublicKeyEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}
	OIDMLDSA44          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 17}
	OIDMLDSA65          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 18}
	OIDMLDSA87          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 19}
	OIDMLKEM512         = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 4, 1}
	OIDMLKEM768         = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 4, 2}
	OIDMLKEM1024        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 4, 3}
)

// Named curve OIDs.
var (
	OIDCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	OIDCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	OIDCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

// algorithmInfo holds metadata about an algorithm.
type algorithmInfo struct {
	Type AlgorithmType
	// OID is the SubjectPublicKeyInfo algorithm (the curve for ECDSA).
	OID         asn1.ObjectIdentifier
	Hash        crypto.Hash
	KeySizeBits int
	Description string
}

var algorithms = map[AlgorithmID]algorithmInfo{
	AlgECDSAP256: {TypeClassicalSignature, OIDCurveP256, crypto.SHA256, 256, "ECDSA with P-256 curve"},
	AlgECDSAP384: {TypeClassicalSignature, OIDCurveP384, crypto.SHA384, 384, "ECDSA with P-384 curve"},
	AlgECDSAP521: {TypeClassicalSignature, OIDCurveP521, crypto.SHA512, 521, "ECDSA with P-521 curve"},
	AlgEd25519:   {TypeClassicalSignature, OIDPublicKeyEd25519, 0, 256, "Ed25519 (EdDSA with Curve25519)"},
	AlgRSA2048:   {TypeClassicalSignature, OIDPublicKeyRSA, crypto.SHA256, 2048, "RSA 2048-bit (legacy)"},
	AlgRSA3072:   {TypeClassicalSignature, OIDPublicKeyRSA, crypto.SHA256, 3072, "RSA 3072-bit"},
	AlgRSA4096:   {TypeClassicalSignature, OIDPublicKeyRSA, crypto.SHA256, 4096, "RSA 4096-bit"},

	AlgMLDSA44: {TypePQCSignature, OIDMLDSA44, 0, 0, "ML-DSA-44 (NIST Level 1)"},
	AlgMLDSA65: {TypePQCSignature, OIDMLDSA65, 0, 0, "ML-DSA-65 (NIST Level 3)"},
	AlgMLDSA87: {TypePQCSignature, OIDMLDSA87, 0, 0, "ML-DSA-87 (NIST Level 5)"},

	AlgMLKEM512:  {TypePQCKEM, OIDMLKEM512, 0, 0, "ML-KEM-512 (NIST Level 1)"},
	AlgMLKEM768:  {TypePQCKEM, OIDMLKEM768, 0, 0, "ML-KEM-768 (NIST Level 3)"},
	AlgMLKEM1024: {TypePQCKEM, OIDMLKEM1024, 0, 0, "ML-KEM-1024 (NIST Level 5)"},
}

// IsValid returns true if the algorithm is recognized.
func (a AlgorithmID) IsValid() bool {
	_, ok := algorithms[a]
	return ok
}

// Type returns the algorithm type.
func (a AlgorithmID) Type() AlgorithmType {
	if info, ok := algorithms[a]; ok {
		return info.Type
	}
	return TypeUnknown
}

// IsPQC returns true for post-quantum algorithms.
func (a AlgorithmID) IsPQC() bool {
	t := a.Type()
	return t == TypePQCSignature || t == TypePQCKEM
}

// IsSignature returns true for signature algorithms (classical or PQC).
func (a AlgorithmID) IsSignature() bool {
	t := a.Type()
	return t == TypeClassicalSignature || t == TypePQCSignature
}

// IsKEM returns true for Key Encapsulation Mechanism algorithms.
func (a AlgorithmID) IsKEM() bool {
	return a.Type() == TypePQCKEM
}

// OID returns the key OID for this algorithm.
func (a AlgorithmID) OID() asn1.ObjectIdentifier {
	if info, ok := algorithms[a]; ok {
		return info.OID
	}
	return nil
}

// Hash returns the digest used when signing with this algorithm, or 0 for
// algorithms that sign the message directly.
func (a AlgorithmID) Hash() crypto.Hash {
	return algorithms[a].Hash
}

// Description returns a human-readable description of the algorithm.
func (a AlgorithmID) Description() string {
	if info, ok := algorithms[a]; ok {
		return info.Description
	}
	return "Unknown algorithm"
}

func (a AlgorithmID) String() string {
	return string(a)
}

// ParseAlgorithm parses a string into an AlgorithmID.
func ParseAlgorithm(s string) (AlgorithmID, error) {
	alg := AlgorithmID(s)
	if !alg.IsValid() {
		return "", fmt.Errorf("unknown algorithm: %s", s)
	}
	return alg, nil
}

// SignatureAlgorithms returns all algorithms that can be used for signing,
// sorted by name.
func SignatureAlgorithms() []AlgorithmID {
	var result []AlgorithmID
	for alg := range algorithms {
		if alg.IsSignature() {
			result = append(result, alg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
