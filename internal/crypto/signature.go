package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

var (
	// ErrUnsupportedAlgorithm is returned for signature algorithms or key
	// types this package does not handle.
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")

	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signature algorithm OIDs.
var (
	OIDSignatureECDSAWithSHA256  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDSignatureECDSAWithSHA384  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDSignatureECDSAWithSHA512  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	OIDSignatureSHA256WithRSA    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSignatureSHA384WithRSA    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSignatureSHA512WithRSA    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDSignatureEd25519          = OIDPublicKeyEd25519
	OIDSignatureMLDSA44          = OIDMLDSA44
	OIDSignatureMLDSA65          = OIDMLDSA65
	OIDSignatureMLDSA87          = OIDMLDSA87
	asn1NullParams               = asn1.RawValue{Tag: asn1.TagNull}
	sigAlgHashes                 = map[string]crypto.Hash{}
	sigAlgKinds                  = map[string]sigKind{}
)

type sigKind int

const (
	sigECDSA sigKind = iota + 1
	sigRSA
	sigEd25519
	sigMLDSA
)

func init() {
	register := func(oid asn1.ObjectIdentifier, kind sigKind, h crypto.Hash) {
		sigAlgKinds[oid.String()] = kind
		sigAlgHashes[oid.String()] = h
	}
	register(OIDSignatureECDSAWithSHA256, sigECDSA, crypto.SHA256)
	register(OIDSignatureECDSAWithSHA384, sigECDSA, crypto.SHA384)
	register(OIDSignatureECDSAWithSHA512, sigECDSA, crypto.SHA512)
	register(OIDSignatureSHA256WithRSA, sigRSA, crypto.SHA256)
	register(OIDSignatureSHA384WithRSA, sigRSA, crypto.SHA384)
	register(OIDSignatureSHA512WithRSA, sigRSA, crypto.SHA512)
	register(OIDSignatureEd25519, sigEd25519, 0)
	register(OIDSignatureMLDSA44, sigMLDSA, 0)
	register(OIDSignatureMLDSA65, sigMLDSA, 0)
	register(OIDSignatureMLDSA87, sigMLDSA, 0)
}

// SignatureAlgorithm returns the AlgorithmIdentifier and digest used to sign
// with a key of the given public key type.
func SignatureAlgorithm(pub crypto.PublicKey) (pkix.AlgorithmIdentifier, crypto.Hash, error) {
	switch AlgorithmFromPublicKey(pub) {
	case AlgECDSAP256:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSignatureECDSAWithSHA256}, crypto.SHA256, nil
	case AlgECDSAP384:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSignatureECDSAWithSHA384}, crypto.SHA384, nil
	case AlgECDSAP521:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSignatureECDSAWithSHA512}, crypto.SHA512, nil
	case AlgRSA2048, AlgRSA3072, AlgRSA4096:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSignatureSHA256WithRSA, Parameters: asn1NullParams}, crypto.SHA256, nil
	case AlgEd25519:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSignatureEd25519}, 0, nil
	case AlgMLDSA44:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSignatureMLDSA44}, 0, nil
	case AlgMLDSA65:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSignatureMLDSA65}, 0, nil
	case AlgMLDSA87:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSignatureMLDSA87}, 0, nil
	}
	return pkix.AlgorithmIdentifier{}, 0, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
}

// HashForSignatureAlgorithm returns the digest bound to a signature
// algorithm. Algorithms that sign the message directly return 0.
func HashForSignatureAlgorithm(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	h, ok := sigAlgHashes[oid.String()]
	return h, ok
}

// SignMessage signs msg with signer, hashing first when the algorithm
// requires it, and returns the signature with its AlgorithmIdentifier.
func SignMessage(random io.Reader, signer crypto.Signer, msg []byte) ([]byte, pkix.AlgorithmIdentifier, error) {
	if signer == nil {
		return nil, pkix.AlgorithmIdentifier{}, errors.New("signer is nil")
	}
	algID, hash, err := SignatureAlgorithm(signer.Public())
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}

	digest := msg
	var opts crypto.SignerOpts = crypto.Hash(0)
	if hash != 0 {
		h := hash.New()
		h.Write(msg)
		digest = h.Sum(nil)
		opts = hash
	}

	sig, err := signer.Sign(random, digest, opts)
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, algID, nil
}

// VerifyMessage checks sig over msg with pub under the given signature
// algorithm.
func VerifyMessage(pub crypto.PublicKey, alg pkix.AlgorithmIdentifier, msg, sig []byte) error {
	kind, ok := sigAlgKinds[alg.Algorithm.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg.Algorithm)
	}
	hash := sigAlgHashes[alg.Algorithm.String()]

	digest := msg
	if hash != 0 {
		h := hash.New()
		h.Write(msg)
		digest = h.Sum(nil)
	}

	valid := false
	switch kind {
	case sigECDSA:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return keyMismatch(alg, pub)
		}
		valid = ecdsa.VerifyASN1(k, digest, sig)

	case sigRSA:
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return keyMismatch(alg, pub)
		}
		valid = rsa.VerifyPKCS1v15(k, hash, digest, sig) == nil

	case sigEd25519:
		k, ok := pub.(ed25519.PublicKey)
		if !ok {
			return keyMismatch(alg, pub)
		}
		valid = ed25519.Verify(k, msg, sig)

	case sigMLDSA:
		switch k := pub.(type) {
		case *mldsa44.PublicKey:
			valid = alg.Algorithm.Equal(OIDMLDSA44) && mldsa44.Verify(k, msg, nil, sig)
		case *mldsa65.PublicKey:
			valid = alg.Algorithm.Equal(OIDMLDSA65) && mldsa65.Verify(k, msg, nil, sig)
		case *mldsa87.PublicKey:
			valid = alg.Algorithm.Equal(OIDMLDSA87) && mldsa87.Verify(k, msg, nil, sig)
		default:
			return keyMismatch(alg, pub)
		}
	}

	if !valid {
		return ErrInvalidSignature
	}
	return nil
}

func keyMismatch(alg pkix.AlgorithmIdentifier, pub crypto.PublicKey) error {
	return fmt.Errorf("%w: %T key cannot verify %s", ErrUnsupportedAlgorithm, pub, alg.Algorithm)
}
