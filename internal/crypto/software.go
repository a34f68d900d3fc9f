package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// Signer is a crypto.Signer that knows its algorithm.
type Signer interface {
	crypto.Signer
	Algorithm() AlgorithmID
}

// SoftwareSigner implements Signer with an in-memory private key.
type SoftwareSigner struct {
	alg  AlgorithmID
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

var _ Signer = (*SoftwareSigner)(nil)

// NewSoftwareSigner creates a new SoftwareSigner from a key pair.
func NewSoftwareSigner(kp *KeyPair) (*SoftwareSigner, error) {
	if kp == nil {
		return nil, fmt.Errorf("key pair is nil")
	}
	if kp.Algorithm.IsKEM() {
		return nil, fmt.Errorf("%s key cannot sign", kp.Algorithm)
	}
	return &SoftwareSigner{
		alg:  kp.Algorithm,
		priv: kp.PrivateKey,
		pub:  kp.PublicKey,
	}, nil
}

// GenerateSoftwareSigner generates a new key pair and returns a SoftwareSigner.
func GenerateSoftwareSigner(alg AlgorithmID) (*SoftwareSigner, error) {
	kp, err := GenerateKeyPair(alg)
	if err != nil {
		return nil, err
	}
	return NewSoftwareSigner(kp)
}

// Algorithm returns the algorithm used by this signer.
func (s *SoftwareSigner) Algorithm() AlgorithmID {
	return s.alg
}

// Public returns the public key.
func (s *SoftwareSigner) Public() crypto.PublicKey {
	return s.pub
}

// PrivateKey returns the underlying private key.
func (s *SoftwareSigner) PrivateKey() crypto.PrivateKey {
	return s.priv
}

// Sign signs digest with the private key. ML-DSA and Ed25519 take the full
// message in digest.
func (s *SoftwareSigner) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	switch priv := s.priv.(type) {
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(random, priv, digest)

	case ed25519.PrivateKey:
		return ed25519.Sign(priv, digest), nil

	case *rsa.PrivateKey:
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			return rsa.SignPSS(random, priv, pss.Hash, digest, pss)
		}
		hash := crypto.SHA256
		if opts != nil {
			hash = opts.HashFunc()
		}
		return rsa.SignPKCS1v15(random, priv, hash, digest)

	case *mldsa44.PrivateKey:
		return priv.Sign(random, digest, crypto.Hash(0))
	case *mldsa65.PrivateKey:
		return priv.Sign(random, digest, crypto.Hash(0))
	case *mldsa87.PrivateKey:
		return priv.Sign(random, digest, crypto.Hash(0))
	}
	return nil, fmt.Errorf("unsupported private key type: %T", s.priv)
}

// Decrypt implements crypto.Decrypter for RSA keys.
func (s *SoftwareSigner) Decrypt(_ io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	rsaKey, ok := s.priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("decrypt only supported for RSA keys, got %T", s.priv)
	}
	switch o := opts.(type) {
	case *rsa.OAEPOptions:
		return rsa.DecryptOAEP(o.Hash.New(), rand.Reader, rsaKey, ciphertext, o.Label)
	case *rsa.PKCS1v15DecryptOptions:
		return rsa.DecryptPKCS1v15(rand.Reader, rsaKey, ciphertext)
	default:
		return rsa.DecryptOAEP(sha256.New(), rand.Reader, rsaKey, ciphertext, nil)
	}
}

// PEM block types for ML-DSA private keys in their raw circl encoding.
var mldsaPEMTypes = map[string]AlgorithmID{
	"ML-DSA-44 PRIVATE KEY": AlgMLDSA44,
	"ML-DSA-65 PRIVATE KEY": AlgMLDSA65,
	"ML-DSA-87 PRIVATE KEY": AlgMLDSA87,
}

// LoadPrivateKey loads a signing key from a PEM file.
func LoadPrivateKey(path string, passphrase []byte) (*SoftwareSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	s, err := ParsePrivateKeyPEM(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParsePrivateKeyPEM parses the first private key in PEM data. Accepted
// block types are PRIVATE KEY (PKCS#8, including ML-DSA), EC PRIVATE KEY,
// RSA PRIVATE KEY and the raw ML-DSA-xx PRIVATE KEY forms.
func ParsePrivateKeyPEM(data, passphrase []byte) (*SoftwareSigner, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	keyBytes := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("private key is encrypted but no passphrase provided")
		}
		var err error
		keyBytes, err = x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
	}

	var priv crypto.PrivateKey
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		priv, err = ParsePKCS8PrivateKey(keyBytes)
	case "EC PRIVATE KEY":
		priv, err = x509.ParseECPrivateKey(keyBytes)
	case "RSA PRIVATE KEY":
		priv, err = x509.ParsePKCS1PrivateKey(keyBytes)
	default:
		alg, ok := mldsaPEMTypes[block.Type]
		if !ok {
			return nil, fmt.Errorf("unknown PEM type: %s", block.Type)
		}
		priv, err = unmarshalMLDSAPrivateKey(alg, keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", block.Type, err)
	}
	return signerFromPrivateKey(priv)
}

func signerFromPrivateKey(priv crypto.PrivateKey) (*SoftwareSigner, error) {
	cs, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key type %T cannot sign", priv)
	}
	pub := cs.Public()
	alg := AlgorithmFromPublicKey(pub)
	if alg == AlgUnknown || !alg.IsSignature() {
		return nil, fmt.Errorf("unsupported private key type: %T", priv)
	}
	return &SoftwareSigner{alg: alg, priv: priv, pub: pub}, nil
}

func unmarshalMLDSAPrivateKey(alg AlgorithmID, raw []byte) (crypto.PrivateKey, error) {
	switch alg {
	case AlgMLDSA44:
		var k mldsa44.PrivateKey
		if err := k.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		return &k, nil
	case AlgMLDSA65:
		var k mldsa65.PrivateKey
		if err := k.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		return &k, nil
	case AlgMLDSA87:
		var k mldsa87.PrivateKey
		if err := k.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		return &k, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
}

// oneAsymmetricKey is the PKCS#8 PrivateKeyInfo structure (RFC 5958).
type oneAsymmetricKey struct {
	Version    int
	Algorithm  pkix.AlgorithmIdentifier
	PrivateKey []byte
}

// MarshalPKCS8PrivateKey encodes a private key as PKCS#8. ML-DSA keys carry
// their raw circl encoding in the privateKey OCTET STRING.
func MarshalPKCS8PrivateKey(priv crypto.PrivateKey) ([]byte, error) {
	var raw []byte
	var alg AlgorithmID
	switch k := priv.(type) {
	case *mldsa44.PrivateKey:
		raw, alg = k.Bytes(), AlgMLDSA44
	case *mldsa65.PrivateKey:
		raw, alg = k.Bytes(), AlgMLDSA65
	case *mldsa87.PrivateKey:
		raw, alg = k.Bytes(), AlgMLDSA87
	default:
		return x509.MarshalPKCS8PrivateKey(priv)
	}
	return asn1.Marshal(oneAsymmetricKey{
		Algorithm:  pkix.AlgorithmIdentifier{Algorithm: alg.OID()},
		PrivateKey: raw,
	})
}

// ParsePKCS8PrivateKey parses a PKCS#8 private key, including ML-DSA keys
// written by MarshalPKCS8PrivateKey.
func ParsePKCS8PrivateKey(der []byte) (crypto.PrivateKey, error) {
	if priv, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return priv, nil
	}
	var oak oneAsymmetricKey
	if _, err := asn1.Unmarshal(der, &oak); err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
	}
	oid := oak.Algorithm.Algorithm
	for _, alg := range []AlgorithmID{AlgMLDSA44, AlgMLDSA65, AlgMLDSA87} {
		if oid.Equal(alg.OID()) {
			return unmarshalMLDSAPrivateKey(alg, oak.PrivateKey)
		}
	}
	return nil, fmt.Errorf("%w: private key algorithm %s", ErrUnsupportedAlgorithm, oid)
}

// MarshalPrivateKeyPEM encodes a private key as a PKCS#8 PEM block.
func MarshalPrivateKeyPEM(priv crypto.PrivateKey) ([]byte, error) {
	der, err := MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
