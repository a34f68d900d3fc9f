package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// KeyPair holds a public/private key pair.
type KeyPair struct {
	Algorithm  AlgorithmID
	PrivateKey crypto.PrivateKey
	PublicKey  crypto.PublicKey
}

// Signer returns the private key as a crypto.Signer. KEM keys cannot sign.
func (kp *KeyPair) Signer() (crypto.Signer, error) {
	s, ok := kp.PrivateKey.(crypto.Signer)
	if !ok || kp.Algorithm.IsKEM() {
		return nil, fmt.Errorf("%s key cannot sign", kp.Algorithm)
	}
	return s, nil
}

// GenerateKeyPair generates a new key pair for the specified algorithm.
//
// Supported algorithms:
//   - Classical: ecdsa-p256, ecdsa-p384, ecdsa-p521, ed25519, rsa-2048, rsa-3072, rsa-4096
//   - PQC: ml-dsa-44, ml-dsa-65, ml-dsa-87, ml-kem-512, ml-kem-768, ml-kem-1024
func GenerateKeyPair(alg AlgorithmID) (*KeyPair, error) {
	return GenerateKeyPairWithRand(rand.Reader, alg)
}

// GenerateKeyPairWithRand generates a key pair using the provided random source.
func GenerateKeyPairWithRand(random io.Reader, alg AlgorithmID) (*KeyPair, error) {
	if !alg.IsValid() {
		return nil, fmt.Errorf("unsupported algorithm: %s", alg)
	}

	var priv crypto.PrivateKey
	var pub crypto.PublicKey
	var err error

	switch alg {
	case AlgECDSAP256:
		priv, pub, err = generateECDSA(random, elliptic.P256())
	case AlgECDSAP384:
		priv, pub, err = generateECDSA(random, elliptic.P384())
	case AlgECDSAP521:
		priv, pub, err = generateECDSA(random, elliptic.P521())

	case AlgEd25519:
		var edPub ed25519.PublicKey
		var edPriv ed25519.PrivateKey
		edPub, edPriv, err = ed25519.GenerateKey(random)
		priv, pub = edPriv, edPub

	case AlgRSA2048, AlgRSA3072, AlgRSA4096:
		priv, pub, err = generateRSA(random, algorithms[alg].KeySizeBits)

	case AlgMLDSA44:
		var p *mldsa44.PublicKey
		var s *mldsa44.PrivateKey
		p, s, err = mldsa44.GenerateKey(random)
		priv, pub = s, p
	case AlgMLDSA65:
		var p *mldsa65.PublicKey
		var s *mldsa65.PrivateKey
		p, s, err = mldsa65.GenerateKey(random)
		priv, pub = s, p
	case AlgMLDSA87:
		var p *mldsa87.PublicKey
		var s *mldsa87.PrivateKey
		p, s, err = mldsa87.GenerateKey(random)
		priv, pub = s, p

	case AlgMLKEM512:
		var p *mlkem512.PublicKey
		var s *mlkem512.PrivateKey
		p, s, err = mlkem512.GenerateKeyPair(random)
		priv, pub = s, p
	case AlgMLKEM768:
		var p *mlkem768.PublicKey
		var s *mlkem768.PrivateKey
		p, s, err = mlkem768.GenerateKeyPair(random)
		priv, pub = s, p
	case AlgMLKEM1024:
		var p *mlkem1024.PublicKey
		var s *mlkem1024.PrivateKey
		p, s, err = mlkem1024.GenerateKeyPair(random)
		priv, pub = s, p

	default:
		return nil, fmt.Errorf("key generation not implemented for: %s", alg)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", alg, err)
	}

	return &KeyPair{
		Algorithm:  alg,
		PrivateKey: priv,
		PublicKey:  pub,
	}, nil
}

func generateECDSA(random io.Reader, curve elliptic.Curve) (crypto.PrivateKey, crypto.PublicKey, error) {
	priv, err := ecdsa.GenerateKey(curve, random)
	if err != nil {
		return nil, nil, err
	}
	return priv, &priv.PublicKey, nil
}

func generateRSA(random io.Reader, bits int) (crypto.PrivateKey, crypto.PublicKey, error) {
	priv, err := rsa.GenerateKey(random, bits)
	if err != nil {
		return nil, nil, err
	}
	return priv, &priv.PublicKey, nil
}

// AlgorithmFromPublicKey determines the AlgorithmID from a public key.
func AlgorithmFromPublicKey(pub crypto.PublicKey) AlgorithmID {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return AlgECDSAP256
		case 384:
			return AlgECDSAP384
		case 521:
			return AlgECDSAP521
		}
	case ed25519.PublicKey:
		return AlgEd25519
	case *rsa.PublicKey:
		switch {
		case k.N.BitLen() <= 2048:
			return AlgRSA2048
		case k.N.BitLen() <= 3072:
			return AlgRSA3072
		}
		return AlgRSA4096
	case *mldsa44.PublicKey:
		return AlgMLDSA44
	case *mldsa65.PublicKey:
		return AlgMLDSA65
	case *mldsa87.PublicKey:
		return AlgMLDSA87
	case *mlkem512.PublicKey:
		return AlgMLKEM512
	case *mlkem768.PublicKey:
		return AlgMLKEM768
	case *mlkem1024.PublicKey:
		return AlgMLKEM1024
	}
	return AlgUnknown
}
