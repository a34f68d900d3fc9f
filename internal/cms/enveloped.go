package cms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
)

const (
	cekSize = 32 // AES-256
	kekSize = 32 // AES-256 key wrap
)

var (
	tagContext4 = cbasn1.Tag(4).ContextSpecific().Constructed()

	// encryptedContent [0] IMPLICIT OCTET STRING
	tagEncryptedContent = cbasn1.Tag(0).ContextSpecific()
)

// EnvelopeOptions configures EnvelopedData creation.
type EnvelopeOptions struct {
	// Recipient receives the content-encryption key. Its key type selects
	// the recipient info: RSA uses key transport with RSA-OAEP, EC uses
	// ECDH key agreement and ML-KEM uses a KEM recipient.
	Recipient *x509.Certificate
	// ContentType of the encrypted content, id-data by default.
	ContentType asn1.ObjectIdentifier
}

// Envelope encrypts content with AES-256-CBC for one recipient and returns
// the bare EnvelopedData encoding.
func Envelope(content []byte, opts *EnvelopeOptions) ([]byte, error) {
	if opts == nil || opts.Recipient == nil {
		return nil, fmt.Errorf("recipient certificate is required")
	}
	contentType := opts.ContentType
	if len(contentType) == 0 {
		contentType = OIDData
	}

	cek := make([]byte, cekSize)
	if _, err := rand.Read(cek); err != nil {
		return nil, fmt.Errorf("failed to generate content-encryption key: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	ciphertext, err := encryptAESCBC(cek, iv, content)
	if err != nil {
		return nil, err
	}

	pub, err := pkicrypto.CertificatePublicKey(opts.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient public key: %w", err)
	}

	var ri []byte
	version := int64(0)
	switch k := pub.(type) {
	case *rsa.PublicKey:
		ri, err = keyTransRecipientInfo(k, opts.Recipient, cek)
	case *ecdsa.PublicKey:
		ri, err = keyAgreeRecipientInfo(k, opts.Recipient, cek)
		version = 2
	case kem.PublicKey:
		ri, err = kemRecipientInfo(k, opts.Recipient, cek)
		version = 3
	default:
		return nil, fmt.Errorf("unsupported recipient key type %T", pub)
	}
	if err != nil {
		return nil, err
	}

	ivDER, err := asn1.Marshal(iv)
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(version)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			b.AddBytes(ri)
		})
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(contentType)
			addAlgorithmIdentifier(b, pkix.AlgorithmIdentifier{
				Algorithm:  OIDAES256CBC,
				Parameters: asn1.RawValue{FullBytes: ivDER},
			})
			b.AddASN1(tagEncryptedContent, func(b *cryptobyte.Builder) {
				b.AddBytes(ciphertext)
			})
		})
	})
	return b.Bytes()
}

// keyTransRecipientInfo builds a version 0 KeyTransRecipientInfo with
// RSAES-OAEP (SHA-256, MGF1-SHA-256).
func keyTransRecipientInfo(pub *rsa.PublicKey, cert *x509.Certificate, cek []byte) ([]byte, error) {
	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, cek, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt content-encryption key: %w", err)
	}
	params, err := oaepParams()
	if err != nil {
		return nil, err
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		addIssuerAndSerial(b, cert)
		addAlgorithmIdentifier(b, pkix.AlgorithmIdentifier{
			Algorithm:  OIDRSAOAEP,
			Parameters: asn1.RawValue{FullBytes: params},
		})
		b.AddASN1OctetString(encryptedKey)
	})
	return b.Bytes()
}

// oaepParams encodes RSAES-OAEP-params naming SHA-256 and MGF1-SHA-256.
func oaepParams() ([]byte, error) {
	sha := pkix.AlgorithmIdentifier{Algorithm: OIDSHA256}
	shaDER, err := asn1.Marshal(sha)
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
			b.AddBytes(shaDER)
		})
		b.AddASN1(tagContext1, func(b *cryptobyte.Builder) {
			addAlgorithmIdentifier(b, pkix.AlgorithmIdentifier{
				Algorithm:  OIDMGF1,
				Parameters: asn1.RawValue{FullBytes: shaDER},
			})
		})
	})
	return b.Bytes()
}

// keyAgreeRecipientInfo builds a KeyAgreeRecipientInfo using an ephemeral
// ECDH key, the X9.63 SHA-256 KDF and AES-256 key wrap (RFC 5753).
func keyAgreeRecipientInfo(pub *ecdsa.PublicKey, cert *x509.Certificate, cek []byte) ([]byte, error) {
	recipient, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("recipient key is not usable for ECDH: %w", err)
	}
	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}

	wrapAlg := pkix.AlgorithmIdentifier{Algorithm: OIDAESWrap256}
	sharedInfo, err := eccCMSSharedInfo(wrapAlg, nil, kekSize)
	if err != nil {
		return nil, err
	}
	kek := x963KDF(shared, kekSize, sharedInfo)
	encryptedKey, err := aesKeyWrap(kek, cek)
	if err != nil {
		return nil, err
	}

	curveOID, err := curveOID(recipient.Curve())
	if err != nil {
		return nil, err
	}
	wrapDER, err := asn1.Marshal(wrapAlg)
	if err != nil {
		return nil, err
	}
	ephemeralPoint := ephemeral.PublicKey().Bytes()

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(tagContext1, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(3)
		b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
			b.AddASN1(tagContext1, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(OIDECPublicKey)
					b.AddASN1ObjectIdentifier(curveOID)
				})
				b.AddASN1BitString(ephemeralPoint)
			})
		})
		addAlgorithmIdentifier(b, pkix.AlgorithmIdentifier{
			Algorithm:  OIDECDHSHA256KDF,
			Parameters: asn1.RawValue{FullBytes: wrapDER},
		})
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				addIssuerAndSerial(b, cert)
				b.AddASN1OctetString(encryptedKey)
			})
		})
	})
	return b.Bytes()
}

// eccCMSSharedInfo encodes ECC-CMS-SharedInfo (RFC 5753 Section 7.2).
func eccCMSSharedInfo(wrapAlg pkix.AlgorithmIdentifier, ukm []byte, keySize int) ([]byte, error) {
	keyBits := make([]byte, 4)
	binary.BigEndian.PutUint32(keyBits, uint32(keySize*8))

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addAlgorithmIdentifier(b, wrapAlg)
		if ukm != nil {
			b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(ukm)
			})
		}
		b.AddASN1(cbasn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(keyBits)
		})
	})
	return b.Bytes()
}

// kemRecipientInfo builds an OtherRecipientInfo of type id-ori-kem holding
// a KEMRecipientInfo (RFC 9629) with HKDF-SHA256 and AES-256 key wrap.
func kemRecipientInfo(pub kem.PublicKey, cert *x509.Certificate, cek []byte) ([]byte, error) {
	kemAlg := pkicrypto.AlgorithmFromPublicKey(pub)
	if !kemAlg.IsKEM() {
		return nil, fmt.Errorf("unsupported KEM recipient key %T", pub)
	}
	kemct, shared, err := pub.Scheme().Encapsulate(pub)
	if err != nil {
		return nil, fmt.Errorf("KEM encapsulation failed: %w", err)
	}

	wrapAlg := pkix.AlgorithmIdentifier{Algorithm: OIDAESWrap256}
	info, err := kemOtherInfo(wrapAlg, kekSize, nil)
	if err != nil {
		return nil, err
	}
	kek, err := hkdfSHA256(shared, kekSize, info)
	if err != nil {
		return nil, err
	}
	encryptedKey, err := aesKeyWrap(kek, cek)
	if err != nil {
		return nil, err
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(tagContext4, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(OIDORIKEM)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1Int64(0)
			addIssuerAndSerial(b, cert)
			addAlgorithmIdentifier(b, pkix.AlgorithmIdentifier{Algorithm: kemAlg.OID()})
			b.AddASN1OctetString(kemct)
			addAlgorithmIdentifier(b, pkix.AlgorithmIdentifier{Algorithm: OIDHKDFSHA256})
			b.AddASN1Int64(kekSize)
			addAlgorithmIdentifier(b, wrapAlg)
			b.AddASN1OctetString(encryptedKey)
		})
	})
	return b.Bytes()
}

// kemOtherInfo encodes CMSORIforKEMOtherInfo, the HKDF info input.
func kemOtherInfo(wrapAlg pkix.AlgorithmIdentifier, kekLength int, ukm []byte) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addAlgorithmIdentifier(b, wrapAlg)
		b.AddASN1Int64(int64(kekLength))
		if ukm != nil {
			b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(ukm)
			})
		}
	})
	return b.Bytes()
}

func curveOID(c ecdh.Curve) (asn1.ObjectIdentifier, error) {
	switch c {
	case ecdh.P256():
		return pkicrypto.OIDCurveP256, nil
	case ecdh.P384():
		return pkicrypto.OIDCurveP384, nil
	case ecdh.P521():
		return pkicrypto.OIDCurveP521, nil
	}
	return nil, fmt.Errorf("unsupported curve %v", c)
}

func encryptAESCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}
