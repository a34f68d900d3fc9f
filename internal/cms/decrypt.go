package cms

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	// hashes named by RSAES-OAEP-params
	_ "crypto/sha1"
	_ "crypto/sha256"

	"github.com/cloudflare/circl/kem"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrNoRecipient is returned when no recipient info can be decrypted with
// the given key.
var ErrNoRecipient = errors.New("no matching recipient")

// DecryptOptions configures EnvelopedData decryption.
type DecryptOptions struct {
	// PrivateKey is an *rsa.PrivateKey (or an RSA crypto.Decrypter), an
	// *ecdsa.PrivateKey or an ML-KEM kem.PrivateKey.
	PrivateKey crypto.PrivateKey
	// Certificate selects the recipient info; without it every recipient
	// is tried.
	Certificate *x509.Certificate
}

// DecryptResult contains the decrypted content.
type DecryptResult struct {
	Content     []byte
	ContentType asn1.ObjectIdentifier
}

type recipientID struct {
	issuer []byte
	serial *big.Int
	ski    []byte
}

func (r recipientID) matches(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	if r.ski != nil {
		return bytes.Equal(r.ski, cert.SubjectKeyId)
	}
	return bytes.Equal(r.issuer, cert.RawIssuer) && r.serial != nil && r.serial.Cmp(cert.SerialNumber) == 0
}

// Decrypt decrypts an EnvelopedData, given bare or inside a ContentInfo.
func Decrypt(der []byte, opts *DecryptOptions) (*DecryptResult, error) {
	if opts == nil || opts.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	edDER, err := unwrapIfContentInfo(der, OIDEnvelopedData)
	if err != nil {
		return nil, err
	}

	input := cryptobyte.String(edDER)
	var ed, ris, eci cryptobyte.String
	var version int64
	if !input.ReadASN1(&ed, cbasn1.SEQUENCE) ||
		!ed.ReadASN1Integer(&version) ||
		!ed.SkipOptionalASN1(tagContext0) ||
		!ed.ReadASN1(&ris, cbasn1.SET) ||
		!ed.ReadASN1(&eci, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: EnvelopedData", ErrMalformed)
	}

	var cek []byte
	var lastErr error
	for !ris.Empty() && cek == nil {
		var ri cryptobyte.String
		var tag cbasn1.Tag
		if !ris.ReadAnyASN1Element(&ri, &tag) {
			return nil, fmt.Errorf("%w: RecipientInfo", ErrMalformed)
		}
		switch tag {
		case cbasn1.SEQUENCE:
			cek, err = decryptKeyTrans(ri, opts)
		case tagContext1:
			cek, err = decryptKeyAgree(ri, opts)
		case tagContext4:
			cek, err = decryptOtherRecipient(ri, opts)
		default:
			continue
		}
		if err != nil {
			cek, lastErr = nil, err
		}
	}
	if cek == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoRecipient, lastErr)
		}
		return nil, ErrNoRecipient
	}

	var contentType asn1.ObjectIdentifier
	var algDER, ciphertext cryptobyte.String
	if !eci.ReadASN1ObjectIdentifier(&contentType) ||
		!eci.ReadASN1Element(&algDER, cbasn1.SEQUENCE) ||
		!eci.ReadASN1(&ciphertext, tagEncryptedContent) {
		return nil, fmt.Errorf("%w: EncryptedContentInfo", ErrMalformed)
	}
	var alg pkix.AlgorithmIdentifier
	if _, err := asn1.Unmarshal(algDER, &alg); err != nil {
		return nil, fmt.Errorf("%w: content encryption algorithm: %v", ErrMalformed, err)
	}
	content, err := decryptContent(alg, cek, ciphertext)
	if err != nil {
		return nil, err
	}
	return &DecryptResult{Content: content, ContentType: contentType}, nil
}

func readRecipientID(s *cryptobyte.String) (recipientID, error) {
	var rid recipientID
	if s.PeekASN1Tag(cbasn1.SEQUENCE) {
		var ias, issuer cryptobyte.String
		rid.serial = new(big.Int)
		if !s.ReadASN1(&ias, cbasn1.SEQUENCE) ||
			!ias.ReadASN1Element(&issuer, cbasn1.SEQUENCE) ||
			!ias.ReadASN1Integer(rid.serial) {
			return rid, fmt.Errorf("%w: IssuerAndSerialNumber", ErrMalformed)
		}
		rid.issuer = issuer
		return rid, nil
	}
	var ski cryptobyte.String
	if !s.ReadASN1(&ski, cbasn1.Tag(0).ContextSpecific()) {
		return rid, fmt.Errorf("%w: recipient identifier", ErrMalformed)
	}
	rid.ski = ski
	return rid, nil
}

func readAlgorithmIdentifier(s *cryptobyte.String) (pkix.AlgorithmIdentifier, error) {
	var alg pkix.AlgorithmIdentifier
	var der cryptobyte.String
	if !s.ReadASN1Element(&der, cbasn1.SEQUENCE) {
		return alg, fmt.Errorf("%w: AlgorithmIdentifier", ErrMalformed)
	}
	if _, err := asn1.Unmarshal(der, &alg); err != nil {
		return alg, fmt.Errorf("%w: AlgorithmIdentifier: %v", ErrMalformed, err)
	}
	return alg, nil
}

func decryptKeyTrans(ri cryptobyte.String, opts *DecryptOptions) ([]byte, error) {
	var ktri cryptobyte.String
	var version int64
	if !ri.ReadASN1(&ktri, cbasn1.SEQUENCE) || !ktri.ReadASN1Integer(&version) {
		return nil, fmt.Errorf("%w: KeyTransRecipientInfo", ErrMalformed)
	}
	rid, err := readRecipientID(&ktri)
	if err != nil {
		return nil, err
	}
	if !rid.matches(opts.Certificate) {
		return nil, ErrNoRecipient
	}
	alg, err := readAlgorithmIdentifier(&ktri)
	if err != nil {
		return nil, err
	}
	var encryptedKey []byte
	if !ktri.ReadASN1Bytes(&encryptedKey, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: encryptedKey", ErrMalformed)
	}

	decrypter, ok := opts.PrivateKey.(crypto.Decrypter)
	if !ok {
		return nil, fmt.Errorf("key transport requires an RSA private key, got %T", opts.PrivateKey)
	}
	if _, isRSA := decrypter.Public().(*rsa.PublicKey); !isRSA {
		return nil, fmt.Errorf("key transport requires an RSA private key")
	}

	switch {
	case alg.Algorithm.Equal(OIDRSAOAEP):
		h, err := oaepHash(alg.Parameters.FullBytes)
		if err != nil {
			return nil, err
		}
		return decrypter.Decrypt(rand.Reader, encryptedKey, &rsa.OAEPOptions{Hash: h})
	case alg.Algorithm.Equal(OIDRSAES):
		return decrypter.Decrypt(rand.Reader, encryptedKey, &rsa.PKCS1v15DecryptOptions{})
	}
	return nil, fmt.Errorf("unsupported key encryption algorithm %s", alg.Algorithm)
}

// oaepHash returns the hash named by RSAES-OAEP-params; SHA-1 when absent.
func oaepHash(params []byte) (crypto.Hash, error) {
	if len(params) == 0 {
		return crypto.SHA1, nil
	}
	input := cryptobyte.String(params)
	var seq, hashWrap cryptobyte.String
	var hasHash bool
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !seq.ReadOptionalASN1(&hashWrap, &hasHash, tagContext0) {
		return 0, fmt.Errorf("%w: RSAES-OAEP-params", ErrMalformed)
	}
	if !hasHash {
		return crypto.SHA1, nil
	}
	alg, err := readAlgorithmIdentifier(&hashWrap)
	if err != nil {
		return 0, err
	}
	return hashForDigestAlgorithm(alg.Algorithm)
}

func decryptKeyAgree(ri cryptobyte.String, opts *DecryptOptions) ([]byte, error) {
	priv, ok := opts.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key agreement requires an EC private key, got %T", opts.PrivateKey)
	}

	var kari, originator, origKey cryptobyte.String
	var version int64
	if !ri.ReadASN1(&kari, tagContext1) ||
		!kari.ReadASN1Integer(&version) ||
		!kari.ReadASN1(&originator, tagContext0) ||
		!originator.ReadASN1(&origKey, tagContext1) {
		return nil, fmt.Errorf("%w: KeyAgreeRecipientInfo originator must be a public key", ErrMalformed)
	}
	var point asn1.BitString
	if !origKey.SkipASN1(cbasn1.SEQUENCE) || !origKey.ReadASN1BitString(&point) {
		return nil, fmt.Errorf("%w: OriginatorPublicKey", ErrMalformed)
	}

	var ukmWrap cryptobyte.String
	var hasUKM bool
	if !kari.ReadOptionalASN1(&ukmWrap, &hasUKM, tagContext1) {
		return nil, fmt.Errorf("%w: ukm", ErrMalformed)
	}
	var ukm []byte
	if hasUKM && !ukmWrap.ReadASN1Bytes(&ukm, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: ukm", ErrMalformed)
	}

	keyEncAlg, err := readAlgorithmIdentifier(&kari)
	if err != nil {
		return nil, err
	}
	if !keyEncAlg.Algorithm.Equal(OIDECDHSHA256KDF) {
		return nil, fmt.Errorf("unsupported key agreement algorithm %s", keyEncAlg.Algorithm)
	}
	var wrapAlg pkix.AlgorithmIdentifier
	if _, err := asn1.Unmarshal(keyEncAlg.Parameters.FullBytes, &wrapAlg); err != nil {
		return nil, fmt.Errorf("%w: key wrap algorithm: %v", ErrMalformed, err)
	}
	keySize, err := wrapKeySize(wrapAlg.Algorithm)
	if err != nil {
		return nil, err
	}

	var reks cryptobyte.String
	if !kari.ReadASN1(&reks, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: RecipientEncryptedKeys", ErrMalformed)
	}
	var encryptedKey []byte
	for !reks.Empty() {
		var rek cryptobyte.String
		if !reks.ReadASN1(&rek, cbasn1.SEQUENCE) {
			return nil, fmt.Errorf("%w: RecipientEncryptedKey", ErrMalformed)
		}
		var rid recipientID
		if rek.PeekASN1Tag(cbasn1.SEQUENCE) {
			if rid, err = readRecipientID(&rek); err != nil {
				return nil, err
			}
		} else {
			// rKeyId [0] IMPLICIT RecipientKeyIdentifier
			var rkid, ski cryptobyte.String
			if !rek.ReadASN1(&rkid, tagContext0) || !rkid.ReadASN1(&ski, cbasn1.OCTET_STRING) {
				return nil, fmt.Errorf("%w: RecipientKeyIdentifier", ErrMalformed)
			}
			rid.ski = ski
		}
		var ek []byte
		if !rek.ReadASN1Bytes(&ek, cbasn1.OCTET_STRING) {
			return nil, fmt.Errorf("%w: encryptedKey", ErrMalformed)
		}
		if rid.matches(opts.Certificate) {
			encryptedKey = ek
			break
		}
	}
	if encryptedKey == nil {
		return nil, ErrNoRecipient
	}

	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return nil, err
	}
	originatorPub, err := ecdhPriv.Curve().NewPublicKey(point.RightAlign())
	if err != nil {
		return nil, fmt.Errorf("invalid originator public key: %w", err)
	}
	shared, err := ecdhPriv.ECDH(originatorPub)
	if err != nil {
		return nil, err
	}
	sharedInfo, err := eccCMSSharedInfo(pkix.AlgorithmIdentifier{Algorithm: wrapAlg.Algorithm}, ukm, keySize)
	if err != nil {
		return nil, err
	}
	return aesKeyUnwrap(x963KDF(shared, keySize, sharedInfo), encryptedKey)
}

func decryptOtherRecipient(ri cryptobyte.String, opts *DecryptOptions) ([]byte, error) {
	var ori, kemri cryptobyte.String
	var oriType asn1.ObjectIdentifier
	if !ri.ReadASN1(&ori, tagContext4) || !ori.ReadASN1ObjectIdentifier(&oriType) {
		return nil, fmt.Errorf("%w: OtherRecipientInfo", ErrMalformed)
	}
	if !oriType.Equal(OIDORIKEM) {
		return nil, fmt.Errorf("unsupported recipient info type %s", oriType)
	}
	sk, ok := opts.PrivateKey.(kem.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("KEM recipient requires a KEM private key, got %T", opts.PrivateKey)
	}

	var version, kekLength int64
	if !ori.ReadASN1(&kemri, cbasn1.SEQUENCE) || !kemri.ReadASN1Integer(&version) {
		return nil, fmt.Errorf("%w: KEMRecipientInfo", ErrMalformed)
	}
	rid, err := readRecipientID(&kemri)
	if err != nil {
		return nil, err
	}
	if !rid.matches(opts.Certificate) {
		return nil, ErrNoRecipient
	}
	if _, err := readAlgorithmIdentifier(&kemri); err != nil {
		return nil, err
	}
	var kemct []byte
	if !kemri.ReadASN1Bytes(&kemct, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: kemct", ErrMalformed)
	}
	kdf, err := readAlgorithmIdentifier(&kemri)
	if err != nil {
		return nil, err
	}
	if !kdf.Algorithm.Equal(OIDHKDFSHA256) {
		return nil, fmt.Errorf("unsupported KEM key derivation %s", kdf.Algorithm)
	}
	if !kemri.ReadASN1Integer(&kekLength) {
		return nil, fmt.Errorf("%w: kekLength", ErrMalformed)
	}
	var ukmWrap cryptobyte.String
	var hasUKM bool
	var ukm []byte
	if !kemri.ReadOptionalASN1(&ukmWrap, &hasUKM, tagContext0) ||
		(hasUKM && !ukmWrap.ReadASN1Bytes(&ukm, cbasn1.OCTET_STRING)) {
		return nil, fmt.Errorf("%w: ukm", ErrMalformed)
	}
	wrapAlg, err := readAlgorithmIdentifier(&kemri)
	if err != nil {
		return nil, err
	}
	var encryptedKey []byte
	if !kemri.ReadASN1Bytes(&encryptedKey, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: encryptedKey", ErrMalformed)
	}
	if size, err := wrapKeySize(wrapAlg.Algorithm); err != nil || int64(size) != kekLength {
		return nil, fmt.Errorf("key wrap %s does not match kekLength %d", wrapAlg.Algorithm, kekLength)
	}

	shared, err := sk.Scheme().Decapsulate(sk, kemct)
	if err != nil {
		return nil, fmt.Errorf("KEM decapsulation failed: %w", err)
	}
	info, err := kemOtherInfo(pkix.AlgorithmIdentifier{Algorithm: wrapAlg.Algorithm}, int(kekLength), ukm)
	if err != nil {
		return nil, err
	}
	kek, err := hkdfSHA256(shared, int(kekLength), info)
	if err != nil {
		return nil, err
	}
	return aesKeyUnwrap(kek, encryptedKey)
}

func wrapKeySize(oid asn1.ObjectIdentifier) (int, error) {
	switch {
	case oid.Equal(OIDAESWrap128):
		return 16, nil
	case oid.Equal(OIDAESWrap256):
		return 32, nil
	}
	return 0, fmt.Errorf("unsupported key wrap algorithm %s", oid)
}

func decryptContent(alg pkix.AlgorithmIdentifier, cek, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("invalid content-encryption key: %w", err)
	}
	switch {
	case alg.Algorithm.Equal(OIDAES128CBC), alg.Algorithm.Equal(OIDAES256CBC):
		var iv []byte
		if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &iv); err != nil || len(iv) != aes.BlockSize {
			return nil, fmt.Errorf("%w: CBC IV", ErrMalformed)
		}
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrMalformed)
		}
		out := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
		return unpad(out)

	case alg.Algorithm.Equal(OIDAES128GCM), alg.Algorithm.Equal(OIDAES256GCM):
		var params struct {
			Nonce  []byte
			ICVLen int `asn1:"optional,default:12"`
		}
		if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
			return nil, fmt.Errorf("%w: GCM parameters: %v", ErrMalformed, err)
		}
		gcm, err := cipher.NewGCMWithNonceSize(block, len(params.Nonce))
		if err != nil {
			return nil, err
		}
		return gcm.Open(nil, params.Nonce, ciphertext, nil)
	}
	return nil, fmt.Errorf("unsupported content encryption algorithm %s", alg.Algorithm)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
