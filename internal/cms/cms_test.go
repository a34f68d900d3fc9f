package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
)

// =============================================================================
// Helpers
// =============================================================================

var testSerial int64 = 1

func issueCert(t *testing.T, cn string, isCA bool, pub crypto.PublicKey, parent *x509.Certificate, signer crypto.Signer) *x509.Certificate {
	t.Helper()
	testSerial++
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(testSerial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	}
	if parent == nil {
		parent = tmpl
	}
	der, err := pkicrypto.CreateCertificate(tmpl, parent, pub, signer)
	if err != nil {
		t.Fatalf("CreateCertificate(%s) failed: %v", cn, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate(%s) failed: %v", cn, err)
	}
	return cert
}

func newSigner(t *testing.T, alg pkicrypto.AlgorithmID) *pkicrypto.SoftwareSigner {
	t.Helper()
	s, err := pkicrypto.GenerateSoftwareSigner(alg)
	if err != nil {
		t.Fatalf("GenerateSoftwareSigner(%s) failed: %v", alg, err)
	}
	return s
}

// =============================================================================
// SignedData
// =============================================================================

func TestU_SignedData_SignVerify(t *testing.T) {
	tests := []struct {
		name string
		alg  pkicrypto.AlgorithmID
	}{
		{"[Unit] ECDSA P-256", pkicrypto.AlgECDSAP256},
		{"[Unit] ECDSA P-384", pkicrypto.AlgECDSAP384},
		{"[Unit] Ed25519", pkicrypto.AlgEd25519},
		{"[Unit] RSA 2048", pkicrypto.AlgRSA2048},
		{"[Unit] ML-DSA-65", pkicrypto.AlgMLDSA65},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rootKey := newSigner(t, tt.alg)
			root := issueCert(t, "Root", true, rootKey.Public(), nil, rootKey)
			key := newSigner(t, tt.alg)
			cert := issueCert(t, "Key Generation Authority", false, key.Public(), root, rootKey)

			content := []byte("asymmetric key package")
			der, err := Sign(content, &SignerConfig{
				Certificate: cert,
				Signer:      key,
				ContentType: OIDAsymmetricKeyPackage,
				Chain:       []*x509.Certificate{root},
			})
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}

			res, err := Verify(der, &VerifyConfig{Roots: []*x509.Certificate{root}})
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if !bytes.Equal(res.Content, content) {
				t.Errorf("content = %q, want %q", res.Content, content)
			}
			if !res.ContentType.Equal(OIDAsymmetricKeyPackage) {
				t.Errorf("content type = %s", res.ContentType)
			}
			if !bytes.Equal(res.SignerCert.Raw, cert.Raw) {
				t.Error("unexpected signer certificate")
			}
			if res.SigningTime.IsZero() {
				t.Error("signing time not set")
			}
		})
	}
}

func TestU_SignedData_BareAndWrapped(t *testing.T) {
	key := newSigner(t, pkicrypto.AlgECDSAP256)
	cert := issueCert(t, "Signer", false, key.Public(), nil, key)

	bare, err := NewSignedData([]byte("data"), &SignerConfig{Certificate: cert, Signer: key})
	if err != nil {
		t.Fatalf("NewSignedData failed: %v", err)
	}
	wrapped, err := WrapContentInfo(OIDSignedData, bare)
	if err != nil {
		t.Fatalf("WrapContentInfo failed: %v", err)
	}
	for _, der := range [][]byte{bare, wrapped} {
		res, err := Verify(der, nil)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if string(res.Content) != "data" || !res.ContentType.Equal(OIDData) {
			t.Errorf("unexpected result %q %s", res.Content, res.ContentType)
		}
	}

	envelope, _ := WrapContentInfo(OIDEnvelopedData, bare)
	if _, err := Verify(envelope, nil); err == nil {
		t.Error("Verify should reject a ContentInfo of another type")
	}
}

func TestU_SignedData_Tampered(t *testing.T) {
	key := newSigner(t, pkicrypto.AlgECDSAP256)
	cert := issueCert(t, "Signer", false, key.Public(), nil, key)

	der, err := NewSignedData([]byte("original content"), &SignerConfig{Certificate: cert, Signer: key})
	if err != nil {
		t.Fatalf("NewSignedData failed: %v", err)
	}
	tampered := bytes.Replace(der, []byte("original"), []byte("modified"), 1)
	if _, err := Verify(tampered, nil); err == nil {
		t.Error("Verify should fail on modified content")
	}
}

func TestU_SignedData_UntrustedSigner(t *testing.T) {
	key := newSigner(t, pkicrypto.AlgECDSAP256)
	cert := issueCert(t, "Signer", false, key.Public(), nil, key)
	otherKey := newSigner(t, pkicrypto.AlgECDSAP256)
	other := issueCert(t, "Other Root", true, otherKey.Public(), nil, otherKey)

	der, err := Sign([]byte("x"), &SignerConfig{Certificate: cert, Signer: key})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if _, err := Verify(der, &VerifyConfig{Roots: []*x509.Certificate{other}}); err == nil {
		t.Error("Verify should fail for an untrusted signer")
	}
}

func TestU_SignedData_MissingConfig(t *testing.T) {
	if _, err := Sign([]byte("x"), nil); err == nil {
		t.Error("Sign(nil config) should fail")
	}
	key := newSigner(t, pkicrypto.AlgECDSAP256)
	cert := issueCert(t, "Signer", false, key.Public(), nil, key)
	if _, err := Sign([]byte("x"), &SignerConfig{Certificate: cert}); err == nil {
		t.Error("Sign without signer should fail")
	}
	if _, err := Verify([]byte{0x01, 0x02}, nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("Verify(garbage) = %v, want ErrMalformed", err)
	}
}

// =============================================================================
// EnvelopedData
// =============================================================================

func TestU_EnvelopedData_RoundTrip(t *testing.T) {
	caKey := newSigner(t, pkicrypto.AlgECDSAP256)
	ca := issueCert(t, "CA", true, caKey.Public(), nil, caKey)

	tests := []struct {
		name string
		alg  pkicrypto.AlgorithmID
	}{
		{"[Unit] RSA key transport", pkicrypto.AlgRSA2048},
		{"[Unit] ECDH P-256 key agreement", pkicrypto.AlgECDSAP256},
		{"[Unit] ECDH P-384 key agreement", pkicrypto.AlgECDSAP384},
		{"[Unit] ML-KEM-768 recipient", pkicrypto.AlgMLKEM768},
		{"[Unit] ML-KEM-1024 recipient", pkicrypto.AlgMLKEM1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kp, err := pkicrypto.GenerateKeyPair(tt.alg)
			if err != nil {
				t.Fatalf("GenerateKeyPair failed: %v", err)
			}
			cert := issueCert(t, "Requester", false, kp.PublicKey, ca, caKey)

			content := bytes.Repeat([]byte("private key material "), 10)
			der, err := Envelope(content, &EnvelopeOptions{Recipient: cert, ContentType: OIDSignedData})
			if err != nil {
				t.Fatalf("Envelope failed: %v", err)
			}
			res, err := Decrypt(der, &DecryptOptions{PrivateKey: kp.PrivateKey, Certificate: cert})
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if !bytes.Equal(res.Content, content) {
				t.Error("decrypted content mismatch")
			}
			if !res.ContentType.Equal(OIDSignedData) {
				t.Errorf("content type = %s", res.ContentType)
			}

			// Decryption without a certificate tries every recipient.
			if _, err := Decrypt(der, &DecryptOptions{PrivateKey: kp.PrivateKey}); err != nil {
				t.Errorf("Decrypt without certificate failed: %v", err)
			}
		})
	}
}

func TestU_EnvelopedData_WrongKey(t *testing.T) {
	kp, _ := pkicrypto.GenerateKeyPair(pkicrypto.AlgECDSAP256)
	signer, _ := kp.Signer()
	cert := issueCert(t, "Requester", false, kp.PublicKey, nil, signer)

	der, err := Envelope([]byte("secret"), &EnvelopeOptions{Recipient: cert})
	if err != nil {
		t.Fatalf("Envelope failed: %v", err)
	}
	other, _ := pkicrypto.GenerateKeyPair(pkicrypto.AlgECDSAP256)
	if _, err := Decrypt(der, &DecryptOptions{PrivateKey: other.PrivateKey}); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("Decrypt with wrong key = %v, want ErrNoRecipient", err)
	}
	rsaKey, _ := pkicrypto.GenerateKeyPair(pkicrypto.AlgRSA2048)
	if _, err := Decrypt(der, &DecryptOptions{PrivateKey: rsaKey.PrivateKey}); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("Decrypt with RSA key = %v, want ErrNoRecipient", err)
	}
}

func TestU_EnvelopedData_UnsupportedRecipient(t *testing.T) {
	key := newSigner(t, pkicrypto.AlgEd25519)
	cert := issueCert(t, "Ed25519", false, key.Public(), nil, key)
	if _, err := Envelope([]byte("x"), &EnvelopeOptions{Recipient: cert}); err == nil {
		t.Error("Envelope should reject Ed25519 recipients")
	}
	if _, err := Envelope([]byte("x"), nil); err == nil {
		t.Error("Envelope without recipient should fail")
	}
}

// =============================================================================
// Key wrap and key package
// =============================================================================

func TestU_AESKeyWrap_RFC3394Vector(t *testing.T) {
	// RFC 3394 Section 4.6: 256-bit KEK, 256-bit key data.
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F101112131415161718191A1B1C1D1E1F")
	key := mustHex(t, "00112233445566778899AABBCCDDEEFF000102030405060708090A0B0C0D0E0F")
	want := mustHex(t, "28C9F404C4B810F4CBCCB35CFB87F8263F5786E2D80ED326CBC7F0E71A99F43BFB988B9B7A02DD21")

	got, err := aesKeyWrap(kek, key)
	if err != nil {
		t.Fatalf("aesKeyWrap failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("wrapped = %X, want %X", got, want)
	}
	unwrapped, err := aesKeyUnwrap(kek, got)
	if err != nil {
		t.Fatalf("aesKeyUnwrap failed: %v", err)
	}
	if !bytes.Equal(unwrapped, key) {
		t.Error("unwrap mismatch")
	}

	got[3] ^= 0xFF
	if _, err := aesKeyUnwrap(kek, got); !errors.Is(err, errKeyUnwrap) {
		t.Errorf("unwrap of modified data = %v, want integrity error", err)
	}
}

func TestU_AsymmetricKeyPackage(t *testing.T) {
	kp, _ := pkicrypto.GenerateKeyPair(pkicrypto.AlgECDSAP256)
	pkcs8, err := pkicrypto.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey failed: %v", err)
	}
	pkg, err := MarshalAsymmetricKeyPackage(pkcs8)
	if err != nil {
		t.Fatalf("MarshalAsymmetricKeyPackage failed: %v", err)
	}
	keys, err := ParseAsymmetricKeyPackage(pkg)
	if err != nil {
		t.Fatalf("ParseAsymmetricKeyPackage failed: %v", err)
	}
	if len(keys) != 1 || !bytes.Equal(keys[0], pkcs8) {
		t.Fatal("key package did not round trip")
	}
	if _, err := MarshalAsymmetricKeyPackage(); err == nil {
		t.Error("empty key package should be rejected")
	}
	if _, err := ParseAsymmetricKeyPackage([]byte{0x30, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty package = %v, want ErrMalformed", err)
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}
