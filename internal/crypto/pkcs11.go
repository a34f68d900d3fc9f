//go:build cgo

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS11Config holds PKCS#11 configuration.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 module (.so/.dylib/.dll)
	ModulePath string

	// TokenLabel is the label of the token to use
	TokenLabel string

	// TokenSerial is the serial number of the token (alternative to TokenLabel)
	TokenSerial string

	// PIN is the user PIN for the token
	PIN string

	// KeyLabel is the label of the key to use
	KeyLabel string

	// KeyID is the CKA_ID of the key (hex encoded)
	KeyID string

	// SlotID is the slot ID (optional, use TokenLabel if not specified)
	SlotID *uint
}

// PKCS11Signer implements Signer with a key held in an HSM. One session is
// opened per signer and serialized by a mutex. EC and RSA keys are supported.
type PKCS11Signer struct {
	ctx       *pkcs11.Ctx
	session   pkcs11.SessionHandle
	keyHandle pkcs11.ObjectHandle
	alg       AlgorithmID
	pub       crypto.PublicKey
	mu        sync.Mutex
	closed    bool
}

var _ Signer = (*PKCS11Signer)(nil)

// NewPKCS11Signer opens a session on the configured token, logs in and
// locates the private key.
func NewPKCS11Signer(cfg PKCS11Config) (*PKCS11Signer, error) {
	if cfg.ModulePath == "" {
		return nil, fmt.Errorf("PKCS#11 module path is required")
	}
	if cfg.KeyLabel == "" && cfg.KeyID == "" {
		return nil, fmt.Errorf("at least one of key_label or key_id is required")
	}

	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module: %s", cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			ctx.Destroy()
			return nil, fmt.Errorf("failed to initialize: %w", err)
		}
	}

	slot, err := findSlot(ctx, cfg)
	if err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("failed to find slot: %w", err)
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	if cfg.PIN != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
			if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
				_ = ctx.CloseSession(session)
				ctx.Destroy()
				return nil, fmt.Errorf("failed to login: %w", err)
			}
		}
	}

	s := &PKCS11Signer{ctx: ctx, session: session}
	if s.keyHandle, err = findPrivateKey(ctx, session, cfg); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to find private key: %w", err)
	}
	if s.pub, s.alg, err = extractPublicKey(ctx, session, s.keyHandle); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to extract public key: %w", err)
	}
	return s, nil
}

// findSlot finds the slot matching the configuration.
func findSlot(ctx *pkcs11.Ctx, cfg PKCS11Config) (uint, error) {
	if cfg.SlotID != nil {
		return *cfg.SlotID, nil
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to get slot list: %w", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("no slots with tokens found")
	}

	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if cfg.TokenLabel != "" && info.Label == cfg.TokenLabel {
			return slot, nil
		}
		if cfg.TokenSerial != "" && info.SerialNumber == cfg.TokenSerial {
			return slot, nil
		}
	}

	if cfg.TokenLabel != "" {
		return 0, fmt.Errorf("token with label %q not found", cfg.TokenLabel)
	}
	if cfg.TokenSerial != "" {
		return 0, fmt.Errorf("token with serial %q not found", cfg.TokenSerial)
	}
	return slots[0], nil
}

func findPrivateKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, cfg PKCS11Config) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}
	if cfg.KeyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, cfg.KeyLabel))
	}
	if cfg.KeyID != "" {
		id, err := hex.DecodeString(cfg.KeyID)
		if err != nil {
			return 0, fmt.Errorf("invalid key_id hex: %w", err)
		}
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}

	objs, err := findObjects(ctx, session, template, 2)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("private key not found")
	}
	if len(objs) > 1 {
		return 0, fmt.Errorf("multiple keys found, please specify both key_label and key_id")
	}
	return objs[0], nil
}

func findPublicKeyForPrivate(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, privHandle pkcs11.ObjectHandle) (pkcs11.ObjectHandle, error) {
	attrs, err := ctx.GetAttributeValue(session, privHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get private key ID/type: %w", err)
	}

	objs, err := findObjects(ctx, session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, attrs[0].Value),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, attrs[1].Value),
	}, 1)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("public key not found for private key")
	}
	return objs[0], nil
}

func findObjects(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return nil, fmt.Errorf("failed to init find objects: %w", err)
	}
	defer func() { _ = ctx.FindObjectsFinal(session) }()

	objs, _, err := ctx.FindObjects(session, max)
	if err != nil {
		return nil, fmt.Errorf("failed to find objects: %w", err)
	}
	return objs, nil
}

func extractPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, AlgorithmID, error) {
	attrs, err := ctx.GetAttributeValue(session, keyHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get key type: %w", err)
	}

	switch keyType := bytesToUint(attrs[0].Value); keyType {
	case pkcs11.CKK_EC:
		return extractECPublicKey(ctx, session, keyHandle)
	case pkcs11.CKK_RSA:
		return extractRSAPublicKey(ctx, session, keyHandle)
	default:
		return nil, "", fmt.Errorf("unsupported key type: 0x%X", keyType)
	}
}

func extractECPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, AlgorithmID, error) {
	attrs, err := ctx.GetAttributeValue(session, keyHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get EC params: %w", err)
	}
	curve, algID, err := parseECParams(attrs[0].Value)
	if err != nil {
		return nil, "", err
	}

	pubHandle, err := findPublicKeyForPrivate(ctx, session, keyHandle)
	if err != nil {
		return nil, "", err
	}
	pubAttrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get EC point: %w", err)
	}

	// CKA_EC_POINT is normally a DER OCTET STRING around the point.
	point := pubAttrs[0].Value
	var inner []byte
	if rest, err := asn1.Unmarshal(point, &inner); err == nil && len(rest) == 0 {
		point = inner
	}

	//nolint:staticcheck // elliptic.Unmarshal is deprecated for ECDH but we need ECDSA
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, "", fmt.Errorf("failed to unmarshal EC point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, algID, nil
}

func extractRSAPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, AlgorithmID, error) {
	pubHandle, err := findPublicKeyForPrivate(ctx, session, keyHandle)
	if err != nil {
		return nil, "", err
	}
	attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get RSA attributes: %w", err)
	}

	// CKA_PUBLIC_EXPONENT is a big-endian big integer, not a CK_ULONG.
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
	}
	return pub, AlgorithmFromPublicKey(pub), nil
}

func parseECParams(params []byte) (elliptic.Curve, AlgorithmID, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, "", fmt.Errorf("failed to parse EC params OID: %w", err)
	}
	switch {
	case oid.Equal(OIDCurveP256):
		return elliptic.P256(), AlgECDSAP256, nil
	case oid.Equal(OIDCurveP384):
		return elliptic.P384(), AlgECDSAP384, nil
	case oid.Equal(OIDCurveP521):
		return elliptic.P521(), AlgECDSAP521, nil
	}
	return nil, "", fmt.Errorf("unsupported EC curve OID: %v", oid)
}

// bytesToUint converts a CK_ULONG attribute (native little-endian) to uint.
func bytesToUint(b []byte) uint {
	var result uint
	for i := len(b) - 1; i >= 0; i-- {
		result = result<<8 | uint(b[i])
	}
	return result
}

// Algorithm returns the algorithm used by this signer.
func (s *PKCS11Signer) Algorithm() AlgorithmID {
	return s.alg
}

// Public returns the public key.
func (s *PKCS11Signer) Public() crypto.PublicKey {
	return s.pub
}

// Sign signs the digest using the HSM.
func (s *PKCS11Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("signer is closed")
	}

	var mech *pkcs11.Mechanism
	data := digest
	switch s.pub.(type) {
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	case *rsa.PublicKey:
		// CKM_RSA_PKCS expects the DigestInfo, not the bare digest.
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		data = addDigestInfoPrefix(digest, opts.HashFunc())
	default:
		return nil, fmt.Errorf("unsupported key type for signing")
	}

	if err := s.ctx.SignInit(s.session, []*pkcs11.Mechanism{mech}, s.keyHandle); err != nil {
		return nil, fmt.Errorf("failed to init sign: %w", err)
	}
	sig, err := s.ctx.Sign(s.session, data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		return convertECDSASignature(sig)
	}
	return sig, nil
}

// DigestInfo prefixes for PKCS#1 v1.5 signatures (RFC 8017)
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

func addDigestInfoPrefix(digest []byte, hash crypto.Hash) []byte {
	prefix, ok := digestInfoPrefixes[hash]
	if !ok {
		return digest
	}
	result := make([]byte, len(prefix)+len(digest))
	copy(result, prefix)
	copy(result[len(prefix):], digest)
	return result
}

// convertECDSASignature converts a raw r||s signature to ASN.1 DER.
func convertECDSASignature(rawSig []byte) ([]byte, error) {
	if len(rawSig)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length")
	}
	n := len(rawSig) / 2
	return asn1.Marshal(struct {
		R, S *big.Int
	}{new(big.Int).SetBytes(rawSig[:n]), new(big.Int).SetBytes(rawSig[n:])})
}

// Close logs out and releases the session. The module is not finalized since
// C_Finalize affects every PKCS#11 user in the process.
func (s *PKCS11Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.ctx.Logout(s.session)
	err := s.ctx.CloseSession(s.session)
	s.ctx.Destroy()
	return err
}
