package protection

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"hash"

	// hashes for OWF, PRF and HMAC
	_ "crypto/sha256"
	_ "crypto/sha512"

	"golang.org/x/crypto/pbkdf2"
)

// MACAlgorithm selects the password-based MAC scheme.
type MACAlgorithm int

const (
	// PasswordBasedMAC is the CMP PasswordBasedMac (RFC 4210 Section 5.1.3.1).
	PasswordBasedMAC MACAlgorithm = iota
	// PBMAC1 is PBMAC1 with PBKDF2 (RFC 8018, RFC 9481 Section 6.1.3).
	PBMAC1
)

func (a MACAlgorithm) String() string {
	switch a {
	case PasswordBasedMAC:
		return "PasswordBasedMac"
	case PBMAC1:
		return "PBMAC1"
	}
	return fmt.Sprintf("mac(%d)", int(a))
}

// ParseMACAlgorithm parses "pbm" / "passwordbasedmac" and "pbmac1".
func ParseMACAlgorithm(s string) (MACAlgorithm, error) {
	switch s {
	case "", "pbm", "passwordbasedmac", "PasswordBasedMac":
		return PasswordBasedMAC, nil
	case "pbmac1", "PBMAC1":
		return PBMAC1, nil
	}
	return 0, fmt.Errorf("unknown MAC algorithm %q", s)
}

// MAC algorithm OIDs.
var (
	OIDPasswordBasedMAC = asn1.ObjectIdentifier{1, 2, 840, 113533, 7, 66, 13}
	OIDPBMAC1           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 14}
	OIDPBKDF2           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}

	OIDHMACWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
	OIDHMACWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 10}
	OIDHMACWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 11}

	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

const (
	// DefaultIterations is used when MACCredentials.Iterations is zero.
	DefaultIterations = 10000
	maxIterations     = 1 << 20
	saltSize          = 16
	pbmac1KeyLength   = 32
)

type pbmParameter struct {
	Salt           []byte
	OWF            pkix.AlgorithmIdentifier
	IterationCount int
	MAC            pkix.AlgorithmIdentifier
}

type pbmac1Params struct {
	KeyDerivationFunc pkix.AlgorithmIdentifier
	MessageAuthScheme pkix.AlgorithmIdentifier
}

type pbkdf2Params struct {
	Salt           []byte
	IterationCount int
	KeyLength      int                      `asn1:"optional"`
	PRF            pkix.AlgorithmIdentifier `asn1:"optional"`
}

// newMACAlgorithm returns a protectionAlg with a fresh salt.
func newMACAlgorithm(c *MACCredentials) (pkix.AlgorithmIdentifier, error) {
	iterations := c.Iterations
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < 0 || iterations > maxIterations {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("iteration count %d out of range", iterations)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	hmacSHA256 := pkix.AlgorithmIdentifier{Algorithm: OIDHMACWithSHA256, Parameters: asn1.NullRawValue}

	var oid asn1.ObjectIdentifier
	var params any
	switch c.Algorithm {
	case PasswordBasedMAC:
		oid = OIDPasswordBasedMAC
		params = pbmParameter{
			Salt:           salt,
			OWF:            pkix.AlgorithmIdentifier{Algorithm: oidSHA256},
			IterationCount: iterations,
			MAC:            hmacSHA256,
		}
	case PBMAC1:
		kdf, err := asn1.Marshal(pbkdf2Params{
			Salt:           salt,
			IterationCount: iterations,
			KeyLength:      pbmac1KeyLength,
			PRF:            hmacSHA256,
		})
		if err != nil {
			return pkix.AlgorithmIdentifier{}, err
		}
		oid = OIDPBMAC1
		params = pbmac1Params{
			KeyDerivationFunc: pkix.AlgorithmIdentifier{Algorithm: OIDPBKDF2, Parameters: asn1.RawValue{FullBytes: kdf}},
			MessageAuthScheme: hmacSHA256,
		}
	default:
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("unsupported MAC algorithm %s", c.Algorithm)
	}

	der, err := asn1.Marshal(params)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	return pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.RawValue{FullBytes: der}}, nil
}

// isMACAlgorithm reports whether oid names a supported MAC protection.
func isMACAlgorithm(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(OIDPasswordBasedMAC) || oid.Equal(OIDPBMAC1)
}

// computeMAC computes the MAC named by alg over data.
func computeMAC(alg pkix.AlgorithmIdentifier, secret, data []byte) ([]byte, error) {
	switch {
	case alg.Algorithm.Equal(OIDPasswordBasedMAC):
		var p pbmParameter
		if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &p); err != nil {
			return nil, fmt.Errorf("invalid PBMParameter: %w", err)
		}
		if p.IterationCount < 1 || p.IterationCount > maxIterations {
			return nil, fmt.Errorf("iteration count %d out of range", p.IterationCount)
		}
		owf, err := digestHash(p.OWF.Algorithm)
		if err != nil {
			return nil, err
		}
		macHash, err := hmacHash(p.MAC.Algorithm)
		if err != nil {
			return nil, err
		}
		h := owf.New()
		h.Write(secret)
		h.Write(p.Salt)
		key := h.Sum(nil)
		for i := 1; i < p.IterationCount; i++ {
			h.Reset()
			h.Write(key)
			key = h.Sum(key[:0])
		}
		return hmacSum(macHash.New, key, data), nil

	case alg.Algorithm.Equal(OIDPBMAC1):
		var p pbmac1Params
		if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &p); err != nil {
			return nil, fmt.Errorf("invalid PBMAC1-params: %w", err)
		}
		if !p.KeyDerivationFunc.Algorithm.Equal(OIDPBKDF2) {
			return nil, fmt.Errorf("unsupported PBMAC1 key derivation %s", p.KeyDerivationFunc.Algorithm)
		}
		var kdf pbkdf2Params
		if _, err := asn1.Unmarshal(p.KeyDerivationFunc.Parameters.FullBytes, &kdf); err != nil {
			return nil, fmt.Errorf("invalid PBKDF2-params: %w", err)
		}
		if kdf.IterationCount < 1 || kdf.IterationCount > maxIterations {
			return nil, fmt.Errorf("iteration count %d out of range", kdf.IterationCount)
		}
		prf, err := hmacHash(kdf.PRF.Algorithm)
		if err != nil {
			return nil, err
		}
		macHash, err := hmacHash(p.MessageAuthScheme.Algorithm)
		if err != nil {
			return nil, err
		}
		keyLen := kdf.KeyLength
		if keyLen == 0 {
			keyLen = macHash.Size()
		}
		key := pbkdf2.Key(secret, kdf.Salt, kdf.IterationCount, keyLen, prf.New)
		return hmacSum(macHash.New, key, data), nil
	}
	return nil, fmt.Errorf("unsupported MAC algorithm %s", alg.Algorithm)
}

func hmacSum(h func() hash.Hash, key, data []byte) []byte {
	m := hmac.New(h, key)
	m.Write(data)
	return m.Sum(nil)
}

func digestHash(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(oidSHA256):
		return crypto.SHA256, nil
	case oid.Equal(oidSHA384):
		return crypto.SHA384, nil
	case oid.Equal(oidSHA512):
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("unsupported one-way function %s", oid)
}

// hmacHash maps an HMAC OID to its hash. An absent PRF defaults to
// hmacWithSHA1 in PKCS #5, which is not accepted here.
func hmacHash(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDHMACWithSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDHMACWithSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDHMACWithSHA512):
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("unsupported MAC %s", oid)
}
