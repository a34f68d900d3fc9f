package cms

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
)

var (
	tagContext0 = cbasn1.Tag(0).ContextSpecific().Constructed()
	tagContext1 = cbasn1.Tag(1).ContextSpecific().Constructed()
)

// ErrMalformed is returned for CMS structures that cannot be parsed.
var ErrMalformed = errors.New("malformed CMS structure")

// SignerConfig contains options for signing.
type SignerConfig struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	// Chain is added to the certificates field after Certificate.
	Chain []*x509.Certificate
	// ContentType defaults to id-data.
	ContentType asn1.ObjectIdentifier
	SigningTime time.Time
}

// Sign creates a SignedData over content and wraps it in a ContentInfo.
func Sign(content []byte, config *SignerConfig) ([]byte, error) {
	sd, err := NewSignedData(content, config)
	if err != nil {
		return nil, err
	}
	return WrapContentInfo(OIDSignedData, sd)
}

// NewSignedData creates a bare SignedData with encapsulated content, signed
// attributes and a single SignerInfo identified by issuer and serial.
// Ed25519 and ML-DSA signers use SHA-512 for the message digest.
func NewSignedData(content []byte, config *SignerConfig) ([]byte, error) {
	if config == nil || config.Certificate == nil {
		return nil, fmt.Errorf("certificate is required")
	}
	if config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	contentType := config.ContentType
	if len(contentType) == 0 {
		contentType = OIDData
	}
	signingTime := config.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}

	_, hash, err := pkicrypto.SignatureAlgorithm(config.Signer.Public())
	if err != nil {
		return nil, err
	}
	if hash == 0 {
		hash = crypto.SHA512
	}
	digestAlg, err := digestAlgorithm(hash)
	if err != nil {
		return nil, err
	}
	h := hash.New()
	h.Write(content)

	attrs, err := buildSignedAttrs(contentType, h.Sum(nil), signingTime)
	if err != nil {
		return nil, fmt.Errorf("failed to build signed attributes: %w", err)
	}
	sig, sigAlg, err := pkicrypto.SignMessage(rand.Reader, config.Signer, attrs)
	if err != nil {
		return nil, err
	}
	attrsContent := cryptobyte.String(attrs)
	if !attrsContent.ReadASN1(&attrsContent, cbasn1.SET) {
		return nil, fmt.Errorf("failed to re-read signed attributes")
	}

	certs := [][]byte{config.Certificate.Raw}
	for _, c := range config.Chain {
		certs = append(certs, c.Raw)
	}
	sortDER(certs)

	version := int64(1)
	if !contentType.Equal(OIDData) {
		version = 3
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(version)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			addAlgorithmIdentifier(b, digestAlg)
		})
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(contentType)
			b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(content)
			})
		})
		b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
			for _, c := range certs {
				b.AddBytes(c)
			}
		})
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1Int64(1)
				addIssuerAndSerial(b, config.Certificate)
				addAlgorithmIdentifier(b, digestAlg)
				b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
					b.AddBytes(attrsContent)
				})
				addAlgorithmIdentifier(b, sigAlg)
				b.AddASN1OctetString(sig)
			})
		})
	})
	return b.Bytes()
}

// buildSignedAttrs returns the DER SET OF content-type, message-digest and
// signing-time attributes, the form that is signed.
func buildSignedAttrs(contentType asn1.ObjectIdentifier, digest []byte, signingTime time.Time) ([]byte, error) {
	values := []struct {
		oid   asn1.ObjectIdentifier
		value any
	}{
		{OIDContentType, contentType},
		{OIDMessageDigest, digest},
		{OIDSigningTime, signingTime.UTC()},
	}

	var encoded [][]byte
	for _, v := range values {
		der, err := asn1.Marshal(v.value)
		if err != nil {
			return nil, err
		}
		b := cryptobyte.NewBuilder(nil)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(v.oid)
			b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
				b.AddBytes(der)
			})
		})
		attr, err := b.Bytes()
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, attr)
	}
	sortDER(encoded)

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
		for _, e := range encoded {
			b.AddBytes(e)
		}
	})
	return b.Bytes()
}

// VerifyConfig configures SignedData verification. Without Roots only the
// signature is checked.
type VerifyConfig struct {
	Roots         []*x509.Certificate
	Intermediates []*x509.Certificate
	Time          time.Time
}

// VerifyResult contains the verified content and signer.
type VerifyResult struct {
	Content     []byte
	ContentType asn1.ObjectIdentifier
	SignerCert  *x509.Certificate
	SigningTime time.Time
}

type signerInfo struct {
	issuer    []byte
	serial    *big.Int
	digestAlg pkix.AlgorithmIdentifier
	attrs     []byte // full SET encoding
	sigAlg    pkix.AlgorithmIdentifier
	signature []byte
}

// Verify checks a SignedData, given bare or inside a ContentInfo, and
// returns its encapsulated content.
func Verify(der []byte, config *VerifyConfig) (*VerifyResult, error) {
	if config == nil {
		config = &VerifyConfig{}
	}
	sdDER, err := unwrapIfContentInfo(der, OIDSignedData)
	if err != nil {
		return nil, err
	}

	input := cryptobyte.String(sdDER)
	var sd, eci, certsRaw, sis cryptobyte.String
	var version int64
	var contentType asn1.ObjectIdentifier
	var hasCerts, hasContent bool
	var eContent cryptobyte.String
	if !input.ReadASN1(&sd, cbasn1.SEQUENCE) ||
		!sd.ReadASN1Integer(&version) ||
		!sd.SkipASN1(cbasn1.SET) ||
		!sd.ReadASN1(&eci, cbasn1.SEQUENCE) ||
		!eci.ReadASN1ObjectIdentifier(&contentType) ||
		!eci.ReadOptionalASN1(&eContent, &hasContent, tagContext0) ||
		!sd.ReadOptionalASN1(&certsRaw, &hasCerts, tagContext0) ||
		!sd.SkipOptionalASN1(tagContext1) ||
		!sd.ReadASN1(&sis, cbasn1.SET) {
		return nil, fmt.Errorf("%w: SignedData", ErrMalformed)
	}
	var content []byte
	if !hasContent || !eContent.ReadASN1Bytes(&content, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: detached content is not supported", ErrMalformed)
	}

	var certs []*x509.Certificate
	for !certsRaw.Empty() {
		var c cryptobyte.String
		if !certsRaw.ReadASN1Element(&c, cbasn1.SEQUENCE) {
			return nil, fmt.Errorf("%w: certificates", ErrMalformed)
		}
		cert, err := x509.ParseCertificate(c)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	si, err := parseSignerInfo(&sis)
	if err != nil {
		return nil, err
	}

	var signer *x509.Certificate
	for _, c := range certs {
		if bytes.Equal(c.RawIssuer, si.issuer) && c.SerialNumber.Cmp(si.serial) == 0 {
			signer = c
			break
		}
	}
	if signer == nil {
		return nil, fmt.Errorf("signer certificate not found")
	}

	hash, err := hashForDigestAlgorithm(si.digestAlg.Algorithm)
	if err != nil {
		return nil, err
	}
	if si.attrs == nil {
		return nil, fmt.Errorf("signed attributes are required")
	}
	attrCT, digest, signingTime, err := parseSignedAttrs(si.attrs)
	if err != nil {
		return nil, err
	}
	if !attrCT.Equal(contentType) {
		return nil, fmt.Errorf("content-type attribute %s does not match %s", attrCT, contentType)
	}
	h := hash.New()
	h.Write(content)
	if !bytes.Equal(h.Sum(nil), digest) {
		return nil, fmt.Errorf("message digest mismatch")
	}

	pub, err := pkicrypto.CertificatePublicKey(signer)
	if err != nil {
		return nil, err
	}
	if err := pkicrypto.VerifyMessage(pub, si.sigAlg, si.attrs, si.signature); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	if len(config.Roots) > 0 {
		_, err := pkicrypto.VerifyChain(signer, pkicrypto.VerifyChainOptions{
			Roots:         config.Roots,
			Intermediates: append(append([]*x509.Certificate(nil), config.Intermediates...), certs...),
			Time:          config.Time,
		})
		if err != nil {
			return nil, fmt.Errorf("signer certificate not trusted: %w", err)
		}
	}

	return &VerifyResult{
		Content:     content,
		ContentType: contentType,
		SignerCert:  signer,
		SigningTime: signingTime,
	}, nil
}

func parseSignerInfo(sis *cryptobyte.String) (*signerInfo, error) {
	var s, sid, digestAlg, sigAlg cryptobyte.String
	var version int64
	if !sis.ReadASN1(&s, cbasn1.SEQUENCE) || !s.ReadASN1Integer(&version) {
		return nil, fmt.Errorf("%w: SignerInfo", ErrMalformed)
	}
	si := &signerInfo{serial: new(big.Int)}

	if !s.ReadASN1(&sid, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: only issuerAndSerialNumber signer identifiers are supported", ErrMalformed)
	}
	var issuer cryptobyte.String
	if !sid.ReadASN1Element(&issuer, cbasn1.SEQUENCE) || !sid.ReadASN1Integer(si.serial) {
		return nil, fmt.Errorf("%w: IssuerAndSerialNumber", ErrMalformed)
	}
	si.issuer = issuer

	var attrs cryptobyte.String
	var hasAttrs bool
	if !s.ReadASN1Element(&digestAlg, cbasn1.SEQUENCE) ||
		!s.ReadOptionalASN1(&attrs, &hasAttrs, tagContext0) ||
		!s.ReadASN1Element(&sigAlg, cbasn1.SEQUENCE) ||
		!s.ReadASN1Bytes(&si.signature, cbasn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: SignerInfo", ErrMalformed)
	}
	if _, err := asn1.Unmarshal(digestAlg, &si.digestAlg); err != nil {
		return nil, fmt.Errorf("%w: digest algorithm: %v", ErrMalformed, err)
	}
	if _, err := asn1.Unmarshal(sigAlg, &si.sigAlg); err != nil {
		return nil, fmt.Errorf("%w: signature algorithm: %v", ErrMalformed, err)
	}
	if hasAttrs {
		// The signature covers the attributes with their universal SET tag.
		b := cryptobyte.NewBuilder(nil)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) { b.AddBytes(attrs) })
		set, err := b.Bytes()
		if err != nil {
			return nil, err
		}
		si.attrs = set
	}
	return si, nil
}

func parseSignedAttrs(set []byte) (asn1.ObjectIdentifier, []byte, time.Time, error) {
	var contentType asn1.ObjectIdentifier
	var digest []byte
	var signingTime time.Time

	input := cryptobyte.String(set)
	var attrs cryptobyte.String
	if !input.ReadASN1(&attrs, cbasn1.SET) {
		return nil, nil, time.Time{}, fmt.Errorf("%w: signed attributes", ErrMalformed)
	}
	for !attrs.Empty() {
		var attr, values cryptobyte.String
		var oid asn1.ObjectIdentifier
		if !attrs.ReadASN1(&attr, cbasn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&oid) ||
			!attr.ReadASN1(&values, cbasn1.SET) {
			return nil, nil, time.Time{}, fmt.Errorf("%w: attribute", ErrMalformed)
		}
		var err error
		switch {
		case oid.Equal(OIDContentType):
			_, err = asn1.Unmarshal(values, &contentType)
		case oid.Equal(OIDMessageDigest):
			_, err = asn1.Unmarshal(values, &digest)
		case oid.Equal(OIDSigningTime):
			_, err = asn1.Unmarshal(values, &signingTime)
		}
		if err != nil {
			return nil, nil, time.Time{}, fmt.Errorf("%w: attribute %s: %v", ErrMalformed, oid, err)
		}
	}
	if contentType == nil || digest == nil {
		return nil, nil, time.Time{}, fmt.Errorf("content-type and message-digest attributes are required")
	}
	return contentType, digest, signingTime, nil
}

// WrapContentInfo wraps content in a ContentInfo of the given type.
func WrapContentInfo(contentType asn1.ObjectIdentifier, content []byte) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(contentType)
		b.AddASN1(tagContext0, func(b *cryptobyte.Builder) {
			b.AddBytes(content)
		})
	})
	return b.Bytes()
}

// unwrapIfContentInfo returns the inner content of a ContentInfo of type
// want, or der unchanged when it is not a ContentInfo.
func unwrapIfContentInfo(der []byte, want asn1.ObjectIdentifier) ([]byte, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: not a DER SEQUENCE", ErrMalformed)
	}
	if !seq.PeekASN1Tag(cbasn1.OBJECT_IDENTIFIER) {
		return der, nil
	}
	var oid asn1.ObjectIdentifier
	var inner, content cryptobyte.String
	if !seq.ReadASN1ObjectIdentifier(&oid) ||
		!seq.ReadASN1(&inner, tagContext0) ||
		!inner.ReadASN1Element(&content, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: ContentInfo", ErrMalformed)
	}
	if !oid.Equal(want) {
		return nil, fmt.Errorf("unexpected content type %s, want %s", oid, want)
	}
	return content, nil
}

func digestAlgorithm(h crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	switch h {
	case crypto.SHA256:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA256}, nil
	case crypto.SHA384:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA384}, nil
	case crypto.SHA512:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA512}, nil
	}
	return pkix.AlgorithmIdentifier{}, fmt.Errorf("unsupported digest algorithm: %v", h)
}

func hashForDigestAlgorithm(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("unsupported digest algorithm: %s", oid)
}

func addAlgorithmIdentifier(b *cryptobyte.Builder, alg pkix.AlgorithmIdentifier) {
	der, err := asn1.Marshal(alg)
	if err != nil {
		b.SetError(err)
		return
	}
	b.AddBytes(der)
}

func addIssuerAndSerial(b *cryptobyte.Builder, cert *x509.Certificate) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(cert.RawIssuer)
		b.AddASN1BigInt(cert.SerialNumber)
	})
}

// sortDER orders encodings for DER SET OF.
func sortDER(elems [][]byte) {
	sort.Slice(elems, func(i, j int) bool { return bytes.Compare(elems[i], elems[j]) < 0 })
}
