package cmp

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	// hash registrations for CertHash
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// CertifiedKeyPair carries an issued certificate and, for centrally
// generated keys, the encrypted private key.
type CertifiedKeyPair struct {
	// Certificate is the DER certificate.
	Certificate []byte
	// EncryptedCert is the encoded EncryptedKey of an encryptedCert choice.
	EncryptedCert []byte
	// PrivateKey is a DER CMS EnvelopedData holding the private key.
	PrivateKey []byte
	// EncryptedValue holds a legacy EncryptedValue private key as encoded.
	EncryptedValue []byte
	// PublicationInfo is kept as encoded.
	PublicationInfo []byte
}

// CertResponse is one response entry of ip, cp or kup.
type CertResponse struct {
	CertReqID        int
	Status           StatusInfo
	CertifiedKeyPair *CertifiedKeyPair
	RspInfo          []byte
}

// CertRepMessage is the content of ip, cp and kup bodies.
type CertRepMessage struct {
	CAPubs    [][]byte
	Responses []CertResponse
}

// IsCertRep reports whether t carries a CertRepMessage.
func (t BodyType) IsCertRep() bool {
	return t == BodyIP || t == BodyCP || t == BodyKUP
}

// CertRep returns the content of an ip, cp or kup body.
func (b Body) CertRep() (*CertRepMessage, error) {
	if !b.Type.IsCertRep() {
		return nil, fmt.Errorf("%w: %s body carries no CertRepMessage", ErrMalformed, b.Type)
	}
	elems, err := parseSequence(b.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: CertRepMessage: %v", ErrMalformed, err)
	}
	rep := &CertRepMessage{}
	if len(elems) > 0 && isContext(elems[0], 1) {
		certs, err := parseSequence(elems[0].Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: caPubs: %v", ErrMalformed, err)
		}
		for _, c := range certs {
			rep.CAPubs = append(rep.CAPubs, c.FullBytes)
		}
		elems = elems[1:]
	}
	if len(elems) != 1 {
		return nil, fmt.Errorf("%w: CertRepMessage: missing response", ErrMalformed)
	}
	responses, err := parseSequence(elems[0].FullBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: CertRepMessage response: %v", ErrMalformed, err)
	}
	for i, r := range responses {
		cr, err := parseCertResponse(r.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: CertResponse[%d]: %v", ErrMalformed, i, err)
		}
		rep.Responses = append(rep.Responses, cr)
	}
	return rep, nil
}

func parseCertResponse(der []byte) (CertResponse, error) {
	elems, err := parseSequence(der)
	if err != nil {
		return CertResponse{}, err
	}
	if len(elems) < 2 {
		return CertResponse{}, fmt.Errorf("expected certReqId and status")
	}
	var cr CertResponse
	if _, err := asn1.Unmarshal(elems[0].FullBytes, &cr.CertReqID); err != nil {
		return CertResponse{}, fmt.Errorf("certReqId: %v", err)
	}
	if cr.Status, err = parseStatusInfo(elems[1].FullBytes); err != nil {
		return CertResponse{}, fmt.Errorf("status: %v", err)
	}
	for _, e := range elems[2:] {
		switch {
		case isUniversal(e, asn1.TagSequence):
			ckp, err := parseCertifiedKeyPair(e.FullBytes)
			if err != nil {
				return CertResponse{}, fmt.Errorf("certifiedKeyPair: %v", err)
			}
			cr.CertifiedKeyPair = ckp
		case isUniversal(e, asn1.TagOctetString):
			cr.RspInfo = e.Bytes
		default:
			return CertResponse{}, fmt.Errorf("unexpected element tag %d", e.Tag)
		}
	}
	return cr, nil
}

func parseCertifiedKeyPair(der []byte) (*CertifiedKeyPair, error) {
	elems, err := parseSequence(der)
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("missing certOrEncCert")
	}
	ckp := &CertifiedKeyPair{}
	first := elems[0]
	switch {
	case isContext(first, 0):
		inner, err := singleTLV(first.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certificate: %v", err)
		}
		ckp.Certificate = inner.FullBytes
	case isContext(first, 1):
		ckp.EncryptedCert = first.Bytes
	default:
		return nil, fmt.Errorf("unexpected certOrEncCert tag %d", first.Tag)
	}
	for _, e := range elems[1:] {
		switch {
		case isContext(e, 0):
			inner, err := singleTLV(e.Bytes)
			if err != nil {
				return nil, fmt.Errorf("privateKey: %v", err)
			}
			switch {
			case isContext(inner, 0):
				if ckp.PrivateKey, err = retag(inner); err != nil {
					return nil, err
				}
			case isUniversal(inner, asn1.TagSequence):
				ckp.EncryptedValue = inner.FullBytes
			default:
				return nil, fmt.Errorf("unexpected EncryptedKey tag %d", inner.Tag)
			}
		case isContext(e, 1):
			ckp.PublicationInfo = e.Bytes
		default:
			return nil, fmt.Errorf("unexpected CertifiedKeyPair element tag %d", e.Tag)
		}
	}
	return ckp, nil
}

func (ckp *CertifiedKeyPair) marshal() ([]byte, error) {
	var items [][]byte
	switch {
	case ckp.Certificate != nil:
		c, err := contextTag(0, ckp.Certificate)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	case ckp.EncryptedCert != nil:
		c, err := contextTag(1, ckp.EncryptedCert)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	default:
		return nil, fmt.Errorf("CertifiedKeyPair without certificate")
	}
	switch {
	case ckp.PrivateKey != nil:
		env, err := singleTLV(ckp.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("privateKey: %v", err)
		}
		inner, err := contextTag(0, env.Bytes)
		if err != nil {
			return nil, err
		}
		pk, err := contextTag(0, inner)
		if err != nil {
			return nil, err
		}
		items = append(items, pk)
	case ckp.EncryptedValue != nil:
		pk, err := contextTag(0, ckp.EncryptedValue)
		if err != nil {
			return nil, err
		}
		items = append(items, pk)
	}
	if ckp.PublicationInfo != nil {
		pi, err := contextTag(1, ckp.PublicationInfo)
		if err != nil {
			return nil, err
		}
		items = append(items, pi)
	}
	return sequence(items...)
}

func (cr CertResponse) marshal() ([]byte, error) {
	id, err := asn1.Marshal(cr.CertReqID)
	if err != nil {
		return nil, err
	}
	st, err := cr.Status.marshal()
	if err != nil {
		return nil, err
	}
	items := [][]byte{id, st}
	if cr.CertifiedKeyPair != nil {
		ckp, err := cr.CertifiedKeyPair.marshal()
		if err != nil {
			return nil, err
		}
		items = append(items, ckp)
	}
	if cr.RspInfo != nil {
		ri, err := asn1.Marshal(cr.RspInfo)
		if err != nil {
			return nil, err
		}
		items = append(items, ri)
	}
	return sequence(items...)
}

// NewCertRepBody builds an ip, cp or kup body.
func NewCertRepBody(t BodyType, rep *CertRepMessage) (Body, error) {
	if !t.IsCertRep() {
		return Body{}, fmt.Errorf("%w: %s is not a certificate response type", ErrMalformed, t)
	}
	var items [][]byte
	if len(rep.CAPubs) > 0 {
		certs, err := sequence(rep.CAPubs...)
		if err != nil {
			return Body{}, err
		}
		cp, err := contextTag(1, certs)
		if err != nil {
			return Body{}, err
		}
		items = append(items, cp)
	}
	responses := make([][]byte, 0, len(rep.Responses))
	for _, r := range rep.Responses {
		der, err := r.marshal()
		if err != nil {
			return Body{}, err
		}
		responses = append(responses, der)
	}
	seq, err := sequence(responses...)
	if err != nil {
		return Body{}, err
	}
	items = append(items, seq)
	content, err := sequence(items...)
	if err != nil {
		return Body{}, err
	}
	return Body{Type: t, Content: content}, nil
}

// IssuedCertificates returns the certificates of all responses that carry
// one.
func (rep *CertRepMessage) IssuedCertificates() [][]byte {
	var out [][]byte
	for _, r := range rep.Responses {
		if r.CertifiedKeyPair != nil && r.CertifiedKeyPair.Certificate != nil {
			out = append(out, r.CertifiedKeyPair.Certificate)
		}
	}
	return out
}

// CertHash computes the certHash of a certConf entry. The hash follows the
// certificate signature algorithm; SHA-256 is used where that algorithm
// does not name one (RFC 9480 Section 2.10).
func CertHash(cert *x509.Certificate) []byte {
	h := crypto.SHA256
	switch cert.SignatureAlgorithm {
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		h = crypto.SHA384
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
		h = crypto.SHA512
	}
	d := h.New()
	d.Write(cert.Raw)
	return d.Sum(nil)
}
