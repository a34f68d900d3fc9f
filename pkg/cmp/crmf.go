package cmp

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"
)

// CertTemplate field tags (RFC 4211 Section 5).
const (
	templateVersion    = 0
	templateSerial     = 1
	templateSigningAlg = 2
	templateIssuer     = 3
	templateValidity   = 4
	templateSubject    = 5
	templatePublicKey  = 6
	templateExtensions = 9
)

// CertTemplate is a CRMF certificate template. It keeps the encoding of
// each present field so that unmodified templates re-encode byte for byte.
type CertTemplate struct {
	fields []asn1.RawValue
}

// TemplateFields describes a template to build with NewCertTemplate.
type TemplateFields struct {
	Subject      *pkix.Name
	Issuer       *pkix.Name
	SerialNumber *big.Int
	// PublicKey is a DER SubjectPublicKeyInfo.
	PublicKey  []byte
	Extensions []pkix.Extension
}

// NewCertTemplate builds a template from the given fields.
func NewCertTemplate(f TemplateFields) (CertTemplate, error) {
	var t CertTemplate
	var err error
	if f.SerialNumber != nil {
		if t, err = t.WithSerialNumber(f.SerialNumber); err != nil {
			return t, err
		}
	}
	if f.Issuer != nil {
		rdn, err := asn1.Marshal(f.Issuer.ToRDNSequence())
		if err != nil {
			return t, err
		}
		if t, err = t.withExplicit(templateIssuer, rdn); err != nil {
			return t, err
		}
	}
	if f.Subject != nil {
		if t, err = t.WithSubject(*f.Subject); err != nil {
			return t, err
		}
	}
	if f.PublicKey != nil {
		if t, err = t.WithPublicKeyInfo(f.PublicKey); err != nil {
			return t, err
		}
	}
	if len(f.Extensions) > 0 {
		if t, err = t.WithExtensions(f.Extensions); err != nil {
			return t, err
		}
	}
	return t, nil
}

// ParseCertTemplate parses a DER CertTemplate.
func ParseCertTemplate(der []byte) (CertTemplate, error) {
	elems, err := parseSequence(der)
	if err != nil {
		return CertTemplate{}, fmt.Errorf("%w: CertTemplate: %v", ErrMalformed, err)
	}
	for _, e := range elems {
		if e.Class != asn1.ClassContextSpecific || e.Tag > templateExtensions {
			return CertTemplate{}, fmt.Errorf("%w: CertTemplate: unexpected field tag %d", ErrMalformed, e.Tag)
		}
	}
	return CertTemplate{fields: elems}, nil
}

// Marshal encodes the template.
func (t CertTemplate) Marshal() ([]byte, error) {
	items := make([][]byte, 0, len(t.fields))
	for _, f := range t.fields {
		items = append(items, f.FullBytes)
	}
	return sequence(items...)
}

func (t CertTemplate) field(tag int) (asn1.RawValue, bool) {
	for _, f := range t.fields {
		if f.Tag == tag {
			return f, true
		}
	}
	return asn1.RawValue{}, false
}

// with returns a copy of t with the field for tag set to the encoded TLV.
// Fields are kept in tag order.
func (t CertTemplate) with(tag int, encoded []byte) (CertTemplate, error) {
	var rv asn1.RawValue
	if _, err := asn1.Unmarshal(encoded, &rv); err != nil {
		return t, err
	}
	out := make([]asn1.RawValue, 0, len(t.fields)+1)
	for _, f := range t.fields {
		if f.Tag != tag {
			out = append(out, f)
		}
	}
	out = append(out, rv)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return CertTemplate{fields: out}, nil
}

func (t CertTemplate) withExplicit(tag int, inner []byte) (CertTemplate, error) {
	enc, err := contextTag(tag, inner)
	if err != nil {
		return t, err
	}
	return t.with(tag, enc)
}

// without returns a copy of t with the field for tag removed.
func (t CertTemplate) without(tag int) CertTemplate {
	out := make([]asn1.RawValue, 0, len(t.fields))
	for _, f := range t.fields {
		if f.Tag != tag {
			out = append(out, f)
		}
	}
	return CertTemplate{fields: out}
}

// RawSubject returns the DER Name of the requested subject.
func (t CertTemplate) RawSubject() ([]byte, bool) {
	f, ok := t.field(templateSubject)
	if !ok {
		return nil, false
	}
	return f.Bytes, true
}

// Subject returns the requested subject name.
func (t CertTemplate) Subject() (pkix.Name, bool) {
	raw, ok := t.RawSubject()
	if !ok {
		return pkix.Name{}, false
	}
	return parseName(raw)
}

// Issuer returns the issuer name, used by revocation requests.
func (t CertTemplate) Issuer() (pkix.Name, bool) {
	f, ok := t.field(templateIssuer)
	if !ok {
		return pkix.Name{}, false
	}
	return parseName(f.Bytes)
}

func parseName(raw []byte) (pkix.Name, bool) {
	var rdn pkix.RDNSequence
	if rest, err := asn1.Unmarshal(raw, &rdn); err != nil || len(rest) > 0 {
		return pkix.Name{}, false
	}
	var n pkix.Name
	n.FillFromRDNSequence(&rdn)
	return n, true
}

// WithSubject returns a copy of t requesting the given subject.
func (t CertTemplate) WithSubject(name pkix.Name) (CertTemplate, error) {
	rdn, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		return t, err
	}
	return t.withExplicit(templateSubject, rdn)
}

// SerialNumber returns the serial number field.
func (t CertTemplate) SerialNumber() (*big.Int, bool) {
	f, ok := t.field(templateSerial)
	if !ok || len(f.Bytes) == 0 {
		return nil, false
	}
	return new(big.Int).SetBytes(f.Bytes), true
}

// WithSerialNumber returns a copy of t carrying serial.
func (t CertTemplate) WithSerialNumber(serial *big.Int) (CertTemplate, error) {
	der, err := asn1.Marshal(serial)
	if err != nil {
		return t, err
	}
	var rv asn1.RawValue
	if _, err := asn1.Unmarshal(der, &rv); err != nil {
		return t, err
	}
	enc, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: templateSerial, Bytes: rv.Bytes})
	if err != nil {
		return t, err
	}
	return t.with(templateSerial, enc)
}

// PublicKeyInfo returns the DER SubjectPublicKeyInfo of the template. The
// second result is false if the field is absent.
func (t CertTemplate) PublicKeyInfo() ([]byte, bool) {
	f, ok := t.field(templatePublicKey)
	if !ok {
		return nil, false
	}
	spki, err := retag(f)
	if err != nil {
		return nil, false
	}
	return spki, true
}

// PublicKeyAlgorithm returns the algorithm of the template public key
// field, which may be set even when the key itself is empty.
func (t CertTemplate) PublicKeyAlgorithm() (pkix.AlgorithmIdentifier, bool) {
	spki, ok := t.PublicKeyInfo()
	if !ok {
		return pkix.AlgorithmIdentifier{}, false
	}
	var info struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString `asn1:"optional"`
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return pkix.AlgorithmIdentifier{}, false
	}
	return info.Algorithm, true
}

// PublicKeyMissing reports whether the template lacks a usable public key:
// the field is absent or carries an empty BIT STRING. Such requests ask for
// central key generation.
func (t CertTemplate) PublicKeyMissing() bool {
	f, ok := t.field(templatePublicKey)
	if !ok {
		return true
	}
	elems, err := splitElements(f.Bytes)
	if err != nil {
		return true
	}
	for _, e := range elems {
		if isUniversal(e, asn1.TagBitString) {
			return len(e.Bytes) <= 1
		}
	}
	return true
}

// WithPublicKeyInfo returns a copy of t with the public key field set to
// the given DER SubjectPublicKeyInfo.
func (t CertTemplate) WithPublicKeyInfo(spki []byte) (CertTemplate, error) {
	rv, err := singleTLV(spki)
	if err != nil {
		return t, fmt.Errorf("%w: SubjectPublicKeyInfo: %v", ErrMalformed, err)
	}
	enc, err := contextTag(templatePublicKey, rv.Bytes)
	if err != nil {
		return t, err
	}
	return t.with(templatePublicKey, enc)
}

// Extensions returns the requested extensions.
func (t CertTemplate) Extensions() ([]pkix.Extension, error) {
	f, ok := t.field(templateExtensions)
	if !ok {
		return nil, nil
	}
	seq, err := retag(f)
	if err != nil {
		return nil, err
	}
	var exts []pkix.Extension
	if _, err := asn1.Unmarshal(seq, &exts); err != nil {
		return nil, fmt.Errorf("%w: template extensions: %v", ErrMalformed, err)
	}
	return exts, nil
}

// WithExtensions returns a copy of t with the extensions field replaced.
func (t CertTemplate) WithExtensions(exts []pkix.Extension) (CertTemplate, error) {
	if len(exts) == 0 {
		return t.without(templateExtensions), nil
	}
	der, err := asn1.Marshal(exts)
	if err != nil {
		return t, err
	}
	var rv asn1.RawValue
	if _, err := asn1.Unmarshal(der, &rv); err != nil {
		return t, err
	}
	enc, err := contextTag(templateExtensions, rv.Bytes)
	if err != nil {
		return t, err
	}
	return t.with(templateExtensions, enc)
}

// POPOKind identifies the ProofOfPossession alternative.
type POPOKind int

// ProofOfPossession alternatives (RFC 4211 Section 4).
const (
	POPONone POPOKind = iota
	POPORAVerified
	POPOSignature
	POPOKeyEncipherment
	POPOKeyAgreement
)

// tag returns the context tag of the alternative.
func (k POPOKind) tag() int {
	return int(k) - 1
}

func (k POPOKind) String() string {
	switch k {
	case POPONone:
		return "none"
	case POPORAVerified:
		return "raVerified"
	case POPOSignature:
		return "signature"
	case POPOKeyEncipherment:
		return "keyEncipherment"
	case POPOKeyAgreement:
		return "keyAgreement"
	}
	return fmt.Sprintf("popo(%d)", int(k))
}

// POPOSigningKey is the signature proof of possession.
type POPOSigningKey struct {
	// Input is the encoded poposkInput, present only when the template
	// lacks a subject or public key.
	Input     []byte
	Algorithm pkix.AlgorithmIdentifier
	Signature asn1.BitString
}

// POPO is a ProofOfPossession.
type POPO struct {
	Kind    POPOKind
	Signing *POPOSigningKey
	raw     []byte
}

// RAVerified returns the raVerified proof of possession.
func RAVerified() POPO {
	return POPO{Kind: POPORAVerified}
}

// SignaturePOPO returns a signature proof of possession.
func SignaturePOPO(alg pkix.AlgorithmIdentifier, sig []byte) POPO {
	return POPO{Kind: POPOSignature, Signing: &POPOSigningKey{
		Algorithm: alg,
		Signature: asn1.BitString{Bytes: sig, BitLength: 8 * len(sig)},
	}}
}

func (p POPO) marshal() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	switch p.Kind {
	case POPORAVerified:
		return []byte{0x80, 0x00}, nil
	case POPOSignature:
		if p.Signing == nil {
			return nil, fmt.Errorf("signature POPO without POPOSigningKey")
		}
		var items [][]byte
		if p.Signing.Input != nil {
			items = append(items, p.Signing.Input)
		}
		alg, err := asn1.Marshal(p.Signing.Algorithm)
		if err != nil {
			return nil, err
		}
		sig, err := asn1.Marshal(p.Signing.Signature)
		if err != nil {
			return nil, err
		}
		items = append(items, alg, sig)
		var content []byte
		for _, it := range items {
			content = append(content, it...)
		}
		return contextTag(POPOSignature.tag(), content)
	}
	return nil, fmt.Errorf("cannot encode POPO kind %s", p.Kind)
}

func parsePOPO(rv asn1.RawValue) (POPO, error) {
	if rv.Class != asn1.ClassContextSpecific || rv.Tag > POPOKeyAgreement.tag() {
		return POPO{}, fmt.Errorf("unexpected ProofOfPossession tag %d", rv.Tag)
	}
	p := POPO{Kind: POPOKind(rv.Tag + 1), raw: rv.FullBytes}
	if p.Kind != POPOSignature {
		return p, nil
	}
	elems, err := splitElements(rv.Bytes)
	if err != nil {
		return POPO{}, err
	}
	sk := &POPOSigningKey{}
	if len(elems) > 0 && isContext(elems[0], 0) {
		sk.Input = elems[0].FullBytes
		elems = elems[1:]
	}
	if len(elems) != 2 {
		return POPO{}, fmt.Errorf("POPOSigningKey: expected algorithm and signature")
	}
	if _, err := asn1.Unmarshal(elems[0].FullBytes, &sk.Algorithm); err != nil {
		return POPO{}, fmt.Errorf("POPOSigningKey algorithm: %v", err)
	}
	if _, err := asn1.Unmarshal(elems[1].FullBytes, &sk.Signature); err != nil {
		return POPO{}, fmt.Errorf("POPOSigningKey signature: %v", err)
	}
	p.Signing = sk
	return p, nil
}

// CertReqMsg is one CRMF certificate request with its proof of possession.
type CertReqMsg struct {
	CertReqID int
	Template  CertTemplate
	// Controls and RegInfo are kept as encoded.
	Controls []byte
	POPO     POPO
	RegInfo  []byte

	rawCertReq []byte
}

// CertRequestBytes returns the encoding of the CertRequest, which is what
// a signature POPO signs.
func (m CertReqMsg) CertRequestBytes() ([]byte, error) {
	if m.rawCertReq != nil {
		return m.rawCertReq, nil
	}
	id, err := asn1.Marshal(m.CertReqID)
	if err != nil {
		return nil, err
	}
	tmpl, err := m.Template.Marshal()
	if err != nil {
		return nil, err
	}
	items := [][]byte{id, tmpl}
	if m.Controls != nil {
		items = append(items, m.Controls)
	}
	return sequence(items...)
}

// WithTemplate returns a copy of m with the template replaced. The POPO is
// kept; callers that change the public key must also replace the POPO.
func (m CertReqMsg) WithTemplate(t CertTemplate) CertReqMsg {
	m.Template = t
	m.rawCertReq = nil
	return m
}

// WithPOPO returns a copy of m carrying p.
func (m CertReqMsg) WithPOPO(p POPO) CertReqMsg {
	m.POPO = p
	return m
}

// Marshal encodes the CertReqMsg.
func (m CertReqMsg) Marshal() ([]byte, error) {
	req, err := m.CertRequestBytes()
	if err != nil {
		return nil, err
	}
	items := [][]byte{req}
	if m.POPO.Kind != POPONone {
		p, err := m.POPO.marshal()
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	if m.RegInfo != nil {
		items = append(items, m.RegInfo)
	}
	return sequence(items...)
}

func parseCertReqMsg(der []byte) (CertReqMsg, error) {
	elems, err := parseSequence(der)
	if err != nil {
		return CertReqMsg{}, err
	}
	if len(elems) == 0 {
		return CertReqMsg{}, fmt.Errorf("empty CertReqMsg")
	}
	m := CertReqMsg{rawCertReq: elems[0].FullBytes}

	req, err := parseSequence(elems[0].FullBytes)
	if err != nil {
		return CertReqMsg{}, fmt.Errorf("CertRequest: %v", err)
	}
	if len(req) < 2 || len(req) > 3 {
		return CertReqMsg{}, fmt.Errorf("CertRequest: expected 2 or 3 elements, got %d", len(req))
	}
	if _, err := asn1.Unmarshal(req[0].FullBytes, &m.CertReqID); err != nil {
		return CertReqMsg{}, fmt.Errorf("certReqId: %v", err)
	}
	if m.Template, err = ParseCertTemplate(req[1].FullBytes); err != nil {
		return CertReqMsg{}, err
	}
	if len(req) == 3 {
		m.Controls = req[2].FullBytes
	}

	for _, e := range elems[1:] {
		switch {
		case e.Class == asn1.ClassContextSpecific:
			if m.POPO, err = parsePOPO(e); err != nil {
				return CertReqMsg{}, err
			}
		case isUniversal(e, asn1.TagSequence):
			m.RegInfo = e.FullBytes
		default:
			return CertReqMsg{}, fmt.Errorf("unexpected CertReqMsg element tag %d", e.Tag)
		}
	}
	return m, nil
}

// CertReqMessages returns the requests of an ir, cr or kur body.
func (b Body) CertReqMessages() ([]CertReqMsg, error) {
	switch b.Type {
	case BodyIR, BodyCR, BodyKUR:
	default:
		return nil, fmt.Errorf("%w: %s body carries no CertReqMessages", ErrMalformed, b.Type)
	}
	elems, err := parseSequence(b.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: CertReqMessages: %v", ErrMalformed, err)
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: empty CertReqMessages", ErrMalformed)
	}
	out := make([]CertReqMsg, 0, len(elems))
	for i, e := range elems {
		m, err := parseCertReqMsg(e.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: CertReqMsg[%d]: %v", ErrMalformed, i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// NewCertReqBody builds an ir, cr or kur body.
func NewCertReqBody(t BodyType, msgs ...CertReqMsg) (Body, error) {
	items := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		der, err := m.Marshal()
		if err != nil {
			return Body{}, err
		}
		items = append(items, der)
	}
	content, err := sequence(items...)
	if err != nil {
		return Body{}, err
	}
	return Body{Type: t, Content: content}, nil
}

// RevDetails is one entry of a revocation request.
type RevDetails struct {
	CertDetails     CertTemplate
	CRLEntryDetails []pkix.Extension
}

// RevDetails returns the entries of an rr body.
func (b Body) RevDetails() ([]RevDetails, error) {
	if b.Type != BodyRR {
		return nil, fmt.Errorf("%w: %s body carries no RevReqContent", ErrMalformed, b.Type)
	}
	elems, err := parseSequence(b.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: RevReqContent: %v", ErrMalformed, err)
	}
	out := make([]RevDetails, 0, len(elems))
	for i, e := range elems {
		parts, err := parseSequence(e.FullBytes)
		if err != nil || len(parts) == 0 {
			return nil, fmt.Errorf("%w: RevDetails[%d]", ErrMalformed, i)
		}
		var rd RevDetails
		if rd.CertDetails, err = ParseCertTemplate(parts[0].FullBytes); err != nil {
			return nil, err
		}
		if len(parts) > 1 {
			if _, err := asn1.Unmarshal(parts[1].FullBytes, &rd.CRLEntryDetails); err != nil {
				return nil, fmt.Errorf("%w: crlEntryDetails: %v", ErrMalformed, err)
			}
		}
		out = append(out, rd)
	}
	return out, nil
}

// NewRevReqBody builds an rr body.
func NewRevReqBody(details ...RevDetails) (Body, error) {
	items := make([][]byte, 0, len(details))
	for _, d := range details {
		tmpl, err := d.CertDetails.Marshal()
		if err != nil {
			return Body{}, err
		}
		parts := [][]byte{tmpl}
		if len(d.CRLEntryDetails) > 0 {
			ext, err := asn1.Marshal(d.CRLEntryDetails)
			if err != nil {
				return Body{}, err
			}
			parts = append(parts, ext)
		}
		rd, err := sequence(parts...)
		if err != nil {
			return Body{}, err
		}
		items = append(items, rd)
	}
	content, err := sequence(items...)
	if err != nil {
		return Body{}, err
	}
	return Body{Type: BodyRR, Content: content}, nil
}
