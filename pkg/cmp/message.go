// Package cmp implements the Certificate Management Protocol message model
// (RFC 4210, RFC 9480) and its DER encoding.
//
// A Message keeps the exact encodings of its header and body as received,
// so that protection can be verified over the original bytes. Every
// transformation returns a new Message; decoded messages are never mutated.
package cmp

import (
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"time"
)

// Protocol versions.
const (
	PVNO2000 = 2
	PVNO2021 = 3
)

// PEMType is the PEM block type used for PKIMessages on disk.
const PEMType = "PKIMESSAGE"

// Header is the PKIHeader (RFC 4210 Section 5.1.1).
type Header struct {
	PVNO          int
	Sender        GeneralName
	Recipient     GeneralName
	MessageTime   time.Time
	ProtectionAlg pkix.AlgorithmIdentifier
	SenderKID     []byte
	RecipKID      []byte
	TransactionID []byte
	SenderNonce   []byte
	RecipNonce    []byte
	FreeText      []string
	GeneralInfo   []InfoTypeAndValue
}

// InfoTypeAndValue is a typed general-info or support-message entry.
type InfoTypeAndValue struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"optional"`
}

// Body is a PKIBody: the CHOICE tag and the encoding of the chosen value.
type Body struct {
	Type    BodyType
	Content []byte
}

// Message is a PKIMessage.
type Message struct {
	Header     Header
	Body       Body
	Protection asn1.BitString
	ExtraCerts [][]byte

	rawHeader []byte
	rawBody   []byte
}

type pkiMessage struct {
	Header     asn1.RawValue
	Body       asn1.RawValue
	Protection asn1.BitString  `asn1:"optional,explicit,tag:0"`
	ExtraCerts []asn1.RawValue `asn1:"optional,explicit,tag:1"`
}

type pkiHeader struct {
	PVNO          int
	Sender        asn1.RawValue
	Recipient     asn1.RawValue
	MessageTime   time.Time                `asn1:"optional,explicit,generalized,tag:0"`
	ProtectionAlg pkix.AlgorithmIdentifier `asn1:"optional,explicit,tag:1"`
	SenderKID     []byte                   `asn1:"optional,explicit,tag:2"`
	RecipKID      []byte                   `asn1:"optional,explicit,tag:3"`
	TransactionID []byte                   `asn1:"optional,explicit,tag:4"`
	SenderNonce   []byte                   `asn1:"optional,explicit,tag:5"`
	RecipNonce    []byte                   `asn1:"optional,explicit,tag:6"`
	FreeText      []asn1.RawValue          `asn1:"optional,explicit,tag:7"`
	GeneralInfo   []InfoTypeAndValue       `asn1:"optional,explicit,tag:8"`
}

// Decode parses a DER-encoded PKIMessage. PEM input with block type
// PKIMESSAGE is accepted as well.
func Decode(der []byte) (*Message, error) {
	if block, _ := pem.Decode(der); block != nil {
		if block.Type != PEMType {
			return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformed, block.Type)
		}
		der = block.Bytes
	}

	var pm pkiMessage
	rest, err := asn1.Unmarshal(der, &pm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after PKIMessage", ErrMalformed)
	}

	hdr, err := decodeHeader(pm.Header.FullBytes)
	if err != nil {
		return nil, err
	}

	if pm.Body.Class != asn1.ClassContextSpecific || !pm.Body.IsCompound {
		return nil, fmt.Errorf("%w: PKIBody is not a tagged CHOICE", ErrMalformed)
	}
	bt := BodyType(pm.Body.Tag)
	if !bt.IsValid() {
		return nil, fmt.Errorf("%w: unknown PKIBody tag %d", ErrMalformed, pm.Body.Tag)
	}
	if _, err := singleTLV(pm.Body.Bytes); err != nil {
		return nil, fmt.Errorf("%w: PKIBody %s: %v", ErrMalformed, bt, err)
	}

	msg := &Message{
		Header:     hdr,
		Body:       Body{Type: bt, Content: pm.Body.Bytes},
		Protection: pm.Protection,
		rawHeader:  pm.Header.FullBytes,
		rawBody:    pm.Body.FullBytes,
	}
	for _, c := range pm.ExtraCerts {
		msg.ExtraCerts = append(msg.ExtraCerts, c.FullBytes)
	}
	return msg, nil
}

func decodeHeader(der []byte) (Header, error) {
	var ph pkiHeader
	rest, err := asn1.Unmarshal(der, &ph)
	if err != nil {
		return Header{}, fmt.Errorf("%w: PKIHeader: %v", ErrMalformed, err)
	}
	if len(rest) > 0 {
		return Header{}, fmt.Errorf("%w: trailing data after PKIHeader", ErrMalformed)
	}
	return Header{
		PVNO:          ph.PVNO,
		Sender:        GeneralName{ph.Sender},
		Recipient:     GeneralName{ph.Recipient},
		MessageTime:   ph.MessageTime,
		ProtectionAlg: ph.ProtectionAlg,
		SenderKID:     ph.SenderKID,
		RecipKID:      ph.RecipKID,
		TransactionID: ph.TransactionID,
		SenderNonce:   ph.SenderNonce,
		RecipNonce:    ph.RecipNonce,
		FreeText:      unmarshalFreeText(ph.FreeText),
		GeneralInfo:   ph.GeneralInfo,
	}, nil
}

// Marshal encodes the header.
func (h Header) Marshal() ([]byte, error) {
	sender, recipient := h.Sender, h.Recipient
	if sender.IsZero() {
		sender = NullDN()
	}
	if recipient.IsZero() {
		recipient = NullDN()
	}
	ph := pkiHeader{
		PVNO:          h.PVNO,
		Sender:        sender.RawValue,
		Recipient:     recipient.RawValue,
		ProtectionAlg: h.ProtectionAlg,
		SenderKID:     h.SenderKID,
		RecipKID:      h.RecipKID,
		TransactionID: h.TransactionID,
		SenderNonce:   h.SenderNonce,
		RecipNonce:    h.RecipNonce,
		FreeText:      marshalFreeText(h.FreeText),
		GeneralInfo:   h.GeneralInfo,
	}
	if ph.PVNO == 0 {
		ph.PVNO = PVNO2000
	}
	if !h.MessageTime.IsZero() {
		ph.MessageTime = h.MessageTime.UTC().Truncate(time.Second)
	}
	if len(ph.GeneralInfo) == 0 {
		ph.GeneralInfo = nil
	}
	return asn1.Marshal(ph)
}

// Marshal encodes the body as the tagged PKIBody CHOICE.
func (b Body) Marshal() ([]byte, error) {
	if !b.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown PKIBody type %d", ErrMalformed, int(b.Type))
	}
	return contextTag(int(b.Type), b.Content)
}

// HeaderBytes returns the header encoding covered by protection.
func (m *Message) HeaderBytes() ([]byte, error) {
	if m.rawHeader != nil {
		return m.rawHeader, nil
	}
	return m.Header.Marshal()
}

// BodyBytes returns the body encoding covered by protection.
func (m *Message) BodyBytes() ([]byte, error) {
	if m.rawBody != nil {
		return m.rawBody, nil
	}
	return m.Body.Marshal()
}

// ProtectedPart returns the DER encoding of
//
//	ProtectedPart ::= SEQUENCE { header PKIHeader, body PKIBody }
func (m *Message) ProtectedPart() ([]byte, error) {
	h, err := m.HeaderBytes()
	if err != nil {
		return nil, err
	}
	b, err := m.BodyBytes()
	if err != nil {
		return nil, err
	}
	return sequence(h, b)
}

// Encode returns the DER encoding of the message.
func (m *Message) Encode() ([]byte, error) {
	h, err := m.HeaderBytes()
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	b, err := m.BodyBytes()
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	pm := pkiMessage{
		Header:     asn1.RawValue{FullBytes: h},
		Body:       asn1.RawValue{FullBytes: b},
		Protection: m.Protection,
	}
	for _, c := range m.ExtraCerts {
		pm.ExtraCerts = append(pm.ExtraCerts, asn1.RawValue{FullBytes: c})
	}
	return asn1.Marshal(pm)
}

// IsProtected reports whether the message carries a protection value.
func (m *Message) IsProtected() bool {
	return m.Protection.BitLength > 0 || len(m.Protection.Bytes) > 0
}

// WithHeader returns a copy of m with the header replaced. The protection
// is dropped because it no longer covers the new header.
func (m *Message) WithHeader(h Header) *Message {
	c := m.clone()
	c.Header = h
	c.rawHeader = nil
	c.Protection = asn1.BitString{}
	return c
}

// WithBody returns a copy of m with the body replaced. The protection is
// dropped.
func (m *Message) WithBody(b Body) *Message {
	c := m.clone()
	c.Body = b
	c.rawBody = nil
	c.Protection = asn1.BitString{}
	return c
}

// WithProtection returns a copy of m carrying the given protection value.
func (m *Message) WithProtection(p asn1.BitString) *Message {
	c := m.clone()
	c.Protection = p
	return c
}

// WithExtraCerts returns a copy of m with extraCerts replaced. extraCerts
// are not covered by protection.
func (m *Message) WithExtraCerts(certs [][]byte) *Message {
	c := m.clone()
	c.ExtraCerts = copyCerts(certs)
	return c
}

func (m *Message) clone() *Message {
	c := *m
	c.Header = m.Header.clone()
	c.Body = Body{Type: m.Body.Type, Content: append([]byte(nil), m.Body.Content...)}
	c.Protection = asn1.BitString{Bytes: append([]byte(nil), m.Protection.Bytes...), BitLength: m.Protection.BitLength}
	c.ExtraCerts = copyCerts(m.ExtraCerts)
	return &c
}

func (h Header) clone() Header {
	c := h
	c.SenderKID = cloneBytes(h.SenderKID)
	c.RecipKID = cloneBytes(h.RecipKID)
	c.TransactionID = cloneBytes(h.TransactionID)
	c.SenderNonce = cloneBytes(h.SenderNonce)
	c.RecipNonce = cloneBytes(h.RecipNonce)
	if h.FreeText != nil {
		c.FreeText = append([]string(nil), h.FreeText...)
	}
	if h.GeneralInfo != nil {
		c.GeneralInfo = append([]InfoTypeAndValue(nil), h.GeneralInfo...)
	}
	return c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func copyCerts(certs [][]byte) [][]byte {
	if len(certs) == 0 {
		return nil
	}
	out := make([][]byte, len(certs))
	for i, c := range certs {
		out[i] = cloneBytes(c)
	}
	return out
}

// ParseExtraCerts parses the extraCerts field. Certificates that Go's x509
// package cannot parse are reported as errors.
func (m *Message) ParseExtraCerts() ([]*x509.Certificate, error) {
	out := make([]*x509.Certificate, 0, len(m.ExtraCerts))
	for i, der := range m.ExtraCerts {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: extraCerts[%d]: %v", ErrMalformed, i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// CertFingerprint identifies a certificate encoding within a transaction.
func CertFingerprint(der []byte) [32]byte {
	return sha256.Sum256(der)
}

// HasGeneralInfo reports whether the header carries an entry of type oid.
func (h Header) HasGeneralInfo(oid asn1.ObjectIdentifier) bool {
	_, ok := h.FindGeneralInfo(oid)
	return ok
}

// FindGeneralInfo returns the first generalInfo entry of type oid.
func (h Header) FindGeneralInfo(oid asn1.ObjectIdentifier) (InfoTypeAndValue, bool) {
	for _, itav := range h.GeneralInfo {
		if itav.Type.Equal(oid) {
			return itav, true
		}
	}
	return InfoTypeAndValue{}, false
}

// ImplicitConfirm reports whether implicit confirmation is requested or,
// in a response, granted.
func (h Header) ImplicitConfirm() bool {
	return h.HasGeneralInfo(OIDImplicitConfirm)
}

// CertProfile returns the first certificate profile name carried in
// generalInfo, or "" if there is none.
func (h Header) CertProfile() string {
	itav, ok := h.FindGeneralInfo(OIDCertProfile)
	if !ok || len(itav.Value.FullBytes) == 0 {
		return ""
	}
	var names []string
	if _, err := asn1.Unmarshal(itav.Value.FullBytes, &names); err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}

// WithImplicitConfirm returns a copy of h carrying the implicitConfirm
// entry.
func (h Header) WithImplicitConfirm() Header {
	c := h.clone()
	if !c.ImplicitConfirm() {
		c.GeneralInfo = append(c.GeneralInfo, InfoTypeAndValue{
			Type:  OIDImplicitConfirm,
			Value: asn1.NullRawValue,
		})
	}
	return c
}

// WithoutGeneralInfo returns a copy of h without entries of type oid.
func (h Header) WithoutGeneralInfo(oid asn1.ObjectIdentifier) Header {
	c := h.clone()
	c.GeneralInfo = c.GeneralInfo[:0:0]
	for _, itav := range h.GeneralInfo {
		if !itav.Type.Equal(oid) {
			c.GeneralInfo = append(c.GeneralInfo, itav)
		}
	}
	return c
}

// WithCertProfile returns a copy of h naming the given certificate profile.
func (h Header) WithCertProfile(profile string) Header {
	c := h.WithoutGeneralInfo(OIDCertProfile)
	seq, err := sequence(utf8String(profile))
	if err != nil {
		return c
	}
	c.GeneralInfo = append(c.GeneralInfo, InfoTypeAndValue{
		Type:  OIDCertProfile,
		Value: asn1.RawValue{FullBytes: seq},
	})
	return c
}

func utf8String(s string) []byte {
	b, _ := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagUTF8String, Bytes: []byte(s)})
	return b
}
