package cmp

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// Dump writes a human-readable description of msg to w.
func Dump(w io.Writer, msg *Message) error {
	d := &dumper{w: w}
	d.message(msg, "")
	return d.err
}

type dumper struct {
	w   io.Writer
	err error
}

func (d *dumper) printf(indent, format string, args ...interface{}) {
	if d.err != nil {
		return
	}
	_, d.err = fmt.Fprintf(d.w, indent+format+"\n", args...)
}

func (d *dumper) message(msg *Message, indent string) {
	h := msg.Header
	d.printf(indent, "PKIMessage (%s)", msg.Body.Type)
	d.printf(indent, "  pvno:           %d", h.PVNO)
	d.printf(indent, "  sender:         %s", h.Sender)
	d.printf(indent, "  recipient:      %s", h.Recipient)
	if !h.MessageTime.IsZero() {
		d.printf(indent, "  messageTime:    %s", h.MessageTime.UTC().Format(time.RFC3339))
	}
	if len(h.ProtectionAlg.Algorithm) > 0 {
		d.printf(indent, "  protectionAlg:  %s", h.ProtectionAlg.Algorithm)
	}
	d.hex(indent, "senderKID", h.SenderKID)
	d.hex(indent, "recipKID", h.RecipKID)
	d.hex(indent, "transactionID", h.TransactionID)
	d.hex(indent, "senderNonce", h.SenderNonce)
	d.hex(indent, "recipNonce", h.RecipNonce)
	for _, t := range h.FreeText {
		d.printf(indent, "  freeText:       %q", t)
	}
	for _, itav := range h.GeneralInfo {
		d.printf(indent, "  generalInfo:    %s", InfoTypeName(itav.Type))
	}
	if msg.IsProtected() {
		d.printf(indent, "  protection:     %d bytes", len(msg.Protection.Bytes))
	} else {
		d.printf(indent, "  protection:     none")
	}
	for i, der := range msg.ExtraCerts {
		d.printf(indent, "  extraCerts[%d]:  %s", i, certSummary(der))
	}
	d.body(msg.Body, indent+"  ")
}

func (d *dumper) hex(indent, name string, b []byte) {
	if len(b) == 0 {
		return
	}
	d.printf(indent, "  %-15s %s", name+":", hex.EncodeToString(b))
}

func (d *dumper) body(b Body, indent string) {
	switch {
	case b.Type == BodyIR || b.Type == BodyCR || b.Type == BodyKUR:
		msgs, err := b.CertReqMessages()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		for _, m := range msgs {
			subject := "-"
			if n, ok := m.Template.Subject(); ok {
				subject = n.String()
			}
			key := "present"
			if m.Template.PublicKeyMissing() {
				key = "missing"
			}
			d.printf(indent, "certReq %d: subject=%s publicKey=%s popo=%s", m.CertReqID, subject, key, m.POPO.Kind)
		}
	case b.Type == BodyP10CR:
		csr, err := x509.ParseCertificateRequest(b.Content)
		if err != nil {
			d.printf(indent, "p10cr: %v", err)
			return
		}
		d.printf(indent, "p10cr: subject=%s", csr.Subject)
	case b.Type.IsCertRep():
		rep, err := b.CertRep()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		for _, r := range rep.Responses {
			d.printf(indent, "certResponse %d: %s", r.CertReqID, r.Status)
			if r.CertifiedKeyPair != nil && r.CertifiedKeyPair.Certificate != nil {
				d.printf(indent, "  certificate: %s", certSummary(r.CertifiedKeyPair.Certificate))
			}
			if r.CertifiedKeyPair != nil && r.CertifiedKeyPair.PrivateKey != nil {
				d.printf(indent, "  privateKey: EnvelopedData (%d bytes)", len(r.CertifiedKeyPair.PrivateKey))
			}
		}
		if len(rep.CAPubs) > 0 {
			d.printf(indent, "caPubs: %d certificates", len(rep.CAPubs))
		}
	case b.Type == BodyRR:
		details, err := b.RevDetails()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		for _, rd := range details {
			serial, _ := rd.CertDetails.SerialNumber()
			issuer, _ := rd.CertDetails.Issuer()
			d.printf(indent, "revDetails: issuer=%s serial=%v", issuer, serial)
		}
	case b.Type == BodyRP:
		statuses, err := b.RevRep()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		for _, s := range statuses {
			d.printf(indent, "status: %s", s)
		}
	case b.Type == BodyError:
		e, err := b.ErrorMsg()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		d.printf(indent, "error: %s", e.Status)
		if len(e.Details) > 0 {
			d.printf(indent, "details: %s", strings.Join(e.Details, "; "))
		}
	case b.Type == BodyPollReq:
		reqs, err := b.PollReqs()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		for _, r := range reqs {
			d.printf(indent, "pollReq: certReqId=%d", r.CertReqID)
		}
	case b.Type == BodyPollRep:
		reps, err := b.PollReps()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		for _, r := range reps {
			d.printf(indent, "pollRep: certReqId=%d checkAfter=%ds", r.CertReqID, r.CheckAfter)
		}
	case b.Type == BodyCertConf:
		statuses, err := b.CertStatuses()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		for _, cs := range statuses {
			state := "accepted"
			if !cs.Accepted() {
				state = cs.Status.String()
			}
			d.printf(indent, "certStatus %d: %s hash=%x", cs.CertReqID, state, cs.CertHash)
		}
	case b.Type == BodyGenM || b.Type == BodyGenP:
		itavs, err := b.InfoTypeAndValues()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		for _, itav := range itavs {
			d.printf(indent, "infoType: %s (%d bytes)", InfoTypeName(itav.Type), len(itav.Value.FullBytes))
		}
	case b.Type == BodyNested:
		inner, err := b.NestedMessages()
		if err != nil {
			d.printf(indent, "body: %v", err)
			return
		}
		for i, der := range inner {
			m, err := Decode(der)
			if err != nil {
				d.printf(indent, "[%d] %v", i, err)
				continue
			}
			d.printf(indent, "[%d]", i)
			d.message(m, indent+"  ")
		}
	default:
		d.printf(indent, "content: %d bytes", len(b.Content))
	}
}

func certSummary(der []byte) string {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		var raw asn1.RawValue
		if _, err := asn1.Unmarshal(der, &raw); err != nil {
			return "unparseable"
		}
		return fmt.Sprintf("certificate (%d bytes, not parsed)", len(der))
	}
	return fmt.Sprintf("subject=%q issuer=%q serial=%s", c.Subject, c.Issuer, c.SerialNumber)
}
