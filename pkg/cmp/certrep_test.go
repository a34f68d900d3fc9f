package cmp

import (
	"bytes"
	"testing"
)

func TestU_CertRep_RoundTrip(t *testing.T) {
	cert := []byte{0x30, 0x03, 0x02, 0x01, 0x07}
	caPub := []byte{0x30, 0x03, 0x02, 0x01, 0x08}
	env := []byte{0x30, 0x03, 0x02, 0x01, 0x02}

	rep := &CertRepMessage{
		CAPubs: [][]byte{caPub},
		Responses: []CertResponse{{
			CertReqID: 0,
			Status:    StatusInfo{Status: StatusAccepted},
			CertifiedKeyPair: &CertifiedKeyPair{
				Certificate: cert,
				PrivateKey:  env,
			},
		}},
	}
	body, err := NewCertRepBody(BodyIP, rep)
	if err != nil {
		t.Fatalf("NewCertRepBody failed: %v", err)
	}
	// certOrEncCert [0] { cert }, privateKey [0] { envelopedData [0] IMPLICIT }
	if !bytes.Contains(body.Content, []byte{0xa0, 0x05, 0x30, 0x03, 0x02, 0x01, 0x07}) {
		t.Errorf("certificate not explicitly tagged")
	}
	if !bytes.Contains(body.Content, []byte{0xa0, 0x05, 0xa0, 0x03, 0x02, 0x01, 0x02}) {
		t.Errorf("privateKey not encoded as [0] { [0] EnvelopedData }")
	}

	got, err := body.CertRep()
	if err != nil {
		t.Fatalf("CertRep failed: %v", err)
	}
	if len(got.CAPubs) != 1 || !bytes.Equal(got.CAPubs[0], caPub) {
		t.Errorf("caPubs = %x", got.CAPubs)
	}
	if len(got.Responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(got.Responses))
	}
	ckp := got.Responses[0].CertifiedKeyPair
	if ckp == nil || !bytes.Equal(ckp.Certificate, cert) {
		t.Fatalf("certificate not decoded")
	}
	if !bytes.Equal(ckp.PrivateKey, env) {
		t.Errorf("privateKey = %x, want %x", ckp.PrivateKey, env)
	}
	if issued := got.IssuedCertificates(); len(issued) != 1 {
		t.Errorf("IssuedCertificates() = %d, want 1", len(issued))
	}
}

func TestU_CertRep_Waiting(t *testing.T) {
	body, err := NewCertRepBody(BodyCP, &CertRepMessage{
		Responses: []CertResponse{{CertReqID: 3, Status: StatusInfo{Status: StatusWaiting}}},
	})
	if err != nil {
		t.Fatalf("NewCertRepBody failed: %v", err)
	}
	rep, err := body.CertRep()
	if err != nil {
		t.Fatalf("CertRep failed: %v", err)
	}
	if rep.Responses[0].Status.Status != StatusWaiting || rep.Responses[0].CertReqID != 3 {
		t.Errorf("response = %+v", rep.Responses[0])
	}
	if rep.Responses[0].CertifiedKeyPair != nil {
		t.Errorf("waiting response carries a certificate")
	}
}

func TestU_CertRep_WrongType(t *testing.T) {
	if _, err := NewCertRepBody(BodyGenP, &CertRepMessage{}); err == nil {
		t.Errorf("NewCertRepBody(genp) succeeded")
	}
}
