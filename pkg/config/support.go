package config

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/remiblancher/cmp-ra/pkg/cmp"
)

// CACertsHandler answers id-it-caCerts with a fixed set of CA
// certificates (RFC 9483 Section 4.3.1).
type CACertsHandler struct {
	Certs []*x509.Certificate
}

func (h *CACertsHandler) HandleSupportMessage(_ context.Context, req cmp.InfoTypeAndValue) (cmp.InfoTypeAndValue, error) {
	resp := cmp.InfoTypeAndValue{Type: cmp.OIDCACerts}
	if len(h.Certs) == 0 {
		return resp, nil
	}
	certs := make([]asn1.RawValue, 0, len(h.Certs))
	for _, c := range h.Certs {
		certs = append(certs, asn1.RawValue{FullBytes: c.Raw})
	}
	der, err := asn1.Marshal(certs)
	if err != nil {
		return cmp.InfoTypeAndValue{}, err
	}
	resp.Value = asn1.RawValue{FullBytes: der}
	return resp, nil
}

// CertReqTemplateHandler answers id-it-certReqTemplate with a configured
// CertReqTemplateValue (RFC 9483 Section 4.3.3). A nil Template tells the
// requester that no template is available.
type CertReqTemplateHandler struct {
	// Template is the DER CertReqTemplateValue.
	Template []byte
}

func (h *CertReqTemplateHandler) HandleSupportMessage(_ context.Context, req cmp.InfoTypeAndValue) (cmp.InfoTypeAndValue, error) {
	resp := cmp.InfoTypeAndValue{Type: cmp.OIDCertReqTemplate}
	if len(h.Template) > 0 {
		resp.Value = asn1.RawValue{FullBytes: h.Template}
	}
	return resp, nil
}

// RootCAUpdateHandler answers id-it-rootCaCert with id-it-rootCaKeyUpdate
// (RFC 9483 Section 4.3.2). The update is omitted when the requester
// already holds NewWithNew.
type RootCAUpdateHandler struct {
	NewWithNew *x509.Certificate
	NewWithOld *x509.Certificate
	OldWithNew *x509.Certificate
}

func (h *RootCAUpdateHandler) HandleSupportMessage(_ context.Context, req cmp.InfoTypeAndValue) (cmp.InfoTypeAndValue, error) {
	resp := cmp.InfoTypeAndValue{Type: cmp.OIDRootCAKeyUpdate}
	if h.NewWithNew == nil {
		return resp, nil
	}
	if len(req.Value.FullBytes) > 0 {
		if _, err := x509.ParseCertificate(req.Value.FullBytes); err != nil {
			return cmp.InfoTypeAndValue{}, fmt.Errorf("invalid rootCaCert value: %w", err)
		}
		if bytes.Equal(req.Value.FullBytes, h.NewWithNew.Raw) {
			return resp, nil
		}
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(h.NewWithNew.Raw)
		if h.NewWithOld != nil {
			b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes(h.NewWithOld.Raw)
			})
		}
		if h.OldWithNew != nil {
			b.AddASN1(cbasn1.Tag(1).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes(h.OldWithNew.Raw)
			})
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return cmp.InfoTypeAndValue{}, err
	}
	resp.Value = asn1.RawValue{FullBytes: der}
	return resp, nil
}
