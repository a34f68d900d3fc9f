package ra

import (
	"crypto/ecdsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/internal/cms"
	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// emptyKeyTemplate returns a template whose public key field names an
// algorithm but carries no key.
func emptyKeyTemplate(t *testing.T, alg asn1.ObjectIdentifier, params []byte) cmp.CertTemplate {
	t.Helper()
	ai := pkix.AlgorithmIdentifier{Algorithm: alg}
	if params != nil {
		ai.Parameters = asn1.RawValue{FullBytes: params}
	}
	spki, err := asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}{Algorithm: ai})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	tmpl, err := cmp.NewCertTemplate(cmp.TemplateFields{
		Subject:   &pkix.Name{CommonName: "device-1"},
		PublicKey: spki,
	})
	if err != nil {
		t.Fatalf("NewCertTemplate failed: %v", err)
	}
	return tmpl
}

func curveParams(t *testing.T, oid asn1.ObjectIdentifier) []byte {
	t.Helper()
	der, err := asn1.Marshal(oid)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return der
}

// =============================================================================
// Unit Tests: Algorithm selection
// =============================================================================

func TestU_CKGAlgorithm(t *testing.T) {
	noKey, err := cmp.NewCertTemplate(cmp.TemplateFields{Subject: &pkix.Name{CommonName: "x"}})
	if err != nil {
		t.Fatalf("NewCertTemplate failed: %v", err)
	}

	tests := []struct {
		name       string
		template   cmp.CertTemplate
		configured pkicrypto.AlgorithmID
		want       pkicrypto.AlgorithmID
		wantErr    bool
	}{
		{"[Unit] no key field, default", noKey, pkicrypto.AlgUnknown, pkicrypto.AlgECDSAP256, false},
		{"[Unit] no key field, configured", noKey, pkicrypto.AlgMLDSA65, pkicrypto.AlgMLDSA65, false},
		{"[Unit] ECDSA curve P-384", emptyKeyTemplate(t, pkicrypto.OIDPublicKeyECDSA, curveParams(t, pkicrypto.OIDCurveP384)), pkicrypto.AlgUnknown, pkicrypto.AlgECDSAP384, false},
		{"[Unit] ECDSA without curve", emptyKeyTemplate(t, pkicrypto.OIDPublicKeyECDSA, nil), pkicrypto.AlgECDSAP521, pkicrypto.AlgECDSAP521, false},
		{"[Unit] ECDSA without curve, RSA configured", emptyKeyTemplate(t, pkicrypto.OIDPublicKeyECDSA, nil), pkicrypto.AlgRSA3072, pkicrypto.AlgECDSAP256, false},
		{"[Unit] ECDSA unsupported curve", emptyKeyTemplate(t, pkicrypto.OIDPublicKeyECDSA, curveParams(t, asn1.ObjectIdentifier{1, 3, 132, 0, 10})), pkicrypto.AlgUnknown, "", true},
		{"[Unit] RSA configured size", emptyKeyTemplate(t, pkicrypto.OIDPublicKeyRSA, nil), pkicrypto.AlgRSA3072, pkicrypto.AlgRSA3072, false},
		{"[Unit] RSA default size", emptyKeyTemplate(t, pkicrypto.OIDPublicKeyRSA, nil), pkicrypto.AlgECDSAP256, pkicrypto.AlgRSA2048, false},
		{"[Unit] Ed25519", emptyKeyTemplate(t, pkicrypto.OIDPublicKeyEd25519, nil), pkicrypto.AlgUnknown, pkicrypto.AlgEd25519, false},
		{"[Unit] ML-DSA-65", emptyKeyTemplate(t, pkicrypto.OIDMLDSA65, nil), pkicrypto.AlgUnknown, pkicrypto.AlgMLDSA65, false},
		{"[Unit] ML-KEM is not generated", emptyKeyTemplate(t, pkicrypto.OIDMLKEM768, nil), pkicrypto.AlgUnknown, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ckgAlgorithm(tt.template, tt.configured)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ckgAlgorithm() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ckgAlgorithm() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestU_CanReceiveKey(t *testing.T) {
	ec := newSigner(t, pkicrypto.AlgECDSAP256)
	ed := newSigner(t, pkicrypto.AlgEd25519)
	root := newSigner(t, pkicrypto.AlgECDSAP256)

	ecCert := issueCert(t, "ec", false, ec.Public(), nil, root)
	edCert := issueCert(t, "ed", false, ed.Public(), nil, root)

	if !canReceiveKey(ecCert) {
		t.Error("canReceiveKey(ECDSA) = false, want true")
	}
	if canReceiveKey(edCert) {
		t.Error("canReceiveKey(Ed25519) = true, want false")
	}
}

// =============================================================================
// Functional Tests: Central key generation
// =============================================================================

func ckgHarness(t *testing.T) *harness {
	return newHarness(t, func(h *harness) {
		h.cfg.Profiles["default"].CKG = &config.CKGContext{
			Algorithm:          pkicrypto.AlgECDSAP256,
			SigningCredentials: h.pki.raCreds(),
		}
	})
}

func TestF_RA_CentralKeyGeneration(t *testing.T) {
	h := ckgHarness(t)

	resp := h.process(h.enrollment(cmp.BodyIR, 70, certReq(t, nil)))
	require.Equal(t, cmp.BodyIP, resp.Body.Type)

	fwd := h.ca.last()
	reqs, err := fwd.Body.CertReqMessages()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, cmp.POPORAVerified, reqs[0].POPO.Kind)
	assert.False(t, reqs[0].Template.PublicKeyMissing())
	assert.Equal(t, h.pki.ra.SubjectKeyId, fwd.Header.SenderKID)

	rep := certRep(t, resp)
	require.Len(t, rep.Responses, 1)
	ckp := rep.Responses[0].CertifiedKeyPair
	require.NotNil(t, ckp)
	require.NotEmpty(t, ckp.PrivateKey)

	// the response was modified and must carry the RA protection
	res, err := protection.Verify(resp, h.pki.trust(), protection.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, res.Certificate.Equal(h.pki.ra))

	dec, err := cms.Decrypt(ckp.PrivateKey, &cms.DecryptOptions{
		PrivateKey:  h.pki.eeKey.PrivateKey(),
		Certificate: h.pki.ee,
	})
	require.NoError(t, err)
	assert.True(t, dec.ContentType.Equal(cms.OIDSignedData))

	signed, err := cms.Verify(dec.Content, &cms.VerifyConfig{Roots: []*x509.Certificate{h.pki.root}})
	require.NoError(t, err)
	assert.True(t, signed.SignerCert.Equal(h.pki.ra))
	keys, err := cms.ParseAsymmetricKeyPackage(signed.Content)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	priv, err := x509.ParsePKCS8PrivateKey(keys[0])
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(ckp.Certificate)
	require.NoError(t, err)
	ecPriv, ok := priv.(*ecdsa.PrivateKey)
	require.True(t, ok, "generated key is %T", priv)
	assert.True(t, ecPriv.PublicKey.Equal(cert.PublicKey), "delivered key must match the issued certificate")

	assert.Contains(t, h.audit.Types(), audit.EventKeyGenerated)

	conf := h.process(h.certConf(resp))
	assert.Equal(t, cmp.BodyPKIConf, conf.Body.Type)
}

func TestF_RA_CentralKeyGenerationRejected(t *testing.T) {
	t.Run("[Unit] MAC protected request", func(t *testing.T) {
		h := newHarness(t, func(h *harness) {
			h.cfg.Profiles["default"].CKG = &config.CKGContext{SigningCredentials: h.pki.raCreds()}
			h.cfg.Downstream.InputVerification = &protection.VerificationContext{
				SharedSecrets: map[string][]byte{"kid": []byte("shared secret")},
			}
		})
		body, err := cmp.NewCertReqBody(cmp.BodyIR, certReq(t, nil))
		require.NoError(t, err)
		hdr := requestHeader(71)
		hdr.SenderKID = []byte("kid")
		msg := protect(t, &cmp.Message{Header: hdr, Body: body}, &protection.MACCredentials{
			Secret:    []byte("shared secret"),
			SenderKID: []byte("kid"),
		})

		e := errorInfo(t, h.process(msg))
		assert.True(t, e.Status.FailInfo.Has(cmp.FailBadRequest))
		assert.Equal(t, 0, h.ca.calls())
	})
	t.Run("[Unit] two keys in one request", func(t *testing.T) {
		h := ckgHarness(t)
		first := certReq(t, nil)
		second := certReq(t, nil)
		second.CertReqID = 1
		e := errorInfo(t, h.process(h.enrollment(cmp.BodyIR, 72, first, second)))
		assert.True(t, e.Status.FailInfo.Has(cmp.FailBadRequest))
		assert.Equal(t, 0, h.ca.calls())
	})
	t.Run("[Unit] request with key is forwarded unchanged", func(t *testing.T) {
		h := ckgHarness(t)
		ir := h.ir(73)
		resp := h.process(ir)
		require.Equal(t, cmp.BodyIP, resp.Body.Type)
		assert.Equal(t, encode(t, ir), encode(t, h.ca.last()))
		assert.Empty(t, certRep(t, resp).Responses[0].CertifiedKeyPair.PrivateKey)
	})
}
