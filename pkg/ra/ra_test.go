package ra

import (
	"bytes"
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/remiblancher/cmp-ra/internal/audit"
	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// rogueCreds are signature credentials nobody trusts.
func rogueCreds(t *testing.T) *protection.SignatureCredentials {
	t.Helper()
	key := newSigner(t, pkicrypto.AlgECDSAP256)
	cert := issueCert(t, "Rogue", true, key.Public(), nil, key)
	return &protection.SignatureCredentials{Signer: key, Chain: []*x509.Certificate{cert}}
}

// =============================================================================
// Constructor
// =============================================================================

func TestU_New_Validation(t *testing.T) {
	cfg := &config.Static{}
	exchange := func(context.Context, []byte, string) ([]byte, error) { return nil, nil }

	tests := []struct {
		name     string
		cfg      config.Configuration
		exchange UpstreamExchange
		opts     []Option
	}{
		{"[Unit] nil configuration", nil, exchange, nil},
		{"[Unit] nil exchange", cfg, nil, nil},
		{"[Unit] nil logger", cfg, exchange, []Option{WithLogger(nil)}},
		{"[Unit] zero expiry", cfg, exchange, []Option{WithTransactionExpiry(0)}},
		{"[Unit] negative sweep interval", cfg, exchange, []Option{WithSweepInterval(-time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.exchange, tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestU_StaticOptions(t *testing.T) {
	cfg := &config.Static{DefaultProfile: "tls", TransactionExpiry: 2 * time.Hour, RedactErrors: true}
	exchange := func(context.Context, []byte, string) ([]byte, error) { return nil, nil }

	r, err := New(cfg, exchange, StaticOptions(cfg)...)
	require.NoError(t, err)
	assert.Equal(t, "tls", r.defaultProfile)
	assert.Equal(t, 2*time.Hour, r.expiry)
	assert.True(t, r.redact)
}

// =============================================================================
// Functional Tests: Synchronous enrollment
// =============================================================================

func TestF_RA_EnrollAndConfirm(t *testing.T) {
	h := newHarness(t, nil)
	ir := h.ir(1)

	resp := h.process(ir)
	require.Equal(t, cmp.BodyIP, resp.Body.Type)
	rep := certRep(t, resp)
	require.Len(t, rep.IssuedCertificates(), 1)
	assert.Equal(t, ir.Header.SenderNonce, resp.Header.RecipNonce)

	// Keep mode forwards the request and relays the response untouched.
	assert.Equal(t, encode(t, ir), encode(t, h.ca.last()))
	assert.True(t, resp.Header.Sender.Equal(cmp.DirectoryName(h.pki.ca.Subject)))

	status, ok := h.status(1)
	require.True(t, ok)
	assert.Equal(t, "awaiting-confirm", status)

	conf := h.certConf(resp)
	first, err := h.ra.ProcessRequest(context.Background(), encode(t, conf))
	require.NoError(t, err)
	assert.Equal(t, cmp.BodyPKIConf, decode(t, first).Body.Type)
	_, ok = h.status(1)
	assert.False(t, ok, "transaction must be removed after pkiConf")

	calls := h.ca.calls()
	second, err := h.ra.ProcessRequest(context.Background(), encode(t, conf))
	require.NoError(t, err)
	assert.Equal(t, first, second, "resubmitted certConf must get the cached pkiConf")
	assert.Equal(t, calls, h.ca.calls())
	_, ok = h.status(1)
	assert.False(t, ok, "resubmitted certConf must not create a transaction")

	assert.Contains(t, h.audit.Types(), audit.EventCertEnrolled)
	assert.Contains(t, h.audit.Types(), audit.EventRequestForwarded)
}

func TestF_RA_ImplicitConfirm(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.ca.implicitConfirm = true })

	body, err := cmp.NewCertReqBody(cmp.BodyIR, certReq(t, newSigner(t, pkicrypto.AlgECDSAP256)))
	require.NoError(t, err)
	hdr := requestHeader(2).WithImplicitConfirm()
	ir := protect(t, &cmp.Message{Header: hdr, Body: body}, h.pki.eeCreds())

	resp := h.process(ir)
	require.Equal(t, cmp.BodyIP, resp.Body.Type)
	assert.True(t, resp.Header.ImplicitConfirm())
	_, ok := h.status(2)
	assert.False(t, ok, "implicitly confirmed transaction must be removed")
}

func TestF_RA_ImplicitConfirmNotGranted(t *testing.T) {
	h := newHarness(t, nil)

	body, err := cmp.NewCertReqBody(cmp.BodyCR, certReq(t, newSigner(t, pkicrypto.AlgECDSAP256)))
	require.NoError(t, err)
	hdr := requestHeader(3).WithImplicitConfirm()
	cr := protect(t, &cmp.Message{Header: hdr, Body: body}, h.pki.eeCreds())

	resp := h.process(cr)
	require.Equal(t, cmp.BodyCP, resp.Body.Type)
	status, ok := h.status(3)
	require.True(t, ok)
	assert.Equal(t, "awaiting-confirm", status)
}

func TestF_RA_ReprotectModes(t *testing.T) {
	tests := []struct {
		name      string
		mode      config.ReprotectMode
		protected bool
		byRA      bool
	}{
		{"[Unit] keep", config.Keep, true, false},
		{"[Unit] reprotect", config.Reprotect, true, true},
		{"[Unit] strip", config.Strip, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(h *harness) {
				h.cfg.Upstream.ReprotectMode = tt.mode
				h.cfg.Downstream.ReprotectMode = tt.mode
			})
			resp := h.process(h.ir(4))
			require.Equal(t, cmp.BodyIP, resp.Body.Type)

			fwd := h.ca.last()
			assert.Equal(t, tt.protected, fwd.IsProtected())
			assert.Equal(t, tt.protected, resp.IsProtected())
			assert.Equal(t, tt.byRA, bytes.Equal(fwd.Header.SenderKID, h.pki.ra.SubjectKeyId))

			if tt.byRA {
				res, err := protection.Verify(resp, h.pki.trust(), protection.VerifyOptions{})
				require.NoError(t, err)
				assert.True(t, res.Certificate.Equal(h.pki.ra))
			}
		})
	}
}

func TestF_RA_ReprotectWithoutCredentials(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Upstream.ReprotectMode = config.Reprotect
		h.cfg.Upstream.OutputCredentials = nil
	})
	resp := h.process(h.ir(5))
	e := errorInfo(t, resp)
	assert.True(t, e.Status.FailInfo.Has(cmp.FailSystemFailure))
	assert.Equal(t, 0, h.ca.calls())
}

func TestF_RA_SuppressRedundantExtraCerts(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Downstream.SuppressRedundantExtraCerts = true
	})
	resp := h.process(h.ir(6))
	require.Equal(t, cmp.BodyIP, resp.Body.Type)
	require.NotEmpty(t, resp.ExtraCerts)

	conf := h.process(h.certConf(resp))
	require.Equal(t, cmp.BodyPKIConf, conf.Body.Type)
	assert.Empty(t, conf.ExtraCerts, "CA certificate was already sent in this transaction")
}

// =============================================================================
// Functional Tests: Hooks
// =============================================================================

type denyInventory struct{ config.GrantAll }

func (denyInventory) CheckAndModifyCertRequest(context.Context, config.CertRequest) config.InventoryDecision {
	return config.InventoryDecision{}
}

func (denyInventory) CheckRevocationRequest(context.Context, config.RevocationRequest) bool {
	return false
}

type renameInventory struct {
	config.GrantAll
	t *testing.T
}

func (i renameInventory) CheckAndModifyCertRequest(_ context.Context, req config.CertRequest) config.InventoryDecision {
	tmpl, err := cmp.ParseCertTemplate(req.Template)
	if err != nil {
		i.t.Errorf("ParseCertTemplate failed: %v", err)
		return config.InventoryDecision{}
	}
	tmpl, err = tmpl.WithSubject(pkix.Name{CommonName: "renamed"})
	if err != nil {
		i.t.Errorf("WithSubject failed: %v", err)
		return config.InventoryDecision{}
	}
	der, _ := tmpl.Marshal()
	return config.InventoryDecision{Granted: true, UpdatedTemplate: der}
}

type learnInventory struct {
	config.GrantAll
	learned []string
}

func (i *learnInventory) LearnEnrollmentResult(_ context.Context, _, _ []byte, _, subject, _ string) bool {
	i.learned = append(i.learned, subject)
	return true
}

func TestF_RA_InventoryDenied(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Profiles["default"].Inventory = denyInventory{}
	})
	resp := h.process(h.ir(7))
	e := errorInfo(t, resp)
	assert.True(t, e.Status.FailInfo.Has(cmp.FailNotAuthorized))
	assert.Equal(t, cmp.StatusRejection, e.Status.Status)
	assert.Equal(t, 0, h.ca.calls(), "denied requests must not reach the CA")
	_, ok := h.status(7)
	assert.False(t, ok)
}

func TestF_RA_InventoryModifiesTemplate(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Profiles["default"].Inventory = renameInventory{t: t}
	})
	resp := h.process(h.ir(8))
	require.Equal(t, cmp.BodyIP, resp.Body.Type)

	fwd := h.ca.last()
	reqs, err := fwd.Body.CertReqMessages()
	require.NoError(t, err)
	subject, ok := reqs[0].Template.Subject()
	require.True(t, ok)
	assert.Equal(t, "renamed", subject.CommonName)
	assert.Equal(t, cmp.POPORAVerified, reqs[0].POPO.Kind)
	assert.Equal(t, h.pki.ra.SubjectKeyId, fwd.Header.SenderKID, "modified request must be reprotected")
}

func TestF_RA_LearnEnrollmentResult(t *testing.T) {
	inv := &learnInventory{}
	h := newHarness(t, func(h *harness) {
		h.cfg.Profiles["default"].Inventory = inv
	})
	resp := h.process(h.ir(9))
	require.Equal(t, cmp.BodyIP, resp.Body.Type)
	assert.Equal(t, []string{"CN=device-1"}, inv.learned)
}

func TestF_RA_RAVerified(t *testing.T) {
	raVerifiedIR := func(h *harness, id byte) *cmp.Message {
		req := certReq(h.t, newSigner(h.t, pkicrypto.AlgECDSAP256)).WithPOPO(cmp.RAVerified())
		return h.enrollment(cmp.BodyIR, id, req)
	}

	t.Run("[Unit] not acceptable", func(t *testing.T) {
		h := newHarness(t, nil)
		e := errorInfo(t, h.process(raVerifiedIR(h, 10)))
		assert.True(t, e.Status.FailInfo.Has(cmp.FailBadPOP))
	})
	t.Run("[Unit] acceptable", func(t *testing.T) {
		h := newHarness(t, func(h *harness) {
			h.cfg.Profiles["default"].RAVerifiedAcceptable = true
		})
		assert.Equal(t, cmp.BodyIP, h.process(raVerifiedIR(h, 11)).Body.Type)
	})
	t.Run("[Unit] forced", func(t *testing.T) {
		h := newHarness(t, func(h *harness) {
			h.cfg.Profiles["default"].ForceRAVerify = true
		})
		require.Equal(t, cmp.BodyIP, h.process(h.ir(12)).Body.Type)
		reqs, err := h.ca.last().Body.CertReqMessages()
		require.NoError(t, err)
		assert.Equal(t, cmp.POPORAVerified, reqs[0].POPO.Kind)
	})
	t.Run("[Unit] forced with bad POP", func(t *testing.T) {
		h := newHarness(t, func(h *harness) {
			h.cfg.Profiles["default"].ForceRAVerify = true
		})
		req := certReq(t, newSigner(t, pkicrypto.AlgECDSAP256))
		other, err := protection.SignPOP(req, newSigner(t, pkicrypto.AlgECDSAP256))
		require.NoError(t, err)
		e := errorInfo(t, h.process(h.enrollment(cmp.BodyIR, 13, other)))
		assert.True(t, e.Status.FailInfo.Has(cmp.FailBadPOP))
		assert.Equal(t, 0, h.ca.calls())
	})
}

func TestF_RA_GeneralMessage(t *testing.T) {
	genm := func(h *harness, id byte) *cmp.Message {
		body, err := cmp.NewGenBody(cmp.BodyGenM, cmp.InfoTypeAndValue{Type: cmp.OIDCACerts})
		require.NoError(h.t, err)
		return protect(h.t, &cmp.Message{Header: requestHeader(id), Body: body}, h.pki.eeCreds())
	}

	t.Run("[Unit] answered locally", func(t *testing.T) {
		h := newHarness(t, func(h *harness) {
			h.cfg.Support = map[string]config.SupportMessageHandler{
				cmp.OIDCACerts.String(): config.SupportMessageFunc(func(_ context.Context, req cmp.InfoTypeAndValue) (cmp.InfoTypeAndValue, error) {
					return req, nil
				}),
			}
		})
		resp := h.process(genm(h, 14))
		require.Equal(t, cmp.BodyGenP, resp.Body.Type)
		assert.Equal(t, 0, h.ca.calls())
		res, err := protection.Verify(resp, h.pki.trust(), protection.VerifyOptions{})
		require.NoError(t, err)
		assert.True(t, res.Certificate.Equal(h.pki.ra))
	})
	t.Run("[Unit] forwarded", func(t *testing.T) {
		h := newHarness(t, nil)
		resp := h.process(genm(h, 15))
		require.Equal(t, cmp.BodyGenP, resp.Body.Type)
		assert.Equal(t, 1, h.ca.calls())
		_, ok := h.status(15)
		assert.False(t, ok)
	})
}

func TestF_RA_Revocation(t *testing.T) {
	rr := func(h *harness, id byte) *cmp.Message {
		tmpl, err := cmp.NewCertTemplate(cmp.TemplateFields{
			Issuer:       &h.pki.ca.Subject,
			SerialNumber: h.pki.ee.SerialNumber,
		})
		require.NoError(h.t, err)
		body, err := cmp.NewRevReqBody(cmp.RevDetails{CertDetails: tmpl})
		require.NoError(h.t, err)
		return protect(h.t, &cmp.Message{Header: requestHeader(id), Body: body}, h.pki.eeCreds())
	}

	t.Run("[Unit] forwarded", func(t *testing.T) {
		h := newHarness(t, nil)
		resp := h.process(rr(h, 16))
		require.Equal(t, cmp.BodyRP, resp.Body.Type)
		_, ok := h.status(16)
		assert.False(t, ok)
	})
	t.Run("[Unit] denied", func(t *testing.T) {
		h := newHarness(t, func(h *harness) {
			h.cfg.Profiles["default"].Inventory = denyInventory{}
		})
		e := errorInfo(t, h.process(rr(h, 17)))
		assert.True(t, e.Status.FailInfo.Has(cmp.FailNotAuthorized))
		assert.Equal(t, 0, h.ca.calls())
	})
}

// =============================================================================
// Functional Tests: Rejections
// =============================================================================

func TestF_RA_HeaderChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*cmp.Header)
		want   cmp.FailureBit
	}{
		{"[Unit] pvno", func(h *cmp.Header) { h.PVNO = 1 }, cmp.FailUnsupportedVersion},
		{"[Unit] short transactionID", func(h *cmp.Header) { h.TransactionID = []byte{1, 2, 3} }, cmp.FailBadRequest},
		{"[Unit] short senderNonce", func(h *cmp.Header) { h.SenderNonce = []byte{1} }, cmp.FailBadSenderNonce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			body, err := cmp.NewCertReqBody(cmp.BodyIR, certReq(t, newSigner(t, pkicrypto.AlgECDSAP256)))
			require.NoError(t, err)
			hdr := requestHeader(20)
			tt.mutate(&hdr)
			resp := h.process(protect(t, &cmp.Message{Header: hdr, Body: body}, h.pki.eeCreds()))
			e := errorInfo(t, resp)
			assert.True(t, e.Status.FailInfo.Has(tt.want), "failInfo = %s", e.Status.FailInfo)
			assert.Equal(t, 0, h.ca.calls())
		})
	}
}

func TestF_RA_BadDownstreamProtection(t *testing.T) {
	tests := []struct {
		name  string
		creds func(*harness) protection.Credentials
		want  cmp.FailureBit
	}{
		{"[Unit] unprotected", func(*harness) protection.Credentials { return nil }, cmp.FailBadMessageCheck},
		{"[Unit] untrusted signer", func(h *harness) protection.Credentials { return rogueCreds(h.t) }, cmp.FailSignerNotTrusted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			body, err := cmp.NewCertReqBody(cmp.BodyIR, certReq(t, newSigner(t, pkicrypto.AlgECDSAP256)))
			require.NoError(t, err)
			msg := &cmp.Message{Header: requestHeader(21), Body: body}
			if c := tt.creds(h); c != nil {
				msg = protect(t, msg, c)
			}
			e := errorInfo(t, h.process(msg))
			assert.True(t, e.Status.FailInfo.Has(tt.want), "failInfo = %s", e.Status.FailInfo)
			assert.Equal(t, 0, h.ca.calls())
			assert.Contains(t, h.audit.Types(), audit.EventRequestRejected)
		})
	}
}

func TestF_RA_MessageTime(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Downstream.MaxTimeDeviation = time.Minute
	})
	h.now = h.now.Add(time.Hour)
	e := errorInfo(t, h.process(h.ir(22)))
	assert.True(t, e.Status.FailInfo.Has(cmp.FailBadTime))
}

func TestF_RA_Undecodable(t *testing.T) {
	h := newHarness(t, nil)
	der, err := h.ra.ProcessRequest(context.Background(), []byte("not a PKIMessage"))
	require.NoError(t, err)
	e := errorInfo(t, decode(t, der))
	assert.True(t, e.Status.FailInfo.Has(cmp.FailBadDataFormat))
}

func TestF_RA_TransactionInUse(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.ca.delay = true })
	require.Equal(t, cmp.BodyIP, h.process(h.ir(23)).Body.Type)

	e := errorInfo(t, h.process(h.ir(23)))
	assert.True(t, e.Status.FailInfo.Has(cmp.FailTransactionIDInUse))
	assert.Equal(t, 1, h.ca.calls())
}

func TestF_RA_UpstreamFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		redact bool
		text   string
	}{
		{"[Unit] application error", &UpstreamApplicationError{Text: "CA is closed"}, false, "CA is closed"},
		{"[Unit] application error redacted", &UpstreamApplicationError{Text: "CA is closed"}, true, "CA is closed"},
		{"[Unit] transport error redacted", errors.New("dial tcp: refused"), true, "request could not be processed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(h *harness) {
				h.ca.err = tt.err
				h.opts = []Option{WithErrorRedaction(tt.redact)}
			})
			e := errorInfo(t, h.process(h.ir(24)))
			assert.True(t, e.Status.FailInfo.Has(cmp.FailSystemFailure))
			assert.Equal(t, []string{tt.text}, e.Status.Text)
			_, ok := h.status(24)
			assert.False(t, ok)
		})
	}
}

func TestF_RA_BadUpstreamProtection(t *testing.T) {
	h := newHarness(t, nil)
	h.ca.creds = rogueCreds(t)

	resp := h.process(h.ir(25))
	e := errorInfo(t, resp)
	assert.True(t, e.Status.FailInfo.Has(cmp.FailSystemFailure))
	assert.False(t, resp.Header.Sender.Equal(cmp.DirectoryName(h.pki.ca.Subject)), "CA response must not be forwarded")
	_, ok := h.status(25)
	assert.False(t, ok)
	assert.Contains(t, h.audit.Types(), audit.EventProtectionFailed)
}

func TestF_RA_UntrustedIssuedCertificate(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		other := newTestPKI(t)
		h.cfg.Profiles["default"].EnrollmentTrust = other.trust()
	})
	e := errorInfo(t, h.process(h.ir(26)))
	assert.True(t, e.Status.FailInfo.Has(cmp.FailSystemFailure))
	assert.NotContains(t, h.audit.Types(), audit.EventCertEnrolled)
}

func TestF_RA_UnknownTransaction(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("[Unit] pollReq", func(t *testing.T) {
		body, err := cmp.NewPollReqBody(cmp.PollReq{CertReqID: 0})
		require.NoError(t, err)
		msg := protect(t, &cmp.Message{Header: requestHeader(30), Body: body}, h.pki.eeCreds())
		e := errorInfo(t, h.process(msg))
		assert.True(t, e.Status.FailInfo.Has(cmp.FailBadRequest))
	})
	t.Run("[Unit] certConf", func(t *testing.T) {
		body, err := cmp.NewCertConfBody(cmp.CertStatus{CertHash: []byte{1}, CertReqID: 0})
		require.NoError(t, err)
		msg := protect(t, &cmp.Message{Header: requestHeader(31), Body: body}, h.pki.eeCreds())
		e := errorInfo(t, h.process(msg))
		assert.True(t, e.Status.FailInfo.Has(cmp.FailBadRequest))
		_, ok := h.status(31)
		assert.False(t, ok)
	})
	t.Run("[Unit] async response", func(t *testing.T) {
		resp, err := h.ca.answer(h.ir(32))
		require.NoError(t, err)
		err = h.ra.GotResponseAtUpstream(context.Background(), encode(t, resp))
		assert.ErrorIs(t, err, ErrUnknownTransaction)
	})
}

func TestF_RA_RecipNonceMismatch(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.process(h.ir(33))
	require.Equal(t, cmp.BodyIP, resp.Body.Type)

	bad := resp.WithHeader(resp.Header)
	bad.Header.SenderNonce = newNonce16()
	e := errorInfo(t, h.process(h.certConf(bad)))
	assert.True(t, e.Status.FailInfo.Has(cmp.FailBadRecipientNonce))
	status, ok := h.status(33)
	require.True(t, ok)
	assert.Equal(t, "awaiting-confirm", status)
}

func TestF_RA_UnsupportedBody(t *testing.T) {
	h := newHarness(t, nil)
	msg := protect(t, &cmp.Message{Header: requestHeader(34), Body: cmp.NewPKIConfBody()}, h.pki.eeCreds())
	e := errorInfo(t, h.process(msg))
	assert.True(t, e.Status.FailInfo.Has(cmp.FailBadRequest))
}

// =============================================================================
// Functional Tests: Lifecycle
// =============================================================================

func TestF_RA_Expiry(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.ca.delay = true })
	require.Equal(t, cmp.BodyIP, h.process(h.ir(40)).Body.Type)

	h.now = h.now.Add(2 * time.Hour)
	h.ra.sweep()
	_, ok := h.status(40)
	assert.False(t, ok)
	assert.Contains(t, h.audit.Types(), audit.EventTransactionExpired)
}

func TestF_RA_Run(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.opts = []Option{WithSweepInterval(time.Millisecond)}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.ra.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop on cancellation")
	}
}
