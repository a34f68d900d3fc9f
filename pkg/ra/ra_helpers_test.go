package ra

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/internal/nested"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// =============================================================================
// Test PKI
// =============================================================================

var testSerial atomic.Int64

func issueCert(t *testing.T, cn string, isCA bool, pub crypto.PublicKey, parent *x509.Certificate, signer crypto.Signer) *x509.Certificate {
	t.Helper()
	cert, err := createCert(cn, isCA, pub, parent, signer)
	if err != nil {
		t.Fatalf("issue %s: %v", cn, err)
	}
	return cert
}

func createCert(cn string, isCA bool, pub crypto.PublicKey, parent *x509.Certificate, signer crypto.Signer) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1000 + testSerial.Add(1)),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
	}
	if parent == nil {
		parent = tmpl
	}
	der, err := pkicrypto.CreateCertificate(tmpl, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func newSigner(t *testing.T, alg pkicrypto.AlgorithmID) *pkicrypto.SoftwareSigner {
	t.Helper()
	s, err := pkicrypto.GenerateSoftwareSigner(alg)
	if err != nil {
		t.Fatalf("GenerateSoftwareSigner(%s) failed: %v", alg, err)
	}
	return s
}

type testPKI struct {
	root    *x509.Certificate
	rootKey *pkicrypto.SoftwareSigner

	ca    *x509.Certificate
	caKey *pkicrypto.SoftwareSigner

	ra    *x509.Certificate
	raKey *pkicrypto.SoftwareSigner

	ee    *x509.Certificate
	eeKey *pkicrypto.SoftwareSigner
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	p := &testPKI{
		rootKey: newSigner(t, pkicrypto.AlgECDSAP256),
		caKey:   newSigner(t, pkicrypto.AlgECDSAP256),
		raKey:   newSigner(t, pkicrypto.AlgECDSAP256),
		eeKey:   newSigner(t, pkicrypto.AlgECDSAP256),
	}
	p.root = issueCert(t, "Test Root", true, p.rootKey.Public(), nil, p.rootKey)
	p.ca = issueCert(t, "Test CA", true, p.caKey.Public(), p.root, p.rootKey)
	p.ra = issueCert(t, "Test RA", false, p.raKey.Public(), p.root, p.rootKey)
	p.ee = issueCert(t, "Test EE", false, p.eeKey.Public(), p.root, p.rootKey)
	return p
}

func (p *testPKI) trust() *protection.VerificationContext {
	return &protection.VerificationContext{TrustAnchors: []*x509.Certificate{p.root}}
}

func (p *testPKI) raCreds() *protection.SignatureCredentials {
	return &protection.SignatureCredentials{Signer: p.raKey, Chain: []*x509.Certificate{p.ra}}
}

func (p *testPKI) eeCreds() *protection.SignatureCredentials {
	return &protection.SignatureCredentials{Signer: p.eeKey, Chain: []*x509.Certificate{p.ee}}
}

func (p *testPKI) caCreds() *protection.SignatureCredentials {
	return &protection.SignatureCredentials{Signer: p.caKey, Chain: []*x509.Certificate{p.ca}}
}

// =============================================================================
// Fake CA
// =============================================================================

// fakeCA answers CMP requests the way a CA would: it issues certificates
// for enrollment requests, confirms certConfs and echoes genm.
type fakeCA struct {
	pki   *testPKI
	creds protection.Credentials

	mu       sync.Mutex
	requests []*cmp.Message
	// delay makes the exchange return no response for requests other
	// than certConf.
	delay bool
	// waiting answers enrollments with status waiting and issues on the
	// next pollReq.
	waiting bool
	pending map[string]*cmp.Message
	// implicitConfirm grants implicit confirmation when requested.
	implicitConfirm bool
	// nested wraps responses to nested requests.
	nested *config.NestedEndpoint
	err    error
}

func newFakeCA(p *testPKI) *fakeCA {
	return &fakeCA{pki: p, creds: p.caCreds(), pending: make(map[string]*cmp.Message)}
}

func (ca *fakeCA) exchange(_ context.Context, der []byte, _ string) ([]byte, error) {
	req, err := cmp.Decode(der)
	if err != nil {
		return nil, err
	}
	ca.mu.Lock()
	ca.requests = append(ca.requests, req)
	delay, failure := ca.delay, ca.err
	ca.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if delay && req.Body.Type != cmp.BodyCertConf {
		return nil, nil
	}
	resp, err := ca.answer(req)
	if err != nil {
		return nil, err
	}
	return resp.Encode()
}

func (ca *fakeCA) calls() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return len(ca.requests)
}

func (ca *fakeCA) last() *cmp.Message {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if len(ca.requests) == 0 {
		return nil
	}
	return ca.requests[len(ca.requests)-1]
}

func (ca *fakeCA) header(req *cmp.Message) cmp.Header {
	nonce := make([]byte, 16)
	rand.Read(nonce)
	h := cmp.Header{
		PVNO:          req.Header.PVNO,
		Sender:        cmp.DirectoryName(ca.pki.ca.Subject),
		Recipient:     req.Header.Sender,
		MessageTime:   time.Now().UTC().Truncate(time.Second),
		TransactionID: req.Header.TransactionID,
		SenderNonce:   nonce,
		RecipNonce:    req.Header.SenderNonce,
	}
	if ca.implicitConfirm && req.Header.ImplicitConfirm() {
		h = h.WithImplicitConfirm()
	}
	return h
}

func (ca *fakeCA) answer(req *cmp.Message) (*cmp.Message, error) {
	var body cmp.Body
	var err error
	switch req.Body.Type {
	case cmp.BodyNested:
		return ca.answerNested(req)
	case cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR:
		ca.mu.Lock()
		waiting := ca.waiting
		if waiting {
			ca.pending[fmt.Sprintf("%x", req.Header.TransactionID)] = req
		}
		ca.mu.Unlock()
		if waiting {
			body, err = ca.waitingRep(req)
		} else {
			body, err = ca.certRep(req)
		}
	case cmp.BodyPollReq:
		ca.mu.Lock()
		orig := ca.pending[fmt.Sprintf("%x", req.Header.TransactionID)]
		ca.mu.Unlock()
		if orig == nil {
			return nil, errors.New("nothing pending")
		}
		body, err = ca.certRep(orig)
	case cmp.BodyP10CR:
		body, err = ca.p10Rep(req)
	case cmp.BodyCertConf, cmp.BodyError:
		body = cmp.NewPKIConfBody()
	case cmp.BodyGenM:
		var itavs []cmp.InfoTypeAndValue
		if itavs, err = req.Body.InfoTypeAndValues(); err == nil {
			body, err = cmp.NewGenBody(cmp.BodyGenP, itavs...)
		}
	case cmp.BodyRR:
		body, err = cmp.NewRevRepBody(cmp.StatusInfo{Status: cmp.StatusAccepted})
	default:
		return nil, fmt.Errorf("fake CA cannot answer %s", req.Body.Type)
	}
	if err != nil {
		return nil, err
	}
	resp := &cmp.Message{Header: ca.header(req), Body: body}
	if ca.creds == nil {
		return resp, nil
	}
	return protection.Protect(resp, ca.creds)
}

func (ca *fakeCA) answerNested(req *cmp.Message) (*cmp.Message, error) {
	inner, _, err := nested.Unwrap(req, ca.nested, protection.VerifyOptions{})
	if err != nil {
		return nil, err
	}
	var out []*cmp.Message
	for _, m := range inner {
		resp, err := ca.answer(m)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return nested.Wrap(out, ca.nested, nested.WrapHeader{
		Recipient:     req.Header.Sender,
		TransactionID: req.Header.TransactionID,
		RecipNonce:    req.Header.SenderNonce,
	})
}

func (ca *fakeCA) issue(t cmp.CertTemplate) ([]byte, error) {
	spki, ok := t.PublicKeyInfo()
	if !ok {
		return nil, errors.New("template without public key")
	}
	pub, err := pkicrypto.ParsePublicKey(spki)
	if err != nil {
		return nil, err
	}
	cn := "issued"
	if s, ok := t.Subject(); ok {
		cn = s.CommonName
	}
	cert, err := createCert(cn, false, pub, ca.pki.ca, ca.pki.caKey)
	if err != nil {
		return nil, err
	}
	return cert.Raw, nil
}

func (ca *fakeCA) certRep(req *cmp.Message) (cmp.Body, error) {
	reqs, err := req.Body.CertReqMessages()
	if err != nil {
		return cmp.Body{}, err
	}
	rep := &cmp.CertRepMessage{}
	for _, m := range reqs {
		der, err := ca.issue(m.Template)
		if err != nil {
			return cmp.Body{}, err
		}
		rep.Responses = append(rep.Responses, cmp.CertResponse{
			CertReqID:        m.CertReqID,
			Status:           cmp.StatusInfo{Status: cmp.StatusAccepted},
			CertifiedKeyPair: &cmp.CertifiedKeyPair{Certificate: der},
		})
	}
	t, _ := req.Body.Type.ResponseType()
	return cmp.NewCertRepBody(t, rep)
}

func (ca *fakeCA) waitingRep(req *cmp.Message) (cmp.Body, error) {
	reqs, err := req.Body.CertReqMessages()
	if err != nil {
		return cmp.Body{}, err
	}
	rep := &cmp.CertRepMessage{}
	for _, m := range reqs {
		rep.Responses = append(rep.Responses, cmp.CertResponse{
			CertReqID: m.CertReqID,
			Status:    cmp.StatusInfo{Status: cmp.StatusWaiting},
		})
	}
	t, _ := req.Body.Type.ResponseType()
	return cmp.NewCertRepBody(t, rep)
}

func (ca *fakeCA) p10Rep(req *cmp.Message) (cmp.Body, error) {
	der, err := ca.signCSR(req.Body.Content)
	if err != nil {
		return cmp.Body{}, err
	}
	return cmp.NewCertRepBody(cmp.BodyCP, &cmp.CertRepMessage{
		Responses: []cmp.CertResponse{{
			CertReqID:        -1,
			Status:           cmp.StatusInfo{Status: cmp.StatusAccepted},
			CertifiedKeyPair: &cmp.CertifiedKeyPair{Certificate: der},
		}},
	})
}

func (ca *fakeCA) signCSR(csrDER []byte) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, err
	}
	cert, err := createCert(csr.Subject.CommonName, false, csr.PublicKey, ca.pki.ca, ca.pki.caKey)
	if err != nil {
		return nil, err
	}
	return cert.Raw, nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	t     *testing.T
	pki   *testPKI
	ca    *fakeCA
	cfg   *config.Static
	audit *audit.MemoryWriter
	ra    *RA
	now   time.Time
	opts  []Option
}

// newHarness builds an RA in front of a fake CA. The default setup keeps
// protection in both directions and trusts the test root everywhere.
func newHarness(t *testing.T, mutate func(*harness)) *harness {
	t.Helper()
	p := newTestPKI(t)
	h := &harness{
		t:     t,
		pki:   p,
		ca:    newFakeCA(p),
		audit: &audit.MemoryWriter{},
		now:   time.Now(),
		cfg: &config.Static{
			DefaultProfile: "default",
			Downstream: &config.MessagePolicy{
				InputVerification: p.trust(),
				OutputCredentials: p.raCreds(),
			},
			Upstream: &config.MessagePolicy{
				InputVerification: p.trust(),
				OutputCredentials: p.raCreds(),
			},
			Profiles: map[string]*config.Profile{
				"default": {EnrollmentTrust: p.trust()},
			},
		},
	}
	if mutate != nil {
		mutate(h)
	}
	opts := append([]Option{
		WithLogger(zap.NewNop()),
		WithAuditWriter(h.audit),
		WithDefaultProfile(h.cfg.DefaultProfile),
		WithTransactionExpiry(time.Hour),
	}, h.opts...)
	r, err := New(h.cfg, h.ca.exchange, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r.now = func() time.Time { return h.now }
	h.ra = r
	return h
}

func (h *harness) process(msg *cmp.Message) *cmp.Message {
	h.t.Helper()
	der, err := h.ra.ProcessRequest(context.Background(), encode(h.t, msg))
	if err != nil {
		h.t.Fatalf("ProcessRequest failed: %v", err)
	}
	return decode(h.t, der)
}

func (h *harness) status(id byte) (string, bool) {
	tx, ok := h.ra.tracker.Get(txID(id))
	if !ok {
		return "", false
	}
	return tx.Status.String(), true
}

// =============================================================================
// Messages
// =============================================================================

func txID(b byte) []byte {
	return bytes.Repeat([]byte{b}, 16)
}

func newNonce16() []byte {
	n := make([]byte, 16)
	rand.Read(n)
	return n
}

func requestHeader(id byte) cmp.Header {
	return cmp.Header{
		PVNO:          cmp.PVNO2000,
		Sender:        cmp.DirectoryName(pkix.Name{CommonName: "Test EE"}),
		Recipient:     cmp.DirectoryName(pkix.Name{CommonName: "Test RA"}),
		MessageTime:   time.Now().UTC().Truncate(time.Second),
		TransactionID: txID(id),
		SenderNonce:   newNonce16(),
	}
}

func encode(t *testing.T, msg *cmp.Message) []byte {
	t.Helper()
	der, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return der
}

func decode(t *testing.T, der []byte) *cmp.Message {
	t.Helper()
	msg, err := cmp.Decode(der)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return msg
}

func protect(t *testing.T, msg *cmp.Message, creds protection.Credentials) *cmp.Message {
	t.Helper()
	out, err := protection.Protect(msg, creds)
	if err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	return decode(t, encode(t, out))
}

// certReq builds a request for a new key with a signature POP. A nil key
// leaves the public key out.
func certReq(t *testing.T, key *pkicrypto.SoftwareSigner) cmp.CertReqMsg {
	t.Helper()
	f := cmp.TemplateFields{Subject: &pkix.Name{CommonName: "device-1"}}
	if key != nil {
		spki, err := pkicrypto.MarshalPublicKey(key.Public())
		if err != nil {
			t.Fatalf("MarshalPublicKey failed: %v", err)
		}
		f.PublicKey = spki
	}
	tmpl, err := cmp.NewCertTemplate(f)
	if err != nil {
		t.Fatalf("NewCertTemplate failed: %v", err)
	}
	req := cmp.CertReqMsg{CertReqID: 0, Template: tmpl}
	if key == nil {
		return req
	}
	signed, err := protection.SignPOP(req, key)
	if err != nil {
		t.Fatalf("SignPOP failed: %v", err)
	}
	return signed
}

// enrollment builds a signature-protected request of type bt.
func (h *harness) enrollment(bt cmp.BodyType, id byte, reqs ...cmp.CertReqMsg) *cmp.Message {
	h.t.Helper()
	body, err := cmp.NewCertReqBody(bt, reqs...)
	if err != nil {
		h.t.Fatalf("NewCertReqBody failed: %v", err)
	}
	return protect(h.t, &cmp.Message{Header: requestHeader(id), Body: body}, h.pki.eeCreds())
}

func (h *harness) ir(id byte) *cmp.Message {
	h.t.Helper()
	return h.enrollment(cmp.BodyIR, id, certReq(h.t, newSigner(h.t, pkicrypto.AlgECDSAP256)))
}

// followUp builds a protected continuation message answering resp.
func (h *harness) followUp(resp *cmp.Message, body cmp.Body) *cmp.Message {
	h.t.Helper()
	hdr := requestHeader(resp.Header.TransactionID[0])
	hdr.TransactionID = resp.Header.TransactionID
	hdr.RecipNonce = resp.Header.SenderNonce
	return protect(h.t, &cmp.Message{Header: hdr, Body: body}, h.pki.eeCreds())
}

func (h *harness) certConf(resp *cmp.Message) *cmp.Message {
	h.t.Helper()
	rep, err := resp.Body.CertRep()
	if err != nil {
		h.t.Fatalf("CertRep failed: %v", err)
	}
	var statuses []cmp.CertStatus
	for _, r := range rep.Responses {
		cert, err := x509.ParseCertificate(r.CertifiedKeyPair.Certificate)
		if err != nil {
			h.t.Fatalf("ParseCertificate failed: %v", err)
		}
		statuses = append(statuses, cmp.CertStatus{CertHash: cmp.CertHash(cert), CertReqID: r.CertReqID})
	}
	body, err := cmp.NewCertConfBody(statuses...)
	if err != nil {
		h.t.Fatalf("NewCertConfBody failed: %v", err)
	}
	return h.followUp(resp, body)
}

func (h *harness) pollReq(resp *cmp.Message, certReqID int) *cmp.Message {
	h.t.Helper()
	body, err := cmp.NewPollReqBody(cmp.PollReq{CertReqID: certReqID})
	if err != nil {
		h.t.Fatalf("NewPollReqBody failed: %v", err)
	}
	return h.followUp(resp, body)
}

// errorInfo returns the content of an error response.
func errorInfo(t *testing.T, msg *cmp.Message) cmp.ErrorContent {
	t.Helper()
	if msg.Body.Type != cmp.BodyError {
		t.Fatalf("response is %s, want error", msg.Body.Type)
	}
	e, err := msg.Body.ErrorMsg()
	if err != nil {
		t.Fatalf("ErrorMsg failed: %v", err)
	}
	return e
}

func certRep(t *testing.T, msg *cmp.Message) *cmp.CertRepMessage {
	t.Helper()
	rep, err := msg.Body.CertRep()
	if err != nil {
		t.Fatalf("CertRep of %s failed: %v", msg.Body.Type, err)
	}
	return rep
}
