package ra

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// Message directions, as used in logs, audit events and cache keys.
const (
	dirDownstream = "downstream"
	dirUpstream   = "upstream"
)

const (
	transactionIDSize = 16
	minNonceSize      = 16
)

// request is a downstream message whose protection was verified.
type request struct {
	msg     *cmp.Message
	der     []byte
	profile string
	policy  *config.MessagePolicy
	result  *protection.Result
}

func (q *request) id() []byte {
	return q.msg.Header.TransactionID
}

// requesterDN names the requester: the subject of the protecting
// certificate, or the header sender for MAC protection.
func (q *request) requesterDN() string {
	if q.result != nil && q.result.Certificate != nil {
		return q.result.Certificate.Subject.String()
	}
	return q.msg.Header.Sender.String()
}

// profileFor resolves the certificate profile of a message: the one it
// names, else the one of its transaction, else the default.
func (r *RA) profileFor(msg *cmp.Message) string {
	if p := msg.Header.CertProfile(); p != "" {
		return p
	}
	if tx, ok := r.tracker.Get(msg.Header.TransactionID); ok {
		return tx.Profile
	}
	return r.defaultProfile
}

// processSingle processes a message that is not nested. Protocol failures
// become error responses.
func (r *RA) processSingle(ctx context.Context, msg *cmp.Message, der []byte) (*cmp.Message, error) {
	profile := r.profileFor(msg)
	policy := r.cfg.DownstreamPolicy(profile, msg.Body.Type).OrDefault()

	resp, err := r.handle(ctx, msg, der, profile, policy)
	if err != nil {
		return r.reject(msg, profile, policy, err)
	}
	if resp.Body.Type == cmp.BodyError {
		r.writeAudit(r.event(audit.EventRequestRejected, audit.ResultFailure, msg, profile, dirDownstream))
	} else {
		r.writeAudit(r.event(audit.EventResponseDelivered, audit.ResultSuccess, msg, profile, dirDownstream))
	}
	return resp, nil
}

func (r *RA) handle(ctx context.Context, msg *cmp.Message, der []byte, profile string, policy *config.MessagePolicy) (*cmp.Message, error) {
	if err := checkHeader(msg.Header); err != nil {
		return nil, err
	}
	res, err := r.verifyDownstream(msg, profile, policy)
	if err != nil {
		return nil, err
	}
	if err := r.checkRecipNonce(msg); err != nil {
		return nil, err
	}

	q := &request{msg: msg, der: der, profile: profile, policy: policy, result: res}
	r.logger.Debug("request verified", append(txFields(msg, profile), zap.Stringer("protection", res.Kind))...)

	switch msg.Body.Type {
	case cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR:
		return r.enroll(ctx, q)
	case cmp.BodyP10CR:
		return r.enrollP10(ctx, q)
	case cmp.BodyRR:
		return r.revoke(ctx, q)
	case cmp.BodyGenM:
		return r.general(ctx, q)
	case cmp.BodyKRR, cmp.BodyCCR:
		return r.forward(ctx, q, forwarding{msg: msg})
	case cmp.BodyCertConf, cmp.BodyError:
		return r.confirm(ctx, q)
	case cmp.BodyPollReq:
		return r.poll(ctx, q)
	}
	return nil, newError("downstream", ErrUnsupportedOperation, "%s messages are not accepted from downstream", msg.Body.Type)
}

// checkHeader validates the header fields every request must carry.
func checkHeader(h cmp.Header) error {
	if h.PVNO != cmp.PVNO2000 && h.PVNO != cmp.PVNO2021 {
		return &ProcessingError{Op: "downstream", Kind: ErrBadRequest,
			FailInfo: cmp.Failure(cmp.FailUnsupportedVersion),
			Err:      fmt.Errorf("unsupported pvno %d", h.PVNO)}
	}
	if len(h.TransactionID) != transactionIDSize {
		return newError("downstream", ErrBadRequest, "transactionID must have %d bytes, got %d", transactionIDSize, len(h.TransactionID))
	}
	if len(h.SenderNonce) < minNonceSize {
		return &ProcessingError{Op: "downstream", Kind: ErrBadRequest,
			FailInfo: cmp.Failure(cmp.FailBadSenderNonce),
			Err:      fmt.Errorf("senderNonce must have at least %d bytes, got %d", minNonceSize, len(h.SenderNonce))}
	}
	return nil
}

func (r *RA) verifyDownstream(msg *cmp.Message, profile string, policy *config.MessagePolicy) (*protection.Result, error) {
	id := msg.Header.TransactionID
	res, err := protection.Verify(msg, policy.InputVerification, protection.VerifyOptions{
		MaxTimeDeviation: policy.MaxTimeDeviation,
		Now:              r.now(),
		AdditionalCerts:  r.cachedCerts(dirDownstream, id),
	})
	if err != nil {
		r.protectionFailed(msg, profile, dirDownstream, err)
		return nil, classify("downstream", err)
	}
	if policy.CacheExtraCerts {
		r.cacheCerts(dirDownstream, id, msg)
	}
	return res, nil
}

// checkRecipNonce binds continuation messages to the last response sent
// in their transaction.
func (r *RA) checkRecipNonce(msg *cmp.Message) error {
	switch msg.Body.Type {
	case cmp.BodyCertConf, cmp.BodyPollReq, cmp.BodyError:
	default:
		return nil
	}
	tx, ok := r.tracker.Get(msg.Header.TransactionID)
	if !ok || len(tx.ResponseNonce) == 0 {
		return nil
	}
	if !bytes.Equal(msg.Header.RecipNonce, tx.ResponseNonce) {
		return &ProcessingError{Op: "downstream", Kind: ErrBadRequest,
			FailInfo: cmp.Failure(cmp.FailBadRecipientNonce),
			Err:      fmt.Errorf("recipNonce does not match the last response")}
	}
	return nil
}

// enroll processes ir, cr and kur: inventory, central key generation and
// proof of possession, then forwards the request.
func (r *RA) enroll(ctx context.Context, q *request) (*cmp.Message, error) {
	body := q.msg.Body.Type
	reqs, err := q.msg.Body.CertReqMessages()
	if err != nil {
		return nil, classify("downstream", err)
	}

	inv := r.cfg.Inventory(q.profile, body)
	ckg := r.cfg.CKG(q.profile, body)
	forceRAVerify := r.cfg.ForceRAVerifyOnUpstream(q.profile, body)
	raVerifiedOK := r.cfg.RAVerifiedAcceptable(q.profile, body)

	f := forwarding{msg: q.msg}
	out := make([]cmp.CertReqMsg, 0, len(reqs))
	for _, orig := range reqs {
		req := orig
		changed := false

		if inv != nil {
			t, err := r.checkInventory(ctx, q, inv, req)
			if err != nil {
				return nil, err
			}
			if t != nil {
				req = req.WithTemplate(*t)
				changed = true
			}
		}

		if ckg != nil && req.Template.PublicKeyMissing() {
			if f.key != nil {
				return nil, newError("ckg", ErrUnsupportedOperation, "only one centrally generated key per request")
			}
			if req, f.key, err = r.generateKey(q, ckg, req); err != nil {
				return nil, err
			}
			f.modified = true
			out = append(out, req)
			continue
		}

		switch {
		case req.POPO.Kind == cmp.POPORAVerified:
			if !raVerifiedOK {
				return nil, newError("downstream", ErrBadPOP, "raVerified proof of possession not accepted from downstream")
			}
		case forceRAVerify || changed:
			if err := protection.VerifyPOP(orig); err != nil {
				return nil, classify("downstream", err)
			}
			req = req.WithPOPO(cmp.RAVerified())
			changed = true
		}
		f.modified = f.modified || changed
		out = append(out, req)
	}

	if f.modified {
		nb, err := cmp.NewCertReqBody(body, out...)
		if err != nil {
			return nil, fmt.Errorf("encode modified %s: %w", body, err)
		}
		f.msg = q.msg.WithBody(nb)
	}
	return r.forward(ctx, q, f)
}

// checkInventory asks the inventory about one request. It returns the
// template to use instead, if the inventory changed it.
func (r *RA) checkInventory(ctx context.Context, q *request, inv config.Inventory, req cmp.CertReqMsg) (*cmp.CertTemplate, error) {
	tmpl, err := req.Template.Marshal()
	if err != nil {
		return nil, classify("hooks", err)
	}
	var subject string
	if s, ok := req.Template.Subject(); ok {
		subject = s.String()
	}
	dec := inv.CheckAndModifyCertRequest(ctx, config.CertRequest{
		TransactionID:      q.id(),
		RequesterDN:        q.requesterDN(),
		Template:           tmpl,
		RequestedSubjectDN: subject,
		Message:            q.der,
	})
	if !dec.Granted {
		return nil, newError("hooks", ErrPolicyDenied, "certificate request %d refused by inventory", req.CertReqID)
	}
	if len(dec.UpdatedTemplate) == 0 || bytes.Equal(dec.UpdatedTemplate, tmpl) {
		return nil, nil
	}
	t, err := cmp.ParseCertTemplate(dec.UpdatedTemplate)
	if err != nil {
		// not the requester's fault
		return nil, fmt.Errorf("inventory returned an invalid template: %v", err)
	}
	r.logger.Info("certificate template modified by inventory", txFields(q.msg, q.profile)...)
	return &t, nil
}

func (r *RA) enrollP10(ctx context.Context, q *request) (*cmp.Message, error) {
	if err := r.checkP10(ctx, q); err != nil {
		return nil, err
	}
	return r.forward(ctx, q, forwarding{msg: q.msg})
}

// checkP10 parses the PKCS#10 request of a p10cr and asks the inventory
// about it.
func (r *RA) checkP10(ctx context.Context, q *request) error {
	csr, err := x509.ParseCertificateRequest(q.msg.Body.Content)
	if err != nil {
		return &ProcessingError{Op: "downstream", Kind: ErrBadRequest,
			FailInfo: cmp.Failure(cmp.FailBadDataFormat),
			Err:      fmt.Errorf("invalid PKCS#10 request: %w", err)}
	}
	inv := r.cfg.Inventory(q.profile, cmp.BodyP10CR)
	if inv == nil {
		return nil
	}
	ok := inv.CheckP10CertRequest(ctx, config.P10Request{
		TransactionID:      q.id(),
		RequesterDN:        q.requesterDN(),
		CSR:                q.msg.Body.Content,
		RequestedSubjectDN: csr.Subject.String(),
		Message:            q.der,
	})
	if !ok {
		return newError("hooks", ErrPolicyDenied, "PKCS#10 request refused by inventory")
	}
	return nil
}

func (r *RA) revoke(ctx context.Context, q *request) (*cmp.Message, error) {
	details, err := q.msg.Body.RevDetails()
	if err != nil {
		return nil, classify("downstream", err)
	}
	if inv := r.cfg.Inventory(q.profile, cmp.BodyRR); inv != nil {
		for i, d := range details {
			req := config.RevocationRequest{
				TransactionID: q.id(),
				RequesterDN:   q.requesterDN(),
				Message:       q.der,
			}
			if issuer, ok := d.CertDetails.Issuer(); ok {
				req.IssuerDN = issuer.String()
			}
			if serial, ok := d.CertDetails.SerialNumber(); ok {
				req.SerialNumber = serial
			}
			if !inv.CheckRevocationRequest(ctx, req) {
				return nil, newError("hooks", ErrPolicyDenied, "revocation request %d refused by inventory", i)
			}
		}
	}
	return r.forward(ctx, q, forwarding{msg: q.msg})
}

// general answers a genm locally when a handler is registered for every
// info type it carries, and forwards it otherwise.
func (r *RA) general(ctx context.Context, q *request) (*cmp.Message, error) {
	itavs, handlers, err := r.supportHandlers(q)
	if err != nil {
		return nil, err
	}
	if handlers == nil {
		return r.forward(ctx, q, forwarding{msg: q.msg})
	}
	return r.answerGeneral(ctx, q, itavs, handlers)
}

// supportHandlers returns the info types of a genm and their local
// handlers. handlers is nil unless every info type has one.
func (r *RA) supportHandlers(q *request) ([]cmp.InfoTypeAndValue, []config.SupportMessageHandler, error) {
	itavs, err := q.msg.Body.InfoTypeAndValues()
	if err != nil {
		return nil, nil, classify("downstream", err)
	}
	if len(itavs) == 0 {
		return itavs, nil, nil
	}
	handlers := make([]config.SupportMessageHandler, 0, len(itavs))
	for _, itav := range itavs {
		h := r.cfg.SupportMessageHandler(q.profile, itav.Type)
		if h == nil {
			return itavs, nil, nil
		}
		handlers = append(handlers, h)
	}
	return itavs, handlers, nil
}

func (r *RA) answerGeneral(ctx context.Context, q *request, itavs []cmp.InfoTypeAndValue, handlers []config.SupportMessageHandler) (*cmp.Message, error) {
	answers := make([]cmp.InfoTypeAndValue, 0, len(itavs))
	for i, itav := range itavs {
		a, err := handlers[i].HandleSupportMessage(ctx, itav)
		if err != nil {
			return nil, newError("hooks", ErrBadRequest, "support message %s: %v", cmp.InfoTypeName(itav.Type), err)
		}
		answers = append(answers, a)
	}
	body, err := cmp.NewGenBody(cmp.BodyGenP, answers...)
	if err != nil {
		return nil, fmt.Errorf("encode genp: %w", err)
	}
	r.logger.Debug("genm answered locally", txFields(q.msg, q.profile)...)
	return r.respond(q.msg, q.policy, nil, body)
}

// cachedCerts returns the extraCerts cached for a transaction.
func (r *RA) cachedCerts(dir string, id []byte) []*x509.Certificate {
	v, ok := r.extraCerts.Get(certCacheKey(dir, id))
	if !ok {
		return nil
	}
	return v.([]*x509.Certificate)
}

// cacheCerts adds the extraCerts of msg to the cache of its transaction.
func (r *RA) cacheCerts(dir string, id []byte, msg *cmp.Message) {
	if len(msg.ExtraCerts) == 0 {
		return
	}
	certs, err := msg.ParseExtraCerts()
	if err != nil {
		r.logger.Debug("extraCerts not cached", zap.Error(err))
		return
	}
	merged := append([]*x509.Certificate(nil), r.cachedCerts(dir, id)...)
	for _, c := range certs {
		if !containsCert(merged, c) {
			merged = append(merged, c)
		}
	}
	r.extraCerts.Set(certCacheKey(dir, id), merged, r.expiry)
}

func certCacheKey(dir string, id []byte) string {
	return fmt.Sprintf("%s:%x", dir, id)
}

func containsCert(certs []*x509.Certificate, c *x509.Certificate) bool {
	for _, x := range certs {
		if x.Equal(c) {
			return true
		}
	}
	return false
}
