package ra

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/internal/nested"
	"github.com/remiblancher/cmp-ra/internal/transaction"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// forwarding is a request on its way upstream.
type forwarding struct {
	msg *cmp.Message
	// modified is set when the RA changed the request, which then has to
	// be reprotected.
	modified bool
	// key is the centrally generated key, if any.
	key *pkicrypto.KeyPair
}

// forward opens the transaction of q, sends the request upstream and
// relays the answer.
func (r *RA) forward(ctx context.Context, q *request, f forwarding) (*cmp.Message, error) {
	body := q.msg.Body.Type
	up := r.cfg.UpstreamPolicy(q.profile, body).OrDefault()
	id := q.id()

	err := r.tracker.Begin(id, func(tx *transaction.Transaction) error {
		tx.Profile = q.profile
		tx.Body = body
		tx.Request = q.msg
		tx.Downstream = q.policy
		tx.Upstream = up
		tx.DownstreamNonce = q.msg.Header.SenderNonce
		tx.ImplicitConfirm = q.msg.Header.ImplicitConfirm()
		tx.CKGKey = f.key
		if q.result != nil {
			tx.Requester = q.result.Certificate
		}
		return nil
	})
	if err != nil {
		return nil, classify("downstream", err)
	}

	der, err := r.sendUpstream(ctx, id, f.msg, f.modified)
	if err != nil {
		r.tracker.Remove(id)
		return nil, err
	}
	if der == nil {
		return r.delay(q)
	}
	return r.relay(ctx, id, der)
}

// delay answers a request whose response the CA delivers later.
func (r *RA) delay(q *request) (*cmp.Message, error) {
	resp, err := r.waitingResponse(q.msg, q.policy)
	if err != nil {
		r.tracker.Remove(q.id())
		return nil, err
	}
	err = r.tracker.Update(q.id(), func(tx *transaction.Transaction) error {
		if tx.Status == transaction.PendingUpstream {
			tx.Status = transaction.DelayedAwaitingPoll
		}
		tx.ResponseNonce = resp.Header.SenderNonce
		tx.SentDownstream.Add(resp.ExtraCerts...)
		return nil
	})
	if err != nil {
		return nil, classify("downstream", err)
	}
	r.logger.Info("upstream response delayed", txFields(q.msg, q.profile)...)
	return resp, nil
}

// sendUpstream prepares msg for the CA, records it in the transaction and
// runs the exchange. A nil response means the CA answers later.
func (r *RA) sendUpstream(ctx context.Context, id []byte, msg *cmp.Message, modified bool) ([]byte, error) {
	tx, ok := r.tracker.Get(id)
	if !ok {
		return nil, newError("upstream", ErrUnknownTransaction, "no transaction %x", id)
	}
	out, err := r.prepareUpstream(msg, &tx, modified)
	if err != nil {
		return nil, err
	}

	send := out
	var wrapper []byte
	if ep := tx.Upstream.NestedEndpoint; ep != nil {
		send, err = nested.Wrap([]*cmp.Message{out}, ep, nested.WrapHeader{PVNO: out.Header.PVNO})
		if err != nil {
			return nil, fmt.Errorf("wrap upstream request: %w", err)
		}
		wrapper = send.Header.TransactionID
	}
	der, err := send.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	err = r.tracker.Update(id, func(t *transaction.Transaction) error {
		t.Forwarded = out
		t.UpstreamNonce = out.Header.SenderNonce
		t.SentUpstream.Add(out.ExtraCerts...)
		t.Wrapper = wrapper
		return nil
	})
	if err != nil {
		return nil, classify("upstream", err)
	}
	r.writeAudit(r.event(audit.EventRequestForwarded, audit.ResultSuccess, msg, tx.Profile, dirDownstream).
		WithContext(auditContext(out, tx.Profile, dirUpstream, nil)))

	log := r.logger.With(txFields(out, tx.Profile)...)
	log.Debug("sending request upstream", zap.Bool("nested", wrapper != nil))
	resp, err := r.upstream(ctx, der, tx.Profile)
	if err != nil {
		r.metrics.upstream(upstreamError)
		log.Warn("upstream exchange failed", zap.Error(err))
		return nil, &ProcessingError{Op: "upstream", Kind: ErrUpstream, Err: err}
	}
	if resp == nil {
		r.metrics.upstream(upstreamDelayed)
		return nil, nil
	}
	r.metrics.upstream(upstreamResponse)
	return resp, nil
}

// prepareUpstream applies the reprotect mode of the upstream policy.
// Modified messages are reprotected even in Keep mode.
func (r *RA) prepareUpstream(msg *cmp.Message, tx *transaction.Transaction, modified bool) (*cmp.Message, error) {
	p := tx.Upstream
	mode := p.ReprotectMode
	if modified && mode == config.Keep {
		mode = config.Reprotect
	}

	out := msg
	switch mode {
	case config.Reprotect:
		if p.OutputCredentials == nil {
			if p.ReprotectMode == config.Reprotect {
				return nil, newError("upstream", ErrUpstream, "no credentials to reprotect %s", msg.Body.Type)
			}
			r.logger.Info("no upstream credentials, forwarding modified request unprotected",
				txFields(msg, tx.Profile)...)
			out = protection.Strip(msg)
			break
		}
		var err error
		if out, err = protection.Protect(msg, p.OutputCredentials); err != nil {
			return nil, fmt.Errorf("reprotect %s: %w", msg.Body.Type, err)
		}
	case config.Strip:
		out = protection.Strip(msg)
	}
	if p.SuppressRedundantExtraCerts {
		out = suppressCerts(out, tx.SentUpstream)
	}
	return out, nil
}

// relay checks the synchronous upstream response of a transaction and
// delivers it downstream. The transaction is dropped when the response
// cannot be accepted.
func (r *RA) relay(ctx context.Context, id []byte, der []byte) (*cmp.Message, error) {
	checked, tx, modified, err := r.acceptUpstream(ctx, id, der)
	if err != nil {
		r.tracker.Remove(id)
		return nil, err
	}
	out, err := r.prepareDownstream(checked, &tx, modified)
	if err != nil {
		r.tracker.Remove(id)
		return nil, err
	}
	return r.finishDelivery(id, checked, out)
}

// acceptUpstream decodes and checks an upstream response of transaction id.
func (r *RA) acceptUpstream(ctx context.Context, id []byte, der []byte) (*cmp.Message, transaction.Transaction, bool, error) {
	tx, ok := r.tracker.Get(id)
	if !ok {
		return nil, tx, false, newError("upstream", ErrUnknownTransaction, "no transaction %x", id)
	}
	resp, err := cmp.Decode(der)
	if err != nil {
		return nil, tx, false, &ProcessingError{Op: "upstream", Kind: ErrBadUpstreamProtection, Err: err}
	}
	if resp.Body.Type == cmp.BodyNested {
		if resp, err = r.unwrapUpstream(resp, &tx); err != nil {
			return nil, tx, false, err
		}
	}
	checked, modified, err := r.checkUpstream(ctx, &tx, resp)
	return checked, tx, modified, err
}

// unwrapUpstream returns the message of tx inside a nested response.
func (r *RA) unwrapUpstream(outer *cmp.Message, tx *transaction.Transaction) (*cmp.Message, error) {
	ep := tx.Upstream.NestedEndpoint
	if ep == nil {
		return nil, newError("upstream", ErrBadUpstreamProtection, "unexpected nested response")
	}
	inner, _, err := nested.Unwrap(outer, ep, protection.VerifyOptions{
		MaxTimeDeviation: tx.Upstream.MaxTimeDeviation,
		Now:              r.now(),
	})
	if err != nil {
		r.protectionFailed(outer, tx.Profile, dirUpstream, err)
		return nil, &ProcessingError{Op: "nested", Kind: ErrBadUpstreamProtection, Err: err}
	}
	for _, m := range inner {
		if bytes.Equal(m.Header.TransactionID, tx.ID) {
			return m, nil
		}
	}
	return nil, newError("nested", ErrBadUpstreamProtection, "nested response carries no message for transaction %x", tx.ID)
}

// checkUpstream verifies an upstream response of tx and processes issued
// certificates. It reports whether the response was modified.
func (r *RA) checkUpstream(ctx context.Context, tx *transaction.Transaction, resp *cmp.Message) (*cmp.Message, bool, error) {
	p := tx.Upstream
	_, err := protection.Verify(resp, p.InputVerification, protection.VerifyOptions{
		MaxTimeDeviation: p.MaxTimeDeviation,
		Now:              r.now(),
		AdditionalCerts:  r.cachedCerts(dirUpstream, tx.ID),
	})
	if err != nil {
		r.protectionFailed(resp, tx.Profile, dirUpstream, err)
		return nil, false, &ProcessingError{Op: "upstream", Kind: ErrBadUpstreamProtection, Err: err}
	}
	if p.CacheExtraCerts {
		r.cacheCerts(dirUpstream, tx.ID, resp)
	}

	if !bytes.Equal(resp.Header.TransactionID, tx.ID) {
		return nil, false, newError("upstream", ErrBadUpstreamProtection,
			"response transactionID %x does not match %x", resp.Header.TransactionID, tx.ID)
	}
	if len(tx.UpstreamNonce) > 0 && !bytes.Equal(resp.Header.RecipNonce, tx.UpstreamNonce) {
		return nil, false, newError("upstream", ErrBadUpstreamProtection, "response recipNonce does not match the request")
	}
	sent := tx.Body
	if tx.Forwarded != nil {
		sent = tx.Forwarded.Body.Type
	}
	if !expectedResponse(sent, tx.Body, resp.Body.Type) {
		return nil, false, newError("upstream", ErrBadUpstreamProtection,
			"unexpected %s in reply to %s", resp.Body.Type, sent)
	}

	if !resp.Body.Type.IsCertRep() {
		return resp, false, nil
	}
	rep, err := resp.Body.CertRep()
	if err != nil {
		return nil, false, &ProcessingError{Op: "upstream", Kind: ErrBadUpstreamProtection, Err: err}
	}
	if err := r.checkIssued(ctx, tx, resp, rep); err != nil {
		return nil, false, err
	}
	if tx.CKGKey == nil || len(rep.IssuedCertificates()) == 0 {
		return resp, false, nil
	}
	if err := r.deliverKey(tx, rep); err != nil {
		return nil, false, err
	}
	nb, err := cmp.NewCertRepBody(resp.Body.Type, rep)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s: %w", resp.Body.Type, err)
	}
	return resp.WithBody(nb), true, nil
}

// expectedResponse reports whether got answers a sent message of a
// transaction opened by a message of type opened.
func expectedResponse(sent, opened, got cmp.BodyType) bool {
	if got == cmp.BodyError {
		return true
	}
	if sent == cmp.BodyPollReq {
		if got == cmp.BodyPollRep {
			return true
		}
		want, ok := opened.ResponseType()
		return ok && got == want
	}
	want, ok := sent.ResponseType()
	return ok && got == want
}

// checkIssued validates the certificates of an enrollment response and
// reports them to the inventory.
func (r *RA) checkIssued(ctx context.Context, tx *transaction.Transaction, resp *cmp.Message, rep *cmp.CertRepMessage) error {
	issued := rep.IssuedCertificates()
	if len(issued) == 0 {
		return nil
	}
	trust := r.cfg.EnrollmentTrust(tx.Profile, tx.Body)
	var intermediates []*x509.Certificate
	if trust != nil {
		intermediates = append(intermediates, trust.Intermediates...)
		for _, der := range append(append([][]byte(nil), rep.CAPubs...), resp.ExtraCerts...) {
			if c, err := x509.ParseCertificate(der); err == nil {
				intermediates = append(intermediates, c)
			}
		}
	}
	inv := r.cfg.Inventory(tx.Profile, tx.Body)

	for _, der := range issued {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return newError("upstream", ErrBadUpstreamProtection, "invalid issued certificate: %v", err)
		}
		if trust != nil {
			_, err := pkicrypto.VerifyChain(cert, pkicrypto.VerifyChainOptions{
				Roots:         trust.TrustAnchors,
				Intermediates: intermediates,
				Time:          r.now(),
			})
			if err != nil {
				return newError("upstream", ErrBadUpstreamProtection, "issued certificate %s not trusted: %v", cert.Subject, err)
			}
		}
		serial := fmt.Sprintf("%x", cert.SerialNumber)
		if inv != nil && !inv.LearnEnrollmentResult(ctx, tx.ID, der, serial, cert.Subject.String(), cert.Issuer.String()) {
			return newError("hooks", ErrPolicyDenied, "inventory refused issued certificate %s", serial)
		}

		e := r.event(audit.EventCertEnrolled, audit.ResultSuccess, tx.Request, tx.Profile, dirDownstream).
			WithObject(audit.Object{
				Type:    "certificate",
				Serial:  serial,
				Subject: cert.Subject.String(),
				Issuer:  cert.Issuer.String(),
			})
		if err := r.audit.Write(e); err != nil {
			return fmt.Errorf("audit log failed: %w", err)
		}
	}
	return nil
}

// prepareDownstream applies the reprotect mode of the downstream policy to
// an upstream response. Modified responses are reprotected even in Keep
// mode, or stripped when there are no credentials.
func (r *RA) prepareDownstream(resp *cmp.Message, tx *transaction.Transaction, modified bool) (*cmp.Message, error) {
	p := tx.Downstream
	mode := p.ReprotectMode
	if modified && mode == config.Keep {
		mode = config.Reprotect
	}

	out := resp
	switch mode {
	case config.Reprotect:
		if p.OutputCredentials == nil {
			r.logger.Info("no downstream credentials, delivering response unprotected", txFields(resp, tx.Profile)...)
			out = protection.Strip(resp)
			break
		}
		var err error
		if out, err = protection.Protect(resp, p.OutputCredentials); err != nil {
			return nil, fmt.Errorf("reprotect %s: %w", resp.Body.Type, err)
		}
	case config.Strip:
		out = protection.Strip(resp)
	}
	if p.SuppressRedundantExtraCerts {
		out = suppressCerts(out, tx.SentDownstream)
	}
	return out, nil
}

// finishDelivery records the response sent downstream and moves the
// transaction on: it waits for polls, for a certConf, or ends.
func (r *RA) finishDelivery(id []byte, resp, out *cmp.Message) (*cmp.Message, error) {
	waiting := isWaiting(resp)
	issued := false
	if !waiting && resp.Body.Type.IsCertRep() {
		if rep, err := resp.Body.CertRep(); err == nil {
			issued = len(rep.IssuedCertificates()) > 0
		}
	}

	done := false
	err := r.tracker.Update(id, func(tx *transaction.Transaction) error {
		tx.SentDownstream.Add(out.ExtraCerts...)
		tx.ResponseNonce = out.Header.SenderNonce
		tx.Response = nil
		switch {
		case waiting:
			tx.Status = transaction.UpstreamWaiting
		case issued && !(tx.ImplicitConfirm && resp.Header.ImplicitConfirm()):
			tx.Status = transaction.AwaitingConfirm
		default:
			done = true
		}
		return nil
	})
	if err != nil && !errors.Is(err, transaction.ErrNotFound) {
		return nil, classify("upstream", err)
	}
	if done {
		r.tracker.Remove(id)
	}
	return out, nil
}
