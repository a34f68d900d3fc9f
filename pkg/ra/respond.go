package ra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/internal/transaction"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

func newNonce() []byte {
	n := make([]byte, minNonceSize)
	rand.Read(n)
	return n
}

// responseHeader returns the header of a response the RA creates itself
// for req. req may be nil when the request could not be decoded.
func (r *RA) responseHeader(req *cmp.Message) cmp.Header {
	h := cmp.Header{
		PVNO:        cmp.PVNO2000,
		Sender:      cmp.NullDN(),
		Recipient:   cmp.NullDN(),
		MessageTime: r.now().UTC().Truncate(time.Second),
		SenderNonce: newNonce(),
	}
	if req == nil {
		return h
	}
	rh := req.Header
	if rh.PVNO == cmp.PVNO2021 {
		h.PVNO = cmp.PVNO2021
	}
	if !rh.Recipient.IsZero() {
		h.Sender = rh.Recipient
	}
	if !rh.Sender.IsZero() {
		h.Recipient = rh.Sender
	}
	h.TransactionID = rh.TransactionID
	h.RecipNonce = rh.SenderNonce
	h.RecipKID = rh.SenderKID
	return h
}

// respond builds a response to req, protected with the output credentials
// of policy if it has any. tx, if not nil, is used to suppress extraCerts
// already sent.
func (r *RA) respond(req *cmp.Message, policy *config.MessagePolicy, tx *transaction.Transaction, body cmp.Body) (*cmp.Message, error) {
	msg := &cmp.Message{Header: r.responseHeader(req), Body: body}
	if policy.OutputCredentials == nil {
		return msg, nil
	}
	out, err := protection.Protect(msg, policy.OutputCredentials)
	if err != nil {
		return nil, fmt.Errorf("protect %s response: %w", body.Type, err)
	}
	if tx != nil && policy.SuppressRedundantExtraCerts {
		out = suppressCerts(out, tx.SentDownstream)
	}
	return out, nil
}

// errorResponse builds the error message answering req for err. When the
// response cannot be protected it is sent unprotected.
func (r *RA) errorResponse(req *cmp.Message, policy *config.MessagePolicy, err error) (*cmp.Message, error) {
	body, berr := cmp.NewErrorBody(cmp.ErrorContent{
		Status: cmp.StatusInfo{
			Status:   cmp.StatusRejection,
			Text:     []string{statusText(err, r.redact)},
			FailInfo: failInfo(err),
		},
	})
	if berr != nil {
		return nil, fmt.Errorf("encode error body: %w", berr)
	}
	resp, perr := r.respond(req, policy, nil, body)
	if perr != nil {
		r.logger.Error("sending unprotected error response", zap.Error(perr))
		return &cmp.Message{Header: r.responseHeader(req), Body: body}, nil
	}
	return resp, nil
}

// reject answers a failed request with an error message.
func (r *RA) reject(msg *cmp.Message, profile string, policy *config.MessagePolicy, err error) (*cmp.Message, error) {
	fi := failInfo(err)
	r.logger.Warn("request rejected",
		append(txFields(msg, profile), zap.Stringer("fail_info", fi), zap.Error(err))...)
	e := r.event(audit.EventRequestRejected, audit.ResultFailure, msg, profile, dirDownstream).
		WithContext(auditContext(msg, profile, dirDownstream, err))
	r.writeAudit(e)
	return r.errorResponse(msg, policy, err)
}

// waitingResponse tells the requester that its response is not ready yet
// and that it has to poll.
func (r *RA) waitingResponse(req *cmp.Message, policy *config.MessagePolicy) (*cmp.Message, error) {
	waiting := cmp.StatusInfo{Status: cmp.StatusWaiting}
	var body cmp.Body
	var err error
	switch t := req.Body.Type; t {
	case cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR:
		reqs, rerr := req.Body.CertReqMessages()
		if rerr != nil {
			return nil, rerr
		}
		rep := &cmp.CertRepMessage{}
		for _, m := range reqs {
			rep.Responses = append(rep.Responses, cmp.CertResponse{CertReqID: m.CertReqID, Status: waiting})
		}
		rt, _ := t.ResponseType()
		body, err = cmp.NewCertRepBody(rt, rep)
	case cmp.BodyP10CR:
		body, err = cmp.NewCertRepBody(cmp.BodyCP, &cmp.CertRepMessage{
			Responses: []cmp.CertResponse{{CertReqID: -1, Status: waiting}},
		})
	default:
		body, err = cmp.NewErrorBody(cmp.ErrorContent{Status: waiting})
	}
	if err != nil {
		return nil, fmt.Errorf("encode waiting response: %w", err)
	}
	return r.respond(req, policy, nil, body)
}

// isWaiting reports whether msg tells its recipient to poll.
func isWaiting(msg *cmp.Message) bool {
	switch {
	case msg.Body.Type == cmp.BodyPollRep:
		return true
	case msg.Body.Type == cmp.BodyError:
		e, err := msg.Body.ErrorMsg()
		return err == nil && e.Status.Status == cmp.StatusWaiting
	case msg.Body.Type.IsCertRep():
		rep, err := msg.Body.CertRep()
		if err != nil {
			return false
		}
		for _, resp := range rep.Responses {
			if resp.Status.Status == cmp.StatusWaiting {
				return true
			}
		}
	}
	return false
}

func outcome(resp *cmp.Message) string {
	switch {
	case isWaiting(resp):
		return outcomeWaiting
	case resp.Body.Type == cmp.BodyError:
		return outcomeError
	}
	return outcomeOK
}

// suppressCerts drops the extraCerts of msg that were already sent.
func suppressCerts(msg *cmp.Message, sent transaction.Fingerprints) *cmp.Message {
	if len(sent) == 0 || len(msg.ExtraCerts) == 0 {
		return msg
	}
	var keep [][]byte
	for _, der := range msg.ExtraCerts {
		if !sent.Contains(der) {
			keep = append(keep, der)
		}
	}
	if len(keep) == len(msg.ExtraCerts) {
		return msg
	}
	return msg.WithExtraCerts(keep)
}

func txFields(msg *cmp.Message, profile string) []zap.Field {
	if msg == nil {
		return []zap.Field{zap.String("profile", profile)}
	}
	return []zap.Field{
		zap.String("transaction_id", hex.EncodeToString(msg.Header.TransactionID)),
		zap.String("profile", profile),
		zap.Stringer("body_type", msg.Body.Type),
	}
}

// event builds an audit event about msg, attributed to its sender.
func (r *RA) event(typ audit.EventType, result audit.Result, msg *cmp.Message, profile, dir string) *audit.Event {
	actor := audit.Actor{Type: "requester", ID: msg.Header.Sender.String()}
	if dir == dirUpstream {
		actor.Type = "upstream"
	}
	if actor.ID == "" {
		actor.ID = "anonymous"
	}
	if len(msg.Header.SenderKID) > 0 {
		actor.KID = hex.EncodeToString(msg.Header.SenderKID)
	}
	return audit.NewEvent(typ, result).
		WithActor(actor).
		WithObject(audit.Object{Type: "transaction"}).
		WithContext(auditContext(msg, profile, dir, nil))
}

func auditContext(msg *cmp.Message, profile, dir string, err error) audit.Context {
	c := audit.Context{
		TransactionID: hex.EncodeToString(msg.Header.TransactionID),
		Profile:       profile,
		BodyType:      msg.Body.Type.String(),
		Direction:     dir,
	}
	if err != nil {
		c.FailInfo = failInfo(err).String()
		c.Reason = err.Error()
	}
	return c
}

func (r *RA) writeAudit(e *audit.Event) {
	if err := r.audit.Write(e); err != nil {
		r.logger.Error("audit log failed", zap.String("event_type", string(e.EventType)), zap.Error(err))
	}
}

// protectionFailed records a failed verification. Failures that are not
// about protection are left to the rejection event.
func (r *RA) protectionFailed(msg *cmp.Message, profile, dir string, err error) {
	if !errors.Is(err, ErrBadProtection) && !errors.Is(err, ErrBadTime) {
		return
	}
	r.writeAudit(r.event(audit.EventProtectionFailed, audit.ResultFailure, msg, profile, dir).
		WithContext(auditContext(msg, profile, dir, err)))
}
