package ra

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/transaction"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// poll answers a pollReq according to the state of its transaction.
func (r *RA) poll(ctx context.Context, q *request) (*cmp.Message, error) {
	reqs, err := q.msg.Body.PollReqs()
	if err != nil {
		return nil, classify("poll", err)
	}
	if len(reqs) == 0 {
		return nil, newError("poll", ErrBadRequest, "empty pollReq")
	}
	id := q.id()
	tx, ok := r.tracker.Get(id)
	if !ok {
		return nil, newError("poll", ErrUnknownTransaction, "no transaction %x", id)
	}

	switch tx.Status {
	case transaction.PendingUpstream, transaction.DelayedAwaitingPoll, transaction.Resuming:
		return r.pollRep(q, &tx, reqs, r.checkAfter(&tx))
	case transaction.Completed, transaction.Failed:
		return r.deliverStored(q, &tx)
	case transaction.UpstreamWaiting:
		der, err := r.sendUpstream(ctx, id, q.msg, false)
		if err != nil {
			r.tracker.Remove(id)
			return nil, err
		}
		if der == nil {
			return r.pollRep(q, &tx, reqs, r.retryAfter(&tx))
		}
		return r.relay(ctx, id, der)
	}
	return nil, newError("poll", ErrBadRequest, "transaction %x is %s", id, tx.Status)
}

func (r *RA) retryAfter(tx *transaction.Transaction) int {
	if s := r.cfg.RetryAfter(tx.Profile, tx.Body); s > 0 {
		return s
	}
	return config.DefaultRetryAfter
}

// checkAfter returns the seconds until the retry period, counted from the
// creation of tx, is over. Once it is over the full period is returned.
func (r *RA) checkAfter(tx *transaction.Transaction) int {
	period := time.Duration(r.retryAfter(tx)) * time.Second
	remaining := period - r.now().Sub(tx.Created)
	if remaining <= 0 {
		return r.retryAfter(tx)
	}
	return int((remaining + time.Second - 1) / time.Second)
}

func (r *RA) pollRep(q *request, tx *transaction.Transaction, reqs []cmp.PollReq, after int) (*cmp.Message, error) {
	reps := make([]cmp.PollRep, 0, len(reqs))
	for _, pr := range reqs {
		reps = append(reps, cmp.PollRep{CertReqID: pr.CertReqID, CheckAfter: after})
	}
	body, err := cmp.NewPollRepBody(reps...)
	if err != nil {
		return nil, fmt.Errorf("encode pollRep: %w", err)
	}
	resp, err := r.respond(q.msg, q.policy, tx, body)
	if err != nil {
		return nil, err
	}
	err = r.tracker.Update(tx.ID, func(t *transaction.Transaction) error {
		t.DownstreamNonce = q.msg.Header.SenderNonce
		t.ResponseNonce = resp.Header.SenderNonce
		t.SentDownstream.Add(resp.ExtraCerts...)
		return nil
	})
	if err != nil {
		return nil, classify("poll", err)
	}
	r.logger.Debug("response not ready", append(txFields(q.msg, q.profile), zap.Int("check_after", after))...)
	return resp, nil
}

// deliverStored hands out the response stored for a polled transaction.
// Its recipNonce is rebound to the pollReq, which breaks the protection of
// the stored response: it is reprotected with the downstream credentials
// of the transaction, or sent unprotected without them. The response is
// taken out of the transaction, so concurrent polls deliver it once.
func (r *RA) deliverStored(q *request, tx *transaction.Transaction) (*cmp.Message, error) {
	var stored *cmp.Message
	err := r.tracker.Update(tx.ID, func(t *transaction.Transaction) error {
		if t.Response == nil || (t.Status != transaction.Completed && t.Status != transaction.Failed) {
			return newError("poll", ErrBadRequest, "response of transaction %x was already delivered", t.ID)
		}
		stored = t.Response
		t.Response = nil
		return nil
	})
	if err != nil {
		return nil, classify("poll", err)
	}
	h := stored.Header
	h.RecipNonce = q.msg.Header.SenderNonce
	out := stored.WithHeader(h)
	if creds := tx.Downstream.OutputCredentials; creds != nil {
		if out, err = protection.Protect(out, creds); err != nil {
			r.tracker.Remove(tx.ID)
			return nil, fmt.Errorf("reprotect stored response: %w", err)
		}
	} else {
		out = protection.Strip(out)
	}
	if tx.Downstream.SuppressRedundantExtraCerts {
		out = suppressCerts(out, tx.SentDownstream)
	}

	if tx.Status == transaction.Failed {
		r.tracker.Remove(tx.ID)
		return out, nil
	}
	return r.finishDelivery(tx.ID, stored, out)
}
