package ra

import (
	"context"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/transaction"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
)

// confirm forwards a certConf, or an error message ending the transaction,
// to the CA. pkiConf responses are cached so that a resubmitted certConf
// gets the same answer without creating state.
func (r *RA) confirm(ctx context.Context, q *request) (*cmp.Message, error) {
	id := q.id()
	key := transaction.Key(id)
	if v, ok := r.confirmations.Get(key); ok {
		r.logger.Debug("transaction already confirmed", txFields(q.msg, q.profile)...)
		return cmp.Decode(v.([]byte))
	}

	tx, ok := r.tracker.Get(id)
	if !ok {
		return nil, newError("confirm", ErrUnknownTransaction, "no transaction %x", id)
	}
	if tx.Status != transaction.AwaitingConfirm {
		if q.msg.Body.Type == cmp.BodyError {
			// the requester gives up before anything was issued
			r.tracker.Remove(id)
			r.logger.Info("transaction aborted by requester", txFields(q.msg, q.profile)...)
			return r.respond(q.msg, q.policy, &tx, cmp.NewPKIConfBody())
		}
		return nil, newError("confirm", ErrBadRequest, "transaction %x is %s, not awaiting confirmation", id, tx.Status)
	}
	if q.msg.Body.Type == cmp.BodyCertConf {
		if _, err := q.msg.Body.CertStatuses(); err != nil {
			return nil, classify("confirm", err)
		}
	}

	der, err := r.sendUpstream(ctx, id, q.msg, false)
	if err != nil {
		return nil, err
	}
	if der == nil {
		return nil, newError("confirm", ErrUpstream, "no response to %s", q.msg.Body.Type)
	}
	checked, tx, modified, err := r.acceptUpstream(ctx, id, der)
	if err != nil {
		return nil, err
	}
	out, err := r.prepareDownstream(checked, &tx, modified)
	if err != nil {
		return nil, err
	}

	if checked.Body.Type == cmp.BodyPKIConf {
		enc, err := out.Encode()
		if err != nil {
			r.logger.Warn("pkiConf not cached", zap.Error(err))
		} else {
			r.confirmations.Set(key, enc, r.expiry)
		}
	}
	r.tracker.Remove(id)
	return out, nil
}
