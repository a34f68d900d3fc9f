// Package ra implements the message processing of a CMP Registration
// Authority (RFC 4210, RFC 9483): it verifies requests from end entities,
// applies policy, forwards them to a CA and relays the responses back.
//
// The RA has no transport of its own. Embedders pass the DER bytes of each
// downstream request to ProcessRequest and supply an UpstreamExchange that
// delivers requests to the CA. Responses the CA delivers later are handed
// in with GotResponseAtUpstream.
package ra

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/internal/nested"
	"github.com/remiblancher/cmp-ra/internal/transaction"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// UpstreamExchange sends a DER PKIMessage to the CA and returns its
// response. A nil response with a nil error means the CA answers later,
// through GotResponseAtUpstream.
type UpstreamExchange func(ctx context.Context, request []byte, certProfile string) ([]byte, error)

// RA processes CMP messages between end entities and a CA.
// It is safe for concurrent use.
type RA struct {
	cfg      config.Configuration
	upstream UpstreamExchange

	tracker *transaction.Tracker
	// confirmations maps transaction IDs to the DER pkiConf of confirmed
	// transactions, for resubmitted certConfs.
	confirmations *cache.Cache
	// extraCerts maps direction and transaction ID to cached certificates.
	extraCerts *cache.Cache

	logger         *zap.Logger
	audit          audit.Writer
	metrics        *Metrics
	redact         bool
	expiry         time.Duration
	defaultProfile string
	sweepInterval  time.Duration

	now func() time.Time
}

// New creates an RA. It fails when cfg or upstream is nil or an option is
// invalid.
func New(cfg config.Configuration, upstream UpstreamExchange, opts ...Option) (*RA, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if upstream == nil {
		return nil, fmt.Errorf("upstream exchange is required")
	}
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	r := &RA{
		cfg:            cfg,
		upstream:       upstream,
		tracker:        transaction.NewTracker(o.expiry),
		confirmations:  cache.New(o.expiry, 0),
		extraCerts:     cache.New(o.expiry, 0),
		logger:         o.logger,
		audit:          o.audit,
		metrics:        o.metrics,
		redact:         o.redact,
		expiry:         o.expiry,
		defaultProfile: o.defaultProfile,
		sweepInterval:  o.sweepInterval,
		now:            time.Now,
	}
	r.tracker.SetClock(func() time.Time { return r.now() })
	r.tracker.OnExpire = r.expired
	return r, nil
}

// Run evicts expired transactions and cache entries until ctx is done.
func (r *RA) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *RA) sweep() {
	r.tracker.Sweep()
	r.confirmations.DeleteExpired()
	r.extraCerts.DeleteExpired()
	r.metrics.pending(r.tracker.Len())
}

func (r *RA) expired(tx transaction.Transaction) {
	r.logger.Info("transaction expired",
		zap.String("transaction_id", hex.EncodeToString(tx.ID)),
		zap.String("profile", tx.Profile),
		zap.Stringer("status", tx.Status))
	r.extraCerts.Delete(certCacheKey(dirDownstream, tx.ID))
	r.extraCerts.Delete(certCacheKey(dirUpstream, tx.ID))

	e := audit.NewEvent(audit.EventTransactionExpired, audit.ResultFailure).
		WithObject(audit.Object{Type: "transaction"}).
		WithContext(audit.Context{
			TransactionID: hex.EncodeToString(tx.ID),
			Profile:       tx.Profile,
			BodyType:      tx.Body.String(),
			Reason:        "expired while " + tx.Status.String(),
		})
	r.writeAudit(e)
}

// ProcessRequest processes one DER-encoded request from downstream and
// returns the DER-encoded response. Protocol failures are answered with
// CMP error messages; an error is returned only when no response could be
// built at all.
func (r *RA) ProcessRequest(ctx context.Context, request []byte) ([]byte, error) {
	start := time.Now()

	msg, err := cmp.Decode(request)
	if err != nil {
		return r.undecodable(err, start)
	}

	var resp *cmp.Message
	if msg.Body.Type == cmp.BodyNested {
		resp, err = r.processNested(ctx, msg)
	} else {
		resp, err = r.processSingle(ctx, msg, request)
	}
	if err != nil {
		return nil, err
	}
	der, err := resp.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	r.metrics.request(msg.Body.Type.String(), outcome(resp), start)
	r.metrics.pending(r.tracker.Len())
	return der, nil
}

// undecodable answers a request that is not a PKIMessage.
func (r *RA) undecodable(err error, start time.Time) ([]byte, error) {
	perr := &ProcessingError{Op: "decode", Kind: ErrBadRequest, Err: err}
	r.logger.Warn("rejecting undecodable request", zap.Error(err))
	policy := r.cfg.DownstreamPolicy(r.defaultProfile, cmp.BodyError).OrDefault()
	resp, err := r.errorResponse(nil, policy, perr)
	if err != nil {
		return nil, err
	}
	r.metrics.request("undecodable", outcomeError, start)
	return resp.Encode()
}

// GotResponseAtUpstream hands in a response the CA delivered after the
// exchange returned no response. The response is verified and stored
// until the end entity polls for it. A response for an unknown
// transaction fails with ErrUnknownTransaction.
func (r *RA) GotResponseAtUpstream(ctx context.Context, response []byte) error {
	msg, err := cmp.Decode(response)
	if err != nil {
		return &ProcessingError{Op: "upstream", Kind: ErrBadUpstreamProtection, Err: err}
	}
	defer func() { r.metrics.pending(r.tracker.Len()) }()

	if msg.Body.Type == cmp.BodyNested {
		ids := r.tracker.Wrapped(msg.Header.TransactionID)
		if len(ids) == 0 {
			return newError("upstream", ErrUnknownTransaction,
				"no transaction was forwarded in nested message %x", msg.Header.TransactionID)
		}
		return r.resumeNested(ctx, msg, ids[0])
	}
	return r.resume(ctx, msg)
}

// resume stores the upstream response of a transaction waiting for it.
// The transaction is claimed first so that a second delivery for the same
// ID sees it resuming and fails.
func (r *RA) resume(ctx context.Context, resp *cmp.Message) error {
	id := resp.Header.TransactionID
	var prev transaction.Status
	err := r.tracker.Update(id, func(t *transaction.Transaction) error {
		switch t.Status {
		case transaction.PendingUpstream, transaction.DelayedAwaitingPoll, transaction.UpstreamWaiting:
		default:
			return newError("upstream", ErrUnknownTransaction,
				"transaction %x is %s, no upstream response pending", id, t.Status)
		}
		prev = t.Status
		t.Status = transaction.Resuming
		return nil
	})
	if err != nil {
		return classify("upstream", err)
	}
	tx, ok := r.tracker.Get(id)
	if !ok {
		return newError("upstream", ErrUnknownTransaction, "transaction %x expired", id)
	}

	log := r.logger.With(txFields(tx.Request, tx.Profile)...)
	status := transaction.Completed
	checked, modified, verr := r.checkUpstream(ctx, &tx, resp)
	var stored *cmp.Message
	if verr == nil {
		if isWaiting(checked) {
			status = transaction.UpstreamWaiting
		}
		if stored, err = r.prepareDownstream(checked, &tx, modified); err != nil {
			verr = err
		}
	}
	if verr != nil {
		status = transaction.Failed
		log.Warn("upstream response rejected", zap.Error(verr))
		r.writeAudit(r.event(audit.EventRequestRejected, audit.ResultFailure, tx.Request, tx.Profile, dirUpstream).
			WithContext(auditContext(tx.Request, tx.Profile, dirUpstream, verr)))
		if stored, err = r.errorResponse(tx.Request, tx.Downstream, verr); err != nil {
			r.release(id, prev)
			return err
		}
	}

	if status == transaction.UpstreamWaiting {
		// polls go to the CA from now on
		stored = nil
	}
	err = r.tracker.Update(id, func(t *transaction.Transaction) error {
		if t.Status != transaction.Resuming {
			return fmt.Errorf("transaction %x left resuming state: %s", id, t.Status)
		}
		t.Status = status
		t.Response = stored
		return nil
	})
	if err != nil {
		return classify("upstream", err)
	}
	log.Info("upstream response stored", zap.Stringer("status", status))
	return verr
}

// release hands a claimed transaction back in its previous state.
func (r *RA) release(id []byte, prev transaction.Status) {
	_ = r.tracker.Update(id, func(t *transaction.Transaction) error {
		if t.Status == transaction.Resuming {
			t.Status = prev
		}
		return nil
	})
}

// resumeNested unwraps a nested upstream response with the endpoint of the
// transaction it carries and resumes each inner response.
func (r *RA) resumeNested(ctx context.Context, outer *cmp.Message, id []byte) error {
	tx, ok := r.tracker.Get(id)
	if !ok || tx.Upstream.NestedEndpoint == nil {
		return newError("upstream", ErrUnknownTransaction, "no transaction %x", id)
	}
	inner, _, err := nested.Unwrap(outer, tx.Upstream.NestedEndpoint, protection.VerifyOptions{
		MaxTimeDeviation: tx.Upstream.MaxTimeDeviation,
		Now:              r.now(),
	})
	if err != nil {
		r.protectionFailed(outer, tx.Profile, dirUpstream, err)
		return &ProcessingError{Op: "nested", Kind: ErrBadUpstreamProtection, Err: err}
	}
	var errs []error
	for _, m := range inner {
		if err := r.resume(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
