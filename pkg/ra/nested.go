package ra

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/remiblancher/cmp-ra/internal/nested"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// processNested unwraps a nested request, processes the inner messages
// concurrently and wraps their responses into one nested response.
func (r *RA) processNested(ctx context.Context, msg *cmp.Message) (*cmp.Message, error) {
	profile := r.profileFor(msg)
	policy := r.cfg.DownstreamPolicy(profile, cmp.BodyNested).OrDefault()
	if err := checkHeader(msg.Header); err != nil {
		return r.reject(msg, profile, policy, err)
	}

	ep := policy.NestedEndpoint
	inner, _, err := nested.Unwrap(msg, ep, protection.VerifyOptions{
		MaxTimeDeviation: policy.MaxTimeDeviation,
		Now:              r.now(),
	})
	if err != nil {
		r.protectionFailed(msg, profile, dirDownstream, err)
		return r.reject(msg, profile, policy, classify("nested", err))
	}
	r.logger.Debug("nested request unwrapped", txFields(msg, profile)...)

	responses := make([]*cmp.Message, len(inner))
	var g errgroup.Group
	for i, m := range inner {
		g.Go(func() error {
			der, err := m.Encode()
			if err != nil {
				return err
			}
			resp, err := r.processSingle(ctx, m, der)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out, err := nested.Wrap(responses, ep, nested.WrapHeader{
		PVNO:          msg.Header.PVNO,
		Recipient:     msg.Header.Sender,
		TransactionID: msg.Header.TransactionID,
		RecipNonce:    msg.Header.SenderNonce,
	})
	if err != nil {
		return r.reject(msg, profile, policy, err)
	}
	return out, nil
}
