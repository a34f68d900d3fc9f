package ra

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
)

// P10X509Exchange sends a DER PKCS#10 request to a CA and returns the DER
// certificate it issued. A nil certificate with a nil error is a timeout.
type P10X509Exchange func(ctx context.Context, csr []byte, certProfile string) ([]byte, error)

// Bridge is a synchronous RA front end for CAs that take PKCS#10 requests
// and return bare certificates. It answers p10cr, certConf and locally
// handled genm; everything else is rejected. It keeps no transactions.
type Bridge struct {
	ra       *RA
	exchange P10X509Exchange
}

// NewBridge creates a Bridge. It fails when cfg or exchange is nil or an
// option is invalid.
func NewBridge(cfg config.Configuration, exchange P10X509Exchange, opts ...Option) (*Bridge, error) {
	if exchange == nil {
		return nil, fmt.Errorf("exchange is required")
	}
	r, err := New(cfg, noUpstream, opts...)
	if err != nil {
		return nil, err
	}
	return &Bridge{ra: r, exchange: exchange}, nil
}

func noUpstream(context.Context, []byte, string) ([]byte, error) {
	return nil, newError("bridge", ErrUnsupportedOperation, "no CMP upstream")
}

// ProcessRequest processes one DER-encoded request and returns the
// DER-encoded response, like (*RA).ProcessRequest.
func (b *Bridge) ProcessRequest(ctx context.Context, request []byte) ([]byte, error) {
	start := time.Now()
	r := b.ra

	msg, err := cmp.Decode(request)
	if err != nil {
		return r.undecodable(err, start)
	}
	profile := msg.Header.CertProfile()
	if profile == "" {
		profile = r.defaultProfile
	}
	policy := r.cfg.DownstreamPolicy(profile, msg.Body.Type).OrDefault()

	resp, err := b.handle(ctx, msg, request, profile, policy)
	if err != nil {
		if resp, err = r.reject(msg, profile, policy, err); err != nil {
			return nil, err
		}
	} else {
		r.writeAudit(r.event(audit.EventResponseDelivered, audit.ResultSuccess, msg, profile, dirDownstream))
	}
	der, err := resp.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	r.metrics.request(msg.Body.Type.String(), outcome(resp), start)
	return der, nil
}

func (b *Bridge) handle(ctx context.Context, msg *cmp.Message, der []byte, profile string, policy *config.MessagePolicy) (*cmp.Message, error) {
	r := b.ra
	switch msg.Body.Type {
	case cmp.BodyP10CR, cmp.BodyCertConf, cmp.BodyGenM:
	default:
		return nil, newError("bridge", ErrUnsupportedOperation, "%s messages are not supported by the PKCS#10 bridge", msg.Body.Type)
	}
	if err := checkHeader(msg.Header); err != nil {
		return nil, err
	}
	res, err := r.verifyDownstream(msg, profile, policy)
	if err != nil {
		return nil, err
	}
	q := &request{msg: msg, der: der, profile: profile, policy: policy, result: res}

	switch msg.Body.Type {
	case cmp.BodyP10CR:
		return b.enroll(ctx, q)
	case cmp.BodyCertConf:
		if _, err := msg.Body.CertStatuses(); err != nil {
			return nil, classify("confirm", err)
		}
		return r.respond(msg, policy, nil, cmp.NewPKIConfBody())
	}
	itavs, handlers, err := r.supportHandlers(q)
	if err != nil {
		return nil, err
	}
	if handlers == nil {
		return nil, newError("bridge", ErrUnsupportedOperation, "no local handler for genm")
	}
	return r.answerGeneral(ctx, q, itavs, handlers)
}

func (b *Bridge) enroll(ctx context.Context, q *request) (*cmp.Message, error) {
	r := b.ra
	if err := r.checkP10(ctx, q); err != nil {
		return nil, err
	}
	r.writeAudit(r.event(audit.EventRequestForwarded, audit.ResultSuccess, q.msg, q.profile, dirDownstream).
		WithContext(auditContext(q.msg, q.profile, dirUpstream, nil)))

	der, err := b.exchange(ctx, q.msg.Body.Content, q.profile)
	if err != nil {
		r.metrics.upstream(upstreamError)
		r.logger.Warn("certificate exchange failed", append(txFields(q.msg, q.profile), zap.Error(err))...)
		var ae *UpstreamApplicationError
		if errors.As(err, &ae) {
			return nil, &ProcessingError{Op: "upstream", Kind: ErrUpstream, Err: err}
		}
		return nil, newError("upstream", ErrUpstream, "certificate could not be issued")
	}
	if der == nil {
		r.metrics.upstream(upstreamDelayed)
		return nil, newError("upstream", ErrUpstream, "no response from upstream")
	}
	r.metrics.upstream(upstreamResponse)

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, newError("upstream", ErrBadUpstreamProtection, "invalid certificate from upstream: %v", err)
	}
	serial := fmt.Sprintf("%x", cert.SerialNumber)
	if inv := r.cfg.Inventory(q.profile, cmp.BodyP10CR); inv != nil &&
		!inv.LearnEnrollmentResult(ctx, q.id(), der, serial, cert.Subject.String(), cert.Issuer.String()) {
		return nil, newError("hooks", ErrPolicyDenied, "inventory refused issued certificate %s", serial)
	}
	e := r.event(audit.EventCertEnrolled, audit.ResultSuccess, q.msg, q.profile, dirDownstream).
		WithObject(audit.Object{
			Type:    "certificate",
			Serial:  serial,
			Subject: cert.Subject.String(),
			Issuer:  cert.Issuer.String(),
		})
	if err := r.audit.Write(e); err != nil {
		return nil, fmt.Errorf("audit log failed: %w", err)
	}

	body, err := cmp.NewCertRepBody(cmp.BodyCP, &cmp.CertRepMessage{
		Responses: []cmp.CertResponse{{
			CertReqID:        -1,
			Status:           cmp.StatusInfo{Status: cmp.StatusAccepted},
			CertifiedKeyPair: &cmp.CertifiedKeyPair{Certificate: der},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode cp: %w", err)
	}
	return r.respond(q.msg, q.policy, nil, body)
}
