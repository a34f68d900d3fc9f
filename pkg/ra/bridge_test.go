package ra

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
)

type bridgeFixture struct {
	h      *harness
	bridge *Bridge
	csrs   [][]byte
}

// newBridgeFixture builds a Bridge sharing the configuration of a harness.
// exchange replaces the fake CA when set.
func newBridgeFixture(t *testing.T, exchange P10X509Exchange) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{h: newHarness(t, nil)}
	if exchange == nil {
		exchange = func(_ context.Context, csr []byte, _ string) ([]byte, error) {
			f.csrs = append(f.csrs, csr)
			return f.h.ca.signCSR(csr)
		}
	}
	b, err := NewBridge(f.h.cfg, exchange,
		WithLogger(zap.NewNop()),
		WithAuditWriter(f.h.audit),
		WithDefaultProfile("default"),
	)
	require.NoError(t, err)
	f.bridge = b
	return f
}

func (f *bridgeFixture) process(t *testing.T, msg *cmp.Message) *cmp.Message {
	t.Helper()
	der, err := f.bridge.ProcessRequest(context.Background(), encode(t, msg))
	require.NoError(t, err)
	return decode(t, der)
}

// =============================================================================
// Functional Tests: PKCS#10 bridge
// =============================================================================

func TestU_NewBridge_Validation(t *testing.T) {
	_, err := NewBridge(&config.Static{}, nil)
	assert.Error(t, err)
	_, err = NewBridge(nil, func(context.Context, []byte, string) ([]byte, error) { return nil, nil })
	assert.Error(t, err)
}

func TestF_Bridge_P10Enrollment(t *testing.T) {
	f := newBridgeFixture(t, nil)
	req := p10cr(f.h, 90)

	resp := f.process(t, req)
	require.Equal(t, cmp.BodyCP, resp.Body.Type)
	rep := certRep(t, resp)
	require.Len(t, rep.Responses, 1)
	assert.Equal(t, -1, rep.Responses[0].CertReqID)
	assert.Equal(t, cmp.StatusAccepted, rep.Responses[0].Status.Status)
	assert.Equal(t, req.Header.SenderNonce, resp.Header.RecipNonce)
	require.Len(t, f.csrs, 1)
	assert.Equal(t, req.Body.Content, f.csrs[0])

	cert, err := x509.ParseCertificate(rep.Responses[0].CertifiedKeyPair.Certificate)
	require.NoError(t, err)
	assert.Equal(t, "legacy-device", cert.Subject.CommonName)
	assert.Contains(t, f.h.audit.Types(), audit.EventCertEnrolled)

	conf := f.process(t, f.h.certConf(resp))
	assert.Equal(t, cmp.BodyPKIConf, conf.Body.Type)
}

func TestF_Bridge_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		exchange P10X509Exchange
		msg      func(*harness) *cmp.Message
		failInfo cmp.FailureBit
		text     string
	}{
		{
			name:     "[Unit] ir is not bridged",
			msg:      func(h *harness) *cmp.Message { return h.ir(91) },
			failInfo: cmp.FailBadRequest,
		},
		{
			name:     "[Unit] no certificate from CA",
			exchange: func(context.Context, []byte, string) ([]byte, error) { return nil, nil },
			msg:      func(h *harness) *cmp.Message { return p10cr(h, 92) },
			failInfo: cmp.FailSystemFailure,
			text:     "ra upstream: upstream exchange failed: no response from upstream",
		},
		{
			name: "[Unit] CA application error",
			exchange: func(context.Context, []byte, string) ([]byte, error) {
				return nil, &UpstreamApplicationError{Text: "subject not allowed"}
			},
			msg:      func(h *harness) *cmp.Message { return p10cr(h, 93) },
			failInfo: cmp.FailSystemFailure,
			text:     "subject not allowed",
		},
		{
			name: "[Unit] CA transport error",
			exchange: func(context.Context, []byte, string) ([]byte, error) {
				return nil, errors.New("connection reset")
			},
			msg:      func(h *harness) *cmp.Message { return p10cr(h, 94) },
			failInfo: cmp.FailSystemFailure,
			text:     "ra upstream: upstream exchange failed: certificate could not be issued",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t, tt.exchange)
			e := errorInfo(t, f.process(t, tt.msg(f.h)))
			assert.True(t, e.Status.FailInfo.Has(tt.failInfo), "failInfo = %s", e.Status.FailInfo)
			if tt.text != "" {
				assert.Equal(t, []string{tt.text}, e.Status.Text)
			}
			assert.Equal(t, 0, f.h.ca.calls())
		})
	}
}

func TestF_Bridge_GeneralMessage(t *testing.T) {
	f := newBridgeFixture(t, nil)
	body, err := cmp.NewGenBody(cmp.BodyGenM, cmp.InfoTypeAndValue{Type: cmp.OIDCACerts})
	require.NoError(t, err)
	msg := protect(t, &cmp.Message{Header: requestHeader(95), Body: body}, f.h.pki.eeCreds())

	e := errorInfo(t, f.process(t, msg))
	assert.True(t, e.Status.FailInfo.Has(cmp.FailBadRequest), "genm without a local handler cannot be bridged")
}
