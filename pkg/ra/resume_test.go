package ra

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
)

type countingInventory struct {
	config.GrantAll
	mu      sync.Mutex
	learned int
}

func (i *countingInventory) LearnEnrollmentResult(context.Context, []byte, []byte, string, string, string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.learned++
	return true
}

func (i *countingInventory) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.learned
}

// delayedIR enrolls with a delaying CA and returns the waiting response
// and the encoded response the CA delivers later.
func delayedIR(h *harness, id byte) (*cmp.Message, []byte) {
	h.t.Helper()
	waiting := h.process(h.ir(id))
	resp, err := h.ca.answer(h.ca.last())
	require.NoError(h.t, err)
	return waiting, encode(h.t, resp)
}

// =============================================================================
// Functional Tests: Late responses for settled transactions
// =============================================================================

func TestF_RA_ResumeSettledTransaction(t *testing.T) {
	tests := []struct {
		name   string
		settle func(h *harness, waiting *cmp.Message, resp []byte)
		status string
	}{
		{
			name: "[Unit] completed",
			settle: func(h *harness, _ *cmp.Message, resp []byte) {
				require.NoError(h.t, h.ra.GotResponseAtUpstream(context.Background(), resp))
			},
			status: "completed",
		},
		{
			name: "[Unit] awaiting confirmation",
			settle: func(h *harness, waiting *cmp.Message, resp []byte) {
				require.NoError(h.t, h.ra.GotResponseAtUpstream(context.Background(), resp))
				require.Equal(h.t, cmp.BodyIP, h.process(h.pollReq(waiting, 0)).Body.Type)
			},
			status: "awaiting-confirm",
		},
		{
			name: "[Unit] failed",
			settle: func(h *harness, waiting *cmp.Message, _ []byte) {
				h.ca.creds = rogueCreds(h.t)
				rogue, err := h.ca.answer(h.ca.last())
				require.NoError(h.t, err)
				err = h.ra.GotResponseAtUpstream(context.Background(), encode(h.t, rogue))
				require.ErrorIs(h.t, err, ErrBadUpstreamProtection)
			},
			status: "failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(h *harness) { h.ca.delay = true })
			waiting, resp := delayedIR(h, 0x70)
			tt.settle(h, waiting, resp)

			err := h.ra.GotResponseAtUpstream(context.Background(), resp)
			assert.ErrorIs(t, err, ErrUnknownTransaction)
			status, ok := h.status(0x70)
			require.True(t, ok)
			assert.Equal(t, tt.status, status)
		})
	}
}

// =============================================================================
// Functional Tests: Concurrency
// =============================================================================

func TestF_RA_ConcurrentResume(t *testing.T) {
	inv := &countingInventory{}
	h := newHarness(t, func(h *harness) {
		h.ca.delay = true
		h.cfg.Profiles["default"].Inventory = inv
	})
	waiting, resp := delayedIR(h, 0x71)

	const workers = 8
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = h.ra.GotResponseAtUpstream(context.Background(), resp)
		}()
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, ErrUnknownTransaction)
	}
	assert.Equal(t, 1, accepted, "exactly one delivery must be accepted")
	assert.Equal(t, 1, inv.count(), "the issued certificate must be learned once")

	ip := h.process(h.pollReq(waiting, 0))
	require.Equal(t, cmp.BodyIP, ip.Body.Type)
	status, _ := h.status(0x71)
	assert.Equal(t, "awaiting-confirm", status)
}

func TestF_RA_ConcurrentPollAndResume(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.ca.delay = true })
	ctx := context.Background()

	const n = 8
	resps := make([][]byte, n)
	polls := make([][]byte, n)
	for i := 0; i < n; i++ {
		waiting, resp := delayedIR(h, byte(0xa0+i))
		resps[i] = resp
		polls[i] = encode(t, h.pollReq(waiting, 0))
	}

	resumeErrs := make([]error, n)
	pollErrs := make([]error, n)
	answers := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			resumeErrs[i] = h.ra.GotResponseAtUpstream(ctx, resps[i])
		}()
		go func() {
			defer wg.Done()
			answers[i], pollErrs[i] = h.ra.ProcessRequest(ctx, polls[i])
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, resumeErrs[i])
		require.NoError(t, pollErrs[i])
		resp := decode(t, answers[i])
		if resp.Body.Type == cmp.BodyPollRep {
			resp = h.process(h.pollReq(resp, 0))
		}
		require.Equal(t, cmp.BodyIP, resp.Body.Type, "transaction %d", i)
		require.Len(t, certRep(t, resp).IssuedCertificates(), 1)
		status, _ := h.status(byte(0xa0 + i))
		assert.Equal(t, "awaiting-confirm", status)
	}
}

func TestF_RA_ConcurrentPollsDeliverOnce(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.ca.delay = true })
	ctx := context.Background()
	waiting, resp := delayedIR(h, 0x72)
	require.NoError(t, h.ra.GotResponseAtUpstream(ctx, resp))

	const workers = 4
	polls := make([][]byte, workers)
	for i := range polls {
		polls[i] = encode(t, h.pollReq(waiting, 0))
	}
	answers := make([][]byte, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answers[i], errs[i] = h.ra.ProcessRequest(ctx, polls[i])
		}()
	}
	wg.Wait()

	delivered := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		switch m := decode(t, answers[i]); m.Body.Type {
		case cmp.BodyIP:
			delivered++
		case cmp.BodyError:
		default:
			t.Errorf("unexpected %s answer to a poll", m.Body.Type)
		}
	}
	assert.Equal(t, 1, delivered, "the stored response must be delivered once")
	status, _ := h.status(0x72)
	assert.Equal(t, "awaiting-confirm", status)
}
