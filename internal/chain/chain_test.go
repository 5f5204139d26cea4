package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facilitator-gateway/internal/resilience"
)

func noSleepPolicy(maxRetries int) resilience.Policy {
	return resilience.Policy{
		MaxRetries: maxRetries,
		Backoff:    resilience.DefaultBackoff(),
		Sleep:      func(context.Context, time.Duration) error { return nil },
	}
}

func TestHTTPVerifier_VerifyEscrowProof(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify/escrow", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var in proofRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(EscrowResult{Valid: in.Proof == "good", Amount: 1500, JobHash: "0x01"})
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL+"/", WithAPIKey("k"))
	res, err := v.VerifyEscrowProof(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, uint64(1500), res.Amount)

	res, err = v.VerifyEscrowProof(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestHTTPVerifier_StatusClassification(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()
	v := NewHTTPVerifier(srv.URL)

	_, err := v.BlockHeight(context.Background())
	require.Error(t, err)
	assert.False(t, resilience.IsPermanent(err), "5xx is retryable")

	status = http.StatusBadRequest
	_, err = v.IsNullifierUsed(context.Background(), "n-1")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err), "4xx is permanent")
}

func TestHTTPVerifier_NullifierAndHeight(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nullifiers/n-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"used":true}`))
	})
	mux.HandleFunc("/block-height", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"height":4242}`))
	})
	mux.HandleFunc("/verify/reputation", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"valid":true,"tier":"gold"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	v := NewHTTPVerifier(srv.URL)
	ctx := context.Background()

	used, err := v.IsNullifierUsed(ctx, "n-1")
	require.NoError(t, err)
	assert.True(t, used)

	h, err := v.BlockHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), h)

	rep, err := v.VerifyReputationProof(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "gold", rep.Tier)
}

type flakyVerifier struct {
	failures int32
	calls    int32
	err      error
}

func (f *flakyVerifier) VerifyEscrowProof(context.Context, string) (EscrowResult, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return EscrowResult{}, f.err
	}
	return EscrowResult{Valid: true, Amount: 10}, nil
}

func (f *flakyVerifier) VerifyReputationProof(context.Context, string) (ReputationResult, error) {
	return ReputationResult{Valid: true, Tier: "silver"}, nil
}

func (f *flakyVerifier) IsNullifierUsed(context.Context, string) (bool, error) { return false, nil }

func (f *flakyVerifier) BlockHeight(context.Context) (uint64, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, f.err
}

func TestResilient_RetriesTransientFailures(t *testing.T) {
	inner := &flakyVerifier{failures: 2, err: errors.New("timeout")}
	r := NewResilient(inner, resilience.NewBreaker("chain", resilience.BreakerConfig{FailureThreshold: 3}), noSleepPolicy(3))

	res, err := r.VerifyEscrowProof(context.Background(), "p")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int32(3), inner.calls)
	assert.Equal(t, resilience.StateClosed, r.Breaker().State())
}

func TestResilient_ExhaustedRetriesAreUnavailable(t *testing.T) {
	inner := &flakyVerifier{failures: 100, err: errors.New("connection reset")}
	r := NewResilient(inner, resilience.NewBreaker("chain", resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}), noSleepPolicy(1))
	ctx := context.Background()

	_, err := r.VerifyEscrowProof(ctx, "p")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), inner.calls)

	_, err = r.VerifyEscrowProof(ctx, "p")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, resilience.StateOpen, r.Breaker().State())

	before := atomic.LoadInt32(&inner.calls)
	_, err = r.VerifyEscrowProof(ctx, "p")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, atomic.LoadInt32(&inner.calls), "open circuit must not call the verifier")

	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.RetryAt.IsZero())
}

func TestResilient_PermanentErrorIsNotUnavailable(t *testing.T) {
	inner := &flakyVerifier{failures: 100, err: resilience.Permanent(errors.New("malformed proof"))}
	r := NewResilient(inner, resilience.NewBreaker("chain", resilience.BreakerConfig{FailureThreshold: 1}), noSleepPolicy(3))

	_, err := r.VerifyEscrowProof(context.Background(), "p")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(1), inner.calls)
	assert.Equal(t, resilience.StateClosed, r.Breaker().State())
}
