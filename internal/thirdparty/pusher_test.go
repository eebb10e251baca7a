package thirdparty

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPusher(secret string) *Pusher {
	p := NewPusher(nil, "key", secret)
	p.Backoff = []time.Duration{time.Millisecond}
	return p
}

func TestPusher_SendJSON_OK(t *testing.T) {
	mock := newMockWebhookServer("secret")
	defer mock.Close()

	p := fastPusher("secret")
	ev := NewEvent(EventTransactionStarted, "CP001", TransactionStartedData{TransactionID: 1000})
	code, body, err := p.SendJSON(context.Background(), mock.URL+"/hook", ev)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body)
	assert.Equal(t, int32(0), mock.badSig.Load())

	got := mock.events()
	require.Len(t, got, 1)
	assert.Equal(t, EventTransactionStarted, got[0].EventType)
	assert.Equal(t, "CP001", got[0].ChargePointID)
}

func TestPusher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	code, _, err := fastPusher("s").SendJSON(context.Background(), ts.URL, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPusher_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	code, _, err := fastPusher("s").SendJSON(context.Background(), ts.URL, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPusher_BreakerOpensOnPersistentFailure(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	p := fastPusher("s").WithBreaker(NewCircuitBreaker(2, time.Minute))
	p.Retries = 0
	for i := 0; i < 2; i++ {
		_, _, err := p.SendJSON(context.Background(), ts.URL, map[string]any{})
		require.Error(t, err)
	}
	_, _, err := p.SendJSON(context.Background(), ts.URL, map[string]any{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StateOpen, p.Breaker().State())
}
