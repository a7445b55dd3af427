package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ezoutreach/internal/errs"
	"ezoutreach/pkg/circuitbreaker"
	"ezoutreach/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc, breaker circuitbreaker.Config) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second, Breaker: breaker}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestSubmitAndPoll(t *testing.T) {
	polls := int32(0)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/batches":
			var req submitRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"a@x.test", "b@x.test"}, req.Emails)
			_, _ = w.Write([]byte(`{"id":"req-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/batches/req-1":
			if atomic.AddInt32(&polls, 1) == 1 {
				_, _ = w.Write([]byte(`{"status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"completed","results":[{"email":"a@x.test","result":"valid","score":0.9},{"email":"b@x.test","result":"invalid"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, circuitbreaker.DefaultConfig())

	ctx := testContext(t)
	id, err := c.Submit(ctx, []string{"a@x.test", "b@x.test"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)

	res, err := c.Poll(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Ready)

	res, err = c.Poll(ctx, id)
	require.NoError(t, err)
	require.True(t, res.Ready)
	assert.Equal(t, "valid", res.Results["a@x.test"].Status)
	require.NotNil(t, res.Results["a@x.test"].Score)
	assert.InDelta(t, 0.9, *res.Results["a@x.test"].Score, 1e-9)
	assert.Equal(t, "invalid", res.Results["b@x.test"].Status)
}

func TestStatusErrorClassification(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, circuitbreaker.DefaultConfig())

	_, err := c.Poll(testContext(t), "req-1")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	retryable, kind := util.ClassifyError(err)
	assert.True(t, retryable)
	assert.Equal(t, "provider_status", kind)
}

func TestMalformedResponseIsHard(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}, circuitbreaker.DefaultConfig())

	_, err := c.Submit(testContext(t), []string{"a@x.test"})
	require.Error(t, err)
	retryable, _ := util.ClassifyError(err)
	assert.False(t, retryable)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var hits int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1})

	for i := 0; i < 2; i++ {
		_, err := c.Poll(testContext(t), "req-1")
		require.Error(t, err)
	}
	_, err := c.Poll(testContext(t), "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrProviderUnavailable))
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	retryable, kind := util.ClassifyError(err)
	assert.True(t, retryable)
	assert.Equal(t, "provider_unavailable", kind)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
