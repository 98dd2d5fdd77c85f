package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/cosimctl/internal/channel"
	"github.com/3cpo-dev/cosimctl/pkg/api"
)

func newHub(t *testing.T, size int) *channel.Hub {
	t.Helper()
	hub := channel.NewHub(size)
	t.Cleanup(hub.Close)
	return hub
}

func TestHeartbeat(t *testing.T) {
	srv := &Server{Version: "test", Token: "s3cret", Hub: newHub(t, 1)}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	require.Equal(t, http.StatusOK, rr.Code, "heartbeat needs no token")

	var resp HeartbeatResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
}

func TestAuth(t *testing.T) {
	srv := &Server{Token: "s3cret", Hub: newHub(t, 1)}
	body := `{"message":{"command":"INIT"}}`

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/channels/orchestrator.in/send", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v0/channels/orchestrator.in/send", strings.NewReader(body))
	req.Header.Set("X-Auth-Token", "s3cret")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestClientRoundTrip(t *testing.T) {
	hub := newHub(t, 4)
	ts := httptest.NewServer((&Server{Version: "test", Token: "s3cret", Hub: hub}).Handler())
	defer ts.Close()

	c, err := NewClient(ts.URL, WithToken("s3cret"), WithPollWait(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hb, err := c.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", hb.Version)

	msg := api.Message{StepSizes: []api.StepSize{{PID: "1", MinDelay: 0.1}}}
	require.NoError(t, c.Send(ctx, msg, "cc.out"))
	assert.Equal(t, 1, hub.Pending("cc.out"))

	got, err := c.Receive(ctx, "cc.out")
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestClientReceivePollsUntilMessage(t *testing.T) {
	hub := newHub(t, 4)
	ts := httptest.NewServer((&Server{Hub: hub}).Handler())
	defer ts.Close()

	c, err := NewClient(ts.URL, WithPollWait(20*time.Millisecond))
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = hub.Send(context.Background(), api.CommandMessage(api.CommandStart), "orchestrator.in")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.Receive(ctx, "orchestrator.in")
	require.NoError(t, err)
	assert.Equal(t, api.CommandStart, got.Command)
}

func TestClientReceiveHonoursContext(t *testing.T) {
	ts := httptest.NewServer((&Server{Hub: newHub(t, 1)}).Handler())
	defer ts.Close()
	c, err := NewClient(ts.URL, WithPollWait(time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Receive(ctx, "orchestrator.in")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientErrors(t *testing.T) {
	ts := httptest.NewServer((&Server{Token: "s3cret", Hub: newHub(t, 1)}).Handler())
	defer ts.Close()
	ctx := context.Background()

	c, err := NewClient(ts.URL)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(ctx, api.CommandMessage(api.CommandInit), "x"), ErrUnauthorized)

	c, err = NewClient(ts.URL, WithToken("s3cret"))
	require.NoError(t, err)
	require.NoError(t, c.Send(ctx, api.CommandMessage(api.CommandInit), "x"))
	err = c.Send(ctx, api.CommandMessage(api.CommandStart), "x")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)

	_, err = NewClient("ftp://example.com")
	assert.Error(t, err)
}

func TestReceiveRejectsBadWait(t *testing.T) {
	srv := &Server{Hub: newHub(t, 1)}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/channels/a/receive?wait=soon", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReceiveKeepsMessageForDisconnectedClient(t *testing.T) {
	hub := newHub(t, 1)
	srv := &Server{Hub: hub}
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	// the hub may hand the message over or notice the cancellation first; either way it stays queued
	for i := 0; i < 20; i++ {
		require.NoError(t, hub.Send(context.Background(), api.CommandMessage(api.CommandEnd), "orchestrator.in"))
		req := httptest.NewRequest(http.MethodPost, "/v0/channels/orchestrator.in/receive", nil).WithContext(gone)
		srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

		require.Equal(t, 1, hub.Pending("orchestrator.in"))
		got, err := hub.Receive(context.Background(), "orchestrator.in")
		require.NoError(t, err)
		assert.Equal(t, api.CommandEnd, got.Command)
	}
}

func TestMTLSMiddlewareRequiresCertificate(t *testing.T) {
	h := MTLSMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	h = MTLSMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestConfigureTLSRequiresCertificate(t *testing.T) {
	_, err := ConfigureTLS(MTLSConfig{})
	assert.Error(t, err)
}

func TestSendWithRetry(t *testing.T) {
	hub := newHub(t, 1)
	ts := httptest.NewServer((&Server{Hub: hub}).Handler())
	defer ts.Close()
	c, err := NewClient(ts.URL)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, hub.Send(ctx, api.CommandMessage(api.CommandInit), "orchestrator.in"))
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = hub.Receive(ctx, "orchestrator.in")
	}()

	cfg := RetryConfig{MaxRetries: 5, InitialDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond, BackoffFactor: 2, RetryableStatus: []int{http.StatusTooManyRequests}}
	require.NoError(t, SendWithRetry(ctx, c, api.CommandMessage(api.CommandStart), "orchestrator.in", cfg))

	got, err := hub.Receive(ctx, "orchestrator.in")
	require.NoError(t, err)
	assert.Equal(t, api.CommandStart, got.Command)
}

func TestSendWithRetryStopsOnAuth(t *testing.T) {
	ts := httptest.NewServer((&Server{Token: "s3cret", Hub: newHub(t, 1)}).Handler())
	defer ts.Close()
	c, err := NewClient(ts.URL)
	require.NoError(t, err)

	start := time.Now()
	err = SendWithRetry(context.Background(), c, api.CommandMessage(api.CommandInit), "x", DefaultRetryConfig())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "auth failures are not retried")
}
