package httpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, logger.NewNop())
	assert.ErrorContains(t, err, "addr is required")

	_, err = New(Config{Addr: ":0", ReadyzPath: "/healthz"}, nil, logger.NewNop())
	assert.ErrorContains(t, err, "share path")

	_, err = New(Config{Addr: ":0", MetricsPath: "metrics"}, nil, logger.NewNop())
	assert.ErrorContains(t, err, "must start with /")
}

func TestHandler_Endpoints(t *testing.T) {
	var ready error
	cfg := Config{Addr: ":0"}
	cfg.applyDefaults()
	h := newHandler(cfg, func(context.Context) error { return ready }, logger.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	get := func(path string) (int, string, http.Header) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b), resp.Header
	}

	code, body, hdr := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)
	assert.NotEmpty(t, hdr.Get("X-Request-ID"))

	code, body, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "READY", body)

	ready = errors.New("kafka unreachable")
	code, body, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "kafka unreachable")

	code, body, _ = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "ticker_pipeline_http_requests_total")
}

func TestHandler_ReadyCheckHasDeadline(t *testing.T) {
	cfg := Config{Addr: ":0", ReadyTimeout: 20 * time.Millisecond}
	cfg.applyDefaults()
	h := newHandler(cfg, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, logger.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "deadline exceeded")
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	s, err := New(Config{Addr: "127.0.0.1:0"}, nil, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStart_AddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s, err := New(Config{Addr: ln.Addr().String()}, nil, logger.NewNop())
	require.NoError(t, err)
	err = s.Start(context.Background())
	assert.ErrorContains(t, err, "listen")
}
