package ticker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/metrics"
)

const miniBTC = `{
  "symbol": "BTCUSDT",
  "openPrice": "61729.27000000",
  "highPrice": "61800.00000000",
  "lowPrice": "61319.47000000",
  "lastPrice": "61699.01000000",
  "volume": "814.22297000",
  "quoteVolume": "50138059.82771860",
  "openTime": 1715732880000,
  "closeTime": 1715736489761,
  "firstId": 3599114332,
  "lastId": 3599147596,
  "count": 33265
}`

func assertBTC(t *testing.T, r domain.Record) {
	t.Helper()
	assert.Equal(t, "BTCUSDT", r.Symbol)
	assert.Equal(t, "61729.27", r.OpenPrice.String())
	assert.Equal(t, "61800", r.HighPrice.String())
	assert.Equal(t, "61319.47", r.LowPrice.String())
	assert.Equal(t, "61699.01", r.LastPrice.String())
	assert.Equal(t, "814.22297", r.Volume.String())
	assert.Equal(t, int64(1715732880000), domain.Millis(r.OpenTime))
	assert.Equal(t, int64(1715736489761), domain.Millis(r.CloseTime))
	assert.Equal(t, int64(33265), r.Count)
}

func restSource(t *testing.T, h http.HandlerFunc) (*RESTSource, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := Config{Symbol: "btcusdt", RESTURL: srv.URL}
	cfg.ApplyDefaults()
	m := metrics.Discard()
	s := NewRESTSource(cfg, logger.NewNop(), m)
	t.Cleanup(func() { _ = s.Close() })
	return s, m
}

func TestRESTSource_Fetch(t *testing.T) {
	s, m := restSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker", r.URL.Path)
		assert.Equal(t, "MINI", r.URL.Query().Get("type"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(miniBTC))
	})

	r, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assertBTC(t, r)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TickerPolls.WithLabelValues(SourceREST, "ok")))
}

func TestRESTSource_APIError(t *testing.T) {
	s, m := restSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})

	_, err := s.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid symbol.")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TickerPolls.WithLabelValues(SourceREST, "error")))
}

func TestRESTSource_ServerError(t *testing.T) {
	s, _ := restSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := s.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestRESTSource_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":    `<html>`,
		"bad decimal": `{"symbol":"BTCUSDT","openPrice":"abc","highPrice":"1","lowPrice":"1","lastPrice":"1","volume":"1","openTime":1,"closeTime":2,"count":1}`,
		"no symbol":   `{"openPrice":"1","highPrice":"1","lowPrice":"1","lastPrice":"1","volume":"1","openTime":1,"closeTime":2,"count":1}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			s, _ := restSource(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := s.Fetch(context.Background())
			assert.ErrorIs(t, err, domain.ErrMalformedPayload)
		})
	}
}

func TestRESTSource_ContextCancelled(t *testing.T) {
	s, _ := restSource(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(miniBTC))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{}, logger.NewNop(), nil)
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Symbol: "BTCUSDT", Source: "grpc"}, logger.NewNop(), nil)
	assert.Error(t, err)

	src, err := New(context.Background(), Config{Symbol: "BTCUSDT"}, logger.NewNop(), nil)
	require.NoError(t, err)
	assert.IsType(t, &RESTSource{}, src)
	require.NoError(t, src.Close())
}
