package ticker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/metrics"
)

// miniTicker: ответ GET /api/v3/ticker?type=MINI.
type miniTicker struct {
	Symbol    string `json:"symbol"`
	OpenPrice string `json:"openPrice"`
	HighPrice string `json:"highPrice"`
	LowPrice  string `json:"lowPrice"`
	LastPrice string `json:"lastPrice"`
	Volume    string `json:"volume"`
	OpenTime  int64  `json:"openTime"`
	CloseTime int64  `json:"closeTime"`
	Count     int64  `json:"count"`
}

// apiError: тело ошибки Binance вида {"code":-1121,"msg":"Invalid symbol."}.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// RESTSource опрашивает REST API на каждый Fetch.
type RESTSource struct {
	endpoint string
	symbol   string
	client   *http.Client
	log      *logger.Logger
	m        *metrics.Metrics
}

func NewRESTSource(cfg Config, log *logger.Logger, m *metrics.Metrics) *RESTSource {
	q := url.Values{}
	q.Set("type", "MINI")
	q.Set("symbol", cfg.Symbol)
	return &RESTSource{
		endpoint: cfg.RESTURL + "/api/v3/ticker?" + q.Encode(),
		symbol:   cfg.Symbol,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      log.Named("ticker-rest"),
		m:        m,
	}
}

func (s *RESTSource) Fetch(ctx context.Context) (domain.Record, error) {
	ctx, span := tracer.Start(ctx, "ticker.rest.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("symbol", s.symbol))

	r, err := s.fetch(ctx)
	if err != nil {
		s.m.TickerPolls.WithLabelValues(SourceREST, "error").Inc()
		span.RecordError(err)
		return domain.Record{}, err
	}
	s.m.TickerPolls.WithLabelValues(SourceREST, "ok").Inc()
	return r, nil
}

func (s *RESTSource) fetch(ctx context.Context) (domain.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return domain.Record{}, fmt.Errorf("ticker: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Record{}, fmt.Errorf("ticker: GET %s: %w", s.symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Record{}, fmt.Errorf("ticker: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Msg != "" {
			return domain.Record{}, fmt.Errorf("ticker: GET %s: status %d: code %d: %s", s.symbol, resp.StatusCode, ae.Code, ae.Msg)
		}
		return domain.Record{}, fmt.Errorf("ticker: GET %s: status %d", s.symbol, resp.StatusCode)
	}

	var t miniTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return domain.Record{}, fmt.Errorf("ticker: decode: %w: %w", domain.ErrMalformedPayload, err)
	}
	s.log.Debug("ticker fetched", zap.String("symbol", t.Symbol), zap.String("last", t.LastPrice))
	return fields{
		symbol:    t.Symbol,
		open:      t.OpenPrice,
		high:      t.HighPrice,
		low:       t.LowPrice,
		last:      t.LastPrice,
		volume:    t.Volume,
		openTime:  t.OpenTime,
		closeTime: t.CloseTime,
		count:     t.Count,
	}.record()
}

func (s *RESTSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
