// Package ticker читает 24h-тикер Binance: REST (/api/v3/ticker?type=MINI)
// или WebSocket-стрим <symbol>@ticker.
package ticker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/metrics"
)

var tracer = otel.Tracer("ticker")

// ErrNoTicker: WS-источник ещё не получил ни одного события.
var ErrNoTicker = errors.New("ticker: no data received yet")

// Source отдаёт последний известный тикер символа.
type Source interface {
	Fetch(ctx context.Context) (domain.Record, error)
	Close() error
}

// New создаёт источник по cfg.Source. WS-источник сразу начинает читать стрим.
func New(ctx context.Context, cfg Config, log *logger.Logger, m *metrics.Metrics) (Source, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.Discard()
	}
	if cfg.Source == SourceWS {
		return NewWSSource(ctx, cfg, log, m), nil
	}
	return NewRESTSource(cfg, log, m), nil
}

// fields: строковые значения тикера до разбора.
type fields struct {
	symbol                        string
	open, high, low, last, volume string
	openTime, closeTime, count    int64
}

func (f fields) record() (domain.Record, error) {
	r := domain.Record{
		Symbol:    f.symbol,
		OpenTime:  domain.FromMillis(f.openTime),
		CloseTime: domain.FromMillis(f.closeTime),
		Count:     f.count,
	}
	for _, p := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"openPrice", f.open, &r.OpenPrice},
		{"highPrice", f.high, &r.HighPrice},
		{"lowPrice", f.low, &r.LowPrice},
		{"lastPrice", f.last, &r.LastPrice},
		{"volume", f.volume, &r.Volume},
	} {
		d, err := decimal.NewFromString(p.raw)
		if err != nil {
			return domain.Record{}, fmt.Errorf("ticker: %s %q: %w: %w", p.name, p.raw, domain.ErrMalformedPayload, err)
		}
		*p.dst = d
	}
	if err := r.Validate(); err != nil {
		return domain.Record{}, fmt.Errorf("ticker: %w", err)
	}
	return r, nil
}
