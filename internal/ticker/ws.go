package ticker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/backoff"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/metrics"
)

// wsTicker: событие 24hrTicker. encoding/json сопоставляет ключи без учёта
// регистра, поэтому парные E/e, L/l, C/c, O/o объявлены явно.
type wsTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Last      string `json:"c"`
	Volume    string `json:"v"`
	OpenTime  int64  `json:"O"`
	CloseTime int64  `json:"C"`
	LastID    int64  `json:"L"`
	Count     int64  `json:"n"`
}

const tickerEvent = "24hrTicker"

// WSSource держит подписку на <symbol>@ticker с переподключением и
// отдаёт последнее полученное событие.
type WSSource struct {
	cfg    Config
	log    *logger.Logger
	m      *metrics.Metrics
	latest atomic.Pointer[domain.Record]
	subID  atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSSource запускает чтение стрима до Close или отмены ctx.
func NewWSSource(ctx context.Context, cfg Config, log *logger.Logger, m *metrics.Metrics) *WSSource {
	ctx, cancel := context.WithCancel(ctx)
	s := &WSSource{
		cfg:    cfg,
		log:    log.Named("ticker-ws"),
		m:      m,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *WSSource) Fetch(context.Context) (domain.Record, error) {
	r := s.latest.Load()
	if r == nil {
		return domain.Record{}, ErrNoTicker
	}
	return *r, nil
}

func (s *WSSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *WSSource) run(ctx context.Context) {
	defer close(s.done)
	for ctx.Err() == nil {
		var conn *websocket.Conn
		err := backoff.Execute(ctx, s.cfg.Backoff, s.log, func(ctx context.Context) error {
			var err error
			conn, _, err = websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("ws: connect failed", zap.Error(err))
			}
			continue
		}
		s.log.Info("ws: connected", zap.String("url", s.cfg.WSURL), zap.String("stream", s.cfg.stream()))
		s.serve(ctx, conn)
	}
	s.log.Info("ws: stopped")
}

// serve читает одно соединение до ошибки или отмены ctx.
func (s *WSSource) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	req := map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{s.cfg.stream()},
		"id":     s.subID.Add(1),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(req); err != nil {
		s.log.Warn("ws: subscribe failed", zap.Error(err))
		return
	}

	go s.ping(connCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if connCtx.Err() == nil {
				s.log.Warn("ws: read error, reconnecting", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handle(data)
	}
}

func (s *WSSource) ping(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(s.cfg.ReadTimeout / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				s.log.Warn("ws: ping failed", zap.Error(err))
			}
		}
	}
}

func (s *WSSource) handle(data []byte) {
	var ev wsTicker
	if err := json.Unmarshal(data, &ev); err != nil {
		s.m.TickerPolls.WithLabelValues(SourceWS, "error").Inc()
		s.log.Warn("ws: bad message", zap.Error(err))
		return
	}
	if ev.Event != tickerEvent {
		// ответ на SUBSCRIBE и прочие служебные сообщения
		return
	}
	r, err := fields{
		symbol:    ev.Symbol,
		open:      ev.Open,
		high:      ev.High,
		low:       ev.Low,
		last:      ev.Last,
		volume:    ev.Volume,
		openTime:  ev.OpenTime,
		closeTime: ev.CloseTime,
		count:     ev.Count,
	}.record()
	if err != nil {
		s.m.TickerPolls.WithLabelValues(SourceWS, "error").Inc()
		s.log.Warn("ws: bad ticker event", zap.Error(err))
		return
	}
	s.m.TickerPolls.WithLabelValues(SourceWS, "ok").Inc()
	s.latest.Store(&r)
}
