// Package schema получает, кэширует и проверяет на совместимость
// Avro-схемы из Confluent-совместимого registry.
package schema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hamba/avro/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/backoff"
	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/metrics"
)

var tracer = otel.Tracer("schema-resolver")

// Config: режим кадрирования и политика ретраев обращений к registry.
// NegativeTTL: сколько помнить, что отпечатка в registry нет.
type Config struct {
	Framing     string         `mapstructure:"framing"`
	Retry       backoff.Config `mapstructure:"retry"`
	NegativeTTL time.Duration  `mapstructure:"negative_ttl"`
}

// maxUnknown ограничивает негативный кэш: поток мусора не раздувает память.
const maxUnknown = 1024

func (c *Config) applyDefaults() {
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 200 * time.Millisecond
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 2 * time.Second
	}
}

// Resolver кэширует дескрипторы по subject и по отпечатку.
// Попадание в кэш не ходит в сеть. Промах: запрос в registry с
// экспоненциальным backoff; после исчерпания попыток ErrSchemaUnavailable.
type Resolver struct {
	reg     Registry
	framing Framing
	retry   backoff.Config
	log     *logger.Logger
	m       *metrics.Metrics
	compat  *avro.SchemaCompatibility

	mu            sync.RWMutex
	bySubject     map[string]*Descriptor
	byFingerprint map[string]*Descriptor

	// unknown: отпечатки, которых нет в registry, → до какого момента не спрашивать
	negativeTTL time.Duration
	unknown     map[string]time.Time
	now         func() time.Time
}

// NewResolver создаёт резолвер. m может быть nil.
func NewResolver(reg Registry, cfg Config, log *logger.Logger, m *metrics.Metrics) (*Resolver, error) {
	if reg == nil {
		return nil, fmt.Errorf("schema: registry is required")
	}
	cfg.applyDefaults()
	framing, err := ParseFraming(cfg.Framing)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Resolver{
		reg:           reg,
		framing:       framing,
		retry:         cfg.Retry,
		log:           log.Named("schema-resolver"),
		m:             m,
		compat:        avro.NewSchemaCompatibility(),
		bySubject:     make(map[string]*Descriptor),
		byFingerprint: make(map[string]*Descriptor),
		negativeTTL:   cfg.NegativeTTL,
		unknown:       make(map[string]time.Time),
		now:           time.Now,
	}, nil
}

// Framing: режим кадрирования, для которого считаются отпечатки.
func (r *Resolver) Framing() Framing { return r.framing }

// Resolve возвращает последнюю версию схемы subject'а.
func (r *Resolver) Resolve(ctx context.Context, subject string) (*Descriptor, error) {
	r.mu.RLock()
	d := r.bySubject[subject]
	r.mu.RUnlock()
	if d != nil {
		r.m.SchemaCache.WithLabelValues("subject", "hit").Inc()
		return d, nil
	}
	r.m.SchemaCache.WithLabelValues("subject", "miss").Inc()
	return r.Refresh(ctx, subject)
}

// Refresh всегда спрашивает registry. Если отпечаток последней версии
// отличается от закэшированного, запись subject'а заменяется.
func (r *Resolver) Refresh(ctx context.Context, subject string) (*Descriptor, error) {
	ctx, span := tracer.Start(ctx, "Resolve", trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	var info Registered
	err := r.call(ctx, "latest", func(ctx context.Context) error {
		var err error
		info, err = r.reg.Latest(ctx, subject)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("schema: resolve %q: %w", subject, err)
	}
	d, err := newDescriptor(subject, info.Version, info.ID, info.Schema, r.framing)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("schema: resolve %q: %w", subject, err)
	}
	r.store(d)
	return d, nil
}

// Register регистрирует новую версию схемы. Перед отправкой схема
// проверяется на BACKWARD-совместимость с последней известной версией:
// новый reader обязан читать данные старого writer'а.
func (r *Resolver) Register(ctx context.Context, subject, text string) (*Descriptor, error) {
	ctx, span := tracer.Start(ctx, "Register", trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	candidate, err := Parse(text)
	if err != nil {
		return nil, fmt.Errorf("schema: register %q: %w: %w", subject, domain.ErrSchemaMismatch, err)
	}

	prev, err := r.Resolve(ctx, subject)
	switch {
	case err == nil:
		if cerr := r.compat.Compatible(candidate, prev.Schema); cerr != nil {
			span.RecordError(cerr)
			return nil, fmt.Errorf("schema: register %q: incompatible with version %d: %w: %w",
				subject, prev.Version, domain.ErrSchemaMismatch, cerr)
		}
	case errors.Is(err, ErrNotFound):
		// первая версия subject'а
	default:
		return nil, fmt.Errorf("schema: register %q: %w", subject, err)
	}

	var info Registered
	err = r.call(ctx, "register", func(ctx context.Context) error {
		var err error
		info, err = r.reg.Register(ctx, subject, text)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("schema: register %q: %w", subject, err)
	}
	if info.Version == 0 && prev != nil {
		info.Version = prev.Version + 1
	}
	d, err := newDescriptor(subject, info.Version, info.ID, text, r.framing)
	if err != nil {
		return nil, fmt.Errorf("schema: register %q: %w", subject, err)
	}
	r.store(d)
	r.log.Info("schema registered",
		zap.String("subject", subject),
		zap.Int("id", d.ID),
		zap.Int("version", d.Version),
	)
	return d, nil
}

// ResolveFingerprint находит схему, которой записано сообщение.
//
// confluent: отпечаток равен id, промах разрешается запросом по id.
// single-object: CRC по registry не ищется, поэтому на промахе
// перечитываются известные subject'ы (могла появиться новая версия).
func (r *Resolver) ResolveFingerprint(ctx context.Context, fp []byte) (*Descriptor, error) {
	if d := r.cached(fp); d != nil {
		r.m.SchemaCache.WithLabelValues("fingerprint", "hit").Inc()
		return d, nil
	}
	if r.knownUnknown(fp) {
		r.m.SchemaCache.WithLabelValues("fingerprint", "negative_hit").Inc()
		return nil, fmt.Errorf("schema: fingerprint %x: %w: unknown (cached)", fp, domain.ErrSchemaMismatch)
	}
	r.m.SchemaCache.WithLabelValues("fingerprint", "miss").Inc()

	ctx, span := tracer.Start(ctx, "ResolveFingerprint")
	defer span.End()

	switch r.framing {
	case SingleObject:
		for _, subject := range r.subjects() {
			if _, err := r.Refresh(ctx, subject); err != nil && !errors.Is(err, domain.ErrSchemaMismatch) {
				return nil, err
			}
		}
		if d := r.cached(fp); d != nil {
			return d, nil
		}
		r.markUnknown(fp)
		return nil, fmt.Errorf("schema: fingerprint %x: %w: unknown", fp, domain.ErrSchemaMismatch)

	default:
		id, ok := IDFromFingerprint(fp)
		if !ok {
			return nil, fmt.Errorf("schema: fingerprint %x: %w: bad length", fp, domain.ErrSchemaMismatch)
		}
		span.SetAttributes(attribute.Int("schema.id", id))
		var text string
		err := r.call(ctx, "by-id", func(ctx context.Context) error {
			var err error
			text, err = r.reg.SchemaByID(ctx, id)
			return err
		})
		if err != nil {
			span.RecordError(err)
			// недоступность registry не кэшируем: только ответ "нет такого id"
			if errors.Is(err, ErrNotFound) {
				r.markUnknown(fp)
			}
			return nil, fmt.Errorf("schema: id %d: %w", id, err)
		}
		d, err := newDescriptor("", 0, id, text, r.framing)
		if err != nil {
			return nil, fmt.Errorf("schema: id %d: %w", id, err)
		}
		r.mu.Lock()
		r.byFingerprint[string(d.Fingerprint)] = d
		r.mu.Unlock()
		return d, nil
	}
}

// call выполняет запрос к registry с ретраями. 4xx не повторяются и
// превращаются в ErrSchemaMismatch, исчерпание попыток: в ErrSchemaUnavailable.
func (r *Resolver) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRejected) {
			return backoff.Permanent(fmt.Errorf("%w: %w", domain.ErrSchemaMismatch, err))
		}
		return err
	}
	err := backoff.Execute(ctx, r.retry, r.log.With(zap.String("op", op)), attempt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSchemaMismatch):
		return err
	default:
		return fmt.Errorf("%w: %w", domain.ErrSchemaUnavailable, err)
	}
}

func (r *Resolver) store(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.bySubject[d.Subject]; ok && !bytes.Equal(old.Fingerprint, d.Fingerprint) {
		r.log.Info("schema changed, cache entry replaced",
			zap.String("subject", d.Subject),
			zap.Int("old_version", old.Version),
			zap.Int("new_version", d.Version),
		)
	}
	r.bySubject[d.Subject] = d
	// Старые отпечатки остаются: сообщения прежних версий ещё в топике.
	r.byFingerprint[string(d.Fingerprint)] = d
	delete(r.unknown, string(d.Fingerprint))
}

func (r *Resolver) knownUnknown(fp []byte) bool {
	r.mu.RLock()
	until, ok := r.unknown[string(fp)]
	r.mu.RUnlock()
	return ok && r.now().Before(until)
}

func (r *Resolver) markUnknown(fp []byte) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.unknown) >= maxUnknown {
		for k, until := range r.unknown {
			if !now.Before(until) {
				delete(r.unknown, k)
			}
		}
		if len(r.unknown) >= maxUnknown {
			clear(r.unknown)
		}
	}
	r.unknown[string(fp)] = now.Add(r.negativeTTL)
}

func (r *Resolver) cached(fp []byte) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byFingerprint[string(fp)]
}

func (r *Resolver) subjects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySubject))
	for s := range r.bySubject {
		out = append(out, s)
	}
	return out
}
