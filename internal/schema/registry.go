package schema

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hamba/avro/v2/registry"
)

var (
	// ErrNotFound: registry ответил 404 (нет subject/версии/id).
	ErrNotFound = errors.New("schema registry: not found")
	// ErrRejected: прочие 4xx (например, 409 несовместимая схема, 422 невалидная).
	ErrRejected = errors.New("schema registry: rejected")
)

// Registered: версия схемы, как её видит registry.
type Registered struct {
	ID      int
	Version int
	Schema  string
}

// Registry: то, что Resolver использует от schema registry.
// Ответы 4xx реализация обязана оборачивать в ErrNotFound/ErrRejected,
// всё остальное считается сетевой (повторяемой) ошибкой.
type Registry interface {
	SchemaByID(ctx context.Context, id int) (string, error)
	Latest(ctx context.Context, subject string) (Registered, error)
	Register(ctx context.Context, subject, schema string) (Registered, error)
}

// RegistryConfig: адрес Confluent-совместимого registry.
type RegistryConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type hambaRegistry struct {
	client *registry.Client
}

// NewRegistry создаёт клиента github.com/hamba/avro/v2/registry.
func NewRegistry(cfg RegistryConfig) (Registry, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("schema: registry url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	c, err := registry.NewClient(cfg.URL, registry.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	if err != nil {
		return nil, fmt.Errorf("schema: registry client: %w", err)
	}
	return &hambaRegistry{client: c}, nil
}

func (h *hambaRegistry) SchemaByID(ctx context.Context, id int) (string, error) {
	s, err := h.client.GetSchema(ctx, id)
	if err != nil {
		return "", classify(err)
	}
	return s.String(), nil
}

func (h *hambaRegistry) Latest(ctx context.Context, subject string) (Registered, error) {
	info, err := h.client.GetLatestSchemaInfo(ctx, subject)
	if err != nil {
		return Registered{}, classify(err)
	}
	return Registered{ID: info.ID, Version: info.Version, Schema: info.Schema.String()}, nil
}

func (h *hambaRegistry) Register(ctx context.Context, subject, schema string) (Registered, error) {
	id, _, err := h.client.CreateSchema(ctx, subject, schema)
	if err != nil {
		return Registered{}, classify(err)
	}
	out := Registered{ID: id, Schema: schema}
	// CreateSchema не сообщает версию; берём её из latest, если это она.
	if info, err := h.client.GetLatestSchemaInfo(ctx, subject); err == nil && info.ID == id {
		out.Version = info.Version
	}
	return out, nil
}

// classify переводит ответы registry в ErrNotFound/ErrRejected.
func classify(err error) error {
	code := statusCode(err)
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %w", ErrRejected, err)
	default:
		return err
	}
}

func statusCode(err error) int {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch re := e.(type) {
		case registry.Error:
			return re.StatusCode
		case *registry.Error:
			return re.StatusCode
		}
	}
	return 0
}
