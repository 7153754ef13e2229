package schema

import (
	"fmt"

	"github.com/hamba/avro/v2"

	"github.com/YaganovValera/ticker-pipeline/internal/domain"
)

// Field: имя и Avro-тип поля записи.
type Field struct {
	Name string
	Type string
}

// Descriptor: одна версия схемы. Создаётся только целиком через
// newDescriptor и дальше не меняется.
type Descriptor struct {
	Subject     string
	Version     int
	ID          int
	Fingerprint []byte
	Fields      []Field
	Schema      avro.Schema
	Text        string
}

// Parse разбирает текст схемы в изолированном кэше имён.
func Parse(text string) (avro.Schema, error) {
	return avro.ParseWithCache(text, "", &avro.SchemaCache{})
}

// NewLocalDescriptor строит дескриптор по локальному тексту схемы без
// обращения к registry (id и version неизвестны).
func NewLocalDescriptor(subject, text string, framing Framing) (*Descriptor, error) {
	return newDescriptor(subject, 0, 0, text, framing)
}

func newDescriptor(subject string, version, id int, text string, framing Framing) (*Descriptor, error) {
	s, err := Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: parse schema (subject %q, id %d): %w", domain.ErrSchemaMismatch, subject, id, err)
	}
	rs, ok := s.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("%w: subject %q: expected record schema, got %s", domain.ErrSchemaMismatch, subject, s.Type())
	}
	fp, err := framing.fingerprint(id, s)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint: %w", domain.ErrSchemaMismatch, err)
	}

	fields := make([]Field, 0, len(rs.Fields()))
	for _, f := range rs.Fields() {
		fields = append(fields, Field{Name: f.Name(), Type: string(f.Type().Type())})
	}
	return &Descriptor{
		Subject:     subject,
		Version:     version,
		ID:          id,
		Fingerprint: fp,
		Fields:      fields,
		Schema:      s,
		Text:        text,
	}, nil
}
