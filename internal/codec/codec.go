// Package codec кодирует записи в Avro и обрамляет их отпечатком схемы.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/schema"
)

var tracer = otel.Tracer("record-codec")

var (
	confluentMagic    = []byte{0x00}
	singleObjectMagic = []byte{0xC3, 0x01}
)

// FingerprintResolver: источник writer-схем по отпечатку.
type FingerprintResolver interface {
	ResolveFingerprint(ctx context.Context, fp []byte) (*schema.Descriptor, error)
}

// Codec кодирует Record/AugmentedRecord и разбирает входящие кадры.
// Безопасен для конкурентного использования.
type Codec struct {
	res     FingerprintResolver
	framing schema.Framing
	compat  *avro.SchemaCompatibility

	tickerReader     *schema.Descriptor
	predictionReader *schema.Descriptor

	// writer fingerprint (sha256 канонической формы) → результат проверки
	// совместимости с reader-схемой.
	checked sync.Map
}

// New создаёт кодек. Reader-схемы: встроенные TickerSchema и PredictionSchema.
func New(res FingerprintResolver, framing schema.Framing) (*Codec, error) {
	tr, err := schema.NewLocalDescriptor("", schema.TickerSchema, framing)
	if err != nil {
		return nil, fmt.Errorf("codec: ticker reader schema: %w", err)
	}
	pr, err := schema.NewLocalDescriptor("", schema.PredictionSchema, framing)
	if err != nil {
		return nil, fmt.Errorf("codec: prediction reader schema: %w", err)
	}
	return &Codec{
		res:              res,
		framing:          framing,
		compat:           avro.NewSchemaCompatibility(),
		tickerReader:     tr,
		predictionReader: pr,
	}, nil
}

// Encode кодирует запись схемой desc. Результат детерминирован.
func (c *Codec) Encode(r domain.Record, desc *schema.Descriptor) (domain.FramedPayload, error) {
	if err := r.Validate(); err != nil {
		return domain.FramedPayload{}, fmt.Errorf("codec: encode: %w", err)
	}
	return c.encode(toWire(r), desc)
}

// EncodeAugmented кодирует обогащённую запись схемой desc.
func (c *Codec) EncodeAugmented(a domain.AugmentedRecord, desc *schema.Descriptor) (domain.FramedPayload, error) {
	if err := a.Record.Validate(); err != nil {
		return domain.FramedPayload{}, fmt.Errorf("codec: encode augmented: %w", err)
	}
	if a.ModelVersion == "" {
		return domain.FramedPayload{}, fmt.Errorf("codec: encode augmented: %w: empty model version", domain.ErrMalformedPayload)
	}
	return c.encode(toPredictionWire(a), desc)
}

func (c *Codec) encode(v any, desc *schema.Descriptor) (domain.FramedPayload, error) {
	if desc == nil || desc.Schema == nil {
		return domain.FramedPayload{}, fmt.Errorf("codec: encode: %w: no schema", domain.ErrSchemaMismatch)
	}
	body, err := avro.Marshal(desc.Schema, v)
	if err != nil {
		return domain.FramedPayload{}, fmt.Errorf("codec: encode: %w: %w", domain.ErrSchemaMismatch, err)
	}
	fp := make([]byte, len(desc.Fingerprint))
	copy(fp, desc.Fingerprint)
	return domain.FramedPayload{Fingerprint: fp, Body: body}, nil
}

// Decode разбирает запись тикера.
func (c *Codec) Decode(ctx context.Context, p domain.FramedPayload) (domain.Record, error) {
	var w tickerWire
	if err := c.decode(ctx, p, c.tickerReader, &w); err != nil {
		return domain.Record{}, err
	}
	r, err := w.record()
	if err != nil {
		return domain.Record{}, fmt.Errorf("codec: decode: %w", err)
	}
	if err := r.Validate(); err != nil {
		return domain.Record{}, fmt.Errorf("codec: decode: %w", err)
	}
	return r, nil
}

// DecodeAugmented разбирает запись выходного топика.
func (c *Codec) DecodeAugmented(ctx context.Context, p domain.FramedPayload) (domain.AugmentedRecord, error) {
	var w predictionWire
	if err := c.decode(ctx, p, c.predictionReader, &w); err != nil {
		return domain.AugmentedRecord{}, err
	}
	a, err := w.augmented()
	if err != nil {
		return domain.AugmentedRecord{}, fmt.Errorf("codec: decode augmented: %w", err)
	}
	if err := a.Record.Validate(); err != nil {
		return domain.AugmentedRecord{}, fmt.Errorf("codec: decode augmented: %w", err)
	}
	return a, nil
}

func (c *Codec) decode(ctx context.Context, p domain.FramedPayload, reader *schema.Descriptor, v any) error {
	ctx, span := tracer.Start(ctx, "Decode")
	defer span.End()
	span.SetAttributes(attribute.Int("payload.size", len(p.Body)))

	if len(p.Fingerprint) != c.framing.FingerprintLen() {
		return fmt.Errorf("codec: decode: %w: fingerprint length %d", domain.ErrMalformedPayload, len(p.Fingerprint))
	}
	writer, err := c.res.ResolveFingerprint(ctx, p.Fingerprint)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("codec: decode: %w", err)
	}
	if err := c.readable(reader, writer); err != nil {
		span.RecordError(err)
		return fmt.Errorf("codec: decode: %w", err)
	}
	// hamba читает телом writer-схемы и пропускает поля, которых нет в
	// структуре; совместимость уже проверена выше.
	if err := avro.Unmarshal(writer.Schema, p.Body, v); err != nil {
		span.RecordError(err)
		return fmt.Errorf("codec: decode: %w: %w", domain.ErrMalformedPayload, err)
	}
	return nil
}

type checkKey struct {
	reader, writer [32]byte
}

// readable проверяет, что reader может читать данные writer'а.
func (c *Codec) readable(reader, writer *schema.Descriptor) error {
	key := checkKey{reader: reader.Schema.Fingerprint(), writer: writer.Schema.Fingerprint()}
	if key.reader == key.writer {
		return nil
	}
	if v, ok := c.checked.Load(key); ok {
		if v == nil {
			return nil
		}
		return v.(error)
	}
	var res error
	if err := c.compat.Compatible(reader.Schema, writer.Schema); err != nil {
		res = fmt.Errorf("%w: writer schema id %d not readable: %w", domain.ErrSchemaMismatch, writer.ID, err)
	}
	c.checked.Store(key, res)
	return res
}

// Frame склеивает магические байты, отпечаток и тело в сообщение.
func (c *Codec) Frame(p domain.FramedPayload) []byte {
	magic := confluentMagic
	if c.framing == schema.SingleObject {
		magic = singleObjectMagic
	}
	out := make([]byte, 0, len(magic)+len(p.Fingerprint)+len(p.Body))
	out = append(out, magic...)
	out = append(out, p.Fingerprint...)
	return append(out, p.Body...)
}

// Unframe проверяет заголовок и отделяет отпечаток от тела.
func (c *Codec) Unframe(b []byte) (domain.FramedPayload, error) {
	magic := confluentMagic
	if c.framing == schema.SingleObject {
		magic = singleObjectMagic
	}
	n := len(magic) + c.framing.FingerprintLen()
	if len(b) < n {
		return domain.FramedPayload{}, fmt.Errorf("codec: unframe: %w: %d bytes, header needs %d", domain.ErrMalformedPayload, len(b), n)
	}
	if !bytes.Equal(b[:len(magic)], magic) {
		return domain.FramedPayload{}, fmt.Errorf("codec: unframe: %w: bad magic %x", domain.ErrMalformedPayload, b[:len(magic)])
	}
	fp := make([]byte, c.framing.FingerprintLen())
	copy(fp, b[len(magic):n])
	body := make([]byte, len(b)-n)
	copy(body, b[n:])
	return domain.FramedPayload{Fingerprint: fp, Body: body}, nil
}
