package codec

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/hamba/avro/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/ticker-pipeline/internal/domain"
	"github.com/YaganovValera/ticker-pipeline/internal/schema"
)

// staticResolver: отпечаток → дескриптор без сети.
type staticResolver map[string]*schema.Descriptor

func (s staticResolver) ResolveFingerprint(_ context.Context, fp []byte) (*schema.Descriptor, error) {
	if d, ok := s[string(fp)]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("fake: %w: %x", domain.ErrSchemaMismatch, fp)
}

func (s staticResolver) add(d *schema.Descriptor) { s[string(d.Fingerprint)] = d }

func btcusdt() domain.Record {
	return domain.Record{
		Symbol:    "BTCUSDT",
		OpenPrice: decimal.RequireFromString("61729.27"),
		HighPrice: decimal.RequireFromString("61800.00"),
		LowPrice:  decimal.RequireFromString("61319.47"),
		LastPrice: decimal.RequireFromString("61699.01"),
		Volume:    decimal.RequireFromString("814.22297"),
		OpenTime:  domain.FromMillis(1715732880000),
		CloseTime: domain.FromMillis(1715736489761),
		Count:     33265,
	}
}

// registered строит дескриптор, как если бы registry выдал ему id.
func registered(t *testing.T, framing schema.Framing, text string, id int) *schema.Descriptor {
	t.Helper()
	local, err := schema.NewLocalDescriptor("ticker-value", text, framing)
	require.NoError(t, err)
	if framing == schema.Confluent {
		local.ID = id
		local.Fingerprint = []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	}
	return local
}

func newCodec(t *testing.T, framing schema.Framing) (*Codec, staticResolver) {
	t.Helper()
	res := staticResolver{}
	c, err := New(res, framing)
	require.NoError(t, err)
	return c, res
}

func TestRoundTrip_BTCUSDT(t *testing.T) {
	for _, framing := range []schema.Framing{schema.Confluent, schema.SingleObject} {
		t.Run(string(framing), func(t *testing.T) {
			c, res := newCodec(t, framing)
			desc := registered(t, framing, schema.TickerSchema, 7)
			res.add(desc)

			in := btcusdt()
			p, err := c.Encode(in, desc)
			require.NoError(t, err)

			wire := c.Frame(p)
			got, err := c.Unframe(wire)
			require.NoError(t, err)
			assert.True(t, p.Equal(got))

			out, err := c.Decode(context.Background(), got)
			require.NoError(t, err)
			assert.True(t, in.Equal(out), "decoded %+v", out)
			assert.Equal(t, "61699.01", out.LastPrice.String())
			assert.Equal(t, int64(1715736489761), domain.Millis(out.CloseTime))
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	c, res := newCodec(t, schema.Confluent)
	desc := registered(t, schema.Confluent, schema.TickerSchema, 1)
	res.add(desc)

	a, err := c.Encode(btcusdt(), desc)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b, err := c.Encode(btcusdt(), desc)
		require.NoError(t, err)
		assert.Equal(t, c.Frame(a), c.Frame(b))
	}
}

func TestFrame_Layout(t *testing.T) {
	c, _ := newCodec(t, schema.Confluent)
	b := c.Frame(domain.FramedPayload{Fingerprint: []byte{0, 0, 1, 2}, Body: []byte{9}})
	assert.Equal(t, []byte{0x00, 0, 0, 1, 2, 9}, b)

	so, _ := newCodec(t, schema.SingleObject)
	b = so.Frame(domain.FramedPayload{Fingerprint: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Body: []byte{9}})
	assert.Equal(t, []byte{0xC3, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}, b)
}

func TestDecode_UnknownFingerprint(t *testing.T) {
	c, _ := newCodec(t, schema.Confluent)
	assert.NotPanics(t, func() {
		_, err := c.Decode(context.Background(), domain.FramedPayload{Fingerprint: []byte{0, 0, 0, 42}, Body: []byte{1, 2, 3}})
		assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
	})
}

func TestUnframe_Malformed(t *testing.T) {
	c, _ := newCodec(t, schema.Confluent)

	_, err := c.Unframe([]byte{0x00, 0, 0})
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = c.Unframe([]byte{0x01, 0, 0, 0, 1, 2})
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = c.Unframe(nil)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestDecode_TruncatedBody(t *testing.T) {
	c, res := newCodec(t, schema.Confluent)
	desc := registered(t, schema.Confluent, schema.TickerSchema, 3)
	res.add(desc)

	p, err := c.Encode(btcusdt(), desc)
	require.NoError(t, err)
	p.Body = p.Body[:len(p.Body)/2]

	_, err = c.Decode(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestDecode_InvalidRecordIsMalformed(t *testing.T) {
	c, res := newCodec(t, schema.Confluent)
	desc := registered(t, schema.Confluent, schema.TickerSchema, 4)
	res.add(desc)

	w := toWire(btcusdt())
	w.Count = -1
	body, err := avro.Marshal(desc.Schema, w)
	require.NoError(t, err)
	_, err = c.Decode(context.Background(), domain.FramedPayload{Fingerprint: desc.Fingerprint, Body: body})
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	w = toWire(btcusdt())
	w.Volume = "lots"
	body, err = avro.Marshal(desc.Schema, w)
	require.NoError(t, err)
	_, err = c.Decode(context.Background(), domain.FramedPayload{Fingerprint: desc.Fingerprint, Body: body})
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestEncode_RejectsInvalidRecord(t *testing.T) {
	c, _ := newCodec(t, schema.Confluent)
	desc := registered(t, schema.Confluent, schema.TickerSchema, 1)
	r := btcusdt()
	r.Symbol = ""
	_, err := c.Encode(r, desc)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestDecode_SchemaEvolution(t *testing.T) {
	c, res := newCodec(t, schema.Confluent)

	// Writer v2 с дополнительным полем: reader v1 его пропускает.
	v2Text := strings.Replace(schema.TickerSchema,
		`{"name": "count", "type": "long"}`,
		`{"name": "count", "type": "long"},
    {"name": "quoteVolume", "type": "string", "default": "0"}`, 1)
	v2 := registered(t, schema.Confluent, v2Text, 2)
	res.add(v2)

	in := btcusdt()
	w := toWire(in)
	body, err := avro.Marshal(v2.Schema, map[string]any{
		"symbol": w.Symbol, "openPrice": w.OpenPrice, "highPrice": w.HighPrice,
		"lowPrice": w.LowPrice, "lastPrice": w.LastPrice, "volume": w.Volume,
		"openTime": w.OpenTime, "closeTime": w.CloseTime, "count": w.Count,
		"quoteVolume": "50138059.82771860",
	})
	require.NoError(t, err)

	out, err := c.Decode(context.Background(), domain.FramedPayload{Fingerprint: v2.Fingerprint, Body: body})
	require.NoError(t, err)
	assert.True(t, in.Equal(out))

	// Writer без lastPrice: reader не может заполнить поле.
	broken := registered(t, schema.Confluent, strings.Replace(schema.TickerSchema,
		`{"name": "lastPrice", "type": "string"},`, "", 1), 3)
	res.add(broken)
	_, err = c.Decode(context.Background(), domain.FramedPayload{Fingerprint: broken.Fingerprint, Body: []byte{0}})
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
}

func TestAugmentedRoundTrip(t *testing.T) {
	c, res := newCodec(t, schema.SingleObject)
	desc := registered(t, schema.SingleObject, schema.PredictionSchema, 0)
	res.add(desc)

	in := domain.AugmentedRecord{
		Record:         btcusdt(),
		PredictedValue: decimal.RequireFromString("61702.4431"),
		ModelVersion:   "batch/lr-btcusdt@3",
	}
	p, err := c.EncodeAugmented(in, desc)
	require.NoError(t, err)

	out, err := c.DecodeAugmented(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, in.Record.Equal(out.Record))
	assert.True(t, in.PredictedValue.Equal(out.PredictedValue))
	assert.Equal(t, in.ModelVersion, out.ModelVersion)

	in.ModelVersion = ""
	_, err = c.EncodeAugmented(in, desc)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}
