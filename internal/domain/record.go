// Package domain содержит типы данных конвейера и классификацию ошибок.
package domain

import (
	"bytes"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Record: одна котировка тикера (24h mini ticker Binance).
// Значение неизменяемо: передаётся по значению, decimal.Decimal сам
// по себе immutable.
type Record struct {
	Symbol    string
	OpenPrice decimal.Decimal
	HighPrice decimal.Decimal
	LowPrice  decimal.Decimal
	LastPrice decimal.Decimal
	Volume    decimal.Decimal
	OpenTime  time.Time
	CloseTime time.Time
	Count     int64
}

// Validate проверяет инварианты записи после декодирования.
func (r Record) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrMalformedPayload)
	}
	for name, v := range map[string]decimal.Decimal{
		"openPrice": r.OpenPrice,
		"highPrice": r.HighPrice,
		"lowPrice":  r.LowPrice,
		"lastPrice": r.LastPrice,
		"volume":    r.Volume,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s is negative (%s)", ErrMalformedPayload, name, v)
		}
	}
	if r.Count < 0 {
		return fmt.Errorf("%w: count is negative (%d)", ErrMalformedPayload, r.Count)
	}
	if r.CloseTime.Before(r.OpenTime) {
		return fmt.Errorf("%w: closeTime %s before openTime %s",
			ErrMalformedPayload, r.CloseTime.Format(time.RFC3339Nano), r.OpenTime.Format(time.RFC3339Nano))
	}
	return nil
}

// Equal сравнивает значения полей (decimal и time: по значению, а не по
// представлению).
func (r Record) Equal(o Record) bool {
	return r.Symbol == o.Symbol &&
		r.OpenPrice.Equal(o.OpenPrice) &&
		r.HighPrice.Equal(o.HighPrice) &&
		r.LowPrice.Equal(o.LowPrice) &&
		r.LastPrice.Equal(o.LastPrice) &&
		r.Volume.Equal(o.Volume) &&
		r.OpenTime.Equal(o.OpenTime) &&
		r.CloseTime.Equal(o.CloseTime) &&
		r.Count == o.Count
}

// AugmentedRecord: запись плюс предсказание модели.
type AugmentedRecord struct {
	Record
	PredictedValue decimal.Decimal
	ModelVersion   string
}

// FramedPayload: тело Avro и отпечаток схемы, которой оно записано.
type FramedPayload struct {
	Fingerprint []byte
	Body        []byte
}

// Equal: побайтовое сравнение.
func (p FramedPayload) Equal(o FramedPayload) bool {
	return bytes.Equal(p.Fingerprint, o.Fingerprint) && bytes.Equal(p.Body, o.Body)
}

// FromMillis переводит epoch-миллисекунды в UTC time.Time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Millis: обратное преобразование; точность ниже миллисекунды теряется.
func Millis(t time.Time) int64 { return t.UnixMilli() }
