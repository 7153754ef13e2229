package codec

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/YaganovValera/ticker-pipeline/internal/domain"
)

// tickerWire описывает запись на проводе: decimal как строка, время как
// epoch-миллисекунды.
type tickerWire struct {
	Symbol    string `avro:"symbol"`
	OpenPrice string `avro:"openPrice"`
	HighPrice string `avro:"highPrice"`
	LowPrice  string `avro:"lowPrice"`
	LastPrice string `avro:"lastPrice"`
	Volume    string `avro:"volume"`
	OpenTime  int64  `avro:"openTime"`
	CloseTime int64  `avro:"closeTime"`
	Count     int64  `avro:"count"`
}

type predictionWire struct {
	Symbol         string `avro:"symbol"`
	OpenPrice      string `avro:"openPrice"`
	HighPrice      string `avro:"highPrice"`
	LowPrice       string `avro:"lowPrice"`
	LastPrice      string `avro:"lastPrice"`
	Volume         string `avro:"volume"`
	OpenTime       int64  `avro:"openTime"`
	CloseTime      int64  `avro:"closeTime"`
	Count          int64  `avro:"count"`
	PredictedValue string `avro:"predictedValue"`
	ModelVersion   string `avro:"modelVersion"`
}

func toWire(r domain.Record) tickerWire {
	return tickerWire{
		Symbol:    r.Symbol,
		OpenPrice: r.OpenPrice.String(),
		HighPrice: r.HighPrice.String(),
		LowPrice:  r.LowPrice.String(),
		LastPrice: r.LastPrice.String(),
		Volume:    r.Volume.String(),
		OpenTime:  domain.Millis(r.OpenTime),
		CloseTime: domain.Millis(r.CloseTime),
		Count:     r.Count,
	}
}

func (w tickerWire) record() (domain.Record, error) {
	var (
		r   = domain.Record{Symbol: w.Symbol, Count: w.Count}
		err error
	)
	parse := func(name, s string) decimal.Decimal {
		if err != nil {
			return decimal.Decimal{}
		}
		d, perr := decimal.NewFromString(s)
		if perr != nil {
			err = fmt.Errorf("%w: %s %q: %w", domain.ErrMalformedPayload, name, s, perr)
		}
		return d
	}
	r.OpenPrice = parse("openPrice", w.OpenPrice)
	r.HighPrice = parse("highPrice", w.HighPrice)
	r.LowPrice = parse("lowPrice", w.LowPrice)
	r.LastPrice = parse("lastPrice", w.LastPrice)
	r.Volume = parse("volume", w.Volume)
	if err != nil {
		return domain.Record{}, err
	}
	r.OpenTime = domain.FromMillis(w.OpenTime)
	r.CloseTime = domain.FromMillis(w.CloseTime)
	return r, nil
}

func toPredictionWire(a domain.AugmentedRecord) predictionWire {
	t := toWire(a.Record)
	return predictionWire{
		Symbol:         t.Symbol,
		OpenPrice:      t.OpenPrice,
		HighPrice:      t.HighPrice,
		LowPrice:       t.LowPrice,
		LastPrice:      t.LastPrice,
		Volume:         t.Volume,
		OpenTime:       t.OpenTime,
		CloseTime:      t.CloseTime,
		Count:          t.Count,
		PredictedValue: a.PredictedValue.String(),
		ModelVersion:   a.ModelVersion,
	}
}

func (w predictionWire) augmented() (domain.AugmentedRecord, error) {
	r, err := tickerWire{
		Symbol: w.Symbol, OpenPrice: w.OpenPrice, HighPrice: w.HighPrice, LowPrice: w.LowPrice,
		LastPrice: w.LastPrice, Volume: w.Volume, OpenTime: w.OpenTime, CloseTime: w.CloseTime, Count: w.Count,
	}.record()
	if err != nil {
		return domain.AugmentedRecord{}, err
	}
	pv, err := decimal.NewFromString(w.PredictedValue)
	if err != nil {
		return domain.AugmentedRecord{}, fmt.Errorf("%w: predictedValue %q: %w", domain.ErrMalformedPayload, w.PredictedValue, err)
	}
	return domain.AugmentedRecord{Record: r, PredictedValue: pv, ModelVersion: w.ModelVersion}, nil
}
