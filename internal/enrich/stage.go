// Package enrich добавляет к записи тикера предсказание lastPrice.
//
// Две независимые реализации Stage: BatchStage (заранее обученная линейная
// регрессия из ModelStore) и OnlineStage (инкрементальная регрессия,
// обучается на каждой записи). Выбор: по model.mode.
package enrich

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/YaganovValera/ticker-pipeline/internal/domain"
)

// Stage: предсказатель. Enrich не выполняет I/O и не меняет запись.
type Stage interface {
	Enrich(r domain.Record) (domain.AugmentedRecord, error)
	ModelVersion() string
}

// Learner: стадия, которая дообучается на наблюдаемом значении.
type Learner interface {
	Learn(r domain.Record, observed decimal.Decimal) error
}

// FeatureNames: признаки модели в фиксированном порядке. Цель, lastPrice.
var FeatureNames = [numFeatures]string{"openPrice", "highPrice", "lowPrice", "volume", "count"}

const numFeatures = 5

// predictionPlaces: знаков после запятой в PredictedValue.
const predictionPlaces = 8

type vector [numFeatures]float64

func features(r domain.Record) vector {
	return vector{
		r.OpenPrice.InexactFloat64(),
		r.HighPrice.InexactFloat64(),
		r.LowPrice.InexactFloat64(),
		r.Volume.InexactFloat64(),
		float64(r.Count),
	}
}

func augment(r domain.Record, y float64, version string) (domain.AugmentedRecord, error) {
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return domain.AugmentedRecord{}, fmt.Errorf("enrich: %s: %w: non-finite prediction %v", r.Symbol, domain.ErrMalformedPayload, y)
	}
	return domain.AugmentedRecord{
		Record:         r,
		PredictedValue: decimal.NewFromFloat(y).Round(predictionPlaces),
		ModelVersion:   version,
	}, nil
}
