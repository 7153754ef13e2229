package enrich

import (
	"fmt"
	"math"
)

const (
	KindLinear    = "linear"
	KindOnlineSGD = "online-sgd"
)

// Artifact: JSON-документ модели в ModelStore.
//
//	{"id":"lr-btcusdt","version":"3","kind":"linear",
//	 "intercept":1.5,"coefficients":{"openPrice":0.2,...}}
//
// Для kind=online-sgd дополнительно хранится состояние онлайн-модели.
type Artifact struct {
	ID           string             `json:"id"`
	Version      string             `json:"version"`
	Kind         string             `json:"kind"`
	Intercept    float64            `json:"intercept"`
	Coefficients map[string]float64 `json:"coefficients"`
	Online       *OnlineState       `json:"online,omitempty"`
}

// OnlineState: всё, что нужно OnlineStage для продолжения обучения.
type OnlineState struct {
	Seen    int64                  `json:"seen"`
	Bias    float64                `json:"bias"`
	Weights map[string]float64     `json:"weights"`
	X       map[string]RunningStat `json:"x"`
	Y       RunningStat            `json:"y"`
}

func (a Artifact) validate() error {
	if a.ID == "" {
		return fmt.Errorf("artifact: empty id")
	}
	switch a.Kind {
	case KindLinear:
	case KindOnlineSGD:
		if a.Online == nil {
			return fmt.Errorf("artifact %s: kind %s without state", a.ID, a.Kind)
		}
	default:
		return fmt.Errorf("artifact %s: unsupported kind %q", a.ID, a.Kind)
	}
	if !finite(a.Intercept) {
		return fmt.Errorf("artifact %s: intercept is not finite", a.ID)
	}
	known := make(map[string]bool, numFeatures)
	for _, n := range FeatureNames {
		known[n] = true
	}
	for name, w := range a.Coefficients {
		if !known[name] {
			return fmt.Errorf("artifact %s: unknown feature %q", a.ID, name)
		}
		if !finite(w) {
			return fmt.Errorf("artifact %s: coefficient %s is not finite", a.ID, name)
		}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
