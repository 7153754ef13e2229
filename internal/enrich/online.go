package enrich

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/YaganovValera/ticker-pipeline/internal/domain"
)

// RunningStat: среднее и дисперсия по Welford.
type RunningStat struct {
	N    int64   `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

func (s *RunningStat) push(x float64) {
	s.N++
	d := x - s.Mean
	s.Mean += d / float64(s.N)
	s.M2 += d * (x - s.Mean)
}

func (s RunningStat) std() float64 {
	if s.N < 2 {
		return 0
	}
	return math.Sqrt(s.M2 / float64(s.N))
}

func (s RunningStat) scale(x float64) float64 {
	sd := s.std()
	if sd == 0 {
		return 0
	}
	return (x - s.Mean) / sd
}

// OnlineConfig: гиперпараметры SGD.
type OnlineConfig struct {
	ID           string  `mapstructure:"id"`
	LearningRate float64 `mapstructure:"learning_rate"`
	L2           float64 `mapstructure:"l2"`
	Clip         float64 `mapstructure:"clip"`
}

func (c *OnlineConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "sgd"
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.Clip <= 0 {
		c.Clip = 1e3
	}
}

// OnlineStage: линейная регрессия, обучаемая по одной записи.
// Признаки и цель стандартизуются бегущими средним/дисперсией, поэтому
// цены порядка 1e4 и объёмы порядка 1e3 не разгоняют градиент.
//
// Checkpoint снимается из другой горутины при остановке, поэтому под mu.
type OnlineStage struct {
	mu      sync.Mutex
	cfg     OnlineConfig
	bias    float64
	weights vector
	x       [numFeatures]RunningStat
	y       RunningStat
	seen    int64
}

func NewOnlineStage(cfg OnlineConfig) *OnlineStage {
	cfg.applyDefaults()
	return &OnlineStage{cfg: cfg}
}

// RestoreOnlineStage продолжает обучение с сохранённого чекпоинта.
func RestoreOnlineStage(cfg OnlineConfig, a Artifact) (*OnlineStage, error) {
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("enrich: restore: %w: %w", domain.ErrModelUnavailable, err)
	}
	if a.Kind != KindOnlineSGD {
		return nil, fmt.Errorf("enrich: restore %q: %w: kind %q is not %q", a.ID, domain.ErrModelUnavailable, a.Kind, KindOnlineSGD)
	}
	cfg.ID = a.ID
	s := NewOnlineStage(cfg)
	st := a.Online
	s.seen, s.bias, s.y = st.Seen, st.Bias, st.Y
	for i, name := range FeatureNames {
		s.weights[i] = st.Weights[name]
		s.x[i] = st.X[name]
	}
	return s, nil
}

func (s *OnlineStage) Enrich(r domain.Record) (domain.AugmentedRecord, error) {
	s.mu.Lock()
	y, version := s.predict(features(r)), s.version()
	s.mu.Unlock()
	return augment(r, y, version)
}

func (s *OnlineStage) predict(x vector) float64 {
	z := s.bias
	for i := range x {
		z += s.weights[i] * s.x[i].scale(x[i])
	}
	sd := s.y.std()
	if sd == 0 {
		return s.y.Mean + z
	}
	return s.y.Mean + sd*z
}

// Learn обновляет статистики и делает шаг SGD по квадратичной ошибке.
func (s *OnlineStage) Learn(r domain.Record, observed decimal.Decimal) error {
	x := features(r)
	y := observed.InexactFloat64()
	if !finite(y) {
		return fmt.Errorf("enrich: learn: %w: observed %v", domain.ErrMalformedPayload, y)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range x {
		s.x[i].push(x[i])
	}
	s.y.push(y)
	s.seen++

	var z vector
	pred := s.bias
	for i := range x {
		z[i] = s.x[i].scale(x[i])
		pred += s.weights[i] * z[i]
	}
	grad := pred - s.y.scale(y)
	grad = math.Max(-s.cfg.Clip, math.Min(s.cfg.Clip, grad))

	lr := s.cfg.LearningRate
	for i := range z {
		s.weights[i] -= lr * (grad*z[i] + s.cfg.L2*s.weights[i])
	}
	s.bias -= lr * grad
	return nil
}

func (s *OnlineStage) ModelVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version()
}

func (s *OnlineStage) version() string {
	return "online/" + s.cfg.ID + "@" + strconv.FormatInt(s.seen, 10)
}

// Checkpoint снимает состояние для ModelStore.Save.
func (s *OnlineStage) Checkpoint() Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &OnlineState{
		Seen:    s.seen,
		Bias:    s.bias,
		Weights: make(map[string]float64, numFeatures),
		X:       make(map[string]RunningStat, numFeatures),
		Y:       s.y,
	}
	for i, name := range FeatureNames {
		st.Weights[name] = s.weights[i]
		st.X[name] = s.x[i]
	}
	return Artifact{
		ID:      s.cfg.ID,
		Version: strconv.FormatInt(s.seen, 10),
		Kind:    KindOnlineSGD,
		Online:  st,
	}
}
