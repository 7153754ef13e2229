package enrich

import (
	"context"
	"fmt"

	"github.com/YaganovValera/ticker-pipeline/internal/domain"
)

// BatchStage: линейная регрессия с фиксированными весами.
type BatchStage struct {
	intercept float64
	coef      vector
	version   string
}

// LoadBatchStage загружает артефакт id. Любая ошибка: ErrModelUnavailable.
func LoadBatchStage(ctx context.Context, store ModelStore, id string) (*BatchStage, error) {
	a, err := store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("enrich: load model %q: %w: %w", id, domain.ErrModelUnavailable, err)
	}
	if a.Kind != KindLinear {
		return nil, fmt.Errorf("enrich: model %q: %w: kind %q is not %q", id, domain.ErrModelUnavailable, a.Kind, KindLinear)
	}
	return NewBatchStage(a)
}

// NewBatchStage строит стадию из готового артефакта.
func NewBatchStage(a Artifact) (*BatchStage, error) {
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("enrich: %w: %w", domain.ErrModelUnavailable, err)
	}
	s := &BatchStage{intercept: a.Intercept, version: "batch/" + a.ID}
	if a.Version != "" {
		s.version += "@" + a.Version
	}
	for i, name := range FeatureNames {
		s.coef[i] = a.Coefficients[name]
	}
	return s, nil
}

func (s *BatchStage) Enrich(r domain.Record) (domain.AugmentedRecord, error) {
	x := features(r)
	y := s.intercept
	for i := range x {
		y += s.coef[i] * x[i]
	}
	return augment(r, y, s.version)
}

func (s *BatchStage) ModelVersion() string { return s.version }
