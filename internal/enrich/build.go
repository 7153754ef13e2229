package enrich

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
	"github.com/YaganovValera/ticker-pipeline/internal/domain"
)

const (
	ModeBatch  = "batch"
	ModeOnline = "online"
)

// Config выбирает реализацию стадии.
type Config struct {
	Mode    string       `mapstructure:"mode"`     // batch | online
	ModelID string       `mapstructure:"model_id"` // id артефакта (batch) или чекпоинта (online)
	Online  OnlineConfig `mapstructure:"online"`
}

// Build создаёт стадию по cfg.Mode.
//
// batch: артефакт обязателен, иначе ErrModelUnavailable.
// online: чекпоинт необязателен; если его нет, модель начинается с нуля.
func Build(ctx context.Context, cfg Config, store ModelStore, log *logger.Logger) (Stage, error) {
	switch cfg.Mode {
	case ModeBatch:
		s, err := LoadBatchStage(ctx, store, cfg.ModelID)
		if err != nil {
			return nil, err
		}
		log.Info("batch model loaded", zap.String("version", s.ModelVersion()))
		return s, nil

	case ModeOnline, "":
		oc := cfg.Online
		if oc.ID == "" {
			oc.ID = cfg.ModelID
		}
		if oc.ID == "" {
			return NewOnlineStage(oc), nil
		}
		a, err := store.Load(ctx, oc.ID)
		switch {
		case errors.Is(err, ErrArtifactNotFound):
			log.Info("no online checkpoint, starting fresh", zap.String("id", oc.ID))
			return NewOnlineStage(oc), nil
		case err != nil:
			return nil, fmt.Errorf("enrich: load checkpoint %q: %w: %w", oc.ID, domain.ErrModelUnavailable, err)
		}
		s, err := RestoreOnlineStage(oc, a)
		if err != nil {
			return nil, err
		}
		log.Info("online model restored", zap.String("version", s.ModelVersion()))
		return s, nil

	default:
		return nil, fmt.Errorf("enrich: unknown model mode %q", cfg.Mode)
	}
}
