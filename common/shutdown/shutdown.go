// Package shutdown: остановка компонентов с таймаутом и в порядке,
// обратном созданию.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

// GracefulShutdown выполняет fn с таймаутом и логирует результат.
func GracefulShutdown(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		log.Error("shutdown: "+name+" failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		return fmt.Errorf("shutdown %s: %w", name, err)
	}
	log.Info("shutdown: "+name+" stopped", zap.Duration("took", time.Since(start)))
	return nil
}

// Closer адаптирует Close() к сигнатуре GracefulShutdown.
func Closer(c interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Stack копит шаги остановки по мере создания компонентов и выполняет
// их в обратном порядке: producer закрывается после источника, который в
// него пишет, tracer: последним.
type Stack struct {
	timeout time.Duration
	log     *logger.Logger

	mu    sync.Mutex
	steps []step
	done  bool
}

// NewStack: timeout действует на каждый шаг отдельно.
func NewStack(timeout time.Duration, log *logger.Logger) *Stack {
	return &Stack{timeout: timeout, log: log}
}

func (s *Stack) Push(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, fn: fn})
}

func (s *Stack) PushCloser(name string, c interface{ Close() error }) {
	s.Push(name, Closer(c))
}

// Run выполняет все шаги (ошибка одного не отменяет остальные) и
// возвращает их объединение. Повторный вызов ничего не делает.
func (s *Stack) Run() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := GracefulShutdown(steps[i].name, s.timeout, steps[i].fn, s.log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
