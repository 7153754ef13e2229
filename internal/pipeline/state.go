package pipeline

import "errors"

// State: состояние Runner'а. Переходы только вперёд:
// Idle → Running → Draining → Stopped (Running → Stopped при фатальной ошибке).
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrRunnerStopped = errors.New("pipeline: runner is stopped")
	ErrRunnerBusy    = errors.New("pipeline: runner is already running")
)

func allowed(from, to State) bool {
	switch from {
	case Idle:
		return to == Running || to == Stopped
	case Running:
		return to == Draining || to == Stopped
	case Draining:
		return to == Stopped
	default:
		return false
	}
}
