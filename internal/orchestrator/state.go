package orchestrator

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a lifecycle step is taken out of order.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// State is the lifecycle stage of a run. Stages advance strictly in order.
type State int

const (
	StateIdle State = iota
	StateBuilt
	StateRunning
	StateStopped
	StateVerified
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBuilt:
		return "Built"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	case StateVerified:
		return "Verified"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// canAdvance reports whether to follows from. Verified may be skipped.
func canAdvance(from, to State) bool {
	if to == from+1 {
		return true
	}
	return from == StateStopped && to == StateDone
}

func (o *Orchestrator) advance(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !canAdvance(o.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, to)
	}
	o.logger.Debug("Orchestrator", "State %s -> %s", o.state, to)
	o.state = to
	return nil
}

// State returns the current lifecycle stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}
