package train

import (
	"fmt"
	"math"
)

// State is the trainer's position in its lifecycle.
type State int

// Trainer states.
const (
	StateRunning State = iota
	StateImproved
	StateStagnant
	StateEarlyStopped
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateImproved:
		return "improved"
	case StateStagnant:
		return "stagnant"
	case StateEarlyStopped:
		return "early_stopped"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Monitor tracks the best validation loss and counts stagnant epochs.
// An epoch improves only when its loss is strictly below the best so far.
type Monitor struct {
	patience  int
	best      float64
	bestEpoch int
	wait      int
}

// NewMonitor returns a monitor that stops after patience stagnant epochs
// in a row.
func NewMonitor(patience int) *Monitor {
	return &Monitor{patience: patience, best: math.Inf(1)}
}

// Observe records the validation loss of epoch and returns StateImproved,
// StateStagnant or StateEarlyStopped.
func (m *Monitor) Observe(epoch int, valLoss float64) State {
	if valLoss < m.best {
		m.best = valLoss
		m.bestEpoch = epoch
		m.wait = 0
		return StateImproved
	}
	m.wait++
	if m.wait >= m.patience {
		return StateEarlyStopped
	}
	return StateStagnant
}

// Best returns the best epoch and its loss. Epoch is 0 before any
// improvement.
func (m *Monitor) Best() (int, float64) { return m.bestEpoch, m.best }

// Wait returns the number of stagnant epochs since the last improvement.
func (m *Monitor) Wait() int { return m.wait }
