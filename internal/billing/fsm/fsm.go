package fsm

import (
	"errors"
	"fmt"
)

// Status constants for a purchase reconciliation attempt. Attempts are
// ephemeral, one per request; the machine keeps the engine honest about the
// order of phases.
const (
	StatusIdle        = "idle"
	StatusPurchasing  = "purchasing"
	StatusVerifying   = "verifying"
	StatusClassifying = "classifying"
	StatusGranted     = "granted"
	StatusDenied      = "denied"
	StatusRetrying    = "retrying"
	StatusTerminal    = "terminal"
)

var ErrInvalidTransition = errors.New("invalid attempt transition")

var transitions = map[string]map[string]struct{}{
	StatusIdle: {StatusPurchasing: {}, StatusTerminal: {}},
	StatusPurchasing: {
		StatusVerifying: {},
		StatusDenied:    {},
		StatusTerminal:  {},
	},
	StatusVerifying: {
		StatusClassifying: {},
		StatusDenied:      {},
	},
	StatusClassifying: {
		StatusGranted:  {},
		StatusDenied:   {},
		StatusRetrying: {},
	},
	StatusRetrying: {StatusPurchasing: {}, StatusDenied: {}},
	StatusGranted:  {StatusTerminal: {}},
	StatusDenied:   {StatusTerminal: {}},
	StatusTerminal: {},
}

// CanTransition returns whether an attempt may move from one status to
// another. Same-status transitions are allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Machine tracks the status of a single attempt.
type Machine struct {
	status string
}

func NewMachine() *Machine {
	return &Machine{status: StatusIdle}
}

func (m *Machine) Status() string {
	return m.status
}

// Step advances the machine, rejecting transitions the lifecycle does not
// allow. A rejection is a programming error in the engine, not user input.
func (m *Machine) Step(to string) error {
	if !CanTransition(m.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.status, to)
	}
	m.status = to
	return nil
}

// Terminal reports whether the attempt has finished.
func (m *Machine) Terminal() bool {
	return m.status == StatusTerminal
}
