// Package driver advances threshold protocols round by round. It performs no I/O: every call maps a state
// and a complete round buffer onto the next state and the messages or artifact that result.
package driver

import (
	"slices"

	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
)

// Scheme is a concrete threshold protocol expressed as a transition table.
type Scheme interface {
	Protocol() string
	Rounds(op core.Operation) int
	NewState(op core.Operation, p core.Params) (core.State, error)
	Transition(step core.Step) (core.TransitionFunc, bool)
}

type Driver struct {
	scheme Scheme
}

func New(scheme Scheme) *Driver {
	return &Driver{scheme: scheme}
}

func (d *Driver) Protocol() string { return d.scheme.Protocol() }

func (d *Driver) Rounds(op core.Operation) int { return d.scheme.Rounds(op) }

// Check rejects a session whose expected protocol or round count differs from the local one.
// Empty values accept the local configuration.
func (d *Driver) Check(op core.Operation, protocol string, rounds int) error {
	if protocol != "" && protocol != d.scheme.Protocol() {
		return errors.Wrapf(core.ErrProtocolMismatch, "peer protocol %q, local %q", protocol, d.scheme.Protocol())
	}
	local := d.scheme.Rounds(op)
	if local == 0 {
		return errors.Wrapf(core.ErrProtocolMismatch, "operation %q unsupported", op)
	}
	if rounds != 0 && rounds != local {
		return errors.Wrapf(core.ErrProtocolMismatch, "%s expects %d rounds, local %d", op, rounds, local)
	}
	return nil
}

// Start builds the initial state and produces the first round's messages.
func (d *Driver) Start(op core.Operation, p core.Params) (core.State, core.Transition, error) {
	st, err := d.scheme.NewState(op, p)
	if err != nil {
		return nil, core.Transition{}, err
	}
	return d.step(st, core.Step{Operation: op, Round: 0}, nil)
}

// Advance consumes the complete buffer of the round st awaits.
func (d *Driver) Advance(st core.State, in core.RoundInputs) (core.State, core.Transition, error) {
	round := st.Round()
	if round < 1 || round > st.Rounds() {
		return nil, core.Transition{}, errors.Wrapf(core.ErrProtocolMismatch, "round %d outside 1..%d", round, st.Rounds())
	}
	expected := st.Expected(round)
	if len(in) != len(expected) {
		return nil, core.Transition{}, errors.Wrapf(core.ErrProtocolMismatch, "round %d has %d inputs, want %d", round, len(in), len(expected))
	}
	for sender := range in {
		if !slices.Contains(expected, sender) {
			return nil, core.Transition{}, errors.Wrapf(core.ErrProtocolMismatch, "unexpected sender %d in round %d", sender, round)
		}
	}
	return d.step(st, core.Step{Operation: st.Operation(), Round: round}, in)
}

func (d *Driver) step(st core.State, step core.Step, in core.RoundInputs) (core.State, core.Transition, error) {
	fn, ok := d.scheme.Transition(step)
	if !ok {
		return nil, core.Transition{}, errors.Wrapf(core.ErrProtocolMismatch, "no transition for %s round %d", step.Operation, step.Round)
	}
	return fn(st, in)
}
