package eddsa

import (
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
)

// transitions is the complete state machine, keyed by operation and the round whose inputs are consumed.
// Round zero starts a session.
var transitions = map[core.Step]core.TransitionFunc{
	{Operation: core.OperationDKG, Round: 0}: keygenDeal,
	{Operation: core.OperationDKG, Round: 1}: keygenVerify,
	{Operation: core.OperationDKG, Round: 2}: keygenFinalize,

	{Operation: core.OperationSign, Round: 0}: signCommit,
	{Operation: core.OperationSign, Round: 1}: signRespond,
	{Operation: core.OperationSign, Round: 2}: signAggregate,

	{Operation: core.OperationReshare, Round: 0}: reshareDeal,
	{Operation: core.OperationReshare, Round: 1}: reshareVerify,
	{Operation: core.OperationReshare, Round: 2}: reshareStage,
	{Operation: core.OperationReshare, Round: 3}: reshareCommit,
}

var rounds = map[core.Operation]int{
	core.OperationDKG:     keygenRounds,
	core.OperationSign:    signingRounds,
	core.OperationReshare: resharingRounds,
}

// Scheme exposes threshold Ed25519 to the round driver.
type Scheme struct{}

func NewScheme() *Scheme { return &Scheme{} }

func (Scheme) Protocol() string { return ProtocolID }

func (Scheme) Rounds(op core.Operation) int { return rounds[op] }

func (Scheme) Transition(step core.Step) (core.TransitionFunc, bool) {
	fn, ok := transitions[step]
	return fn, ok
}

func (Scheme) NewState(op core.Operation, p core.Params) (core.State, error) {
	if p.Rand == nil {
		p.Rand = suite.RandomStream()
	}
	switch op {
	case core.OperationDKG:
		return newKeygenState(p)
	case core.OperationSign:
		return newSigningState(p)
	case core.OperationReshare:
		return newResharingState(p)
	}
	return nil, errors.Wrapf(core.ErrProtocolMismatch, "operation %q not supported by %s", op, ProtocolID)
}
