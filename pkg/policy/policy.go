// Package policy admits coordinator requests and peer messages and decides when a session has to abort.
package policy

import (
	"strings"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/trust"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Engine holds the local guardian's view of who may take part in and who may request a session.
type Engine struct {
	self        string
	coordinator string
	verifier    trust.Verifier
}

// NewEngine builds an engine for guardian self. An empty coordinator accepts requests signed by any identity
// the verifier knows.
func NewEngine(self, coordinator string, verifier trust.Verifier) *Engine {
	return &Engine{self: self, coordinator: coordinator, verifier: verifier}
}

func (e *Engine) Self() string { return e.self }

// Structure checks the invariants every policy has to satisfy, independent of the local guardian.
func Structure(p core.ThresholdPolicy) error {
	n := p.TotalParticipants
	if len(p.Participants) == 0 {
		return errors.Wrap(core.ErrPolicyInvalid, "empty participant set")
	}
	if len(p.Participants) > n {
		return errors.Wrapf(core.ErrPolicyInvalid, "total_participants %d but %d participants listed", n, len(p.Participants))
	}
	if p.Threshold < 1 || p.Threshold > n {
		return errors.Wrapf(core.ErrPolicyInvalid, "threshold %d outside 1..%d", p.Threshold, n)
	}
	for _, pt := range p.Participants {
		if pt.Index < 1 || pt.Index > n {
			return errors.Wrapf(core.ErrPolicyInvalid, "participant %q has index %d outside 1..%d", pt.ID, pt.Index, n)
		}
		if pt.ID == "" || strings.ContainsAny(pt.ID, ". *>\t\n") {
			return errors.Wrapf(core.ErrPolicyInvalid, "participant id %q", pt.ID)
		}
	}
	if dup := lo.FindDuplicates(p.IDs()); len(dup) > 0 {
		return errors.Wrapf(core.ErrPolicyInvalid, "duplicate participants %v", dup)
	}
	if dup := lo.FindDuplicates(p.Indices()); len(dup) > 0 {
		return errors.Wrapf(core.ErrPolicyInvalid, "duplicate indices %v", dup)
	}
	if p.Aggregator != 0 && !lo.Contains(p.Indices(), p.Aggregator) {
		return errors.Wrapf(core.ErrPolicyInvalid, "aggregator %d is not a participant", p.Aggregator)
	}
	return nil
}

// Complete checks that p lists every one of its n participants, as key generation and resharing require.
func Complete(p core.ThresholdPolicy) error {
	if err := Structure(p); err != nil {
		return err
	}
	if len(p.Participants) != p.TotalParticipants {
		return errors.Wrapf(core.ErrPolicyInvalid, "%d of %d participants listed", len(p.Participants), p.TotalParticipants)
	}
	return nil
}

// Validate checks p and returns the local guardian's index in it.
func (e *Engine) Validate(p core.ThresholdPolicy) (int, error) {
	if err := Structure(p); err != nil {
		return 0, err
	}
	idx, ok := p.IndexOf(e.self)
	if !ok {
		return 0, errors.Wrapf(core.ErrPolicyInvalid, "guardian %s is not a participant", e.self)
	}
	return idx, nil
}

// ValidateSign checks a signing policy against the share it will consume. The participant set of a signing
// policy is the signing subset and every signer must hold a share of the key under the same index. A subset
// smaller than the threshold is admitted; its session waits for signers that never join and times out.
func (e *Engine) ValidateSign(p core.ThresholdPolicy, ks *core.KeyShare) error {
	if _, err := e.Validate(p); err != nil {
		return err
	}
	if p.Threshold != ks.Threshold {
		return errors.Wrapf(core.ErrPolicyInvalid, "threshold %d, key %s has %d", p.Threshold, ks.KeyID, ks.Threshold)
	}
	if p.TotalParticipants != len(ks.Participants) {
		return errors.Wrapf(core.ErrPolicyInvalid, "total_participants %d, key %s has %d", p.TotalParticipants, ks.KeyID, len(ks.Participants))
	}
	holders := ks.Policy()
	for _, pt := range p.Participants {
		idx, ok := holders.IndexOf(pt.ID)
		if !ok || idx != pt.Index {
			return errors.Wrapf(core.ErrPolicyInvalid, "%s holds no share %d of key %s", pt.ID, pt.Index, ks.KeyID)
		}
	}
	return nil
}

// ValidateRecovery checks that req swaps exactly the replaced guardian for the new one and keeps the threshold.
// It returns the local guardian's index in the new policy.
func (e *Engine) ValidateRecovery(req core.RecoveryRequest) (int, error) {
	if req.KeyID == "" {
		return 0, errors.Wrap(core.ErrPolicyInvalid, "recovery without key id")
	}
	if err := Complete(req.OldPolicy); err != nil {
		return 0, errors.Wrap(err, "old policy")
	}
	if err := Complete(req.NewPolicy); err != nil {
		return 0, errors.Wrap(err, "new policy")
	}
	self, err := e.Validate(req.NewPolicy)
	if err != nil {
		return 0, errors.Wrap(err, "new policy")
	}
	if req.NewPolicy.Threshold != req.OldPolicy.Threshold {
		return 0, errors.Wrapf(core.ErrPolicyInvalid, "threshold change %d -> %d", req.OldPolicy.Threshold, req.NewPolicy.Threshold)
	}
	replaced, ok := req.OldPolicy.ByIndex(req.ReplacedIndex)
	if !ok {
		return 0, errors.Wrapf(core.ErrPolicyInvalid, "replaced index %d is not in the old policy", req.ReplacedIndex)
	}
	if req.NewGuardian.Index != req.ReplacedIndex {
		return 0, errors.Wrapf(core.ErrPolicyInvalid, "new guardian takes index %d, replaced %d", req.NewGuardian.Index, req.ReplacedIndex)
	}
	if req.NewGuardian.ID == replaced.ID || req.OldPolicy.Contains(req.NewGuardian.ID) {
		return 0, errors.Wrapf(core.ErrPolicyInvalid, "new guardian %s already holds a share", req.NewGuardian.ID)
	}

	want := lo.Map(req.OldPolicy.Participants, func(pt core.Participant, _ int) core.Participant {
		if pt.Index == req.ReplacedIndex {
			return req.NewGuardian
		}
		return pt
	})
	if !lo.ElementsMatch(want, req.NewPolicy.Participants) {
		return 0, errors.Wrap(core.ErrPolicyInvalid, "new policy must only swap the replaced guardian")
	}
	if len(req.Dealers()) < req.OldPolicy.Threshold {
		return 0, errors.Wrapf(core.ErrPolicyInvalid, "%d surviving guardians cannot reshare a %d-threshold key", len(req.Dealers()), req.OldPolicy.Threshold)
	}
	return self, nil
}

// AuthorizeRequest checks the coordinator signature over a request's canonical bytes.
func (e *Engine) AuthorizeRequest(signer string, sig, raw []byte) error {
	if e.coordinator != "" && signer != e.coordinator {
		return errors.Wrapf(core.ErrUnauthorized, "request signed by %q", signer)
	}
	if e.verifier == nil || !e.verifier.Verify(signer, sig, raw) {
		return errors.Wrapf(core.ErrUnauthorized, "bad request signature from %q", signer)
	}
	return nil
}

// AuthorizeMessage checks that msg comes from a participant of p and carries that participant's signature.
// It returns the sender's index.
func (e *Engine) AuthorizeMessage(p core.ThresholdPolicy, msg *core.RoundMessage) (int, error) {
	idx, ok := p.IndexOf(msg.Sender)
	if !ok || msg.Sender == e.self {
		return 0, errors.Wrapf(core.ErrUnauthorized, "sender %q is not a peer in session %s", msg.Sender, msg.SessionID)
	}
	if msg.Recipient != e.self {
		return 0, errors.Wrapf(core.ErrUnauthorized, "message addressed to %q", msg.Recipient)
	}
	if e.verifier != nil {
		raw, err := msg.Raw()
		if err != nil {
			return 0, errors.Wrap(core.ErrUnauthorized, err.Error())
		}
		if !e.verifier.Verify(msg.Sender, msg.Signature, raw) {
			return 0, errors.Wrapf(core.ErrUnauthorized, "bad signature from %s", msg.Sender)
		}
	}
	return idx, nil
}

type EventKind int

const (
	// EventDeadline is a deadline check at Event.At.
	EventDeadline EventKind = iota
	// EventStepFailed is an error from a protocol step or a storage hook.
	EventStepFailed
	// EventRejected is a message turned away at the session boundary.
	EventRejected
	// EventPeerAbort is an abort notice from a participant.
	EventPeerAbort
	// EventCancel is an abort requested by the coordinator.
	EventCancel
)

type Event struct {
	Kind EventKind
	At   time.Time
	Err  error
}

// View is what abort decisions may depend on.
type View struct {
	Status   core.Status
	Deadline time.Time
}

type Decision struct {
	Abort  bool
	Reason core.AbortReason
	// Notify asks for an abort notice to every other participant.
	Notify bool
}

var proceed = Decision{}

// DecideAbort centralizes abort policy. A session that is no longer pending never aborts again. A failed step
// always ends the session since every round needs every participant; a rejected message only does when it
// shows the peers run a different protocol.
func DecideAbort(v View, ev Event) Decision {
	if v.Status != core.StatusPending {
		return proceed
	}
	switch ev.Kind {
	case EventDeadline:
		if ev.At.Before(v.Deadline) {
			return proceed
		}
		return Decision{Abort: true, Reason: core.ReasonTimeout, Notify: true}
	case EventPeerAbort:
		return Decision{Abort: true, Reason: core.ReasonPeerAborted}
	case EventCancel:
		return Decision{Abort: true, Reason: core.ReasonCancelled, Notify: true}
	case EventStepFailed:
		return Decision{Abort: true, Reason: core.ReasonFor(ev.Err), Notify: true}
	case EventRejected:
		if errors.Is(ev.Err, core.ErrProtocolMismatch) {
			return Decision{Abort: true, Reason: core.ReasonProtocolMismatch, Notify: true}
		}
	}
	return proceed
}
