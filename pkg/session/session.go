package session

import (
	"crypto/cipher"
	"sync"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
)

// Hooks connect a session to storage. Every hook runs with the session locked, so a hook must not call back
// into the Manager.
type Hooks struct {
	// Guard wraps each protocol step. Signing uses it to hold the share for the duration of the step.
	Guard func(step func() error) error
	// Stage stores a non-final artifact before the messages of the same step leave the node.
	Stage func(a *core.Artifact) error
	// Finish receives the final artifact. An error aborts the session instead of completing it.
	Finish func(a *core.Artifact) error
	// Abort runs once when the session aborts, for any reason.
	Abort func(reason core.AbortReason)
}

// Spec describes a session to open.
type Spec struct {
	// SessionID is the coordinator-assigned id. A time-ordered id is generated when empty.
	SessionID string
	Operation core.Operation
	KeyID     string
	// Discriminator separates sessions that may run concurrently for the same key and operation,
	// such as signing different transactions.
	Discriminator string
	Policy        core.ThresholdPolicy
	Share         *core.KeyShare
	Message       []byte
	Reshare       *core.ReshareParams
	// Protocol and Rounds are what the coordinator expects. Empty values accept the local scheme.
	Protocol string
	Rounds   int
	Timeout  time.Duration
	Hooks    Hooks
	Rand     cipher.Stream
}

type Result struct {
	SessionID string
	Operation core.Operation
	KeyID     string
	// Discriminator echoes Spec.Discriminator.
	Discriminator string
	Status        core.Status
	Artifact      *core.Artifact
	Reason        core.AbortReason
	Err           error
	Culprits      []int
}

type outbound struct {
	to  string
	msg *core.RoundMessage
}

// Session is one in-flight protocol run. It is never persisted.
type Session struct {
	ID        string
	Operation core.Operation
	KeyID     string
	Policy    core.ThresholdPolicy
	CreatedAt time.Time
	Deadline  time.Time

	dedupKey      string
	discriminator string
	protocol      string
	self          int
	hooks         Hooks

	mu         sync.Mutex
	state      core.State
	buffers    map[int]core.RoundInputs
	roundStart time.Time
	status     core.Status
	result     Result
	outbox     []outbound
	finished   bool
	reported   bool

	// sendMu keeps the outbox flushed in order.
	sendMu sync.Mutex
	done   chan struct{}
}

func (s *Session) Status() core.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Round returns the round the session waits for.
func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return 0
	}
	return s.state.Round()
}

func (s *Session) guard(step func() error) error {
	if s.hooks.Guard == nil {
		return step()
	}
	return s.hooks.Guard(step)
}

func (s *Session) buffer(round int) core.RoundInputs {
	b, ok := s.buffers[round]
	if !ok {
		b = core.RoundInputs{}
		s.buffers[round] = b
	}
	return b
}

// queue addresses the messages of one step. To == 0 goes to every other participant.
func (s *Session) queue(round int, out []core.Outgoing) {
	for _, o := range out {
		targets := s.Policy.Participants
		if o.To != 0 {
			pt, ok := s.Policy.ByIndex(o.To)
			if !ok {
				continue
			}
			targets = []core.Participant{pt}
		}
		for _, pt := range targets {
			if pt.Index == s.self {
				continue
			}
			s.outbox = append(s.outbox, outbound{to: pt.ID, msg: &core.RoundMessage{
				SessionID: s.ID,
				Operation: s.Operation,
				Protocol:  s.protocol,
				Kind:      core.KindRound,
				Round:     round,
				Payload:   o.Payload,
				Private:   o.Private,
			}})
		}
	}
}

func (s *Session) queueAbort(reason core.AbortReason) {
	round := 0
	if s.state != nil {
		round = s.state.Round()
	}
	for _, pt := range s.Policy.Participants {
		if pt.Index == s.self {
			continue
		}
		s.outbox = append(s.outbox, outbound{to: pt.ID, msg: &core.RoundMessage{
			SessionID: s.ID,
			Operation: s.Operation,
			Protocol:  s.protocol,
			Kind:      core.KindAbort,
			Round:     round,
			Payload:   []byte(reason),
		}})
	}
}
