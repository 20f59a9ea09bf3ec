package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/metrics"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/mpc/driver"
	"github.com/fystack/mpcium-guardian/pkg/policy"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	sendTimeout         = 10 * time.Second
	defaultTombstoneTTL = 10 * time.Minute
)

// Sender delivers a round message to one guardian. The peer adapter implements it.
type Sender interface {
	Send(ctx context.Context, to string, msg *core.RoundMessage) error
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithResultHandler is called once per session after it completed or aborted.
func WithResultHandler(fn func(Result)) Option {
	return func(m *Manager) { m.onResult = fn }
}

// WithOpenHandler is called after a session has been opened and its first messages sent.
func WithOpenHandler(fn func(sessionID string)) Option {
	return func(m *Manager) { m.onOpen = fn }
}

// WithTombstoneTTL sets how long finished session ids are remembered.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.tombstoneTTL = ttl
		}
	}
}

type tombstone struct {
	result Result
	until  time.Time
}

// Manager owns every in-flight session of the local guardian. Sessions live in memory only; a restarted
// guardian forgets them and the coordinator opens new ones.
type Manager struct {
	driver       *driver.Driver
	policy       *policy.Engine
	sender       Sender
	timeout      time.Duration
	tombstoneTTL time.Duration
	now          func() time.Time
	onResult     func(Result)
	onOpen       func(string)

	mu         sync.Mutex
	sessions   map[string]*Session
	active     map[string]string
	tombstones map[string]tombstone

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewManager creates a session manager. timeout is the deadline given to sessions that do not set one.
func NewManager(d *driver.Driver, engine *policy.Engine, sender Sender, timeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		driver:       d,
		policy:       engine,
		sender:       sender,
		timeout:      timeout,
		tombstoneTTL: defaultTombstoneTTL,
		now:          time.Now,
		sessions:     make(map[string]*Session),
		active:       make(map[string]string),
		tombstones:   make(map[string]tombstone),
		stopChan:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func dedupKey(spec Spec) string {
	return string(spec.Operation) + "/" + spec.KeyID + "/" + spec.Discriminator
}

// Open admits spec, starts the protocol and returns the session id. A session that fails while starting is
// aborted, remembered and reported like any other.
func (m *Manager) Open(spec Spec) (string, error) {
	if !spec.Operation.Valid() {
		return "", errors.Wrapf(core.ErrPolicyInvalid, "operation %q", spec.Operation)
	}
	if spec.KeyID == "" {
		return "", errors.Wrap(core.ErrPolicyInvalid, "key id required")
	}
	self, err := m.policy.Validate(spec.Policy)
	if err != nil {
		return "", err
	}
	if err := m.driver.Check(spec.Operation, spec.Protocol, spec.Rounds); err != nil {
		return "", err
	}

	id := spec.SessionID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return "", errors.Wrap(err, "generate session id")
		}
		id = u.String()
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	now := m.now()
	s := &Session{
		ID:            id,
		Operation:     spec.Operation,
		KeyID:         spec.KeyID,
		Policy:        spec.Policy,
		CreatedAt:     now,
		Deadline:      now.Add(timeout),
		dedupKey:      dedupKey(spec),
		discriminator: spec.Discriminator,
		protocol:      m.driver.Protocol(),
		self:          self,
		hooks:         spec.Hooks,
		buffers:       make(map[int]core.RoundInputs),
		status:        core.StatusPending,
		done:          make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return "", errors.Wrapf(core.ErrDuplicateSession, "session %s exists", id)
	}
	if _, ok := m.tombstones[id]; ok {
		m.mu.Unlock()
		return "", errors.Wrapf(core.ErrDuplicateSession, "session %s already ran", id)
	}
	if other, ok := m.active[s.dedupKey]; ok {
		m.mu.Unlock()
		return "", errors.Wrapf(core.ErrDuplicateSession, "%s of key %s already running as %s", spec.Operation, spec.KeyID, other)
	}
	s.mu.Lock()
	m.sessions[id] = s
	m.active[s.dedupKey] = id
	m.mu.Unlock()

	metrics.SessionOpened(string(spec.Operation))
	logger.Info("Session opened",
		"session_id", id,
		"operation", spec.Operation,
		"key_id", spec.KeyID,
		"self", self,
		"participants", spec.Policy.IDs(),
		"deadline", s.Deadline,
	)

	params := core.Params{
		SessionID: id,
		KeyID:     spec.KeyID,
		Self:      self,
		Policy:    spec.Policy,
		Share:     spec.Share,
		Message:   spec.Message,
		Reshare:   spec.Reshare,
		Rand:      spec.Rand,
	}
	var (
		st core.State
		tr core.Transition
	)
	startErr := s.guard(func() error {
		var err error
		st, tr, err = m.driver.Start(spec.Operation, params)
		return err
	})
	if startErr != nil {
		m.failLocked(s, startErr)
	} else {
		s.roundStart = now
		m.applyLocked(s, st, tr)
		m.advanceLocked(s)
	}
	s.mu.Unlock()
	m.flush(s)

	if startErr != nil {
		return id, startErr
	}
	if m.onOpen != nil {
		m.onOpen(id)
	}
	return id, nil
}

// Route hands a verified peer message to its session. Duplicates and messages for finished sessions or
// completed rounds return ErrStaleRound, which callers treat as an acknowledgement.
func (m *Manager) Route(_ context.Context, msg *core.RoundMessage) error {
	m.mu.Lock()
	s, ok := m.sessions[msg.SessionID]
	_, buried := m.tombstones[msg.SessionID]
	m.mu.Unlock()
	if !ok {
		if buried {
			return errors.Wrapf(core.ErrStaleRound, "session %s finished", msg.SessionID)
		}
		metrics.MessageRejected("unknown_session")
		return errors.Wrapf(core.ErrUnknownSession, "session %s", msg.SessionID)
	}

	sender, err := m.policy.AuthorizeMessage(s.Policy, msg)
	if err != nil {
		metrics.MessageRejected("unauthorized")
		return err
	}
	err = m.route(s, sender, msg)
	m.flush(s)
	return err
}

func (m *Manager) route(s *Session, sender int, msg *core.RoundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != core.StatusPending {
		return errors.Wrapf(core.ErrStaleRound, "session %s is %s", s.ID, s.status)
	}
	if msg.Kind == core.KindAbort {
		logger.Warn("Session aborted by peer", "session_id", s.ID, "peer", msg.Sender, "reason", string(msg.Payload))
		m.decideLocked(s, policy.Event{Kind: policy.EventPeerAbort},
			errors.Wrapf(core.ErrPeerAborted, "%s: %s", msg.Sender, msg.Payload))
		return nil
	}
	if err := s.checkLocked(msg); err != nil {
		metrics.MessageRejected("protocol_mismatch")
		m.decideLocked(s, policy.Event{Kind: policy.EventRejected, Err: err}, err)
		return err
	}
	if msg.Round < s.state.Round() {
		return errors.Wrapf(core.ErrStaleRound, "round %d completed", msg.Round)
	}
	if !slices.Contains(s.state.Expected(msg.Round), sender) {
		metrics.MessageRejected("unexpected_sender")
		return errors.Wrapf(core.ErrUnauthorized, "guardian %d takes no part in round %d", sender, msg.Round)
	}
	buf := s.buffer(msg.Round)
	if _, dup := buf[sender]; dup {
		return errors.Wrapf(core.ErrStaleRound, "duplicate round %d message from %d", msg.Round, sender)
	}
	buf[sender] = msg.Payload
	m.advanceLocked(s)
	return nil
}

func (s *Session) checkLocked(msg *core.RoundMessage) error {
	switch {
	case msg.Kind != core.KindRound:
		return errors.Wrapf(core.ErrProtocolMismatch, "message kind %q", msg.Kind)
	case msg.Operation != s.Operation:
		return errors.Wrapf(core.ErrProtocolMismatch, "peer runs %s, session is %s", msg.Operation, s.Operation)
	case msg.Protocol != s.protocol:
		return errors.Wrapf(core.ErrProtocolMismatch, "peer protocol %q, session %q", msg.Protocol, s.protocol)
	case msg.Round < 1 || msg.Round > s.state.Rounds():
		return errors.Wrapf(core.ErrProtocolMismatch, "round %d outside 1..%d", msg.Round, s.state.Rounds())
	}
	return nil
}

// advanceLocked runs every round whose buffer is complete. Messages for later rounds wait in their buffers.
func (m *Manager) advanceLocked(s *Session) {
	for s.status == core.StatusPending {
		round := s.state.Round()
		if round < 1 || round > s.state.Rounds() {
			return
		}
		in := s.buffers[round]
		if len(in) < len(s.state.Expected(round)) {
			return
		}
		delete(s.buffers, round)
		if in == nil {
			in = core.RoundInputs{}
		}

		var (
			next core.State
			tr   core.Transition
		)
		err := s.guard(func() error {
			var err error
			next, tr, err = m.driver.Advance(s.state, in)
			return err
		})
		if err != nil {
			m.failLocked(s, err)
			return
		}
		now := m.now()
		metrics.RoundCompleted(string(s.Operation), round, now.Sub(s.roundStart))
		s.roundStart = now
		m.applyLocked(s, next, tr)
	}
}

// applyLocked records a successful step: stage its artifact, queue its messages, finish on the last round.
func (m *Manager) applyLocked(s *Session, next core.State, tr core.Transition) {
	if tr.Artifact != nil && !tr.Final && s.hooks.Stage != nil {
		if err := s.hooks.Stage(tr.Artifact); err != nil {
			m.failLocked(s, errors.Wrap(err, "stage artifact"))
			return
		}
	}
	s.state = next
	s.queue(next.Round(), tr.Outbound)
	if !tr.Final {
		return
	}
	if s.hooks.Finish != nil {
		if err := s.hooks.Finish(tr.Artifact); err != nil {
			m.failLocked(s, err)
			return
		}
	}
	s.status = core.StatusCompleted
	s.result = Result{
		SessionID:     s.ID,
		Operation:     s.Operation,
		KeyID:         s.KeyID,
		Discriminator: s.discriminator,
		Status:        core.StatusCompleted,
		Artifact:      tr.Artifact,
	}
	s.endLocked()
}

func (m *Manager) failLocked(s *Session, err error) {
	logger.Error("Session step failed", err, "session_id", s.ID, "operation", s.Operation, "culprits", core.Culprits(err))
	m.decideLocked(s, policy.Event{Kind: policy.EventStepFailed, Err: err}, err)
}

func (m *Manager) decideLocked(s *Session, ev policy.Event, err error) {
	d := policy.DecideAbort(policy.View{Status: s.status, Deadline: s.Deadline}, ev)
	if !d.Abort {
		return
	}
	if err == nil {
		err = d.Reason.Err()
	}
	if d.Notify {
		s.queueAbort(d.Reason)
	}
	s.status = core.StatusAborted
	s.result = Result{
		SessionID:     s.ID,
		Operation:     s.Operation,
		KeyID:         s.KeyID,
		Discriminator: s.discriminator,
		Status:        core.StatusAborted,
		Reason:        d.Reason,
		Err:           err,
		Culprits:      core.Culprits(err),
	}
	if s.hooks.Abort != nil {
		s.hooks.Abort(d.Reason)
	}
	s.endLocked()
}

func (s *Session) endLocked() {
	s.finished = true
	s.state = nil
	s.buffers = nil
}

// flush sends queued messages and reports a finished session. It runs without the session lock held.
func (m *Manager) flush(s *Session) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	out := s.outbox
	s.outbox = nil
	var res *Result
	if s.finished && !s.reported {
		s.reported = true
		r := s.result
		res = &r
	}
	s.mu.Unlock()

	for _, o := range out {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := m.sender.Send(ctx, o.to, o.msg); err != nil {
			logger.Warn("Failed to send round message",
				"session_id", s.ID,
				"to", o.to,
				"round", o.msg.Round,
				"error", err.Error(),
			)
		}
		cancel()
	}
	if res != nil {
		m.retire(s, *res)
	}
}

func (m *Manager) retire(s *Session, res Result) {
	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
	if m.active[s.dedupKey] == s.ID {
		delete(m.active, s.dedupKey)
	}
	m.tombstones[s.ID] = tombstone{result: res, until: m.now().Add(m.tombstoneTTL)}
	m.mu.Unlock()
	close(s.done)

	outcome := string(res.Status)
	if res.Status == core.StatusAborted {
		outcome = string(res.Reason)
		logger.Warn("Session aborted", "session_id", s.ID, "operation", s.Operation, "reason", res.Reason)
	} else {
		logger.Info("Session completed", "session_id", s.ID, "operation", s.Operation, "key_id", s.KeyID)
	}
	metrics.SessionFinished(string(s.Operation), outcome)

	if m.onResult != nil {
		m.onResult(res)
	}
}

// Tick aborts every session past its deadline and forgets expired tombstones. It returns how many sessions
// timed out.
func (m *Manager) Tick() int {
	now := m.now()
	m.mu.Lock()
	live := lo.Values(m.sessions)
	for id, t := range m.tombstones {
		if now.After(t.until) {
			delete(m.tombstones, id)
		}
	}
	m.mu.Unlock()

	expired := 0
	for _, s := range live {
		s.mu.Lock()
		if s.status == core.StatusPending {
			round := s.state.Round()
			m.decideLocked(s, policy.Event{Kind: policy.EventDeadline, At: now},
				errors.Wrapf(core.ErrTimeout, "round %d incomplete", round))
			if s.status == core.StatusAborted {
				expired++
			}
		}
		s.mu.Unlock()
		m.flush(s)
	}
	return expired
}

// Abort cancels a session on behalf of the coordinator. A step already running completes first.
func (m *Manager) Abort(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	_, buried := m.tombstones[sessionID]
	m.mu.Unlock()
	if !ok {
		if buried {
			return nil
		}
		return errors.Wrapf(core.ErrUnknownSession, "session %s", sessionID)
	}
	s.mu.Lock()
	m.decideLocked(s, policy.Event{Kind: policy.EventCancel}, nil)
	s.mu.Unlock()
	m.flush(s)
	return nil
}

// Wait blocks until the session finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, sessionID string) (Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	t, buried := m.tombstones[sessionID]
	m.mu.Unlock()
	if !ok {
		if buried {
			return t.result, nil
		}
		return Result{}, errors.Wrapf(core.ErrUnknownSession, "session %s", sessionID)
	}
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Get returns a live session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Seen reports whether sessionID is running or finished within the tombstone window.
func (m *Manager) Seen(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, live := m.sessions[sessionID]
	_, done := m.tombstones[sessionID]
	return live || done
}

// GetActiveSessionCount gets the number of sessions still running
func (m *Manager) GetActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartTicker checks deadlines every interval until Stop.
func (m *Manager) StartTicker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Session deadline checks started", "interval", interval, "timeout", m.timeout)
	for {
		select {
		case <-ticker.C:
			if n := m.Tick(); n > 0 {
				logger.Info("Sessions timed out", "count", n, "remaining", m.GetActiveSessionCount())
			}
		case <-m.stopChan:
			logger.Info("Session deadline checks stopped")
			return
		}
	}
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}
