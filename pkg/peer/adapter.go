// Package peer carries round messages between guardians. Outbound messages are signed with the local
// identity and private payloads are encrypted to the recipient; inbound messages are decrypted and
// verified before they reach the session manager.
package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/fystack/mpcium-guardian/pkg/identity"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/messaging"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/trust"
	"github.com/pkg/errors"
)

const (
	publishAttempts = 3
	publishDelay    = 100 * time.Millisecond

	parkedPerSession = 64
	maxParkedSession = 1024
	defaultParkTTL   = 30 * time.Second
)

// Router accepts verified messages. The session manager implements it.
type Router interface {
	Route(ctx context.Context, msg *core.RoundMessage) error
}

type parked struct {
	messages []*core.RoundMessage
	since    time.Time
}

type Adapter struct {
	self     *identity.LocalIdentity
	registry trust.Registry
	bus      messaging.PubSub
	parkTTL  time.Duration
	now      func() time.Time

	mu     sync.Mutex
	router Router
	sub    messaging.Subscription
	parked map[string]*parked
	// opened remembers recently opened sessions so a message that raced the open is re-routed.
	opened map[string]time.Time
	wg     sync.WaitGroup
}

func NewAdapter(self *identity.LocalIdentity, registry trust.Registry, bus messaging.PubSub) *Adapter {
	return &Adapter{
		self:     self,
		registry: registry,
		bus:      bus,
		parkTTL:  defaultParkTTL,
		now:      time.Now,
		parked:   map[string]*parked{},
		opened:   map[string]time.Time{},
	}
}

// Send signs msg as the local guardian and publishes it to the recipient's inbox.
func (a *Adapter) Send(ctx context.Context, to string, msg *core.RoundMessage) error {
	out := *msg
	out.Sender = a.self.ID
	out.Recipient = to
	out.Signature = nil

	raw, err := out.Raw()
	if err != nil {
		return errors.Wrap(err, "encode message for signing")
	}
	out.Signature = a.self.Sign(raw)

	if out.Private {
		recipient, err := a.registry.Lookup(to)
		if err != nil {
			return errors.Wrapf(err, "resolve recipient %s", to)
		}
		sealed, err := recipient.Encrypt(out.Payload)
		if err != nil {
			return err
		}
		out.Payload = sealed
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	subject := messaging.FormatInboxSubject(to)
	return retry.Do(
		func() error { return a.bus.Publish(ctx, subject, data) },
		retry.Attempts(publishAttempts),
		retry.Delay(publishDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Retrying peer publish", "to", to, "session_id", msg.SessionID, "attempt", n+1, "error", err.Error())
		}),
	)
}

// Start subscribes to the local inbox and forwards verified messages to router.
func (a *Adapter) Start(router Router) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		return errors.New("peer adapter already started")
	}
	a.router = router
	sub, err := a.bus.Subscribe(messaging.FormatInboxSubject(a.self.ID), a.receive)
	if err != nil {
		return err
	}
	a.sub = sub
	logger.Info("Listening for peer messages", "guardian", a.self.ID)
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()
	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	a.wg.Wait()
	return err
}

// open decrypts and authenticates a wire message. Failures are reported for logging only.
func (a *Adapter) open(data []byte) (*core.RoundMessage, error) {
	var msg core.RoundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	if msg.Recipient != a.self.ID {
		return nil, errors.Errorf("message addressed to %s", msg.Recipient)
	}
	if msg.Private {
		plain, err := a.self.Decrypt(msg.Payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = plain
	}
	raw, err := msg.Raw()
	if err != nil {
		return nil, err
	}
	if !a.registry.Verify(msg.Sender, msg.Signature, raw) {
		return nil, errors.Wrapf(core.ErrUnauthorized, "bad signature from %s", msg.Sender)
	}
	return &msg, nil
}

func (a *Adapter) receive(data []byte) {
	msg, err := a.open(data)
	if err != nil {
		logger.Debug("Dropping peer message", "error", err.Error())
		return
	}
	a.deliver(msg, true)
}

// deliver routes msg. A message for an unknown session is parked at most once.
func (a *Adapter) deliver(msg *core.RoundMessage, mayPark bool) {
	a.mu.Lock()
	router := a.router
	a.mu.Unlock()
	if router == nil {
		return
	}

	err := router.Route(context.Background(), msg)
	switch {
	case err == nil, errors.Is(err, core.ErrStaleRound):
	case errors.Is(err, core.ErrUnknownSession) && mayPark:
		a.park(msg)
	default:
		logger.Warn("Peer message rejected",
			"session_id", msg.SessionID,
			"sender", msg.Sender,
			"round", msg.Round,
			"error", err.Error(),
		)
	}
}

// park holds a message for a session this guardian has not opened yet; peers may start a session before
// the coordinator's request reaches every guardian.
func (a *Adapter) park(msg *core.RoundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()

	if _, ok := a.opened[msg.SessionID]; ok {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.deliver(msg, false)
		}()
		return
	}

	p, ok := a.parked[msg.SessionID]
	if !ok {
		if len(a.parked) >= maxParkedSession {
			return
		}
		p = &parked{since: a.now()}
		a.parked[msg.SessionID] = p
	}
	if len(p.messages) < parkedPerSession {
		p.messages = append(p.messages, msg)
	}
}

func (a *Adapter) expireLocked() {
	now := a.now()
	for id, p := range a.parked {
		if now.Sub(p.since) > a.parkTTL {
			delete(a.parked, id)
		}
	}
	for id, at := range a.opened {
		if now.Sub(at) > a.parkTTL {
			delete(a.opened, id)
		}
	}
}

// Redeliver routes the messages parked for sessionID. It is called once the session is open.
func (a *Adapter) Redeliver(sessionID string) {
	a.mu.Lock()
	a.expireLocked()
	a.opened[sessionID] = a.now()
	p, ok := a.parked[sessionID]
	delete(a.parked, sessionID)
	a.mu.Unlock()
	if !ok {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for _, msg := range p.messages {
			a.deliver(msg, false)
		}
	}()
}

// Parked reports how many messages wait for sessionID.
func (a *Adapter) Parked(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.parked[sessionID]; ok {
		return len(p.messages)
	}
	return 0
}
