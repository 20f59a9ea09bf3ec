package messaging

import (
	"context"
	"sync"

	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// PubSub is best-effort, at-least-once-capable fan-out used for peer round messages.
type PubSub interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

type natsPubSub struct {
	nc *nats.Conn
}

func NewNATSPubSub(nc *nats.Conn) PubSub {
	return &natsPubSub{nc: nc}
}

func (n *natsPubSub) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.nc.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "publish %s", subject)
	}
	return nil
}

func (n *natsPubSub) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := n.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", subject)
	}
	return sub, nil
}

// MemoryBus is an in-process PubSub. Each subscriber gets its own ordered delivery goroutine, so a
// handler may publish without deadlocking the bus.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	filter func(subject string, data []byte) bool
}

var _ PubSub = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string][]*memorySub{}}
}

// SetFilter installs a predicate; messages it rejects are dropped, as a lossy network would.
func (b *MemoryBus) SetFilter(filter func(subject string, data []byte) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = filter
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	filter := b.filter
	subs := append([]*memorySub(nil), b.subs[subject]...)
	b.mu.RUnlock()

	if filter != nil && !filter(subject, data) {
		return nil
	}
	for _, s := range subs {
		s.push(append([]byte(nil), data...))
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	s := &memorySub{bus: b, subject: subject, handler: handler}
	s.cond = sync.NewCond(&s.mu)
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()
	go s.loop()
	return s, nil
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	handler func([]byte)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func (s *memorySub) push(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, data)
	s.cond.Signal()
}

func (s *memorySub) loop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		data := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("Subscriber panicked", "subject", s.subject, "panic", r)
				}
			}()
			s.handler(data)
		}()
	}
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.subject]
	for i, other := range subs {
		if other == s {
			s.bus.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}
