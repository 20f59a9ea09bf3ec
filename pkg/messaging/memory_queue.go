package messaging

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const memoryMaxDeliver = 3

// MemoryQueue mimics a JetStream consumer in process: messages are deduplicated by idempotent key and
// redelivered on transient handler errors.
type MemoryQueue struct {
	stream *MemoryStream
	filter string

	mu      sync.Mutex
	seen    map[string]bool
	handler func([]byte) error
	backlog [][]byte
	wg      sync.WaitGroup
}

var _ MessageQueue = (*MemoryQueue)(nil)

// NewMemoryQueue returns a standalone queue that delivers everything enqueued on it.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: map[string]bool{}}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, topic string, message []byte, options *EnqueueOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.stream != nil {
		return q.stream.publish(topic, message, options)
	}
	q.mu.Lock()
	if options != nil && options.IdempotentKey != "" {
		if q.seen[options.IdempotentKey] {
			q.mu.Unlock()
			return nil
		}
		q.seen[options.IdempotentKey] = true
	}
	q.mu.Unlock()
	q.accept(message)
	return nil
}

func (q *MemoryQueue) accept(message []byte) {
	q.mu.Lock()
	handler := q.handler
	if handler == nil {
		q.backlog = append(q.backlog, message)
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go q.deliver(handler, message)
}

func (q *MemoryQueue) deliver(handler func([]byte) error, message []byte) {
	defer q.wg.Done()
	for range memoryMaxDeliver {
		err := handler(message)
		if err == nil || errors.Is(err, ErrPermanent) {
			return
		}
	}
}

func (q *MemoryQueue) Dequeue(handler func(message []byte) error) error {
	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return errors.New("queue already has a consumer")
	}
	q.handler = handler
	backlog := q.backlog
	q.backlog = nil
	q.wg.Add(len(backlog))
	q.mu.Unlock()

	for _, m := range backlog {
		go q.deliver(handler, m)
	}
	return nil
}

// Close waits for in-flight deliveries.
func (q *MemoryQueue) Close() {
	q.wg.Wait()
}

// MemoryStream routes enqueued messages to the queues whose filter subject matches, as a JetStream stream
// routes to its consumers. Idempotent keys are deduplicated across the stream.
type MemoryStream struct {
	mu     sync.Mutex
	seen   map[string]bool
	queues []*MemoryQueue
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{seen: map[string]bool{}}
}

// NewMessageQueue adds a consumer reading filterSubject. A trailing "*" matches one subject token.
func (s *MemoryStream) NewMessageQueue(filterSubject string) *MemoryQueue {
	q := NewMemoryQueue()
	q.stream = s
	q.filter = filterSubject
	s.mu.Lock()
	s.queues = append(s.queues, q)
	s.mu.Unlock()
	return q
}

func (s *MemoryStream) publish(topic string, message []byte, options *EnqueueOptions) error {
	s.mu.Lock()
	if options != nil && options.IdempotentKey != "" {
		if s.seen[options.IdempotentKey] {
			s.mu.Unlock()
			return nil
		}
		s.seen[options.IdempotentKey] = true
	}
	var targets []*MemoryQueue
	for _, q := range s.queues {
		if subjectMatches(q.filter, topic) {
			targets = append(targets, q)
		}
	}
	s.mu.Unlock()

	for _, q := range targets {
		q.accept(append([]byte(nil), message...))
	}
	return nil
}

func subjectMatches(filter, subject string) bool {
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		rest, found := strings.CutPrefix(subject, prefix)
		return found && rest != "" && !strings.Contains(rest, ".")
	}
	return filter == subject
}
