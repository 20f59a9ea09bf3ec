package eventconsumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/messaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func (h *countingHandler) Handle(ctx context.Context, data []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("handler called without deadline")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[string(data)]++
	return h.fail[string(data)]
}

func (h *countingHandler) count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[key]
}

func TestRequestConsumer_AckNakTerm(t *testing.T) {
	queue := messaging.NewMemoryQueue()
	h := &countingHandler{
		calls: map[string]int{},
		fail: map[string]error{
			"transient": errors.New("store busy"),
			"permanent": errors.Wrap(messaging.ErrPermanent, "bad envelope"),
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRequestConsumer("guardian-1", queue, h).Run(ctx) }()

	topic := messaging.FormatRequestTopic("guardian-1")
	for _, m := range []string{"ok", "transient", "permanent"} {
		require.NoError(t, queue.Enqueue(context.Background(), topic, []byte(m), nil))
	}

	assert.Eventually(t, func() bool {
		return h.count("ok") == 1 && h.count("transient") == 3 && h.count("permanent") == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type fakeStore map[uint64][]byte

func (s fakeStore) GetMessage(_ context.Context, seq uint64) ([]byte, error) {
	if data, ok := s[seq]; ok {
		return data, nil
	}
	return nil, errors.New("no such message")
}

type fakeReporter struct {
	mu  sync.Mutex
	got [][]byte
}

func (r *fakeReporter) Undeliverable(_ context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, data)
	return nil
}

func (r *fakeReporter) reported() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.got...)
}

func TestTimeoutConsumer_ReportsAbandonedRequest(t *testing.T) {
	bus := messaging.NewMemoryBus()
	reporter := &fakeReporter{}
	tc := NewTimeoutConsumer("guardian-1", bus, fakeStore{7: []byte("request-7")}, reporter)
	require.NoError(t, tc.Run())
	defer tc.Close()

	subject := messaging.FormatMaxDeliveriesAdvisory(messaging.StreamName, messaging.RequestConsumerName("guardian-1"))
	advisory := func(seq uint64) []byte {
		b, err := json.Marshal(map[string]any{"stream": messaging.StreamName, "stream_seq": seq})
		require.NoError(t, err)
		return b
	}
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, subject, []byte("not json")))
	require.NoError(t, bus.Publish(ctx, subject, advisory(99)))
	require.NoError(t, bus.Publish(ctx, subject, advisory(7)))
	// another guardian's advisory is not ours
	require.NoError(t, bus.Publish(ctx, messaging.FormatMaxDeliveriesAdvisory(messaging.StreamName, "mpc-guardian-guardian-2"), advisory(7)))

	assert.Eventually(t, func() bool { return len(reporter.reported()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(reporter.reported()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []byte("request-7"), reporter.reported()[0])
}
