package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "mpc.guardian.guardian-1.inbox", FormatInboxSubject("guardian-1"))
	assert.Equal(t, "mpc.guardian.request.guardian-1", FormatRequestTopic("guardian-1"))
	assert.Equal(t, "mpc.guardian.result.guardian-1", FormatResultTopic("guardian-1"))
	assert.Equal(t, "$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES.mpc-guardian.mpc-guardian-guardian-1",
		FormatMaxDeliveriesAdvisory(StreamName, RequestConsumerName("guardian-1")))
}

func TestMemoryBus_DeliversInOrder(t *testing.T) {
	bus := NewMemoryBus()
	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	sub, err := bus.Subscribe("inbox", func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(data))
		if len(got) == 3 {
			close(done)
		}
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, "inbox", []byte(m)))
	}
	require.NoError(t, bus.Publish(ctx, "other", []byte("x")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("messages not delivered")
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(ctx, "inbox", []byte("late")))
}

func TestMemoryBus_Filter(t *testing.T) {
	bus := NewMemoryBus()
	var count atomic.Int32
	_, err := bus.Subscribe("inbox", func([]byte) { count.Add(1) })
	require.NoError(t, err)

	bus.SetFilter(func(_ string, data []byte) bool { return string(data) != "drop" })
	require.NoError(t, bus.Publish(context.Background(), "inbox", []byte("drop")))
	require.NoError(t, bus.Publish(context.Background(), "inbox", []byte("keep")))

	assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return count.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "t", []byte("early"), &EnqueueOptions{IdempotentKey: "1"}))
	require.NoError(t, q.Enqueue(ctx, "t", []byte("early"), &EnqueueOptions{IdempotentKey: "1"}))

	var (
		mu       sync.Mutex
		received []string
		attempts = map[string]int{}
	)
	require.NoError(t, q.Dequeue(func(m []byte) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[string(m)]++
		switch string(m) {
		case "flaky":
			if attempts["flaky"] < 2 {
				return errors.New("transient")
			}
		case "poison":
			return errors.Wrap(ErrPermanent, "bad request")
		}
		received = append(received, string(m))
		return nil
	}))
	assert.Error(t, q.Dequeue(func([]byte) error { return nil }))

	require.NoError(t, q.Enqueue(ctx, "t", []byte("flaky"), nil))
	require.NoError(t, q.Enqueue(ctx, "t", []byte("poison"), nil))
	q.Close()

	assert.ElementsMatch(t, []string{"early", "flaky"}, received)
	assert.Equal(t, map[string]int{"early": 1, "flaky": 2, "poison": 1}, attempts)
}

func TestMemoryStream_RoutesByFilter(t *testing.T) {
	stream := NewMemoryStream()
	ctx := context.Background()

	collect := func(q *MemoryQueue) (*[]string, *sync.Mutex) {
		var (
			mu  sync.Mutex
			got []string
		)
		require.NoError(t, q.Dequeue(func(m []byte) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(m))
			return nil
		}))
		return &got, &mu
	}
	g1 := stream.NewMessageQueue(FormatRequestTopic("guardian-1"))
	g2 := stream.NewMessageQueue(FormatRequestTopic("guardian-2"))
	results := stream.NewMessageQueue(ResultSubjects)
	got1, mu1 := collect(g1)
	got2, mu2 := collect(g2)
	gotResults, muResults := collect(results)

	require.NoError(t, g1.Enqueue(ctx, FormatRequestTopic("guardian-2"), []byte("for-2"), &EnqueueOptions{IdempotentKey: "a"}))
	require.NoError(t, g1.Enqueue(ctx, FormatRequestTopic("guardian-2"), []byte("for-2"), &EnqueueOptions{IdempotentKey: "a"}))
	require.NoError(t, results.Enqueue(ctx, FormatRequestTopic("guardian-1"), []byte("for-1"), nil))
	require.NoError(t, g2.Enqueue(ctx, FormatResultTopic("guardian-2"), []byte("result"), nil))
	require.NoError(t, g2.Enqueue(ctx, "mpc.guardian.result.a.b", []byte("nested"), nil))
	g1.Close()
	g2.Close()
	results.Close()

	mu1.Lock()
	assert.Equal(t, []string{"for-1"}, *got1)
	mu1.Unlock()
	mu2.Lock()
	assert.Equal(t, []string{"for-2"}, *got2)
	mu2.Unlock()
	muResults.Lock()
	assert.Equal(t, []string{"result"}, *gotResults)
	muResults.Unlock()
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(&config.Config{}, "guardian")
	assert.ErrorContains(t, err, "nats.url")
}

func TestCertificatePaths(t *testing.T) {
	cfg := &config.Config{NATs: &config.NATsConfig{TLS: &config.TLSConfig{CACert: "/etc/ca.pem"}}}
	paths := getCertificatePaths(cfg)
	assert.Equal(t, "/etc/ca.pem", paths.CACert)
	assert.Equal(t, "certs/client-cert.pem", paths.ClientCert)

	assert.ErrorContains(t, validateCertificateFiles(paths), "not found")
}
