package eventconsumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/messaging"
)

const lookupTimeout = 10 * time.Second

// MessageStore reads stored stream messages. *messaging.NATsMessageQueueManager implements it.
type MessageStore interface {
	GetMessage(ctx context.Context, seq uint64) ([]byte, error)
}

// Reporter tells the coordinator a request was given up on.
type Reporter interface {
	Undeliverable(ctx context.Context, data []byte) error
}

// TimeoutConsumer listens for max-delivery advisories of the guardian's request consumer and reports the
// abandoned requests, so the coordinator is not left waiting.
type TimeoutConsumer struct {
	subject  string
	pubsub   messaging.PubSub
	store    MessageStore
	reporter Reporter

	subscription messaging.Subscription
}

func NewTimeoutConsumer(guardianID string, pubsub messaging.PubSub, store MessageStore, reporter Reporter) *TimeoutConsumer {
	return &TimeoutConsumer{
		subject:  messaging.FormatMaxDeliveriesAdvisory(messaging.StreamName, messaging.RequestConsumerName(guardianID)),
		pubsub:   pubsub,
		store:    store,
		reporter: reporter,
	}
}

func (tc *TimeoutConsumer) Run() error {
	logger.Info("Starting advisory consumer for max deliveries exceeded", "subject", tc.subject)
	sub, err := tc.pubsub.Subscribe(tc.subject, tc.handleDeadlineExceeded)
	if err != nil {
		return err
	}
	tc.subscription = sub
	return nil
}

func (tc *TimeoutConsumer) handleDeadlineExceeded(data []byte) {
	var advisory struct {
		Stream    string `json:"stream"`
		Consumer  string `json:"consumer"`
		StreamSeq uint64 `json:"stream_seq"`
	}
	if err := json.Unmarshal(data, &advisory); err != nil {
		logger.Error("Failed to unmarshal advisory message", err)
		return
	}
	logger.Info("Received max deliveries exceeded advisory",
		"stream", advisory.Stream,
		"consumer", advisory.Consumer,
		"stream_seq", advisory.StreamSeq,
	)

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	failed, err := tc.store.GetMessage(ctx, advisory.StreamSeq)
	if err != nil {
		logger.Error("Failed to retrieve failed message", err, "stream_seq", advisory.StreamSeq)
		return
	}
	if err := tc.reporter.Undeliverable(ctx, failed); err != nil {
		logger.Error("Failed to handle timeout", err, "stream_seq", advisory.StreamSeq)
		return
	}
	logger.Info("Successfully handled timeout", "stream_seq", advisory.StreamSeq)
}

func (tc *TimeoutConsumer) Close() error {
	if tc.subscription == nil {
		return nil
	}
	if err := tc.subscription.Unsubscribe(); err != nil {
		logger.Error("Failed to unsubscribe from max deliveries exceeded subject", err)
		return err
	}
	return nil
}
