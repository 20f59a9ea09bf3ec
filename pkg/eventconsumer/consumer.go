// Package eventconsumer feeds coordinator requests from the guardian's JetStream subject into the node.
package eventconsumer

import (
	"context"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/messaging"
)

// Maximum time a request may take to be admitted. Sessions run on after the request is acknowledged.
const handleTimeout = 30 * time.Second

// Handler processes one request envelope. Errors wrapping messaging.ErrPermanent terminate the message,
// other errors have it redelivered.
type Handler interface {
	Handle(ctx context.Context, data []byte) error
}

// RequestConsumer represents a consumer that processes coordinator requests.
type RequestConsumer interface {
	// Run starts the consumer and blocks until the provided context is canceled.
	Run(ctx context.Context) error
	// Close performs a graceful shutdown of the consumer.
	Close() error
}

type requestConsumer struct {
	guardianID string
	queue      messaging.MessageQueue
	handler    Handler
}

func NewRequestConsumer(guardianID string, queue messaging.MessageQueue, handler Handler) RequestConsumer {
	return &requestConsumer{guardianID: guardianID, queue: queue, handler: handler}
}

// Run subscribes to request events and processes them until the context is canceled.
func (rc *requestConsumer) Run(ctx context.Context) error {
	err := rc.queue.Dequeue(func(data []byte) error {
		hctx, cancel := context.WithTimeout(ctx, handleTimeout)
		defer cancel()
		return rc.handler.Handle(hctx, data)
	})
	if err != nil {
		return err
	}
	logger.Info("RequestConsumer: Subscribed to coordinator requests", "guardian", rc.guardianID)

	<-ctx.Done()
	logger.Info("RequestConsumer: Context cancelled, shutting down")
	return rc.Close()
}

func (rc *requestConsumer) Close() error {
	rc.queue.Close()
	return nil
}
