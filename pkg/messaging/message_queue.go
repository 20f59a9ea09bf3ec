package messaging

import (
	"context"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
)

// ErrPermanent marks a message that can never be processed. It is terminated instead of redelivered.
var ErrPermanent = errors.New("permanent messaging error")

type MessageQueue interface {
	Enqueue(ctx context.Context, topic string, message []byte, options *EnqueueOptions) error
	Dequeue(handler func(message []byte) error) error
	Close()
}

type EnqueueOptions struct {
	IdempotentKey string
}

type messageQueue struct {
	consumerName string
	js           jetstream.JetStream
	consumer     jetstream.Consumer
	context      jetstream.ConsumeContext
}

type NATsMessageQueueManager struct {
	queueName string
	js        jetstream.JetStream
}

// NewNATsMessageQueueManager creates or updates the work-queue stream covering subjects.
func NewNATsMessageQueueManager(ctx context.Context, queueName string, subjects []string, nc *nats.Conn) (*NATsMessageQueueManager, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "create JetStream context")
	}

	if stream, err := js.Stream(ctx, queueName); err != nil {
		logger.Warn("Stream not found, creating new stream", "stream", queueName)
	} else if info, err := stream.Info(ctx); err == nil {
		logger.Debug("Stream found", "stream", queueName, "messages", info.State.Msgs)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        queueName,
		Description: "Stream for " + queueName,
		Subjects:    subjects,
		MaxBytes:    10_485_760,
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create JetStream stream")
	}
	logger.Info("JetStream stream ready", "stream", queueName, "subjects", subjects)

	return &NATsMessageQueueManager{queueName: queueName, js: js}, nil
}

// NewMessageQueue binds a durable consumer reading filterSubject.
func (m *NATsMessageQueueManager) NewMessageQueue(ctx context.Context, consumerName, filterSubject string) (MessageQueue, error) {
	cfg := jetstream.ConsumerConfig{
		Name:           consumerName,
		Durable:        consumerName,
		MaxAckPending:  1000,
		AckWait:        30 * time.Second,
		AckPolicy:      jetstream.AckExplicitPolicy,
		FilterSubjects: []string{filterSubject},
		MaxDeliver:     3,
	}
	logger.Info("Creating consumer for subject", "consumer", consumerName, "stream", m.queueName, "filter", filterSubject)
	consumer, err := m.js.CreateOrUpdateConsumer(ctx, m.queueName, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create JetStream consumer")
	}
	return &messageQueue{consumerName: consumerName, js: m.js, consumer: consumer}, nil
}

// GetMessage reads one stored message of the stream by sequence.
func (m *NATsMessageQueueManager) GetMessage(ctx context.Context, seq uint64) ([]byte, error) {
	stream, err := m.js.Stream(ctx, m.queueName)
	if err != nil {
		return nil, errors.Wrap(err, "lookup stream")
	}
	msg, err := stream.GetMsg(ctx, seq)
	if err != nil {
		return nil, errors.Wrapf(err, "get message %d", seq)
	}
	return msg.Data, nil
}

func (mq *messageQueue) Enqueue(ctx context.Context, topic string, message []byte, options *EnqueueOptions) error {
	header := nats.Header{}
	if options != nil && options.IdempotentKey != "" {
		header.Add("Nats-Msg-Id", options.IdempotentKey)
	}

	logger.Debug("Publishing message", "topic", topic, "consumer", mq.consumerName)
	_, err := mq.js.PublishMsg(ctx, &nats.Msg{Subject: topic, Data: message, Header: header})
	if err != nil {
		logger.Error("Failed to publish message to JetStream", err, "topic", topic)
		return errors.Wrap(err, "enqueue message")
	}
	return nil
}

func (mq *messageQueue) Dequeue(handler func(message []byte) error) error {
	c, err := mq.consumer.Consume(func(msg jetstream.Msg) {
		meta, _ := msg.Metadata()
		err := handler(msg.Data())
		if err != nil {
			if errors.Is(err, ErrPermanent) {
				logger.Warn("Permanent error on message", "consumer", mq.consumerName, "error", err.Error())
				if err := msg.Term(); err != nil {
					logger.Error("Failed to terminate message", err)
				}
				return
			}
			logger.Error("Error handling message", err, "consumer", mq.consumerName)
			if err := msg.Nak(); err != nil {
				logger.Error("Failed to nak message", err)
			}
			return
		}
		if meta != nil {
			logger.Debug("Message acknowledged", "stream_seq", meta.Sequence.Stream)
		}
		if err := msg.Ack(); err != nil {
			logger.Error("Error acknowledging message", err)
		}
	})
	mq.context = c
	return err
}

func (mq *messageQueue) Close() {
	if mq.context != nil {
		mq.context.Stop()
	}
}
