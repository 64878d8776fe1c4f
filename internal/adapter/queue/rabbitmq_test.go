package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingAck struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *recordingAck) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *recordingAck) Reject(uint64, bool) error { return nil }

func TestRabbitDeliver_AcksEvenWhenHandlerFails(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	q := NewRabbitQueue("amqp://unused", "signvault.test", zap.New(core))
	ack := &recordingAck{}

	var got Job
	q.deliver(context.Background(), func(_ context.Context, job Job) error {
		got = job
		return errors.New("download failed")
	}, amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"event_id":42,"provider":"docusign"}`)})

	require.Equal(t, Job{EventID: 42, Provider: "docusign"}, got)
	require.Equal(t, 1, ack.acks)
	require.Zero(t, ack.nacks)
	require.Equal(t, 1, logs.FilterMessage("job handler failed").Len())
}

func TestRabbitDeliver_DropsUndecodableBody(t *testing.T) {
	q := NewRabbitQueue("amqp://unused", "signvault.test", zap.NewNop())
	ack := &recordingAck{}
	called := false

	q.deliver(context.Background(), func(context.Context, Job) error {
		called = true
		return nil
	}, amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`not json`)})

	require.False(t, called)
	require.Zero(t, ack.acks)
	require.Equal(t, 1, ack.nacks)
	require.False(t, ack.requeue)
}

func TestRabbitQueue_CloseWithoutConnection(t *testing.T) {
	q := NewRabbitQueue("amqp://unused", "signvault.test", zap.NewNop())
	require.NoError(t, q.Close())
}
