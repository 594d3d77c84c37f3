package notify

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAMQPPublisher_DeclaresDurableQueue(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockConnection{channel: ch}
	dialer := &mockDialer{conn: conn}

	pub, err := newAMQPPublisherWithDialer(dialer, "amqp://localhost", "eval.events", nil)
	require.NoError(t, err)
	assert.Equal(t, "eval.events", pub.queueName)
}

func TestNewAMQPPublisher_DialErrorPropagates(t *testing.T) {
	dialer := &mockDialer{err: errors.New("connection refused")}
	_, err := newAMQPPublisherWithDialer(dialer, "amqp://localhost", "eval.events", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNewAMQPPublisher_QueueDeclareErrorClosesChannelAndConn(t *testing.T) {
	ch := &mockChannel{queueDeclareErr: errors.New("no permission")}
	conn := &mockConnection{channel: ch}
	dialer := &mockDialer{conn: conn}

	_, err := newAMQPPublisherWithDialer(dialer, "amqp://localhost", "eval.events", nil)
	require.Error(t, err)
	assert.True(t, ch.closed)
	assert.True(t, conn.closed)
}

func TestAMQPPublisher_PublishSendsJSONEvent(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockConnection{channel: ch}
	pub, err := newAMQPPublisherWithDialer(&mockDialer{conn: conn}, "amqp://localhost", "eval.events", nil)
	require.NoError(t, err)

	event := Event{Type: EventRunCompleted, BlueprintID: "bp1", RunLabel: "r1", Timestamp: time.Now(), HybridScore: 0.8}
	pub.Publish(event)

	require.Len(t, ch.published, 1)
	var decoded Event
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &decoded))
	assert.Equal(t, "bp1", decoded.BlueprintID)
	assert.Equal(t, EventRunCompleted, decoded.Type)
}

func TestAMQPPublisher_PublishFailureDoesNotPanic(t *testing.T) {
	ch := &mockChannel{publishErr: errors.New("broker unavailable")}
	conn := &mockConnection{channel: ch}
	pub, err := newAMQPPublisherWithDialer(&mockDialer{conn: conn}, "amqp://localhost", "eval.events", nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		pub.Publish(Event{Type: EventRunFailed, BlueprintID: "bp1"})
	})
}

func TestAMQPPublisher_CloseClosesChannelAndConnection(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockConnection{channel: ch}
	pub, err := newAMQPPublisherWithDialer(&mockDialer{conn: conn}, "amqp://localhost", "eval.events", nil)
	require.NoError(t, err)

	require.NoError(t, pub.Close())
	assert.True(t, ch.closed)
	assert.True(t, conn.closed)
}
