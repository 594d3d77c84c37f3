package notify

import (
	"github.com/streadway/amqp"
)

type mockChannel struct {
	published       []amqp.Publishing
	queueDeclareErr error
	publishErr      error
	closed          bool
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.queueDeclareErr != nil {
		return amqp.Queue{}, m.queueDeclareErr
	}
	return amqp.Queue{Name: name}, nil
}

func (m *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, msg)
	return nil
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

type mockConnection struct {
	channel    AMQPChannel
	channelErr error
	closed     bool
}

func (m *mockConnection) Channel() (AMQPChannel, error) {
	if m.channelErr != nil {
		return nil, m.channelErr
	}
	return m.channel, nil
}

func (m *mockConnection) Close() error {
	m.closed = true
	return nil
}

type mockDialer struct {
	conn AMQPConnection
	err  error
}

func (m *mockDialer) Dial(url string) (AMQPConnection, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.conn, nil
}
