// Package notify optionally publishes a small event after each
// incremental summary update, so external dashboards can invalidate
// their own cache instead of polling the object store.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"evalorchestrator.dev/common"
)

// Event types published by AMQPPublisher.
const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// Event is the wire shape of one notification.
type Event struct {
	Type        string    `json:"type"`
	BlueprintID string    `json:"blueprintId"`
	RunLabel    string    `json:"runLabel"`
	Timestamp   time.Time `json:"timestamp"`
	HybridScore float64   `json:"hybridScore,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// AMQPChannel is the subset of *amqp.Channel this package needs;
// *amqp.Channel satisfies it directly.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConnection abstracts the broker connection for testability.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPDialer abstracts dialing the broker for testability.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

type realConnection struct {
	conn *amqp.Connection
}

func (r *realConnection) Channel() (AMQPChannel, error) {
	return r.conn.Channel()
}

func (r *realConnection) Close() error {
	return r.conn.Close()
}

type realDialer struct{}

func (realDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

// AMQPPublisher publishes run.completed / run.failed events to a
// durable queue. Publish failures are logged, never propagated: a
// notification is a convenience for downstream dashboards, never
// load-bearing for the incremental update it rode in on.
type AMQPPublisher struct {
	conn      AMQPConnection
	channel   AMQPChannel
	queueName string
	log       *common.ContextLogger
}

// NewAMQPPublisher connects to url and declares queueName as durable.
func NewAMQPPublisher(url, queueName string, log *common.ContextLogger) (*AMQPPublisher, error) {
	return newAMQPPublisherWithDialer(realDialer{}, url, queueName, log)
}

func newAMQPPublisherWithDialer(dialer AMQPDialer, url, queueName string, log *common.ContextLogger) (*AMQPPublisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	_, err = channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queueName, err)
	}

	return &AMQPPublisher{conn: conn, channel: channel, queueName: queueName, log: log}, nil
}

// Publish sends event to the queue, fire-and-forget.
func (p *AMQPPublisher) Publish(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logf("marshalling %s event for %s/%s: %v", event.Type, event.BlueprintID, event.RunLabel, err)
		return
	}

	err = p.channel.Publish("", p.queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.Timestamp,
		Body:        body,
	})
	if err != nil {
		p.logf("publishing %s event for %s/%s: %v", event.Type, event.BlueprintID, event.RunLabel, err)
	}
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}

func (p *AMQPPublisher) logf(format string, args ...interface{}) {
	if p.log != nil {
		p.log.Errorf(format, args...)
	}
}
