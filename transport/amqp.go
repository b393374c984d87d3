package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/creastat/infra/telemetry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the part of *amqp.Channel the bus uses
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConfig holds RabbitMQ bus configuration
type AMQPConfig struct {
	// Prefix is prepended to every exchange name
	Prefix string

	// Prefetch bounds the unacknowledged deliveries per subscription
	Prefetch int

	Logger telemetry.Logger
}

// AMQP maps every topic to a durable topic exchange. Subscribers consume
// through an exclusive server-named queue bound to that exchange, so each
// subscription sees every message published after it started.
type AMQP struct {
	config AMQPConfig
	conn   io.Closer
	open   func() (amqpChannel, error)

	mu       sync.Mutex
	pub      amqpChannel
	declared map[string]bool
}

// DialAMQP connects to RabbitMQ at url
func DialAMQP(url string, config AMQPConfig) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	open := func() (amqpChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	return newAMQP(open, conn, config), nil
}

func newAMQP(open func() (amqpChannel, error), conn io.Closer, config AMQPConfig) *AMQP {
	if config.Prefetch < 1 {
		config.Prefetch = 1
	}
	return &AMQP{
		config:   config,
		conn:     conn,
		open:     open,
		declared: make(map[string]bool),
	}
}

// ExchangeName maps a slash separated topic such as /input/array1 to an
// exchange name such as <prefix>_input.array1
func ExchangeName(prefix, topic string) string {
	name := strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
	if prefix == "" {
		return name
	}
	return fmt.Sprintf("%s_%s", prefix, name)
}

func declareExchange(ch amqpChannel, name string) error {
	return ch.ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-delete
		false,   // internal
		false,   // noWait
		nil,     // arguments
	)
}

// Publish implements Publisher
func (a *AMQP) Publish(ctx context.Context, topic string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open == nil {
		return ErrClosed
	}

	if a.pub == nil {
		ch, err := a.open()
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		a.pub = ch
	}

	name := ExchangeName(a.config.Prefix, topic)
	if !a.declared[name] {
		if err := declareExchange(a.pub, name); err != nil {
			a.resetPublisher()
			return fmt.Errorf("declare exchange %q: %w", name, err)
		}
		a.declared[name] = true
	}

	err := a.pub.PublishWithContext(ctx,
		name,
		name,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		a.resetPublisher()
		return fmt.Errorf("publish to %q: %w", name, err)
	}
	return nil
}

// resetPublisher drops the publish channel after a failure. Channel errors
// close the channel broker-side, so the next Publish opens a fresh one and
// declares its exchanges again. Callers hold mu.
func (a *AMQP) resetPublisher() {
	if a.pub != nil {
		a.pub.Close()
		a.pub = nil
	}
	a.declared = make(map[string]bool)
	a.config.Logger.Warn("AMQP publish channel reset")
}

// Subscribe implements Subscriber. Deliveries are acknowledged once handed
// to the returned channel.
func (a *AMQP) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	a.mu.Lock()
	open := a.open
	a.mu.Unlock()
	if open == nil {
		return nil, ErrClosed
	}

	ch, err := open()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}

	deliveries, err := a.bind(ch, ExchangeName(a.config.Prefix, topic))
	if err != nil {
		ch.Close()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					a.config.Logger.Warn("AMQP delivery channel closed", telemetry.String("topic", topic))
					return
				}
				select {
				case <-ctx.Done():
					// unacked deliveries are requeued when the channel closes
					return
				case out <- d.Body:
				}
				if err := d.Ack(false); err != nil {
					a.config.Logger.Error("Failed to ack delivery", telemetry.Err(err), telemetry.String("topic", topic))
				}
			}
		}
	}()

	return out, nil
}

// bind declares the exchange and an exclusive queue bound to it and starts consuming
func (a *AMQP) bind(ch amqpChannel, exchange string) (<-chan amqp.Delivery, error) {
	if err := declareExchange(ch, exchange); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	if err := ch.Qos(a.config.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, exchange, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %q: %w", q.Name, err)
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",
		false,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", q.Name, err)
	}
	return deliveries, nil
}

// Close closes the publish channel and the connection
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open == nil {
		return nil
	}
	a.open = nil

	if a.pub != nil {
		a.pub.Close()
		a.pub = nil
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
