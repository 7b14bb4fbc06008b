package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"lora-orchestrator/core/events"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	JobExchange         = "lora.jobs"
	JobStatusRoutingKey = "job.status"
)

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// JobEventPublisher sends job lifecycle messages to a topic exchange.
// Routing keys are job.status.<status>, so consumers can bind to a single
// terminal state or to job.status.#.
type JobEventPublisher struct {
	mu          sync.Mutex
	channel     publishChannel
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

// Connect dials url, opens a channel and declares the exchange
func Connect(url string) (*amqp.Connection, *JobEventPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	publisher, err := NewJobEventPublisher(ch)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, publisher, nil
}

// NewJobEventPublisher declares the exchange on channel
func NewJobEventPublisher(channel *amqp.Channel) (*JobEventPublisher, error) {
	err := channel.ExchangeDeclare(
		JobExchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare job exchange: %w", err)
	}
	return newPublisher(channel), nil
}

func newPublisher(channel publishChannel) *JobEventPublisher {
	return &JobEventPublisher{
		channel:     channel,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    5 * time.Second,
		maxAttempts: 5,
	}
}

// PublishJobStatus publishes event, retrying with exponential backoff
func (p *JobEventPublisher) PublishJobStatus(ctx context.Context, event events.JobStatusChanged) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.At,
		MessageId:    fmt.Sprintf("%s:%s", event.JobID, event.To),
	}
	routingKey := JobStatusRoutingKey + "." + string(event.To)

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if lastErr = p.publish(ctx, routingKey, msg); lastErr == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}

		backoff := p.baseDelay << (attempt - 1)
		if backoff > p.maxDelay {
			backoff = p.maxDelay
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		}
	}
	return fmt.Errorf("publish job status after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *JobEventPublisher) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, JobExchange, routingKey, false, false, msg)
}
