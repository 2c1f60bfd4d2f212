package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/timfaniran/slugsei/pkg/models"
)

type Publisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
}

// NewPublisher opens a channel on conn and declares exchange.
func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{channel: ch, exchange: exchange}, nil
}

func (p *Publisher) publishJSON(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}

// StatusPublisher publishes terminal job status events.
type StatusPublisher struct {
	pub        *Publisher
	routingKey string
}

func NewStatusPublisher(pub *Publisher, routingKey string) *StatusPublisher {
	return &StatusPublisher{pub: pub, routingKey: routingKey}
}

func (sp *StatusPublisher) PublishStatus(ctx context.Context, ev models.StatusEvent) error {
	if err := sp.pub.publishJSON(ctx, sp.routingKey, ev); err != nil {
		return fmt.Errorf("publish status for job %s: %w", ev.JobID, err)
	}
	return nil
}

// SubmitPublisher enqueues analysis requests for the submission consumers.
type SubmitPublisher struct {
	pub   *Publisher
	queue string
}

// NewSubmitPublisher publishes to queue, which is also the routing key the
// consumer binds.
func NewSubmitPublisher(pub *Publisher, queue string) *SubmitPublisher {
	return &SubmitPublisher{pub: pub, queue: queue}
}

func (sp *SubmitPublisher) Enqueue(ctx context.Context, jobID string) error {
	if err := sp.pub.publishJSON(ctx, sp.queue, models.SubmitMessage{JobID: jobID}); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}
