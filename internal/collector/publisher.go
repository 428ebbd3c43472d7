package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventScreenshotCaptured is published after a screenshot is stored.
const EventScreenshotCaptured = "screenshot.captured"

// Event announces a stored screenshot to downstream reviewers.
type Event struct {
	Type         string    `json:"type"`
	ScreenshotID int64     `json:"screenshotId"`
	CourseID     int64     `json:"courseId"`
	ModuleID     int64     `json:"moduleId"`
	QuizID       int64     `json:"quizId"`
	Path         string    `json:"path"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// AMQPOptions configures the RabbitMQ publisher.
type AMQPOptions struct {
	URL      string
	Exchange string
}

// AMQPPublisher publishes events as persistent JSON messages on a topic
// exchange, routed by event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
	log      *slog.Logger
}

func NewAMQPPublisher(opts AMQPOptions, log *slog.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Exchange == "" {
		opts.Exchange = "invigilator"
	}

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		opts.Exchange, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info("rabbitmq publisher ready", "exchange", opts.Exchange)
	return &AMQPPublisher{conn: conn, ch: ch, exchange: opts.Exchange, log: log}, nil
}

// publishing encodes ev as the message sent for it.
func publishing(ev Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.ReceivedAt,
		Type:         ev.Type,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := publishing(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		ev.Type,    // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.log.Warn("failed to close rabbitmq channel", "error", err)
	}
	return p.conn.Close()
}
