// Package pubsub publishes crawled records to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// Message attributes set on every event.
const (
	KeyAttribute         = "key"
	ContentTypeAttribute = "content_type"
	PublishedAtAttribute = "published_at"
)

const defaultPublishTimeout = 10 * time.Second

var _ crawler.Publisher = (*Publisher)(nil)

// Config describes the topic to publish to.
type Config struct {
	ProjectID      string        `mapstructure:"project_id"`
	Topic          string        `mapstructure:"topic"`
	Ordering       bool          `mapstructure:"ordering"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// Publisher sends JSON events keyed by page URL. With ordering enabled,
// events for the same URL arrive in publish order.
type Publisher struct {
	topic      *pubsub.Publisher
	client     *pubsub.Client
	ordering   bool
	timeout    time.Duration
	now        func() time.Time
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Open dials Pub/Sub and returns a Publisher that owns the client.
func Open(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub project_id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init: %w", err)
	}
	p := New(client.Publisher(cfg.Topic), cfg)
	p.client = client
	return p, nil
}

// New wraps an existing topic publisher. Only Ordering and PublishTimeout
// are read from cfg.
func New(topic *pubsub.Publisher, cfg Config) *Publisher {
	if topic != nil {
		topic.EnableMessageOrdering = cfg.Ordering
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Publisher{
		topic:      topic,
		ordering:   cfg.Ordering,
		timeout:    cfg.PublishTimeout,
		now:        time.Now,
		tracer:     otel.Tracer("github.com/JakeFAU/sitepulse-crawler/internal/publisher/pubsub"),
		propagator: otel.GetTextMapPropagator(),
	}
}

// Publish sends payload as JSON under key and waits for the server ID.
func (p *Publisher) Publish(ctx context.Context, key string, payload any) (id string, err error) {
	if p.topic == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	ctx, span := p.tracer.Start(ctx, "publisher.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "gcp_pubsub"),
			attribute.String("messaging.destination.name", p.topic.ID()),
			attribute.Int("messaging.message.body.size", len(data)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
		} else {
			span.SetAttributes(attribute.String("messaging.message.id", id))
		}
		span.End()
	}()

	attrs := propagation.MapCarrier{
		KeyAttribute:         key,
		ContentTypeAttribute: "application/json",
		PublishedAtAttribute: p.now().UTC().Format(time.RFC3339),
	}
	p.propagator.Inject(ctx, attrs)
	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if p.ordering {
		msg.OrderingKey = key
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	id, err = p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if p.ordering {
			// Pub/Sub pauses a key after a failed ordered publish.
			p.topic.ResumePublish(key)
		}
		return "", fmt.Errorf("publish %s: %w", key, err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client when owned.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
