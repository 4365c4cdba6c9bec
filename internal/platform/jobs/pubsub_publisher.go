package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/alambique/storefront/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// PubSubEventPublisher publishes cart and payment lifecycle events for remarketing and analytics consumers.
type PubSubEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	logger  *zap.Logger
	timeout time.Duration
	pending sync.WaitGroup
}

// NewPubSubEventPublisher wraps topic.
func NewPubSubEventPublisher(topic *pubsub.Topic, logger *zap.Logger) (*PubSubEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
		logger:  logger,
		timeout: defaultPublishTimeout,
	}, nil
}

// PublishEvent publishes event and waits for the server id.
func (p *PubSubEventPublisher) PublishEvent(ctx context.Context, event domain.LifecycleEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub event publisher: not initialised")
	}
	if event.Type == "" {
		return "", errors.New("pubsub event publisher: event type is required")
	}
	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal lifecycle event: %w", err)
	}

	attrs := map[string]string{"eventType": string(event.Type)}
	setAttr(attrs, "cartId", event.CartID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "provider", event.Provider)

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if key := orderingKey(event); key != "" && p.topic.EnableMessageOrdering {
		msg.OrderingKey = key
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish lifecycle event: %w", err)
	}
	return id, nil
}

// Emit publishes in the background. Failures are logged, never returned, so a Pub/Sub outage cannot block checkout.
func (p *PubSubEventPublisher) Emit(ctx context.Context, event domain.LifecycleEvent) {
	if p == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if _, err := p.PublishEvent(ctx, event); err != nil {
			p.logger.Warn("lifecycle event dropped",
				zap.String("event_type", string(event.Type)),
				zap.String("cart_id", event.CartID),
				zap.String("order_id", event.OrderID),
				zap.Error(err))
		}
	}()
}

// Flush waits for background publishes started by Emit.
func (p *PubSubEventPublisher) Flush() {
	if p == nil {
		return
	}
	p.pending.Wait()
}

func orderingKey(event domain.LifecycleEvent) string {
	if event.CartID != "" {
		return "cart:" + event.CartID
	}
	if event.OrderID != "" {
		return "order:" + event.OrderID
	}
	return ""
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
