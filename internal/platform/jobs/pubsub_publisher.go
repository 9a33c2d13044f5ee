package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/eventgate/api/internal/services"
)

// PubSubTicketPublisher publishes post-issuance ticket jobs to a Pub/Sub topic.
// Downstream workers render pass artifacts and send confirmation messages.
type PubSubTicketPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubTicketPublisher constructs a Pub/Sub backed ticket job publisher.
func NewPubSubTicketPublisher(topic *pubsub.Topic) (*PubSubTicketPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub ticket publisher: topic is required")
	}
	return &PubSubTicketPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishTicketJob enqueues a ticket job message on the configured topic.
func (p *PubSubTicketPublisher) PublishTicketJob(ctx context.Context, message services.TicketJobMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub ticket publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal ticket job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "jobId", message.JobID)
	setAttr(attrs, "kind", message.Kind)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "userId", message.UserID)
	if len(message.TicketNumbers) > 0 {
		attrs["ticketCount"] = strconv.Itoa(len(message.TicketNumbers))
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish ticket job: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
