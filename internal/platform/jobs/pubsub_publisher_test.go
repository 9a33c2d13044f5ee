package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/eventgate/api/internal/services"
)

func TestPubSubTicketPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "ticket-jobs")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubTicketPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubTicketPublisher: %v", err)
	}

	queuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := services.TicketJobMessage{
		JobID:         "job_test",
		Kind:          "ticket.issued",
		OrderID:       "pi_123",
		UserID:        "user-1",
		TicketNumbers: []string{"TCKT-XYZ789user12025060111", "TCKT-XYZ789user12025060121"},
		QueuedAt:      queuedAt,
	}

	if _, err := publisher.PublishTicketJob(ctx, msg); err != nil {
		t.Fatalf("PublishTicketJob: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.TicketJobMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.JobID != msg.JobID || payload.OrderID != msg.OrderID {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if len(payload.TicketNumbers) != 2 {
		t.Fatalf("expected ticket numbers preserved, got %#v", payload.TicketNumbers)
	}
	if attr := messages[0].Attributes["kind"]; attr != "ticket.issued" {
		t.Fatalf("expected kind attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["ticketCount"]; attr != "2" {
		t.Fatalf("expected ticketCount attribute 2, got %q", attr)
	}
}

func TestPubSubTicketPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubTicketPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
