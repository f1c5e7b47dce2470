package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubEmitter wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//     (analytics pipelines, tenant integrations)
//   - In-memory: immediate push to desk stream subscribers
type PubSubEmitter struct {
	*Bus // embedded — Subscribe/Unsubscribe still work for the desk stream

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEmitter creates a Pub/Sub-backed emitter. It creates the topic if
// it does not exist.
func NewPubSubEmitter(projectID, topicID string) (*PubSubEmitter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}

	// Tenant-scoped ordering: events for one tenant arrive in emit order.
	topic.EnableMessageOrdering = true

	e := &PubSubEmitter{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}

	e.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return e, nil
}

// Emit creates an event, publishes it to Pub/Sub, and fans out to in-memory
// subscribers.
func (e *PubSubEmitter) Emit(eventType, source, subject, tenantID string, data map[string]interface{}) {
	event := NewEvent(eventType, source, subject, tenantID, data)

	e.publish(event)
	e.Bus.Publish(event)
}

// publish serializes the event and publishes it as a Pub/Sub message.
// Message attributes map to CloudEvents metadata for server-side filtering.
func (e *PubSubEmitter) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		e.logger.Printf("❌ Failed to marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    event.TenantID,
		},
		OrderingKey: event.TenantID,
	}

	result := e.topic.Publish(context.Background(), msg)

	// Non-blocking: check result in a goroutine to keep the hot path fast.
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			e.logger.Printf("❌ Pub/Sub publish failed: %s → %v", event.ID, err)
			return
		}
		e.logger.Printf("📤 Published event %s → msgID=%s (type=%s)", event.ID, serverID, event.Type)
	}()
}

// Close gracefully shuts down the Pub/Sub client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	e.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (e *PubSubEmitter) TopicPath() string {
	return e.topic.String()
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (e *PubSubEmitter) HealthCheck(ctx context.Context) error {
	exists, err := e.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubEmitter)(nil)
