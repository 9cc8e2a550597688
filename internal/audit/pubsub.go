package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSub wraps the in-memory Bus and replicates every event to a Google
// Cloud Pub/Sub topic for durable, cross-service delivery. In-memory
// subscribers keep working unchanged.
type PubSub struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	log    *slog.Logger
}

// NewPubSub connects to the project and creates the topic if it does not
// exist. Message ordering is per tenant.
func NewPubSub(ctx context.Context, projectID, topicID string, log *slog.Logger) (*PubSub, error) {
	if log == nil {
		log = slog.Default()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, err
		}
		log.Info("created audit topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	p := &PubSub{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		log:    log.With("component", "audit-pubsub"),
	}
	p.log.Info("audit events publishing to pubsub", "topic", topic.String())
	return p, nil
}

// Emit publishes to Pub/Sub and fans out to in-memory subscribers.
func (p *PubSub) Emit(eventType, tenantID string, fields map[string]interface{}) {
	e := NewEvent(eventType, tenantID, fields)
	p.Bus.Publish(e)
	p.publish(e)
}

func (p *PubSub) publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.log.Error("marshal audit event", "type", e.Type, "error", err)
		return
	}

	result := p.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type":     e.Type,
			"tenantid": e.TenantID,
			"id":       e.ID,
			"time":     e.At.Format(time.RFC3339Nano),
		},
		OrderingKey: e.TenantID,
	})

	// Result checked off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			// A failed ordered publish stalls the key until resumed.
			p.topic.ResumePublish(e.TenantID)
			p.log.Warn("audit publish failed", "type", e.Type, "tenant", e.TenantID, "error", err)
		}
	}()
}

// Close stops the publisher and releases the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

var _ Emitter = (*PubSub)(nil)
