package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/dispatch"
)

// RecordPublisher is the part of Producer the gateway needs
type RecordPublisher interface {
	PublishRecord(ctx context.Context, rec Record) (*kgo.Record, error)
}

// Notification is the command a downstream provider worker consumes
type Notification struct {
	MessageID string            `json:"messageId"`
	Channel   string            `json:"channel"`
	To        string            `json:"to"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	QueuedAt  time.Time         `json:"queuedAt"`
}

// Gateway hands reminders to the provider workers through a topic. A send is
// delivered once the broker acknowledged the record; the external id is the
// record's topic/partition/offset.
type Gateway struct {
	publisher RecordPublisher
	topic     string
	logger    *zap.Logger
}

// NewGateway creates a topic-backed notification gateway
func NewGateway(publisher RecordPublisher, topic string, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = TopicNotificationsOutbound
	}
	return &Gateway{publisher: publisher, topic: topic, logger: logger}
}

func (g *Gateway) Send(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
	value, err := json.Marshal(Notification{
		MessageID: msg.ID,
		Channel:   string(msg.Channel),
		To:        dispatch.ProviderAddress(msg.Channel, msg.Recipient),
		Subject:   msg.Subject,
		Body:      msg.Body,
		Metadata:  msg.Metadata,
		QueuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("encode notification: %w", err)
	}

	key := msg.Metadata["appointment_id"]
	if key == "" {
		key = msg.ID
	}
	acked, err := g.publisher.PublishRecord(ctx, Record{
		Topic: g.topic,
		Key:   key,
		Value: value,
		Headers: map[string]string{
			"message-id": msg.ID,
			"channel":    string(msg.Channel),
		},
	})
	if err != nil {
		return dispatch.Result{}, dispatch.ProviderUnavailable("redpanda", err)
	}

	id := fmt.Sprintf("%s/%d/%d", acked.Topic, acked.Partition, acked.Offset)
	g.logger.Debug("notification queued",
		zap.String("message_id", msg.ID),
		zap.String("external_id", id),
		zap.String("recipient", dispatch.MaskAddress(msg.Recipient)))
	return dispatch.Result{ExternalID: id, DeliveredOK: true}, nil
}
