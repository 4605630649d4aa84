package rabbitmq

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careremind/reminder-engine/internal/dispatch"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

func TestPublishing(t *testing.T) {
	now := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)
	msg := dispatch.Message{
		ID:        "m-1",
		Recipient: "+16502530000",
		Channel:   reminder.ChannelWhatsApp,
		Subject:   "Reminder",
		Body:      "see you",
		Metadata:  map[string]string{"appointment_id": "a-1"},
	}

	pub, err := publishing(msg, now)
	require.NoError(t, err)
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, "m-1", pub.MessageId)
	assert.Equal(t, "a-1", pub.CorrelationId)
	assert.Equal(t, now, pub.Timestamp)

	var env envelope
	require.NoError(t, json.Unmarshal(pub.Body, &env))
	assert.Equal(t, "whatsapp:+16502530000", env.To)
	assert.Equal(t, "see you", env.Body)

	assert.Equal(t, "reminder.whatsapp", RoutingKey(msg))
}
