package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/dispatch"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

type fakePublisher struct {
	records []Record
	err     error
}

func (f *fakePublisher) PublishRecord(_ context.Context, rec Record) (*kgo.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.records = append(f.records, rec)
	return &kgo.Record{Topic: rec.Topic, Partition: 2, Offset: int64(40 + len(f.records))}, nil
}

func TestGateway_PublishesNotification(t *testing.T) {
	pub := &fakePublisher{}
	gw := NewGateway(pub, "", nil)

	res, err := gw.Send(context.Background(), dispatch.Message{
		ID:        "m-1",
		Recipient: "+16502530000",
		Channel:   reminder.ChannelWhatsApp,
		Body:      "see you tomorrow",
		Metadata:  map[string]string{"appointment_id": "a-1"},
	})
	require.NoError(t, err)
	assert.True(t, res.DeliveredOK)
	assert.Equal(t, "notifications.outbound/2/41", res.ExternalID)

	require.Len(t, pub.records, 1)
	rec := pub.records[0]
	assert.Equal(t, TopicNotificationsOutbound, rec.Topic)
	assert.Equal(t, "a-1", rec.Key)
	assert.Equal(t, "m-1", rec.Headers["message-id"])

	var n Notification
	require.NoError(t, json.Unmarshal(rec.Value, &n))
	assert.Equal(t, "whatsapp:+16502530000", n.To)
	assert.Equal(t, "see you tomorrow", n.Body)
}

func TestGateway_BrokerFailureIsProviderUnavailable(t *testing.T) {
	gw := NewGateway(&fakePublisher{err: errors.New("no brokers")}, "custom", nil)

	_, err := gw.Send(context.Background(), dispatch.Message{ID: "m-1", Channel: reminder.ChannelSMS, Recipient: "+16502530000"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindProviderUnavailable, apperr.KindOf(err))
}

func TestHeaderCarrier(t *testing.T) {
	rec := &kgo.Record{}
	c := headerCarrier{rec}

	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("baggage", "k=v")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Empty(t, c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "baggage"}, c.Keys())
	assert.Len(t, rec.Headers, 2)
}
