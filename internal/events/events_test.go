package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisherEncodesEvent(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	prod.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "dispatch-events", msg.Topic)
		key, _ := msg.Key.Encode()
		assert.Equal(t, "12", string(key))

		raw, _ := msg.Value.Encode()
		var e Event
		require.NoError(t, json.Unmarshal(raw, &e))
		assert.Equal(t, CampaignPaused, e.Type)
		assert.Equal(t, "risk critical", e.Reason)
		assert.False(t, e.OccurredAt.IsZero())
		return nil
	})

	p := NewKafkaPublisherFromProducer(prod, "dispatch-events", zerolog.Nop())
	require.NoError(t, p.Publish(context.Background(), Event{Type: CampaignPaused, CampaignID: 12, Reason: "risk critical"}))
	require.NoError(t, p.Close())
}

func TestKafkaPublisherPropagatesErrors(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	prod.ExpectSendMessageAndFail(errors.New("broker down"))

	p := NewKafkaPublisherFromProducer(prod, "dispatch-events", zerolog.Nop())
	err := p.Publish(context.Background(), Event{Type: AttemptSent, CampaignID: 1})
	assert.ErrorContains(t, err, "broker down")
	require.NoError(t, p.Close())
}

func TestNilKafkaPublisher(t *testing.T) {
	var p *KafkaPublisher
	assert.Error(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), Event{Type: AttemptSent})
	_ = r.Publish(context.Background(), Event{Type: CampaignCompleted})

	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(CampaignCompleted), 1)
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
