package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	topic string
	msg   *pubsub.Message
}

func TestPublishEncodesPayload(t *testing.T) {
	t.Parallel()

	var got []sent
	p := New(nil, zap.NewNop())
	p.publish = func(_ context.Context, topic string, msg *pubsub.Message) (string, error) {
		got = append(got, sent{topic: topic, msg: msg})
		return "msg-1", nil
	}

	id, err := p.Publish(context.Background(), "jobs-finished", map[string]any{"job_id": "j1", "status": "completed"})
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	require.Len(t, got, 1)
	require.Equal(t, "jobs-finished", got[0].topic)
	require.Equal(t, "application/json", got[0].msg.Attributes["content_type"])

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(got[0].msg.Data, &decoded))
	require.Equal(t, "j1", decoded["job_id"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	p := New(nil, nil)
	_, err := p.Publish(context.Background(), "", "x")
	require.Error(t, err)

	_, err = p.Publish(context.Background(), "t", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = p.Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "client is not configured")

	p.publish = func(context.Context, string, *pubsub.Message) (string, error) {
		return "", errors.New("deadline")
	}
	_, err = p.Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "publish to t: deadline")
	p.Close()
}
