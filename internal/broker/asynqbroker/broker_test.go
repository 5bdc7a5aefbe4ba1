package asynqbroker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/broker"
	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
)

type fakeClient struct {
	tasks  []*asynq.Task
	err    error
	closed bool
}

func (c *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{ID: "id"}, nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func chapterTask() pipeline.Task {
	return pipeline.ChapterTask(crawler.ChapterTask{JobID: "job-1", TargetID: "t", ParentContentID: "c", ExternalChapterID: "1"})
}

func TestPublishRoutesToStageQueue(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	b := newWithClient(client, RedisOptions{}, broker.Options{}, zap.NewNop())

	require.NoError(t, b.Publish(context.Background(), chapterTask()))
	require.Len(t, client.tasks, 1)
	require.Equal(t, "mangacrawler.chapter", client.tasks[0].Type())

	decoded, err := pipeline.Decode(client.tasks[0].Payload())
	require.NoError(t, err)
	require.Equal(t, chapterTask().Key(), decoded.Key())

	require.NoError(t, b.Close())
	require.True(t, client.closed)
}

func TestPublishWrapsEnqueueErrors(t *testing.T) {
	t.Parallel()

	b := newWithClient(&fakeClient{err: errors.New("redis down")}, RedisOptions{}, broker.Options{}, zap.NewNop())
	require.ErrorContains(t, b.Publish(context.Background(), chapterTask()), "redis down")
}

func TestHandlerDecodesAndNumbersAttempts(t *testing.T) {
	t.Parallel()

	b := newWithClient(&fakeClient{}, RedisOptions{}, broker.Options{MaxAttempts: 4}, zap.NewNop())
	var got broker.Delivery
	handle := b.handler(func(_ context.Context, d broker.Delivery) error {
		got = d
		return nil
	})

	payload, err := chapterTask().Encode()
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), asynq.NewTask("mangacrawler.chapter", payload)))
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, 4, got.MaxAttempts)
	require.Equal(t, 1, got.Task.Attempt)
}

func TestHandlerSkipsRetryForMalformedPayload(t *testing.T) {
	t.Parallel()

	b := newWithClient(&fakeClient{}, RedisOptions{}, broker.Options{}, zap.NewNop())
	handle := b.handler(func(context.Context, broker.Delivery) error {
		t.Fatal("handler must not run")
		return nil
	})

	err := handle(context.Background(), asynq.NewTask("mangacrawler.page", []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
