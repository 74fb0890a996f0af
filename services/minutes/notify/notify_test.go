package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/topics"
)

func event(id, status string) entity.StatusEvent {
	return entity.StatusEvent{MeetingID: id, Status: status}
}

func TestBroker_RoutesByMeeting(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	one, cancelOne := b.Subscribe("m-1")
	defer cancelOne()
	all, cancelAll := b.Subscribe("")
	defer cancelAll()

	require.NoError(t, b.Publish(ctx, event("m-1", "uploading")))
	require.NoError(t, b.Publish(ctx, event("m-2", "uploading")))

	assert.Equal(t, "m-1", (<-one).MeetingID)
	assert.Equal(t, "m-1", (<-all).MeetingID)
	assert.Equal(t, "m-2", (<-all).MeetingID)
	assert.Len(t, one, 0)
}

func TestBroker_CancelClosesChannel(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("m-1")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, b.Publish(context.Background(), event("m-1", "failed")))
}

func TestBroker_DropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("m-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, b.Publish(context.Background(), event("m-1", "processing(transcribe)")))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("")
	b.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe("m-1")
	_, ok = <-late
	assert.False(t, ok)
}

type fakeRedis struct {
	channel string
	message []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisher(t *testing.T) {
	fake := &fakeRedis{}
	p := NewRedisPublisher(fake, topics.MeetingStatus, logger.Discard())

	require.NoError(t, p.Publish(context.Background(), event("m-1", "completed")))
	assert.Equal(t, "minutes.meeting.status", fake.channel)

	var got entity.StatusEvent
	require.NoError(t, json.Unmarshal(fake.message, &got))
	assert.Equal(t, "m-1", got.MeetingID)
	assert.Equal(t, "completed", got.Status)

	fake.err = errors.New("connection reset")
	assert.ErrorContains(t, p.Publish(context.Background(), event("m-1", "completed")), "connection reset")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, entity.StatusEvent) error { return errors.New("down") }

func TestFanout(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("m-1")
	defer cancel()

	p := Fanout(b, nil, failingPublisher{})
	err := p.Publish(context.Background(), event("m-1", "failed"))
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, "failed", (<-ch).Status)
}
