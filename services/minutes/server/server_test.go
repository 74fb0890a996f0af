package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/notify"
	pb "github.com/xilidan/minutes/specs/proto/minutes"
)

type fakeMeetings struct {
	mu       sync.Mutex
	meetings map[string]*entity.Meeting
	broker   *notify.Broker
}

func newFakeMeetings(meetings ...*entity.Meeting) *fakeMeetings {
	f := &fakeMeetings{meetings: make(map[string]*entity.Meeting), broker: notify.NewBroker()}
	for _, m := range meetings {
		f.meetings[m.ID] = m
	}
	return f
}

func (f *fakeMeetings) Get(_ context.Context, id string) (*entity.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return m.Clone(), nil
}

func (f *fakeMeetings) List(_ context.Context, filter entity.Filter) ([]*entity.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts := entity.ListOptions{Filter: filter, Now: entity.Now(), RecentWindow: time.Hour}
	var out []*entity.Meeting
	for _, m := range f.meetings {
		if opts.Match(m) {
			out = append(out, m.Clone())
		}
	}
	opts.Sort(out)
	return out, nil
}

func (f *fakeMeetings) Subscribe(ctx context.Context, id string) (<-chan entity.StatusEvent, func(), error) {
	if id != "" {
		if _, err := f.Get(ctx, id); err != nil {
			return nil, nil, err
		}
	}
	ch, cancel := f.broker.Subscribe(id)
	return ch, cancel, nil
}

func (f *fakeMeetings) set(m *entity.Meeting) {
	f.mu.Lock()
	f.meetings[m.ID] = m
	f.mu.Unlock()
	_ = f.broker.Publish(context.Background(), entity.NewStatusEvent(m))
}

func dial(t *testing.T, meetings Meetings) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv, err := NewServerOptions(meetings, logger.Discard()).NewServer()
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func meeting(id string, st entity.Status) *entity.Meeting {
	now := entity.Now()
	return &entity.Meeting{ID: id, Title: id, CreatedAt: now, UpdatedAt: now, Status: st}
}

func TestGetStatus(t *testing.T) {
	failed := meeting("m-2", entity.Failed())
	failed.LastError = &entity.LastError{Kind: entity.KindTranscriptionFailed, Message: "boom", Stage: entity.StageTranscribe, Resumable: true}

	client := pb.NewMeetingServiceClient(dial(t, newFakeMeetings(
		meeting("m-1", entity.Processing(entity.StageTranscribe)),
		failed,
	)))
	ctx := context.Background()

	resp, err := client.GetStatus(ctx, wrapperspb.String("m-1"))
	require.NoError(t, err)
	var ev entity.StatusEvent
	require.NoError(t, pb.FromStruct(resp, &ev))
	assert.Equal(t, "processing(transcribe)", ev.Status)
	assert.Equal(t, entity.StageTranscribe, ev.Stage)

	resp, err = client.GetStatus(ctx, wrapperspb.String("m-2"))
	require.NoError(t, err)
	ev = entity.StatusEvent{}
	require.NoError(t, pb.FromStruct(resp, &ev))
	require.NotNil(t, ev.LastError)
	assert.Equal(t, entity.KindTranscriptionFailed, ev.LastError.Kind)
	assert.True(t, ev.LastError.Resumable)

	_, err = client.GetStatus(ctx, wrapperspb.String("missing"))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetStatus(ctx, wrapperspb.String(""))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestListMeetings(t *testing.T) {
	archived := meeting("m-old", entity.Completed())
	archived.Minutes = &entity.Minutes{Summary: "done"}
	archivedAt := entity.Now()
	archived.ArchivedAt = &archivedAt

	client := pb.NewMeetingServiceClient(dial(t, newFakeMeetings(meeting("m-1", entity.Pending()), archived)))
	ctx := context.Background()

	req, err := structpb.NewStruct(map[string]any{"filter": "archived"})
	require.NoError(t, err)
	resp, err := client.ListMeetings(ctx, req)
	require.NoError(t, err)

	var out struct {
		Filter   string                  `json:"filter"`
		Meetings []entity.MeetingSummary `json:"meetings"`
	}
	require.NoError(t, pb.FromStruct(resp, &out))
	assert.Equal(t, "archived", out.Filter)
	require.Len(t, out.Meetings, 1)
	assert.Equal(t, "m-old", out.Meetings[0].ID)
	assert.True(t, out.Meetings[0].HasMinutes)

	resp, err = client.ListMeetings(ctx, &structpb.Struct{})
	require.NoError(t, err)
	require.NoError(t, pb.FromStruct(resp, &out))
	assert.Equal(t, "all", out.Filter)
	assert.Len(t, out.Meetings, 2)

	bad, err := structpb.NewStruct(map[string]any{"filter": "someday"})
	require.NoError(t, err)
	_, err = client.ListMeetings(ctx, bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWatchStatus_EndsWhenMeetingSettles(t *testing.T) {
	meetings := newFakeMeetings(meeting("m-1", entity.Processing(entity.StageTranscribe)))
	client := pb.NewMeetingServiceClient(dial(t, meetings))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.WatchStatus(ctx, wrapperspb.String("m-1"))
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "processing(transcribe)", first.GetFields()["status"].GetStringValue())

	next := meeting("m-1", entity.Processing(entity.StageSummarize))
	meetings.set(next)
	done := meeting("m-1", entity.Completed())
	done.Minutes = &entity.Minutes{Summary: "ok"}
	meetings.set(done)

	var got []string
	for {
		msg, err := stream.Recv()
		if err != nil {
			break
		}
		got = append(got, msg.GetFields()["status"].GetStringValue())
	}
	assert.Equal(t, []string{"processing(summarize)", "completed"}, got)
}

func TestWatchStatus_UnknownMeeting(t *testing.T) {
	client := pb.NewMeetingServiceClient(dial(t, newFakeMeetings()))

	stream, err := client.WatchStatus(context.Background(), wrapperspb.String("missing"))
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealth(t *testing.T) {
	client := healthpb.NewHealthClient(dial(t, newFakeMeetings()))

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: pb.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
