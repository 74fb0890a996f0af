package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/xilidan/minutes/services/minutes/entity"
	pb "github.com/xilidan/minutes/specs/proto/minutes"
)

// Watcher follows status events over the gRPC status service.
type Watcher struct {
	conn   *grpc.ClientConn
	client pb.MeetingServiceClient
}

func NewWatcher(address string, opts ...grpc.DialOption) (*Watcher, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc connection: %w", err)
	}

	return &Watcher{
		conn:   conn,
		client: pb.NewMeetingServiceClient(conn),
	}, nil
}

// Watch calls fn for every event until the stream ends or fn returns an
// error. An empty meeting id follows every meeting.
func (w *Watcher) Watch(ctx context.Context, meetingID string, fn func(entity.StatusEvent) error) error {
	stream, err := w.client.WatchStatus(ctx, wrapperspb.String(meetingID))
	if err != nil {
		return err
	}

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var ev entity.StatusEvent
		if err := pb.FromStruct(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (w *Watcher) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
