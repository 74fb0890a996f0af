package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/services/minutes/entity"
	pb "github.com/xilidan/minutes/specs/proto/minutes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Meetings is the part of the orchestrator the gRPC API reads from.
type Meetings interface {
	Get(ctx context.Context, meetingID string) (*entity.Meeting, error)
	List(ctx context.Context, filter entity.Filter) ([]*entity.Meeting, error)
	Subscribe(ctx context.Context, meetingID string) (<-chan entity.StatusEvent, func(), error)
}

type Server struct {
	meetings Meetings
	health   *health.Server
	log      *slog.Logger
}

func NewServerOptions(meetings Meetings, log *slog.Logger) *Server {
	return &Server{
		meetings: meetings,
		health:   health.NewServer(),
		log:      log,
	}
}

func (s *Server) NewServer() (*grpc.Server, error) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.unaryLogger),
		grpc.ChainStreamInterceptor(s.streamLogger),
	)
	pb.RegisterMeetingServiceServer(srv, s)
	healthpb.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus(pb.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return srv, nil
}

// Shutdown reports NOT_SERVING to health checks ahead of GracefulStop.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

func (s *Server) GetStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "meeting id is required")
	}

	m, err := s.meetings.Get(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}

	return toStruct(entity.NewStatusEvent(m))
}

func (s *Server) ListMeetings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var raw string
	if v, ok := req.GetFields()["filter"]; ok {
		raw = v.GetStringValue()
	}
	filter, err := entity.ParseFilter(raw)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	meetings, err := s.meetings.List(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}

	summaries := make([]entity.MeetingSummary, 0, len(meetings))
	for _, m := range meetings {
		summaries = append(summaries, m.Summary())
	}

	return toStruct(struct {
		Filter   entity.Filter           `json:"filter"`
		Meetings []entity.MeetingSummary `json:"meetings"`
	}{filter, summaries})
}

// WatchStatus sends the current status first when a meeting id is given, then
// every transition. A single-meeting stream ends once the meeting settles.
func (s *Server) WatchStatus(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	meetingID := req.GetValue()

	events, cancel, err := s.meetings.Subscribe(ctx, meetingID)
	if err != nil {
		return toStatus(err)
	}
	defer cancel()

	if meetingID != "" {
		m, err := s.meetings.Get(ctx, meetingID)
		if err != nil {
			return toStatus(err)
		}
		if err := send(stream, entity.NewStatusEvent(m)); err != nil {
			return err
		}
		if !m.Status.IsActive() && m.Status.Phase != entity.PhasePending {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return status.Error(codes.Unavailable, "service is shutting down")
			}
			if err := send(stream, ev); err != nil {
				return err
			}
			if meetingID != "" && (ev.Phase == entity.PhaseCompleted || ev.Phase == entity.PhaseFailed) {
				return nil
			}
		}
	}
}

func send(stream grpc.ServerStreamingServer[structpb.Struct], ev entity.StatusEvent) error {
	msg, err := toStruct(ev)
	if err != nil {
		return err
	}
	return stream.Send(msg)
}

func toStruct(v any) (*structpb.Struct, error) {
	msg, err := pb.ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, entity.ErrAlreadyProcessing),
		errors.Is(err, entity.ErrNotRetryable),
		errors.Is(err, entity.ErrNotProcessing):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) unaryLogger(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	ctx = logger.WithContext(ctx, s.log)

	resp, err := handler(ctx, req)
	s.log.Debug("grpc call",
		slog.String("method", info.FullMethod),
		slog.String("code", status.Code(err).String()),
		slog.Duration("took", time.Since(start)))
	return resp, err
}

func (s *Server) streamLogger(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	s.log.Debug("grpc stream opened", slog.String("method", info.FullMethod))
	err := handler(srv, ss)
	s.log.Debug("grpc stream closed",
		slog.String("method", info.FullMethod),
		slog.String("code", status.Code(err).String()))
	return err
}
