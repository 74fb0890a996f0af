package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/pkg/metrics"
	"github.com/xilidan/minutes/pkg/retry"
	"github.com/xilidan/minutes/services/minutes/blob"
	"github.com/xilidan/minutes/services/minutes/consts"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/media"
)

// Engine is a speech-to-text capability.
type Engine interface {
	Transcribe(ctx context.Context, req *entity.TranscriptionRequest) (*entity.TranscriptionResult, error)
}

type Options struct {
	Language      string
	MaxChunkBytes int64
	Concurrency   int
	Policy        retry.Policy
	Metrics       *metrics.PipelineMetrics
}

type Stage struct {
	blobs   blob.Store
	decoder media.Decoder
	engine  Engine
	opts    Options
}

// New builds the transcription stage. decoder may be nil; recordings that
// are not WAV then cannot be chunked.
func New(blobs blob.Store, decoder media.Decoder, engine Engine, opts Options) *Stage {
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = consts.DefaultMaxChunkBytes
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Stage{
		blobs:   blobs,
		decoder: decoder,
		engine:  engine,
		opts:    opts,
	}
}

type piece struct {
	startMs  int64
	filename string
	mimeType string
	data     []byte
}

// Transcribe turns the recording behind asset into one ordered transcript.
// Any failure comes back as an *entity.StageError of kind
// entity.ErrTranscriptionFailed.
func (s *Stage) Transcribe(ctx context.Context, meetingID string, asset *entity.RecordingAsset) (*entity.Transcript, error) {
	log := logger.FromContext(ctx)

	data, err := blob.ReadAll(ctx, s.blobs, asset.StorageRef)
	if err != nil {
		return nil, s.fail(err, 0)
	}

	pieces, err := s.split(ctx, asset, data)
	if err != nil {
		return nil, s.fail(err, 0)
	}
	log.Debug("transcribing recording",
		slog.String("meeting_id", meetingID),
		slog.Int("chunks", len(pieces)),
		slog.Int64("size_bytes", asset.SizeBytes))

	results := make([]*entity.TranscriptionResult, len(pieces))
	attempts := make([]int, len(pieces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, p := range pieces {
		i, p := i, p
		g.Go(func() error {
			res, n, err := s.transcribePiece(gctx, p)
			attempts[i] = n
			if err != nil {
				log.Warn("chunk transcription failed",
					slog.String("meeting_id", meetingID),
					slog.Int("chunk", i),
					slog.String("error", err.Error()))
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, s.fail(err, slices.Max(attempts))
	}

	transcript := &entity.Transcript{
		MeetingID: meetingID,
		Segments:  []entity.Segment{},
		CreatedAt: entity.Now(),
	}
	for i, res := range results {
		if transcript.Language == "" {
			transcript.Language = res.Language
		}
		offset := pieces[i].startMs
		for _, seg := range res.Segments {
			seg.StartMs += offset
			seg.EndMs += offset
			if seg.EndMs < seg.StartMs {
				seg.EndMs = seg.StartMs
			}
			transcript.Segments = append(transcript.Segments, seg)
		}
	}
	if transcript.Language == "" {
		transcript.Language = s.opts.Language
	}
	sort.SliceStable(transcript.Segments, func(i, j int) bool {
		return transcript.Segments[i].StartMs < transcript.Segments[j].StartMs
	})

	return transcript, nil
}

func (s *Stage) transcribePiece(ctx context.Context, p piece) (*entity.TranscriptionResult, int, error) {
	var res *entity.TranscriptionResult
	err := retry.Do(ctx, s.opts.Policy, func(ctx context.Context) error {
		var err error
		res, err = s.engine.Transcribe(ctx, &entity.TranscriptionRequest{
			Audio:    bytes.NewReader(p.data),
			Filename: p.filename,
			MimeType: p.mimeType,
			Language: s.opts.Language,
		})
		return err
	}, retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
		s.opts.Metrics.RecordRetry(consts.CapabilitySpeech)
		logger.Debug(ctx, "retrying transcription",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}))

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return nil, exhausted.Attempts, exhausted.Err
	}
	if err != nil {
		return nil, 1, err
	}
	if res == nil {
		res = &entity.TranscriptionResult{}
	}
	return res, 1, nil
}

// split returns the recording as it is when it fits the engine limit, and
// otherwise as WAV chunks, decoding first when needed.
func (s *Stage) split(ctx context.Context, asset *entity.RecordingAsset, data []byte) ([]piece, error) {
	if int64(len(data)) <= s.opts.MaxChunkBytes {
		return []piece{{
			filename: filenameOr(asset.SourceFilename, "recording"),
			mimeType: asset.MimeType,
			data:     data,
		}}, nil
	}

	wav := data
	if !media.IsWAV(data) {
		if s.decoder == nil {
			return nil, fmt.Errorf("recording of %d bytes exceeds the %d byte chunk limit and no decoder is available", len(data), s.opts.MaxChunkBytes)
		}
		decoded, err := s.decoder.Decode(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode recording: %w", err)
		}
		wav = decoded
	}

	chunks, err := media.SplitWAV(wav, s.opts.MaxChunkBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to split recording: %w", err)
	}
	if len(chunks) == 0 {
		return nil, errors.New("recording has no audio samples")
	}

	pieces := make([]piece, 0, len(chunks))
	for _, c := range chunks {
		pieces = append(pieces, piece{
			startMs:  c.StartMs,
			filename: fmt.Sprintf("chunk-%03d.wav", c.Index),
			mimeType: "audio/wav",
			data:     c.Data,
		})
	}
	return pieces, nil
}

func (s *Stage) fail(err error, attempts int) error {
	return &entity.StageError{
		Stage:    entity.StageTranscribe,
		Kind:     entity.ErrTranscriptionFailed,
		Cause:    err,
		Attempts: attempts,
	}
}

func filenameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
