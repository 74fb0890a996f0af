package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/pkg/metrics"
	"github.com/xilidan/minutes/pkg/retry"
	"github.com/xilidan/minutes/services/minutes/consts"
	"github.com/xilidan/minutes/services/minutes/entity"
)

// Engine is a summarization capability.
type Engine interface {
	Summarize(ctx context.Context, req *entity.SummarizationRequest) (*entity.SummarizationResult, error)
}

type Options struct {
	MaxInputChars int
	Policy        retry.Policy
	Metrics       *metrics.PipelineMetrics
}

type Stage struct {
	engine Engine
	opts   Options
}

func New(engine Engine, opts Options) *Stage {
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = consts.DefaultMaxInputChars
	}
	return &Stage{engine: engine, opts: opts}
}

const partSeparator = "\n\n"

// Summarize produces minutes for transcript. Transcripts that do not fit in
// one request are summarized per range and the partial minutes merged until
// a single set remains. Failures come back as an *entity.StageError of kind
// entity.ErrSummarizationFailed.
func (s *Stage) Summarize(ctx context.Context, transcript *entity.Transcript) (*entity.Minutes, error) {
	log := logger.FromContext(ctx)

	lines := make([]string, 0, len(transcript.Segments))
	for _, seg := range transcript.Segments {
		lines = append(lines, RenderLine(seg))
	}
	text := strings.Join(lines, "\n")

	if len(text) <= s.opts.MaxInputChars {
		out, err := s.call(ctx, entity.SummaryFull, text)
		if err != nil {
			return nil, err
		}
		return s.finish(out)
	}

	ranges := pack(lines, "\n", s.opts.MaxInputChars)
	log.Debug("summarizing transcript in parts",
		slog.String("meeting_id", transcript.MeetingID),
		slog.Int("parts", len(ranges)),
		slog.Int("chars", len(text)))

	partials := make([]string, 0, len(ranges))
	for _, r := range ranges {
		out, err := s.call(ctx, entity.SummaryChunk, strings.Join(r, "\n"))
		if err != nil {
			return nil, err
		}
		partials = append(partials, compact(out))
	}

	for len(partials) > 1 {
		groups := pack(partials, partSeparator, s.opts.MaxInputChars)
		if len(groups) == len(partials) {
			groups = pairs(partials)
		}

		merged := make([]string, 0, len(groups))
		for _, g := range groups {
			if len(g) == 1 {
				merged = append(merged, g[0])
				continue
			}
			out, err := s.call(ctx, entity.SummaryMerge, strings.Join(g, partSeparator))
			if err != nil {
				return nil, err
			}
			merged = append(merged, compact(out))
		}
		log.Debug("merged partial minutes",
			slog.Int("from", len(partials)),
			slog.Int("to", len(merged)))
		partials = merged
	}

	return s.finish(partials[0])
}

// errEmptySummary marks engine output that carries no summary at all.
var errEmptySummary = errors.New("summarization engine returned no summary")

func (s *Stage) finish(output string) (*entity.Minutes, error) {
	m := ParseMinutes(output)
	if m.Summary == "" {
		return nil, &entity.StageError{
			Stage:    entity.StageSummarize,
			Kind:     entity.ErrSummarizationFailed,
			Cause:    errEmptySummary,
			Attempts: 1,
		}
	}
	m.CreatedAt = entity.Now()
	return &m, nil
}

func (s *Stage) call(ctx context.Context, mode entity.SummaryMode, text string) (string, error) {
	var out string
	err := retry.Do(ctx, s.opts.Policy, func(ctx context.Context) error {
		res, err := s.engine.Summarize(ctx, &entity.SummarizationRequest{Mode: mode, Text: text})
		if err != nil {
			return err
		}
		out = res.Output
		return nil
	}, retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
		s.opts.Metrics.RecordRetry(consts.CapabilityLLM)
		logger.Debug(ctx, "retrying summarization",
			slog.String("mode", string(mode)),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}))
	if err == nil {
		return out, nil
	}

	stageErr := &entity.StageError{
		Stage: entity.StageSummarize,
		Kind:  entity.ErrSummarizationFailed,
		Cause: err,
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		stageErr.Cause = exhausted.Err
		stageErr.Attempts = exhausted.Attempts
	}
	return "", stageErr
}

// compact normalizes a partial result to a one line JSON object so merge
// requests stay small and uniform.
func compact(output string) string {
	m := ParseMinutes(output)
	data, err := json.Marshal(struct {
		Summary     string              `json:"summary"`
		ActionItems []entity.ActionItem `json:"action_items"`
		Decisions   []entity.Decision   `json:"decisions"`
	}{m.Summary, m.ActionItems, m.Decisions})
	if err != nil {
		return output
	}
	return string(data)
}

// pairs merges neighbours two at a time, for inputs that pack cannot shrink.
func pairs(items []string) [][]string {
	var out [][]string
	for i := 0; i < len(items); i += 2 {
		end := min(i+2, len(items))
		out = append(out, items[i:end])
	}
	return out
}
