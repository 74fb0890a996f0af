package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xilidan/minutes/pkg/gen"
	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/pkg/metrics"
	"github.com/xilidan/minutes/pkg/tracing"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/ingest"
	"github.com/xilidan/minutes/services/minutes/notify"
	"github.com/xilidan/minutes/services/minutes/storage"
)

var ErrClosed = errors.New("pipeline is shutting down")

const untitled = "Untitled meeting"

type Ingester interface {
	Ingest(ctx context.Context, req *entity.IngestRequest) (*entity.RecordingAsset, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, meetingID string, asset *entity.RecordingAsset) (*entity.Transcript, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript *entity.Transcript) (*entity.Minutes, error)
}

type Stages struct {
	Ingester    Ingester
	Transcriber Transcriber
	Summarizer  Summarizer
}

type Options struct {
	RecentWindow time.Duration
	IDs          gen.IDGenerator
	Now          func() time.Time
	Metrics      *metrics.PipelineMetrics
	// Publisher receives every committed transition in addition to the
	// in-process broker.
	Publisher notify.Publisher
	Broker    *notify.Broker
	Log       *slog.Logger
}

// Usecase is the pipeline orchestrator. It owns the status of every meeting
// and runs at most one pipeline per meeting at a time.
type Usecase interface {
	Start(ctx context.Context, req *entity.StartRequest) (*entity.Meeting, error)
	Reject(ctx context.Context, req *entity.StartRequest, cause error) (*entity.Meeting, error)
	Schedule(ctx context.Context, req *entity.ScheduleRequest) (*entity.Meeting, error)
	Status(ctx context.Context, meetingID string) (entity.Status, error)
	Get(ctx context.Context, meetingID string) (*entity.Meeting, error)
	List(ctx context.Context, filter entity.Filter) ([]*entity.Meeting, error)
	Retry(ctx context.Context, meetingID string) (*entity.Meeting, error)
	Cancel(ctx context.Context, meetingID string) error
	Archive(ctx context.Context, meetingID string) (*entity.Meeting, error)
	Unarchive(ctx context.Context, meetingID string) (*entity.Meeting, error)
	Subscribe(ctx context.Context, meetingID string) (<-chan entity.StatusEvent, func(), error)
	Recover(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

type run struct {
	cancelled atomic.Bool
	done      chan struct{}
}

type usecase struct {
	storage storage.Storage
	stages  Stages
	opts    Options
	broker  *notify.Broker
	publish notify.Publisher
	tracer  *tracing.Tracer

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

func New(stg storage.Storage, stages Stages, opts Options) Usecase {
	if opts.Now == nil {
		opts.Now = entity.Now
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 30 * 24 * time.Hour
	}
	broker := opts.Broker
	if broker == nil {
		broker = notify.NewBroker()
	}

	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	baseCtx, stop := context.WithCancel(logger.WithContext(context.Background(), opts.Log))
	return &usecase{
		storage: stg,
		stages:  stages,
		opts:    opts,
		broker:  broker,
		publish: notify.Fanout(broker, opts.Publisher),
		tracer:  tracing.New(),
		runs:    make(map[string]*run),
		baseCtx: baseCtx,
		stop:    stop,
	}
}

// acquire registers a run for meetingID, failing when one is already
// registered.
func (u *usecase) acquire(meetingID string) (*run, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, ErrClosed
	}
	if _, busy := u.runs[meetingID]; busy {
		return nil, entity.ErrAlreadyProcessing
	}
	r := &run{done: make(chan struct{})}
	u.runs[meetingID] = r
	u.wg.Add(1)
	return r, nil
}

func (u *usecase) release(meetingID string, r *run) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.runs[meetingID] == r {
		delete(u.runs, meetingID)
	}
	close(r.done)
	u.wg.Done()
}

// wait blocks until the run registered for meetingID, if any, finishes.
func (u *usecase) wait(meetingID string) {
	u.mu.Lock()
	r := u.runs[meetingID]
	u.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

func (u *usecase) Start(ctx context.Context, req *entity.StartRequest) (*entity.Meeting, error) {
	meetingID := req.MeetingID
	if meetingID == "" {
		meetingID = u.opts.IDs.Next()
	}
	ctx = logger.With(logger.Ensure(ctx, u.opts.Log), slog.String("meeting_id", meetingID))
	log := logger.FromContext(ctx)

	r, err := u.acquire(meetingID)
	if err != nil {
		log.Debug("start rejected", slog.String("error", err.Error()))
		return nil, err
	}

	m, err := u.prepareStart(ctx, meetingID, req)
	if err != nil {
		u.release(meetingID, r)
		return nil, err
	}

	// ingestion is synchronous validation and runs while the meeting is
	// still uploading
	began := time.Now()
	asset, err := u.stages.Ingester.Ingest(ctx, &entity.IngestRequest{
		Data:     req.Data,
		MimeType: req.MimeType,
		Filename: req.Filename,
	})
	if err != nil {
		u.opts.Metrics.RecordStage(string(entity.StageIngest), "failed", time.Since(began))
		log.Info("recording rejected", slog.String("error", err.Error()))
		u.fail(ctx, r, m, entity.StageIngest, err)
		u.release(meetingID, r)
		return m.Clone(), err
	}
	u.opts.Metrics.RecordStage(string(entity.StageIngest), "ok", time.Since(began))
	u.opts.Metrics.RecordUpload(asset.SizeBytes)

	m.Asset = asset
	if err := u.commit(ctx, m, entity.Processing(entity.StageTranscribe)); err != nil {
		u.fail(ctx, r, m, entity.StageIngest, err)
		u.release(meetingID, r)
		return m.Clone(), err
	}

	u.launch(r, m.Clone(), entity.StageTranscribe)
	log.Info("pipeline started", slog.String("asset_id", asset.ID))
	return m.Clone(), nil
}

// Reject records an upload that was refused before its bytes could be read.
// The meeting moves through uploading to failed with cause, which is also
// returned.
func (u *usecase) Reject(ctx context.Context, req *entity.StartRequest, cause error) (*entity.Meeting, error) {
	meetingID := req.MeetingID
	if meetingID == "" {
		meetingID = u.opts.IDs.Next()
	}
	ctx = logger.With(logger.Ensure(ctx, u.opts.Log), slog.String("meeting_id", meetingID))

	r, err := u.acquire(meetingID)
	if err != nil {
		return nil, err
	}
	defer u.release(meetingID, r)

	m, err := u.prepareStart(ctx, meetingID, req)
	if err != nil {
		return nil, err
	}

	u.opts.Metrics.RecordStage(string(entity.StageIngest), "failed", 0)
	logger.Info(ctx, "recording rejected", slog.String("error", cause.Error()))
	u.fail(ctx, r, m, entity.StageIngest, cause)
	return m.Clone(), cause
}

// prepareStart loads or creates the meeting and moves it to uploading. A
// restart of a finished meeting drops its previous artifacts.
func (u *usecase) prepareStart(ctx context.Context, meetingID string, req *entity.StartRequest) (*entity.Meeting, error) {
	m, err := u.storage.Get(ctx, meetingID)
	switch {
	case errors.Is(err, entity.ErrNotFound):
		now := u.opts.Now()
		m = &entity.Meeting{
			ID:        meetingID,
			CreatedAt: now,
			UpdatedAt: now,
			Status:    entity.Pending(),
		}
	case err != nil:
		return nil, err
	case m.Status.IsActive():
		return nil, entity.ErrAlreadyProcessing
	}

	if req.Title != "" {
		m.Title = req.Title
	}
	if m.Title == "" {
		m.Title = ingest.DeriveTitle(req.Filename)
	}
	if m.Title == "" {
		m.Title = untitled
	}
	if req.ScheduledAt != nil {
		t := *req.ScheduledAt
		m.ScheduledAt = &t
	}
	m.Asset, m.Transcript, m.Minutes, m.LastError = nil, nil, nil, nil

	if err := u.commit(ctx, m, entity.Uploading()); err != nil {
		return nil, err
	}
	return m, nil
}

func (u *usecase) Retry(ctx context.Context, meetingID string) (*entity.Meeting, error) {
	ctx = logger.With(logger.Ensure(ctx, u.opts.Log), slog.String("meeting_id", meetingID))

	r, err := u.acquire(meetingID)
	if err != nil {
		return nil, err
	}

	m, err := u.storage.Get(ctx, meetingID)
	if err != nil {
		u.release(meetingID, r)
		return nil, err
	}

	stage, resumable := m.ResumeStage()
	switch {
	case m.Status.IsActive():
		err = entity.ErrAlreadyProcessing
	case m.Status.Phase != entity.PhaseFailed:
		err = fmt.Errorf("%w: meeting is %s", entity.ErrNotRetryable, m.Status)
	case m.LastError == nil || !m.LastError.Resumable || !resumable:
		err = fmt.Errorf("%w: no persisted recording to resume from", entity.ErrNotRetryable)
	}
	if err != nil {
		u.release(meetingID, r)
		return nil, err
	}

	m.LastError = nil
	if err := u.commit(ctx, m, entity.Processing(stage)); err != nil {
		u.release(meetingID, r)
		return nil, err
	}

	u.launch(r, m.Clone(), stage)
	logger.Info(ctx, "pipeline resumed", slog.String("stage", string(stage)))
	return m.Clone(), nil
}

// launch runs the remaining stages of m in the background. The run is
// released once its outcome is committed.
func (u *usecase) launch(r *run, m *entity.Meeting, from entity.Stage) {
	go func() {
		defer u.release(m.ID, r)

		u.opts.Metrics.RunStarted()
		defer u.opts.Metrics.RunFinished()

		ctx := logger.With(u.baseCtx, slog.String("meeting_id", m.ID))
		u.execute(ctx, r, m, from)
	}()
}

// execute runs the remaining stages of a meeting. Cancellation is checked
// between stages; each stage result is committed before the next starts.
func (u *usecase) execute(ctx context.Context, r *run, m *entity.Meeting, stage entity.Stage) {
	log := logger.FromContext(ctx)

	var err error
	for {
		if r.cancelled.Load() {
			u.fail(ctx, r, m, stage, entity.ErrCancelled)
			return
		}
		if err := ctx.Err(); err != nil {
			u.fail(ctx, r, m, stage, fmt.Errorf("%w: %v", entity.ErrInterrupted, err))
			return
		}

		began := time.Now()
		stageCtx, span := u.tracer.StartStageSpan(ctx, m.ID, string(stage))

		var next entity.Status
		switch stage {
		case entity.StageTranscribe:
			var tr *entity.Transcript
			tr, err = u.stages.Transcriber.Transcribe(stageCtx, m.ID, m.Asset)
			if err == nil {
				m.Transcript = tr
				next = entity.Processing(entity.StageSummarize)
			}
		case entity.StageSummarize:
			var mins *entity.Minutes
			mins, err = u.stages.Summarizer.Summarize(stageCtx, m.Transcript)
			if err == nil {
				m.Minutes = mins
				next = entity.Completed()
			}
		default:
			err = fmt.Errorf("cannot resume meeting at stage %q", stage)
		}
		tracing.End(span, err)

		if err != nil {
			u.opts.Metrics.RecordStage(string(stage), "failed", time.Since(began))
			log.Warn("stage failed", slog.String("stage", string(stage)), slog.String("error", err.Error()))
			u.fail(ctx, r, m, stage, err)
			return
		}
		u.opts.Metrics.RecordStage(string(stage), "ok", time.Since(began))
		log.Debug("stage finished",
			slog.String("stage", string(stage)),
			slog.Duration("took", time.Since(began)))

		if err := u.commit(ctx, m, next); err != nil {
			logger.ErrorErr(ctx, "failed to commit stage result", err, slog.String("stage", string(stage)))
			u.fail(ctx, r, m, stage, err)
			return
		}
		if next == entity.Completed() {
			log.Info("pipeline completed")
			return
		}
		stage = next.Stage
	}
}

// fail records err on m and moves it to failed. It keeps going when ctx is
// already cancelled so that an interrupted run still leaves a trace.
func (u *usecase) fail(ctx context.Context, r *run, m *entity.Meeting, stage entity.Stage, err error) {
	ctx = context.WithoutCancel(ctx)

	kind := entity.KindOf(err)
	cancelled := errors.Is(err, entity.ErrCancelled) || errors.Is(err, context.Canceled)
	switch {
	case r != nil && r.cancelled.Load() && cancelled:
		kind = entity.KindCancelled
	case u.baseCtx.Err() != nil && kind != entity.KindUnsupportedMedia && kind != entity.KindPayloadTooLarge:
		kind = entity.KindInterrupted
	}

	if m.Minutes != nil && m.Status != entity.Completed() {
		// minutes that were never committed are dropped
		m.Minutes = nil
	}

	_, resumable := m.ResumeStage()
	m.LastError = &entity.LastError{
		Kind:       kind,
		Message:    err.Error(),
		Stage:      stage,
		OccurredAt: u.opts.Now(),
		Resumable:  resumable,
	}

	if cerr := u.commit(ctx, m, entity.Failed()); cerr != nil {
		logger.ErrorErr(ctx, "failed to record pipeline failure", cerr, slog.String("cause", err.Error()))
	}
}

// commit persists m in status next and then announces it.
func (u *usecase) commit(ctx context.Context, m *entity.Meeting, next entity.Status) error {
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition of meeting %s from %s to %s", m.ID, m.Status, next)
	}

	prev := m.Status
	m.Status = next
	m.UpdatedAt = u.opts.Now()
	if err := m.Validate(); err != nil {
		m.Status = prev
		return fmt.Errorf("refusing to persist inconsistent meeting: %w", err)
	}
	if err := u.storage.Put(ctx, m); err != nil {
		m.Status = prev
		return fmt.Errorf("failed to persist meeting: %w", err)
	}

	u.opts.Metrics.RecordTransition(string(next.Phase), string(next.Stage))
	if err := u.publish.Publish(ctx, entity.NewStatusEvent(m)); err != nil {
		logger.Warn(ctx, "failed to publish status event", slog.String("status", next.String()), slog.String("error", err.Error()))
	}
	logger.Debug(ctx, "status committed", slog.String("from", prev.String()), slog.String("to", next.String()))
	return nil
}

func (u *usecase) Cancel(ctx context.Context, meetingID string) error {
	ctx = logger.Ensure(ctx, u.opts.Log)

	u.mu.Lock()
	r := u.runs[meetingID]
	u.mu.Unlock()

	if r == nil {
		if _, err := u.storage.Get(ctx, meetingID); err != nil {
			return err
		}
		return entity.ErrNotProcessing
	}

	r.cancelled.Store(true)
	logger.Info(ctx, "cancellation requested", slog.String("meeting_id", meetingID))
	return nil
}

func (u *usecase) Schedule(ctx context.Context, req *entity.ScheduleRequest) (*entity.Meeting, error) {
	ctx = logger.Ensure(ctx, u.opts.Log)

	if req.ScheduledAt.IsZero() {
		return nil, errors.New("scheduled time is required")
	}
	title := req.Title
	if title == "" {
		title = untitled
	}

	now := u.opts.Now()
	scheduled := req.ScheduledAt.UTC().Truncate(time.Microsecond)
	m := &entity.Meeting{
		ID:          u.opts.IDs.Next(),
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: &scheduled,
		Status:      entity.Pending(),
	}
	if err := u.storage.Put(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to persist meeting: %w", err)
	}
	if err := u.publish.Publish(ctx, entity.NewStatusEvent(m)); err != nil {
		logger.Warn(ctx, "failed to publish status event", slog.String("error", err.Error()))
	}
	return m.Clone(), nil
}

func (u *usecase) Status(ctx context.Context, meetingID string) (entity.Status, error) {
	m, err := u.storage.Get(ctx, meetingID)
	if err != nil {
		return entity.Status{}, err
	}
	return m.Status, nil
}

func (u *usecase) Get(ctx context.Context, meetingID string) (*entity.Meeting, error) {
	return u.storage.Get(ctx, meetingID)
}

func (u *usecase) List(ctx context.Context, filter entity.Filter) ([]*entity.Meeting, error) {
	return u.storage.List(ctx, entity.ListOptions{
		Filter:       filter,
		Now:          u.opts.Now(),
		RecentWindow: u.opts.RecentWindow,
	})
}

func (u *usecase) Archive(ctx context.Context, meetingID string) (*entity.Meeting, error) {
	return u.updateArchive(ctx, meetingID, true)
}

func (u *usecase) Unarchive(ctx context.Context, meetingID string) (*entity.Meeting, error) {
	return u.updateArchive(ctx, meetingID, false)
}

func (u *usecase) updateArchive(ctx context.Context, meetingID string, archived bool) (*entity.Meeting, error) {
	ctx = logger.Ensure(ctx, u.opts.Log)

	r, err := u.acquire(meetingID)
	if err != nil {
		return nil, err
	}
	defer u.release(meetingID, r)

	m, err := u.storage.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status.IsActive() {
		return nil, entity.ErrAlreadyProcessing
	}

	switch {
	case archived && m.ArchivedAt == nil:
		now := u.opts.Now()
		m.ArchivedAt = &now
	case !archived && m.ArchivedAt != nil:
		m.ArchivedAt = nil
	default:
		return m, nil
	}
	m.UpdatedAt = u.opts.Now()

	if err := u.storage.Put(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to persist meeting: %w", err)
	}
	return m, nil
}

func (u *usecase) Subscribe(ctx context.Context, meetingID string) (<-chan entity.StatusEvent, func(), error) {
	if meetingID != "" {
		if _, err := u.storage.Get(ctx, meetingID); err != nil {
			return nil, nil, err
		}
	}
	ch, cancel := u.broker.Subscribe(meetingID)
	return ch, cancel, nil
}

// Recover fails meetings left active by a previous process. It must run
// before new pipelines are started.
func (u *usecase) Recover(ctx context.Context) (int, error) {
	ctx = logger.Ensure(ctx, u.opts.Log)

	meetings, err := u.storage.List(ctx, entity.ListOptions{Filter: entity.FilterAll, Now: u.opts.Now()})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, m := range meetings {
		if !m.Status.IsActive() {
			continue
		}
		r, err := u.acquire(m.ID)
		if err != nil {
			continue
		}

		stage := m.Status.Stage
		if stage == "" {
			stage = entity.StageIngest
		}
		ctx := logger.With(ctx, slog.String("meeting_id", m.ID))
		u.fail(ctx, nil, m, stage, fmt.Errorf("%w: found %s after restart", entity.ErrInterrupted, m.Status))
		u.release(m.ID, r)
		recovered++
	}

	if recovered > 0 {
		logger.Info(ctx, "recovered interrupted meetings", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Close stops accepting work, cancels in-flight runs and waits for them to
// record their outcome.
func (u *usecase) Close(ctx context.Context) error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()

	u.stop()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		u.broker.Close()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline runs still active: %w", ctx.Err())
	}
}
