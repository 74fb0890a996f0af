package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilidan/minutes/pkg/gen"
	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/storage"
)

type fakeIngester struct {
	calls atomic.Int32
	err   error
}

func (f *fakeIngester) Ingest(_ context.Context, req *entity.IngestRequest) (*entity.RecordingAsset, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &entity.RecordingAsset{
		ID:             fmt.Sprintf("asset-%d", f.calls.Load()),
		SourceFilename: req.Filename,
		MimeType:       req.MimeType,
		SizeBytes:      int64(len(req.Data)),
		StorageRef:     "blake2b:00",
		CreatedAt:      entity.Now(),
	}, nil
}

type fakeTranscriber struct {
	calls   atomic.Int32
	failFor int32
	// gate, when set, holds every call until it is closed.
	gate    chan struct{}
	entered chan struct{}
	// block makes calls wait for the run context instead of returning.
	block bool
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, meetingID string, _ *entity.RecordingAsset) (*entity.Transcript, error) {
	n := f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.gate != nil {
		<-f.gate
	}
	if n <= f.failFor {
		return nil, &entity.StageError{Stage: entity.StageTranscribe, Kind: entity.ErrTranscriptionFailed, Cause: errors.New("speech service unavailable"), Attempts: 4}
	}
	return &entity.Transcript{
		MeetingID: meetingID,
		Language:  "en",
		Segments:  []entity.Segment{{StartMs: 0, EndMs: 1500, Text: "hello"}},
		CreatedAt: entity.Now(),
	}, nil
}

type fakeSummarizer struct {
	calls   atomic.Int32
	failFor int32
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ *entity.Transcript) (*entity.Minutes, error) {
	n := f.calls.Add(1)
	if n <= f.failFor {
		return nil, &entity.StageError{Stage: entity.StageSummarize, Kind: entity.ErrSummarizationFailed, Cause: errors.New("llm unavailable"), Attempts: 4}
	}
	return &entity.Minutes{
		Summary:     "Greetings were exchanged.",
		ActionItems: []entity.ActionItem{},
		Decisions:   []entity.Decision{},
		CreatedAt:   entity.Now(),
	}, nil
}

// storePublisher checks that an event is only announced once the status it
// carries has been persisted.
type storePublisher struct {
	store storage.Storage

	mu     sync.Mutex
	events []entity.StatusEvent
	stale  []string
}

func (p *storePublisher) Publish(ctx context.Context, ev entity.StatusEvent) error {
	m, err := p.store.Get(ctx, ev.MeetingID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil || m.Status.String() != ev.Status {
		p.stale = append(p.stale, ev.Status)
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *storePublisher) statuses(meetingID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, ev := range p.events {
		if ev.MeetingID == meetingID {
			out = append(out, ev.Status)
		}
	}
	return out
}

type fixture struct {
	uc          *usecase
	store       storage.Storage
	ingester    *fakeIngester
	transcriber *fakeTranscriber
	summarizer  *fakeSummarizer
	events      *storePublisher
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()

	f := &fixture{
		store:       storage.New(),
		ingester:    &fakeIngester{},
		transcriber: &fakeTranscriber{},
		summarizer:  &fakeSummarizer{},
	}
	f.events = &storePublisher{store: f.store}
	f.uc = New(f.store, Stages{
		Ingester:    f.ingester,
		Transcriber: f.transcriber,
		Summarizer:  f.summarizer,
	}, Options{
		IDs:       gen.Sequence(ids...),
		Publisher: f.events,
		Log:       logger.Discard(),
	}).(*usecase)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.uc.Close(ctx)
	})
	return f
}

func (f *fixture) start(t *testing.T, meetingID string) *entity.Meeting {
	t.Helper()
	m, err := f.uc.Start(context.Background(), &entity.StartRequest{
		MeetingID: meetingID,
		Filename:  "weekly-sync.wav",
		MimeType:  "audio/wav",
		Data:      []byte("RIFF"),
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) get(t *testing.T, meetingID string) *entity.Meeting {
	t.Helper()
	m, err := f.uc.Get(context.Background(), meetingID)
	require.NoError(t, err)
	return m
}

func TestStart_RunsPipelineToCompletion(t *testing.T) {
	f := newFixture(t, "m-1")

	m := f.start(t, "")
	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, entity.Processing(entity.StageTranscribe), m.Status)
	assert.Equal(t, "Weekly Sync", m.Title)

	f.uc.wait("m-1")

	got := f.get(t, "m-1")
	assert.Equal(t, entity.Completed(), got.Status)
	require.NotNil(t, got.Asset)
	require.NotNil(t, got.Transcript)
	require.NotNil(t, got.Minutes)
	assert.Nil(t, got.LastError)
	require.NoError(t, got.Validate())

	assert.Equal(t, []string{
		"uploading",
		"processing(transcribe)",
		"processing(summarize)",
		"completed",
	}, f.events.statuses("m-1"))
	assert.Empty(t, f.events.stale)
}

func TestSubscribe_ReceivesTransitions(t *testing.T) {
	f := newFixture(t, "m-1")

	ch, cancel, err := f.uc.Subscribe(context.Background(), "")
	require.NoError(t, err)
	defer cancel()

	f.start(t, "")
	f.uc.wait("m-1")

	var got []string
	for len(got) < 4 {
		select {
		case ev := <-ch:
			assert.Equal(t, "m-1", ev.MeetingID)
			got = append(got, ev.Status)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	assert.Equal(t, []string{"uploading", "processing(transcribe)", "processing(summarize)", "completed"}, got)

	_, _, err = f.uc.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestStart_UnsupportedMediaIsNotRetryable(t *testing.T) {
	f := newFixture(t, "m-1")
	f.ingester.err = fmt.Errorf("%w: text/plain", entity.ErrUnsupportedMedia)

	m, err := f.uc.Start(context.Background(), &entity.StartRequest{Filename: "notes.txt", MimeType: "text/plain", Data: []byte("hi")})
	require.ErrorIs(t, err, entity.ErrUnsupportedMedia)
	require.NotNil(t, m)

	got := f.get(t, m.ID)
	assert.Equal(t, entity.Failed(), got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, entity.KindUnsupportedMedia, got.LastError.Kind)
	assert.Equal(t, entity.StageIngest, got.LastError.Stage)
	assert.False(t, got.LastError.Resumable)
	assert.Nil(t, got.Asset)
	assert.Equal(t, []string{"uploading", "failed"}, f.events.statuses(m.ID))

	_, err = f.uc.Retry(context.Background(), m.ID)
	assert.ErrorIs(t, err, entity.ErrNotRetryable)
}

func TestReject_FailsMeetingWithoutRecording(t *testing.T) {
	f := newFixture(t, "m-1")
	ctx := context.Background()
	tooLarge := fmt.Errorf("%w: upload exceeds 1024 bytes", entity.ErrPayloadTooLarge)

	m, err := f.uc.Reject(ctx, &entity.StartRequest{}, tooLarge)
	require.ErrorIs(t, err, entity.ErrPayloadTooLarge)
	require.NotNil(t, m)
	assert.Equal(t, "m-1", m.ID)

	got := f.get(t, "m-1")
	assert.Equal(t, entity.Failed(), got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, entity.KindPayloadTooLarge, got.LastError.Kind)
	assert.False(t, got.LastError.Resumable)
	assert.Equal(t, []string{"uploading", "failed"}, f.events.statuses("m-1"))
	assert.Zero(t, f.ingester.calls.Load())

	planned, err := f.uc.Schedule(ctx, &entity.ScheduleRequest{Title: "Board call", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = f.uc.Reject(ctx, &entity.StartRequest{MeetingID: planned.ID}, tooLarge)
	require.ErrorIs(t, err, entity.ErrPayloadTooLarge)

	rejected := f.get(t, planned.ID)
	assert.Equal(t, entity.Failed(), rejected.Status)
	assert.Equal(t, "Board call", rejected.Title)
	assert.Equal(t, entity.KindPayloadTooLarge, rejected.LastError.Kind)
}

func TestStart_LogsThroughConfiguredLogger(t *testing.T) {
	f := newFixture(t, "m-1")
	var buf bytes.Buffer
	f.uc.opts.Log = logger.New(logger.Config{Output: &buf})

	f.start(t, "")
	f.uc.wait("m-1")

	assert.Contains(t, buf.String(), "pipeline started")
	assert.Contains(t, buf.String(), "meeting_id=m-1")
}

func TestRetry_ResumesFromTranscription(t *testing.T) {
	f := newFixture(t, "m-1")
	f.transcriber.failFor = 1

	f.start(t, "")
	f.uc.wait("m-1")

	failed := f.get(t, "m-1")
	assert.Equal(t, entity.Failed(), failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, entity.KindTranscriptionFailed, failed.LastError.Kind)
	assert.Equal(t, entity.StageTranscribe, failed.LastError.Stage)
	assert.True(t, failed.LastError.Resumable)
	assert.NotNil(t, failed.Asset)
	assert.Nil(t, failed.Transcript)

	m, err := f.uc.Retry(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, entity.Processing(entity.StageTranscribe), m.Status)
	assert.Nil(t, m.LastError)

	f.uc.wait("m-1")
	done := f.get(t, "m-1")
	assert.Equal(t, entity.Completed(), done.Status)
	assert.Equal(t, failed.Asset.ID, done.Asset.ID)
	assert.EqualValues(t, 1, f.ingester.calls.Load())
	assert.EqualValues(t, 2, f.transcriber.calls.Load())
	assert.Empty(t, f.events.stale)
}

func TestRetry_SkipsPersistedTranscript(t *testing.T) {
	f := newFixture(t, "m-1")
	f.summarizer.failFor = 1

	f.start(t, "")
	f.uc.wait("m-1")

	failed := f.get(t, "m-1")
	require.NotNil(t, failed.LastError)
	assert.Equal(t, entity.KindSummarizationFailed, failed.LastError.Kind)
	assert.NotNil(t, failed.Transcript)
	assert.Nil(t, failed.Minutes)

	m, err := f.uc.Retry(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, entity.Processing(entity.StageSummarize), m.Status)

	f.uc.wait("m-1")
	assert.Equal(t, entity.Completed(), f.get(t, "m-1").Status)
	assert.EqualValues(t, 1, f.transcriber.calls.Load())
	assert.EqualValues(t, 2, f.summarizer.calls.Load())
}

func TestRetry_Rejections(t *testing.T) {
	f := newFixture(t, "m-1")

	_, err := f.uc.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	f.start(t, "")
	f.uc.wait("m-1")

	_, err = f.uc.Retry(context.Background(), "m-1")
	assert.ErrorIs(t, err, entity.ErrNotRetryable)
}

func TestStart_SingleRunPerMeeting(t *testing.T) {
	f := newFixture(t)
	f.transcriber.gate = make(chan struct{})

	const workers = 8
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		busy    atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.uc.Start(context.Background(), &entity.StartRequest{
				MeetingID: "m-1",
				Filename:  "sync.wav",
				MimeType:  "audio/wav",
				Data:      []byte("RIFF"),
			})
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, entity.ErrAlreadyProcessing):
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, success.Load())
	assert.EqualValues(t, workers-1, busy.Load())

	_, err := f.uc.Retry(context.Background(), "m-1")
	assert.ErrorIs(t, err, entity.ErrAlreadyProcessing)
	_, err = f.uc.Archive(context.Background(), "m-1")
	assert.ErrorIs(t, err, entity.ErrAlreadyProcessing)

	close(f.transcriber.gate)
	f.uc.wait("m-1")

	assert.Equal(t, entity.Completed(), f.get(t, "m-1").Status)
	assert.EqualValues(t, 1, f.ingester.calls.Load())
}

func TestStart_RestartResetsArtifacts(t *testing.T) {
	f := newFixture(t)

	f.start(t, "m-1")
	f.uc.wait("m-1")
	require.NotNil(t, f.get(t, "m-1").Minutes)

	f.transcriber.gate = make(chan struct{})
	f.start(t, "m-1")

	running := f.get(t, "m-1")
	assert.Equal(t, entity.Processing(entity.StageTranscribe), running.Status)
	assert.Nil(t, running.Transcript)
	assert.Nil(t, running.Minutes)

	close(f.transcriber.gate)
	f.uc.wait("m-1")
	assert.Equal(t, entity.Completed(), f.get(t, "m-1").Status)
}

func TestCancel_StopsAtNextStage(t *testing.T) {
	f := newFixture(t, "m-1")
	f.transcriber.gate = make(chan struct{})

	f.start(t, "")
	require.NoError(t, f.uc.Cancel(context.Background(), "m-1"))
	close(f.transcriber.gate)
	f.uc.wait("m-1")

	got := f.get(t, "m-1")
	assert.Equal(t, entity.Failed(), got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, entity.KindCancelled, got.LastError.Kind)
	assert.Equal(t, entity.StageSummarize, got.LastError.Stage)
	assert.True(t, got.LastError.Resumable)
	assert.NotNil(t, got.Transcript)
	assert.Zero(t, f.summarizer.calls.Load())

	assert.ErrorIs(t, f.uc.Cancel(context.Background(), "m-1"), entity.ErrNotProcessing)
	assert.ErrorIs(t, f.uc.Cancel(context.Background(), "missing"), entity.ErrNotFound)

	_, err := f.uc.Retry(context.Background(), "m-1")
	require.NoError(t, err)
	f.uc.wait("m-1")
	assert.Equal(t, entity.Completed(), f.get(t, "m-1").Status)
}

func TestCancel_KeepsStageFailureKind(t *testing.T) {
	f := newFixture(t, "m-1")
	f.transcriber.gate = make(chan struct{})
	f.transcriber.failFor = 1

	f.start(t, "")
	require.NoError(t, f.uc.Cancel(context.Background(), "m-1"))
	close(f.transcriber.gate)
	f.uc.wait("m-1")

	got := f.get(t, "m-1")
	assert.Equal(t, entity.Failed(), got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, entity.KindTranscriptionFailed, got.LastError.Kind)
	assert.Equal(t, entity.StageTranscribe, got.LastError.Stage)
}

func TestClose_InterruptsRuns(t *testing.T) {
	f := newFixture(t, "m-1")
	f.transcriber.block = true
	f.transcriber.entered = make(chan struct{}, 1)

	f.start(t, "")
	<-f.transcriber.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.uc.Close(ctx))

	got := f.get(t, "m-1")
	assert.Equal(t, entity.Failed(), got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, entity.KindInterrupted, got.LastError.Kind)
	assert.True(t, got.LastError.Resumable)

	_, err := f.uc.Start(context.Background(), &entity.StartRequest{Filename: "a.wav", MimeType: "audio/wav", Data: []byte("RIFF")})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecover_FailsOrphanedMeetings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := entity.Now()

	require.NoError(t, f.store.Put(ctx, &entity.Meeting{
		ID:        "orphan-transcribing",
		Title:     "Transcribing",
		CreatedAt: now,
		UpdatedAt: now,
		Status:    entity.Processing(entity.StageTranscribe),
		Asset:     &entity.RecordingAsset{ID: "a-1", StorageRef: "blake2b:00", MimeType: "audio/wav", CreatedAt: now},
	}))
	require.NoError(t, f.store.Put(ctx, &entity.Meeting{
		ID:        "orphan-uploading",
		Title:     "Uploading",
		CreatedAt: now,
		UpdatedAt: now,
		Status:    entity.Uploading(),
	}))
	require.NoError(t, f.store.Put(ctx, &entity.Meeting{
		ID:        "scheduled",
		Title:     "Later",
		CreatedAt: now,
		UpdatedAt: now,
		Status:    entity.Pending(),
	}))

	n, err := f.uc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	transcribing := f.get(t, "orphan-transcribing")
	assert.Equal(t, entity.Failed(), transcribing.Status)
	assert.Equal(t, entity.KindInterrupted, transcribing.LastError.Kind)
	assert.True(t, transcribing.LastError.Resumable)

	uploading := f.get(t, "orphan-uploading")
	assert.Equal(t, entity.Failed(), uploading.Status)
	assert.Equal(t, entity.StageIngest, uploading.LastError.Stage)
	assert.False(t, uploading.LastError.Resumable)

	assert.Equal(t, entity.Pending(), f.get(t, "scheduled").Status)

	_, err = f.uc.Retry(ctx, "orphan-transcribing")
	require.NoError(t, err)
	f.uc.wait("orphan-transcribing")
	assert.Equal(t, entity.Completed(), f.get(t, "orphan-transcribing").Status)
}

func TestScheduleArchiveAndList(t *testing.T) {
	f := newFixture(t, "planned", "past")
	ctx := context.Background()

	planned, err := f.uc.Schedule(ctx, &entity.ScheduleRequest{Title: "Quarterly review", ScheduledAt: time.Now().Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, entity.Pending(), planned.Status)

	_, err = f.uc.Schedule(ctx, &entity.ScheduleRequest{Title: "Standup", ScheduledAt: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)

	_, err = f.uc.Schedule(ctx, &entity.ScheduleRequest{Title: "No time"})
	assert.Error(t, err)

	ids := func(filter entity.Filter) []string {
		list, err := f.uc.List(ctx, filter)
		require.NoError(t, err)
		var out []string
		for _, m := range list {
			out = append(out, m.ID)
		}
		return out
	}

	assert.Equal(t, []string{"planned"}, ids(entity.FilterUpcoming))
	assert.ElementsMatch(t, []string{"planned", "past"}, ids(entity.FilterRecent))
	assert.Empty(t, ids(entity.FilterArchived))

	archived, err := f.uc.Archive(ctx, "planned")
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)

	again, err := f.uc.Archive(ctx, "planned")
	require.NoError(t, err)
	assert.Equal(t, archived.ArchivedAt, again.ArchivedAt)

	assert.Empty(t, ids(entity.FilterUpcoming))
	assert.Equal(t, []string{"planned"}, ids(entity.FilterArchived))
	assert.ElementsMatch(t, []string{"planned", "past"}, ids(entity.FilterAll))

	_, err = f.uc.Unarchive(ctx, "planned")
	require.NoError(t, err)
	assert.Equal(t, []string{"planned"}, ids(entity.FilterUpcoming))

	// the recording of a scheduled meeting keeps its title and time
	m := f.start(t, "planned")
	assert.Equal(t, "Quarterly review", m.Title)
	require.NotNil(t, m.ScheduledAt)
	f.uc.wait("planned")

	st, err := f.uc.Status(ctx, "planned")
	require.NoError(t, err)
	assert.Equal(t, entity.Completed(), st)

	_, err = f.uc.Status(ctx, "missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}
