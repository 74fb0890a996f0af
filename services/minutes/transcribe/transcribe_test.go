package transcribe

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilidan/minutes/pkg/retry"
	"github.com/xilidan/minutes/services/minutes/blob"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/media"
)

type call struct {
	filename string
	mimeType string
	size     int
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []call
	// fail returns the error for the n-th call (1-based), nil for success.
	fail func(n int) error
}

func (f *fakeEngine) Transcribe(ctx context.Context, req *entity.TranscriptionRequest) (*entity.TranscriptionResult, error) {
	data, err := io.ReadAll(req.Audio)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{filename: req.Filename, mimeType: req.MimeType, size: len(data)})
	n := len(f.calls)
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}

	dur := int64(1000)
	if d, err := media.WAVDuration(data); err == nil {
		dur = int64(d * 1000)
	}
	return &entity.TranscriptionResult{
		Language: "en",
		Segments: []entity.Segment{
			{StartMs: 0, EndMs: dur / 2, Text: "first half", SpeakerLabel: "A"},
			{StartMs: dur / 2, EndMs: dur, Text: "second half"},
		},
	}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDecoder struct {
	out []byte
	err error
}

func (d fakeDecoder) Decode(context.Context, []byte) ([]byte, error) { return d.out, d.err }

var fastPolicy = retry.Policy{MaxAttempts: 3, InitialBackoff: 0, Multiplier: 1}

func storeAsset(t *testing.T, blobs blob.Store, data []byte, mimeType string) *entity.RecordingAsset {
	t.Helper()
	ref, err := blobs.Put(context.Background(), data)
	require.NoError(t, err)
	return &entity.RecordingAsset{ID: "a", SourceFilename: "meeting.wav", MimeType: mimeType, SizeBytes: int64(len(data)), StorageRef: ref}
}

func TestTranscribe_SingleRequest(t *testing.T) {
	blobs := blob.NewMemory()
	engine := &fakeEngine{}
	s := New(blobs, nil, engine, Options{MaxChunkBytes: 1 << 20, Policy: fastPolicy})

	asset := storeAsset(t, blobs, []byte("mp3 bytes"), "audio/mpeg")
	tr, err := s.Transcribe(context.Background(), "m-1", asset)
	require.NoError(t, err)

	assert.Equal(t, "m-1", tr.MeetingID)
	assert.Equal(t, "en", tr.Language)
	assert.Len(t, tr.Segments, 2)
	require.Len(t, engine.calls, 1)
	assert.Equal(t, call{filename: "meeting.wav", mimeType: "audio/mpeg", size: 9}, engine.calls[0])
}

func TestTranscribe_ChunksLargeWAVInOrder(t *testing.T) {
	blobs := blob.NewMemory()
	engine := &fakeEngine{}
	// 6 seconds of 8kHz mono 16-bit audio, 2 seconds per chunk.
	wav := media.EncodeWAV(make([]byte, 2*8000*6), 8000, 1, 16)
	s := New(blobs, nil, engine, Options{MaxChunkBytes: 44 + 2*8000*2, Concurrency: 3, Policy: fastPolicy})

	tr, err := s.Transcribe(context.Background(), "m-1", storeAsset(t, blobs, wav, "audio/wav"))
	require.NoError(t, err)

	assert.Equal(t, 3, engine.callCount())
	require.Len(t, tr.Segments, 6)
	for i := 1; i < len(tr.Segments); i++ {
		assert.LessOrEqual(t, tr.Segments[i-1].StartMs, tr.Segments[i].StartMs)
	}
	assert.Equal(t, int64(0), tr.Segments[0].StartMs)
	assert.Equal(t, int64(2000), tr.Segments[2].StartMs)
	assert.Equal(t, int64(4000), tr.Segments[4].StartMs)
	assert.Equal(t, int64(6000), tr.Segments[5].EndMs)
	for _, c := range engine.calls {
		assert.Equal(t, "audio/wav", c.mimeType)
	}
}

func TestTranscribe_DecodesBeforeChunking(t *testing.T) {
	blobs := blob.NewMemory()
	engine := &fakeEngine{}
	decoded := media.EncodeWAV(make([]byte, 2*8000*4), 8000, 1, 16)
	s := New(blobs, fakeDecoder{out: decoded}, engine, Options{MaxChunkBytes: 44 + 2*8000*2, Policy: fastPolicy})

	asset := storeAsset(t, blobs, make([]byte, 100000), "video/mp4")
	tr, err := s.Transcribe(context.Background(), "m-1", asset)
	require.NoError(t, err)
	assert.Equal(t, 2, engine.callCount())
	assert.Len(t, tr.Segments, 4)
}

func TestTranscribe_OversizeWithoutDecoderFails(t *testing.T) {
	blobs := blob.NewMemory()
	engine := &fakeEngine{}
	s := New(blobs, nil, engine, Options{MaxChunkBytes: 10, Policy: fastPolicy})

	_, err := s.Transcribe(context.Background(), "m-1", storeAsset(t, blobs, []byte("much more than ten bytes"), "audio/mpeg"))
	assert.ErrorIs(t, err, entity.ErrTranscriptionFailed)
	assert.Zero(t, engine.callCount())
}

func TestTranscribe_RetriesTransientFailures(t *testing.T) {
	blobs := blob.NewMemory()
	engine := &fakeEngine{fail: func(n int) error {
		if n < 3 {
			return &entity.CapabilityError{Capability: "speech", Code: "rate_limited", Retryable: true}
		}
		return nil
	}}
	s := New(blobs, nil, engine, Options{MaxChunkBytes: 1 << 20, Policy: fastPolicy})

	tr, err := s.Transcribe(context.Background(), "m-1", storeAsset(t, blobs, []byte("x"), "audio/mpeg"))
	require.NoError(t, err)
	assert.Len(t, tr.Segments, 2)
	assert.Equal(t, 3, engine.callCount())
}

func TestTranscribe_ExhaustionCarriesLastCause(t *testing.T) {
	blobs := blob.NewMemory()
	cause := &entity.CapabilityError{Capability: "speech", Code: "unavailable", StatusCode: 503, Retryable: true}
	engine := &fakeEngine{fail: func(int) error { return cause }}
	s := New(blobs, nil, engine, Options{MaxChunkBytes: 1 << 20, Policy: fastPolicy})

	_, err := s.Transcribe(context.Background(), "m-1", storeAsset(t, blobs, []byte("x"), "audio/mpeg"))
	require.Error(t, err)

	var stageErr *entity.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, entity.StageTranscribe, stageErr.Stage)
	assert.Equal(t, 3, stageErr.Attempts)
	assert.ErrorIs(t, err, entity.ErrTranscriptionFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, engine.callCount())
}

func TestTranscribe_PermanentFailureIsNotRetried(t *testing.T) {
	blobs := blob.NewMemory()
	engine := &fakeEngine{fail: func(int) error { return errors.New("bad audio") }}
	s := New(blobs, nil, engine, Options{MaxChunkBytes: 1 << 20, Policy: fastPolicy})

	_, err := s.Transcribe(context.Background(), "m-1", storeAsset(t, blobs, []byte("x"), "audio/mpeg"))
	assert.ErrorIs(t, err, entity.ErrTranscriptionFailed)
	assert.Equal(t, 1, engine.callCount())
}

func TestTranscribe_MissingBlob(t *testing.T) {
	s := New(blob.NewMemory(), nil, &fakeEngine{}, Options{Policy: fastPolicy})
	_, err := s.Transcribe(context.Background(), "m-1", &entity.RecordingAsset{StorageRef: blob.Ref([]byte("gone"))})
	assert.ErrorIs(t, err, entity.ErrTranscriptionFailed)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}
