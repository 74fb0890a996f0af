package media

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tone builds a mono 16-bit WAV of the given length.
func tone(sampleRate uint32, seconds float64) []byte {
	n := int(float64(sampleRate) * seconds)
	pcm := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(i))
	}
	return EncodeWAV(pcm, sampleRate, 1, 16)
}

func TestParseWAV(t *testing.T) {
	data := tone(16000, 2)
	info, err := ParseWAV(data)
	require.NoError(t, err)

	assert.Equal(t, uint16(1), info.Channels)
	assert.Equal(t, uint32(16000), info.SampleRate)
	assert.Equal(t, int64(44), info.DataOffset)
	assert.Equal(t, int64(64000), info.DataSize)
	assert.InDelta(t, 2.0, info.Duration(), 1e-9)
}

func TestParseWAV_PlaceholderSize(t *testing.T) {
	data := tone(8000, 1)
	binary.LittleEndian.PutUint32(data[40:44], 0xFFFFFFFF)

	d, err := WAVDuration(data)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d, 1e-9)
}

func TestParseWAV_SkipsExtraChunks(t *testing.T) {
	base := tone(8000, 1)
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)

	data := append([]byte{}, base[:36]...)
	data = append(data, list...)
	data = append(data, base[36:]...)

	d, err := WAVDuration(data)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d, 1e-9)
}

func TestParseWAV_Rejects(t *testing.T) {
	_, err := ParseWAV([]byte("ID3 not a wav at all"))
	assert.ErrorIs(t, err, ErrNotWAV)

	_, err = ParseWAV(tone(8000, 1)[:30])
	assert.Error(t, err)
}

func TestSplitWAV(t *testing.T) {
	data := tone(16000, 10)

	// 44 byte header + 2 seconds of samples per chunk
	chunks, err := SplitWAV(data, 44+64000)
	require.NoError(t, err)
	require.Len(t, chunks, 5)

	var total float64
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, int64(i*2000), c.StartMs)
		assert.LessOrEqual(t, len(c.Data), 44+64000)

		d, err := WAVDuration(c.Data)
		require.NoError(t, err)
		total += d
	}
	assert.InDelta(t, 10.0, total, 1e-9)
}

func TestSplitWAV_FrameBoundaries(t *testing.T) {
	pcm := make([]byte, 4*1000)
	data := EncodeWAV(pcm, 1000, 2, 16)

	chunks, err := SplitWAV(data, 44+1001)
	require.NoError(t, err)
	for _, c := range chunks {
		info, err := ParseWAV(c.Data)
		require.NoError(t, err)
		assert.Zero(t, info.DataSize%4)
	}
	assert.Len(t, chunks, 4)
}

func TestSplitWAV_LimitTooSmall(t *testing.T) {
	_, err := SplitWAV(tone(8000, 1), 44)
	assert.Error(t, err)
}

type stubProber struct {
	d   float64
	err error
}

func (s stubProber) Probe(context.Context, []byte, string) (float64, error) { return s.d, s.err }

func TestChain(t *testing.T) {
	ctx := context.Background()

	d, err := Chain(NewWAVProber(), nil, stubProber{d: 9}).Probe(ctx, tone(8000, 3), "audio/wav")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, d, 1e-9)

	d, err = Chain(NewWAVProber(), stubProber{d: 9}).Probe(ctx, []byte("mp3 bytes"), "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, 9.0, d)

	_, err = Chain(NewWAVProber(), stubProber{err: errors.New("no ffprobe")}).Probe(ctx, []byte("x"), "audio/mpeg")
	assert.Error(t, err)
}

func TestDecodeArgs(t *testing.T) {
	args := decodeArgs()
	assert.Contains(t, args, "pipe:0")
	assert.Equal(t, "pipe:1", args[len(args)-1])
	assert.Contains(t, args, "pcm_s16le")
}
