package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	wavHeaderSize = 44

	formatPCM        = 1
	formatExtensible = 0xFFFE
)

var (
	ErrNotWAV = errors.New("not a WAV file")
	ErrNotPCM = errors.New("WAV payload is not linear PCM")
)

// WAVInfo describes the fmt and data chunks of a RIFF/WAVE file.
type WAVInfo struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	BlockAlign    uint16
	DataOffset    int64
	DataSize      int64
}

func (w *WAVInfo) Duration() float64 {
	bytesPerSecond := float64(w.BlockAlign) * float64(w.SampleRate)
	if bytesPerSecond == 0 {
		return 0
	}
	return float64(w.DataSize) / bytesPerSecond
}

func (w *WAVInfo) isPCM() bool {
	return w.AudioFormat == formatPCM || w.AudioFormat == formatExtensible
}

func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// ParseWAV walks the RIFF chunks of data up to the data chunk. Streams
// written to a pipe carry a placeholder data size, so a size that runs past
// the end of the buffer is clamped to what is actually there.
func ParseWAV(data []byte) (*WAVInfo, error) {
	if !IsWAV(data) {
		return nil, ErrNotWAV
	}

	info := &WAVInfo{}
	haveFmt := false
	pos := int64(12)
	size := int64(len(data))

	for {
		if pos+8 > size {
			return nil, errors.New("WAV data chunk not found")
		}
		chunkID := string(data[pos : pos+4])
		chunkSize := int64(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || pos+16 > size {
				return nil, errors.New("invalid fmt chunk")
			}
			buf := data[pos:]
			info.AudioFormat = binary.LittleEndian.Uint16(buf[0:2])
			info.Channels = binary.LittleEndian.Uint16(buf[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(buf[4:8])
			info.BlockAlign = binary.LittleEndian.Uint16(buf[12:14])
			info.BitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, errors.New("WAV data chunk precedes fmt chunk")
			}
			remaining := size - pos
			if chunkSize == math.MaxUint32 || chunkSize == 0 || chunkSize > remaining {
				chunkSize = remaining
			}
			info.DataOffset = pos
			info.DataSize = chunkSize

			if info.SampleRate == 0 || info.Channels == 0 || info.BitsPerSample == 0 {
				return nil, errors.New("missing audio format information")
			}
			if info.BlockAlign == 0 {
				info.BlockAlign = info.Channels * (info.BitsPerSample / 8)
			}
			if info.BlockAlign == 0 {
				return nil, errors.New("invalid block align")
			}
			return info, nil
		}

		if chunkSize%2 == 1 {
			chunkSize++
		}
		pos += chunkSize
	}
}

// WAVDuration returns the length in seconds of a WAV buffer.
func WAVDuration(data []byte) (float64, error) {
	info, err := ParseWAV(data)
	if err != nil {
		return 0, err
	}
	d := info.Duration()
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, errors.New("invalid duration computed")
	}
	return d, nil
}

// Chunk is a standalone WAV file cut out of a larger one.
type Chunk struct {
	Index   int
	StartMs int64
	Data    []byte
}

// SplitWAV cuts a PCM WAV buffer into standalone WAV files of at most
// maxBytes each, always on frame boundaries.
func SplitWAV(data []byte, maxBytes int64) ([]Chunk, error) {
	info, err := ParseWAV(data)
	if err != nil {
		return nil, err
	}
	if !info.isPCM() {
		return nil, ErrNotPCM
	}

	frame := int64(info.BlockAlign)
	perChunk := (maxBytes - wavHeaderSize) / frame * frame
	if perChunk <= 0 {
		return nil, fmt.Errorf("chunk limit %d is smaller than one WAV frame", maxBytes)
	}

	bytesPerSecond := frame * int64(info.SampleRate)
	payload := data[info.DataOffset : info.DataOffset+info.DataSize]
	payload = payload[:int64(len(payload))/frame*frame]

	var chunks []Chunk
	for off := int64(0); off < int64(len(payload)); off += perChunk {
		end := min(off+perChunk, int64(len(payload)))
		part := payload[off:end]

		var buf bytes.Buffer
		buf.Grow(wavHeaderSize + len(part))
		buf.Write(wavHeader(info, int64(len(part))))
		buf.Write(part)

		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			StartMs: off * 1000 / bytesPerSecond,
			Data:    buf.Bytes(),
		})
	}
	return chunks, nil
}

// EncodeWAV wraps raw PCM samples in a canonical 44 byte header.
func EncodeWAV(pcm []byte, sampleRate uint32, channels, bitsPerSample uint16) []byte {
	info := &WAVInfo{
		AudioFormat:   formatPCM,
		Channels:      channels,
		SampleRate:    sampleRate,
		BitsPerSample: bitsPerSample,
		BlockAlign:    channels * (bitsPerSample / 8),
	}
	out := make([]byte, 0, wavHeaderSize+len(pcm))
	out = append(out, wavHeader(info, int64(len(pcm)))...)
	return append(out, pcm...)
}

func wavHeader(info *WAVInfo, dataSize int64) []byte {
	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataSize))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], formatPCM)
	binary.LittleEndian.PutUint16(h[22:24], info.Channels)
	binary.LittleEndian.PutUint32(h[24:28], info.SampleRate)
	binary.LittleEndian.PutUint32(h[28:32], info.SampleRate*uint32(info.BlockAlign))
	binary.LittleEndian.PutUint16(h[32:34], info.BlockAlign)
	binary.LittleEndian.PutUint16(h[34:36], info.BitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataSize))
	return h
}
