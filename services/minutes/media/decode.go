package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/xilidan/minutes/services/minutes/consts"
)

// Decoder turns an arbitrary audio or video recording into PCM WAV.
type Decoder interface {
	Decode(ctx context.Context, data []byte) ([]byte, error)
}

type ffmpegDecoder struct {
	bin string
}

// NewFFmpeg returns a Decoder backed by the ffmpeg binary, or nil when the
// binary cannot be found.
func NewFFmpeg(bin string) Decoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil
	}
	return &ffmpegDecoder{bin: path}
}

func decodeArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(consts.DecodeSampleRate),
		"-ac", strconv.Itoa(consts.DecodeChannels),
		"-f", "wav",
		"pipe:1",
	}
}

func (d *ffmpegDecoder) Decode(ctx context.Context, data []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.bin, decodeArgs()...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if !IsWAV(stdout.Bytes()) {
		return nil, fmt.Errorf("ffmpeg: %w", ErrNotWAV)
	}
	return stdout.Bytes(), nil
}
