package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Prober reports the duration in seconds of a recording.
type Prober interface {
	Probe(ctx context.Context, data []byte, mimeType string) (float64, error)
}

type wavProber struct{}

func NewWAVProber() Prober { return wavProber{} }

func (wavProber) Probe(_ context.Context, data []byte, _ string) (float64, error) {
	return WAVDuration(data)
}

type ffprobe struct {
	bin string
}

// NewFFProbe returns a Prober backed by the ffprobe binary, or nil when the
// binary cannot be found.
func NewFFProbe(bin string) Prober {
	if bin == "" {
		bin = "ffprobe"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil
	}
	return &ffprobe{bin: path}
}

func (p *ffprobe) Probe(ctx context.Context, data []byte, _ string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"-i", "pipe:0",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	d, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: unexpected duration %q", out)
	}
	return d, nil
}

type chain []Prober

// Chain tries each prober in order and returns the first positive duration.
// Nil probers are skipped.
func Chain(probers ...Prober) Prober {
	var c chain
	for _, p := range probers {
		if p != nil {
			c = append(c, p)
		}
	}
	return c
}

func (c chain) Probe(ctx context.Context, data []byte, mimeType string) (float64, error) {
	var errs []error
	for _, p := range c {
		d, err := p.Probe(ctx, data, mimeType)
		if err == nil && d > 0 {
			return d, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return 0, errors.New("duration unknown")
	}
	return 0, errors.Join(errs...)
}
