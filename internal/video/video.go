// Package video encodes screenshot sequences into time-lapse MP4 artifacts
// via ffmpeg.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultFPS = 30

// Pipeline encodes ordered PNG frames into an MP4.
type Pipeline struct {
	ffmpeg string
	fps    int
	dir    string

	// stageDir overrides the frame staging location in tests.
	stageDir string
}

// NewPipeline creates a Pipeline writing videos into dir at the given frame
// rate (fps <= 0 selects the default of 30). It fails when ffmpeg is not on
// PATH.
func NewPipeline(dir string, fps int) (*Pipeline, error) {
	if fps <= 0 {
		fps = defaultFPS
	}
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &Pipeline{ffmpeg: path, fps: fps, dir: dir}, nil
}

// Generate stages frames as a gap-free numbered PNG sequence and encodes them
// into <dir>/hindsight_YYYYMMDD_HHMMSS.mp4, named after the window start.
// Empty frames are skipped during staging; zero staged frames is an error and
// the encoder is never invoked. The staging dir is removed on every path.
func (p *Pipeline) Generate(ctx context.Context, frames [][]byte, start time.Time) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating video dir: %w", err)
	}

	stage := p.stageDir
	if stage == "" {
		var err error
		stage, err = os.MkdirTemp("", "hindsight-frames-")
		if err != nil {
			return "", fmt.Errorf("creating staging dir: %w", err)
		}
	}
	defer os.RemoveAll(stage)

	staged := 0
	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		staged++
		name := filepath.Join(stage, fmt.Sprintf("frame%05d.png", staged))
		if err := os.WriteFile(name, frame, 0o600); err != nil {
			return "", fmt.Errorf("staging frame %d: %w", staged, err)
		}
	}
	if staged == 0 {
		return "", errors.New("no frames to encode")
	}

	out := filepath.Join(p.dir, "hindsight_"+start.Format("20060102_150405")+".mp4")

	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-framerate", strconv.Itoa(p.fps),
		"-i", filepath.Join(stage, "frame%05d.png"),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-crf", "23",
		"-y",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("running ffmpeg: %w: %s", err, msg)
		}
		return "", fmt.Errorf("running ffmpeg: %w", err)
	}

	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	return out, nil
}
