// Package capture grabs screen contents via an external Wayland screenshot
// utility.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Source produces one screen capture per call.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Grim shells out to grim (or a compatible tool taking an output path as its
// only argument) and returns the PNG bytes.
type Grim struct {
	binary  string
	timeout time.Duration
}

func NewGrim(binary string, timeout time.Duration) *Grim {
	if binary == "" {
		binary = "grim"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Grim{binary: binary, timeout: timeout}
}

// CheckAvailable verifies the capture binary is on PATH. Called once at
// startup so a missing tool fails the daemon before the loop starts.
func (g *Grim) CheckAvailable() error {
	if _, err := exec.LookPath(g.binary); err != nil {
		return fmt.Errorf("capture binary %q not found: %w", g.binary, err)
	}
	return nil
}

// Capture writes a screenshot into a temp file, reads it back, and removes
// the file. The temp file is removed on every path, including failures.
func (g *Grim) Capture(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	f, err := os.CreateTemp("", "hindsight-shot-*.png")
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	cmd := exec.CommandContext(ctx, g.binary, path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("capture timed out after %s", g.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("running %s: %w: %s", g.binary, err, msg)
		}
		return nil, fmt.Errorf("running %s: %w", g.binary, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capture file: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("capture produced an empty file")
	}
	return data, nil
}
