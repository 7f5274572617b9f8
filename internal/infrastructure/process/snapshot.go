package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"streamgate/internal/core/domain"
)

const maxSnapshotBytes = 8 << 20

// Snapshot grabs single frames from a source with a short-lived engine run.
type Snapshot struct {
	binary  string
	opts    EncodeOptions
	timeout time.Duration
}

func NewSnapshot(s *Supervisor, timeout time.Duration) *Snapshot {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Snapshot{binary: s.binary, opts: s.config.Encode, timeout: timeout}
}

// Grab returns one JPEG frame.
func (s *Snapshot) Grab(ctx context.Context, sourceURL string, profile domain.Profile) ([]byte, error) {
	args, err := SnapshotArgs(s.opts, sourceURL, profile)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxSnapshotBytes}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: 16 << 10}
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: snapshot timed out", domain.ErrStreamUnavailable)
		}
		for _, line := range strings.Split(stderr.String(), "\n") {
			if d, ok := Classify(line); ok {
				return nil, fmt.Errorf("%w: %s", domain.ErrStreamUnavailable, d.Reason)
			}
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStreamUnavailable, err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: empty snapshot", domain.ErrStreamUnavailable)
	}
	return stdout.Bytes(), nil
}

type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
