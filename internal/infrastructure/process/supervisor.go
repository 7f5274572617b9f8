package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"go.uber.org/zap"
)

var ErrKillFailed = errors.New("process did not exit after SIGKILL")

// Config holds supervisor settings
type Config struct {
	Binary      string
	KillTimeout time.Duration
	StderrLines int
	Encode      EncodeOptions
}

// Supervisor starts engine processes and hands back handles that own them.
type Supervisor struct {
	config    Config
	binary    string
	ledger    ports.ProcessLedger
	logger    *zap.SugaredLogger
	buildArgs func(req ports.LaunchRequest) ([]string, error)
}

// NewSupervisor resolves the engine binary up front so a missing engine is
// reported at startup rather than on the first request.
func NewSupervisor(config Config, ledger ports.ProcessLedger, logger *zap.SugaredLogger) (*Supervisor, error) {
	if config.Binary == "" {
		config.Binary = "ffmpeg"
	}
	path, err := exec.LookPath(config.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrEngineMissing, config.Binary, err)
	}
	if config.KillTimeout <= 0 {
		config.KillTimeout = 5 * time.Second
	}
	if config.StderrLines <= 0 {
		config.StderrLines = 64
	}

	s := &Supervisor{
		config: config,
		binary: path,
		ledger: ledger,
		logger: logger,
	}
	s.buildArgs = func(req ports.LaunchRequest) ([]string, error) {
		return BuildArgs(config.Encode, req)
	}
	return s, nil
}

// Binary returns the resolved engine path.
func (s *Supervisor) Binary() string {
	return s.binary
}

// Start spawns one engine process in its own process group.
func (s *Supervisor) Start(ctx context.Context, req ports.LaunchRequest) (ports.ProcessHandle, error) {
	args, err := s.buildArgs(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCreationFailed, err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrCreationFailed, err)
	}

	h := &Handle{
		key:         req.StreamKey,
		source:      req.SourceURL,
		ring:        NewLineRing(s.config.StderrLines),
		diagnostics: make(chan domain.Diagnostic, 16),
		done:        make(chan struct{}),
		stdout:      stdoutR,
		killTimeout: s.config.KillTimeout,
		ledger:      s.ledger,
		logger:      s.logger,
	}

	cmd := exec.Command(s.binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = stdoutW
	cmd.Stderr = &stderrWriter{handle: h}
	// bound the stderr copy if a grandchild keeps the pipe open
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrCreationFailed, err)
	}
	// the child holds its own copy
	stdoutW.Close()

	h.cmd = cmd
	h.pid = cmd.Process.Pid

	if s.ledger != nil {
		rec := domain.ProcessRecord{
			StreamKey: req.StreamKey,
			PID:       h.pid,
			Binary:    s.binary,
			WorkDir:   req.WorkDir,
			StartedAt: time.Now(),
		}
		if err := s.ledger.Record(ctx, rec); err != nil {
			s.logger.Warnw("failed to record process in ledger",
				"stream_key", req.StreamKey,
				"pid", h.pid,
				"error", err,
			)
		}
	}

	s.logger.Infow("engine process started",
		"stream_key", req.StreamKey,
		"pid", h.pid,
		"source", domain.RedactURL(req.SourceURL),
		"delivery", req.Profile.Delivery,
	)

	go h.wait()
	return h, nil
}

// Handle owns one running engine process.
type Handle struct {
	key         domain.StreamKey
	source      string
	cmd         *exec.Cmd
	pid         int
	stdout      *os.File
	ring        *LineRing
	diagnostics chan domain.Diagnostic
	killTimeout time.Duration
	ledger      ports.ProcessLedger
	logger      *zap.SugaredLogger

	done     chan struct{}
	exitCode int
	waitErr  error

	stopOnce sync.Once
	stopErr  error
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) Stdout() io.Reader { return h.stdout }

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Diagnostics() <-chan domain.Diagnostic { return h.diagnostics }

func (h *Handle) RecentOutput(n int) []string { return h.ring.LastN(n) }

// ExitCode is valid once Done is closed. Signal deaths report -1.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
		return h.exitCode
	default:
		return -1
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	h.exitCode = code
	h.waitErr = err

	if h.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.ledger.Remove(ctx, h.pid); err != nil {
			h.logger.Warnw("failed to remove process from ledger", "pid", h.pid, "error", err)
		}
		cancel()
	}

	h.logger.Infow("engine process exited",
		"stream_key", h.key,
		"pid", h.pid,
		"exit_code", code,
	)
	close(h.done)
}

// Stop sends SIGTERM to the process group, escalates to SIGKILL after
// timeout and returns once the exit has been observed.
func (h *Handle) Stop(timeout time.Duration) error {
	h.stopOnce.Do(func() {
		h.stopErr = h.terminate(timeout)
		// unblock a reader left waiting on a pipe held by a grandchild
		h.stdout.Close()
	})
	return h.stopErr
}

func (h *Handle) terminate(timeout time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := signalGroup(h.pid, syscall.SIGTERM); err != nil {
		h.logger.Warnw("failed to send SIGTERM", "pid", h.pid, "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	h.logger.Warnw("grace period exceeded, killing process group",
		"stream_key", h.key,
		"pid", h.pid,
		"grace", timeout,
	)
	if err := signalGroup(h.pid, syscall.SIGKILL); err != nil {
		h.logger.Errorw("failed to send SIGKILL", "pid", h.pid, "error", err)
	}

	killTimer := time.NewTimer(h.killTimeout)
	defer killTimer.Stop()
	select {
	case <-h.done:
		return nil
	case <-killTimer.C:
		return fmt.Errorf("%w: pid %d", ErrKillFailed, h.pid)
	}
}

// stderrWriter splits engine stderr into lines, keeps them in the ring and
// publishes classified ones.
type stderrWriter struct {
	handle  *Handle
	partial []byte
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	data := append(w.partial, p...)
	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		w.line(string(data[:i]))
		data = data[i+1:]
	}
	if len(data) > 4096 {
		w.line(string(data))
		data = nil
	}
	w.partial = append(w.partial[:0], data...)
	return len(p), nil
}

func (w *stderrWriter) line(s string) {
	if s == "" {
		return
	}
	// engine errors echo the input URL, credentials included
	s = domain.RedactText(s, w.handle.source)
	w.handle.ring.Add(s)
	if d, ok := Classify(s); ok {
		select {
		case w.handle.diagnostics <- d:
		default:
		}
	}
}

// MissingEngine stands in for an engine binary that could not be resolved.
// Every start fails with the lookup error so sessions report EngineMissing.
type MissingEngine struct {
	Err error
}

func (m MissingEngine) Start(ctx context.Context, req ports.LaunchRequest) (ports.ProcessHandle, error) {
	return nil, m.Err
}
