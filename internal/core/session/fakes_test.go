package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

type fakeHandle struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	diags   chan domain.Diagnostic
	done    chan struct{}
	code    atomic.Int64
	once    sync.Once
	stopped atomic.Bool
}

func newFakeHandle(pid int) *fakeHandle {
	r, w := io.Pipe()
	h := &fakeHandle{
		pid:     pid,
		stdoutR: r,
		stdoutW: w,
		diags:   make(chan domain.Diagnostic, 8),
		done:    make(chan struct{}),
	}
	h.code.Store(-1)
	return h
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.code.Store(int64(code))
		h.stdoutW.Close()
		close(h.done)
	})
}

func (h *fakeHandle) emit(line string) error {
	_, err := h.stdoutW.Write([]byte(line + "\n"))
	return err
}

func (h *fakeHandle) PID() int                              { return h.pid }
func (h *fakeHandle) Stdout() io.Reader                     { return h.stdoutR }
func (h *fakeHandle) Done() <-chan struct{}                 { return h.done }
func (h *fakeHandle) Diagnostics() <-chan domain.Diagnostic { return h.diags }
func (h *fakeHandle) RecentOutput(n int) []string           { return []string{"last line"} }

func (h *fakeHandle) ExitCode() int {
	select {
	case <-h.done:
		return int(h.code.Load())
	default:
		return -1
	}
}

func (h *fakeHandle) Stop(timeout time.Duration) error {
	h.stopped.Store(true)
	h.exit(-1)
	h.stdoutR.Close()
	return nil
}

// fakeLauncher hands out fake handles; script drives each incarnation.
type fakeLauncher struct {
	mu      sync.Mutex
	starts  int
	handles []*fakeHandle
	delay   time.Duration
	err     error
	script  func(n int, h *fakeHandle)
}

func (l *fakeLauncher) Start(ctx context.Context, req ports.LaunchRequest) (ports.ProcessHandle, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return nil, l.err
	}
	l.starts++
	n := l.starts
	h := newFakeHandle(1000 + n)
	l.handles = append(l.handles, h)
	script := l.script
	l.mu.Unlock()

	if script != nil {
		go script(n, h)
	}
	return h, nil
}

func (l *fakeLauncher) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

func (l *fakeLauncher) Handle(n int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[n-1]
}

type fakePublisher struct {
	mode       domain.DeliveryMode
	mu         sync.Mutex
	prepared   int
	closed     bool
	closeDelay time.Duration
	attached   map[domain.SubscriberID]bool
	onDetach   func(domain.SubscriberID, domain.ErrorKind)
}

func newFakePublisher(mode domain.DeliveryMode) *fakePublisher {
	return &fakePublisher{mode: mode, attached: make(map[domain.SubscriberID]bool)}
}

func (p *fakePublisher) Mode() domain.DeliveryMode { return p.mode }

func (p *fakePublisher) Prepare() ([]string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, "", domain.ErrSessionClosed
	}
	p.prepared++
	return []string{"pipe:1"}, "", nil
}

func (p *fakePublisher) Consume(ctx context.Context, r io.Reader, onOutput func()) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		onOutput()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

func (p *fakePublisher) Attach(ctx context.Context, sub domain.SubscriberID, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, domain.ErrSessionClosed
	}
	p.attached[sub] = true
	if offer == nil {
		return nil, nil
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePublisher) Detach(sub domain.SubscriberID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached[sub] {
		return false
	}
	delete(p.attached, sub)
	return true
}

func (p *fakePublisher) OnDetach(fn func(domain.SubscriberID, domain.ErrorKind)) {
	p.mu.Lock()
	p.onDetach = fn
	p.mu.Unlock()
}

func (p *fakePublisher) Close() error {
	// simulates a slow output directory removal
	time.Sleep(p.closeDelay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePublisher) Prepared() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prepared
}

type recordingObserver struct {
	nopObserver
	mu          sync.Mutex
	transitions []domain.SessionState
	retries     int
}

func (o *recordingObserver) StateChanged(_ domain.StreamKey, _, to domain.SessionState) {
	o.mu.Lock()
	o.transitions = append(o.transitions, to)
	o.mu.Unlock()
}

func (o *recordingObserver) RetryScheduled(domain.StreamKey, int, time.Duration) {
	o.mu.Lock()
	o.retries++
	o.mu.Unlock()
}

func (o *recordingObserver) Transitions() []domain.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.SessionState(nil), o.transitions...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
