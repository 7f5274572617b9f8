package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/internal/core/session"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// idleHandle runs until stopped.
type idleHandle struct {
	pid  int
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once
}

func newIdleHandle(pid int) *idleHandle {
	r, w := io.Pipe()
	return &idleHandle{pid: pid, r: r, w: w, done: make(chan struct{})}
}

func (h *idleHandle) PID() int                              { return h.pid }
func (h *idleHandle) Stdout() io.Reader                     { return h.r }
func (h *idleHandle) Done() <-chan struct{}                 { return h.done }
func (h *idleHandle) ExitCode() int                         { return -1 }
func (h *idleHandle) Diagnostics() <-chan domain.Diagnostic { return nil }
func (h *idleHandle) RecentOutput(n int) []string           { return nil }

func (h *idleHandle) Stop(timeout time.Duration) error {
	h.once.Do(func() {
		h.w.Close()
		close(h.done)
	})
	return nil
}

type countingLauncher struct {
	starts atomic.Int32
}

func (l *countingLauncher) Start(ctx context.Context, req ports.LaunchRequest) (ports.ProcessHandle, error) {
	n := l.starts.Add(1)
	return newIdleHandle(2000 + int(n)), nil
}

// stubPublisher serves a fixed playlist in HLS mode and canned answers in
// relay mode.
type stubPublisher struct {
	mode domain.DeliveryMode
	mu   sync.Mutex
	subs map[domain.SubscriberID]bool
}

func (p *stubPublisher) Mode() domain.DeliveryMode { return p.mode }

func (p *stubPublisher) Prepare() ([]string, string, error) {
	return []string{"pipe:1"}, "", nil
}

func (p *stubPublisher) Consume(ctx context.Context, r io.Reader, onOutput func()) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		onOutput()
	}
	return nil
}

func (p *stubPublisher) Attach(ctx context.Context, sub domain.SubscriberID, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.subs[sub] = true
	p.mu.Unlock()
	if offer == nil {
		return nil, nil
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *stubPublisher) Detach(sub domain.SubscriberID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := p.subs[sub]
	delete(p.subs, sub)
	return ok
}

func (p *stubPublisher) OnDetach(fn func(domain.SubscriberID, domain.ErrorKind)) {}
func (p *stubPublisher) Close() error                                            { return nil }

func (p *stubPublisher) Playlist() ([]byte, error) {
	if p.mode != domain.DeliveryHLS {
		return nil, domain.ErrDeliveryMismatch
	}
	return []byte("#EXTM3U\n"), nil
}

func (p *stubPublisher) SegmentPath(name string) (string, error) {
	if name == "seg_000001.ts" {
		return "/tmp/" + name, nil
	}
	return "", domain.ErrSegmentNotFound
}

// relayPublisher hides the SegmentSource methods, as the real relay does.
type relayPublisher struct {
	ports.OutputPublisher
}

func stubPublishers(key domain.StreamKey, profile domain.Profile) (ports.OutputPublisher, error) {
	p := &stubPublisher{mode: profile.Delivery, subs: make(map[domain.SubscriberID]bool)}
	if profile.Delivery == domain.DeliveryWebRTC {
		return relayPublisher{p}, nil
	}
	return p, nil
}

type countingGrabber struct {
	calls atomic.Int32
	err   error
}

func (g *countingGrabber) Grab(ctx context.Context, sourceURL string, profile domain.Profile) ([]byte, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return []byte{0xff, 0xd8, 0xff}, nil
}

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

type recordingMetrics struct {
	mu      sync.Mutex
	stops   []domain.StopReason
	expired int
	orphans int
}

func (m *recordingMetrics) RecordReaperStop(reason domain.StopReason) {
	m.mu.Lock()
	m.stops = append(m.stops, reason)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordLeasesExpired(n int) {
	m.mu.Lock()
	m.expired += n
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordOrphansReaped(n int) {
	m.mu.Lock()
	m.orphans += n
	m.mu.Unlock()
}

type testEnv struct {
	launcher   *countingLauncher
	registry   *session.Registry
	controller *SessionController
	grabber    *countingGrabber
	clock      *fakeClock
}

var testDefaults = domain.Profile{
	Transport: domain.TransportTCP,
	Delivery:  domain.DeliveryHLS,
}

func newTestEnv(t *testing.T, clock *fakeClock) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	launcher := &countingLauncher{}
	opts := session.Options{StopTimeout: time.Second}
	if clock != nil {
		opts.Now = clock.Now
	}
	registry := session.NewRegistry(launcher, stubPublishers, nil, opts, 0, logger)
	grabber := &countingGrabber{}
	controller := NewSessionController(registry, grabber, ControllerConfig{
		DefaultProfile: testDefaults,
		SnapshotTTL:    time.Minute,
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := controller.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("shutdown: %v", err)
		}
	})
	return &testEnv{
		launcher:   launcher,
		registry:   registry,
		controller: controller,
		grabber:    grabber,
		clock:      clock,
	}
}

func camURL(n int) string {
	return fmt.Sprintf("rtsp://cam%d/ch1", n)
}
