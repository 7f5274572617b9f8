package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/pkg/retry"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Options tune every session created by a Registry.
type Options struct {
	StopTimeout  time.Duration
	StallTimeout time.Duration
	// HandoverTimeout bounds how long a new session for a key waits for the
	// previous one to finish stopping and release its output directory.
	HandoverTimeout time.Duration
	MaxRetries      int
	Backoff         retry.Config
	EngineLog       int
	Now             func() time.Time
}

func (o *Options) applyDefaults() {
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.HandoverTimeout <= 0 {
		o.HandoverTimeout = 2 * o.StopTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff = retry.Backoff(time.Second, 30*time.Second)
	}
	if o.EngineLog <= 0 {
		o.EngineLog = 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Session owns one engine process and the publisher fed by it. All state
// transitions happen under mu; the process is driven by a single run loop.
type Session struct {
	key       domain.StreamKey
	sourceURL string
	profile   domain.Profile
	publisher ports.OutputPublisher
	launcher  ports.ProcessLauncher
	observer  ports.SessionObserver
	opts      Options
	logger    *zap.SugaredLogger

	mu            sync.Mutex
	state         domain.SessionState
	subscribers   map[domain.SubscriberID]*domain.Subscriber
	peerDrops     map[domain.SubscriberID]chan domain.ErrorKind
	handle        ports.ProcessHandle
	retryCount    int
	createdAt     time.Time
	startedAt     time.Time
	lastActivity  time.Time
	lastOutput    time.Time
	idleSince     time.Time
	stoppedAt     time.Time
	stopReason    domain.StopReason
	lastError     domain.Diagnostic
	stopRequested bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newSession(key domain.StreamKey, sourceURL string, profile domain.Profile, publisher ports.OutputPublisher, launcher ports.ProcessLauncher, observer ports.SessionObserver, opts Options, logger *zap.SugaredLogger) *Session {
	now := opts.Now()
	s := &Session{
		key:          key,
		sourceURL:    sourceURL,
		profile:      profile,
		publisher:    publisher,
		launcher:     launcher,
		observer:     observer,
		opts:         opts,
		logger:       logger,
		state:        domain.StateStarting,
		subscribers:  make(map[domain.SubscriberID]*domain.Subscriber),
		peerDrops:    make(map[domain.SubscriberID]chan domain.ErrorKind),
		createdAt:    now,
		lastActivity: now,
		idleSince:    now,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	publisher.OnDetach(s.publisherDropped)
	observer.StateChanged(key, "", domain.StateStarting)
	return s
}

func (s *Session) Key() domain.StreamKey { return s.key }

func (s *Session) Profile() domain.Profile { return s.profile }

func (s *Session) SourceURL() string { return s.sourceURL }

func (s *Session) Publisher() ports.OutputPublisher { return s.publisher }

// Done is closed once the session is Stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// IdleSince returns when the last subscriber left. ok is false while the
// session has subscribers or is no longer active.
func (s *Session) IdleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active() || len(s.subscribers) > 0 {
		return time.Time{}, false
	}
	return s.idleSince, true
}

// StoppedAt is zero until the session is Stopped.
func (s *Session) StoppedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedAt
}

func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := domain.SessionStatus{
		StreamKey:       s.key,
		Source:          domain.RedactURL(s.sourceURL),
		Profile:         s.profile,
		State:           s.state,
		SubscriberCount: len(s.subscribers),
		RetryCount:      s.retryCount,
		LastActivity:    s.lastActivity,
		LastOutput:      s.lastOutput,
		CreatedAt:       s.createdAt,
		StoppedAt:       s.stoppedAt,
		StopReason:      s.stopReason,
		LastError:       s.lastError.Kind,
		LastErrorDetail: s.lastError.Reason,
	}
	if s.handle != nil {
		st.PID = s.handle.PID()
		st.EngineLog = s.handle.RecentOutput(s.opts.EngineLog)
	}
	return st
}

// launch starts the first incarnation synchronously so callers learn about
// creation failures. The run loop takes over from there.
func (s *Session) launch(ctx context.Context) error {
	h, err := s.start(ctx)
	if err != nil {
		if closeErr := s.publisher.Close(); closeErr != nil {
			s.logger.Warnw("failed to release publisher", "stream_key", s.key, "error", closeErr)
		}
		s.mu.Lock()
		s.stopReason = domain.StopReasonFailed
		s.stoppedAt = s.opts.Now()
		s.setStateLocked(domain.StateStopped)
		s.mu.Unlock()
		close(s.done)
		return err
	}
	go s.run(h)
	return nil
}

func (s *Session) start(ctx context.Context) (ports.ProcessHandle, error) {
	outputArgs, workDir, err := s.publisher.Prepare()
	if err != nil {
		return nil, s.failStart(fmt.Errorf("%w: %w", domain.ErrCreationFailed, err))
	}

	h, err := s.launcher.Start(ctx, ports.LaunchRequest{
		StreamKey:  s.key,
		SourceURL:  s.sourceURL,
		Profile:    s.profile,
		OutputArgs: outputArgs,
		WorkDir:    workDir,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrCreationFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrCreationFailed, err)
		}
		return nil, s.failStart(err)
	}

	now := s.opts.Now()
	s.mu.Lock()
	s.handle = h
	s.startedAt = now
	s.lastOutput = time.Time{}
	if s.state == domain.StateDegraded {
		s.setStateLocked(domain.StateStarting)
	}
	s.mu.Unlock()

	s.observer.ProcessStarted(s.key, nil)
	return h, nil
}

func (s *Session) failStart(err error) error {
	kind := domain.ErrorKindCreationFailed
	if errors.Is(err, domain.ErrEngineMissing) {
		kind = domain.ErrorKindEngineMissing
	}
	s.mu.Lock()
	s.lastError = domain.Diagnostic{Kind: kind, Reason: domain.RedactText(err.Error(), s.sourceURL)}
	s.mu.Unlock()

	s.observer.ProcessStarted(s.key, err)
	s.logger.Errorw("failed to start engine",
		"stream_key", s.key,
		"source", domain.RedactURL(s.sourceURL),
		"error", err,
	)
	return err
}

func (s *Session) run(h ports.ProcessHandle) {
	defer s.finalize()

	for {
		if s.supervise(h) {
			return
		}
		next, ok := s.restart(h.ExitCode())
		if !ok {
			return
		}
		h = next
	}
}

// supervise follows one incarnation until it exits. It returns true when the
// exit was requested through Stop.
func (s *Session) supervise(h ports.ProcessHandle) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		if err := s.publisher.Consume(ctx, h.Stdout(), s.markOutput); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warnw("output consumer failed", "stream_key", s.key, "error", err)
		}
	}()

	var tick <-chan time.Time
	if s.opts.StallTimeout > 0 {
		ticker := time.NewTicker(stallCheckInterval(s.opts.StallTimeout))
		defer ticker.Stop()
		tick = ticker.C
	}

	diagnostics := h.Diagnostics()
	stopped := false
loop:
	for {
		select {
		case <-h.Done():
			break loop
		case d, ok := <-diagnostics:
			if !ok {
				diagnostics = nil
				continue
			}
			s.recordDiagnostic(d)
		case <-tick:
			if s.checkStall() {
				s.logger.Warnw("engine output stalled, restarting", "stream_key", s.key, "pid", h.PID())
				if err := h.Stop(s.opts.StopTimeout); err != nil {
					s.logger.Errorw("failed to stop stalled engine", "stream_key", s.key, "error", err)
				}
			}
		case <-s.stopCh:
			stopped = true
			break loop
		}
	}

	// always reap and release the pipe, even after a natural exit
	if err := h.Stop(s.opts.StopTimeout); err != nil {
		s.logger.Errorw("failed to stop engine", "stream_key", s.key, "pid", h.PID(), "error", err)
	}
	<-consumed

	for diagnostics != nil {
		select {
		case d, ok := <-diagnostics:
			if !ok {
				diagnostics = nil
				continue
			}
			s.recordDiagnostic(d)
		default:
			diagnostics = nil
		}
	}

	s.mu.Lock()
	kind := s.lastError.Kind
	s.mu.Unlock()
	s.observer.ProcessExited(s.key, h.ExitCode(), kind)
	return stopped
}

func stallCheckInterval(stall time.Duration) time.Duration {
	interval := stall / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// restart applies the retry policy after an unrequested exit. It returns the
// next incarnation, or false when the session should stop.
func (s *Session) restart(code int) (ports.ProcessHandle, bool) {
	for {
		s.mu.Lock()
		if s.stopRequested {
			s.mu.Unlock()
			return nil, false
		}
		switch {
		case code == 0:
			s.beginStopLocked(domain.StopReasonExited, domain.ErrorKindStreamUnavailable, "engine exited")
			s.mu.Unlock()
			return nil, false
		case len(s.subscribers) == 0:
			kind, detail := s.lastError.Kind, s.lastError.Reason
			if kind == domain.ErrorKindNone {
				kind, detail = domain.ErrorKindStreamUnavailable, fmt.Sprintf("engine exited with code %d", code)
			}
			s.beginStopLocked(domain.StopReasonFailed, kind, detail)
			s.mu.Unlock()
			return nil, false
		case s.retryCount >= s.opts.MaxRetries:
			detail := fmt.Sprintf("gave up after %d retries", s.retryCount)
			if s.lastError.Reason != "" {
				detail += ": " + s.lastError.Reason
			}
			s.beginStopLocked(domain.StopReasonFailed, domain.ErrorKindStreamUnavailable, detail)
			s.mu.Unlock()
			return nil, false
		}
		s.retryCount++
		attempt := s.retryCount
		s.setStateLocked(domain.StateDegraded)
		s.mu.Unlock()

		delay := retry.Delay(s.opts.Backoff, attempt-1)
		s.observer.RetryScheduled(s.key, attempt, delay)
		s.logger.Warnw("engine exited, retrying",
			"stream_key", s.key,
			"exit_code", code,
			"attempt", attempt,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			return nil, false
		}

		h, err := s.start(context.Background())
		if err == nil {
			return h, true
		}
		code = -1
	}
}

func (s *Session) finalize() {
	s.mu.Lock()
	if s.stopReason == "" {
		s.stopReason = domain.StopReasonExited
	}
	s.setStateLocked(domain.StateStopping)
	s.mu.Unlock()

	// the engine has exited, so the publisher can drop its files
	if err := s.publisher.Close(); err != nil {
		s.logger.Warnw("failed to release publisher", "stream_key", s.key, "error", err)
	}

	s.mu.Lock()
	s.stoppedAt = s.opts.Now()
	if len(s.subscribers) > 0 {
		s.subscribers = make(map[domain.SubscriberID]*domain.Subscriber)
		s.observer.SubscribersChanged(s.key, 0)
	}
	s.setStateLocked(domain.StateStopped)
	reason, lastErr := s.stopReason, s.lastError
	s.mu.Unlock()

	s.logger.Infow("session stopped",
		"stream_key", s.key,
		"reason", reason,
		"last_error", lastErr.Kind,
		"detail", lastErr.Reason,
	)
	close(s.done)
}

// Stop requests the session to end and waits until it is Stopped or ctx
// expires. It is safe to call repeatedly.
func (s *Session) Stop(ctx context.Context, reason domain.StopReason) error {
	s.mu.Lock()
	s.stopRequested = true
	if s.state.Active() {
		s.beginStopLocked(reason, domain.ErrorKindNone, "")
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) beginStopLocked(reason domain.StopReason, kind domain.ErrorKind, detail string) {
	if s.stopReason == "" {
		s.stopReason = reason
	}
	if kind != domain.ErrorKindNone {
		s.lastError = domain.Diagnostic{Kind: kind, Reason: detail}
	}
	s.setStateLocked(domain.StateStopping)
}

func (s *Session) setStateLocked(to domain.SessionState) {
	from := s.state
	if from == to || from == domain.StateStopped {
		return
	}
	s.state = to
	s.observer.StateChanged(s.key, from, to)
	s.logger.Debugw("session state changed",
		"stream_key", s.key,
		"from", from,
		"to", to,
	)
}

func (s *Session) markOutput() {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastOutput = now
	s.lastActivity = now
	if s.state == domain.StateStarting || s.state == domain.StateDegraded {
		s.retryCount = 0
		s.setStateLocked(domain.StateLive)
	}
}

func (s *Session) recordDiagnostic(d domain.Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastError = d
	if s.state == domain.StateLive {
		s.setStateLocked(domain.StateDegraded)
	}
	s.logger.Warnw("engine reported a problem",
		"stream_key", s.key,
		"kind", d.Kind,
		"reason", d.Reason,
	)
}

// checkStall marks a live session Degraded when output stops and asks for a
// restart once the stall has lasted twice as long.
func (s *Session) checkStall() bool {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastOutput
	if last.IsZero() {
		last = s.startedAt
	}
	idle := now.Sub(last)
	switch s.state {
	case domain.StateLive:
		if idle > s.opts.StallTimeout {
			s.lastError = domain.Diagnostic{Kind: domain.ErrorKindStreamUnavailable, Reason: "output stalled"}
			s.setStateLocked(domain.StateDegraded)
		}
	case domain.StateDegraded, domain.StateStarting:
		return idle > 2*s.opts.StallTimeout
	}
	return false
}

// AddLease registers an HTTP subscription.
func (s *Session) AddLease(ctx context.Context, id domain.SubscriberID) error {
	if s.publisher.Mode() == domain.DeliveryHLS {
		if _, err := s.publisher.Attach(ctx, id, nil); err != nil {
			return err
		}
	}
	if err := s.join(id, domain.SubscriberLease); err != nil {
		s.publisher.Detach(id)
		return err
	}
	return nil
}

// AttachPeer negotiates a relay peer and registers it as a subscriber. The
// returned channel yields a reason if the publisher later drops the peer.
func (s *Session) AttachPeer(ctx context.Context, id domain.SubscriberID, offer webrtc.SessionDescription) (*webrtc.SessionDescription, <-chan domain.ErrorKind, error) {
	if !s.State().Active() {
		return nil, nil, domain.ErrSessionClosed
	}
	dropped := make(chan domain.ErrorKind, 1)
	s.mu.Lock()
	s.peerDrops[id] = dropped
	s.mu.Unlock()

	answer, err := s.publisher.Attach(ctx, id, &offer)
	if err == nil {
		err = s.join(id, domain.SubscriberPeer)
		if err != nil {
			s.publisher.Detach(id)
		}
	}
	if err != nil {
		s.mu.Lock()
		delete(s.peerDrops, id)
		s.mu.Unlock()
		return nil, nil, err
	}
	return answer, dropped, nil
}

func (s *Session) join(id domain.SubscriberID, kind domain.SubscriberKind) error {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active() {
		return domain.ErrSessionClosed
	}
	s.subscribers[id] = &domain.Subscriber{ID: id, Kind: kind, JoinedAt: now, LastSeen: now}
	s.lastActivity = now
	s.idleSince = now
	s.observer.SubscribersChanged(s.key, len(s.subscribers))
	return nil
}

// Leave releases one subscriber. It reports false for unknown IDs.
func (s *Session) Leave(id domain.SubscriberID) bool {
	s.publisher.Detach(id)
	return s.removeSubscriber(id)
}

func (s *Session) removeSubscriber(id domain.SubscriberID) bool {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[id]; !ok {
		return false
	}
	delete(s.subscribers, id)
	delete(s.peerDrops, id)
	s.lastActivity = now
	s.idleSince = now
	s.observer.SubscribersChanged(s.key, len(s.subscribers))
	return true
}

func (s *Session) publisherDropped(id domain.SubscriberID, kind domain.ErrorKind) {
	s.mu.Lock()
	dropped, ok := s.peerDrops[id]
	delete(s.peerDrops, id)
	s.mu.Unlock()
	if ok {
		dropped <- kind
	}
	if s.removeSubscriber(id) {
		s.logger.Infow("subscriber dropped by publisher",
			"stream_key", s.key,
			"subscriber_id", id,
			"reason", kind,
		)
	}
}

// Renew extends a lease and counts as activity.
func (s *Session) Renew(id domain.SubscriberID) error {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[id]
	if !ok {
		return domain.ErrSubscriberNotFound
	}
	sub.LastSeen = now
	s.lastActivity = now
	return nil
}

// ExpireLeases drops leases not renewed within timeout. Relay peers are
// tracked by their transport instead.
func (s *Session) ExpireLeases(now time.Time, timeout time.Duration) []domain.SubscriberID {
	s.mu.Lock()
	var expired []domain.SubscriberID
	for id, sub := range s.subscribers {
		if sub.Kind == domain.SubscriberLease && now.Sub(sub.LastSeen) > timeout {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.Leave(id)
	}
	return expired
}
