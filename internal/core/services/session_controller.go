package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/internal/core/session"
	"streamgate/pkg/cache"
	"streamgate/pkg/circuitbreaker"
	"streamgate/pkg/tracing"
	"streamgate/pkg/validation"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ControllerConfig holds request defaults for the SessionController.
type ControllerConfig struct {
	DefaultProfile domain.Profile
	// APIPrefix is prepended to HLS playback paths.
	APIPrefix string
	// SignalPath is returned as the playback path of relay streams.
	SignalPath  string
	SnapshotTTL time.Duration
	// SnapshotBreaker stops grabbing frames from a camera that keeps failing.
	SnapshotBreaker circuitbreaker.Config
}

// SessionController resolves requests to registry sessions and keeps
// subscriber accounting in one place for the HTTP and signaling front ends.
type SessionController struct {
	registry  *session.Registry
	snapshots ports.SnapshotGrabber
	snapCache *cache.WithFallback[[]byte]
	breakers  *circuitbreaker.Group
	config    ControllerConfig
	logger    *zap.SugaredLogger
	newID     func() domain.SubscriberID
}

var _ ports.SessionController = (*SessionController)(nil)

// NewSessionController creates a controller. snapshots may be nil, in which
// case Snapshot reports the engine as unavailable.
func NewSessionController(registry *session.Registry, snapshots ports.SnapshotGrabber, config ControllerConfig, logger *zap.SugaredLogger) *SessionController {
	if config.APIPrefix == "" {
		config.APIPrefix = "/api/v1"
	}
	if config.SignalPath == "" {
		config.SignalPath = "/ws"
	}
	if config.SnapshotTTL <= 0 {
		config.SnapshotTTL = 2 * time.Second
	}
	return &SessionController{
		registry:  registry,
		snapshots: snapshots,
		snapCache: cache.NewWithFallback[[]byte](config.SnapshotTTL),
		breakers:  circuitbreaker.NewGroup(config.SnapshotBreaker),
		config:    config,
		logger:    logger,
		newID: func() domain.SubscriberID {
			return domain.SubscriberID(uuid.NewString())
		},
	}
}

// CreateStream returns the session for (sourceURL, profile), creating it if
// needed, and registers one lease for the caller.
func (c *SessionController) CreateStream(ctx context.Context, sourceURL string, profile domain.Profile) (*ports.StreamTicket, error) {
	if err := validation.ValidateSourceURL(sourceURL); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}
	normalized, err := profile.Normalize(c.config.DefaultProfile)
	if err != nil {
		return nil, err
	}
	key := domain.NewStreamKey(sourceURL, normalized)

	ctx, span := tracing.TraceSession(ctx, "create", string(key))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.DeliveryKey.String(string(normalized.Delivery)))

	// a session that stops between lookup and join is replaced on the next pass
	for attempt := 0; attempt < 2; attempt++ {
		s, err := c.registry.GetOrCreate(ctx, key, sourceURL, normalized)
		if err != nil {
			tracing.RecordError(ctx, err)
			return nil, err
		}

		sub := c.newID()
		if err := s.AddLease(ctx, sub); err != nil {
			if errors.Is(err, domain.ErrSessionClosed) {
				continue
			}
			tracing.RecordError(ctx, err)
			return nil, err
		}

		c.logger.Infow("subscription created",
			"stream_key", key,
			"subscriber_id", sub,
			"delivery", normalized.Delivery,
		)
		return &ports.StreamTicket{
			StreamKey:    key,
			SubscriberID: sub,
			Delivery:     normalized.Delivery,
			PlaybackPath: c.playbackPath(key, normalized.Delivery, sub),
			State:        s.State(),
		}, nil
	}

	err = fmt.Errorf("%w: session ended during creation", domain.ErrStreamUnavailable)
	tracing.RecordError(ctx, err)
	return nil, err
}

func (c *SessionController) playbackPath(key domain.StreamKey, delivery domain.DeliveryMode, sub domain.SubscriberID) string {
	if delivery == domain.DeliveryWebRTC {
		return c.config.SignalPath
	}
	path := fmt.Sprintf("%s/streams/%s/hls/index.m3u8", c.config.APIPrefix, key)
	if sub != "" {
		path += "?sub=" + string(sub)
	}
	return path
}

// StopStream ends the session outright, whatever its subscriber count.
func (c *SessionController) StopStream(ctx context.Context, key domain.StreamKey) error {
	ctx, span := tracing.TraceSession(ctx, "stop", string(key))
	defer span.End()

	if err := c.registry.Stop(ctx, key, domain.StopReasonRequested); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	c.snapCache.Invalidate(string(key))
	c.breakers.Remove(string(key))
	return nil
}

// ReleaseStream drops one subscription. The Reaper stops the session once it
// has been idle for the grace period.
func (c *SessionController) ReleaseStream(ctx context.Context, key domain.StreamKey, sub domain.SubscriberID) error {
	if err := c.registry.Release(key, sub); err != nil {
		return err
	}
	c.logger.Infow("subscription released",
		"stream_key", key,
		"subscriber_id", sub,
	)
	return nil
}

func (c *SessionController) RenewLease(key domain.StreamKey, sub domain.SubscriberID) error {
	s, err := c.registry.Get(key)
	if err != nil {
		return err
	}
	return s.Renew(sub)
}

func (c *SessionController) GetStatus(ctx context.Context, key domain.StreamKey) (*domain.SessionStatus, error) {
	s, err := c.registry.Get(key)
	if err != nil {
		return nil, err
	}
	return c.status(s), nil
}

func (c *SessionController) ListStreams(ctx context.Context) ([]*domain.SessionStatus, error) {
	sessions := c.registry.List()
	out := make([]*domain.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, c.status(s))
	}
	return out, nil
}

func (c *SessionController) status(s *session.Session) *domain.SessionStatus {
	st := s.Status()
	if st.State.Active() {
		st.PlaybackPath = c.playbackPath(st.StreamKey, st.Profile.Delivery, "")
	}
	if st.State == domain.StateStopped && st.LastError == domain.ErrorKindNone {
		st.LastError = domain.ErrorKindStreamUnavailable
	}
	return &st
}

// Subscribe attaches a relay peer to a running WebRTC session.
func (c *SessionController) Subscribe(ctx context.Context, key domain.StreamKey, offer webrtc.SessionDescription) (*ports.RelayAttachment, error) {
	s, err := c.activeSession(key)
	if err != nil {
		return nil, err
	}
	if s.Profile().Delivery != domain.DeliveryWebRTC {
		return nil, domain.ErrDeliveryMismatch
	}

	sub := c.newID()
	ctx, span := tracing.TraceWebRTC(ctx, "attach", string(sub), string(key))
	defer span.End()

	answer, dropped, err := s.AttachPeer(ctx, sub, offer)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	c.logger.Infow("relay peer attached",
		"stream_key", key,
		"subscriber_id", sub,
	)
	return &ports.RelayAttachment{
		SubscriberID: sub,
		Answer:       *answer,
		Done:         s.Done(),
		Dropped:      dropped,
	}, nil
}

func (c *SessionController) Unsubscribe(ctx context.Context, key domain.StreamKey, sub domain.SubscriberID) error {
	return c.registry.Release(key, sub)
}

// Manifest returns the current HLS playlist.
func (c *SessionController) Manifest(ctx context.Context, key domain.StreamKey) ([]byte, error) {
	src, err := c.segmentSource(key)
	if err != nil {
		return nil, err
	}
	return src.Playlist()
}

// SegmentPath resolves a playlist or segment name to a file inside the
// session directory.
func (c *SessionController) SegmentPath(ctx context.Context, key domain.StreamKey, name string) (string, error) {
	if err := validation.ValidateSegmentName(name); err != nil {
		return "", domain.ErrSegmentNotFound
	}
	src, err := c.segmentSource(key)
	if err != nil {
		return "", err
	}
	return src.SegmentPath(name)
}

func (c *SessionController) segmentSource(key domain.StreamKey) (ports.SegmentSource, error) {
	s, err := c.activeSession(key)
	if err != nil {
		return nil, err
	}
	src, ok := s.Publisher().(ports.SegmentSource)
	if !ok {
		return nil, domain.ErrDeliveryMismatch
	}
	return src, nil
}

func (c *SessionController) activeSession(key domain.StreamKey) (*session.Session, error) {
	s, err := c.registry.Get(key)
	if err != nil {
		return nil, err
	}
	if !s.State().Active() {
		return nil, domain.ErrStreamUnavailable
	}
	return s, nil
}

// Snapshot grabs one JPEG frame from the session's source. Frames are
// cached briefly so bursts of requests run the engine once.
func (c *SessionController) Snapshot(ctx context.Context, key domain.StreamKey) ([]byte, error) {
	if c.snapshots == nil {
		return nil, domain.ErrEngineMissing
	}
	s, err := c.activeSession(key)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.TraceSession(ctx, "snapshot", string(key))
	defer span.End()

	img, err := c.snapCache.GetOrSet(ctx, string(key), func(ctx context.Context) ([]byte, error) {
		return circuitbreaker.Do(ctx, c.breakers.Get(string(key)), func() ([]byte, error) {
			return c.snapshots.Grab(ctx, s.SourceURL(), s.Profile())
		})
	}, 0)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %w", domain.ErrStreamUnavailable, err)
		}
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return img, nil
}

// Shutdown stops every session and waits for their engines to exit.
func (c *SessionController) Shutdown(ctx context.Context) error {
	defer c.snapCache.Stop()
	c.logger.Info("stopping all sessions")
	return c.registry.StopAll(ctx, domain.StopReasonShutdown)
}
