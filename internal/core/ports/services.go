package ports

import (
	"context"
	"io"
	"time"

	"streamgate/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// SessionController is the entry point used by the HTTP API and the
// signaling channel.
type SessionController interface {
	CreateStream(ctx context.Context, sourceURL string, profile domain.Profile) (*StreamTicket, error)
	StopStream(ctx context.Context, key domain.StreamKey) error
	ReleaseStream(ctx context.Context, key domain.StreamKey, sub domain.SubscriberID) error
	RenewLease(key domain.StreamKey, sub domain.SubscriberID) error
	GetStatus(ctx context.Context, key domain.StreamKey) (*domain.SessionStatus, error)
	ListStreams(ctx context.Context) ([]*domain.SessionStatus, error)
	Subscribe(ctx context.Context, key domain.StreamKey, offer webrtc.SessionDescription) (*RelayAttachment, error)
	Unsubscribe(ctx context.Context, key domain.StreamKey, sub domain.SubscriberID) error
	Manifest(ctx context.Context, key domain.StreamKey) ([]byte, error)
	SegmentPath(ctx context.Context, key domain.StreamKey, name string) (string, error)
	Snapshot(ctx context.Context, key domain.StreamKey) ([]byte, error)
	Shutdown(ctx context.Context) error
}

type StreamTicket struct {
	StreamKey    domain.StreamKey    `json:"streamKey"`
	SubscriberID domain.SubscriberID `json:"subscriberId"`
	Delivery     domain.DeliveryMode `json:"delivery"`
	PlaybackPath string              `json:"playbackPath"`
	State        domain.SessionState `json:"state"`
}

type RelayAttachment struct {
	SubscriberID domain.SubscriberID
	Answer       webrtc.SessionDescription
	// Done is closed when the session backing the attachment ends.
	Done <-chan struct{}
	// Dropped yields the reason when the publisher drops this peer on its own.
	Dropped <-chan domain.ErrorKind
}

// LaunchRequest describes one engine process incarnation.
type LaunchRequest struct {
	StreamKey  domain.StreamKey
	SourceURL  string
	Profile    domain.Profile
	OutputArgs []string
	WorkDir    string
}

type ProcessLauncher interface {
	Start(ctx context.Context, req LaunchRequest) (ProcessHandle, error)
}

type ProcessHandle interface {
	PID() int
	Stdout() io.Reader
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	ExitCode() int
	Diagnostics() <-chan domain.Diagnostic
	RecentOutput(n int) []string
	Stop(timeout time.Duration) error
}

// OutputPublisher turns engine output into something subscribers can consume.
type OutputPublisher interface {
	Mode() domain.DeliveryMode
	// Prepare runs before every process incarnation and returns the muxer
	// arguments the engine should use.
	Prepare() (outputArgs []string, workDir string, err error)
	// Consume reads one incarnation's output until EOF. onOutput is called
	// for every published chunk.
	Consume(ctx context.Context, r io.Reader, onOutput func()) error
	Attach(ctx context.Context, sub domain.SubscriberID, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	Detach(sub domain.SubscriberID) bool
	// OnDetach registers a callback for subscribers dropped by the publisher.
	OnDetach(fn func(sub domain.SubscriberID, kind domain.ErrorKind))
	Close() error
}

type PublisherFactory func(key domain.StreamKey, profile domain.Profile) (OutputPublisher, error)

// SessionObserver receives lifecycle events, typically for metrics.
type SessionObserver interface {
	StateChanged(key domain.StreamKey, from, to domain.SessionState)
	ProcessStarted(key domain.StreamKey, err error)
	ProcessExited(key domain.StreamKey, code int, kind domain.ErrorKind)
	RetryScheduled(key domain.StreamKey, attempt int, delay time.Duration)
	SubscribersChanged(key domain.StreamKey, count int)
}

type SnapshotGrabber interface {
	Grab(ctx context.Context, sourceURL string, profile domain.Profile) ([]byte, error)
}

// PublisherObserver receives output-side events from publishers.
type PublisherObserver interface {
	SegmentPublished(key domain.StreamKey)
	FramesDropped(key domain.StreamKey, n int)
}

// SegmentSource is implemented by publishers that serve an HLS window.
type SegmentSource interface {
	Playlist() ([]byte, error)
	SegmentPath(name string) (string, error)
}
