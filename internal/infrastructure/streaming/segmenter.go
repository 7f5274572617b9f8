package streaming

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"github.com/google/renameio/v2"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	PlaylistName   = "index.m3u8"
	segmentPrefix  = "seg_"
	segmentSuffix  = ".ts"
	segmentPattern = segmentPrefix + "%06d" + segmentSuffix
)

// SegmenterConfig configures the rolling segment window
type SegmenterConfig struct {
	SegmentDuration time.Duration
	ListSize        int
	DeleteThreshold int
}

// SegmentedPublisher serves engine output as a rolling HLS window. The engine
// writes segment files and reports each finished one on stdout; the
// publisher owns the playlist and segment deletion.
type SegmentedPublisher struct {
	key      domain.StreamKey
	dir      string
	config   SegmenterConfig
	observer ports.PublisherObserver
	logger   *zap.SugaredLogger

	mu               sync.RWMutex
	window           []Segment
	retired          []Segment
	nextSeq          uint64
	incarnations     int
	discontinuity    bool
	discontinuitySeq uint64
	playlist         []byte
	subscribers      map[domain.SubscriberID]struct{}
	closed           bool
}

// NewSegmentedPublisher creates a publisher writing under dir
func NewSegmentedPublisher(key domain.StreamKey, dir string, config SegmenterConfig, observer ports.PublisherObserver, logger *zap.SugaredLogger) *SegmentedPublisher {
	if config.ListSize < 2 {
		config.ListSize = 2
	}
	if config.DeleteThreshold < 1 {
		config.DeleteThreshold = 1
	}
	return &SegmentedPublisher{
		key:         key,
		dir:         dir,
		config:      config,
		observer:    observer,
		logger:      logger,
		subscribers: make(map[domain.SubscriberID]struct{}),
	}
}

func (p *SegmentedPublisher) Mode() domain.DeliveryMode { return domain.DeliveryHLS }

func (p *SegmentedPublisher) Dir() string { return p.dir }

// Prepare creates the session directory and continues segment numbering
// from the previous incarnation so sequence numbers never go backwards.
func (p *SegmentedPublisher) Prepare() ([]string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, "", domain.ErrSessionClosed
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create session directory: %w", err)
	}
	if p.incarnations > 0 {
		p.discontinuity = true
	}
	p.incarnations++

	args := []string{
		"-f", "segment",
		"-segment_format", "mpegts",
		"-segment_time", strconv.FormatFloat(p.config.SegmentDuration.Seconds(), 'f', -1, 64),
		"-segment_start_number", strconv.FormatUint(p.nextSeq, 10),
		"-segment_list", "pipe:1",
		"-segment_list_type", "csv",
		"-segment_list_size", "0",
		"-segment_list_flags", "+live",
		"-reset_timestamps", "0",
		filepath.Join(p.dir, segmentPattern),
	}
	return args, p.dir, nil
}

// Consume reads the engine's segment list (one "name,start,end" line per
// finished segment) until EOF.
func (p *SegmentedPublisher) Consume(ctx context.Context, r io.Reader, onOutput func()) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		seg, err := parseSegmentEntry(line)
		if err != nil {
			p.logger.Warnw("ignoring malformed segment entry",
				"stream_key", p.key,
				"line", line,
				"error", err,
			)
			continue
		}
		if err := p.publish(seg); err != nil {
			p.logger.Warnw("failed to publish segment",
				"stream_key", p.key,
				"segment", seg.Name,
				"error", err,
			)
			continue
		}
		if onOutput != nil {
			onOutput()
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func parseSegmentEntry(line string) (Segment, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return Segment{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}

	name := filepath.Base(fields[0])
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return Segment{}, fmt.Errorf("unexpected segment name %q", name)
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil {
		return Segment{}, fmt.Errorf("bad sequence in %q: %w", name, err)
	}

	start, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Segment{}, fmt.Errorf("bad start time: %w", err)
	}
	end, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Segment{}, fmt.Errorf("bad end time: %w", err)
	}
	if end < start {
		return Segment{}, fmt.Errorf("segment ends before it starts")
	}

	return Segment{
		Sequence:  seq,
		Name:      name,
		Duration:  time.Duration((end - start) * float64(time.Second)),
		CreatedAt: time.Now(),
	}, nil
}

// publish appends seg to the window, rewrites the playlist and only then
// deletes files that the new playlist no longer references.
func (p *SegmentedPublisher) publish(seg Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrSessionClosed
	}
	if n := len(p.window); n > 0 && seg.Sequence <= p.window[n-1].Sequence {
		// never let the playlist go backwards; the file is not referenced
		os.Remove(filepath.Join(p.dir, seg.Name))
		return fmt.Errorf("out-of-order segment %d after %d", seg.Sequence, p.window[n-1].Sequence)
	}

	if p.discontinuity {
		seg.Discontinuity = true
		p.discontinuity = false
	}
	p.window = append(p.window, seg)
	p.nextSeq = seg.Sequence + 1

	for len(p.window) > p.config.ListSize {
		old := p.window[0]
		p.window = p.window[1:]
		if old.Discontinuity {
			p.discontinuitySeq++
		}
		p.retired = append(p.retired, old)
	}

	playlist := renderPlaylist(p.window, p.config.SegmentDuration, p.discontinuitySeq)
	if err := renameio.WriteFile(filepath.Join(p.dir, PlaylistName), playlist, 0o644); err != nil {
		// the in-memory playlist still advances; HTTP serves from memory
		p.logger.Warnw("failed to write playlist file", "stream_key", p.key, "error", err)
	}
	p.playlist = playlist

	for len(p.retired) > p.config.DeleteThreshold {
		old := p.retired[0]
		p.retired = p.retired[1:]
		if err := os.Remove(filepath.Join(p.dir, old.Name)); err != nil && !os.IsNotExist(err) {
			p.logger.Warnw("failed to delete segment", "stream_key", p.key, "segment", old.Name, "error", err)
		}
	}

	if p.observer != nil {
		p.observer.SegmentPublished(p.key)
	}
	return nil
}

// Playlist returns the current playlist
func (p *SegmentedPublisher) Playlist() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, domain.ErrSessionClosed
	}
	if len(p.window) == 0 {
		return nil, domain.ErrManifestNotReady
	}
	out := make([]byte, len(p.playlist))
	copy(out, p.playlist)
	return out, nil
}

// SegmentPath resolves a segment name that is still listed or only just
// retired. Anything else is reported as not found.
func (p *SegmentedPublisher) SegmentPath(name string) (string, error) {
	if name != filepath.Base(name) {
		return "", domain.ErrSegmentNotFound
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return "", domain.ErrSessionClosed
	}
	for _, seg := range p.window {
		if seg.Name == name {
			return filepath.Join(p.dir, name), nil
		}
	}
	for _, seg := range p.retired {
		if seg.Name == name {
			return filepath.Join(p.dir, name), nil
		}
	}
	return "", domain.ErrSegmentNotFound
}

// Attach grants read access to the window
func (p *SegmentedPublisher) Attach(ctx context.Context, sub domain.SubscriberID, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, domain.ErrSessionClosed
	}
	p.subscribers[sub] = struct{}{}
	return nil, nil
}

func (p *SegmentedPublisher) Detach(sub domain.SubscriberID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subscribers[sub]; !ok {
		return false
	}
	delete(p.subscribers, sub)
	return true
}

// OnDetach is a no-op; segmented subscribers are never dropped by the publisher.
func (p *SegmentedPublisher) OnDetach(fn func(domain.SubscriberID, domain.ErrorKind)) {}

// Close removes the session directory. It must only run after the engine
// process has exited.
func (p *SegmentedPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.window = nil
	p.retired = nil
	p.playlist = nil
	p.subscribers = make(map[domain.SubscriberID]struct{})

	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	return nil
}
