package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/h264reader"
	"go.uber.org/zap"
)

const (
	rtpMTU         = 1200
	h264ClockRate  = 90000
	h264FmtpLine   = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
	defaultGOPSize = 120
)

// RelayPublisher fans one H.264 elementary stream out to WebRTC peers.
// Late joiners are seeded with the cached frames since the last keyframe.
type RelayPublisher struct {
	key      domain.StreamKey
	api      *webrtc.API
	config   RelayConfig
	observer ports.PublisherObserver
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	subscribers map[domain.SubscriberID]*relaySubscriber
	gop         []accessUnit
	onDetach    func(domain.SubscriberID, domain.ErrorKind)
	closed      bool
}

type relaySubscriber struct {
	id         domain.SubscriberID
	pc         *webrtc.PeerConnection
	track      *webrtc.TrackLocalStaticRTP
	packetizer rtp.Packetizer
	queue      *frameQueue
	active     bool
	createdAt  time.Time
}

// NewRelayPublisher creates a publisher for one session
func NewRelayPublisher(key domain.StreamKey, api *webrtc.API, config RelayConfig, observer ports.PublisherObserver, logger *zap.SugaredLogger) *RelayPublisher {
	if config.FrameRate <= 0 {
		config.FrameRate = 15
	}
	if config.SubscriberQueue <= 0 {
		config.SubscriberQueue = 30
	}
	if config.GOPCacheFrames <= 0 {
		config.GOPCacheFrames = defaultGOPSize
	}
	if config.SubscriberQueue < config.GOPCacheFrames {
		config.SubscriberQueue = config.GOPCacheFrames
	}
	return &RelayPublisher{
		key:         key,
		api:         api,
		config:      config,
		observer:    observer,
		logger:      logger,
		subscribers: make(map[domain.SubscriberID]*relaySubscriber),
	}
}

func (p *RelayPublisher) Mode() domain.DeliveryMode { return domain.DeliveryWebRTC }

// Prepare asks the engine for a raw H.264 stream on stdout. The GOP cache is
// dropped because a new incarnation starts with a fresh keyframe.
func (p *RelayPublisher) Prepare() ([]string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, "", domain.ErrSessionClosed
	}
	p.gop = nil
	return []string{"-f", "h264", "pipe:1"}, "", nil
}

// Consume reads the elementary stream until EOF and forwards every access
// unit to the active subscribers.
func (p *RelayPublisher) Consume(ctx context.Context, r io.Reader, onOutput func()) error {
	reader, err := h264reader.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create h264 reader: %w", err)
	}

	var assembler auAssembler
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		nal, err := reader.NextNAL()
		if err != nil {
			if au, ok := assembler.flush(); ok {
				p.broadcast(au)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if au, ok := assembler.push(nal); ok {
			p.broadcast(au)
			if onOutput != nil {
				onOutput()
			}
		}
	}
}

func (p *RelayPublisher) broadcast(au accessUnit) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	switch {
	case au.keyframe:
		p.gop = append(p.gop[:0], au)
	case len(p.gop) > 0 && len(p.gop) < p.config.GOPCacheFrames:
		p.gop = append(p.gop, au)
	case len(p.gop) >= p.config.GOPCacheFrames:
		// keyframe interval longer than the cache; wait for the next one
		p.gop = nil
	}

	dropped := 0
	for _, sub := range p.subscribers {
		if !sub.active {
			continue
		}
		dropped += sub.queue.push(au)
	}
	if dropped > 0 && p.observer != nil {
		p.observer.FramesDropped(p.key, dropped)
	}
}

// Attach answers a subscriber's offer with a send-only H.264 track. ICE
// gathering completes before the answer is returned.
func (p *RelayPublisher) Attach(ctx context.Context, sub domain.SubscriberID, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if offer == nil {
		return nil, fmt.Errorf("%w: relay subscribers must send an offer", domain.ErrDeliveryMismatch)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	p.mu.Unlock()

	pc, err := p.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   p.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	answer, s, err := p.negotiate(ctx, pc, sub, *offer)
	if err != nil {
		pc.Close()
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.Close()
		return nil, domain.ErrSessionClosed
	}
	if old, ok := p.subscribers[sub]; ok {
		defer old.close()
	}
	p.subscribers[sub] = s
	p.mu.Unlock()

	go p.writeLoop(s)

	p.logger.Infow("relay subscriber attached",
		"stream_key", p.key,
		"subscriber_id", sub,
	)
	return answer, nil
}

func (p *RelayPublisher) negotiate(ctx context.Context, pc *webrtc.PeerConnection, sub domain.SubscriberID, offer webrtc.SessionDescription) (*webrtc.SessionDescription, *relaySubscriber, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   h264ClockRate,
			SDPFmtpLine: h264FmtpLine,
		},
		"video",
		"streamgate-"+string(p.key),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add track: %w", err)
	}

	s := &relaySubscriber{
		id:    sub,
		pc:    pc,
		track: track,
		packetizer: rtp.NewPacketizer(
			rtpMTU,
			96,
			rand.Uint32(),
			&codecs.H264Payloader{},
			rtp.NewRandomSequencer(),
			h264ClockRate,
		),
		queue:     newFrameQueue(p.config.SubscriberQueue),
		createdAt: time.Now(),
	}

	go p.readRTCP(sub, sender)
	pc.OnConnectionStateChange(p.handleConnectionState(s))

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, nil, fmt.Errorf("invalid offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	return pc.LocalDescription(), s, nil
}

// handleConnectionState seeds the subscriber once media can flow and drops
// it when the transport fails.
func (p *RelayPublisher) handleConnectionState(s *relaySubscriber) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		p.logger.Debugw("relay peer connection state changed",
			"stream_key", p.key,
			"subscriber_id", s.id,
			"connection_state", state,
		)

		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.activate(s)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.drop(s, domain.ErrorKindSubscriberTimeout)
		}
	}
}

func (p *RelayPublisher) activate(s *relaySubscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.subscribers[s.id]; !ok || cur != s || s.active {
		return
	}
	s.active = true
	for _, au := range p.gop {
		s.queue.push(au)
	}
}

func (p *RelayPublisher) drop(s *relaySubscriber, kind domain.ErrorKind) {
	p.mu.Lock()
	cur, ok := p.subscribers[s.id]
	if !ok || cur != s {
		p.mu.Unlock()
		return
	}
	delete(p.subscribers, s.id)
	onDetach := p.onDetach
	p.mu.Unlock()

	s.close()
	p.logger.Infow("relay subscriber dropped",
		"stream_key", p.key,
		"subscriber_id", s.id,
		"reason", kind,
	)
	if onDetach != nil {
		onDetach(s.id, kind)
	}
}

func (p *RelayPublisher) writeLoop(s *relaySubscriber) {
	samples := uint32(h264ClockRate / p.config.FrameRate)
	for {
		au, ok := s.queue.pop()
		if !ok {
			return
		}
		for _, pkt := range s.packetizer.Packetize(au.data, samples) {
			if err := s.track.WriteRTP(pkt); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				p.logger.Debugw("failed to write rtp packet",
					"stream_key", p.key,
					"subscriber_id", s.id,
					"error", err,
				)
				break
			}
		}
	}
}

// readRTCP drains the sender so interceptors keep running and logs
// keyframe requests.
func (p *RelayPublisher) readRTCP(sub domain.SubscriberID, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.logger.Debugw("relay subscriber requested keyframe",
					"stream_key", p.key,
					"subscriber_id", sub,
				)
			}
		}
	}
}

// Detach removes a subscriber without notifying the OnDetach callback.
func (p *RelayPublisher) Detach(sub domain.SubscriberID) bool {
	p.mu.Lock()
	s, ok := p.subscribers[sub]
	if ok {
		delete(p.subscribers, sub)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	s.close()
	return true
}

func (p *RelayPublisher) OnDetach(fn func(domain.SubscriberID, domain.ErrorKind)) {
	p.mu.Lock()
	p.onDetach = fn
	p.mu.Unlock()
}

// SubscriberCount returns the number of attached peers, active or not.
func (p *RelayPublisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Close tears down every peer connection.
func (p *RelayPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := make([]*relaySubscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	p.subscribers = make(map[domain.SubscriberID]*relaySubscriber)
	p.gop = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *relaySubscriber) close() error {
	s.queue.close()
	if s.pc == nil {
		return nil
	}
	return s.pc.Close()
}
