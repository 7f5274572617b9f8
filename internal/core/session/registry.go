package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Registry maps stream keys to sessions. Creation is serialized per key;
// different keys never wait on each other and no process is started or
// stopped while the map lock is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.StreamKey]*Session
	creating singleflight.Group

	launcher    ports.ProcessLauncher
	publishers  ports.PublisherFactory
	observer    ports.SessionObserver
	opts        Options
	maxSessions int
	logger      *zap.SugaredLogger
}

// NewRegistry creates an empty registry. A nil observer disables events.
func NewRegistry(launcher ports.ProcessLauncher, publishers ports.PublisherFactory, observer ports.SessionObserver, opts Options, maxSessions int, logger *zap.SugaredLogger) *Registry {
	opts.applyDefaults()
	if observer == nil {
		observer = nopObserver{}
	}
	return &Registry{
		sessions:    make(map[domain.StreamKey]*Session),
		launcher:    launcher,
		publishers:  publishers,
		observer:    observer,
		opts:        opts,
		maxSessions: maxSessions,
		logger:      logger,
	}
}

// GetOrCreate returns the active session for key or creates one and starts
// its engine. Concurrent callers for the same key share a single launch.
func (r *Registry) GetOrCreate(ctx context.Context, key domain.StreamKey, sourceURL string, profile domain.Profile) (*Session, error) {
	if s, ok := r.active(key); ok {
		return s, nil
	}

	v, err, _ := r.creating.Do(string(key), func() (any, error) {
		if s, ok := r.active(key); ok {
			return s, nil
		}
		// one caller's cancellation must not fail the shared launch
		launchCtx := context.WithoutCancel(ctx)
		if err := r.awaitPredecessor(launchCtx, key); err != nil {
			return nil, err
		}
		if r.maxSessions > 0 && r.ActiveCount() >= r.maxSessions {
			return nil, fmt.Errorf("%w: %w", domain.ErrCreationFailed, domain.ErrTooManySessions)
		}

		publisher, err := r.publishers(key, profile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrCreationFailed, err)
		}

		s := newSession(key, sourceURL, profile, publisher, r.launcher, r.observer, r.opts, r.logger)
		if err := s.launch(launchCtx); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.sessions[key] = s
		r.mu.Unlock()

		r.logger.Infow("session created",
			"stream_key", key,
			"source", domain.RedactURL(sourceURL),
			"delivery", profile.Delivery,
		)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// awaitPredecessor waits for a Stopping session under key to reach Stopped,
// so its publisher has released the output directory the next session uses.
func (r *Registry) awaitPredecessor(ctx context.Context, key domain.StreamKey) error {
	r.mu.RLock()
	prev, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.HandoverTimeout)
	defer cancel()
	select {
	case <-prev.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: previous session for %s is still stopping", domain.ErrCreationFailed, key)
	}
}

func (r *Registry) active(key domain.StreamKey) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok || !s.State().Active() {
		return nil, false
	}
	return s, true
}

// Get returns the session for key in any state.
func (r *Registry) Get(key domain.StreamKey) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[key]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return s, nil
}

// List returns every session, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].key < out[j].key
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.State().Active() {
			n++
		}
	}
	return n
}

// Release drops one subscriber from the session for key.
func (r *Registry) Release(key domain.StreamKey, sub domain.SubscriberID) error {
	s, err := r.Get(key)
	if err != nil {
		return err
	}
	if !s.Leave(sub) {
		return domain.ErrSubscriberNotFound
	}
	return nil
}

// Stop ends the session for key and waits for it to reach Stopped.
func (r *Registry) Stop(ctx context.Context, key domain.StreamKey, reason domain.StopReason) error {
	s, err := r.Get(key)
	if err != nil {
		return err
	}
	return s.Stop(ctx, reason)
}

// Remove deletes a Stopped session.
func (r *Registry) Remove(key domain.StreamKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		return domain.ErrStreamNotFound
	}
	if s.State() != domain.StateStopped {
		return domain.ErrSessionActive
	}
	delete(r.sessions, key)
	return nil
}

// PurgeStopped removes sessions that have been Stopped for longer than
// retention and returns their keys.
func (r *Registry) PurgeStopped(now time.Time, retention time.Duration) []domain.StreamKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []domain.StreamKey
	for key, s := range r.sessions {
		if s.State() != domain.StateStopped {
			continue
		}
		if now.Sub(s.StoppedAt()) >= retention {
			delete(r.sessions, key)
			purged = append(purged, key)
		}
	}
	return purged
}

// StopAll stops every active session concurrently.
func (r *Registry) StopAll(ctx context.Context, reason domain.StopReason) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.List() {
		if !s.State().Active() {
			continue
		}
		g.Go(func() error {
			return s.Stop(ctx, reason)
		})
	}
	return g.Wait()
}
