package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultReconnectBase is the initial backoff delay after a feed drop.
	DefaultReconnectBase = 500 * time.Millisecond
	// DefaultReconnectAttempts caps resubscription attempts after a feed drop.
	// Once exhausted the session stays degraded until the next Open.
	DefaultReconnectAttempts = 5
)

var (
	errMissingFeed     = errors.New("presence: change feed is required")
	errMissingProfiles = errors.New("presence: profile resolver is required")
	errSessionOpen     = errors.New("presence: session already open")
)

// SessionPhase tracks the reconciler lifecycle for one observed resource.
type SessionPhase int32

const (
	// PhaseUnsubscribed is the initial and terminal phase.
	PhaseUnsubscribed SessionPhase = iota
	// PhaseSubscribing covers the window between Open and feed acknowledgment.
	PhaseSubscribing
	// PhaseActive means inbound events are being reconciled.
	PhaseActive
)

// SessionConfig describes the dependencies of a Session.
type SessionConfig struct {
	LocalUserID string
	Resource    ResourceRef
	Writer      Writer
	Feed        Feed
	Profiles    ProfileResolver
	Notifier    Notifier
	Logger      *zap.Logger
	Clock       func() time.Time

	DebounceWindow    time.Duration
	HeartbeatInterval time.Duration
	ActivityGrace     time.Duration
	ReconnectBase     time.Duration
	ReconnectAttempts int
}

// Session is the per-resource collaboration object: it bridges the change
// feed to a reconciled Store, resolves display identities for inbound events,
// and owns the local activity Publisher. Construct one per observed resource
// and pass it to the rendering layer; two resources open side by side simply
// use two sessions.
type Session struct {
	resource  ResourceRef
	feed      Feed
	profiles  ProfileResolver
	notifier  Notifier
	logger    *zap.Logger
	store     *Store
	publisher *Publisher

	reconnectBase     time.Duration
	reconnectAttempts int

	phase atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession validates the configuration and constructs a closed session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.Profiles == nil {
		return nil, errMissingProfiles
	}
	if !cfg.Resource.Valid() {
		return nil, errMissingResource
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reconnectBase := cfg.ReconnectBase
	if reconnectBase <= 0 {
		reconnectBase = DefaultReconnectBase
	}
	reconnectAttempts := cfg.ReconnectAttempts
	if reconnectAttempts <= 0 {
		reconnectAttempts = DefaultReconnectAttempts
	}

	publisher, err := NewPublisher(PublisherConfig{
		UserID:            cfg.LocalUserID,
		Resource:          cfg.Resource,
		Writer:            cfg.Writer,
		Notifier:          notifier,
		Logger:            logger,
		Clock:             cfg.Clock,
		DebounceWindow:    cfg.DebounceWindow,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ActivityGrace:     cfg.ActivityGrace,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		resource:          cfg.Resource,
		feed:              cfg.Feed,
		profiles:          cfg.Profiles,
		notifier:          notifier,
		logger:            logger,
		store:             NewStore(cfg.LocalUserID, notifier, cfg.Clock),
		publisher:         publisher,
		reconnectBase:     reconnectBase,
		reconnectAttempts: reconnectAttempts,
	}, nil
}

// Open subscribes the change feed and announces the local user's presence.
// A subscription failure is logged and returned; there is no background retry
// of the initial subscribe, the caller re-opens on its next observation.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errSessionOpen
	}
	s.phase.Store(int32(PhaseSubscribing))

	loopCtx, cancel := context.WithCancel(context.Background())
	events, unsubscribe, err := s.feed.Subscribe(loopCtx, s.resource)
	if err != nil {
		cancel()
		s.phase.Store(int32(PhaseUnsubscribed))
		s.mu.Unlock()
		s.logger.Error("change feed subscription failed",
			zap.String("resource", s.resource.String()),
			zap.Error(err))
		return err
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.publisher.Start(ctx)
	s.phase.Store(int32(PhaseActive))

	go func() {
		defer close(done)
		s.reconcileLoop(loopCtx, events, unsubscribe)
	}()

	return nil
}

// Close tears down observation: the feed subscription, the heartbeat and
// debounce timers, and the local presence row (best effort).
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.publisher.Close(ctx)
	s.phase.Store(int32(PhaseUnsubscribed))
}

// Snapshot returns the current collaboration state for rendering.
func (s *Session) Snapshot() State {
	return s.store.Snapshot()
}

// Phase reports the current lifecycle phase.
func (s *Session) Phase() SessionPhase {
	return SessionPhase(s.phase.Load())
}

// UpdateCursor forwards a local cursor move to the publisher.
func (s *Session) UpdateCursor(position CursorPosition) {
	s.publisher.UpdateCursor(position)
}

// UpdateSelection forwards a local selection change to the publisher.
func (s *Session) UpdateSelection(selection SelectionRange) {
	s.publisher.UpdateSelection(selection)
}

// SetEditing forwards the local editing-state toggle to the publisher.
func (s *Session) SetEditing(active bool) {
	s.publisher.SetEditing(active)
}

// reconcileLoop drains the event channel, resubscribing with exponential
// backoff when the feed drops. Events after a gap may have been missed; the
// store is reset so the next full upserts rebuild the view.
func (s *Session) reconcileLoop(ctx context.Context, events <-chan ChangeEvent, unsubscribe func()) {
	defer s.phase.Store(int32(PhaseUnsubscribed))

	for {
		s.drain(ctx, events)
		unsubscribe()
		if ctx.Err() != nil {
			return
		}

		var err error
		events, unsubscribe, err = s.resubscribe(ctx)
		if err != nil {
			s.logger.Error("change feed resubscription exhausted",
				zap.String("resource", s.resource.String()),
				zap.Error(err))
			return
		}
		s.store.Reset()
		s.phase.Store(int32(PhaseActive))
	}
}

func (s *Session) drain(ctx context.Context, events <-chan ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.apply(ctx, event)
		}
	}
}

// apply resolves the acting user's display identity and folds the event into
// the store. A failed lookup falls back to default display values rather than
// dropping the event.
func (s *Session) apply(ctx context.Context, event ChangeEvent) {
	identity, err := s.profiles.Resolve(ctx, event.Record.UserID)
	if err != nil {
		s.logger.Debug("profile lookup failed, using defaults",
			zap.String("user_id", event.Record.UserID),
			zap.Error(err))
		identity = DefaultIdentity()
	}
	s.store.ApplyEvent(event, identity)
}

func (s *Session) resubscribe(ctx context.Context) (<-chan ChangeEvent, func(), error) {
	delay := s.reconnectBase
	var lastErr error
	for attempt := 1; attempt <= s.reconnectAttempts; attempt++ {
		s.phase.Store(int32(PhaseSubscribing))
		s.logger.Warn("change feed dropped, resubscribing",
			zap.String("resource", s.resource.String()),
			zap.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}

		events, unsubscribe, err := s.feed.Subscribe(ctx, s.resource)
		if err == nil {
			return events, unsubscribe, nil
		}
		lastErr = err
		delay *= 2
	}
	if lastErr == nil {
		lastErr = errors.New("presence: feed closed")
	}
	return nil, nil, lastErr
}
