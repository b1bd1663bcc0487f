package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultDebounceWindow is the trailing-edge quiet window for cursor and
	// selection writes.
	DefaultDebounceWindow = 50 * time.Millisecond
	// DefaultHeartbeatInterval is the cadence of keep-alive upserts.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultActivityGrace suppresses a heartbeat write when a local-activity
	// write happened within this window.
	DefaultActivityGrace = 1 * time.Second

	writeTimeout = 5 * time.Second
)

var (
	errMissingWriter   = errors.New("presence: writer is required")
	errMissingResource = errors.New("presence: resource reference is required")
)

// PublisherConfig describes the dependencies of a Publisher.
type PublisherConfig struct {
	UserID   string
	Resource ResourceRef
	Writer   Writer
	Notifier Notifier
	Logger   *zap.Logger
	Clock    func() time.Time

	DebounceWindow    time.Duration
	HeartbeatInterval time.Duration
	ActivityGrace     time.Duration
}

// Publisher translates local editing gestures into rate-limited presence
// writes for one (user, resource) pair. When UserID is empty the client is
// unauthenticated and every operation is a no-op.
type Publisher struct {
	userID   string
	resource ResourceRef
	writer   Writer
	notifier Notifier
	logger   *zap.Logger
	clock    func() time.Time

	heartbeatInterval time.Duration
	activityGrace     time.Duration

	cursorWrites    *Debounced[CursorPosition]
	selectionWrites *Debounced[SelectionRange]

	mu           sync.Mutex
	state        Record
	lastActivity time.Time
	started      bool

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
	closeOnce     sync.Once
}

// NewPublisher validates the configuration and constructs a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Writer == nil {
		return nil, errMissingWriter
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
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	activityGrace := cfg.ActivityGrace
	if activityGrace <= 0 {
		activityGrace = DefaultActivityGrace
	}

	publisher := &Publisher{
		userID:            cfg.UserID,
		resource:          cfg.Resource,
		writer:            cfg.Writer,
		notifier:          notifier,
		logger:            logger,
		clock:             clock,
		heartbeatInterval: heartbeatInterval,
		activityGrace:     activityGrace,
		stopHeartbeat:     make(chan struct{}),
		heartbeatDone:     make(chan struct{}),
	}
	publisher.cursorWrites = NewDebounced(window, publisher.writeCursor)
	publisher.selectionWrites = NewDebounced(window, publisher.writeSelection)
	return publisher, nil
}

// Start issues the initial presence upsert and launches the heartbeat loop.
// An initial write failure is surfaced through the notifier but does not stop
// observation: local editing continues with collaboration degraded.
func (p *Publisher) Start(ctx context.Context) {
	if p.userID == "" {
		return
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	now := p.clock().UTC()
	p.state = Record{
		UserID:          p.userID,
		ResourceKind:    p.resource.Kind,
		ResourceID:      p.resource.ID,
		IsActive:        true,
		LastSeenSeconds: now.Unix(),
	}
	p.lastActivity = now
	record := p.state
	p.mu.Unlock()

	if err := p.writer.Upsert(ctx, record); err != nil {
		p.logger.Error("presence initialization failed",
			zap.String("user_id", p.userID),
			zap.String("resource", p.resource.String()),
			zap.Error(err))
		p.notifier.Notify(NotificationError, "collaboration unavailable")
	}

	go p.heartbeatLoop()
}

// UpdateCursor records a cursor move. Bursts within the debounce window
// coalesce into a single write carrying the last position.
func (p *Publisher) UpdateCursor(position CursorPosition) {
	if p.userID == "" {
		return
	}
	p.cursorWrites.Call(position)
}

// UpdateSelection records a selection change on its own debounce timer, so a
// pending cursor write never delays it.
func (p *Publisher) UpdateSelection(selection SelectionRange) {
	if p.userID == "" {
		return
	}
	p.selectionWrites.Call(selection)
}

// SetEditing toggles the editing flag and writes it through immediately.
func (p *Publisher) SetEditing(active bool) {
	if p.userID == "" {
		return
	}
	record := p.stampState(func(r *Record) {
		r.IsActive = active
	})
	p.dispatch(record, "editing state write failed")
}

// Close cancels the debounce and heartbeat timers (pending trailing-edge
// writes are dropped) and issues a best-effort delete of the local presence
// row. A delete failure is logged, never retried, and does not block teardown.
func (p *Publisher) Close(ctx context.Context) {
	if p.userID == "" {
		return
	}
	p.closeOnce.Do(func() {
		p.cursorWrites.Stop()
		p.selectionWrites.Stop()

		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if started {
			close(p.stopHeartbeat)
			<-p.heartbeatDone
		}

		if err := p.writer.Delete(ctx, p.userID, p.resource); err != nil {
			p.logger.Warn("presence teardown delete failed",
				zap.String("user_id", p.userID),
				zap.String("resource", p.resource.String()),
				zap.Error(err))
		}
	})
}

func (p *Publisher) writeCursor(position CursorPosition) {
	record := p.stampState(func(r *Record) {
		r.SetCursor(position)
		r.IsActive = true
	})
	p.dispatch(record, "cursor write failed")
}

func (p *Publisher) writeSelection(selection SelectionRange) {
	record := p.stampState(func(r *Record) {
		r.SetSelection(selection)
		r.IsActive = true
	})
	p.dispatch(record, "selection write failed")
}

// stampState mutates the tracked local record, refreshes last_seen and the
// activity timestamp, and returns a copy for dispatch.
func (p *Publisher) stampState(mutate func(*Record)) Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock().UTC()
	if p.state.UserID == "" {
		p.state = Record{
			UserID:       p.userID,
			ResourceKind: p.resource.Kind,
			ResourceID:   p.resource.ID,
		}
	}
	mutate(&p.state)
	p.state.LastSeenSeconds = now.Unix()
	p.lastActivity = now
	return p.state
}

// dispatch performs a fire-and-forget upsert. Failures self-heal on the next
// successful write, so they are logged but never surfaced to the user.
func (p *Publisher) dispatch(record Record, failureMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.writer.Upsert(ctx, record); err != nil {
		p.logger.Warn(failureMessage,
			zap.String("user_id", p.userID),
			zap.String("resource", p.resource.String()),
			zap.Error(err))
	}
}

func (p *Publisher) heartbeatLoop() {
	defer close(p.heartbeatDone)
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHeartbeat:
			return
		case <-ticker.C:
			p.beat()
		}
	}
}

// beat refreshes last_seen when the session has gone quiet. Active typing
// already refreshes it through cursor/selection writes, so a recent activity
// timestamp suppresses the heartbeat write.
func (p *Publisher) beat() {
	p.mu.Lock()
	now := p.clock().UTC()
	if now.Sub(p.lastActivity) <= p.activityGrace {
		p.mu.Unlock()
		return
	}
	p.state.LastSeenSeconds = now.Unix()
	record := p.state
	p.mu.Unlock()

	p.dispatch(record, "heartbeat write failed")
}
