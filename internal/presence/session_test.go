package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeFeed struct {
	mu           sync.Mutex
	stream       chan ChangeEvent
	subscribeErr error
	subscribes   int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{stream: make(chan ChangeEvent, 16)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, _ ResourceRef) (<-chan ChangeEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribeErr != nil {
		return nil, nil, f.subscribeErr
	}
	return f.stream, func() {}, nil
}

func (f *fakeFeed) emit(event ChangeEvent) {
	f.mu.Lock()
	stream := f.stream
	f.mu.Unlock()
	stream <- event
}

type fakeResolver struct {
	mu         sync.Mutex
	identities map[string]Identity
	failFor    map[string]bool
	lookups    int
}

func (r *fakeResolver) Resolve(_ context.Context, userID string) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.failFor[userID] {
		return Identity{}, errors.New("profile not found")
	}
	if identity, ok := r.identities[userID]; ok {
		return identity, nil
	}
	return DefaultIdentity(), nil
}

func newTestSession(t *testing.T, feed Feed, resolver ProfileResolver, notifier Notifier) *Session {
	t.Helper()
	session, err := NewSession(SessionConfig{
		LocalUserID: "local-user",
		Resource:    testResource(),
		Writer:      &fakeWriter{},
		Feed:        feed,
		Profiles:    resolver,
		Notifier:    notifier,
		Clock:       testClock(),
	})
	if err != nil {
		t.Fatalf("failed to construct session: %v", err)
	}
	return session
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSessionReconcilesRemoteJoin(t *testing.T) {
	feed := newFakeFeed()
	resolver := &fakeResolver{identities: map[string]Identity{
		"user-a": {Nickname: "Alice", Color: "#ff0000"},
	}}
	notifier := &recordingNotifier{}
	session := newTestSession(t, feed, resolver, notifier)

	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer session.Close(context.Background())

	if session.Phase() != PhaseActive {
		t.Fatalf("expected active phase, got %d", session.Phase())
	}

	feed.emit(ChangeEvent{Type: EventInsert, Record: remoteRecord("user-a")})

	waitFor(t, time.Second, func() bool {
		return len(session.Snapshot().ActiveUsers) == 1
	})

	user := session.Snapshot().ActiveUsers["user-a"]
	if user.Identity.Nickname != "Alice" || user.Identity.Color != "#ff0000" {
		t.Fatalf("expected resolved identity, got %#v", user.Identity)
	}
	if joins := notifier.count(NotificationJoin); joins != 1 {
		t.Fatalf("expected one join notification, got %d", joins)
	}
}

func TestSessionRemovesUserOnDelete(t *testing.T) {
	feed := newFakeFeed()
	resolver := &fakeResolver{}
	notifier := &recordingNotifier{}
	session := newTestSession(t, feed, resolver, notifier)

	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer session.Close(context.Background())

	feed.emit(ChangeEvent{Type: EventInsert, Record: remoteRecord("user-a")})
	waitFor(t, time.Second, func() bool {
		return len(session.Snapshot().ActiveUsers) == 1
	})

	feed.emit(ChangeEvent{Type: EventDelete, Record: remoteRecord("user-a")})
	waitFor(t, time.Second, func() bool {
		return len(session.Snapshot().ActiveUsers) == 0
	})

	if leaves := notifier.count(NotificationLeave); leaves != 1 {
		t.Fatalf("expected one leave notification, got %d", leaves)
	}
}

func TestSessionFallsBackToDefaultsOnLookupFailure(t *testing.T) {
	feed := newFakeFeed()
	resolver := &fakeResolver{failFor: map[string]bool{"user-c": true}}
	session := newTestSession(t, feed, resolver, NopNotifier{})

	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer session.Close(context.Background())

	feed.emit(ChangeEvent{Type: EventInsert, Record: remoteRecord("user-c")})
	waitFor(t, time.Second, func() bool {
		return len(session.Snapshot().ActiveUsers) == 1
	})

	user := session.Snapshot().ActiveUsers["user-c"]
	if user.Identity.Nickname != DefaultNickname || user.Identity.Color != DefaultColor {
		t.Fatalf("expected default identity on lookup failure, got %#v", user.Identity)
	}
}

func TestSessionIgnoresLocalEcho(t *testing.T) {
	feed := newFakeFeed()
	resolver := &fakeResolver{}
	session := newTestSession(t, feed, resolver, NopNotifier{})

	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer session.Close(context.Background())

	feed.emit(ChangeEvent{Type: EventInsert, Record: remoteRecord("local-user")})
	feed.emit(ChangeEvent{Type: EventInsert, Record: remoteRecord("user-b")})

	waitFor(t, time.Second, func() bool {
		return len(session.Snapshot().ActiveUsers) == 1
	})

	if _, ok := session.Snapshot().ActiveUsers["local-user"]; ok {
		t.Fatal("local user's echo must not be reconciled as remote presence")
	}
}

func TestSessionOpenReturnsSubscriptionFailure(t *testing.T) {
	feed := newFakeFeed()
	feed.subscribeErr = errors.New("feed unavailable")
	session := newTestSession(t, feed, &fakeResolver{}, NopNotifier{})

	if err := session.Open(context.Background()); err == nil {
		t.Fatal("expected subscription error to surface")
	}
	if session.Phase() != PhaseUnsubscribed {
		t.Fatalf("expected unsubscribed phase after failure, got %d", session.Phase())
	}
}

func TestSessionCloseReturnsToUnsubscribed(t *testing.T) {
	feed := newFakeFeed()
	session := newTestSession(t, feed, &fakeResolver{}, NopNotifier{})

	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := session.Open(context.Background()); err == nil {
		t.Fatal("expected second open to be rejected")
	}

	session.Close(context.Background())
	if session.Phase() != PhaseUnsubscribed {
		t.Fatalf("expected unsubscribed phase after close, got %d", session.Phase())
	}
}

func TestSessionResubscribesAfterFeedDrop(t *testing.T) {
	feed := newFakeFeed()
	resolver := &fakeResolver{}
	session, err := NewSession(SessionConfig{
		LocalUserID:   "local-user",
		Resource:      testResource(),
		Writer:        &fakeWriter{},
		Feed:          feed,
		Profiles:      resolver,
		Clock:         testClock(),
		ReconnectBase: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct session: %v", err)
	}

	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer session.Close(context.Background())

	// Drop the feed by closing the stream; the session should come back with
	// a fresh subscription.
	feed.mu.Lock()
	close(feed.stream)
	feed.stream = make(chan ChangeEvent, 16)
	feed.mu.Unlock()

	waitFor(t, time.Second, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.subscribes >= 2
	})

	waitFor(t, time.Second, func() bool {
		return session.Phase() == PhaseActive
	})

	feed.emit(ChangeEvent{Type: EventInsert, Record: remoteRecord("user-a")})
	waitFor(t, time.Second, func() bool {
		return len(session.Snapshot().ActiveUsers) == 1
	})
}
