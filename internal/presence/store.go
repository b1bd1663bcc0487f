package presence

import (
	"fmt"
	"sync"
	"time"
)

// RemoteUser is one remote participant enriched with display identity.
type RemoteUser struct {
	Record   Record
	Identity Identity
}

// RemoteCursor is a remote participant's cursor decorated for rendering.
type RemoteCursor struct {
	Position CursorPosition
	Nickname string
	Color    string
}

// RemoteSelection is a remote participant's active selection.
type RemoteSelection struct {
	Range SelectionRange
}

// State is the materialized collaboration view read by the rendering layer.
// Snapshots are deep copies; readers must treat them as immutable and fetch a
// fresh snapshot for the next paint.
type State struct {
	ActiveUsers map[string]RemoteUser
	Cursors     map[string]RemoteCursor
	Selections  map[string]RemoteSelection
}

// Store maintains the reconciled collaboration state for one resource. It is
// driven purely by inbound change events and never initiates network calls.
type Store struct {
	mu          sync.RWMutex
	localUserID string
	notifier    Notifier
	clock       func() time.Time
	users       map[string]RemoteUser
	cursors     map[string]RemoteCursor
	selections  map[string]RemoteSelection
}

// NewStore constructs an empty store. Events whose record belongs to
// localUserID are ignored so the local client's own writes are never rendered
// as a remote participant.
func NewStore(localUserID string, notifier Notifier, clock func() time.Time) *Store {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		localUserID: localUserID,
		notifier:    notifier,
		clock:       clock,
		users:       make(map[string]RemoteUser),
		cursors:     make(map[string]RemoteCursor),
		selections:  make(map[string]RemoteSelection),
	}
}

// ApplyEvent folds one change event into the state. The caller resolves the
// acting user's display identity beforehand; identity is decoration only and
// never gates the positional fields. Deletes are idempotent.
func (s *Store) ApplyEvent(event ChangeEvent, identity Identity) {
	identity = identity.WithDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	userID := event.Record.UserID

	if event.Type == EventDelete {
		_, existed := s.users[userID]
		delete(s.users, userID)
		delete(s.cursors, userID)
		delete(s.selections, userID)
		if existed {
			s.notifier.Notify(NotificationLeave, fmt.Sprintf("%s left", identity.Nickname))
		}
		return
	}

	if userID == s.localUserID {
		return
	}

	_, existed := s.users[userID]
	s.users[userID] = RemoteUser{Record: event.Record, Identity: identity}

	if cursor := event.Record.Cursor(); cursor != nil {
		s.cursors[userID] = RemoteCursor{
			Position: *cursor,
			Nickname: identity.Nickname,
			Color:    identity.Color,
		}
	} else {
		delete(s.cursors, userID)
	}

	if selection := event.Record.Selection(); selection != nil {
		s.selections[userID] = RemoteSelection{Range: *selection}
	} else {
		delete(s.selections, userID)
	}

	if !existed {
		s.notifier.Notify(NotificationJoin, fmt.Sprintf("%s joined", identity.Nickname))
	}
}

// Snapshot returns a copy of the current state, safe to read concurrently
// with ApplyEvent. Records past the staleness threshold are excluded along
// with their cursors and selections, even when no DELETE event has arrived
// for them yet.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock().UTC()
	snapshot := State{
		ActiveUsers: make(map[string]RemoteUser, len(s.users)),
		Cursors:     make(map[string]RemoteCursor, len(s.cursors)),
		Selections:  make(map[string]RemoteSelection, len(s.selections)),
	}
	for userID, user := range s.users {
		if !user.Record.OnlineAt(now) {
			continue
		}
		snapshot.ActiveUsers[userID] = user
	}
	for userID, cursor := range s.cursors {
		if _, online := snapshot.ActiveUsers[userID]; !online {
			continue
		}
		snapshot.Cursors[userID] = cursor
	}
	for userID, selection := range s.selections {
		if _, online := snapshot.ActiveUsers[userID]; !online {
			continue
		}
		snapshot.Selections[userID] = selection
	}
	return snapshot
}

// Reset clears all remote state, used when a session resubscribes after a feed
// gap and must rebuild from subsequent upserts.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]RemoteUser)
	s.cursors = make(map[string]RemoteCursor)
	s.selections = make(map[string]RemoteSelection)
}
