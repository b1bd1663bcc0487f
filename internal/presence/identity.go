package presence

import (
	"context"
	"strings"
)

const (
	// DefaultNickname is used when a user has not configured a display name.
	DefaultNickname = "Anonymous"
	// DefaultColor is the fallback presence accent color.
	DefaultColor = "#3b82f6"
)

// Identity is the read-only display projection of a user's profile used when
// rendering presence. It is owned by the profile store; the collaboration core
// never mutates it.
type Identity struct {
	Nickname string
	Color    string
}

// DefaultIdentity returns the fallback display identity.
func DefaultIdentity() Identity {
	return Identity{Nickname: DefaultNickname, Color: DefaultColor}
}

// WithDefaults fills any unset field with its fallback value.
func (i Identity) WithDefaults() Identity {
	if strings.TrimSpace(i.Nickname) == "" {
		i.Nickname = DefaultNickname
	}
	if strings.TrimSpace(i.Color) == "" {
		i.Color = DefaultColor
	}
	return i
}

// NotificationKind classifies advisory notifications emitted by the core.
type NotificationKind string

const (
	// NotificationJoin announces a remote user joining the resource.
	NotificationJoin NotificationKind = "join"
	// NotificationLeave announces a remote user leaving the resource.
	NotificationLeave NotificationKind = "leave"
	// NotificationError surfaces a non-blocking collaboration failure.
	NotificationError NotificationKind = "error"
)

// Notifier receives fire-and-forget advisory notifications (join/leave/error
// toasts). Implementations must not block.
type Notifier interface {
	Notify(kind NotificationKind, message string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(NotificationKind, string) {}

// Writer performs presence row writes against the backing store.
type Writer interface {
	Upsert(ctx context.Context, record Record) error
	Delete(ctx context.Context, userID string, resource ResourceRef) error
}

// Feed delivers change events for one resource. The returned cleanup function
// releases the subscription; the channel is closed when the subscription ends.
type Feed interface {
	Subscribe(ctx context.Context, resource ResourceRef) (<-chan ChangeEvent, func(), error)
}

// ProfileResolver looks up the display identity for a user. Implementations
// may cache; seconds-level staleness is acceptable for nickname/color display.
type ProfileResolver interface {
	Resolve(ctx context.Context, userID string) (Identity, error)
}
