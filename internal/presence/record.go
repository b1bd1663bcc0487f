package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// OnlineThreshold is the maximum age of a record's last_seen timestamp before
// the owner is classified as offline, regardless of the is_active flag.
const OnlineThreshold = 5 * time.Minute

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("presence: invalid user id")
	// ErrInvalidResourceID indicates that a resource identifier is empty or exceeds storage bounds.
	ErrInvalidResourceID = errors.New("presence: invalid resource id")
	// ErrInvalidResourceKind indicates an unsupported resource kind value.
	ErrInvalidResourceKind = errors.New("presence: invalid resource kind")
)

// ResourceKind enumerates the kinds of resources that can be collaboratively observed.
type ResourceKind string

const (
	// ResourceKindNote identifies a single note.
	ResourceKindNote ResourceKind = "note"
	// ResourceKindFolder identifies a folder of notes.
	ResourceKindFolder ResourceKind = "folder"
)

// ParseResourceKind validates raw input and returns a ResourceKind.
func ParseResourceKind(rawInput string) (ResourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(ResourceKindNote):
		return ResourceKindNote, nil
	case string(ResourceKindFolder):
		return ResourceKindFolder, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResourceKind, rawInput)
	}
}

// ResourceRef identifies one observed resource.
type ResourceRef struct {
	Kind ResourceKind
	ID   string
}

// NewResourceRef validates raw input and returns a ResourceRef.
func NewResourceRef(rawKind, rawID string) (ResourceRef, error) {
	kind, err := ParseResourceKind(rawKind)
	if err != nil {
		return ResourceRef{}, err
	}
	trimmed := strings.TrimSpace(rawID)
	if trimmed == "" {
		return ResourceRef{}, fmt.Errorf("%w: empty", ErrInvalidResourceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return ResourceRef{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidResourceID, maxIdentifierLength)
	}
	return ResourceRef{Kind: kind, ID: trimmed}, nil
}

// String renders the reference as "kind/id", used as a subscription key.
func (r ResourceRef) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Valid reports whether both kind and identifier are populated.
func (r ResourceRef) Valid() bool {
	return (r.Kind == ResourceKindNote || r.Kind == ResourceKindFolder) && strings.TrimSpace(r.ID) != ""
}

// CursorPosition is a cursor location in document coordinates.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SelectionRange is a half-open offset range into the shared text.
type SelectionRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Record is the persisted presence row for one (user, resource) pair. Rows are
// ephemeral: they are upserted by the owning client and removed on teardown or
// by the stale-row sweeper.
type Record struct {
	UserID          string       `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	ResourceKind    ResourceKind `gorm:"column:resource_kind;primaryKey;size:16;not null" json:"resource_kind"`
	ResourceID      string       `gorm:"column:resource_id;primaryKey;size:190;not null;index:idx_presence_resource_seen,priority:1" json:"resource_id"`
	CursorX         *float64     `gorm:"column:cursor_x" json:"cursor_x,omitempty"`
	CursorY         *float64     `gorm:"column:cursor_y" json:"cursor_y,omitempty"`
	SelectionStart  *int64       `gorm:"column:selection_start" json:"selection_start,omitempty"`
	SelectionEnd    *int64       `gorm:"column:selection_end" json:"selection_end,omitempty"`
	IsActive        bool         `gorm:"column:is_active;not null;default:false" json:"is_active"`
	LastSeenSeconds int64        `gorm:"column:last_seen_s;not null;index:idx_presence_resource_seen,priority:2" json:"last_seen_s"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "presence_records"
}

// Resource returns the resource reference embedded in the record.
func (r Record) Resource() ResourceRef {
	return ResourceRef{Kind: r.ResourceKind, ID: r.ResourceID}
}

// Cursor returns the cursor position, or nil when the owner has not reported one.
func (r Record) Cursor() *CursorPosition {
	if r.CursorX == nil || r.CursorY == nil {
		return nil
	}
	return &CursorPosition{X: *r.CursorX, Y: *r.CursorY}
}

// Selection returns the selection range, or nil when no selection is active.
func (r Record) Selection() *SelectionRange {
	if r.SelectionStart == nil || r.SelectionEnd == nil {
		return nil
	}
	return &SelectionRange{Start: *r.SelectionStart, End: *r.SelectionEnd}
}

// SetCursor records a cursor position on the row.
func (r *Record) SetCursor(position CursorPosition) {
	x := position.X
	y := position.Y
	r.CursorX = &x
	r.CursorY = &y
}

// SetSelection records a selection range on the row.
func (r *Record) SetSelection(selection SelectionRange) {
	start := selection.Start
	end := selection.End
	r.SelectionStart = &start
	r.SelectionEnd = &end
}

// ClearCursor drops any recorded cursor position.
func (r *Record) ClearCursor() {
	r.CursorX = nil
	r.CursorY = nil
}

// ClearSelection drops any recorded selection range.
func (r *Record) ClearSelection() {
	r.SelectionStart = nil
	r.SelectionEnd = nil
}

// LastSeen returns the last-seen timestamp as a time value.
func (r Record) LastSeen() time.Time {
	return time.Unix(r.LastSeenSeconds, 0).UTC()
}

// OnlineAt reports whether the record is fresh enough to count the owner as
// online at the provided instant. A record past the threshold is excluded from
// active-user views even when the row still physically exists.
func (r Record) OnlineAt(now time.Time) bool {
	if r.LastSeenSeconds <= 0 {
		return false
	}
	return now.Sub(r.LastSeen()) <= OnlineThreshold
}

func validateRecordKey(userID string, resource ResourceRef) error {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	if !resource.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidResourceID, resource.String())
	}
	return nil
}
