package profile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/notesphere/collab/internal/presence"
)

var (
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("profile: user id required")
	// ErrInvalidColor indicates a color value that is not a hex triplet.
	ErrInvalidColor = errors.New("profile: color must be a hex value like #3b82f6")

	colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

// ServiceConfig describes the dependencies for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves display identities from stored profiles. Lookups are
// cached; a few seconds of nickname/color staleness is acceptable for
// presence rendering, and the cache is refreshed on every profile write.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profile: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Resolve returns the display identity for a user. A missing profile yields
// the default identity, not an error: presence entries are never dropped for
// lack of a profile.
func (s *Service) Resolve(ctx context.Context, userID string) (presence.Identity, error) {
	if normalize(userID) == "" {
		return presence.DefaultIdentity(), ErrInvalidUserID
	}

	if cached, ok := s.cache.Load(userID); ok {
		identity, ok := cached.(presence.Identity)
		if ok {
			return identity, nil
		}
	}

	var stored Profile
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&stored).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity := presence.DefaultIdentity()
		s.cache.Store(userID, identity)
		return identity, nil
	}
	if err != nil {
		return presence.DefaultIdentity(), err
	}

	identity := presence.Identity{
		Nickname: normalize(stored.Nickname),
		Color:    normalize(stored.Color),
	}.WithDefaults()
	s.cache.Store(userID, identity)
	return identity, nil
}

// Upsert stores the user's display settings and refreshes the cache.
func (s *Service) Upsert(ctx context.Context, userID, nickname, color string) (Profile, error) {
	if normalize(userID) == "" {
		return Profile{}, ErrInvalidUserID
	}
	color = normalize(color)
	if color != "" && !colorPattern.MatchString(color) {
		return Profile{}, ErrInvalidColor
	}

	stored := Profile{
		UserID:    normalize(userID),
		Nickname:  normalize(nickname),
		Color:     color,
		UpdatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"nickname", "color", "updated_at"}),
		}).
		Create(&stored).Error; err != nil {
		return Profile{}, err
	}

	s.cache.Store(stored.UserID, presence.Identity{
		Nickname: stored.Nickname,
		Color:    stored.Color,
	}.WithDefaults())
	return stored, nil
}
