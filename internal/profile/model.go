package profile

import (
	"strings"
	"time"
)

// Profile stores the display settings a user exposes to collaborators.
type Profile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Nickname  string    `gorm:"column:nickname;size:64"`
	Color     string    `gorm:"column:color;size:16"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// normalize trims surrounding whitespace from user-supplied profile fields
// before validation and storage.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
