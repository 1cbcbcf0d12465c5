package refresh

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sdms-suite/sdms-idp/internal/store"
)

// RefreshToken is one link of a rotation family. Only the SHA-256 hash of
// the opaque token is stored.
type RefreshToken struct {
	ID         string     `gorm:"type:varchar(36);primaryKey"`
	TokenHash  string     `gorm:"type:varchar(64);uniqueIndex;not null"`
	FamilyID   string     `gorm:"type:varchar(36);index;not null"`
	ClientID   string     `gorm:"type:varchar(255);index;not null"`
	UserID     string     `gorm:"type:varchar(36);index;not null"`
	LoginID    string     `gorm:"type:varchar(64)"`
	Scopes     []string   `gorm:"serializer:json"`
	AMR        []string   `gorm:"serializer:json"`
	AuthTime   time.Time  `gorm:"not null"`
	ExpiresAt  time.Time  `gorm:"index;not null"`
	ConsumedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

// Active reports whether the token can still be redeemed.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.ConsumedAt == nil && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Grant returns the authorization the token family carries.
func (t *RefreshToken) Grant() *store.Grant {
	return &store.Grant{
		UserID:   t.UserID,
		LoginID:  t.LoginID,
		Scopes:   t.Scopes,
		AuthTime: t.AuthTime,
		AMR:      t.AMR,
	}
}

// Models contains all models of the refresh token repository for migrations.
var Models = []any{
	&RefreshToken{},
}
