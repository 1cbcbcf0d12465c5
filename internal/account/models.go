package account

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a local account. Users provisioned through an external IdP
// have no password hash and can only log in through federation.
type User struct {
	ID            string   `gorm:"type:varchar(36);primaryKey"`
	Username      string   `gorm:"type:varchar(255);uniqueIndex;not null"`
	Email         string   `gorm:"type:varchar(255);uniqueIndex;not null"`
	EmailVerified bool     `gorm:"not null;default:false"`
	Name          string   `gorm:"type:varchar(255)"`
	Picture       string   `gorm:"type:varchar(1024)"`
	PasswordHash  string   `gorm:"type:varchar(255)"`
	Roles         []string `gorm:"serializer:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func (User) TableName() string { return "users" }

// ExternalLogin links a user to an identity at an external IdP.
type ExternalLogin struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	Provider  string `gorm:"type:varchar(64);uniqueIndex:idx_external_logins_provider_subject;not null"`
	Subject   string `gorm:"type:varchar(255);uniqueIndex:idx_external_logins_provider_subject;not null"`
	UserID    string `gorm:"type:varchar(36);index;not null"`
	Email     string `gorm:"type:varchar(255)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e *ExternalLogin) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (ExternalLogin) TableName() string { return "external_logins" }

// Consent records the scopes a user granted to a client.
type Consent struct {
	UserID    string   `gorm:"type:varchar(36);primaryKey"`
	ClientID  string   `gorm:"type:varchar(255);primaryKey"`
	Scopes    []string `gorm:"serializer:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Consent) TableName() string { return "consents" }

// Models contains all models of the account repository for migrations.
var Models = []any{
	&User{},
	&ExternalLogin{},
	&Consent{},
}
