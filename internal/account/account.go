package account

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/logging"
)

const (
	queryUserByID       = "id = ?"
	queryUserByUsername = "username = ?"
	queryUserByEmail    = "email = ?"
	queryUserByLogin    = "username = ? OR email = ?"
	queryExternalLogin  = "provider = ? AND subject = ?"
	queryConsent        = "user_id = ? AND client_id = ?"

	// dummyPassword is hashed once so that logins for unknown users cost
	// as much as logins with a wrong password.
	dummyPassword = "sdms-idp-dummy-password"
)

var (
	ErrNotFound           = errors.New("account not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrEmailNotVerified   = errors.New("external identity has no verified email")
	ErrEmailUnconfirmed   = errors.New("email belongs to a local account with an unverified email")
)

// NewUser is a local account registration.
type NewUser struct {
	Username string `json:"username" validate:"required,min=3,max=64,username"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Name     string `json:"name" validate:"max=255"`
	Password string `json:"password" validate:"required,max=72"`
}

// ExternalIdentity is a user as asserted by an external IdP.
type ExternalIdentity struct {
	Subject       string
	Username      string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string

	// Groups replaces the roles of the linked user when non-nil.
	Groups []string
}

// Repository stores users, their external logins and their consents.
type Repository struct {
	db                *gorm.DB
	validate          *validator.Validate
	bcryptCost        int
	minPasswordLength int
	dummyHash         []byte
}

func NewRepository(db *gorm.DB, conf *config.PasswordConfig) (*Repository, error) {
	dummyHash, err := bcrypt.GenerateFromPassword([]byte(dummyPassword), conf.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash dummy password: %w", err)
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("username", validUsername); err != nil {
		return nil, fmt.Errorf("failed to register username validation: %w", err)
	}
	return &Repository{
		db:                db,
		validate:          validate,
		bcryptCost:        conf.BcryptCost,
		minPasswordLength: conf.MinLength,
		dummyHash:         dummyHash,
	}, nil
}

// CreateUser registers a local account with a bcrypt password hash.
func (r *Repository) CreateUser(ctx context.Context, nu *NewUser) (*User, error) {
	nu.Username = strings.ToLower(strings.TrimSpace(nu.Username))
	nu.Email = strings.ToLower(strings.TrimSpace(nu.Email))
	nu.Name = strings.TrimSpace(nu.Name)

	if err := r.validateNewUser(nu); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(nu.Password), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		Username:     nu.Username,
		Email:        nu.Email,
		Name:         nu.Name,
		PasswordHash: string(hash),
		Roles:        []string{},
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkUnique(tx, queryUserByUsername, nu.Username, ErrUsernameTaken); err != nil {
			return err
		}
		if err := checkUnique(tx, queryUserByEmail, nu.Email, ErrEmailTaken); err != nil {
			return err
		}
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithField("user", user.ID).Info("user created")
	return user, nil
}

func (r *Repository) validateNewUser(nu *NewUser) error {
	var fields []FieldError
	if err := r.validate.Struct(nu); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate user: %w", err)
		}
		for _, e := range verrs {
			fields = append(fields, FieldError{
				Field:   strings.ToLower(e.Field()),
				Message: formatValidationError(e),
			})
		}
	}
	if n := len(nu.Password); n > 0 && n < r.minPasswordLength {
		fields = append(fields, FieldError{
			Field:   "password",
			Message: fmt.Sprintf("must be at least %d characters", r.minPasswordLength),
		})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func checkUnique(tx *gorm.DB, query, value string, errTaken error) error {
	var existing User
	err := tx.Where(query, value).First(&existing).Error
	if err == nil {
		return errTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to check existing user: %w", err)
	}
	return nil
}

// AuthenticatePassword checks local credentials. The login may be the
// username or the email address.
func (r *Repository) AuthenticatePassword(ctx context.Context, login, password string) (*User, error) {
	login = strings.ToLower(strings.TrimSpace(login))

	var user User
	err := r.db.WithContext(ctx).Where(queryUserByLogin, login, login).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if user.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func (r *Repository) FindUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).Where(queryUserByID, id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return &user, nil
}

// FindOrCreateExternalUser resolves an external identity to a local user.
// Known (provider, subject) pairs resolve to their linked user. Otherwise
// the identity is linked to the user owning the same email, provided that
// user's email is verified too, or a new passwordless user is provisioned.
func (r *Repository) FindOrCreateExternalUser(ctx context.Context, provider string, id *ExternalIdentity) (*User, error) {
	if id.Subject == "" {
		return nil, fmt.Errorf("external identity has no subject")
	}
	email := strings.ToLower(strings.TrimSpace(id.Email))

	var user User
	var created bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var link ExternalLogin
		err := tx.Where(queryExternalLogin, provider, id.Subject).First(&link).Error
		switch {
		case err == nil:
			if err := tx.Where(queryUserByID, link.UserID).First(&user).Error; err != nil {
				return fmt.Errorf("failed to load linked user: %w", err)
			}
			if email != "" && link.Email != email {
				link.Email = email
				if err := tx.Save(&link).Error; err != nil {
					return fmt.Errorf("failed to update external login: %w", err)
				}
			}
			return syncRoles(tx, &user, id.Groups)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to look up external login: %w", err)
		}

		if email == "" || !id.EmailVerified {
			return ErrEmailNotVerified
		}

		err = tx.Where(queryUserByEmail, email).First(&user).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = User{
				Username:      r.freeUsername(tx, id.Username, email),
				Email:         email,
				EmailVerified: true,
				Name:          id.Name,
				Picture:       id.Picture,
				Roles:         []string{},
			}
			if id.Groups != nil {
				user.Roles = id.Groups
			}
			if err := tx.Create(&user).Error; err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			created = true
		case err != nil:
			return fmt.Errorf("failed to look up user by email: %w", err)
		case !user.EmailVerified:
			return ErrEmailUnconfirmed
		default:
			if err := syncRoles(tx, &user, id.Groups); err != nil {
				return err
			}
		}

		link = ExternalLogin{
			Provider: provider,
			Subject:  id.Subject,
			UserID:   user.ID,
			Email:    email,
		}
		if err := tx.Create(&link).Error; err != nil {
			return fmt.Errorf("failed to link external login: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		logging.FromContext(ctx).
			WithField("user", user.ID).
			WithField("provider", provider).
			Info("user provisioned from external identity")
	}
	return &user, nil
}

func syncRoles(tx *gorm.DB, user *User, groups []string) error {
	if groups == nil || slices.Equal(user.Roles, groups) {
		return nil
	}
	user.Roles = groups
	if err := tx.Save(user).Error; err != nil {
		return fmt.Errorf("failed to update roles: %w", err)
	}
	return nil
}

// freeUsername picks the preferred username, falling back to the email
// address, which is unique among users.
func (r *Repository) freeUsername(tx *gorm.DB, preferred, email string) string {
	preferred = strings.ToLower(strings.TrimSpace(preferred))
	if preferred == "" {
		return email
	}
	var existing User
	if err := tx.Where(queryUserByUsername, preferred).First(&existing).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return preferred
	}
	return email
}

// GrantedScopes returns the scopes the user already granted to the client.
func (r *Repository) GrantedScopes(ctx context.Context, userID, clientID string) ([]string, error) {
	var consent Consent
	err := r.db.WithContext(ctx).Where(queryConsent, userID, clientID).First(&consent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up consent: %w", err)
	}
	return consent.Scopes, nil
}

// SaveConsent merges scopes into the consent of the user for the client.
func (r *Repository) SaveConsent(ctx context.Context, userID, clientID string, scopes []string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var consent Consent
		err := tx.Where(queryConsent, userID, clientID).First(&consent).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			consent = Consent{
				UserID:   userID,
				ClientID: clientID,
				Scopes:   mergeScopes(nil, scopes),
			}
			return tx.Create(&consent).Error
		case err != nil:
			return err
		}
		merged := mergeScopes(consent.Scopes, scopes)
		if slices.Equal(merged, consent.Scopes) {
			return nil
		}
		consent.Scopes = merged
		return tx.Save(&consent).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}
	return nil
}

// RevokeConsent deletes the consent of the user for the client.
func (r *Repository) RevokeConsent(ctx context.Context, userID, clientID string) error {
	err := r.db.WithContext(ctx).Where(queryConsent, userID, clientID).Delete(&Consent{}).Error
	if err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func mergeScopes(have, add []string) []string {
	out := slices.Clone(have)
	if out == nil {
		out = []string{}
	}
	for _, s := range add {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
