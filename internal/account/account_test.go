package account

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sdms-suite/sdms-idp/internal/config"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	dbName := filepath.Join(t.TempDir(), "account.db")
	db, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(Models...); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo, err := NewRepository(db, &config.PasswordConfig{BcryptCost: 4, MinLength: 8})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	return repo
}

func TestRepository_CreateUser(t *testing.T) {
	tests := []struct {
		name           string
		existing       *NewUser
		user           *NewUser
		expectedErr    error
		expectedFields []string
	}{
		{
			name: "valid user",
			user: &NewUser{Username: "Jane.Doe", Email: "Jane@Example.com", Name: " Jane ", Password: "correct horse"},
		},
		{
			name:           "missing fields",
			user:           &NewUser{},
			expectedFields: []string{"username", "email", "password"},
		},
		{
			name:           "invalid email and short password",
			user:           &NewUser{Username: "jane", Email: "not-an-email", Password: "short"},
			expectedFields: []string{"email", "password"},
		},
		{
			name:           "invalid username",
			user:           &NewUser{Username: "jane doe!", Email: "jane@example.com", Password: "long enough"},
			expectedFields: []string{"username"},
		},
		{
			name:           "password longer than bcrypt allows",
			user:           &NewUser{Username: "jane", Email: "jane@example.com", Password: string(make([]byte, 73))},
			expectedFields: []string{"password"},
		},
		{
			name:        "username taken",
			existing:    &NewUser{Username: "jane", Email: "jane@example.com", Password: "password1"},
			user:        &NewUser{Username: "JANE", Email: "other@example.com", Password: "password2"},
			expectedErr: ErrUsernameTaken,
		},
		{
			name:        "email taken",
			existing:    &NewUser{Username: "jane", Email: "jane@example.com", Password: "password1"},
			user:        &NewUser{Username: "janet", Email: "JANE@example.com", Password: "password2"},
			expectedErr: ErrEmailTaken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			ctx := context.Background()
			repo := newTestRepository(t)

			if tt.existing != nil {
				_, err := repo.CreateUser(ctx, tt.existing)
				g.Expect(err).ToNot(HaveOccurred())
			}

			user, err := repo.CreateUser(ctx, tt.user)

			switch {
			case tt.expectedErr != nil:
				g.Expect(errors.Is(err, tt.expectedErr)).To(BeTrue())
				g.Expect(user).To(BeNil())
			case tt.expectedFields != nil:
				var verr *ValidationError
				g.Expect(errors.As(err, &verr)).To(BeTrue())
				var fields []string
				for _, f := range verr.Fields {
					fields = append(fields, f.Field)
				}
				g.Expect(fields).To(ConsistOf(tt.expectedFields))
			default:
				g.Expect(err).ToNot(HaveOccurred())
				g.Expect(user.ID).ToNot(BeEmpty())
				g.Expect(user.Username).To(Equal("jane.doe"))
				g.Expect(user.Email).To(Equal("jane@example.com"))
				g.Expect(user.Name).To(Equal("Jane"))
				g.Expect(user.PasswordHash).ToNot(Equal(tt.user.Password))
				g.Expect(user.PasswordHash).To(HavePrefix("$2a$"))

				found, err := repo.FindUserByID(ctx, user.ID)
				g.Expect(err).ToNot(HaveOccurred())
				g.Expect(found.Username).To(Equal("jane.doe"))
				g.Expect(found.Roles).To(BeEmpty())
			}
		})
	}
}

func TestRepository_AuthenticatePassword(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	repo := newTestRepository(t)

	created, err := repo.CreateUser(ctx, &NewUser{Username: "jane", Email: "jane@example.com", Password: "correct horse"})
	g.Expect(err).ToNot(HaveOccurred())

	_, err = repo.FindOrCreateExternalUser(ctx, "google", &ExternalIdentity{
		Subject:       "g-1",
		Email:         "fed@example.com",
		EmailVerified: true,
	})
	g.Expect(err).ToNot(HaveOccurred())

	tests := []struct {
		name     string
		login    string
		password string
		valid    bool
	}{
		{name: "username", login: "jane", password: "correct horse", valid: true},
		{name: "email", login: "jane@example.com", password: "correct horse", valid: true},
		{name: "case insensitive login", login: " JANE ", password: "correct horse", valid: true},
		{name: "wrong password", login: "jane", password: "wrong horse"},
		{name: "unknown user", login: "john", password: "correct horse"},
		{name: "federated user without password", login: "fed@example.com", password: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)

			user, err := repo.AuthenticatePassword(ctx, tt.login, tt.password)

			if tt.valid {
				g.Expect(err).ToNot(HaveOccurred())
				g.Expect(user.ID).To(Equal(created.ID))
			} else {
				g.Expect(err).To(Equal(ErrInvalidCredentials))
				g.Expect(user).To(BeNil())
			}
		})
	}
}

func TestRepository_FindUserByID(t *testing.T) {
	g := NewWithT(t)
	repo := newTestRepository(t)

	_, err := repo.FindUserByID(context.Background(), "missing")

	g.Expect(err).To(Equal(ErrNotFound))
}

func TestRepository_FindOrCreateExternalUser(t *testing.T) {
	ctx := context.Background()

	t.Run("provisions a new user", func(t *testing.T) {
		g := NewWithT(t)
		repo := newTestRepository(t)

		user, err := repo.FindOrCreateExternalUser(ctx, "github", &ExternalIdentity{
			Subject:       "42",
			Username:      "octocat",
			Email:         "Octo@Example.com",
			EmailVerified: true,
			Name:          "The Octocat",
			Groups:        []string{"sdms/admins"},
		})

		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(user.Username).To(Equal("octocat"))
		g.Expect(user.Email).To(Equal("octo@example.com"))
		g.Expect(user.EmailVerified).To(BeTrue())
		g.Expect(user.PasswordHash).To(BeEmpty())
		g.Expect(user.Roles).To(Equal([]string{"sdms/admins"}))

		// Same identity resolves to the same user.
		again, err := repo.FindOrCreateExternalUser(ctx, "github", &ExternalIdentity{
			Subject:       "42",
			Email:         "octo@example.com",
			EmailVerified: true,
		})
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(again.ID).To(Equal(user.ID))
		g.Expect(again.Roles).To(Equal([]string{"sdms/admins"}))
	})

	t.Run("links to the local user when both emails are verified", func(t *testing.T) {
		g := NewWithT(t)
		repo := newTestRepository(t)

		local, err := repo.CreateUser(ctx, &NewUser{Username: "jane", Email: "jane@example.com", Password: "password1"})
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(repo.db.Model(&User{}).Where(queryUserByID, local.ID).Update("email_verified", true).Error).To(Succeed())

		user, err := repo.FindOrCreateExternalUser(ctx, "google", &ExternalIdentity{
			Subject:       "g-1",
			Email:         "jane@example.com",
			EmailVerified: true,
		})
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(user.ID).To(Equal(local.ID))

		// The local password keeps working.
		_, err = repo.AuthenticatePassword(ctx, "jane", "password1")
		g.Expect(err).ToNot(HaveOccurred())
	})

	t.Run("local account with unverified email is not linked", func(t *testing.T) {
		g := NewWithT(t)
		repo := newTestRepository(t)

		squatter, err := repo.CreateUser(ctx, &NewUser{Username: "mallory", Email: "victim@gmail.com", Password: "password1"})
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(squatter.EmailVerified).To(BeFalse())

		_, err = repo.FindOrCreateExternalUser(ctx, "google", &ExternalIdentity{
			Subject:       "g-victim",
			Email:         "victim@gmail.com",
			EmailVerified: true,
		})
		g.Expect(err).To(Equal(ErrEmailUnconfirmed))

		var links int64
		g.Expect(repo.db.Model(&ExternalLogin{}).Where(queryExternalLogin, "google", "g-victim").Count(&links).Error).To(Succeed())
		g.Expect(links).To(BeZero())
	})

	t.Run("unverified email is rejected", func(t *testing.T) {
		g := NewWithT(t)
		repo := newTestRepository(t)

		_, err := repo.CreateUser(ctx, &NewUser{Username: "jane", Email: "jane@example.com", Password: "password1"})
		g.Expect(err).ToNot(HaveOccurred())

		_, err = repo.FindOrCreateExternalUser(ctx, "auth0", &ExternalIdentity{
			Subject:       "auth0|1",
			Email:         "jane@example.com",
			EmailVerified: false,
		})
		g.Expect(err).To(Equal(ErrEmailNotVerified))
	})

	t.Run("taken username falls back to email", func(t *testing.T) {
		g := NewWithT(t)
		repo := newTestRepository(t)

		_, err := repo.CreateUser(ctx, &NewUser{Username: "octocat", Email: "someone@example.com", Password: "password1"})
		g.Expect(err).ToNot(HaveOccurred())

		user, err := repo.FindOrCreateExternalUser(ctx, "github", &ExternalIdentity{
			Subject:       "42",
			Username:      "octocat",
			Email:         "octo@example.com",
			EmailVerified: true,
		})
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(user.Username).To(Equal("octo@example.com"))
	})

	t.Run("groups replace roles on every login", func(t *testing.T) {
		g := NewWithT(t)
		repo := newTestRepository(t)

		id := &ExternalIdentity{Subject: "auth0|1", Email: "a@example.com", EmailVerified: true, Groups: []string{"vendor"}}
		user, err := repo.FindOrCreateExternalUser(ctx, "auth0", id)
		g.Expect(err).ToNot(HaveOccurred())

		id.Groups = []string{"vendor", "admin"}
		_, err = repo.FindOrCreateExternalUser(ctx, "auth0", id)
		g.Expect(err).ToNot(HaveOccurred())

		found, err := repo.FindUserByID(ctx, user.ID)
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(found.Roles).To(Equal([]string{"vendor", "admin"}))

		// Providers without groups leave roles alone.
		id.Groups = nil
		_, err = repo.FindOrCreateExternalUser(ctx, "auth0", id)
		g.Expect(err).ToNot(HaveOccurred())
		found, err = repo.FindUserByID(ctx, user.ID)
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(found.Roles).To(Equal([]string{"vendor", "admin"}))
	})

	t.Run("missing subject", func(t *testing.T) {
		g := NewWithT(t)
		repo := newTestRepository(t)

		_, err := repo.FindOrCreateExternalUser(ctx, "google", &ExternalIdentity{Email: "a@example.com", EmailVerified: true})
		g.Expect(err).To(MatchError(ContainSubstring("no subject")))
	})
}

func TestRepository_Consent(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	repo := newTestRepository(t)

	scopes, err := repo.GrantedScopes(ctx, "user-1", "portal")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(scopes).To(BeEmpty())

	g.Expect(repo.SaveConsent(ctx, "user-1", "portal", []string{"openid", "profile"})).To(Succeed())
	g.Expect(repo.SaveConsent(ctx, "user-1", "portal", []string{"openid", "email"})).To(Succeed())
	g.Expect(repo.SaveConsent(ctx, "user-1", "vendor", []string{"openid"})).To(Succeed())

	scopes, err = repo.GrantedScopes(ctx, "user-1", "portal")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(scopes).To(Equal([]string{"openid", "profile", "email"}))

	g.Expect(repo.RevokeConsent(ctx, "user-1", "portal")).To(Succeed())

	scopes, err = repo.GrantedScopes(ctx, "user-1", "portal")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(scopes).To(BeEmpty())

	scopes, err = repo.GrantedScopes(ctx, "user-1", "vendor")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(scopes).To(Equal([]string{"openid"}))
}

func TestRepository_Ping(t *testing.T) {
	g := NewWithT(t)
	repo := newTestRepository(t)

	g.Expect(repo.Ping(context.Background())).To(Succeed())
}

func TestMergeScopes(t *testing.T) {
	tests := []struct {
		name     string
		have     []string
		add      []string
		expected []string
	}{
		{name: "nil", expected: []string{}},
		{name: "new", add: []string{"openid"}, expected: []string{"openid"}},
		{name: "union keeps order", have: []string{"openid", "email"}, add: []string{"profile", "openid"}, expected: []string{"openid", "email", "profile"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			g.Expect(mergeScopes(tt.have, tt.add)).To(Equal(tt.expected))
		})
	}
}
