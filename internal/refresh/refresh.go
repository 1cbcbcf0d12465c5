package refresh

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/store"
)

const (
	queryTokenByHash   = "token_hash = ?"
	queryTokenUnused   = "id = ? AND consumed_at IS NULL AND revoked_at IS NULL"
	queryFamilyActive  = "family_id = ? AND revoked_at IS NULL"
	queryExpiredBefore = "expires_at < ?"
)

var (
	ErrNotFound       = errors.New("refresh token not found")
	ErrReused         = errors.New("refresh token reused")
	ErrExpired        = errors.New("refresh token expired")
	ErrClientMismatch = errors.New("refresh token was issued to another client")
	ErrInvalidScope   = errors.New("requested scope exceeds the original grant")
)

// Repository issues and rotates opaque refresh tokens.
type Repository struct {
	db  *gorm.DB
	ttl time.Duration

	generateToken func() (string, error)
}

func NewRepository(db *gorm.DB, ttl time.Duration) *Repository {
	return &Repository{db: db, ttl: ttl}
}

// Issue starts a new token family for the grant.
func (r *Repository) Issue(ctx context.Context, grant *store.Grant, clientID string, now time.Time) (string, *RefreshToken, error) {
	token, hash, err := r.newToken()
	if err != nil {
		return "", nil, err
	}

	rec := &RefreshToken{
		TokenHash: hash,
		FamilyID:  uuid.NewString(),
		ClientID:  clientID,
		UserID:    grant.UserID,
		LoginID:   grant.LoginID,
		Scopes:    slices.Clone(grant.Scopes),
		AMR:       slices.Clone(grant.AMR),
		AuthTime:  grant.AuthTime,
		ExpiresAt: now.Add(r.ttl),
		CreatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return token, rec, nil
}

// Rotate redeems a refresh token and issues its successor in the same
// family. Presenting a token that was already redeemed or revoked revokes
// the whole family, even when another client presents it. A non-empty scopes must be a subset of the family's
// scopes; the successor always carries the family's scopes.
func (r *Repository) Rotate(ctx context.Context, token, clientID string, scopes []string, now time.Time) (string, *RefreshToken, error) {
	l := logging.FromContext(ctx)

	rec, err := r.lookup(ctx, token)
	if err != nil {
		return "", nil, err
	}
	// Reuse is checked before the client.
	if rec.ConsumedAt != nil || rec.RevokedAt != nil {
		r.reuseDetected(ctx, rec, now)
		return "", nil, ErrReused
	}
	if rec.ClientID != clientID {
		return "", nil, ErrClientMismatch
	}
	if !now.Before(rec.ExpiresAt) {
		return "", nil, ErrExpired
	}
	for _, s := range scopes {
		if !slices.Contains(rec.Scopes, s) {
			return "", nil, ErrInvalidScope
		}
	}

	newToken, hash, err := r.newToken()
	if err != nil {
		return "", nil, err
	}
	next := &RefreshToken{
		TokenHash: hash,
		FamilyID:  rec.FamilyID,
		ClientID:  rec.ClientID,
		UserID:    rec.UserID,
		LoginID:   rec.LoginID,
		Scopes:    rec.Scopes,
		AMR:       rec.AMR,
		AuthTime:  rec.AuthTime,
		ExpiresAt: minTime(now.Add(r.ttl), rec.ExpiresAt),
		CreatedAt: now,
	}

	var reused bool
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RefreshToken{}).Where(queryTokenUnused, rec.ID).Update("consumed_at", now)
		if res.Error != nil {
			return fmt.Errorf("failed to consume refresh token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost a race against another redemption of the same token.
			reused = true
			return nil
		}
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("failed to store refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	if reused {
		r.reuseDetected(ctx, rec, now)
		return "", nil, ErrReused
	}

	l.WithField("refreshToken", map[string]any{
		"family": rec.FamilyID,
		"client": rec.ClientID,
		"user":   rec.UserID,
	}).Info("refresh token rotated")
	return newToken, next, nil
}

func (r *Repository) reuseDetected(ctx context.Context, rec *RefreshToken, now time.Time) {
	l := logging.FromContext(ctx).WithField("refreshToken", map[string]any{
		"family": rec.FamilyID,
		"client": rec.ClientID,
		"user":   rec.UserID,
	})
	l.Warn("refresh token reuse detected, revoking family")
	if err := r.revokeFamily(ctx, rec.FamilyID, now); err != nil {
		l.WithError(err).Error("failed to revoke refresh token family")
	}
}

// Revoke revokes the family of the token. Unknown tokens are not an error.
func (r *Repository) Revoke(ctx context.Context, token, clientID string, now time.Time) error {
	rec, err := r.lookup(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.ClientID != clientID {
		return ErrClientMismatch
	}
	if err := r.revokeFamily(ctx, rec.FamilyID, now); err != nil {
		return err
	}
	logging.FromContext(ctx).WithField("refreshToken", map[string]any{
		"family": rec.FamilyID,
		"client": rec.ClientID,
	}).Info("refresh token revoked")
	return nil
}

// Introspect returns the token record if the token is active.
func (r *Repository) Introspect(ctx context.Context, token string, now time.Time) (*RefreshToken, bool) {
	rec, err := r.lookup(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logging.FromContext(ctx).WithError(err).Error("failed to introspect refresh token")
		}
		return nil, false
	}
	if !rec.Active(now) {
		return nil, false
	}
	return rec, true
}

// DeleteExpired removes tokens whose family expired before now.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where(queryExpiredBefore, now).Delete(&RefreshToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Repository) revokeFamily(ctx context.Context, familyID string, now time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&RefreshToken{}).
		Where(queryFamilyActive, familyID).
		Update("revoked_at", now).Error
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token family: %w", err)
	}
	return nil
}

func (r *Repository) lookup(ctx context.Context, token string) (*RefreshToken, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var rec RefreshToken
	err := r.db.WithContext(ctx).Where(queryTokenByHash, hashToken(token)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	return &rec, nil
}

func (r *Repository) newToken() (string, string, error) {
	generate := generateToken
	if r.generateToken != nil {
		generate = r.generateToken
	}
	token, err := generate()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return token, hashToken(token), nil
}

func generateToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
