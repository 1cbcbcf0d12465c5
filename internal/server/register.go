package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sdms-suite/sdms-idp/internal/account"
	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/oauth"
)

const maxRegistrationBodySize = 1 << 16

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	var req account.NewUser
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		l.WithError(err).Info("failed to parse request body as JSON")
		respondJSON(w, r, http.StatusBadRequest, oauth.NewError(oauth.ErrorInvalidRequest, "failed to parse request body as JSON"))
		return
	}

	user, err := a.accounts.CreateUser(r.Context(), &req)
	var validationErr *account.ValidationError
	switch {
	case errors.As(err, &validationErr):
		respondJSON(w, r, http.StatusBadRequest, map[string]any{
			"error":  oauth.ErrorInvalidRequest,
			"fields": validationErr.Fields,
		})
		return
	case errors.Is(err, account.ErrUsernameTaken), errors.Is(err, account.ErrEmailTaken):
		respondJSON(w, r, http.StatusConflict, map[string]any{
			"error":             "conflict",
			"error_description": err.Error(),
		})
		return
	case err != nil:
		l.WithError(err).Error("failed to create user")
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	respondJSON(w, r, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

// handleRevokeConsent forgets the scopes the token's user granted to a
// client, so the next authorization request asks again.
func (a *api) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.verifyBearerToken(w, r, bearerToken(r))
	if !ok {
		return
	}

	clientID := r.PathValue("client_id")
	if _, ok := a.conf.Client(clientID); !ok {
		respondJSON(w, r, http.StatusNotFound, oauth.NewError(oauth.ErrorInvalidRequest, "unknown client '%s'", clientID))
		return
	}

	if err := a.accounts.RevokeConsent(r.Context(), claims.Subject, clientID); err != nil {
		logging.FromRequest(r).WithError(err).Error("failed to revoke consent")
		http.Error(w, "Failed to revoke consent", http.StatusInternalServerError)
		return
	}

	logging.FromRequest(r).WithField("consent", map[string]any{
		"user":   claims.Subject,
		"client": clientID,
	}).Info("consent revoked")
	w.WriteHeader(http.StatusNoContent)
}
