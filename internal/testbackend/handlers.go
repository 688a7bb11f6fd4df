package testbackend

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-session-manager/identity"
	interrors "github.com/jrsteele09/go-session-manager/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type exchangeRequest struct {
	IDToken string `json:"id_token"`
}

type reactivateRequest struct {
	Email string `json:"email"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (b *Backend) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	acc, ok := b.accounts[strings.ToLower(req.Email)]
	if !ok || bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", interrors.ErrInvalidCredentials.Error())
		return
	}
	if acc.deactivated {
		writeError(w, http.StatusForbidden, "user_deactivated", interrors.ErrUserDeactivated.Error())
		return
	}
	b.writeGrantLocked(w, acc)
}

func (b *Backend) refreshHandler(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	email, ok := b.refreshTokens[req.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", interrors.ErrInvalidRefreshToken.Error())
		return
	}
	// Refresh tokens are single use.
	delete(b.refreshTokens, req.RefreshToken)

	acc := b.accounts[email]
	if acc == nil || acc.deactivated {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", interrors.ErrInvalidRefreshToken.Error())
		return
	}
	b.writeGrantLocked(w, acc)
}

// validateHandler answers 200 with is_valid false for bad tokens rather than 401.
func (b *Backend) validateHandler(w http.ResponseWriter, r *http.Request) {
	b.lock.Lock()
	defer b.lock.Unlock()

	acc, _, err := b.accountForTokenLocked(bearerToken(r))
	writeJSON(w, http.StatusOK, identity.ValidationResult{IsValid: err == nil && !acc.deactivated})
}

func (b *Backend) logoutHandler(w http.ResponseWriter, r *http.Request) {
	b.lock.Lock()
	defer b.lock.Unlock()

	acc, jti, err := b.accountForTokenLocked(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}
	b.revoked[jti] = true
	for token, email := range b.refreshTokens {
		if email == acc.user.Email {
			delete(b.refreshTokens, token)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) exchangeHandler(p identity.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req exchangeRequest
		if !decode(w, r, &req) {
			return
		}

		b.lock.Lock()
		defer b.lock.Unlock()

		email, ok := b.idTokenEmailLocked(p, req.IDToken)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_token", interrors.ErrInvalidIDToken.Error())
			return
		}
		acc := b.accounts[email]
		if acc == nil {
			writeError(w, http.StatusNotFound, "user_not_found", interrors.ErrUserNotFound.Error())
			return
		}
		if acc.deactivated {
			writeError(w, http.StatusForbidden, "user_deactivated", interrors.ErrUserDeactivated.Error())
			return
		}
		b.writeGrantLocked(w, acc)
	}
}

func (b *Backend) reactivateHandler(w http.ResponseWriter, r *http.Request) {
	var req reactivateRequest
	if !decode(w, r, &req) {
		return
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	acc, ok := b.accounts[strings.ToLower(req.Email)]
	if !ok {
		writeError(w, http.StatusNotFound, "user_not_found", interrors.ErrUserNotFound.Error())
		return
	}
	acc.deactivated = false
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) profileHandler(w http.ResponseWriter, r *http.Request) {
	b.lock.Lock()
	defer b.lock.Unlock()

	acc, _, err := b.accountForTokenLocked(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acc.user)
}

func (b *Backend) writeGrantLocked(w http.ResponseWriter, acc *account) {
	grant, err := b.issueLocked(acc)
	if err != nil {
		b.log.Err(err).Str("user_id", acc.user.ID).Msg("Failed to issue tokens")
		writeError(w, http.StatusInternalServerError, "server_error", "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return header[7:]
	}
	return ""
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}
