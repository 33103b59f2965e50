package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/httpserver/response"
	"trustgate/internal/models"
	"trustgate/internal/store"
)

// BearerAuth verifies the bearer token and loads its owner. A token whose row
// is gone (logout, revoke, superseded by a newer login) is rejected.
func BearerAuth(signer *Signer, st store.Store, lg *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				response.Fail(w, r, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := signer.Verify(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				response.Fail(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := r.Context()
			tok, err := st.Tokens().FindByID(ctx, claims.JWTID)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					lg.Errorw("token lookup failed", "jti", claims.JWTID, "error", err)
				}
				response.Fail(w, r, http.StatusUnauthorized, "session not found")
				return
			}
			if tok.UserID != claims.Subject || tok.DeviceID != claims.DeviceID || signer.now().After(tok.ExpiresAt) {
				response.Fail(w, r, http.StatusUnauthorized, "session expired/revoked")
				return
			}
			user, err := st.Users().FindByID(ctx, claims.Subject)
			if err != nil || !user.IsActive {
				response.Fail(w, r, http.StatusUnauthorized, "session expired/revoked")
				return
			}
			if err := st.Tokens().TouchLastUsed(ctx, tok.ID, signer.now()); err != nil {
				lg.Warnw("token touch failed", "jti", tok.ID, "error", err)
			}
			p := Principal{User: *user, TokenID: tok.ID, DeviceID: tok.DeviceID, Claims: claims}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
		})
	}
}

func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok || !p.User.HasRole(role) {
				response.Fail(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(models.RoleAdministrator)
}

const msgWrongDevice = "This token was not issued for this device."

// DeviceGate decides whether a user's device may be used.
type DeviceGate interface {
	Authorize(ctx context.Context, userID, identifier string) (*models.Device, error)
	TouchLastUsed(ctx context.Context, d *models.Device) error
}

// RequireApprovedDevice rejects requests whose device header does not name
// an approved device of the authenticated user, or whose token was issued for
// a different device. It never registers devices.
func RequireApprovedDevice(gate DeviceGate, header string, lg *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				response.Fail(w, r, http.StatusUnauthorized, "unauthenticated")
				return
			}
			identifier := strings.TrimSpace(r.Header.Get(header))
			if identifier == "" {
				response.Fail(w, r, http.StatusBadRequest, "Device ID header ("+header+") is missing.")
				return
			}
			d, err := gate.Authorize(r.Context(), p.User.ID, identifier)
			if err != nil {
				response.Error(w, r, lg, err)
				return
			}
			if d.ID != p.DeviceID {
				lg.Warnw("token used from another device", "user_id", p.User.ID, "token_device_id", p.DeviceID, "device_id", d.ID)
				response.Fail(w, r, http.StatusForbidden, msgWrongDevice)
				return
			}
			if err := gate.TouchLastUsed(r.Context(), d); err != nil {
				lg.Warnw("device last-used update failed", "device_id", d.ID, "kind", apperr.KindOf(err), "error", err)
			}
			next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), *d)))
		})
	}
}
