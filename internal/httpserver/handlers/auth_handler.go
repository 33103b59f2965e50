package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/auth"
	"trustgate/internal/httpserver/response"
	"trustgate/internal/models"
	"trustgate/internal/services/account"
)

type loginReq struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceName string `json:"device_name"`
}

type loginResp struct {
	User        *models.User   `json:"user"`
	Device      *models.Device `json:"device"`
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

func Login(svc *account.Service, deviceHeader string, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginReq
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.Login(r.Context(), account.LoginInput{
			Email:            req.Email,
			Password:         req.Password,
			DeviceIdentifier: r.Header.Get(deviceHeader),
			DeviceName:       req.DeviceName,
			IP:               clientIP(r),
		})
		if err != nil {
			// Device refusals at login are authentication failures for the client.
			if apperr.KindOf(err) == apperr.KindDeviceNotApproved {
				response.Fail(w, r, http.StatusUnauthorized, apperr.Message(err))
				return
			}
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusOK, "Login successful.", loginResp{
			User:        res.User,
			Device:      res.Device,
			AccessToken: res.Token.Value,
			TokenType:   "Bearer",
			ExpiresAt:   res.Token.ExpiresAt,
		})
	}
}

func Logout(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, _ := auth.DeviceFromContext(r.Context())
		if err := svc.Logout(r.Context(), principal(r).User, d); err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusOK, "Logged out successfully.", nil)
	}
}

func Me(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := svc.Details(r.Context(), principal(r).User.ID)
		if err != nil {
			response.Error(w, r, lg, err)
			return
		}
		d, _ := auth.DeviceFromContext(r.Context())
		response.OK(w, r, http.StatusOK, "", map[string]any{"user": u, "current_device": d})
	}
}

type changePasswordReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func ChangePassword(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req changePasswordReq
		if !decode(w, r, &req) {
			return
		}
		if err := svc.ChangePassword(r.Context(), principal(r).User.ID, req.CurrentPassword, req.NewPassword); err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusOK, "Password changed.", nil)
	}
}
