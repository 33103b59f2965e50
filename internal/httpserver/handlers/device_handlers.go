package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/httpserver/response"
	"trustgate/internal/models"
	"trustgate/internal/services/device"
)

// selfOrAdmin reports whether the caller may read userID's devices.
func selfOrAdmin(w http.ResponseWriter, r *http.Request, userID string) bool {
	p := principal(r)
	if p.User.ID == userID || p.User.IsAdmin() {
		return true
	}
	response.Fail(w, r, http.StatusForbidden, "forbidden")
	return false
}

func UserDevices(svc *device.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if !selfOrAdmin(w, r, userID) {
			return
		}
		devices, err := svc.ListForUser(r.Context(), userID)
		if err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusOK, "", devices)
	}
}

func UserDevice(svc *device.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if !selfOrAdmin(w, r, userID) {
			return
		}
		d, err := svc.Find(r.Context(), userID, chi.URLParam(r, "identifier"))
		if err != nil {
			response.Error(w, r, lg, err)
			return
		}
		if d == nil {
			response.Error(w, r, lg, apperr.DeviceNotFound())
			return
		}
		response.OK(w, r, http.StatusOK, "", d)
	}
}

func ListDevices(svc *device.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := svc.List(r.Context(), device.ListParams{
			Status:  r.URL.Query().Get("status"),
			Page:    queryInt(r, "page"),
			PerPage: queryInt(r, "per_page"),
		})
		if err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.Page(w, r, page.Items, map[string]any{
			"total":        page.Total,
			"current_page": page.Page,
			"per_page":     page.PerPage,
			"last_page":    page.LastPage,
		})
	}
}

func GetDevice(svc *device.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := svc.Get(r.Context(), chi.URLParam(r, "deviceID"))
		if err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusOK, "", d)
	}
}

type notesReq struct {
	Notes string `json:"notes"`
}

type transition func(svc *device.Service, r *http.Request, admin models.User, notes string) (*models.Device, error)

func deviceTransition(svc *device.Service, lg *zap.SugaredLogger, message string, do transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notesReq
		if !decodeOptional(w, r, &req) {
			return
		}
		d, err := do(svc, r, principal(r).User, req.Notes)
		if err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusOK, message, d)
	}
}

func ApproveDevice(svc *device.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return deviceTransition(svc, lg, "Device approved successfully.",
		func(svc *device.Service, r *http.Request, admin models.User, notes string) (*models.Device, error) {
			return svc.Approve(r.Context(), chi.URLParam(r, "deviceID"), admin, notes)
		})
}

func RejectDevice(svc *device.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return deviceTransition(svc, lg, "Device rejected successfully.",
		func(svc *device.Service, r *http.Request, admin models.User, notes string) (*models.Device, error) {
			return svc.Reject(r.Context(), chi.URLParam(r, "deviceID"), admin, notes)
		})
}

func RevokeDevice(svc *device.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return deviceTransition(svc, lg, "Device revoked successfully.",
		func(svc *device.Service, r *http.Request, admin models.User, notes string) (*models.Device, error) {
			return svc.Revoke(r.Context(), chi.URLParam(r, "deviceID"), admin, notes)
		})
}

type registerDeviceReq struct {
	UserID           string `json:"user_id"`
	DeviceIdentifier string `json:"device_identifier"`
	DeviceName       string `json:"device_name"`
	Notes            string `json:"notes"`
}

func RegisterDevice(svc *device.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerDeviceReq
		if !decode(w, r, &req) {
			return
		}
		d, err := svc.RegisterByAdmin(r.Context(), device.Registration{
			UserID:     req.UserID,
			Identifier: req.DeviceIdentifier,
			Name:       req.DeviceName,
			Notes:      req.Notes,
		}, principal(r).User)
		if err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusCreated, "Device registered and approved successfully.", d)
	}
}
