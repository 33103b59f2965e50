package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trustgate/internal/httpserver/response"
	"trustgate/internal/services/account"
)

type updateUserReq struct {
	IsActive *bool `json:"is_active"`
}

func UpdateUser(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateUserReq
		if !decode(w, r, &req) {
			return
		}
		if req.IsActive == nil {
			response.Fail(w, r, http.StatusBadRequest, "is_active is required.")
			return
		}
		if err := svc.SetActive(r.Context(), chi.URLParam(r, "userID"), *req.IsActive, principal(r).User); err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusOK, "User updated.", map[string]any{"updated": true})
	}
}
