package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"trustgate/internal/httpserver/response"
	"trustgate/internal/services/account"
)

func ListUsers(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := svc.ListUsers(r.Context())
		if err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusOK, "", users)
	}
}

type registerReq struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"` // optional; default "User"
}

// Register creates a user. The initial password is delivered out of band
// and never appears in the response.
func Register(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerReq
		if !decode(w, r, &req) {
			return
		}
		u, err := svc.Register(r.Context(), account.RegisterInput{Name: req.Name, Email: req.Email, Role: req.Role})
		if err != nil {
			response.Error(w, r, lg, err)
			return
		}
		response.OK(w, r, http.StatusCreated, "User registered successfully.", u)
	}
}
