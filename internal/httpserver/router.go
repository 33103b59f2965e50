package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"trustgate/internal/auth"
	"trustgate/internal/httpserver/handlers"
	"trustgate/internal/services/account"
	"trustgate/internal/services/device"
	"trustgate/internal/store"
)

type Deps struct {
	Store        store.Store
	Signer       *auth.Signer
	Accounts     *account.Service
	Devices      *device.Service
	DeviceHeader string
	Logger       *zap.SugaredLogger
}

func NewRouter(d Deps) http.Handler {
	lg := d.Logger
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Logger)
	r.Post("/v1/auth/login", handlers.Login(d.Accounts, d.DeviceHeader, lg))
	r.Group(func(protected chi.Router) {
		protected.Use(auth.BearerAuth(d.Signer, d.Store, lg))
		protected.Use(auth.RequireApprovedDevice(d.Devices, d.DeviceHeader, lg))
		protected.Get("/v1/me", handlers.Me(d.Accounts, lg))
		protected.Post("/v1/auth/logout", handlers.Logout(d.Accounts, lg))
		protected.Post("/v1/auth/password", handlers.ChangePassword(d.Accounts, lg))
		protected.Get("/v1/users/{userID}/devices", handlers.UserDevices(d.Devices, lg))
		protected.Get("/v1/users/{userID}/devices/{identifier}", handlers.UserDevice(d.Devices, lg))
		protected.Group(func(admin chi.Router) {
			admin.Use(auth.RequireAdmin())
			admin.Post("/v1/auth/register", handlers.Register(d.Accounts, lg))
			admin.Get("/v1/admin/users", handlers.ListUsers(d.Accounts, lg))
			admin.Patch("/v1/admin/users/{userID}", handlers.UpdateUser(d.Accounts, lg))
			admin.Get("/v1/devices", handlers.ListDevices(d.Devices, lg))
			admin.Post("/v1/devices/register", handlers.RegisterDevice(d.Devices, lg))
			admin.Get("/v1/devices/{deviceID}", handlers.GetDevice(d.Devices, lg))
			admin.Post("/v1/devices/{deviceID}/approve", handlers.ApproveDevice(d.Devices, lg))
			admin.Post("/v1/devices/{deviceID}/reject", handlers.RejectDevice(d.Devices, lg))
			admin.Post("/v1/devices/{deviceID}/revoke", handlers.RevokeDevice(d.Devices, lg))
			admin.Get("/v1/logs", handlers.AuditLogs(d.Store.Audit(), lg))
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}
