package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"trustgate/internal/httpserver/response"
	"trustgate/internal/store"
)

const (
	defaultLogLimit = 200
	maxLogLimit     = 1000
)

func AuditLogs(audit store.AuditRepository, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit")
		if limit <= 0 {
			limit = defaultLogLimit
		}
		if limit > maxLogLimit {
			limit = maxLogLimit
		}
		logs, err := audit.Recent(r.Context(), limit)
		if err != nil {
			lg.Errorw("audit log query failed", "error", err)
			response.Fail(w, r, http.StatusInternalServerError, "Failed to retrieve logs.")
			return
		}
		response.OK(w, r, http.StatusOK, "", logs)
	}
}
