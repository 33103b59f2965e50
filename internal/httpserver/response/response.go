// Package response writes the JSON envelope every endpoint answers with.
package response

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"go.uber.org/zap"

	"trustgate/internal/apperr"
)

type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Meta    any    `json:"meta,omitempty"`
}

func OK(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	render.Status(r, status)
	render.JSON(w, r, Envelope{Success: true, Message: message, Data: data})
}

func Page(w http.ResponseWriter, r *http.Request, data, meta any) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, Envelope{Success: true, Data: data, Meta: meta})
}

func Fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, Envelope{Success: false, Message: message})
}

// Error answers with the status and caller-safe message of err. Typed
// errors were already logged by the service that produced them; anything
// untyped is logged here and answered with a generic message.
func Error(w http.ResponseWriter, r *http.Request, lg *zap.SugaredLogger, err error) {
	var typed *apperr.Error
	if !errors.As(err, &typed) && lg != nil {
		lg.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	kind := apperr.KindOf(err)
	Fail(w, r, apperr.HTTPStatus(kind), apperr.Message(err))
}
