package auth

import (
	"context"

	"trustgate/internal/models"
)

type ctxKey string

const (
	principalKey ctxKey = "principal"
	deviceKey    ctxKey = "device"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	User    models.User
	TokenID string
	// DeviceID is the device the token row was issued for.
	DeviceID string
	Claims   Claims
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func Subject(ctx context.Context) string {
	p, _ := FromContext(ctx)
	return p.User.ID
}

func WithDevice(ctx context.Context, d models.Device) context.Context {
	return context.WithValue(ctx, deviceKey, d)
}

// DeviceFromContext returns the approved device attached by RequireApprovedDevice.
func DeviceFromContext(ctx context.Context) (models.Device, bool) {
	d, ok := ctx.Value(deviceKey).(models.Device)
	return d, ok
}
