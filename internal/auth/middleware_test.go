package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/auth"
	"trustgate/internal/models"
	"trustgate/internal/store/memstore"
)

const secret = "middleware-test-secret-0123456789"

type fakeGate struct {
	devices  map[string]models.Device
	touchErr error
	touched  int
}

func (g *fakeGate) Authorize(_ context.Context, userID, identifier string) (*models.Device, error) {
	d, ok := g.devices[identifier]
	if !ok || d.UserID != userID {
		return nil, apperr.DeviceNotApproved("This device is not recognized for your account.")
	}
	if !d.IsApproved() {
		return nil, apperr.DeviceNotApproved("This device is pending admin approval.")
	}
	return &d, nil
}

func (g *fakeGate) TouchLastUsed(context.Context, *models.Device) error {
	g.touched++
	return g.touchErr
}

type env struct {
	st     *memstore.Store
	signer *auth.Signer
	user   models.User
	device models.Device
	jti    string
	bearer string
}

func newEnv(t *testing.T, roles ...string) *env {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	rs, err := st.Users().RolesByName(ctx, roles...)
	require.NoError(t, err)
	u := &models.User{Name: "alice", Email: "alice@example.com", PasswordHash: "x", IsActive: true, Roles: rs}
	require.NoError(t, st.Users().Create(ctx, u))
	d := &models.Device{UserID: u.ID, DeviceIdentifier: "phone", Status: models.DeviceStatusApproved}
	require.NoError(t, st.Devices().Create(ctx, d))

	signer := auth.NewSigner(secret, time.Hour)
	val, exp, err := signer.Sign(auth.Claims{Subject: u.ID, DeviceID: d.ID, JWTID: "jti-1"})
	require.NoError(t, err)
	require.NoError(t, st.Tokens().Create(ctx, &models.Token{ID: "jti-1", Name: "n", UserID: u.ID, DeviceID: d.ID, ExpiresAt: exp}))
	return &env{st: st, signer: signer, user: *u, device: *d, jti: "jti-1", bearer: val}
}

func ok(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	w.Header().Set("X-Subject", p.User.ID)
	if d, found := auth.DeviceFromContext(r.Context()); found {
		w.Header().Set("X-Device", d.DeviceIdentifier)
	}
	w.WriteHeader(http.StatusNoContent)
}

func serve(h http.Handler, bearer string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func message(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body.Message
}

func TestBearerAuth(t *testing.T) {
	e := newEnv(t, models.RoleUser)
	h := auth.BearerAuth(e.signer, e.st, zap.NewNop().Sugar())(http.HandlerFunc(ok))

	rec := serve(h, e.bearer, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, e.user.ID, rec.Header().Get("X-Subject"))
	tok, err := e.st.Tokens().FindByID(context.Background(), e.jti)
	require.NoError(t, err)
	assert.NotNil(t, tok.LastUsedAt)

	assert.Equal(t, http.StatusUnauthorized, serve(h, "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "garbage", nil).Code)
}

func TestBearerAuthRejectsDeletedToken(t *testing.T) {
	e := newEnv(t, models.RoleUser)
	h := auth.BearerAuth(e.signer, e.st, zap.NewNop().Sugar())(http.HandlerFunc(ok))

	_, err := e.st.Tokens().DeleteByUser(context.Background(), e.user.ID)
	require.NoError(t, err)
	rec := serve(h, e.bearer, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session not found", message(t, rec))
}

func TestBearerAuthRejectsInactiveUser(t *testing.T) {
	e := newEnv(t, models.RoleUser)
	h := auth.BearerAuth(e.signer, e.st, zap.NewNop().Sugar())(http.HandlerFunc(ok))

	require.NoError(t, e.st.Users().SetActive(context.Background(), e.user.ID, false))
	assert.Equal(t, http.StatusUnauthorized, serve(h, e.bearer, nil).Code)
}

func TestRequireAdmin(t *testing.T) {
	lg := zap.NewNop().Sugar()
	user := newEnv(t, models.RoleUser)
	h := auth.BearerAuth(user.signer, user.st, lg)(auth.RequireAdmin()(http.HandlerFunc(ok)))
	assert.Equal(t, http.StatusForbidden, serve(h, user.bearer, nil).Code)

	admin := newEnv(t, models.RoleAdministrator)
	h = auth.BearerAuth(admin.signer, admin.st, lg)(auth.RequireAdmin()(http.HandlerFunc(ok)))
	assert.Equal(t, http.StatusNoContent, serve(h, admin.bearer, nil).Code)
}

func TestRequireApprovedDevice(t *testing.T) {
	e := newEnv(t, models.RoleUser)
	gate := &fakeGate{devices: map[string]models.Device{
		"phone":  e.device,
		"tablet": {ID: "d2", UserID: e.user.ID, DeviceIdentifier: "tablet", Status: models.DeviceStatusPending},
	}}
	lg := zap.NewNop().Sugar()
	h := auth.BearerAuth(e.signer, e.st, lg)(auth.RequireApprovedDevice(gate, "X-Device-ID", lg)(http.HandlerFunc(ok)))

	rec := serve(h, e.bearer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Device ID header (X-Device-ID) is missing.", message(t, rec))

	rec = serve(h, e.bearer, map[string]string{"X-Device-ID": "tablet"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "This device is pending admin approval.", message(t, rec))

	rec = serve(h, e.bearer, map[string]string{"X-Device-ID": "unknown"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(h, e.bearer, map[string]string{"X-Device-ID": "phone"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "phone", rec.Header().Get("X-Device"))
	assert.Equal(t, 1, gate.touched)
}

func TestRequireApprovedDeviceToleratesTouchFailure(t *testing.T) {
	e := newEnv(t, models.RoleUser)
	gate := &fakeGate{
		devices:  map[string]models.Device{"phone": e.device},
		touchErr: errors.New("db down"),
	}
	lg := zap.NewNop().Sugar()
	h := auth.BearerAuth(e.signer, e.st, lg)(auth.RequireApprovedDevice(gate, "X-Device-ID", lg)(http.HandlerFunc(ok)))

	rec := serve(h, e.bearer, map[string]string{"X-Device-ID": "phone"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequireApprovedDeviceRejectsTokenFromOtherDevice(t *testing.T) {
	e := newEnv(t, models.RoleUser)
	gate := &fakeGate{devices: map[string]models.Device{
		"phone":  e.device,
		"laptop": {ID: "d3", UserID: e.user.ID, DeviceIdentifier: "laptop", Status: models.DeviceStatusApproved},
	}}
	lg := zap.NewNop().Sugar()
	h := auth.BearerAuth(e.signer, e.st, lg)(auth.RequireApprovedDevice(gate, "X-Device-ID", lg)(http.HandlerFunc(ok)))

	rec := serve(h, e.bearer, map[string]string{"X-Device-ID": "laptop"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "This token was not issued for this device.", message(t, rec))
	assert.Zero(t, gate.touched)

	rec = serve(h, e.bearer, map[string]string{"X-Device-ID": "phone"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBearerAuthRejectsMismatchedDeviceClaim(t *testing.T) {
	e := newEnv(t, models.RoleUser)
	val, _, err := e.signer.Sign(auth.Claims{Subject: e.user.ID, DeviceID: "other-device", JWTID: e.jti})
	require.NoError(t, err)
	h := auth.BearerAuth(e.signer, e.st, zap.NewNop().Sugar())(http.HandlerFunc(ok))
	assert.Equal(t, http.StatusUnauthorized, serve(h, val, nil).Code)
}

func TestRequireApprovedDeviceNeedsPrincipal(t *testing.T) {
	h := auth.RequireApprovedDevice(&fakeGate{}, "X-Device-ID", zap.NewNop().Sugar())(http.HandlerFunc(ok))
	assert.Equal(t, http.StatusUnauthorized, serve(h, "", map[string]string{"X-Device-ID": "phone"}).Code)
}
