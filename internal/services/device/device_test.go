package device_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/auth"
	"trustgate/internal/models"
	"trustgate/internal/services/device"
	"trustgate/internal/services/token"
	"trustgate/internal/store/memstore"
)

var clock = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	st     *memstore.Store
	tokens *token.Manager
	svc    *device.Service
	admin  models.User
}

func newFixture(t *testing.T, opts ...memstore.Option) *fixture {
	t.Helper()
	lg := zap.NewNop().Sugar()
	st := memstore.New(opts...)
	signer := auth.NewSigner("device-test-secret-0123456789abcdef", time.Hour)
	tokens := token.NewManager(st, signer, lg)
	f := &fixture{
		ctx:    context.Background(),
		st:     st,
		tokens: tokens,
		svc:    device.NewService(st, tokens, lg, device.WithClock(func() time.Time { return clock })),
	}
	f.admin = f.user(t, "Admin", models.RoleAdministrator)
	return f
}

func (f *fixture) user(t *testing.T, name, role string) models.User {
	t.Helper()
	roles, err := f.st.Users().RolesByName(f.ctx, role)
	require.NoError(t, err)
	u := &models.User{Name: name, Email: name + "@example.com", PasswordHash: "x", IsActive: true, Roles: roles}
	require.NoError(t, f.st.Users().Create(f.ctx, u))
	return *u
}

func (f *fixture) pending(t *testing.T, userID, identifier string) *models.Device {
	t.Helper()
	res, err := f.svc.Resolve(f.ctx, userID, identifier, identifier, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Created())
	return res.Device
}

func (f *fixture) approved(t *testing.T, u models.User, identifier string) *models.Device {
	t.Helper()
	d := f.pending(t, u.ID, identifier)
	d, err := f.svc.Approve(f.ctx, d.ID, f.admin, "")
	require.NoError(t, err)
	return d
}

func (f *fixture) reload(t *testing.T, id string) *models.Device {
	t.Helper()
	d, err := f.st.Devices().FindByID(f.ctx, id)
	require.NoError(t, err)
	return d
}

func (f *fixture) approvedCount(t *testing.T, userID string) int64 {
	t.Helper()
	n, err := f.st.Devices().CountApproved(f.ctx, userID)
	require.NoError(t, err)
	return n
}

func TestResolveCreatesPendingThenReturnsExisting(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)

	first, err := f.svc.Resolve(f.ctx, u.ID, "phone-1", "", "192.0.2.7")
	require.NoError(t, err)
	assert.Equal(t, device.OutcomeCreated, first.Outcome)
	assert.Equal(t, models.DeviceStatusPending, first.Device.Status)
	assert.Equal(t, "Unknown Device (2024-05-01 09:30:00)", first.Device.Name)
	require.NotNil(t, first.Device.LastLoginIP)
	assert.Equal(t, "192.0.2.7", *first.Device.LastLoginIP)

	second, err := f.svc.Resolve(f.ctx, u.ID, "phone-1", "Other name", "192.0.2.8")
	require.NoError(t, err)
	assert.Equal(t, device.OutcomeExisting, second.Outcome)
	assert.Equal(t, first.Device.ID, second.Device.ID)
	assert.Equal(t, first.Device.Name, second.Device.Name)
}

func TestResolveRequiresIdentifier(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)

	_, err := f.svc.Resolve(f.ctx, u.ID, "  ", "", "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestIdentifiersAreScopedPerUser(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", models.RoleUser)
	bob := f.user(t, "bob", models.RoleUser)

	a := f.pending(t, alice.ID, "shared")
	b := f.pending(t, bob.ID, "shared")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestFind(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.pending(t, u.ID, "phone-1")

	got, err := f.svc.Find(f.ctx, u.ID, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	got, err = f.svc.Find(f.ctx, u.ID, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = f.svc.Find(f.ctx, "no-such-user", "phone-1")
	assert.True(t, errors.Is(err, apperr.ErrUserNotFound))
}

func TestApprovePendingDevice(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.pending(t, u.ID, "d1")

	got, err := f.svc.Approve(f.ctx, d.ID, f.admin, "ok")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusApproved, got.Status)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, f.admin.ID, *got.ApprovedBy)
	assert.Equal(t, "ok", got.Notes())
	require.NotNil(t, got.ApprovedAt)
	assert.Equal(t, clock, *got.ApprovedAt)

	stored := f.reload(t, d.ID)
	assert.Equal(t, models.DeviceStatusApproved, stored.Status)
	assert.Equal(t, "ok", stored.Notes())
}

func TestApproveDefaultsNotes(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.pending(t, u.ID, "d1")

	got, err := f.svc.Approve(f.ctx, d.ID, f.admin, "  ")
	require.NoError(t, err)
	assert.Equal(t, "Device approved by admin Admin", got.Notes())
}

func TestApproveUnknownDevice(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Approve(f.ctx, "missing", f.admin, "")
	assert.True(t, errors.Is(err, apperr.ErrDeviceNotFound))
}

func TestApproveSupersedesPreviousDevice(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d1 := f.approved(t, u, "d1")
	_, err := f.tokens.Issue(f.ctx, &u, d1)
	require.NoError(t, err)
	d2 := f.pending(t, u.ID, "d2")

	_, err = f.svc.Approve(f.ctx, d2.ID, f.admin, "")
	require.NoError(t, err)

	old := f.reload(t, d1.ID)
	assert.Equal(t, models.DeviceStatusRevoked, old.Status)
	assert.Contains(t, old.Notes(), "Automatically revoked due to approval of new device: d2 by Admin at 2024-05-01 09:30:00")
	assert.Equal(t, models.DeviceStatusApproved, f.reload(t, d2.ID).Status)

	left, err := f.tokens.FindByName(f.ctx, token.Name(u.ID, d1.ID))
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.EqualValues(t, 1, f.approvedCount(t, u.ID))
}

func TestApproveAlreadyApprovedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.approved(t, u, "d1")

	got, err := f.svc.Approve(f.ctx, d.ID, f.admin, "again")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusApproved, got.Status)
	assert.EqualValues(t, 1, f.approvedCount(t, u.ID))
}

func TestApproveRollsBackWhenTokenDeletionFails(t *testing.T) {
	var armed atomic.Bool
	f := newFixture(t, memstore.WithFault(func(op string) error {
		if armed.Load() && op == "tokens.delete" {
			return errors.New("boom")
		}
		return nil
	}))
	u := f.user(t, "alice", models.RoleUser)
	d1 := f.approved(t, u, "d1")
	_, err := f.tokens.Issue(f.ctx, &u, d1)
	require.NoError(t, err)
	d2 := f.pending(t, u.ID, "d2")

	armed.Store(true)
	_, err = f.svc.Approve(f.ctx, d2.ID, f.admin, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Equal(t, "Failed to approve device.", apperr.Message(err))

	assert.Equal(t, models.DeviceStatusApproved, f.reload(t, d1.ID).Status)
	assert.Equal(t, models.DeviceStatusPending, f.reload(t, d2.ID).Status)
	left, err := f.tokens.FindByName(f.ctx, token.Name(u.ID, d1.ID))
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestConcurrentApprovalsLeaveOneApproved(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, f.pending(t, u.ID, fmt.Sprintf("d%d", i)).ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.Approve(f.ctx, id, f.admin, "")
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.EqualValues(t, 1, f.approvedCount(t, u.ID))
	devices, err := f.svc.ListForUser(f.ctx, u.ID)
	require.NoError(t, err)
	revoked := 0
	for _, d := range devices {
		if d.Status == models.DeviceStatusRevoked {
			revoked++
		}
	}
	assert.Equal(t, len(ids)-1, revoked)
}

func TestRejectRequiresNotes(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.pending(t, u.ID, "d1")

	_, err := f.svc.Reject(f.ctx, d.ID, f.admin, " ")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, models.DeviceStatusPending, f.reload(t, d.ID).Status)

	got, err := f.svc.Reject(f.ctx, d.ID, f.admin, "unknown hardware")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusRejected, got.Status)
	require.NotNil(t, got.RejectedBy)
	assert.Equal(t, f.admin.ID, *got.RejectedBy)
	assert.Equal(t, "unknown hardware", got.Notes())
}

func TestRejectNotesTooLong(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.pending(t, u.ID, "d1")

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}
	_, err := f.svc.Reject(f.ctx, d.ID, f.admin, string(long))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRevokeDeletesToken(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.approved(t, u, "d1")
	_, err := f.tokens.Issue(f.ctx, &u, d)
	require.NoError(t, err)

	got, err := f.svc.Revoke(f.ctx, d.ID, f.admin, "")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusRevoked, got.Status)
	assert.Equal(t, "Device revoked by admin Admin", got.Notes())

	left, err := f.tokens.FindByName(f.ctx, token.Name(u.ID, d.ID))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRegisterByAdminSupersedesApproved(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d1 := f.approved(t, u, "d1")

	d2, err := f.svc.RegisterByAdmin(f.ctx, device.Registration{UserID: u.ID, Identifier: "d2", Name: "Laptop"}, f.admin)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusApproved, d2.Status)
	assert.Equal(t, models.DeviceStatusRevoked, f.reload(t, d1.ID).Status)
	assert.EqualValues(t, 1, f.approvedCount(t, u.ID))
}

func TestRegisterByAdminUpdatesExistingDevice(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.pending(t, u.ID, "d1")

	got, err := f.svc.RegisterByAdmin(f.ctx, device.Registration{UserID: u.ID, Identifier: "d1", Name: "Work phone", Notes: "issued"}, f.admin)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "Work phone", got.Name)
	assert.Equal(t, models.DeviceStatusApproved, got.Status)
	assert.Equal(t, "issued", got.Notes())
}

func TestRegisterByAdminValidation(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)

	_, err := f.svc.RegisterByAdmin(f.ctx, device.Registration{UserID: u.ID, Name: "Laptop"}, f.admin)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.RegisterByAdmin(f.ctx, device.Registration{UserID: "missing", Identifier: "d1", Name: "Laptop"}, f.admin)
	assert.True(t, errors.Is(err, apperr.ErrUserNotFound))
}

func TestSequencesKeepSingleApproved(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d1 := f.pending(t, u.ID, "d1")
	d2 := f.pending(t, u.ID, "d2")

	steps := []func() error{
		func() error { _, err := f.svc.Approve(f.ctx, d1.ID, f.admin, ""); return err },
		func() error { _, err := f.svc.Approve(f.ctx, d2.ID, f.admin, ""); return err },
		func() error {
			_, err := f.svc.RegisterByAdmin(f.ctx, device.Registration{UserID: u.ID, Identifier: "d3", Name: "d3"}, f.admin)
			return err
		},
		func() error { _, err := f.svc.Revoke(f.ctx, d2.ID, f.admin, ""); return err },
		func() error { _, err := f.svc.Approve(f.ctx, d1.ID, f.admin, ""); return err },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		assert.LessOrEqual(t, f.approvedCount(t, u.ID), int64(1), "after step %d", i)
	}
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	approved := f.approved(t, u, "ok")
	pending := f.pending(t, u.ID, "waiting")

	got, err := f.svc.Authorize(f.ctx, u.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, approved.ID, got.ID)

	_, err = f.svc.Authorize(f.ctx, u.ID, "waiting")
	assert.Equal(t, apperr.KindDeviceNotApproved, apperr.KindOf(err))
	assert.Equal(t, "This device is pending admin approval.", apperr.Message(err))

	_, err = f.svc.Authorize(f.ctx, u.ID, "never-seen")
	assert.Equal(t, "This device is not recognized for your account.", apperr.Message(err))

	_, err = f.svc.Reject(f.ctx, pending.ID, f.admin, "no")
	require.NoError(t, err)
	_, err = f.svc.Authorize(f.ctx, u.ID, "waiting")
	assert.Equal(t, "Approval for this device has been rejected.", apperr.Message(err))

	devices, err := f.svc.ListForUser(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestTouchLastUsed(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.approved(t, u, "d1")

	require.NoError(t, f.svc.TouchLastUsed(f.ctx, d))
	require.NotNil(t, f.reload(t, d.ID).LastUsedAt)
	assert.Equal(t, clock, *f.reload(t, d.ID).LastUsedAt)
}

func TestListPaginatesAndFilters(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	for i := 0; i < 12; i++ {
		f.pending(t, u.ID, fmt.Sprintf("d%02d", i))
	}
	f.approved(t, u, "approved")

	page, err := f.svc.List(f.ctx, device.ListParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 13, page.Total)
	assert.Len(t, page.Items, 10)
	assert.Equal(t, 2, page.LastPage)
	assert.Equal(t, "approved", page.Items[0].DeviceIdentifier)
	require.NotNil(t, page.Items[0].User)
	assert.Equal(t, u.ID, page.Items[0].User.ID)

	page, err = f.svc.List(f.ctx, device.ListParams{Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)

	page, err = f.svc.List(f.ctx, device.ListParams{Status: "approved", PerPage: 500})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, 100, page.PerPage)

	_, err = f.svc.List(f.ctx, device.ListParams{Status: "bogus"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d := f.approved(t, u, "d1")

	got, err := f.svc.Get(f.ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Approver)
	assert.Equal(t, f.admin.ID, got.Approver.ID)

	_, err = f.svc.Get(f.ctx, "missing")
	assert.Equal(t, apperr.KindDeviceNotFound, apperr.KindOf(err))
}

func TestTransitionsAreAudited(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice", models.RoleUser)
	d1 := f.approved(t, u, "d1")
	d2 := f.pending(t, u.ID, "d2")
	_, err := f.svc.Approve(f.ctx, d2.ID, f.admin, "")
	require.NoError(t, err)

	logs, err := f.st.Audit().Recent(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, device.ActionApprove, logs[0].Action)
	assert.Equal(t, device.ActionSupersede, logs[1].Action)
	assert.Equal(t, d1.ID, *logs[1].DeviceID)
	assert.Equal(t, device.ActionApprove, logs[2].Action)
}
