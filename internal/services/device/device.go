// Package device implements the device trust state machine.
//
// A device starts Pending the first time a user logs in from it and only an
// administrator moves it to Approved, Rejected or Revoked. A user holds at
// most one Approved device: approving or registering another one revokes the
// previous device and its token in the same transaction.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/models"
	"trustgate/internal/services/token"
	"trustgate/internal/store"
)

const (
	ActionApprove    = "DEVICE_APPROVE"
	ActionReject     = "DEVICE_REJECT"
	ActionRevoke     = "DEVICE_REVOKE"
	ActionSupersede  = "DEVICE_SUPERSEDED"
	ActionRegister   = "DEVICE_REGISTER"
	defaultPerPage   = 10
	maxPerPage       = 100
	maxNotesLength   = 255
	maxFieldLength   = 255
	unknownDeviceFmt = "Unknown Device (%s)"
)

// Outcome tells a caller of Resolve whether the device was already known.
type Outcome int

const (
	OutcomeExisting Outcome = iota
	OutcomeCreated
)

type Resolution struct {
	Device  *models.Device
	Outcome Outcome
}

func (r Resolution) Created() bool { return r.Outcome == OutcomeCreated }

type Service struct {
	st     store.Store
	tokens *token.Manager
	lg     *zap.SugaredLogger
	now    func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, tokens *token.Manager, lg *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{st: st, tokens: tokens, lg: lg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Resolve returns the user's device with identifier, creating it as Pending
// on first sight. The created row is persisted even though the caller will
// refuse the login.
func (s *Service) Resolve(ctx context.Context, userID, identifier, name, ip string) (Resolution, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Resolution{}, apperr.Validation("Device identifier is required.")
	}
	d, err := s.st.Devices().FindByIdentifier(ctx, userID, identifier)
	if err == nil {
		return Resolution{Device: d, Outcome: OutcomeExisting}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Resolution{}, s.internal("resolve device", err, "Failed to retrieve device information.", "user_id", userID)
	}

	now := s.now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf(unknownDeviceFmt, now.Format(time.DateTime))
	}
	d = &models.Device{
		UserID:           userID,
		DeviceIdentifier: identifier,
		Name:             name,
		Status:           models.DeviceStatusPending,
		LastLoginIP:      optional(ip),
	}
	if err := s.st.Devices().Create(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent first login from the same device.
			existing, ferr := s.st.Devices().FindByIdentifier(ctx, userID, identifier)
			if ferr == nil {
				return Resolution{Device: existing, Outcome: OutcomeExisting}, nil
			}
			err = ferr
		}
		return Resolution{}, s.internal("register device", err, "Failed to register device.", "user_id", userID)
	}
	s.lg.Infow("new device registered, awaiting approval", "user_id", userID, "device_id", d.ID)
	return Resolution{Device: d, Outcome: OutcomeCreated}, nil
}

// Find is the read-only lookup; it returns nil when the user has no such device.
func (s *Service) Find(ctx context.Context, userID, identifier string) (*models.Device, error) {
	if _, err := s.st.Users().FindByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.UserNotFound()
		}
		return nil, s.internal("find device", err, "Failed to retrieve device information.", "user_id", userID)
	}
	d, err := s.st.Devices().FindByIdentifier(ctx, userID, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.internal("find device", err, "Failed to retrieve device information.", "user_id", userID)
	}
	return d, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]models.Device, error) {
	if _, err := s.st.Users().FindByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.UserNotFound()
		}
		return nil, s.internal("list user devices", err, "Failed to retrieve user devices.", "user_id", userID)
	}
	devices, err := s.st.Devices().ListByUser(ctx, userID)
	if err != nil {
		return nil, s.internal("list user devices", err, "Failed to retrieve user devices.", "user_id", userID)
	}
	return devices, nil
}

type ListParams struct {
	Status  string
	Page    int
	PerPage int
}

type Page struct {
	Items    []models.Device `json:"items"`
	Total    int64           `json:"total"`
	Page     int             `json:"current_page"`
	PerPage  int             `json:"per_page"`
	LastPage int             `json:"last_page"`
}

func (s *Service) List(ctx context.Context, p ListParams) (*Page, error) {
	status := models.DeviceStatus(strings.ToLower(strings.TrimSpace(p.Status)))
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("Invalid device status.")
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = defaultPerPage
	}
	if p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	items, total, err := s.st.Devices().List(ctx, store.DeviceFilter{
		Status: status,
		Offset: (p.Page - 1) * p.PerPage,
		Limit:  p.PerPage,
	})
	if err != nil {
		return nil, s.internal("list devices", err, "Failed to retrieve devices.")
	}
	last := int((total + int64(p.PerPage) - 1) / int64(p.PerPage))
	if last < 1 {
		last = 1
	}
	return &Page{Items: items, Total: total, Page: p.Page, PerPage: p.PerPage, LastPage: last}, nil
}

func (s *Service) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := s.st.Devices().FindDetailed(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.DeviceNotFound()
	}
	if err != nil {
		return nil, s.internal("get device", err, "Failed to retrieve device information.", "device_id", deviceID)
	}
	return d, nil
}

// Approve approves the device and revokes whichever other device of the same
// owner was approved before. Both writes commit together or not at all.
func (s *Service) Approve(ctx context.Context, deviceID string, admin models.User, notes string) (*models.Device, error) {
	if err := checkNotes(notes); err != nil {
		return nil, err
	}
	d, err := s.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	err = s.st.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := s.lockOwner(ctx, tx, d)
		if err != nil {
			return err
		}
		old, err := tx.Devices().FindApprovedExcept(ctx, cur.UserID, cur.ID)
		switch {
		case err == nil:
			reason := "Automatically revoked due to approval of new device: " + cur.Name
			if err := s.supersede(ctx, tx, old, admin, reason); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("find approved device: %w", err)
		}

		now := s.now()
		from := cur.Status
		cur.Status = models.DeviceStatusApproved
		cur.ApprovedBy = &admin.ID
		cur.ApprovedAt = &now
		cur.AdminNotes = orDefault(notes, "Device approved by admin "+admin.Name)
		if err := tx.Devices().Save(ctx, cur); err != nil {
			return fmt.Errorf("save device: %w", err)
		}
		if err := s.audit(ctx, tx, admin, cur, ActionApprove, from); err != nil {
			return err
		}
		d = cur
		return nil
	})
	if err != nil {
		return nil, s.internal("approve device", err, "Failed to approve device.", "device_id", deviceID, "admin_id", admin.ID)
	}
	s.lg.Infow("device approved", "device_id", d.ID, "user_id", d.UserID, "admin_id", admin.ID)
	return d, nil
}

// Reject refuses the device. notes are mandatory and shown to the user on
// their next login attempt.
func (s *Service) Reject(ctx context.Context, deviceID string, admin models.User, notes string) (*models.Device, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, apperr.Validation("Notes are required to reject a device.")
	}
	if err := checkNotes(notes); err != nil {
		return nil, err
	}
	d, err := s.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	err = s.st.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := s.lockOwner(ctx, tx, d)
		if err != nil {
			return err
		}
		d = cur
		now := s.now()
		from := d.Status
		d.Status = models.DeviceStatusRejected
		d.RejectedBy = &admin.ID
		d.RejectedAt = &now
		d.AdminNotes = &notes
		if err := tx.Devices().Save(ctx, d); err != nil {
			return fmt.Errorf("save device: %w", err)
		}
		return s.audit(ctx, tx, admin, d, ActionReject, from)
	})
	if err != nil {
		return nil, s.internal("reject device", err, "Failed to reject device.", "device_id", deviceID, "admin_id", admin.ID)
	}
	s.lg.Infow("device rejected", "device_id", d.ID, "user_id", d.UserID, "admin_id", admin.ID)
	return d, nil
}

// Revoke withdraws access for the device and deletes its token.
func (s *Service) Revoke(ctx context.Context, deviceID string, admin models.User, notes string) (*models.Device, error) {
	if err := checkNotes(notes); err != nil {
		return nil, err
	}
	d, err := s.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	err = s.st.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := s.lockOwner(ctx, tx, d)
		if err != nil {
			return err
		}
		d = cur
		from := d.Status
		d.Status = models.DeviceStatusRevoked
		d.AdminNotes = orDefault(notes, "Device revoked by admin "+admin.Name)
		if err := tx.Devices().Save(ctx, d); err != nil {
			return fmt.Errorf("save device: %w", err)
		}
		if err := s.tokens.WithStore(tx).RevokeForDevice(ctx, d); err != nil {
			return err
		}
		return s.audit(ctx, tx, admin, d, ActionRevoke, from)
	})
	if err != nil {
		return nil, s.internal("revoke device", err, "Failed to revoke device.", "device_id", deviceID, "admin_id", admin.ID)
	}
	s.lg.Infow("device revoked", "device_id", d.ID, "user_id", d.UserID, "admin_id", admin.ID)
	return d, nil
}

type Registration struct {
	UserID     string
	Identifier string
	Name       string
	Notes      string
}

// RegisterByAdmin creates or updates the user's device as Approved, revoking
// the user's other approved device if there is one.
func (s *Service) RegisterByAdmin(ctx context.Context, reg Registration, admin models.User) (*models.Device, error) {
	reg.Identifier = strings.TrimSpace(reg.Identifier)
	reg.Name = strings.TrimSpace(reg.Name)
	switch {
	case reg.UserID == "":
		return nil, apperr.Validation("User ID is required.")
	case reg.Identifier == "" || len(reg.Identifier) > maxFieldLength:
		return nil, apperr.Validation("Device identifier is required and must be at most 255 characters.")
	case reg.Name == "" || len(reg.Name) > maxFieldLength:
		return nil, apperr.Validation("Device name is required and must be at most 255 characters.")
	}
	if err := checkNotes(reg.Notes); err != nil {
		return nil, err
	}

	var result *models.Device
	err := s.st.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.Users().LockForUpdate(ctx, reg.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.UserNotFound()
			}
			return fmt.Errorf("lock user: %w", err)
		}
		existing, err := tx.Devices().FindByIdentifier(ctx, reg.UserID, reg.Identifier)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("find device: %w", err)
		}
		exceptID := ""
		if existing != nil {
			exceptID = existing.ID
		}
		old, err := tx.Devices().FindApprovedExcept(ctx, reg.UserID, exceptID)
		switch {
		case err == nil:
			reason := "Automatically revoked due to registration of new device: " + reg.Name
			if err := s.supersede(ctx, tx, old, admin, reason); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("find approved device: %w", err)
		}

		now := s.now()
		from := models.DeviceStatus("")
		d := existing
		if d == nil {
			d = &models.Device{UserID: reg.UserID, DeviceIdentifier: reg.Identifier}
		} else {
			from = d.Status
		}
		d.Name = reg.Name
		d.Status = models.DeviceStatusApproved
		d.ApprovedBy = &admin.ID
		d.ApprovedAt = &now
		d.AdminNotes = optional(strings.TrimSpace(reg.Notes))
		if existing == nil {
			err = tx.Devices().Create(ctx, d)
		} else {
			err = tx.Devices().Save(ctx, d)
		}
		if err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}
		if err := s.audit(ctx, tx, admin, d, ActionRegister, from); err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, s.internal("register device", err, "Failed to register device.", "user_id", reg.UserID, "admin_id", admin.ID)
	}
	s.lg.Infow("device registered by admin", "device_id", result.ID, "user_id", result.UserID, "admin_id", admin.ID)
	return result, nil
}

func (s *Service) TouchLastUsed(ctx context.Context, d *models.Device) error {
	now := s.now()
	if err := s.st.Devices().TouchLastUsed(ctx, d.ID, now); err != nil {
		return s.internal("touch device", err, "Failed to update device last used timestamp.", "device_id", d.ID)
	}
	d.LastUsedAt = &now
	return nil
}

// Authorize is the per-request check. Unlike Resolve it never creates a device.
func (s *Service) Authorize(ctx context.Context, userID, identifier string) (*models.Device, error) {
	d, err := s.st.Devices().FindByIdentifier(ctx, userID, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.DeviceNotApproved(MsgNotRecognized)
	}
	if err != nil {
		return nil, s.internal("authorize device", err, "Failed to retrieve device information.", "user_id", userID)
	}
	if !d.IsApproved() {
		return nil, apperr.DeviceNotApproved(GateMessage(*d))
	}
	return d, nil
}

// lockOwner locks the device owner and re-reads the device, so a transition
// never writes over a concurrent one.
func (s *Service) lockOwner(ctx context.Context, tx store.Store, d *models.Device) (*models.Device, error) {
	if err := tx.Users().LockForUpdate(ctx, d.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindDeviceNotFound, "Device does not belong to any user.")
		}
		return nil, fmt.Errorf("lock owner: %w", err)
	}
	cur, err := tx.Devices().FindByID(ctx, d.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.DeviceNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("reload device: %w", err)
	}
	return cur, nil
}

// supersede revokes a previously approved device and its token inside tx.
func (s *Service) supersede(ctx context.Context, tx store.Store, old *models.Device, admin models.User, reason string) error {
	now := s.now()
	note := fmt.Sprintf("%s by %s at %s", reason, admin.Name, now.Format(time.DateTime))
	if prev := old.Notes(); prev != "" {
		note = prev + "\n" + note
	}
	from := old.Status
	old.Status = models.DeviceStatusRevoked
	old.AdminNotes = &note
	if err := tx.Devices().Save(ctx, old); err != nil {
		return fmt.Errorf("revoke previous device: %w", err)
	}
	if err := s.tokens.WithStore(tx).RevokeForDevice(ctx, old); err != nil {
		return err
	}
	return s.audit(ctx, tx, admin, old, ActionSupersede, from)
}

func (s *Service) audit(ctx context.Context, tx store.Store, admin models.User, d *models.Device, action string, from models.DeviceStatus) error {
	entry := &models.AuditLog{
		UserID:   &admin.ID,
		DeviceID: &d.ID,
		Action:   action,
		Metadata: models.NewJSONB(map[string]any{
			"owner_id": d.UserID,
			"from":     from,
			"to":       d.Status,
			"notes":    d.Notes(),
		}),
	}
	if err := tx.Audit().Record(ctx, entry); err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := s.st.Devices().FindByID(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.DeviceNotFound()
	}
	if err != nil {
		return nil, s.internal("load device", err, "Failed to retrieve device information.", "device_id", deviceID)
	}
	return d, nil
}

// internal passes typed domain errors through and turns anything else into a
// logged InternalError.
func (s *Service) internal(op string, err error, msg string, kv ...any) error {
	var typed *apperr.Error
	if errors.As(err, &typed) && typed.Kind != apperr.KindInternal {
		return typed
	}
	s.lg.Errorw(op+" failed", append(kv, "error", err)...)
	return apperr.Internal(msg, err)
}

func checkNotes(notes string) error {
	if len(notes) > maxNotesLength {
		return apperr.Validation("Notes must be at most 255 characters.")
	}
	return nil
}

func orDefault(v, def string) *string {
	if v = strings.TrimSpace(v); v == "" {
		v = def
	}
	return &v
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
