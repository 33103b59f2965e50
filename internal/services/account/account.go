// Package account is the authentication gateway: credential checks, device
// resolution at login and token issuance, plus user management for admins.
package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/auth"
	"trustgate/internal/models"
	"trustgate/internal/notify"
	"trustgate/internal/services/device"
	"trustgate/internal/services/token"
	"trustgate/internal/store"
)

const (
	msgInvalidCredentials = "Invalid credentials."
	minPasswordLength     = 8
)

// LogoutScope selects which tokens Logout deletes.
type LogoutScope string

const (
	LogoutAll    LogoutScope = "all"
	LogoutDevice LogoutScope = "device"
)

func ParseLogoutScope(v string) (LogoutScope, error) {
	switch LogoutScope(strings.ToLower(strings.TrimSpace(v))) {
	case "", LogoutAll:
		return LogoutAll, nil
	case LogoutDevice:
		return LogoutDevice, nil
	}
	return "", fmt.Errorf("unknown logout scope %q", v)
}

type Service struct {
	st       store.Store
	devices  *device.Service
	tokens   *token.Manager
	verifier auth.Verifier
	notifier notify.CredentialNotifier
	lg       *zap.SugaredLogger
	now      func() time.Time
	scope    LogoutScope
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogoutScope(scope LogoutScope) Option {
	return func(s *Service) { s.scope = scope }
}

func WithVerifier(v auth.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

func WithNotifier(n notify.CredentialNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

func NewService(st store.Store, devices *device.Service, tokens *token.Manager, lg *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		st:       st,
		devices:  devices,
		tokens:   tokens,
		verifier: auth.BcryptVerifier{},
		notifier: notify.NewLogNotifier(lg),
		lg:       lg,
		now:      time.Now,
		scope:    LogoutAll,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type LoginInput struct {
	Email            string
	Password         string
	DeviceIdentifier string
	DeviceName       string
	IP               string
}

type LoginResult struct {
	User   *models.User   `json:"user"`
	Device *models.Device `json:"device"`
	Token  *token.Issued  `json:"token"`
}

// Login checks credentials first and only then looks at the device, so a
// failed password never creates or touches a device row.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	u, err := s.st.Users().FindByEmail(ctx, in.Email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.AuthenticationFailed(msgInvalidCredentials)
	}
	if err != nil {
		return nil, s.internal("login", err, "Login failed.", "email", in.Email)
	}
	if !u.IsActive || !s.verifier.Verify(in.Password, u.PasswordHash) {
		s.lg.Infow("login rejected", "user_id", u.ID, "active", u.IsActive)
		return nil, apperr.AuthenticationFailed(msgInvalidCredentials)
	}
	if strings.TrimSpace(in.DeviceIdentifier) == "" {
		return nil, apperr.Validation("Device identifier is required.")
	}

	res, err := s.devices.Resolve(ctx, u.ID, in.DeviceIdentifier, in.DeviceName, in.IP)
	if err != nil {
		return nil, err
	}
	d := res.Device
	if res.Created() {
		return nil, apperr.DeviceNotApproved(device.MsgNewDevice)
	}
	if !d.IsApproved() {
		s.lg.Infow("login from unapproved device", "user_id", u.ID, "device_id", d.ID, "status", d.Status)
		return nil, apperr.DeviceNotApproved(device.LoginMessage(*d))
	}

	now := s.now()
	if err := s.st.Devices().RecordLogin(ctx, d.ID, in.IP, now); err != nil {
		return nil, s.internal("record login", err, "Login failed.", "device_id", d.ID)
	}
	if in.IP != "" {
		d.LastLoginIP = &in.IP
	}
	d.LastLoginAt = &now

	issued, err := s.tokens.Issue(ctx, u, d)
	if err != nil {
		return nil, s.internal("issue token", err, "Login failed.", "user_id", u.ID, "device_id", d.ID)
	}
	s.lg.Infow("login", "user_id", u.ID, "device_id", d.ID)
	return &LoginResult{User: u, Device: d, Token: issued}, nil
}

// Logout deletes the caller's tokens according to the configured scope.
func (s *Service) Logout(ctx context.Context, user models.User, d models.Device) error {
	var err error
	switch s.scope {
	case LogoutDevice:
		err = s.tokens.RevokeForDevice(ctx, &models.Device{ID: d.ID, UserID: user.ID})
	default:
		err = s.tokens.RevokeAll(ctx, user.ID)
	}
	if err != nil {
		return s.internal("logout", err, "Logout failed.", "user_id", user.ID)
	}
	return nil
}

func (s *Service) Details(ctx context.Context, userID string) (*models.User, error) {
	u, err := s.st.Users().FindWithDevices(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.UserNotFound()
	}
	if err != nil {
		return nil, s.internal("user details", err, "Failed to retrieve user details.", "user_id", userID)
	}
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	users, err := s.st.Users().List(ctx)
	if err != nil {
		return nil, s.internal("list users", err, "Failed to retrieve users.")
	}
	return users, nil
}

// SetActive enables or disables a user. Disabling also deletes every token
// the user holds, so existing sessions end immediately.
func (s *Service) SetActive(ctx context.Context, userID string, active bool, admin models.User) error {
	if userID == admin.ID && !active {
		return apperr.Validation("Administrators cannot deactivate themselves.")
	}
	err := s.st.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.Users().LockForUpdate(ctx, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.UserNotFound()
			}
			return fmt.Errorf("lock user: %w", err)
		}
		if err := tx.Users().SetActive(ctx, userID, active); err != nil {
			return fmt.Errorf("set active: %w", err)
		}
		if !active {
			return s.tokens.WithStore(tx).RevokeAll(ctx, userID)
		}
		return nil
	})
	if err != nil {
		return s.internal("set user active", err, "Failed to update user.", "user_id", userID)
	}
	s.lg.Infow("user activation changed", "user_id", userID, "active", active, "admin_id", admin.ID)
	return nil
}

type RegisterInput struct {
	Name  string
	Email string
	Role  string
}

// Register creates an active user with a random initial password. The
// password leaves the process only through the CredentialNotifier.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Name == "" || len(in.Name) > 255 {
		return nil, apperr.Validation("Name is required and must be at most 255 characters.")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil || len(in.Email) > 255 {
		return nil, apperr.Validation("A valid email address is required.")
	}
	if in.Role == "" {
		in.Role = models.RoleUser
	}
	roles, err := s.st.Users().RolesByName(ctx, in.Role)
	if err != nil {
		return nil, s.internal("register user", err, "An error occurred while saving user data.")
	}
	if len(roles) == 0 {
		return nil, apperr.Validation("Unknown role.")
	}

	password := auth.GeneratePassword()
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, s.internal("hash password", err, "An error occurred while saving user data.")
	}
	u := &models.User{Name: in.Name, Email: in.Email, PasswordHash: hash, IsActive: true, Roles: roles}
	if err := s.st.Users().Create(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.lg.Warnw("register user: duplicate email", "email", in.Email, "error", err)
			return nil, apperr.Validation("An error occurred while saving user data.")
		}
		return nil, s.internal("register user", err, "An error occurred while saving user data.", "email", in.Email)
	}
	if err := s.notifier.SendInitialCredential(ctx, u.Name, u.Email, password); err != nil {
		s.lg.Errorw("initial credential not delivered", "user_id", u.ID, "error", err)
	}
	s.lg.Infow("user registered", "user_id", u.ID, "role", in.Role)
	return u, nil
}

func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.st.Users().FindByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.UserNotFound()
	}
	if err != nil {
		return s.internal("change password", err, "Failed to change password.", "user_id", userID)
	}
	if !s.verifier.Verify(current, u.PasswordHash) {
		return apperr.AuthenticationFailed("Current password is incorrect.")
	}
	if len(next) < minPasswordLength {
		return apperr.Validation(fmt.Sprintf("New password must be at least %d characters.", minPasswordLength))
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return s.internal("hash password", err, "Failed to change password.", "user_id", userID)
	}
	if err := s.st.Users().UpdatePassword(ctx, userID, hash); err != nil {
		return s.internal("change password", err, "Failed to change password.", "user_id", userID)
	}
	s.lg.Infow("password changed", "user_id", userID)
	return nil
}

func (s *Service) internal(op string, err error, msg string, kv ...any) error {
	var typed *apperr.Error
	if errors.As(err, &typed) && typed.Kind != apperr.KindInternal {
		return typed
	}
	s.lg.Errorw(op+" failed", append(kv, "error", err)...)
	return apperr.Internal(msg, err)
}
