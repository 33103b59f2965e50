// Package token issues and revokes the bearer tokens bound to a (user, device)
// pair. The server keeps one row per live token, named after the pair, so a
// new login on the same device finds and replaces the previous token.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trustgate/internal/auth"
	"trustgate/internal/models"
	"trustgate/internal/store"
)

// Issued is returned once per login. Value is never stored or retrievable later.
type Issued struct {
	Name      string    `json:"name"`
	Value     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Manager struct {
	st     store.Store
	signer *auth.Signer
	lg     *zap.SugaredLogger
}

func NewManager(st store.Store, signer *auth.Signer, lg *zap.SugaredLogger) *Manager {
	return &Manager{st: st, signer: signer, lg: lg}
}

// WithStore returns a Manager whose writes go through st, typically a
// transaction handed out by store.WithinTx.
func (m *Manager) WithStore(st store.Store) *Manager {
	c := *m
	c.st = st
	return &c
}

// Name is the deterministic token name for a (user, device) pair.
func Name(userID, deviceID string) string {
	return fmt.Sprintf("auth_token_user_%s_device_%s", userID, deviceID)
}

// Issue replaces any token for (user, device) with a fresh one.
func (m *Manager) Issue(ctx context.Context, user *models.User, device *models.Device) (*Issued, error) {
	name := Name(user.ID, device.ID)
	var issued *Issued
	err := m.st.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.Users().LockForUpdate(ctx, user.ID); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if _, err := tx.Tokens().DeleteByName(ctx, user.ID, name); err != nil {
			return fmt.Errorf("delete previous token: %w", err)
		}
		jti := uuid.NewString()
		value, exp, err := m.signer.Sign(auth.Claims{
			Subject:  user.ID,
			DeviceID: device.ID,
			JWTID:    jti,
			Roles:    user.RoleNames(),
		})
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		row := &models.Token{ID: jti, Name: name, UserID: user.ID, DeviceID: device.ID, ExpiresAt: exp}
		if err := tx.Tokens().Create(ctx, row); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
		issued = &Issued{Name: name, Value: value, ExpiresAt: exp}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.lg.Debugw("token issued", "user_id", user.ID, "device_id", device.ID, "name", name)
	return issued, nil
}

// RevokeForDevice deletes the token of the device's owner for that device.
// It is a no-op when none exists.
func (m *Manager) RevokeForDevice(ctx context.Context, device *models.Device) error {
	n, err := m.st.Tokens().DeleteByName(ctx, device.UserID, Name(device.UserID, device.ID))
	if err != nil {
		return fmt.Errorf("revoke device token: %w", err)
	}
	if n > 0 {
		m.lg.Infow("device token revoked", "user_id", device.UserID, "device_id", device.ID)
	}
	return nil
}

// RevokeAll deletes every token owned by userID.
func (m *Manager) RevokeAll(ctx context.Context, userID string) error {
	n, err := m.st.Tokens().DeleteByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	m.lg.Infow("user tokens revoked", "user_id", userID, "count", n)
	return nil
}

func (m *Manager) FindByName(ctx context.Context, name string) ([]models.Token, error) {
	return m.st.Tokens().FindByName(ctx, name)
}
