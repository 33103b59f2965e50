package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trustgate/internal/auth"
	"trustgate/internal/config"
	"trustgate/internal/models"
	"trustgate/internal/notify"
	"trustgate/internal/services/device"
	"trustgate/internal/store"
)

// seedAdmin creates the first administrator together with an approved
// device, so the admin can log in and approve everyone else. Once the admin
// exists it only restores the admin device if that is missing.
func seedAdmin(ctx context.Context, st store.Store, devices *device.Service, notifier notify.CredentialNotifier, cfg config.Config, lg *zap.SugaredLogger) error {
	existing, err := st.Users().FindByEmail(ctx, cfg.AdminEmail)
	if err == nil {
		return seedAdminDevice(ctx, st, devices, *existing, cfg, lg)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("find admin: %w", err)
	}

	password := cfg.AdminPassword
	generated := password == ""
	if generated {
		if !cfg.SMTP.Enabled() {
			return errors.New("ADMIN_PASSWORD is required when SMTP is not configured")
		}
		password = auth.GeneratePassword()
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	roles, err := st.Users().RolesByName(ctx, models.RoleAdministrator, models.RoleUser)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	admin := &models.User{Name: "Administrator", Email: cfg.AdminEmail, PasswordHash: hash, IsActive: true, Roles: roles}
	if err := st.Users().Create(ctx, admin); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	if err := seedAdminDevice(ctx, st, devices, *admin, cfg, lg); err != nil {
		return err
	}
	if generated {
		if err := notifier.SendInitialCredential(ctx, admin.Name, admin.Email, password); err != nil {
			lg.Errorw("admin credential not delivered", "error", err)
		}
	}
	lg.Infow("seeded default admin", "email", admin.Email, "device", cfg.AdminDeviceID)
	return nil
}

func seedAdminDevice(ctx context.Context, st store.Store, devices *device.Service, admin models.User, cfg config.Config, lg *zap.SugaredLogger) error {
	_, err := st.Devices().FindByIdentifier(ctx, admin.ID, cfg.AdminDeviceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("find admin device: %w", err)
	}
	if _, err := devices.RegisterByAdmin(ctx, device.Registration{
		UserID:     admin.ID,
		Identifier: cfg.AdminDeviceID,
		Name:       "Admin Console",
		Notes:      "Seeded with the initial administrator",
	}, admin); err != nil {
		return fmt.Errorf("seed admin device: %w", err)
	}
	lg.Infow("seeded admin device", "user_id", admin.ID, "device", cfg.AdminDeviceID)
	return nil
}
