// Package store defines the persistence contracts used by the services.
// gormstore backs them with PostgreSQL; memstore keeps everything in process
// and is what the service tests run against.
package store

import (
	"context"
	"errors"
	"time"

	"trustgate/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store groups the repositories. A Store handed to the WithinTx callback is
// bound to that transaction.
type Store interface {
	Users() UserRepository
	Devices() DeviceRepository
	Tokens() TokenRepository
	Audit() AuditRepository

	// WithinTx runs fn in one transaction. Returning an error rolls back every
	// write made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

type UserRepository interface {
	Create(ctx context.Context, u *models.User) error
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	// FindWithDevices loads the user together with roles and devices.
	FindWithDevices(ctx context.Context, id string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
	UpdatePassword(ctx context.Context, id, hash string) error
	SetActive(ctx context.Context, id string, active bool) error
	// LockForUpdate takes a row lock on the user until the surrounding
	// transaction ends. Device-set changes for one user serialize on it.
	LockForUpdate(ctx context.Context, id string) error
	RolesByName(ctx context.Context, names ...string) ([]models.Role, error)
}

type DeviceFilter struct {
	Status models.DeviceStatus
	Offset int
	Limit  int
}

type DeviceRepository interface {
	Create(ctx context.Context, d *models.Device) error
	Save(ctx context.Context, d *models.Device) error
	FindByID(ctx context.Context, id string) (*models.Device, error)
	// FindDetailed loads the device with its owner and approver.
	FindDetailed(ctx context.Context, id string) (*models.Device, error)
	FindByIdentifier(ctx context.Context, userID, identifier string) (*models.Device, error)
	// FindApprovedExcept returns the user's approved device other than
	// exceptID, or ErrNotFound.
	FindApprovedExcept(ctx context.Context, userID, exceptID string) (*models.Device, error)
	ListByUser(ctx context.Context, userID string) ([]models.Device, error)
	List(ctx context.Context, f DeviceFilter) ([]models.Device, int64, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	// RecordLogin updates only the last-login columns.
	RecordLogin(ctx context.Context, id, ip string, at time.Time) error
	CountApproved(ctx context.Context, userID string) (int64, error)
}

type TokenRepository interface {
	Create(ctx context.Context, t *models.Token) error
	FindByID(ctx context.Context, id string) (*models.Token, error)
	FindByName(ctx context.Context, name string) ([]models.Token, error)
	DeleteByName(ctx context.Context, userID, name string) (int64, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

type AuditRepository interface {
	Record(ctx context.Context, entry *models.AuditLog) error
	Recent(ctx context.Context, limit int) ([]models.AuditLog, error)
}
