package gormstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trustgate/internal/models"
	"trustgate/internal/store"
)

type deviceRepo struct {
	db *gorm.DB
}

func (r *deviceRepo) Create(ctx context.Context, d *models.Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return translate(r.db.WithContext(ctx).Omit(clause.Associations).Create(d).Error)
}

func (r *deviceRepo) Save(ctx context.Context, d *models.Device) error {
	return translate(r.db.WithContext(ctx).Omit(clause.Associations).Save(d).Error)
}

func (r *deviceRepo) FindByID(ctx context.Context, id string) (*models.Device, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	var d models.Device
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *deviceRepo) FindDetailed(ctx context.Context, id string) (*models.Device, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	var d models.Device
	err := r.db.WithContext(ctx).Preload("User").Preload("Approver").First(&d, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *deviceRepo) FindByIdentifier(ctx context.Context, userID, identifier string) (*models.Device, error) {
	var d models.Device
	err := r.db.WithContext(ctx).
		First(&d, "user_id = ? AND device_identifier = ?", userID, identifier).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *deviceRepo) FindApprovedExcept(ctx context.Context, userID, exceptID string) (*models.Device, error) {
	q := r.db.WithContext(ctx).Where("user_id = ? AND status = ?", userID, models.DeviceStatusApproved)
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	var d models.Device
	if err := q.Order("approved_at").First(&d).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *deviceRepo) ListByUser(ctx context.Context, userID string) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&devices).Error
	return devices, translate(err)
}

func (r *deviceRepo) List(ctx context.Context, f store.DeviceFilter) ([]models.Device, int64, error) {
	filtered := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&models.Device{})
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		return q
	}
	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, translate(err)
	}
	var devices []models.Device
	err := filtered().Preload("User").Preload("Approver").
		Order("created_at desc").
		Offset(f.Offset).Limit(f.Limit).
		Find(&devices).Error
	return devices, total, translate(err)
}

func (r *deviceRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).
		UpdateColumn("last_used_at", at)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *deviceRepo) RecordLogin(ctx context.Context, id, ip string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).
		UpdateColumns(map[string]any{"last_login_ip": ip, "last_login_at": at})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *deviceRepo) CountApproved(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Device{}).
		Where("user_id = ? AND status = ?", userID, models.DeviceStatusApproved).
		Count(&n).Error
	return n, translate(err)
}
