package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"trustgate/internal/models"
	"trustgate/internal/store"
)

type tokenRepo struct {
	db *gorm.DB
}

func (r *tokenRepo) Create(ctx context.Context, t *models.Token) error {
	return translate(r.db.WithContext(ctx).Create(t).Error)
}

func (r *tokenRepo) FindByID(ctx context.Context, id string) (*models.Token, error) {
	var t models.Token
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *tokenRepo) FindByName(ctx context.Context, name string) ([]models.Token, error) {
	var tokens []models.Token
	err := r.db.WithContext(ctx).Where("name = ?", name).Find(&tokens).Error
	return tokens, translate(err)
}

func (r *tokenRepo) DeleteByName(ctx context.Context, userID, name string) (int64, error) {
	res := r.db.WithContext(ctx).Where("user_id = ? AND name = ?", userID, name).Delete(&models.Token{})
	return res.RowsAffected, translate(res.Error)
}

func (r *tokenRepo) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Token{})
	return res.RowsAffected, translate(res.Error)
}

func (r *tokenRepo) CountByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Token{}).Where("user_id = ?", userID).Count(&n).Error
	return n, translate(err)
}

func (r *tokenRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Token{}).Where("id = ?", id).
		UpdateColumn("last_used_at", at)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type auditRepo struct {
	db *gorm.DB
}

func (r *auditRepo) Record(ctx context.Context, entry *models.AuditLog) error {
	return translate(r.db.WithContext(ctx).Create(entry).Error)
}

func (r *auditRepo) Recent(ctx context.Context, limit int) ([]models.AuditLog, error) {
	var logs []models.AuditLog
	err := r.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit).Find(&logs).Error
	return logs, translate(err)
}
