package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/timmy/exchange1c/internal/domain"
	"gorm.io/gorm"
)

// ImportSessionRepository persists import session rows.
type ImportSessionRepository struct {
	db *gorm.DB
}

// NewImportSessionRepository creates a new ImportSessionRepository.
func NewImportSessionRepository(db *gorm.DB) *ImportSessionRepository {
	return &ImportSessionRepository{db: db}
}

// ImportSessionFilter narrows List results.
type ImportSessionFilter struct {
	SessionKey string
	Status     domain.ImportStatus
	Limit      int
	Offset     int
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// Create inserts a new session. A concurrent active session with the same key
// surfaces as a duplicate key error (see IsDuplicateKey).
func (r *ImportSessionRepository) Create(ctx context.Context, s *domain.ImportSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// GetByID retrieves a session by its ID.
func (r *ImportSessionRepository) GetByID(ctx context.Context, id uint) (*domain.ImportSession, error) {
	var s domain.ImportSession
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindActiveByKey returns the pending or in-progress session for key.
// Returns gorm.ErrRecordNotFound when there is none.
func (r *ImportSessionRepository) FindActiveByKey(ctx context.Context, key string) (*domain.ImportSession, error) {
	var s domain.ImportSession
	err := r.db.WithContext(ctx).
		Where("session_key = ? AND status IN ?", key, domain.ActiveImportStatuses).
		Order("id DESC").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CountActiveByExchange counts the pending or in-progress sessions of one
// protocol session.
func (r *ImportSessionRepository) CountActiveByExchange(ctx context.Context, exchangeID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.ImportSession{}).
		Where("exchange_id = ? AND status IN ?", exchangeID, domain.ActiveImportStatuses).
		Count(&n).Error
	return n, err
}

// ExpireStale marks an in-progress session failed if it is still in progress.
// Returns false when another request already moved it on.
func (r *ImportSessionRepository) ExpireStale(ctx context.Context, id uint, message string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.ImportSession{}).
		Where("id = ? AND status = ?", id, domain.ImportStatusInProgress).
		Updates(map[string]interface{}{
			"status":        domain.ImportStatusFailed,
			"error_message": message,
			"finished_at":   now,
			"updated_at":    now,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkInProgress moves a pending session to in progress.
func (r *ImportSessionRepository) MarkInProgress(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.ImportSession{}).
		Where("id = ? AND status = ?", id, domain.ImportStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.ImportStatusInProgress,
			"updated_at": time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

// Touch bumps updated_at so a long running import is not considered stale.
func (r *ImportSessionRepository) Touch(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&domain.ImportSession{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

// SetJobID stores the task queue handle.
func (r *ImportSessionRepository) SetJobID(ctx context.Context, id uint, jobID string) error {
	return r.db.WithContext(ctx).Model(&domain.ImportSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"job_id": jobID, "updated_at": time.Now()}).Error
}

// AppendReport appends a line to the session report.
func (r *ImportSessionRepository) AppendReport(ctx context.Context, id uint, line string) error {
	return r.db.WithContext(ctx).Model(&domain.ImportSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"report":     gorm.Expr("COALESCE(report, '') || ?", line+"\n"),
			"updated_at": time.Now(),
		}).Error
}

// Complete marks the session completed.
func (r *ImportSessionRepository) Complete(ctx context.Context, id uint, now time.Time) error {
	return r.finish(ctx, id, domain.ImportStatusCompleted, "", now)
}

// Fail marks the session failed with message.
func (r *ImportSessionRepository) Fail(ctx context.Context, id uint, message string, now time.Time) error {
	return r.finish(ctx, id, domain.ImportStatusFailed, message, now)
}

func (r *ImportSessionRepository) finish(ctx context.Context, id uint, status domain.ImportStatus, message string, now time.Time) error {
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": now,
		"updated_at":  now,
	}
	if message != "" {
		updates["error_message"] = message
	}
	return r.db.WithContext(ctx).Model(&domain.ImportSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// List returns sessions matching filter, newest first, with the total count.
func (r *ImportSessionRepository) List(ctx context.Context, filter ImportSessionFilter) ([]domain.ImportSession, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.ImportSession{})
	if filter.SessionKey != "" {
		query = query.Where("session_key = ?", filter.SessionKey)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var sessions []domain.ImportSession
	if err := query.Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&sessions).Error; err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}
