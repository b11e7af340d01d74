package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/google/googleapps-message-recall/internal/model"
)

// AddErrorRecord appends an audit entry. userEmail may be empty.
func (r *Repository) AddErrorRecord(ctx context.Context, jobID, userEmail, reason string) error {
	rec := model.ErrorRecord{
		JobID:     jobID,
		UserEmail: userEmail,
		Reason:    model.TruncateReason(reason),
		CreatedAt: r.now(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return storeError("add error record", err)
	}
	return nil
}

func (r *Repository) ListErrorRecords(ctx context.Context, jobID string, page, limit int) ([]model.ErrorRecord, int64, error) {
	var (
		records []model.ErrorRecord
		total   int64
	)
	q := r.db.WithContext(ctx).Model(&model.ErrorRecord{}).Where("job_id = ?", jobID).Session(&gorm.Session{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, storeError("count error records", err)
	}
	if err := q.Order("created_at DESC, id DESC").Offset(pageOffset(page, limit)).Limit(limit).Find(&records).Error; err != nil {
		return nil, 0, storeError("list error records", err)
	}
	return records, total, nil
}

func (r *Repository) CountErrorRecords(ctx context.Context, jobID string) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.ErrorRecord{}).Where("job_id = ?", jobID).Count(&total).Error; err != nil {
		return 0, storeError("count error records", err)
	}
	return total, nil
}
