package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/google/googleapps-message-recall/internal/model"
)

func (r *Repository) CreateJob(ctx context.Context, job *model.RecallJob) error {
	if job.StartedAt.IsZero() {
		job.StartedAt = r.now()
	}
	if job.State == "" {
		job.State = model.JobStarted
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return storeError("create recall job", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (*model.RecallJob, error) {
	var job model.RecallJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, storeError("get recall job", err)
	}
	return &job, nil
}

// GetJobForDomain fetches a job only if it belongs to domain.
func (r *Repository) GetJobForDomain(ctx context.Context, domain, id string) (*model.RecallJob, error) {
	var job model.RecallJob
	err := r.db.WithContext(ctx).Where("id = ? AND domain = ?", id, domain).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, storeError("get recall job", err)
	}
	return &job, nil
}

// ListJobs returns a domain's jobs, newest first.
func (r *Repository) ListJobs(ctx context.Context, domain string, page, limit int) ([]model.RecallJob, int64, error) {
	var (
		jobs  []model.RecallJob
		total int64
	)
	q := r.db.WithContext(ctx).Model(&model.RecallJob{}).Where("domain = ?", domain).Session(&gorm.Session{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, storeError("count recall jobs", err)
	}
	if err := q.Order("started_at DESC").Offset(pageOffset(page, limit)).Limit(limit).Find(&jobs).Error; err != nil {
		return nil, 0, storeError("list recall jobs", err)
	}
	return jobs, total, nil
}

// SetJobState moves a job forward to state. It reports false without error
// when the job is already at or past state, including the terminal Done.
func (r *Repository) SetJobState(ctx context.Context, id string, state model.JobState) (bool, error) {
	if state == model.JobDone {
		return r.FinishJob(ctx, id, false)
	}
	res := r.db.WithContext(ctx).Model(&model.RecallJob{}).
		Where("id = ? AND state IN ?", id, state.StatesBefore()).
		Updates(map[string]interface{}{"state": state, "updated_at": r.now()})
	if res.Error != nil {
		return false, storeError("set recall job state", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FinishJob moves a job to Done from any other state.
func (r *Repository) FinishJob(ctx context.Context, id string, aborted bool) (bool, error) {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&model.RecallJob{}).
		Where("id = ? AND state <> ?", id, model.JobDone).
		Updates(map[string]interface{}{
			"state":      model.JobDone,
			"aborted":    aborted,
			"ended_at":   now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, storeError("finish recall job", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) IsJobAborted(ctx context.Context, id string) (bool, error) {
	job, err := r.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return job.IsAborted(), nil
}
