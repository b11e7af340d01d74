// Package taskqueue is a durable work queue stored alongside the job data.
// Tasks are addressed to a target handler, scheduled with a delay, leased to
// one worker at a time and retried with backoff.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/google/googleapps-message-recall/internal/model"
)

// Task is a unit of work to submit.
type Task struct {
	Name    string
	Target  string
	Payload []byte
	Delay   time.Duration
}

// NewTask encodes params as the task payload.
func NewTask(name, target string, params interface{}, delay time.Duration) (Task, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode task %s: %w", name, err)
	}
	return Task{Name: name, Target: target, Payload: payload, Delay: delay}, nil
}

type Config struct {
	MaxPending   int64
	MaxAttempts  int
	RetryBackoff time.Duration
}

type Queue struct {
	db  *gorm.DB
	cfg Config
	log logrus.FieldLogger
	now func() time.Time
}

func New(db *gorm.DB, cfg Config, log logrus.FieldLogger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	return &Queue{db: db, cfg: cfg, log: log, now: time.Now}
}

// Submit stores every task or none. A name already known to the queue
// rejects the whole batch with ErrTaskAlreadyExists.
func (q *Queue) Submit(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tasks))
	now := q.now()
	rows := make([]model.QueuedTask, 0, len(tasks))
	for _, t := range tasks {
		if !ValidName(t.Name) {
			return fmt.Errorf("%w: invalid task name %q", model.ErrQueueSubmission, t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("task %s: %w", t.Name, model.ErrTaskAlreadyExists)
		}
		seen[t.Name] = struct{}{}
		rows = append(rows, model.QueuedTask{
			Name:    t.Name,
			Target:  t.Target,
			Payload: t.Payload,
			State:   model.TaskPending,
			ETA:     now.Add(t.Delay),
		})
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if q.cfg.MaxPending > 0 {
			var pending int64
			if err := tx.Model(&model.QueuedTask{}).Where("state IN ?", []model.TaskState{model.TaskPending, model.TaskLeased}).Count(&pending).Error; err != nil {
				return err
			}
			if pending+int64(len(rows)) > q.cfg.MaxPending {
				return fmt.Errorf("%d tasks outstanding: %w", pending, model.ErrQueueFull)
			}
		}
		return tx.Create(&rows).Error
	})
	switch {
	case err == nil:
		q.log.WithField("tasks", len(rows)).Debug("Submitted tasks")
		return nil
	case errors.Is(err, model.ErrQueueSubmission):
		return err
	case isDuplicate(err):
		return fmt.Errorf("failed to submit %d tasks: %w", len(rows), model.ErrTaskAlreadyExists)
	default:
		return fmt.Errorf("failed to submit %d tasks: %w: %w", len(rows), model.ErrQueueSubmission, err)
	}
}

// Claim leases up to limit due tasks. Tasks whose lease expired are
// claimable again.
func (q *Queue) Claim(ctx context.Context, limit int, lease time.Duration) ([]model.QueuedTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.now()

	var candidates []model.QueuedTask
	err := q.db.WithContext(ctx).
		Where("(state = ? AND eta <= ?) OR (state = ? AND lease_until < ?)",
			model.TaskPending, now, model.TaskLeased, now).
		Order("eta ASC, id ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find due tasks: %w: %w", model.ErrDataStoreUnavailable, err)
	}

	claimed := make([]model.QueuedTask, 0, len(candidates))
	leaseUntil := now.Add(lease)
	for _, c := range candidates {
		res := q.db.WithContext(ctx).Model(&model.QueuedTask{}).
			Where("id = ? AND state = ? AND attempts = ?", c.ID, c.State, c.Attempts).
			Updates(map[string]interface{}{
				"state":       model.TaskLeased,
				"lease_until": leaseUntil,
				"attempts":    gorm.Expr("attempts + 1"),
				"updated_at":  now,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("failed to lease task %s: %w: %w", c.Name, model.ErrDataStoreUnavailable, res.Error)
		}
		if res.RowsAffected != 1 {
			continue
		}
		c.State = model.TaskLeased
		c.LeaseUntil = &leaseUntil
		c.Attempts++
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// Extend pushes the lease of a running task out to now+lease. It reports
// false when the task is no longer held under the given attempt, meaning
// the lease was lost to another claim or the task was settled.
func (q *Queue) Extend(ctx context.Context, task model.QueuedTask, lease time.Duration) (bool, error) {
	res := q.db.WithContext(ctx).Model(&model.QueuedTask{}).
		Where("id = ? AND state = ? AND attempts = ?", task.ID, model.TaskLeased, task.Attempts).
		Updates(map[string]interface{}{
			"lease_until": q.now().Add(lease),
			"updated_at":  q.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to extend lease of task %s: %w: %w", task.Name, model.ErrDataStoreUnavailable, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete marks a leased task as done.
func (q *Queue) Complete(ctx context.Context, id uint) error {
	return q.update(ctx, id, "complete", map[string]interface{}{
		"state":       model.TaskDone,
		"lease_until": nil,
		"updated_at":  q.now(),
	})
}

// Release returns a leased task to the queue without spending an attempt.
func (q *Queue) Release(ctx context.Context, id uint) error {
	now := q.now()
	return q.update(ctx, id, "release", map[string]interface{}{
		"state":       model.TaskPending,
		"eta":         now,
		"lease_until": nil,
		"attempts":    gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END"),
		"updated_at":  now,
	})
}

// Fail records cause and either reschedules the task with linear backoff
// or, once its attempts are spent, parks it as failed. It reports whether
// the task will run again.
func (q *Queue) Fail(ctx context.Context, task model.QueuedTask, cause error) (bool, error) {
	now := q.now()
	reason := ""
	if cause != nil {
		reason = model.TruncateReason(cause.Error())
	}

	if task.Attempts >= q.cfg.MaxAttempts {
		return false, q.update(ctx, task.ID, "fail", map[string]interface{}{
			"state":       model.TaskFailed,
			"last_error":  reason,
			"lease_until": nil,
			"updated_at":  now,
		})
	}
	return true, q.update(ctx, task.ID, "reschedule", map[string]interface{}{
		"state":       model.TaskPending,
		"eta":         now.Add(q.cfg.RetryBackoff * time.Duration(task.Attempts)),
		"last_error":  reason,
		"lease_until": nil,
		"updated_at":  now,
	})
}

// Stats counts tasks per state.
func (q *Queue) Stats(ctx context.Context) (map[model.TaskState]int64, error) {
	type row struct {
		State string
		Total int64
	}
	var rows []row
	err := q.db.WithContext(ctx).Model(&model.QueuedTask{}).
		Select("state, COUNT(*) AS total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w: %w", model.ErrDataStoreUnavailable, err)
	}
	stats := make(map[model.TaskState]int64, len(rows))
	for _, r := range rows {
		stats[model.TaskState(r.State)] = r.Total
	}
	return stats, nil
}

func (q *Queue) update(ctx context.Context, id uint, op string, updates map[string]interface{}) error {
	err := q.db.WithContext(ctx).Model(&model.QueuedTask{}).
		Where("id = ? AND state = ?", id, model.TaskLeased).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to %s task %d: %w: %w", op, id, model.ErrDataStoreUnavailable, err)
	}
	return nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
