package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/google/googleapps-message-recall/internal/model"
)

// UserFilter narrows candidate user queries. Empty slices match everything.
type UserFilter struct {
	UserStates    []model.UserState
	MessageStates []model.MessageState
}

func (f UserFilter) apply(q *gorm.DB) *gorm.DB {
	if len(f.UserStates) > 0 {
		q = q.Where("user_state IN ?", f.UserStates)
	}
	if len(f.MessageStates) > 0 {
		q = q.Where("message_state IN ?", f.MessageStates)
	}
	return q
}

func (r *Repository) CandidateUserExists(ctx context.Context, jobID, email string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.CandidateUser{}).
		Where("job_id = ? AND email = ?", jobID, email).
		Count(&count).Error
	if err != nil {
		return false, storeError("look up candidate user", err)
	}
	return count > 0, nil
}

// CreateCandidateUsers stores users in one statement. Rows that already
// exist for the same job and email are skipped; the number of new rows is
// returned.
func (r *Repository) CreateCandidateUsers(ctx context.Context, users []model.CandidateUser) (int64, error) {
	if len(users) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "email"}},
			DoNothing: true,
		}).
		Create(&users)
	if res.Error != nil {
		return 0, storeError("create candidate users", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Repository) GetCandidateUser(ctx context.Context, id uint) (*model.CandidateUser, error) {
	var user model.CandidateUser
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, storeError("get candidate user", err)
	}
	return &user, nil
}

// SetUserState writes state unless the user is already terminal.
func (r *Repository) SetUserState(ctx context.Context, id uint, state model.UserState) (bool, error) {
	updates := map[string]interface{}{"user_state": state}
	if state.IsTerminal() {
		updates["ended_at"] = r.now()
	}
	res := r.db.WithContext(ctx).Model(&model.CandidateUser{}).
		Where("id = ? AND user_state NOT IN ?", id, model.TerminalUserStates).
		Updates(updates)
	if res.Error != nil {
		return false, storeError("set candidate user state", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) SetMessageState(ctx context.Context, id uint, state model.MessageState) error {
	err := r.db.WithContext(ctx).Model(&model.CandidateUser{}).
		Where("id = ?", id).
		Update("message_state", state).Error
	if err != nil {
		return storeError("set candidate message state", err)
	}
	return nil
}

// ListActiveUsers pages through a job's non-terminal users by ascending id.
func (r *Repository) ListActiveUsers(ctx context.Context, jobID string, afterID uint, limit int) ([]model.CandidateUser, error) {
	var users []model.CandidateUser
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND id > ? AND user_state NOT IN ?", jobID, afterID, model.TerminalUserStates).
		Order("id ASC").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, storeError("list active candidate users", err)
	}
	return users, nil
}

func (r *Repository) CountUsers(ctx context.Context, jobID string, filter UserFilter) (int64, error) {
	var count int64
	q := filter.apply(r.db.WithContext(ctx).Model(&model.CandidateUser{}).Where("job_id = ?", jobID)).Session(&gorm.Session{})
	if err := q.Count(&count).Error; err != nil {
		return 0, storeError("count candidate users", err)
	}
	return count, nil
}

func (r *Repository) CountTerminalUsers(ctx context.Context, jobID string) (int64, error) {
	return r.CountUsers(ctx, jobID, UserFilter{UserStates: model.TerminalUserStates})
}

func (r *Repository) ListUsers(ctx context.Context, jobID string, filter UserFilter, page, limit int) ([]model.CandidateUser, int64, error) {
	var (
		users []model.CandidateUser
		total int64
	)
	q := filter.apply(r.db.WithContext(ctx).Model(&model.CandidateUser{}).Where("job_id = ?", jobID)).Session(&gorm.Session{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, storeError("count candidate users", err)
	}
	if err := q.Order("email ASC").Offset(pageOffset(page, limit)).Limit(limit).Find(&users).Error; err != nil {
		return nil, 0, storeError("list candidate users", err)
	}
	return users, total, nil
}

// StateSummary counts a job's users per user state and per message state.
type StateSummary struct {
	UserStates    map[model.UserState]int64    `json:"user_states"`
	MessageStates map[model.MessageState]int64 `json:"message_states"`
}

func (r *Repository) SummarizeUsers(ctx context.Context, jobID string) (*StateSummary, error) {
	type row struct {
		State string
		Total int64
	}
	summary := &StateSummary{
		UserStates:    make(map[model.UserState]int64),
		MessageStates: make(map[model.MessageState]int64),
	}

	var userRows []row
	err := r.db.WithContext(ctx).Model(&model.CandidateUser{}).
		Select("user_state AS state, COUNT(*) AS total").
		Where("job_id = ?", jobID).
		Group("user_state").
		Scan(&userRows).Error
	if err != nil {
		return nil, storeError("summarize user states", err)
	}
	for _, rw := range userRows {
		summary.UserStates[model.UserState(rw.State)] = rw.Total
	}

	var messageRows []row
	err = r.db.WithContext(ctx).Model(&model.CandidateUser{}).
		Select("message_state AS state, COUNT(*) AS total").
		Where("job_id = ?", jobID).
		Group("message_state").
		Scan(&messageRows).Error
	if err != nil {
		return nil, storeError("summarize message states", err)
	}
	for _, rw := range messageRows {
		summary.MessageStates[model.MessageState(rw.State)] = rw.Total
	}
	return summary, nil
}
