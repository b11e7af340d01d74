package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/google/googleapps-message-recall/internal/model"
)

// Repository is the persistence layer for jobs, candidate users and error
// records. Every state write is guarded so late or duplicate writers are
// harmless.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// DB exposes the underlying handle for health checks.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func storeError(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, model.ErrDataStoreUnavailable, err)
}

func pageOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}
