package model

import "time"

// TaskState is the delivery state of a queued task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskLeased  TaskState = "leased"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// QueuedTask is a durable unit of work addressed to a backend target.
type QueuedTask struct {
	ID         uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	Name       string     `json:"name" gorm:"type:varchar(500);not null;uniqueIndex"`
	Target     string     `json:"target" gorm:"type:varchar(255);not null"`
	Payload    []byte     `json:"payload" gorm:"type:blob"`
	State      TaskState  `json:"state" gorm:"type:varchar(16);not null;index:idx_queued_tasks_state_eta,priority:1"`
	ETA        time.Time  `json:"eta" gorm:"column:eta;not null;index:idx_queued_tasks_state_eta,priority:2"`
	Attempts   int        `json:"attempts" gorm:"not null"`
	LeaseUntil *time.Time `json:"lease_until"`
	LastError  string     `json:"last_error" gorm:"type:text"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName specifies the table name for QueuedTask
func (QueuedTask) TableName() string {
	return "queued_tasks"
}
