package model

import (
	"time"
	"unicode/utf8"
)

// MaxReasonLength bounds ErrorRecord.Reason.
const MaxReasonLength = 500

// ErrorRecord is an append-only audit entry for a job.
type ErrorRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	JobID     string    `json:"job_id" gorm:"type:varchar(36);not null;index:idx_error_records_job_created,priority:1"`
	UserEmail string    `json:"user_email,omitempty" gorm:"type:varchar(255)"`
	Reason    string    `json:"reason" gorm:"type:varchar(500);not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_error_records_job_created,priority:2"`
}

// TableName specifies the table name for ErrorRecord
func (ErrorRecord) TableName() string {
	return "error_records"
}

// TruncateReason cuts reason to MaxReasonLength runes.
func TruncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= MaxReasonLength {
		return reason
	}
	return string([]rune(reason)[:MaxReasonLength])
}
