package model

import "time"

// UserState tracks recall progress for one mailbox.
type UserState string

const (
	UserStarted       UserState = "Started"
	UserRecalling     UserState = "Recalling"
	UserConnectFailed UserState = "ConnectFailed"
	UserImapDisabled  UserState = "ImapDisabled"
	UserDone          UserState = "Done"
	UserAborted       UserState = "Aborted"
	UserSuspended     UserState = "Suspended"
)

// TerminalUserStates are frozen once reached.
var TerminalUserStates = []UserState{
	UserConnectFailed,
	UserImapDisabled,
	UserDone,
	UserAborted,
	UserSuspended,
}

// AllUserStates lists every user state in lifecycle order.
var AllUserStates = []UserState{
	UserStarted,
	UserRecalling,
	UserConnectFailed,
	UserImapDisabled,
	UserDone,
	UserAborted,
	UserSuspended,
}

// IsTerminal reports whether s is one of TerminalUserStates.
func (s UserState) IsTerminal() bool {
	for _, t := range TerminalUserStates {
		if s == t {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known user state.
func (s UserState) Valid() bool {
	for _, t := range AllUserStates {
		if s == t {
			return true
		}
	}
	return false
}

// MessageState is advisory: writes are last-wins and never frozen.
type MessageState string

const (
	MessageUnknown        MessageState = "Unknown"
	MessageFound          MessageState = "Found"
	MessageNotFound       MessageState = "NotFound"
	MessagePurged         MessageState = "Purged"
	MessageVerifiedPurged MessageState = "VerifiedPurged"
	MessageDeleteFailed   MessageState = "DeleteFailed"
	MessageVerifyFailed   MessageState = "VerifyFailed"
)

// AllMessageStates lists every message state.
var AllMessageStates = []MessageState{
	MessageUnknown,
	MessageFound,
	MessageNotFound,
	MessagePurged,
	MessageVerifiedPurged,
	MessageDeleteFailed,
	MessageVerifyFailed,
}

// Valid reports whether s is a known message state.
func (s MessageState) Valid() bool {
	for _, t := range AllMessageStates {
		if s == t {
			return true
		}
	}
	return false
}

// CandidateUser is one mailbox considered for a job. It references the job
// by id only so per-user writes never touch the job row.
type CandidateUser struct {
	ID           uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	JobID        string       `json:"job_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_candidate_users_job_email,priority:1;index:idx_candidate_users_job_state,priority:1"`
	Email        string       `json:"email" gorm:"type:varchar(255);not null;uniqueIndex:idx_candidate_users_job_email,priority:2"`
	UserState    UserState    `json:"user_state" gorm:"type:varchar(32);not null;index:idx_candidate_users_job_state,priority:2"`
	MessageState MessageState `json:"message_state" gorm:"type:varchar(32);not null"`
	StartedAt    time.Time    `json:"started_at" gorm:"not null"`
	EndedAt      *time.Time   `json:"ended_at"`
}

// TableName specifies the table name for CandidateUser
func (CandidateUser) TableName() string {
	return "candidate_users"
}

// NewCandidateUser builds the record for a directory entry. Suspended
// accounts start terminal so later phases skip them.
func NewCandidateUser(jobID, email string, suspended bool, now time.Time) CandidateUser {
	u := CandidateUser{
		JobID:        jobID,
		Email:        email,
		UserState:    UserStarted,
		MessageState: MessageUnknown,
		StartedAt:    now,
	}
	if suspended {
		u.UserState = UserSuspended
		u.EndedAt = &now
	}
	return u
}
