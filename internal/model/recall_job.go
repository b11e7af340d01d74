package model

import "time"

// JobState is the lifecycle state of a RecallJob.
type JobState string

const (
	JobStarted      JobState = "Started"
	JobGettingUsers JobState = "GettingUsers"
	JobRecalling    JobState = "Recalling"
	JobDone         JobState = "Done"
)

var jobStateRank = map[JobState]int{
	JobStarted:      0,
	JobGettingUsers: 1,
	JobRecalling:    2,
	JobDone:         3,
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	_, ok := jobStateRank[s]
	return ok
}

// StatesBefore returns every state that may still move forward to s.
func (s JobState) StatesBefore() []JobState {
	rank, ok := jobStateRank[s]
	if !ok {
		return nil
	}
	var states []JobState
	for _, candidate := range []JobState{JobStarted, JobGettingUsers, JobRecalling} {
		if jobStateRank[candidate] < rank {
			states = append(states, candidate)
		}
	}
	return states
}

// RecallJob is one user-initiated request to purge a message from every
// mailbox in a domain.
type RecallJob struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerEmail      string     `json:"owner_email" gorm:"type:varchar(255);not null;index"`
	MessageCriteria string     `json:"message_criteria" gorm:"type:varchar(100);not null"`
	Domain          string     `json:"domain" gorm:"type:varchar(255);not null;index:idx_recall_jobs_domain_started,priority:1"`
	State           JobState   `json:"state" gorm:"type:varchar(32);not null"`
	Aborted         bool       `json:"aborted" gorm:"not null"`
	StartedAt       time.Time  `json:"started_at" gorm:"not null;index:idx_recall_jobs_domain_started,priority:2"`
	EndedAt         *time.Time `json:"ended_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName specifies the table name for RecallJob
func (RecallJob) TableName() string {
	return "recall_jobs"
}

// IsAborted reports whether the job was force-terminated.
func (j *RecallJob) IsAborted() bool {
	return j.State == JobDone && j.Aborted
}
