package recall

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Queue targets, one per phase.
const (
	TargetRecallMessages     = "/backend/recall_messages"
	TargetRetrieveUsers      = "/backend/retrieve_domain_users"
	TargetRecallUserMessages = "/backend/recall_user_messages"
	TargetWaitForCompletion  = "/backend/wait_for_task_completion"
)

// Targets lists every queue target the Service handles.
var Targets = []string{
	TargetRecallMessages,
	TargetRetrieveUsers,
	TargetRecallUserMessages,
	TargetWaitForCompletion,
}

// bucketAlphabet partitions a domain's users by first character.
const bucketAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Buckets returns the user retrieval partition keys.
func Buckets() []string {
	buckets := make([]string, 0, len(bucketAlphabet))
	for _, c := range bucketAlphabet {
		buckets = append(buckets, string(c))
	}
	return buckets
}

// JobParams identifies the job every phase works on.
type JobParams struct {
	JobID           string `json:"job_id" binding:"required"`
	OwnerEmail      string `json:"owner_email" binding:"required"`
	MessageCriteria string `json:"message_criteria" binding:"required"`
}

func (p JobParams) validate() error {
	if p.JobID == "" || p.OwnerEmail == "" || p.MessageCriteria == "" {
		return errors.New("job_id, owner_email and message_criteria are required")
	}
	return nil
}

// RetrieveParams drives Phase 2 for one bucket.
type RetrieveParams struct {
	JobParams
	Prefix string `json:"user_domain_prefix" binding:"required"`
}

func (p RetrieveParams) validate() error {
	if err := p.JobParams.validate(); err != nil {
		return err
	}
	if p.Prefix == "" {
		return errors.New("user_domain_prefix is required")
	}
	return nil
}

// RecallUserParams drives Phase 3 for one candidate user.
type RecallUserParams struct {
	JobParams
	UserID    uint   `json:"user_id" binding:"required"`
	UserEmail string `json:"user_email"`
}

func (p RecallUserParams) validate() error {
	if err := p.JobParams.validate(); err != nil {
		return err
	}
	if p.UserID == 0 {
		return errors.New("user_id is required")
	}
	return nil
}

// ErrUnknownTarget is returned by Handle for targets it does not serve.
var ErrUnknownTarget = errors.New("unknown task target")

func decode(payload []byte, v interface{ validate() error }) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid task payload: %w", err)
	}
	return v.validate()
}
