// Package recall orchestrates a recall job through its four phases:
// kick-off, user retrieval per bucket, per-user recall and completion
// monitoring. Each phase runs as a queued task and is safe to rerun.
package recall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/google/googleapps-message-recall/internal/directory"
	"github.com/google/googleapps-message-recall/internal/metrics"
	"github.com/google/googleapps-message-recall/internal/model"
	"github.com/google/googleapps-message-recall/internal/repository"
	"github.com/google/googleapps-message-recall/internal/taskqueue"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	CreateJob(ctx context.Context, job *model.RecallJob) error
	GetJob(ctx context.Context, id string) (*model.RecallJob, error)
	GetJobForDomain(ctx context.Context, domain, id string) (*model.RecallJob, error)
	SetJobState(ctx context.Context, id string, state model.JobState) (bool, error)
	FinishJob(ctx context.Context, id string, aborted bool) (bool, error)
	IsJobAborted(ctx context.Context, id string) (bool, error)

	CandidateUserExists(ctx context.Context, jobID, email string) (bool, error)
	CreateCandidateUsers(ctx context.Context, users []model.CandidateUser) (int64, error)
	GetCandidateUser(ctx context.Context, id uint) (*model.CandidateUser, error)
	SetUserState(ctx context.Context, id uint, state model.UserState) (bool, error)
	ListActiveUsers(ctx context.Context, jobID string, afterID uint, limit int) ([]model.CandidateUser, error)
	CountUsers(ctx context.Context, jobID string, filter repository.UserFilter) (int64, error)
	CountTerminalUsers(ctx context.Context, jobID string) (int64, error)

	AddErrorRecord(ctx context.Context, jobID, userEmail, reason string) error
}

// Counter is a named, concurrently incremented total.
type Counter interface {
	Increment(ctx context.Context, name string, delta int64) (int64, error)
	Read(ctx context.Context, name string) (int64, error)
	Sum(ctx context.Context, name string) (int64, error)
}

// Enqueuer submits tasks atomically.
type Enqueuer interface {
	Submit(ctx context.Context, tasks ...taskqueue.Task) error
}

// UserRecaller recalls the message from one user's mailbox.
type UserRecaller interface {
	Recall(ctx context.Context, user model.CandidateUser, criterion string) error
}

type Config struct {
	RateLimitPerSecond int
	UserBatchSize      int
	UserPageSize       int
	DirectoryPageSize  int64
	MonitorInterval    time.Duration
	MonitorMaxInterval time.Duration
	MonitorTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 15
	}
	if c.UserBatchSize <= 0 {
		c.UserBatchSize = 100
	}
	if c.UserPageSize <= 0 {
		c.UserPageSize = 100
	}
	if c.DirectoryPageSize <= 0 {
		c.DirectoryPageSize = directory.MaxPageSize
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.MonitorMaxInterval < c.MonitorInterval {
		c.MonitorMaxInterval = c.MonitorInterval
	}
	if c.MonitorTimeout <= 0 {
		c.MonitorTimeout = 24 * time.Hour
	}
}

// Service runs recall jobs.
type Service struct {
	store       Store
	counters    Counter
	queue       Enqueuer
	directories directory.ClientFactory
	recaller    UserRecaller
	metrics     *metrics.Metrics
	cfg         Config
	log         logrus.FieldLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(store Store, counters Counter, queue Enqueuer, directories directory.ClientFactory,
	recaller UserRecaller, m *metrics.Metrics, cfg Config, log logrus.FieldLogger) *Service {
	cfg.setDefaults()
	return &Service{
		store:       store,
		counters:    counters,
		queue:       queue,
		directories: directories,
		recaller:    recaller,
		metrics:     m,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Counter names for a job.
func RetrievalStartedCounter(jobID string) string { return jobID + "_retrieval_started" }
func RetrievalEndedCounter(jobID string) string   { return jobID + "_retrieval_ended" }
func BackendErrorCounter(jobID string) string     { return jobID + "_recall_error" }

func counterNames(jobID string) []string {
	return []string{RetrievalStartedCounter(jobID), RetrievalEndedCounter(jobID), BackendErrorCounter(jobID)}
}

// taskName names one of a job's tasks by key. The name is the same on
// every submission, so the queue rejects a task that is already queued.
func taskName(p JobParams, key string) string {
	return taskqueue.Name(p.OwnerEmail, key, p.JobID)
}

// submitOnce submits tasks as one batch. If some are already queued it
// falls back to submitting them one at a time, skipping the known names.
// It returns how many tasks were newly queued.
func (s *Service) submitOnce(ctx context.Context, tasks []taskqueue.Task) (int, error) {
	err := s.queue.Submit(ctx, tasks...)
	if err == nil {
		return len(tasks), nil
	}
	if !errors.Is(err, model.ErrTaskAlreadyExists) {
		return 0, err
	}

	queued := 0
	for _, task := range tasks {
		err := s.queue.Submit(ctx, task)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, model.ErrTaskAlreadyExists):
		default:
			return queued, err
		}
	}
	return queued, nil
}

// CreateJob validates the request, stores a new job and queues its
// kick-off task. A job whose kick-off could not be queued is returned
// already failed along with the error.
func (s *Service) CreateJob(ctx context.Context, owner, criterion string) (*model.RecallJob, error) {
	email, domain, err := ParseOwner(owner)
	if err != nil {
		return nil, err
	}
	id, err := NormalizeCriterion(criterion)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &model.RecallJob{
		ID:              uuid.NewString(),
		OwnerEmail:      email,
		MessageCriteria: id,
		Domain:          domain,
		State:           model.JobStarted,
		StartedAt:       now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.JobsCreated.Inc()
	}

	log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "owner": email})
	log.Infof("Created recall job for message %s", id)

	params := JobParams{JobID: job.ID, OwnerEmail: email, MessageCriteria: id}
	task, err := taskqueue.NewTask(taskqueue.Name(email, taskqueue.Timestamp(now)), TargetRecallMessages, params, 0)
	if err == nil {
		err = s.queue.Submit(ctx, task)
	}
	if err != nil {
		return job, s.fail(ctx, job.ID, "Failed to enqueue recall task.", nil, err)
	}
	return job, nil
}

// AbortJob stops a job on behalf of an operator. Running tasks notice on
// their next abort check.
func (s *Service) AbortJob(ctx context.Context, domain, jobID string) error {
	if _, err := s.store.GetJobForDomain(ctx, domain, jobID); err != nil {
		return err
	}
	return s.FailJob(ctx, jobID, "Aborted by operator.", nil)
}

// FailJob records reason against the job, forces it to Done with the
// aborted flag set and, when user is given, moves that user to Aborted.
// It runs to completion even if ctx is already cancelled.
func (s *Service) FailJob(ctx context.Context, jobID, reason string, user *model.CandidateUser) error {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithField("job_id", jobID)

	var errs []error
	email := ""
	if user != nil {
		email = user.Email
	}
	if err := s.store.AddErrorRecord(ctx, jobID, email, reason); err != nil {
		errs = append(errs, err)
	}
	changed, err := s.store.FinishJob(ctx, jobID, true)
	if err != nil {
		errs = append(errs, err)
	}
	if changed && s.metrics != nil {
		s.metrics.JobsFinished.WithLabelValues("aborted").Inc()
	}
	if user != nil {
		if _, err := s.store.SetUserState(ctx, user.ID, model.UserAborted); err != nil {
			errs = append(errs, err)
		}
	}

	log.WithField("user", email).Errorf("Recall job failed: %s", reason)
	return errors.Join(errs...)
}

// fail escalates cause to a job failure and returns cause. Shutdowns are
// passed through untouched so the task reruns later.
func (s *Service) fail(ctx context.Context, jobID, reason string, user *model.CandidateUser, cause error) error {
	if model.IsQuiet(cause) {
		return cause
	}
	if err := s.FailJob(ctx, jobID, reason, user); err != nil {
		s.log.WithField("job_id", jobID).Errorf("Failed to record job failure: %v", err)
	}
	return fmt.Errorf("%s: %w", reason, cause)
}

// Handle decodes payload for target and runs the matching phase.
func (s *Service) Handle(ctx context.Context, target string, payload []byte) error {
	var (
		jobID string
		err   error
	)
	switch target {
	case TargetRecallMessages:
		var p JobParams
		if err := decode(payload, &p); err != nil {
			return err
		}
		jobID, err = p.JobID, s.RecallMessages(ctx, p)
	case TargetRetrieveUsers:
		var p RetrieveParams
		if err := decode(payload, &p); err != nil {
			return err
		}
		jobID, err = p.JobID, s.RetrieveDomainUsers(ctx, p)
	case TargetRecallUserMessages:
		var p RecallUserParams
		if err := decode(payload, &p); err != nil {
			return err
		}
		jobID, err = p.JobID, s.RecallUserMessages(ctx, p)
	case TargetWaitForCompletion:
		var p JobParams
		if err := decode(payload, &p); err != nil {
			return err
		}
		jobID, err = p.JobID, s.WaitForCompletion(ctx, p)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	if err != nil && !model.IsQuiet(err) {
		if _, cErr := s.counters.Increment(context.WithoutCancel(ctx), BackendErrorCounter(jobID), 1); cErr != nil {
			s.log.WithField("job_id", jobID).Warnf("Failed to count backend error: %v", cErr)
		}
	}
	return err
}

// CounterSnapshot reports a job's coordination counters.
func (s *Service) CounterSnapshot(ctx context.Context, jobID string) (map[string]int64, error) {
	names := counterNames(jobID)
	snapshot := make(map[string]int64, len(names))
	for _, name := range names {
		v, err := s.counters.Read(ctx, name)
		if err != nil {
			return nil, err
		}
		snapshot[name] = v
	}
	return snapshot, nil
}
