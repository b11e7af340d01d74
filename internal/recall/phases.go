package recall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/google/googleapps-message-recall/internal/directory"
	"github.com/google/googleapps-message-recall/internal/model"
	"github.com/google/googleapps-message-recall/internal/repository"
	"github.com/google/googleapps-message-recall/internal/taskqueue"
)

var errMonitorTimeout = errors.New("timed out waiting for users")

func (s *Service) jobLog(p JobParams, phase string) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{"job_id": p.JobID, "owner": p.OwnerEmail, "phase": phase})
}

// RecallMessages is Phase 1. It moves the job to GettingUsers and fans out
// one retrieval task per bucket, spaced by the rate limit.
func (s *Service) RecallMessages(ctx context.Context, p JobParams) error {
	log := s.jobLog(p, "recall_messages")

	aborted, err := s.store.IsJobAborted(ctx, p.JobID)
	if err != nil {
		return s.fail(ctx, p.JobID, "Failed to load recall job.", nil, err)
	}
	if aborted {
		log.Info("Job aborted, not starting user retrieval")
		return model.ErrAbortedByOperator
	}

	changed, err := s.store.SetJobState(ctx, p.JobID, model.JobGettingUsers)
	if err != nil {
		return s.fail(ctx, p.JobID, "Failed to start user retrieval.", nil, err)
	}
	if !changed {
		resume, err := s.inState(ctx, p.JobID, model.JobGettingUsers)
		if err != nil {
			return s.fail(ctx, p.JobID, "Failed to load recall job.", nil, err)
		}
		if !resume {
			log.Info("User retrieval already finished")
			return nil
		}
		log.Info("User retrieval already started, queueing any missing buckets")
	}

	// Seed the aggregates before the buckets race to increment them.
	for _, name := range counterNames(p.JobID) {
		if _, err := s.counters.Read(ctx, name); err != nil {
			return s.fail(ctx, p.JobID, "Failed to initialize job counters.", nil, err)
		}
	}

	buckets := Buckets()
	tasks := make([]taskqueue.Task, 0, len(buckets))
	for i, prefix := range buckets {
		params := RetrieveParams{JobParams: p, Prefix: prefix}
		delay := time.Duration(i) * time.Second / time.Duration(s.cfg.RateLimitPerSecond)
		task, err := taskqueue.NewTask(taskName(p, prefix), TargetRetrieveUsers, params, delay)
		if err != nil {
			return s.fail(ctx, p.JobID, "Failed to build user retrieval tasks.", nil, err)
		}
		tasks = append(tasks, task)
	}
	queued, err := s.submitOnce(ctx, tasks)
	if err != nil {
		return s.fail(ctx, p.JobID, "Failed to enqueue user retrieval tasks.", nil, err)
	}

	log.Infof("Queued %d user retrieval tasks", queued)
	return nil
}

// inState reports whether the job is currently in state.
func (s *Service) inState(ctx context.Context, jobID string, state model.JobState) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.State == state, nil
}

// RetrieveDomainUsers is Phase 2 for one bucket. It stores the bucket's
// users as candidates and, as the last bucket to finish, starts Phase 3.
func (s *Service) RetrieveDomainUsers(ctx context.Context, p RetrieveParams) error {
	log := s.jobLog(p.JobParams, "retrieve_domain_users").WithField("prefix", p.Prefix)

	started := RetrievalStartedCounter(p.JobID)
	if _, err := s.counters.Increment(ctx, started, 1); err != nil {
		return s.fail(ctx, p.JobID, "Failed to count user retrieval start.", nil, err)
	}

	aborted, err := s.store.IsJobAborted(ctx, p.JobID)
	if err != nil {
		s.undoStart(ctx, started, log)
		return s.fail(ctx, p.JobID, "Failed to load recall job.", nil, err)
	}
	if aborted {
		log.Info("Job aborted, skipping user retrieval")
	} else if err := s.retrieveBucket(ctx, p, log); err != nil {
		s.undoStart(ctx, started, log)
		return s.fail(ctx, p.JobID, "Failure retrieving users.", nil, err)
	}

	if _, err := s.counters.Increment(ctx, RetrievalEndedCounter(p.JobID), 1); err != nil {
		return s.fail(ctx, p.JobID, "Failed to count user retrieval end.", nil, err)
	}

	complete, err := s.retrievalComplete(ctx, p.JobID)
	if err != nil {
		return s.fail(ctx, p.JobID, "Failed to check user retrieval progress.", nil, err)
	}
	if !complete {
		return nil
	}
	return s.startRecall(ctx, p.JobParams, log)
}

func (s *Service) undoStart(ctx context.Context, name string, log logrus.FieldLogger) {
	if _, err := s.counters.Increment(context.WithoutCancel(ctx), name, -1); err != nil {
		log.Warnf("Failed to roll back %s: %v", name, err)
	}
}

func (s *Service) retrieveBucket(ctx context.Context, p RetrieveParams, log logrus.FieldLogger) error {
	client, err := s.directories(ctx, p.OwnerEmail)
	if err != nil {
		return err
	}

	var (
		pending        []model.CandidateUser
		queued, stored int
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := s.store.CreateCandidateUsers(ctx, pending); err != nil {
			return err
		}
		stored += len(pending)
		pending = pending[:0]
		return nil
	}

	scanner := directory.NewScanner(client, domainOf(p.OwnerEmail), p.Prefix, s.cfg.DirectoryPageSize, "")
	for scanner.Next(ctx) {
		for _, u := range scanner.Page() {
			exists, err := s.store.CandidateUserExists(ctx, p.JobID, u.Email)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			pending = append(pending, model.NewCandidateUser(p.JobID, u.Email, u.Suspended, s.now().UTC()))
			queued++
			if len(pending) >= s.cfg.UserBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		aborted, err := s.store.IsJobAborted(ctx, p.JobID)
		if err != nil {
			return err
		}
		if aborted {
			log.Info("Job aborted during user retrieval")
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if queued != stored {
		return fmt.Errorf("unexpectedly found %d users not stored", queued-stored)
	}

	log.Infof("Stored %d candidate users", stored)
	return nil
}

func (s *Service) retrievalComplete(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	// A Recalling job is still complete here so that a rerun of the bucket
	// that started recall can finish queueing it.
	if job.State != model.JobGettingUsers && job.State != model.JobRecalling {
		return false, nil
	}
	want := int64(len(bucketAlphabet))
	started, err := s.counters.Sum(ctx, RetrievalStartedCounter(jobID))
	if err != nil {
		return false, err
	}
	ended, err := s.counters.Sum(ctx, RetrievalEndedCounter(jobID))
	if err != nil {
		return false, err
	}
	return started >= want && ended >= want, nil
}

// startRecall moves the job to Recalling and queues one task per
// non-terminal user plus the monitor. Task names are fixed per job and
// user, so callers that lose the state transition or rerun after an
// interrupted submit only add what is missing.
func (s *Service) startRecall(ctx context.Context, p JobParams, log logrus.FieldLogger) error {
	changed, err := s.store.SetJobState(ctx, p.JobID, model.JobRecalling)
	if err != nil {
		return s.fail(ctx, p.JobID, "Failed to start recall.", nil, err)
	}
	if !changed {
		resume, err := s.inState(ctx, p.JobID, model.JobRecalling)
		if err != nil {
			return s.fail(ctx, p.JobID, "Failed to load recall job.", nil, err)
		}
		if !resume {
			return nil
		}
	}

	var afterID uint
	total := 0
	for {
		users, err := s.store.ListActiveUsers(ctx, p.JobID, afterID, s.cfg.UserPageSize)
		if err != nil {
			return s.fail(ctx, p.JobID, "Failed to list candidate users.", nil, err)
		}
		if len(users) == 0 {
			break
		}
		tasks := make([]taskqueue.Task, 0, len(users))
		for _, u := range users {
			params := RecallUserParams{JobParams: p, UserID: u.ID, UserEmail: u.Email}
			task, err := taskqueue.NewTask(taskName(p, u.Email), TargetRecallUserMessages, params, 0)
			if err != nil {
				return s.fail(ctx, p.JobID, "Failed to build user recall tasks.", nil, err)
			}
			tasks = append(tasks, task)
		}
		queued, err := s.submitOnce(ctx, tasks)
		if err != nil {
			return s.fail(ctx, p.JobID, "Failed to enqueue user recall tasks.", nil, err)
		}
		total += queued
		afterID = users[len(users)-1].ID
	}

	monitor, err := taskqueue.NewTask(taskName(p, "wait"), TargetWaitForCompletion, p, s.cfg.MonitorInterval)
	if err == nil {
		_, err = s.submitOnce(ctx, []taskqueue.Task{monitor})
	}
	if err != nil {
		return s.fail(ctx, p.JobID, "Failed to enqueue completion monitor.", nil, err)
	}

	log.Infof("Queued recall for %d users", total)
	return nil
}

// RecallUserMessages is Phase 3 for one user. Mail protocol failures are
// recorded against the job without failing it.
func (s *Service) RecallUserMessages(ctx context.Context, p RecallUserParams) error {
	log := s.jobLog(p.JobParams, "recall_user_messages").WithField("user", p.UserEmail)

	aborted, err := s.store.IsJobAborted(ctx, p.JobID)
	if err != nil {
		return s.fail(ctx, p.JobID, "Failed to load recall job.", nil, err)
	}
	if aborted {
		log.Info("Job aborted, skipping user")
		return model.ErrAbortedByOperator
	}

	user, err := s.store.GetCandidateUser(ctx, p.UserID)
	if err != nil {
		return s.fail(ctx, p.JobID, "Failed to load candidate user.", nil, err)
	}
	if user.UserState.IsTerminal() {
		log.Debugf("User already %s", user.UserState)
		return nil
	}

	err = s.recaller.Recall(ctx, *user, p.MessageCriteria)
	switch {
	case err == nil:
		return nil
	case model.IsShutdown(err):
		return err
	case errors.Is(err, model.ErrMailProtocol):
		log.Warnf("Mailbox recall failed: %v", err)
		if rErr := s.store.AddErrorRecord(context.WithoutCancel(ctx), p.JobID, user.Email, err.Error()); rErr != nil {
			log.Errorf("Failed to record mailbox error: %v", rErr)
		}
		return nil
	default:
		return s.fail(ctx, p.JobID, "Failed to recall messages for user.", user, err)
	}
}

// WaitForCompletion is Phase 4. It polls until every user is terminal and
// then marks the job Done, giving up once the job is older than the
// monitor timeout.
func (s *Service) WaitForCompletion(ctx context.Context, p JobParams) error {
	log := s.jobLog(p, "wait_for_task_completion")
	interval := s.cfg.MonitorInterval

	for {
		job, err := s.store.GetJob(ctx, p.JobID)
		if err != nil {
			return s.fail(ctx, p.JobID, "Failed to load recall job.", nil, err)
		}
		if job.IsAborted() {
			log.Info("Job aborted, stopping monitor")
			return model.ErrAbortedByOperator
		}
		if job.State == model.JobDone {
			return nil
		}

		done, err := s.allUsersTerminal(ctx, p.JobID)
		if err != nil {
			return s.fail(ctx, p.JobID, "Failed to check recall progress.", nil, err)
		}
		if done {
			changed, err := s.store.FinishJob(ctx, p.JobID, false)
			if err != nil {
				return s.fail(ctx, p.JobID, "Failed to finish recall job.", nil, err)
			}
			if changed {
				if s.metrics != nil {
					s.metrics.JobsFinished.WithLabelValues("completed").Inc()
				}
				log.Info("Recall job finished")
			}
			return nil
		}

		if !s.now().Before(job.StartedAt.Add(s.cfg.MonitorTimeout)) {
			return s.fail(ctx, p.JobID, "Timed out waiting for users to finish.", nil, errMonitorTimeout)
		}
		if err := s.sleep(ctx, interval); err != nil {
			return err
		}
		interval *= 2
		if interval > s.cfg.MonitorMaxInterval {
			interval = s.cfg.MonitorMaxInterval
		}
	}
}

func (s *Service) allUsersTerminal(ctx context.Context, jobID string) (bool, error) {
	total, err := s.store.CountUsers(ctx, jobID, repository.UserFilter{})
	if err != nil {
		return false, err
	}
	terminal, err := s.store.CountTerminalUsers(ctx, jobID)
	if err != nil {
		return false, err
	}
	return terminal >= total, nil
}
