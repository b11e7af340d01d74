package mailapi

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/google/googleapps-message-recall/internal/metrics"
	"github.com/google/googleapps-message-recall/internal/model"
)

// StateStore persists per-user progress.
type StateStore interface {
	SetUserState(ctx context.Context, id uint, state model.UserState) (bool, error)
	SetMessageState(ctx context.Context, id uint, state model.MessageState) error
}

// Recaller runs the full recall sequence for one candidate user and
// mirrors each step into the user's state.
type Recaller struct {
	newSession func() *Session
	store      StateStore
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
}

func NewRecaller(newSession func() *Session, store StateStore, m *metrics.Metrics, log logrus.FieldLogger) *Recaller {
	return &Recaller{newSession: newSession, store: store, metrics: m, log: log}
}

// Recall connects to the user's mailbox, and if criterion is present
// deletes it and verifies its absence. Mail protocol failures are returned
// wrapping ErrMailProtocol; once connected the user ends Done unless ctx
// was cancelled first.
func (r *Recaller) Recall(ctx context.Context, user model.CandidateUser, criterion string) (err error) {
	log := r.log.WithFields(logrus.Fields{"job_id": user.JobID, "user": user.Email})
	session := r.newSession()

	if err := r.setUserState(ctx, user.ID, model.UserRecalling); err != nil {
		return err
	}

	if err := session.Connect(ctx, user.Email); err != nil {
		if dErr := session.Disconnect(); dErr != nil {
			log.Debugf("Disconnect after failed connect: %v", dErr)
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		state := model.UserConnectFailed
		if errors.Is(err, model.ErrImapDisabled) {
			state = model.UserImapDisabled
		}
		if sErr := r.setUserState(ctx, user.ID, state); sErr != nil {
			return sErr
		}
		r.observe(state)
		return err
	}

	defer func() {
		if dErr := session.Disconnect(); dErr != nil {
			log.Warnf("Failed to disconnect cleanly: %v", dErr)
		}
		// An interrupted user stays Recalling so a rerun picks it up.
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
			return
		}
		if sErr := r.setUserState(ctx, user.ID, model.UserDone); sErr != nil && err == nil {
			err = sErr
		}
		r.observe(model.UserDone)
	}()

	found, err := session.MessageExists(ctx, criterion)
	if err != nil {
		return err
	}
	if !found {
		return r.store.SetMessageState(ctx, user.ID, model.MessageNotFound)
	}
	if err := r.store.SetMessageState(ctx, user.ID, model.MessageFound); err != nil {
		return err
	}

	purged, err := session.DeleteMessage(ctx, criterion)
	if err != nil {
		if msErr := r.store.SetMessageState(ctx, user.ID, model.MessageDeleteFailed); msErr != nil {
			log.Errorf("Failed to record delete failure: %v", msErr)
		}
		return err
	}
	if !purged {
		state := model.MessageDeleteFailed
		if session.Moved() > 0 {
			state = model.MessageVerifyFailed
		}
		log.WithField("moved", session.Moved()).Warnf("Message not purged from trash, marking %s", state)
		return r.store.SetMessageState(ctx, user.ID, state)
	}
	if err := r.store.SetMessageState(ctx, user.ID, model.MessagePurged); err != nil {
		return err
	}

	stillThere, err := session.MessageExists(ctx, criterion)
	if err != nil {
		if msErr := r.store.SetMessageState(ctx, user.ID, model.MessageVerifyFailed); msErr != nil {
			log.Errorf("Failed to record verify failure: %v", msErr)
		}
		return err
	}
	if stillThere {
		log.Warn("Message still present after purge")
		return r.store.SetMessageState(ctx, user.ID, model.MessageVerifyFailed)
	}
	if r.metrics != nil {
		r.metrics.MessagesPurged.Inc()
	}
	return r.store.SetMessageState(ctx, user.ID, model.MessageVerifiedPurged)
}

func (r *Recaller) setUserState(ctx context.Context, id uint, state model.UserState) error {
	_, err := r.store.SetUserState(ctx, id, state)
	return err
}

func (r *Recaller) observe(state model.UserState) {
	if r.metrics != nil {
		r.metrics.UsersProcessed.WithLabelValues(string(state)).Inc()
	}
}
