package mailapi

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/googleapps-message-recall/internal/metrics"
	"github.com/google/googleapps-message-recall/internal/model"
	"github.com/google/googleapps-message-recall/internal/testutil"
)

func newTestRecaller(mb *fakeMailbox, tokens *fakeTokens, store *fakeStore) *Recaller {
	newSession := func() *Session { return newTestSession(mb, tokens) }
	return NewRecaller(newSession, store, metrics.NewMetrics(prometheus.NewRegistry()), testutil.NewLogger())
}

func candidate() model.CandidateUser {
	return model.CandidateUser{ID: 7, JobID: "job-1", Email: "user@example.com", UserState: model.UserStarted}
}

func TestRecallVerifiesPurge(t *testing.T) {
	mb := newFakeMailbox()
	mb.put("[Gmail]/All Mail", criterion)
	store := newFakeStore()

	err := newTestRecaller(mb, &fakeTokens{}, store).Recall(context.Background(), candidate(), criterion)
	require.NoError(t, err)

	assert.Equal(t, model.UserDone, store.users[7])
	assert.Equal(t, model.MessageVerifiedPurged, store.messages[7])
	assert.Equal(t, []model.MessageState{model.MessageFound, model.MessagePurged, model.MessageVerifiedPurged}, store.history)
	assert.Equal(t, 1, countOps(mb.ops, "logout"))
}

func TestRecallMessageNotFound(t *testing.T) {
	mb := newFakeMailbox()
	store := newFakeStore()

	err := newTestRecaller(mb, &fakeTokens{}, store).Recall(context.Background(), candidate(), criterion)
	require.NoError(t, err)
	assert.Equal(t, model.UserDone, store.users[7])
	assert.Equal(t, model.MessageNotFound, store.messages[7])
}

func TestRecallMovedButNotInTrashIsVerifyFailed(t *testing.T) {
	mb := newFakeMailbox()
	mb.dropOnMove = true
	mb.put("[Gmail]/All Mail", criterion)
	mb.put("[Gmail]/Spam", criterion)
	store := newFakeStore()

	err := newTestRecaller(mb, &fakeTokens{}, store).Recall(context.Background(), candidate(), criterion)
	require.NoError(t, err)
	assert.Equal(t, model.MessageVerifyFailed, store.messages[7])
	assert.NotContains(t, store.history, model.MessagePurged)
	assert.Equal(t, model.UserDone, store.users[7])
}

func TestRecallConnectFailureLeavesConnectFailed(t *testing.T) {
	mb := newFakeMailbox()
	invalid := errors.New("Invalid credentials (Failure)")
	mb.authErrs = []error{invalid, invalid}
	tokens := &fakeTokens{}
	store := newFakeStore()

	err := newTestRecaller(mb, tokens, store).Recall(context.Background(), candidate(), criterion)
	assert.ErrorIs(t, err, model.ErrMailProtocol)
	assert.Equal(t, model.UserConnectFailed, store.users[7])
	assert.Empty(t, store.history)
	assert.Len(t, tokens.calls, 2)
}

func TestRecallImapDisabled(t *testing.T) {
	mb := newFakeMailbox()
	mb.authErrs = []error{errors.New("IMAP access is disabled for your domain.")}
	store := newFakeStore()

	err := newTestRecaller(mb, &fakeTokens{}, store).Recall(context.Background(), candidate(), criterion)
	assert.ErrorIs(t, err, model.ErrImapDisabled)
	assert.Equal(t, model.UserImapDisabled, store.users[7])
}

func TestRecallStoreFailureIsNotProtocolFailure(t *testing.T) {
	store := newFakeStore()
	store.failWith = model.ErrDataStoreUnavailable

	err := newTestRecaller(newFakeMailbox(), &fakeTokens{}, store).Recall(context.Background(), candidate(), criterion)
	assert.ErrorIs(t, err, model.ErrDataStoreUnavailable)
	assert.NotErrorIs(t, err, model.ErrMailProtocol)
}

func TestRecallInterruptedUserStaysRecalling(t *testing.T) {
	mb := newFakeMailbox()
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	tokens := &cancellingTokens{cancel: cancel}

	err := NewRecaller(func() *Session {
		return NewSession(dialerFor(mb), tokens, Config{}, testutil.NewLogger())
	}, store, nil, testutil.NewLogger()).Recall(ctx, candidate(), criterion)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.UserRecalling, store.users[7])
}

// cancellingTokens cancels the caller's context once a token is issued.
type cancellingTokens struct {
	cancel context.CancelFunc
}

func (c *cancellingTokens) AccessToken(ctx context.Context, email string, forceRefresh bool) (string, error) {
	c.cancel()
	return "token", nil
}
