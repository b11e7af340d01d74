package mailapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/googleapps-message-recall/internal/model"
	"github.com/google/googleapps-message-recall/internal/testutil"
)

const criterion = "abc123@mail.example.com"

func newTestSession(mb *fakeMailbox, tokens *fakeTokens) *Session {
	return NewSession(dialerFor(mb), tokens, Config{}, testutil.NewLogger())
}

func TestXOAuth2InitialResponse(t *testing.T) {
	mech, ir, err := NewXOAuth2Client("user@example.com", "tok").Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer tok\x01\x01", string(ir))
}

func TestConnectSucceedsWithCachedToken(t *testing.T) {
	mb := newFakeMailbox()
	tokens := &fakeTokens{}
	s := newTestSession(mb, tokens)

	require.NoError(t, s.Connect(context.Background(), "user@example.com"))
	assert.Equal(t, []tokenCall{{"user@example.com", false}}, tokens.calls)
}

func TestConnectRetriesOnceWithForcedRefresh(t *testing.T) {
	mb := newFakeMailbox()
	mb.authErrs = []error{
		errors.New("[AUTHENTICATIONFAILED] Invalid credentials (Failure)"),
		errors.New("[AUTHENTICATIONFAILED] Invalid credentials (Failure)"),
		nil,
	}
	tokens := &fakeTokens{}
	s := newTestSession(mb, tokens)

	err := s.Connect(context.Background(), "user@example.com")
	assert.ErrorIs(t, err, model.ErrConnectFailed)
	assert.ErrorIs(t, err, model.ErrMailProtocol)
	assert.Equal(t, 2, mb.authCalls)
	assert.Equal(t, []tokenCall{{"user@example.com", false}, {"user@example.com", true}}, tokens.calls)
}

func TestConnectRecoversAfterRefresh(t *testing.T) {
	mb := newFakeMailbox()
	mb.authErrs = []error{errors.New("Invalid credentials (Failure)")}
	s := newTestSession(mb, &fakeTokens{})

	require.NoError(t, s.Connect(context.Background(), "user@example.com"))
	assert.Equal(t, 2, mb.authCalls)
}

func TestConnectDistinguishesImapDisabled(t *testing.T) {
	mb := newFakeMailbox()
	mb.authErrs = []error{errors.New("IMAP access is disabled for your domain.")}
	tokens := &fakeTokens{}
	s := newTestSession(mb, tokens)

	err := s.Connect(context.Background(), "user@example.com")
	assert.ErrorIs(t, err, model.ErrImapDisabled)
	assert.NotErrorIs(t, err, model.ErrConnectFailed)
	assert.Len(t, tokens.calls, 1, "disabled IMAP is not retried")
}

func TestConnectOtherFailureIsNotRetried(t *testing.T) {
	mb := newFakeMailbox()
	mb.authErrs = []error{errors.New("server unavailable")}
	s := newTestSession(mb, &fakeTokens{})

	err := s.Connect(context.Background(), "user@example.com")
	assert.ErrorIs(t, err, model.ErrConnectFailed)
	assert.Equal(t, 1, mb.authCalls)
}

func TestConnectDialFailure(t *testing.T) {
	s := NewSession(failingDialer, &fakeTokens{}, Config{}, testutil.NewLogger())
	err := s.Connect(context.Background(), "user@example.com")
	assert.ErrorIs(t, err, model.ErrConnectFailed)
	assert.NoError(t, s.Disconnect())
}

func TestMessageExistsSearchesSpam(t *testing.T) {
	mb := newFakeMailbox()
	mb.put("[Gmail]/Spam", criterion)
	mb.put("[Gmail]/All Mail", "other@mail.example.com")
	s := newTestSession(mb, &fakeTokens{})
	require.NoError(t, s.Connect(context.Background(), "user@example.com"))

	found, err := s.MessageExists(context.Background(), criterion)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.MessageExists(context.Background(), "missing@mail.example.com")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteMessagePurgesFromTrash(t *testing.T) {
	mb := newFakeMailbox()
	mb.put("[Gmail]/All Mail", criterion)
	mb.put("[Gmail]/All Mail", criterion)
	mb.put("[Gmail]/Spam", criterion)
	s := newTestSession(mb, &fakeTokens{})
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "user@example.com"))

	found, err := s.MessageExists(ctx, criterion)
	require.NoError(t, err)
	require.True(t, found)

	purged, err := s.DeleteMessage(ctx, criterion)
	require.NoError(t, err)
	assert.True(t, purged)
	assert.Equal(t, 3, s.Moved())
	assert.Empty(t, mb.labels[trash])

	found, err = s.MessageExists(ctx, criterion)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteMessageReportsFalseWhenTrashIsEmpty(t *testing.T) {
	mb := newFakeMailbox()
	mb.dropOnMove = true
	mb.put("[Gmail]/All Mail", criterion)
	mb.put("[Gmail]/All Mail", criterion)
	s := newTestSession(mb, &fakeTokens{})
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "user@example.com"))

	_, err := s.MessageExists(ctx, criterion)
	require.NoError(t, err)
	purged, err := s.DeleteMessage(ctx, criterion)
	require.NoError(t, err)
	assert.False(t, purged)
	assert.Equal(t, 2, s.Moved())
}

func TestDisconnectClosesLabelThenLogsOutOnce(t *testing.T) {
	mb := newFakeMailbox()
	s := newTestSession(mb, &fakeTokens{})
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "user@example.com"))
	_, err := s.MessageExists(ctx, criterion)
	require.NoError(t, err)

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())

	n := len(mb.ops)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, []string{"close", "logout"}, mb.ops[n-2:])
	assert.Equal(t, 1, countOps(mb.ops, "logout"))
}

func TestCancelTerminatesConnection(t *testing.T) {
	mb := newFakeMailbox()
	s := newTestSession(mb, &fakeTokens{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Connect(ctx, "user@example.com"))

	cancel()
	assert.Eventually(t, func() bool { return mb.terminated.Load() }, time.Second, 5*time.Millisecond)
}

func countOps(ops []string, op string) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}
