package mailapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"

	"github.com/google/googleapps-message-recall/internal/model"
)

const trash = "[Gmail]/Trash"

// fakeMailbox keeps messages per label as uid -> Message-ID.
type fakeMailbox struct {
	authErrs   []error
	authCalls  int
	labels     map[string]map[uint32]string
	deleted    map[uint32]bool
	nextUID    uint32
	selected   string
	dropOnMove bool
	ops        []string
	terminated atomic.Bool
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		labels:  map[string]map[uint32]string{trash: {}},
		deleted: map[uint32]bool{},
		nextUID: 100,
	}
}

func (f *fakeMailbox) put(label, messageID string) {
	if f.labels[label] == nil {
		f.labels[label] = map[uint32]string{}
	}
	f.nextUID++
	f.labels[label][f.nextUID] = messageID
}

func (f *fakeMailbox) Authenticate(auth sasl.Client) error {
	f.authCalls++
	f.ops = append(f.ops, "authenticate")
	if len(f.authErrs) >= f.authCalls {
		return f.authErrs[f.authCalls-1]
	}
	return nil
}

func (f *fakeMailbox) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	f.ops = append(f.ops, "select "+name)
	f.selected = name
	return &imap.MailboxStatus{Name: name}, nil
}

func (f *fakeMailbox) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	want := criteria.Header.Get("Message-ID")
	var uids []uint32
	for uid, id := range f.labels[f.selected] {
		if id == want {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (f *fakeMailbox) UidMove(seqset *imap.SeqSet, dest string) error {
	f.ops = append(f.ops, "move")
	for uid, id := range f.labels[f.selected] {
		if !seqset.Contains(uid) {
			continue
		}
		delete(f.labels[f.selected], uid)
		if !f.dropOnMove {
			f.put(dest, id)
		}
	}
	return nil
}

func (f *fakeMailbox) UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	f.ops = append(f.ops, "store")
	for uid := range f.labels[f.selected] {
		if seqset.Contains(uid) {
			f.deleted[uid] = true
		}
	}
	return nil
}

func (f *fakeMailbox) Expunge(ch chan uint32) error {
	f.ops = append(f.ops, "expunge")
	for uid := range f.labels[f.selected] {
		if f.deleted[uid] {
			delete(f.labels[f.selected], uid)
		}
	}
	return nil
}

func (f *fakeMailbox) Close() error {
	f.ops = append(f.ops, "close")
	f.selected = ""
	return nil
}

func (f *fakeMailbox) Logout() error {
	f.ops = append(f.ops, "logout")
	return nil
}

func (f *fakeMailbox) Terminate() error {
	f.terminated.Store(true)
	return nil
}

type tokenCall struct {
	email string
	force bool
}

type fakeTokens struct {
	mu    sync.Mutex
	calls []tokenCall
	err   error
}

func (f *fakeTokens) AccessToken(ctx context.Context, email string, forceRefresh bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tokenCall{email, forceRefresh})
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("token-%d", len(f.calls)), nil
}

// fakeStore mirrors the terminal-state freeze of the real repository.
type fakeStore struct {
	mu       sync.Mutex
	users    map[uint]model.UserState
	messages map[uint]model.MessageState
	history  []model.MessageState
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[uint]model.UserState{}, messages: map[uint]model.MessageState{}}
}

func (f *fakeStore) SetUserState(ctx context.Context, id uint, state model.UserState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	if f.users[id].IsTerminal() {
		return false, nil
	}
	f.users[id] = state
	return true, nil
}

func (f *fakeStore) SetMessageState(ctx context.Context, id uint, state model.MessageState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = state
	f.history = append(f.history, state)
	return nil
}

func dialerFor(mb *fakeMailbox) Dialer {
	return func(ctx context.Context) (Mailbox, error) { return mb, nil }
}

func failingDialer(ctx context.Context) (Mailbox, error) {
	return nil, errors.New("connection refused")
}
