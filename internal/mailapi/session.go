// Package mailapi drives one mailbox through connect, search, delete and
// verify over IMAP.
package mailapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/google/googleapps-message-recall/internal/model"
)

const (
	invalidCredentialsText = "Invalid credentials"
	imapDisabledText       = "IMAP access is disabled for your domain."
)

// Mailbox is the subset of *client.Client a Session drives.
type Mailbox interface {
	Authenticate(auth sasl.Client) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidMove(seqset *imap.SeqSet, dest string) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Expunge(ch chan uint32) error
	Close() error
	Logout() error
	Terminate() error
}

// Dialer opens an unauthenticated mailbox connection.
type Dialer func(ctx context.Context) (Mailbox, error)

// TLSDialer dials host:port over TLS.
func TLSDialer(host string, port int, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Mailbox, error) {
		addr := fmt.Sprintf("%s:%d", host, port)
		c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: timeout}, addr, &tls.Config{ServerName: host})
		if err != nil {
			return nil, err
		}
		c.Timeout = timeout
		return c, nil
	}
}

// TokenProvider supplies bearer tokens for mailbox owners.
type TokenProvider interface {
	AccessToken(ctx context.Context, email string, forceRefresh bool) (string, error)
}

type Config struct {
	SearchLabels       []string
	TrashLabel         string
	MaxConnectAttempts int
}

// Session is a stateful client for a single mailbox. It is not safe for
// concurrent use.
type Session struct {
	dial   Dialer
	tokens TokenProvider
	cfg    Config
	log    logrus.FieldLogger

	mailbox  Mailbox
	user     string
	selected string
	matches  map[string][]uint32
	moved    int
	stop     func() bool
}

func NewSession(dial Dialer, tokens TokenProvider, cfg Config, log logrus.FieldLogger) *Session {
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = 2
	}
	if len(cfg.SearchLabels) == 0 {
		cfg.SearchLabels = []string{"[Gmail]/All Mail", "[Gmail]/Spam"}
	}
	if cfg.TrashLabel == "" {
		cfg.TrashLabel = "[Gmail]/Trash"
	}
	return &Session{dial: dial, tokens: tokens, cfg: cfg, log: log}
}

// Connect opens and authenticates the mailbox of email. An "invalid
// credentials" rejection is retried with a freshly minted token until
// MaxConnectAttempts is spent. Cancelling ctx tears the connection down.
func (s *Session) Connect(ctx context.Context, email string) error {
	s.user = email
	s.log = s.log.WithField("user", email)

	mb, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial for %s: %v", model.ErrConnectFailed, email, err)
	}
	s.mailbox = mb
	s.stop = context.AfterFunc(ctx, func() { _ = mb.Terminate() })

	for attempt := 1; attempt <= s.cfg.MaxConnectAttempts; attempt++ {
		token, err := s.tokens.AccessToken(ctx, email, attempt > 1)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrConnectFailed, err)
		}

		err = mb.Authenticate(NewXOAuth2Client(email, token))
		if err == nil {
			s.log.Debug("Mailbox connected")
			return nil
		}

		msg := err.Error()
		if strings.Contains(msg, imapDisabledText) {
			return fmt.Errorf("%w: %s", model.ErrImapDisabled, email)
		}
		if !strings.Contains(msg, invalidCredentialsText) || attempt == s.cfg.MaxConnectAttempts {
			return fmt.Errorf("%w: authenticate %s after %d attempts: %v", model.ErrConnectFailed, email, attempt, err)
		}
		s.log.WithField("attempt", attempt).Info("Mailbox rejected credentials, refreshing token")
	}
	return fmt.Errorf("%w: %s", model.ErrConnectFailed, email)
}

// MessageExists searches every configured label for criterion, a
// Message-ID header value, and remembers the matches for DeleteMessage.
func (s *Session) MessageExists(ctx context.Context, criterion string) (bool, error) {
	if s.mailbox == nil {
		return false, fmt.Errorf("%w: not connected", model.ErrMailProtocol)
	}

	s.matches = make(map[string][]uint32)
	found := false
	for _, label := range s.cfg.SearchLabels {
		uids, err := s.search(label, criterion)
		if err != nil {
			return false, err
		}
		if len(uids) > 1 {
			s.log.WithField("label", label).Infof("Found %d copies of the message", len(uids))
		}
		if len(uids) > 0 {
			s.matches[label] = uids
			found = true
		}
	}
	return found, nil
}

// DeleteMessage moves every match from the last MessageExists into trash,
// then purges the criterion from trash. It reports whether anything was
// purged from trash; Moved reports how many messages the move step saw.
func (s *Session) DeleteMessage(ctx context.Context, criterion string) (bool, error) {
	if s.mailbox == nil {
		return false, fmt.Errorf("%w: not connected", model.ErrMailProtocol)
	}

	s.moved = 0
	for _, label := range s.cfg.SearchLabels {
		uids := s.matches[label]
		if len(uids) == 0 {
			continue
		}
		if err := s.selectLabel(label); err != nil {
			return false, err
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(uids...)
		if err := s.mailbox.UidMove(seqset, s.cfg.TrashLabel); err != nil {
			return false, fmt.Errorf("%w: move from %s: %v", model.ErrDeleteFailed, label, err)
		}
		s.moved += len(uids)
		if err := s.mailbox.Expunge(nil); err != nil {
			return false, fmt.Errorf("%w: expunge %s: %v", model.ErrDeleteFailed, label, err)
		}
	}
	s.matches = nil

	uids, err := s.search(s.cfg.TrashLabel, criterion)
	if err != nil {
		return false, err
	}
	if len(uids) == 0 {
		return false, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	flags := []interface{}{imap.DeletedFlag}
	if err := s.mailbox.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return false, fmt.Errorf("%w: flag trash messages: %v", model.ErrDeleteFailed, err)
	}
	if err := s.mailbox.Expunge(nil); err != nil {
		return false, fmt.Errorf("%w: expunge trash: %v", model.ErrDeleteFailed, err)
	}
	s.log.Infof("Purged %d messages from trash", len(uids))
	return true, nil
}

// Moved returns how many messages the last DeleteMessage moved to trash.
func (s *Session) Moved() int {
	return s.moved
}

// Disconnect closes any selected label and logs out. It is safe to call
// on a session that never connected and to call more than once.
func (s *Session) Disconnect() error {
	if s.mailbox == nil {
		return nil
	}
	mb := s.mailbox
	s.mailbox = nil
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}

	var closeErr error
	if s.selected != "" {
		closeErr = mb.Close()
		s.selected = ""
	}
	logoutErr := mb.Logout()
	if errors.Is(logoutErr, client.ErrAlreadyLoggedOut) {
		logoutErr = nil
	}
	return errors.Join(closeErr, logoutErr)
}

func (s *Session) search(label, criterion string) ([]uint32, error) {
	if err := s.selectLabel(label); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", criterion)
	uids, err := s.mailbox.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", model.ErrMailProtocol, label, err)
	}
	return uids, nil
}

func (s *Session) selectLabel(label string) error {
	if s.selected == label {
		return nil
	}
	if s.selected != "" {
		if err := s.mailbox.Close(); err != nil {
			return fmt.Errorf("%w: close %s: %v", model.ErrMailProtocol, s.selected, err)
		}
		s.selected = ""
	}
	if _, err := s.mailbox.Select(label, false); err != nil {
		return fmt.Errorf("%w: select %s: %v", model.ErrMailProtocol, label, err)
	}
	s.selected = label
	return nil
}
