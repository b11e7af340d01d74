package directory

import (
	"context"
	"fmt"
)

// Scanner lazily pages through a domain's users whose address starts with
// a prefix. Use it like bufio.Scanner:
//
//	for s.Next(ctx) {
//		for _, u := range s.Page() { ... }
//	}
//	if err := s.Err(); err != nil { ... }
//
// PageToken can seed a new Scanner to resume after the current page.
type Scanner struct {
	client   Client
	domain   string
	prefix   string
	pageSize int64

	token string
	page  []User
	done  bool
	err   error
}

func NewScanner(client Client, domain, prefix string, pageSize int64, pageToken string) *Scanner {
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return &Scanner{
		client:   client,
		domain:   domain,
		prefix:   prefix,
		pageSize: pageSize,
		token:    pageToken,
	}
}

// Next fetches the following page. It returns false at the end of the
// listing or on error.
func (s *Scanner) Next(ctx context.Context) bool {
	if s.done || s.err != nil {
		return false
	}
	users, next, err := s.client.ListUsers(ctx, s.domain, s.query(), s.token, s.pageSize)
	if err != nil {
		s.err = fmt.Errorf("failed to scan %s users with prefix %q: %w", s.domain, s.prefix, err)
		s.page = nil
		return false
	}
	s.page = users
	s.token = next
	if next == "" {
		s.done = true
	}
	return true
}

func (s *Scanner) Page() []User {
	return s.page
}

func (s *Scanner) PageToken() string {
	return s.token
}

func (s *Scanner) Err() error {
	return s.err
}

func (s *Scanner) query() string {
	if s.prefix == "" {
		return ""
	}
	return "email:" + s.prefix + "*"
}
