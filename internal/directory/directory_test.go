package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/googleapps-message-recall/internal/cache"
	"github.com/google/googleapps-message-recall/internal/testutil"
)

type fakeClient struct {
	pages   map[string][]User
	next    map[string]string
	queries []string
	failOn  string
	users   map[string][]byte
}

func (f *fakeClient) ListUsers(ctx context.Context, domain, query, pageToken string, pageSize int64) ([]User, string, error) {
	f.queries = append(f.queries, query)
	if f.failOn != "" && pageToken == f.failOn {
		return nil, "", errors.New("backend error")
	}
	return f.pages[pageToken], f.next[pageToken], nil
}

func (f *fakeClient) GetUser(ctx context.Context, email string) ([]byte, error) {
	return f.users[email], nil
}

func TestScannerWalksEveryPage(t *testing.T) {
	client := &fakeClient{
		pages: map[string][]User{
			"":   {{Email: "a1@example.com"}, {Email: "a2@example.com", Suspended: true}},
			"p2": {{Email: "a3@example.com"}},
		},
		next: map[string]string{"": "p2"},
	}

	s := NewScanner(client, "example.com", "a", 500, "")
	var emails []string
	var suspended int
	for s.Next(context.Background()) {
		for _, u := range s.Page() {
			emails = append(emails, u.Email)
			if u.Suspended {
				suspended++
			}
		}
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{"a1@example.com", "a2@example.com", "a3@example.com"}, emails)
	assert.Equal(t, 1, suspended)
	assert.Equal(t, []string{"email:a*", "email:a*"}, client.queries)
	assert.False(t, s.Next(context.Background()), "exhausted scanner stays exhausted")
}

func TestScannerResumesFromPageToken(t *testing.T) {
	client := &fakeClient{
		pages: map[string][]User{"p2": {{Email: "b9@example.com"}}},
		next:  map[string]string{},
	}
	s := NewScanner(client, "example.com", "b", 0, "p2")
	require.True(t, s.Next(context.Background()))
	assert.Equal(t, []User{{Email: "b9@example.com"}}, s.Page())
	assert.Empty(t, s.PageToken())
}

func TestScannerStopsOnError(t *testing.T) {
	client := &fakeClient{
		pages:  map[string][]User{"": {{Email: "q1@example.com"}}},
		next:   map[string]string{"": "p2"},
		failOn: "p2",
	}
	s := NewScanner(client, "example.com", "q", 500, "")
	require.True(t, s.Next(context.Background()))
	assert.False(t, s.Next(context.Background()))
	assert.Error(t, s.Err())
	assert.Equal(t, "p2", s.PageToken(), "token of the failed page is kept for a retry")
}

func TestGetAttribute(t *testing.T) {
	client := &fakeClient{users: map[string][]byte{
		"admin@example.com": []byte(`{"primaryEmail":"admin@example.com","isAdmin":true}`),
	}}

	v, found, err := GetAttribute(context.Background(), client, "admin@example.com", "isAdmin")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "true", v)

	_, found, err = GetAttribute(context.Background(), client, "admin@example.com", "orgUnitPath")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = GetAttribute(context.Background(), client, "forbidden@example.com", "isAdmin")
	require.NoError(t, err)
	assert.False(t, found, "a denied lookup is empty, not an error")
}

func TestAdminGateCachesAnswer(t *testing.T) {
	client := &fakeClient{users: map[string][]byte{
		"boss@example.com": []byte(`{"primaryEmail":"boss@example.com","isAdmin":true}`),
		"dev@example.com":  []byte(`{"primaryEmail":"dev@example.com","isAdmin":false}`),
	}}
	calls := 0
	factory := func(ctx context.Context, owner string) (Client, error) {
		calls++
		return client, nil
	}
	gate := NewAdminGate(factory, cache.New(time.Minute), time.Hour, testutil.NewLogger())
	ctx := context.Background()

	admin, err := gate.IsAdmin(ctx, "boss@example.com")
	require.NoError(t, err)
	assert.True(t, admin)

	admin, err = gate.IsAdmin(ctx, "boss@example.com")
	require.NoError(t, err)
	assert.True(t, admin)
	assert.Equal(t, 1, calls)

	admin, err = gate.IsAdmin(ctx, "dev@example.com")
	require.NoError(t, err)
	assert.False(t, admin)

	admin, err = gate.IsAdmin(ctx, "stranger@example.com")
	require.NoError(t, err)
	assert.False(t, admin)
}
