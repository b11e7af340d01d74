// Package directory enumerates a domain's users through the Admin SDK.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// MaxPageSize is the largest page the directory API returns.
const MaxPageSize = 500

// User is the slice of a directory account the recall pipeline needs.
type User struct {
	Email     string
	Suspended bool
}

// Client is the directory service surface.
type Client interface {
	ListUsers(ctx context.Context, domain, query, pageToken string, pageSize int64) ([]User, string, error)
	// GetUser returns the raw user resource, or nil when access is denied.
	GetUser(ctx context.Context, email string) ([]byte, error)
}

// ClientFactory builds a Client acting as the given administrator.
type ClientFactory func(ctx context.Context, owner string) (Client, error)

// AdminClient implements Client on admin/directory/v1.
type AdminClient struct {
	svc *admin.Service
}

func NewAdminClient(ctx context.Context, ts oauth2.TokenSource) (*AdminClient, error) {
	svc, err := admin.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create directory service: %w", err)
	}
	return &AdminClient{svc: svc}, nil
}

func (c *AdminClient) ListUsers(ctx context.Context, domain, query, pageToken string, pageSize int64) ([]User, string, error) {
	call := c.svc.Users.List().Domain(domain).MaxResults(pageSize).Context(ctx)
	if query != "" {
		call = call.Query(query)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list users for %s: %w", domain, err)
	}

	users := make([]User, 0, len(resp.Users))
	for _, u := range resp.Users {
		users = append(users, User{Email: u.PrimaryEmail, Suspended: u.Suspended})
	}
	return users, resp.NextPageToken, nil
}

func (c *AdminClient) GetUser(ctx context.Context, email string) ([]byte, error) {
	u, err := c.svc.Users.Get(email).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusForbidden {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user %s: %w", email, err)
	}
	return u.MarshalJSON()
}

// GetAttribute looks up one field of a user resource by gjson path. found
// is false when the field is absent or the caller may not read the user.
func GetAttribute(ctx context.Context, c Client, email, name string) (value string, found bool, err error) {
	raw, err := c.GetUser(ctx, email)
	if err != nil {
		return "", false, err
	}
	if raw == nil {
		return "", false, nil
	}
	res := gjson.GetBytes(raw, name)
	return res.String(), res.Exists(), nil
}
