package mailapi

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

const xoauth2Mechanism = "XOAUTH2"

type xoauth2Client struct {
	user  string
	token string
}

// NewXOAuth2Client authenticates user with a bearer token.
func NewXOAuth2Client(user, token string) sasl.Client {
	return &xoauth2Client{user: user, token: token}
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.user, a.token))
	return xoauth2Mechanism, ir, nil
}

// Next answers the server's error challenge with an empty response so the
// server completes the exchange with a tagged NO carrying the reason.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
