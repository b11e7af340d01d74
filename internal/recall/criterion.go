package recall

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/google/googleapps-message-recall/internal/model"
)

const maxCriterionLength = 100

var messageIDPattern = regexp.MustCompile(`^[\w+=.\-]+@[\w.\-]+$`)

// NormalizeCriterion accepts a Message-ID with or without angle brackets
// and returns the bare identifier.
func NormalizeCriterion(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if strings.HasPrefix(id, "<") {
		h := mail.HeaderFromMap(map[string][]string{"Message-Id": {id}})
		parsed, err := h.MessageID()
		if err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrInvalidCriterion, err)
		}
		id = parsed
	}
	if id == "" || len(id) > maxCriterionLength {
		return "", fmt.Errorf("%w: length must be between 1 and %d", model.ErrInvalidCriterion, maxCriterionLength)
	}
	if !messageIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q is not a message id", model.ErrInvalidCriterion, id)
	}
	return id, nil
}

// ParseOwner validates an owner address and returns it with its domain.
func ParseOwner(raw string) (email, domain string, err error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", model.ErrInvalidOwner, err)
	}
	email = strings.ToLower(addr.Address)
	domain = domainOf(email)
	if domain == "" {
		return "", "", fmt.Errorf("%w: %q has no domain", model.ErrInvalidOwner, raw)
	}
	return email, domain, nil
}

func domainOf(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}
