package directory

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/google/googleapps-message-recall/internal/cache"
	"github.com/google/googleapps-message-recall/internal/model"
)

// AdminCache remembers admin lookups.
type AdminCache interface {
	GetBool(namespace, key string) (bool, bool)
	Add(namespace, key string, value interface{}, ttl time.Duration) error
}

// AdminGate answers whether an address is a domain administrator, asking
// the directory as that address.
type AdminGate struct {
	clients ClientFactory
	cache   AdminCache
	ttl     time.Duration
	log     logrus.FieldLogger
}

func NewAdminGate(clients ClientFactory, c AdminCache, ttl time.Duration, log logrus.FieldLogger) *AdminGate {
	return &AdminGate{clients: clients, cache: c, ttl: ttl, log: log}
}

func (g *AdminGate) IsAdmin(ctx context.Context, email string) (bool, error) {
	if admin, ok := g.cache.GetBool(cache.NamespaceAdmin, email); ok {
		return admin, nil
	}

	client, err := g.clients(ctx, email)
	if err != nil {
		return false, err
	}
	value, found, err := GetAttribute(ctx, client, email, "isAdmin")
	if err != nil {
		return false, err
	}
	admin := found && value == "true"

	if err := g.cache.Add(cache.NamespaceAdmin, email, admin, g.ttl); err != nil && !errors.Is(err, model.ErrCacheRace) {
		return false, err
	} else if err != nil {
		g.log.WithField("owner", email).Debug("Admin status cached concurrently")
	}
	return admin, nil
}
