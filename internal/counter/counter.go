// Package counter implements an approximate sharded counter. Writers spread
// over NumShards rows so concurrent increments rarely touch the same record,
// while readers get a cached aggregate that may briefly lag in-flight writes.
package counter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/google/googleapps-message-recall/internal/cache"
	"github.com/google/googleapps-message-recall/internal/metrics"
	"github.com/google/googleapps-message-recall/internal/model"
)

// Cache is the subset of the shared cache the counter relies on.
type Cache interface {
	GetInt64(namespace, key string) (int64, bool)
	Add(namespace, key string, value interface{}, ttl time.Duration) error
	Increment(namespace, key string, delta int64) (int64, bool)
	Delete(namespace, key string)
}

type Config struct {
	InitialShards      int
	TransactionRetries int
	CacheTTL           time.Duration
}

type Counter struct {
	db      *gorm.DB
	cache   Cache
	cfg     Config
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(db *gorm.DB, c Cache, cfg Config, m *metrics.Metrics, log logrus.FieldLogger) *Counter {
	if cfg.InitialShards <= 0 {
		cfg.InitialShards = 20
	}
	if cfg.TransactionRetries <= 0 {
		cfg.TransactionRetries = 8
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Counter{
		db:      db,
		cache:   c,
		cfg:     cfg,
		metrics: m,
		log:     log,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Increment applies delta to one random shard and returns the new
// aggregate. A zero delta does nothing and returns 0.
func (c *Counter) Increment(ctx context.Context, name string, delta int64) (int64, error) {
	if delta == 0 {
		return 0, nil
	}

	shards, err := c.NumShards(ctx, name)
	if err != nil {
		return 0, err
	}
	index := c.pick(shards)

	if err := c.applyDelta(ctx, name, index, delta); err != nil {
		return 0, err
	}

	if total, ok := c.cache.Increment(cache.NamespaceCounter, name, delta); ok {
		return total, nil
	}
	return c.Read(ctx, name)
}

// Read returns the cached aggregate, or sums every shard and seeds the
// cache. Losing the seeding race is reported as ErrCounterInconsistency.
func (c *Counter) Read(ctx context.Context, name string) (int64, error) {
	if total, ok := c.cache.GetInt64(cache.NamespaceCounter, name); ok {
		return total, nil
	}

	total, err := c.Sum(ctx, name)
	if err != nil {
		return 0, err
	}

	if err := c.cache.Add(cache.NamespaceCounter, name, total, c.cfg.CacheTTL); err != nil {
		return 0, fmt.Errorf("failed to seed counter %s: %w: %w", name, model.ErrCounterInconsistency, err)
	}
	return total, nil
}

// Invalidate drops the cached aggregate so the next Read recomputes it.
func (c *Counter) Invalidate(name string) {
	c.cache.Delete(cache.NamespaceCounter, name)
}

// NumShards returns the shard fan-out for name.
func (c *Counter) NumShards(ctx context.Context, name string) (int, error) {
	var cfg model.CounterShardConfig
	err := c.db.WithContext(ctx).Where("name = ?", name).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.cfg.InitialShards, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load counter config %s: %w: %w", name, model.ErrDataStoreUnavailable, err)
	}
	return cfg.NumShards, nil
}

// IncreaseShards raises the fan-out of name to n. It never lowers it, so
// every shard index written so far stays addressable.
func (c *Counter) IncreaseShards(ctx context.Context, name string, n int) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg := model.CounterShardConfig{Name: name, NumShards: c.cfg.InitialShards}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cfg).Error; err != nil {
			return err
		}
		return tx.Model(&model.CounterShardConfig{}).
			Where("name = ? AND num_shards < ?", name, n).
			Update("num_shards", n).Error
	})
	if err != nil {
		return fmt.Errorf("failed to increase shards for %s: %w: %w", name, model.ErrDataStoreUnavailable, err)
	}
	return nil
}

func (c *Counter) applyDelta(ctx context.Context, name string, index int, delta int64) error {
	var err error
	for attempt := 1; attempt <= c.cfg.TransactionRetries; attempt++ {
		err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			shard := model.CounterShard{Name: name, Index: index, Count: delta}
			return tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "name"}, {Name: "shard_index"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"shard_count": gorm.Expr("shard_count + ?", delta),
				}),
			}).Create(&shard).Error
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.metrics != nil {
			c.metrics.CounterRetries.Inc()
		}
		c.log.WithFields(logrus.Fields{
			"counter": name,
			"shard":   index,
			"attempt": attempt,
		}).Debugf("Counter shard update failed: %v", err)
	}
	return fmt.Errorf("failed to update counter %s shard %d after %d attempts: %w: %w",
		name, index, c.cfg.TransactionRetries, model.ErrDataStoreUnavailable, err)
}

// Sum adds up every shard of name, bypassing the cache. Unlike Read it
// sees increments made by other processes.
func (c *Counter) Sum(ctx context.Context, name string) (int64, error) {
	var total int64
	err := c.db.WithContext(ctx).Model(&model.CounterShard{}).
		Where("name = ?", name).
		Select("COALESCE(SUM(shard_count), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum counter %s: %w: %w", name, model.ErrDataStoreUnavailable, err)
	}
	return total, nil
}

func (c *Counter) pick(shards int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Intn(shards)
}
