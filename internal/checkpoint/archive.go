package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/systemsim/parsim/internal/config"
)

// Archive mirrors checkpoint blobs into Redis so an external service can
// inspect or replicate checkpoints without touching the rank filesystems.
// Archiving is best-effort: a failed store logs and moves on, the on-disk
// checkpoint stays authoritative.
type Archive struct {
	client *redis.Client
	ctx    context.Context
	ttl    time.Duration
}

// NewArchive connects to Redis and verifies the connection.
func NewArchive(cfg config.RedisConfig) (*Archive, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        20,
		MinIdleConns:    5,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Archive{client: rdb, ctx: ctx, ttl: 7 * 24 * time.Hour}, nil
}

// Close closes the Redis connection.
func (a *Archive) Close() error {
	return a.client.Close()
}

// Ping tests the Redis connection.
func (a *Archive) Ping() error {
	return a.client.Ping(a.ctx).Err()
}

func archiveKey(runID, section string) string {
	return fmt.Sprintf("parsim:checkpoint:%s:%s", runID, section)
}

// Store writes one checkpoint section under the run id.
func (a *Archive) Store(runID, section string, data []byte) {
	if err := a.client.Set(a.ctx, archiveKey(runID, section), data, a.ttl).Err(); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"run":     runID,
			"section": section,
		}).Warn("checkpoint archive store failed")
	}
}

// Fetch reads one checkpoint section back.
func (a *Archive) Fetch(runID, section string) ([]byte, error) {
	data, err := a.client.Get(a.ctx, archiveKey(runID, section)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("checkpoint archive fetch %s/%s: %w", runID, section, err)
	}
	return data, nil
}

// Sections lists the archived section keys of a run.
func (a *Archive) Sections(runID string) ([]string, error) {
	keys, err := a.client.Keys(a.ctx, archiveKey(runID, "*")).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint archive list %s: %w", runID, err)
	}
	return keys, nil
}
