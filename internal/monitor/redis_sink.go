package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/joejoethish/ecom-sub017/internal/migration"
	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
)

// RedisSink fans migration progress out to redis so dashboards and other
// processes can watch a run without polling the engine. Each snapshot is
// written under a per-run key with a TTL and published on a channel for live
// subscribers.
type RedisSink interface {
	Attach(runID string, callbacks *migration.CallbackRegistry)
	PublishMetrics(ctx context.Context, m migration.Metrics) error
	PublishCheckpoint(ctx context.Context, runID string, cp migration.Checkpoint) error
	Close() error
}

type redisSink struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	ttl     time.Duration
}

func NewRedisSink(addr string, ttl time.Duration, baseLog *logger.Logger) (RedisSink, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisSink{
		log:     baseLog.With("component", "RedisSink"),
		rdb:     rdb,
		channel: "migration.events",
		ttl:     ttl,
	}, nil
}

// Attach registers the sink as progress and checkpoint observers. Publishing
// failures are logged and swallowed: monitoring must never stall a run.
func (s *redisSink) Attach(runID string, callbacks *migration.CallbackRegistry) {
	callbacks.OnProgress(func(m migration.Metrics) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.PublishMetrics(ctx, m); err != nil {
			s.log.Warn("metrics publish failed", "run_id", m.RunID, "error", err)
		}
	})
	callbacks.OnCheckpoint(func(cp migration.Checkpoint) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.PublishCheckpoint(ctx, runID, cp); err != nil {
			s.log.Warn("checkpoint publish failed", "run_id", runID, "stage", string(cp.Stage), "error", err)
		}
	})
}

func (s *redisSink) PublishMetrics(ctx context.Context, m migration.Metrics) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("migration:run:%s:metrics", m.RunID)
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return s.rdb.Publish(ctx, s.channel, raw).Err()
}

func (s *redisSink) PublishCheckpoint(ctx context.Context, runID string, cp migration.Checkpoint) error {
	payload := map[string]interface{}{
		"kind":       "checkpoint",
		"run_id":     runID,
		"checkpoint": cp,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if runID != "" {
		key := fmt.Sprintf("migration:run:%s:checkpoints", runID)
		if err := s.rdb.RPush(ctx, key, raw).Err(); err != nil {
			return fmt.Errorf("redis rpush %s: %w", key, err)
		}
		if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
			return err
		}
	}
	return s.rdb.Publish(ctx, s.channel, raw).Err()
}

func (s *redisSink) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
