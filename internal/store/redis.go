package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "meridian:research:"

// Redis persists research state as JSON values with a TTL, so abandoned
// records age out without a sweeper.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to Redis and verifies the connection. The password is
// read from REDIS_PASSWORD.
func NewRedis(addr string, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, ttl: ttl, logger: logger}, nil
}

func (r *Redis) Persist(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal research %s: %w", rec.ResearchID, err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+rec.ResearchID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("persist research %s: %w", rec.ResearchID, err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, researchID string) (Record, bool, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+researchID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load research %s: %w", researchID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal research %s: %w", researchID, err)
	}
	return rec, true, nil
}

func (r *Redis) Delete(ctx context.Context, researchID string) error {
	return r.client.Del(ctx, redisKeyPrefix+researchID).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

// newRedisWithClient is used by tests to inject a client against a fake server.
func newRedisWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, logger: logger}
}
