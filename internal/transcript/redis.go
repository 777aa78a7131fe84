package transcript

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "edgevoice:transcripts:"

// RedisStore keeps a capped list per device, newest at the head.
type RedisStore struct {
	rdb          *redis.Client
	maxPerDevice int64
}

type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	MaxPerDevice int
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}
	capacity := int64(opts.MaxPerDevice)
	if capacity <= 0 {
		capacity = 50
	}
	return &RedisStore{rdb: rdb, maxPerDevice: capacity}, nil
}

func (s *RedisStore) Save(ctx context.Context, record Record) error {
	record = withDefaults(record)
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not marshal transcript: %w", err)
	}
	key := keyPrefix + record.Device
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, s.maxPerDevice-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Recent(ctx context.Context, device string, limit int) ([]Record, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	raw, err := s.rdb.LRange(ctx, keyPrefix+device, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read transcripts: %w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var r Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
