package transcript

import (
	"context"
	"strings"
)

type Options struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MaxPerDevice  int
}

// NewStore picks postgres when a database URL is set, then redis, otherwise
// keeps transcripts in memory.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	if strings.TrimSpace(opts.DatabaseURL) != "" {
		return NewPostgresStore(ctx, opts.DatabaseURL)
	}
	if strings.TrimSpace(opts.RedisAddr) != "" {
		return NewRedisStore(ctx, RedisOptions{
			Addr:         opts.RedisAddr,
			Password:     opts.RedisPassword,
			DB:           opts.RedisDB,
			MaxPerDevice: opts.MaxPerDevice,
		})
	}
	return NewInMemoryStore(opts.MaxPerDevice), nil
}
