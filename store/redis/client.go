package redis

import (
	"os"

	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

// NewClient creates a redis client for the given address, defaulting to
// REDIS_ADDRESS or localhost.
func NewClient(addr string) *redis.Client {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDRESS")
	}
	if addr == "" {
		zlog.Info().Msg("Redis address defaulting to localhost:6379")
		addr = "localhost:6379"
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}
