package dedup

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// RedisFilter shares one dedup window across multiple ingester replicas
// subscribed to the same regional brokers, using Redis SET NX EX as an
// atomic test-and-set. Grounded on weather/weather.go's redis.NewClient
// setup, the only redis-backed component in the teacher's own family of
// services.
type RedisFilter struct {
	client *redis.Client
}

// NewRedisFilter connects to addr and verifies reachability with a PING,
// matching weather.go's startup validation idiom.
func NewRedisFilter(addr string) (*RedisFilter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("dedup: connecting to redis at %s: %w", addr, err)
	}
	return &RedisFilter{client: client}, nil
}

// Seen implements Filter.
func (f *RedisFilter) Seen(ctx context.Context, sourceNode uint32, packetID uint32) (bool, error) {
	key := "wesense:dedup:" + strconv.FormatUint(uint64(fingerprintKey(sourceNode, packetID)), 36)
	ok, err := f.client.SetNX(ctx, key, 1, Window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis SETNX: %w", err)
	}
	// SetNX returns true when the key was newly set, i.e. not a duplicate.
	return !ok, nil
}

// Close releases the underlying connection pool.
func (f *RedisFilter) Close() error {
	return f.client.Close()
}
