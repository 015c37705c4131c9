package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// RPushTrim appends values to key and keeps only the newest limit entries.
// A limit of 0 keeps everything.
func (r *RedisService) RPushTrim(ctx context.Context, key string, limit int, value ...any) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, value...)
		if limit > 0 {
			p.LTrim(ctx, key, int64(-limit), -1)
		}
		return nil
	})
	return err
}

func (r *RedisService) LRange(ctx context.Context, key string) ([]string, error) {
	return r.rdb.LRange(ctx, key, 0, -1).Result()
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}
