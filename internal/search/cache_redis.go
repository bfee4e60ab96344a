package search

import (
	"context"
	"errors"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"gamesearch/searchservice/internal/domain"
)

const (
	redisEntryPrefix = "gsearch:page:"
	redisGamePrefix  = "gsearch:game:"
)

// RedisCacheBackend is the shared second-level store behind SearchCache, so
// replicas reuse each other's pages.
type RedisCacheBackend struct {
	client redis.UniversalClient
}

func NewRedisCacheBackend(client redis.UniversalClient) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

func (r *RedisCacheBackend) GetEntry(ctx context.Context, fingerprint string) (domain.CacheEntry, bool, error) {
	data, err := r.client.Get(ctx, redisEntryPrefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CacheEntry{}, false, nil
		}
		return domain.CacheEntry{}, false, err
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.CacheEntry{}, false, err
	}
	return entry, true, nil
}

func (r *RedisCacheBackend) SetEntry(ctx context.Context, fingerprint string, entry domain.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisEntryPrefix+fingerprint, data, ttl).Err()
}

func (r *RedisCacheBackend) GetGames(ctx context.Context, ids []int64) (map[int64]domain.CandidateGame, error) {
	if len(ids) == 0 {
		return map[int64]domain.CandidateGame{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisGamePrefix + strconv.FormatInt(id, 10)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]domain.CandidateGame, len(ids))
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var game domain.CandidateGame
		if err := json.Unmarshal([]byte(s), &game); err != nil {
			continue
		}
		out[ids[i]] = game
	}
	return out, nil
}

func (r *RedisCacheBackend) SetGames(ctx context.Context, games []domain.CandidateGame, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	for _, game := range games {
		data, err := json.Marshal(game)
		if err != nil {
			return err
		}
		pipe.Set(ctx, redisGamePrefix+strconv.FormatInt(game.ID, 10), data, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisCacheBackend) Delete(ctx context.Context, fingerprint string) error {
	return r.client.Del(ctx, redisEntryPrefix+fingerprint).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
