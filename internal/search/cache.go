package search

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"gamesearch/searchservice/internal/domain"
	"gamesearch/searchservice/internal/metrics"
)

const (
	defaultCacheTTL          = 10 * time.Minute
	defaultCacheMaxEntries   = 500
	defaultRecordMaxEntries  = 5000
	recordTTLMultiplier      = 3
	redisCacheRequestTimeout = 250 * time.Millisecond
)

// SearchCache keeps ranked result pages as ID lists plus scores, and the game
// records they point to in a separate bounded store shared across pages.
// A page whose records were evicted is reported as a miss.
type SearchCache struct {
	entries   *lruCache[string, domain.CacheEntry]
	records   *lruCache[int64, domain.CandidateGame]
	ttl       time.Duration
	recordTTL time.Duration
	redis     *RedisCacheBackend
	logger    *slog.Logger
	now       func() time.Time
}

type CacheOption func(*cacheOptions)

type cacheOptions struct {
	recordCapacity int
	redis          *RedisCacheBackend
	logger         *slog.Logger
	now            func() time.Time
}

func WithRedisBackend(backend *RedisCacheBackend) CacheOption {
	return func(o *cacheOptions) {
		o.redis = backend
	}
}

func WithRecordCapacity(n int) CacheOption {
	return func(o *cacheOptions) {
		if n > 0 {
			o.recordCapacity = n
		}
	}
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(o *cacheOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func NewSearchCache(ttl time.Duration, maxEntries int, opts ...CacheOption) *SearchCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	o := cacheOptions{
		recordCapacity: defaultRecordMaxEntries,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &SearchCache{
		entries:   newLRUCache[string, domain.CacheEntry](maxEntries, o.now),
		records:   newLRUCache[int64, domain.CandidateGame](o.recordCapacity, o.now),
		ttl:       ttl,
		recordTTL: ttl * recordTTLMultiplier,
		redis:     o.redis,
		logger:    o.logger,
		now:       o.now,
	}
}

func (c *SearchCache) TTL() time.Duration {
	return c.ttl
}

func (c *SearchCache) Get(ctx context.Context, fingerprint string) (domain.CacheEntry, bool) {
	if entry, ok := c.entries.get(fingerprint); ok {
		return entry, true
	}
	if c.redis == nil {
		return domain.CacheEntry{}, false
	}

	rctx, cancel := context.WithTimeout(ctx, redisCacheRequestTimeout)
	defer cancel()
	entry, ok, err := c.redis.GetEntry(rctx, fingerprint)
	if err != nil {
		c.logger.Debug("redis cache get failed", slog.String("error", err.Error()))
		return domain.CacheEntry{}, false
	}
	now := c.now()
	if !ok || entry.Expired(now) {
		return domain.CacheEntry{}, false
	}
	c.entries.add(fingerprint, entry, entry.CreatedAt.Add(entry.TTL).Sub(now))
	return entry, true
}

func (c *SearchCache) Put(ctx context.Context, fingerprint string, entry domain.CacheEntry) {
	if entry.TTL <= 0 {
		entry.TTL = c.ttl
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	entry.Fingerprint = fingerprint
	c.entries.add(fingerprint, entry, entry.TTL)

	if c.redis == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, redisCacheRequestTimeout)
	defer cancel()
	if err := c.redis.SetEntry(rctx, fingerprint, entry, entry.TTL); err != nil {
		c.logger.Debug("redis cache set failed", slog.String("error", err.Error()))
	}
}

func (c *SearchCache) PutRecords(ctx context.Context, games []domain.CandidateGame) {
	for _, game := range games {
		c.records.add(game.ID, game, c.recordTTL)
	}
	if c.redis == nil || len(games) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, redisCacheRequestTimeout)
	defer cancel()
	if err := c.redis.SetGames(rctx, games, c.recordTTL); err != nil {
		c.logger.Debug("redis record set failed", slog.String("error", err.Error()))
	}
}

// Records returns every requested record or reports false if any is missing.
func (c *SearchCache) Records(ctx context.Context, ids []int64) (map[int64]domain.CandidateGame, bool) {
	out := make(map[int64]domain.CandidateGame, len(ids))
	var missing []int64
	for _, id := range ids {
		if game, ok := c.records.get(id); ok {
			out[id] = game
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, true
	}
	if c.redis == nil {
		return nil, false
	}

	rctx, cancel := context.WithTimeout(ctx, redisCacheRequestTimeout)
	defer cancel()
	found, err := c.redis.GetGames(rctx, missing)
	if err != nil || len(found) != len(missing) {
		return nil, false
	}
	for id, game := range found {
		out[id] = game
		c.records.add(id, game, c.recordTTL)
	}
	return out, true
}

// Lookup resolves a cached page back into scored games.
func (c *SearchCache) Lookup(ctx context.Context, fingerprint string) (domain.CacheEntry, []domain.ScoredGame, bool) {
	entry, ok := c.Get(ctx, fingerprint)
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return domain.CacheEntry{}, nil, false
	}
	ids := make([]int64, 0, len(entry.Items))
	for _, item := range entry.Items {
		ids = append(ids, item.ID)
	}
	games, ok := c.Records(ctx, ids)
	if !ok {
		c.entries.drop(fingerprint)
		metrics.CacheMissesTotal.Inc()
		return domain.CacheEntry{}, nil, false
	}
	results := make([]domain.ScoredGame, 0, len(entry.Items))
	for _, item := range entry.Items {
		results = append(results, domain.ScoredGame{
			Game:       games[item.ID],
			Relevance:  item.Relevance,
			Popularity: item.Popularity,
			Composite:  item.Composite,
			Tier:       item.Tier,
		})
	}
	metrics.CacheHitsTotal.Inc()
	return entry, results, true
}

// QueryFingerprint hashes the normalized text and every option that changes
// the result page. User context is excluded so pages are shared.
func QueryFingerprint(query domain.SearchQuery) string {
	platforms := append([]string(nil), query.Filters.Platforms...)
	for i := range platforms {
		platforms[i] = strings.ToLower(strings.TrimSpace(platforms[i]))
	}
	sort.Strings(platforms)
	key := strings.Join([]string{
		"q=" + query.Normalized,
		"l=" + strconv.Itoa(query.Limit),
		"p=" + strings.Join(platforms, ","),
		"r=" + strconv.FormatFloat(query.Filters.MinRating, 'f', 2, 64),
		"s=" + string(domain.NormalizeSortPreference(string(query.Filters.SortBy))),
	}, "|")
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}
