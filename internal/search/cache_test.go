package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"gamesearch/searchservice/internal/domain"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: testNow}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	clock := newManualClock()
	cache := newLRUCache[string, int](2, clock.Now)
	cache.add("a", 1, time.Minute)
	cache.add("b", 2, time.Minute)
	if _, ok := cache.get("a"); !ok {
		t.Fatalf("expected a")
	}
	cache.add("c", 3, time.Minute)

	if _, ok := cache.get("b"); ok {
		t.Fatalf("b should have been evicted")
	}
	if v, ok := cache.get("a"); !ok || v != 1 {
		t.Fatalf("a should survive, got %v %v", v, ok)
	}
	if cache.size() != 2 {
		t.Fatalf("size = %d", cache.size())
	}
}

func TestLRUCacheExpiry(t *testing.T) {
	clock := newManualClock()
	cache := newLRUCache[int64, string](10, clock.Now)
	cache.add(1, "one", time.Minute)
	cache.add(2, "two", 0)
	if _, ok := cache.get(2); ok {
		t.Fatalf("zero ttl must not be stored")
	}

	clock.Advance(59 * time.Second)
	if _, ok := cache.get(1); !ok {
		t.Fatalf("entry should still be live")
	}
	clock.Advance(time.Second)
	if _, ok := cache.get(1); ok {
		t.Fatalf("entry must expire exactly at its ttl")
	}
	if cache.size() != 0 {
		t.Fatalf("expired entry should be removed, size %d", cache.size())
	}

	cache.add(3, "three", time.Minute)
	cache.add(3, "tres", time.Minute)
	if v, _ := cache.get(3); v != "tres" || cache.size() != 1 {
		t.Fatalf("overwrite failed: %q size %d", v, cache.size())
	}
	cache.drop(3)
	if cache.size() != 0 {
		t.Fatalf("drop failed")
	}
}

func cachePage(ids ...int64) domain.CacheEntry {
	entry := domain.CacheEntry{TotalCandidates: len(ids) + 3}
	for i, id := range ids {
		entry.Items = append(entry.Items, domain.CachedItem{
			ID:        id,
			Relevance: 0.9 - float64(i)*0.1,
			Composite: 0.8 - float64(i)*0.1,
			Tier:      domain.TierOfficial,
		})
	}
	return entry
}

func TestSearchCacheLookupNeedsRecords(t *testing.T) {
	clock := newManualClock()
	cache := NewSearchCache(time.Minute, 10, WithCacheClock(clock.Now))
	ctx := context.Background()

	cache.Put(ctx, "fp", cachePage(1, 2))
	if _, _, ok := cache.Lookup(ctx, "fp"); ok {
		t.Fatalf("page without records must be a miss")
	}
	if _, ok := cache.Get(ctx, "fp"); ok {
		t.Fatalf("incomplete page should be dropped")
	}

	cache.PutRecords(ctx, []domain.CandidateGame{{ID: 1, Name: "One"}, {ID: 2, Name: "Two"}})
	cache.Put(ctx, "fp", cachePage(1, 2))
	entry, results, ok := cache.Lookup(ctx, "fp")
	if !ok {
		t.Fatalf("expected a hit")
	}
	if entry.Fingerprint != "fp" || entry.TTL != time.Minute || !entry.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected entry metadata %+v", entry)
	}
	if len(results) != 2 || results[0].Game.Name != "One" || results[1].Game.Name != "Two" {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[0].Relevance != 0.9 || results[0].Tier != domain.TierOfficial {
		t.Fatalf("scores not restored: %+v", results[0])
	}

	clock.Advance(time.Minute)
	if _, _, ok := cache.Lookup(ctx, "fp"); ok {
		t.Fatalf("expired page must miss")
	}
}

func TestSearchCacheRecordsOutliveEntries(t *testing.T) {
	clock := newManualClock()
	cache := NewSearchCache(time.Minute, 10, WithCacheClock(clock.Now))
	ctx := context.Background()
	cache.PutRecords(ctx, []domain.CandidateGame{{ID: 7, Name: "Seven"}})

	clock.Advance(2 * time.Minute)
	games, ok := cache.Records(ctx, []int64{7})
	if !ok || games[7].Name != "Seven" {
		t.Fatalf("records should live longer than pages")
	}
	if _, ok := cache.Records(ctx, []int64{7, 8}); ok {
		t.Fatalf("partial record sets must report a miss")
	}
}

func TestSearchCacheDegradedTTL(t *testing.T) {
	clock := newManualClock()
	cache := NewSearchCache(time.Minute, 10, WithCacheClock(clock.Now))
	ctx := context.Background()
	entry := cachePage()
	entry.TTL = 30 * time.Second
	cache.Put(ctx, "degraded", entry)

	clock.Advance(31 * time.Second)
	if _, ok := cache.Get(ctx, "degraded"); ok {
		t.Fatalf("entry should honour its own ttl")
	}
}

func TestSearchCacheSharesPagesThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newManualClock()
	ctx := context.Background()
	writer := NewSearchCache(time.Minute, 10, WithCacheClock(clock.Now), WithRedisBackend(NewRedisCacheBackend(client)))
	reader := NewSearchCache(time.Minute, 10, WithCacheClock(clock.Now), WithRedisBackend(NewRedisCacheBackend(client)))

	writer.PutRecords(ctx, []domain.CandidateGame{{ID: 1, Name: "One", Rating: ratingPtr(88)}, {ID: 2, Name: "Two"}})
	page := cachePage(1, 2)
	page.Degraded = true
	page.SourceBreakdown = domain.SourceBreakdown{DB: true}
	writer.Put(ctx, "shared", page)

	if !mr.Exists(redisEntryPrefix+"shared") || !mr.Exists(redisGamePrefix+"1") {
		t.Fatalf("expected keys in redis, have %v", mr.Keys())
	}

	entry, results, ok := reader.Lookup(ctx, "shared")
	if !ok {
		t.Fatalf("reader should hit through redis")
	}
	if !entry.Degraded || !entry.SourceBreakdown.DB || entry.SourceBreakdown.Catalog {
		t.Fatalf("entry flags lost: %+v", entry)
	}
	if len(results) != 2 || results[0].Game.Rating == nil || *results[0].Game.Rating != 88 {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[1].Tier != domain.TierOfficial {
		t.Fatalf("tier lost in transit: %s", results[1].Tier)
	}

	// The reader now serves from memory even if redis goes away.
	mr.Close()
	if _, _, ok := reader.Lookup(ctx, "shared"); !ok {
		t.Fatalf("expected an in-memory hit after redis loss")
	}
	if _, _, ok := reader.Lookup(ctx, "other"); ok {
		t.Fatalf("unknown page must miss when redis is down")
	}
}

func TestSearchCacheIgnoresExpiredRedisEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newManualClock()
	ctx := context.Background()
	backend := NewRedisCacheBackend(client)
	entry := cachePage()
	entry.CreatedAt = testNow.Add(-2 * time.Minute)
	entry.TTL = time.Minute
	if err := backend.SetEntry(ctx, "stale", entry, time.Hour); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	cache := NewSearchCache(time.Minute, 10, WithCacheClock(clock.Now), WithRedisBackend(backend))
	if _, ok := cache.Get(ctx, "stale"); ok {
		t.Fatalf("stale redis entry must be ignored")
	}
}

func TestRedisCacheBackendGames(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	backend := NewRedisCacheBackend(client)
	ctx := context.Background()

	if err := backend.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := backend.SetGames(ctx, []domain.CandidateGame{{ID: 3, Name: "Three", Platforms: []string{"Switch"}}}, time.Minute); err != nil {
		t.Fatalf("SetGames: %v", err)
	}
	mr.Set(redisGamePrefix+"4", "{not json")

	games, err := backend.GetGames(ctx, []int64{3, 4, 5})
	if err != nil {
		t.Fatalf("GetGames: %v", err)
	}
	if len(games) != 1 || games[3].Name != "Three" || games[3].Platforms[0] != "Switch" {
		t.Fatalf("unexpected games %+v", games)
	}
	if ttl := mr.TTL(redisGamePrefix + "3"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	if err := backend.SetEntry(ctx, "fp", cachePage(3), time.Minute); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	if err := backend.Delete(ctx, "fp"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := backend.GetEntry(ctx, "fp"); ok || err != nil {
		t.Fatalf("expected a clean miss after delete, got ok=%v err=%v", ok, err)
	}
}

func TestQueryFingerprint(t *testing.T) {
	base := func() domain.SearchQuery {
		return domain.SearchQuery{
			Normalized: "zelda",
			Limit:      20,
			Filters:    domain.SearchFilters{Platforms: []string{"switch", "pc"}, SortBy: domain.SortByRelevance},
		}
	}

	a := base()
	b := base()
	b.Filters.Platforms = []string{"PC", "Switch"}
	b.User = &domain.UserContext{UserID: "someone"}
	if QueryFingerprint(a) != QueryFingerprint(b) {
		t.Fatalf("platform order, case and user must not change the fingerprint")
	}

	variants := []func(*domain.SearchQuery){
		func(q *domain.SearchQuery) { q.Normalized = "zelda 2" },
		func(q *domain.SearchQuery) { q.Limit = 10 },
		func(q *domain.SearchQuery) { q.Filters.Platforms = []string{"switch"} },
		func(q *domain.SearchQuery) { q.Filters.MinRating = 70 },
		func(q *domain.SearchQuery) { q.Filters.SortBy = domain.SortByPopularity },
	}
	seen := map[string]bool{QueryFingerprint(a): true}
	for i, mutate := range variants {
		q := base()
		mutate(&q)
		fp := QueryFingerprint(q)
		if seen[fp] {
			t.Fatalf("variant %d collided", i)
		}
		seen[fp] = true
	}
}
