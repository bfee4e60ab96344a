package search

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"gamesearch/searchservice/internal/domain"
)

const (
	defaultWarmInterval        = 5 * time.Minute
	defaultWarmTopQueries      = 5
	defaultPopularMaxEntries   = 200
	maxConcurrentWarmRefreshes = 2
)

type warmerConfig struct {
	interval          time.Duration
	topQueries        int
	popularMaxEntries int
}

func defaultWarmerConfig() warmerConfig {
	return warmerConfig{
		interval:          defaultWarmInterval,
		topQueries:        defaultWarmTopQueries,
		popularMaxEntries: defaultPopularMaxEntries,
	}
}

type popularQuery struct {
	query    domain.SearchQuery
	hits     int
	lastSeen time.Time
	lastWarm time.Time
}

func (s *Service) runWarmer(ctx context.Context) {
	ticker := time.NewTicker(s.warmerCfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runWarmCycle(ctx)
		}
	}
}

// runWarmCycle recomputes the most requested queries whose pages have
// expired, with bounded concurrency so warming never eats the catalog budget.
func (s *Service) runWarmCycle(ctx context.Context) {
	queries := s.collectWarmQueries(ctx, s.now())
	if len(queries) == 0 {
		return
	}

	sem := semaphore.NewWeighted(maxConcurrentWarmRefreshes)
	var wg sync.WaitGroup
	for _, q := range queries {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(q domain.SearchQuery) {
			defer wg.Done()
			defer sem.Release(1)

			refreshCtx, cancel := context.WithTimeout(ctx, s.timeouts.Request)
			defer cancel()
			q.NoCache = true
			if _, err := s.ExecuteSearch(refreshCtx, q); err != nil {
				s.logger.Debug("cache warm failed", slog.String("query", q.Normalized), slog.String("error", err.Error()))
			}
		}(q)
	}
	wg.Wait()
}

func (s *Service) collectWarmQueries(ctx context.Context, now time.Time) []domain.SearchQuery {
	s.popularMu.Lock()
	keys := make([]string, 0, len(s.popular))
	for key := range s.popular {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		left, right := s.popular[keys[i]], s.popular[keys[j]]
		if left.hits != right.hits {
			return left.hits > right.hits
		}
		return left.lastSeen.After(right.lastSeen)
	})
	if len(keys) > s.warmerCfg.topQueries {
		keys = keys[:s.warmerCfg.topQueries]
	}
	candidates := make(map[string]*popularQuery, len(keys))
	for _, key := range keys {
		candidates[key] = s.popular[key]
	}
	s.popularMu.Unlock()

	out := make([]domain.SearchQuery, 0, len(keys))
	for _, key := range keys {
		if _, ok := s.cache.Get(ctx, key); ok {
			continue
		}
		s.popularMu.Lock()
		pop := candidates[key]
		recent := !pop.lastWarm.IsZero() && now.Sub(pop.lastWarm) < s.warmerCfg.interval/2
		if !recent {
			pop.lastWarm = now
		}
		q := pop.query
		s.popularMu.Unlock()
		if !recent {
			out = append(out, q)
		}
	}
	return out
}

func (s *Service) markPopular(fingerprint string, query domain.SearchQuery, now time.Time) {
	query.User = nil
	query.NoCache = false

	s.popularMu.Lock()
	defer s.popularMu.Unlock()

	if pop, ok := s.popular[fingerprint]; ok {
		pop.hits++
		pop.lastSeen = now
		pop.query = query
		return
	}
	s.popular[fingerprint] = &popularQuery{query: query, hits: 1, lastSeen: now}

	limit := s.warmerCfg.popularMaxEntries
	if len(s.popular) <= limit {
		return
	}
	// Drop the least popular, oldest entries.
	type pair struct {
		key   string
		value *popularQuery
	}
	items := make([]pair, 0, len(s.popular))
	for key, value := range s.popular {
		items = append(items, pair{key: key, value: value})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].value.hits != items[j].value.hits {
			return items[i].value.hits < items[j].value.hits
		}
		return items[i].value.lastSeen.Before(items[j].value.lastSeen)
	})
	for i := 0; i < len(items)-limit; i++ {
		delete(s.popular, items[i].key)
	}
}
