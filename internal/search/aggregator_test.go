package search

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gamesearch/searchservice/internal/domain"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func ratingPtr(v float64) *float64 { return &v }

func releasedOn(year int) *time.Time {
	t := time.Date(year, 3, 1, 0, 0, 0, 0, time.UTC)
	return &t
}

type fakeTextSource struct {
	games []domain.CandidateGame
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeTextSource) Name() string { return "fake-db" }

func (f *fakeTextSource) Search(ctx context.Context, normalized string, limit int) ([]domain.CandidateGame, error) {
	_ = normalized
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return capGames(append([]domain.CandidateGame(nil), f.games...), limit), nil
}

type fakeCatalog struct {
	search      func(query string) ([]domain.CandidateGame, error)
	byFranchise func(name string) ([]domain.CandidateGame, error)
	byIDs       func(ids []int64) ([]domain.CandidateGame, error)

	block chan struct{}

	searchCalls    atomic.Int32
	franchiseCalls atomic.Int32
	idCalls        atomic.Int32
}

func (f *fakeCatalog) Search(ctx context.Context, query string, limit int) ([]domain.CandidateGame, error) {
	f.searchCalls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.search == nil {
		return nil, nil
	}
	return f.search(query)
}

func (f *fakeCatalog) SearchByFranchise(ctx context.Context, name string) ([]domain.CandidateGame, error) {
	f.franchiseCalls.Add(1)
	if f.byFranchise == nil {
		return nil, nil
	}
	return f.byFranchise(name)
}

func (f *fakeCatalog) GetByID(ctx context.Context, id int64) (domain.CandidateGame, error) {
	games, err := f.GetByIDs(ctx, []int64{id})
	if err != nil {
		return domain.CandidateGame{}, err
	}
	if len(games) == 0 {
		return domain.CandidateGame{}, domain.ErrGameNotFound
	}
	return games[0], nil
}

func (f *fakeCatalog) GetByIDs(ctx context.Context, ids []int64) ([]domain.CandidateGame, error) {
	f.idCalls.Add(1)
	if f.byIDs == nil {
		return nil, nil
	}
	return f.byIDs(ids)
}

func staticCatalog(games ...domain.CandidateGame) *fakeCatalog {
	return &fakeCatalog{search: func(string) ([]domain.CandidateGame, error) {
		return append([]domain.CandidateGame(nil), games...), nil
	}}
}

func zeldaConfig() RankingConfig {
	cfg := DefaultRankingConfig()
	cfg.Franchise.Profiles = []domain.FranchiseProfile{{
		Name:         "The Legend of Zelda",
		Aliases:      []string{"zelda", "loz"},
		FlagshipIDs:  []int64{7346, 119388},
		FamousIDs:    []int64{1025},
		SisterGroups: [][]int64{{7346, 119388}},
		Publishers:   []string{"nintendo"},
	}}
	return cfg
}

func mustQuery(t *testing.T, raw string) domain.SearchQuery {
	t.Helper()
	q, err := NewQuery(raw, domain.SearchFilters{}, 0, nil)
	if err != nil {
		t.Fatalf("NewQuery(%q): %v", raw, err)
	}
	return q
}

func resultIDs(results []domain.ScoredGame) []int64 {
	ids := make([]int64, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Game.ID)
	}
	return ids
}

func marioCandidates() []domain.CandidateGame {
	return []domain.CandidateGame{
		{ID: 1001, Name: "Mario", Category: domain.CategoryMod, Developer: "RomHackers"},
		{
			ID: 26758, Name: "Super Mario Odyssey", Category: domain.CategoryMainGame,
			Developer: "Nintendo EPD", Publisher: "Nintendo",
			Rating: ratingPtr(97), RatingCount: 420, Follows: 900, ReleasedAt: releasedOn(2017),
		},
		{ID: 1002, Name: "Super Mario Bros. Deluxe Hack", Category: domain.CategoryMainGame, Developer: "Anonymous"},
	}
}

func TestExecuteSearchRejectsEmptyQuery(t *testing.T) {
	svc := NewService(&fakeTextSource{}, nil)
	_, err := svc.ExecuteSearch(context.Background(), domain.SearchQuery{Raw: "  "})
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestExecuteSearchOfficialBeforeRomHack(t *testing.T) {
	svc := NewService(&fakeTextSource{games: marioCandidates()}, nil, WithClock(fixedClock), WithCacheDisabled(true))

	resp, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "mario"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Game.ID != 26758 || resp.Results[0].Tier != domain.TierOfficial {
		t.Fatalf("expected official release first, got %+v", resp.Results[0])
	}
	// The exact-name hack matches the query better but sits in a lower tier.
	hack := resp.Results[1]
	if hack.Game.ID != 1001 || hack.Tier != domain.TierCommunityMod {
		t.Fatalf("expected the mod second, got %+v", hack)
	}
	if resp.Results[2].Tier != domain.TierUnofficial {
		t.Fatalf("expected unofficial last, got %s", resp.Results[2].Tier)
	}
}

func TestExecuteSearchTierDominanceAndBounds(t *testing.T) {
	games := append(marioCandidates(),
		domain.CandidateGame{ID: 2001, Name: "Super Mario Odyssey Kingdom Pack", Category: domain.CategoryDLC, Publisher: "Nintendo"},
		domain.CandidateGame{ID: 2002, Name: "Mario Kart 8", Category: domain.CategoryMainGame, Publisher: "Nintendo", Rating: ratingPtr(92), Follows: 300},
	)
	svc := NewService(&fakeTextSource{games: games}, nil, WithClock(fixedClock), WithCacheDisabled(true))

	resp, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "super mario"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for i, r := range resp.Results {
		for name, v := range map[string]float64{"relevance": r.Relevance, "popularity": r.Popularity, "composite": r.Composite} {
			if v < 0 || v > 1 {
				t.Fatalf("result %d %s out of range: %v", i, name, v)
			}
		}
		if i > 0 && resp.Results[i-1].Tier > r.Tier {
			t.Fatalf("tier order violated at %d: %s before %s", i, resp.Results[i-1].Tier, r.Tier)
		}
	}
}

func TestExecuteSearchDeterministic(t *testing.T) {
	db := &fakeTextSource{games: marioCandidates()}
	catalog := staticCatalog(marioCandidates()[1], domain.CandidateGame{ID: 3001, Name: "Mario Party", Publisher: "Nintendo", Follows: 120})
	svc := NewService(db, catalog, WithClock(fixedClock), WithCacheDisabled(true))

	first, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "mario"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "mario"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !reflect.DeepEqual(first.Results, second.Results) {
		t.Fatalf("results differ between identical runs:\n%v\n%v", resultIDs(first.Results), resultIDs(second.Results))
	}
}

func TestExecuteSearchDeduplicatesAcrossSources(t *testing.T) {
	db := &fakeTextSource{games: []domain.CandidateGame{
		{ID: 26758, Name: "Super Mario Odyssey", Curated: true},
	}}
	catalog := staticCatalog(domain.CandidateGame{ID: 26758, Name: "Super Mario Odyssey", Publisher: "Nintendo", Rating: ratingPtr(97)})
	svc := NewService(db, catalog, WithClock(fixedClock), WithCacheDisabled(true))

	resp, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "super mario odyssey"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected one merged result, got %v", resultIDs(resp.Results))
	}
	game := resp.Results[0].Game
	if !game.Sources.Has(domain.SourceDB) || !game.Sources.Has(domain.SourceCatalog) {
		t.Fatalf("expected both sources recorded, got %v", game.Sources)
	}
	if !game.Curated || game.Rating == nil || *game.Rating != 97 {
		t.Fatalf("merge lost fields: %+v", game)
	}
}

func TestExecuteSearchDegradesWhenCatalogFails(t *testing.T) {
	db := &fakeTextSource{games: marioCandidates()}
	catalog := &fakeCatalog{search: func(string) ([]domain.CandidateGame, error) {
		return nil, fmt.Errorf("%w: %w", domain.ErrCatalogUnavailable, domain.ErrCircuitOpen)
	}}
	cache := NewSearchCache(10*time.Minute, 10, WithCacheClock(fixedClock))
	svc := NewService(db, catalog, WithClock(fixedClock), WithCache(cache))

	query := mustQuery(t, "mario")
	resp, err := svc.ExecuteSearch(context.Background(), query)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !resp.Degraded || !resp.SourceBreakdown.DB || resp.SourceBreakdown.Catalog {
		t.Fatalf("unexpected flags degraded=%v %+v", resp.Degraded, resp.SourceBreakdown)
	}
	if len(resp.Results) == 0 {
		t.Fatalf("expected database results")
	}

	entry, ok := cache.Get(context.Background(), QueryFingerprint(query))
	if !ok {
		t.Fatalf("degraded page should still be cached")
	}
	if entry.TTL != 30*time.Second {
		t.Fatalf("degraded page must use the short ttl, got %v", entry.TTL)
	}
}

func TestExecuteSearchAllSourcesUnavailable(t *testing.T) {
	db := &fakeTextSource{err: errors.New("connection refused")}
	catalog := &fakeCatalog{search: func(string) ([]domain.CandidateGame, error) {
		return nil, domain.ErrCatalogUnavailable
	}}
	svc := NewService(db, catalog, WithCacheDisabled(true))

	_, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "mario"))
	if !errors.Is(err, domain.ErrAllSourcesUnavailable) {
		t.Fatalf("expected ErrAllSourcesUnavailable, got %v", err)
	}
	if !errors.Is(err, domain.ErrDataSourceUnavailable) || !errors.Is(err, domain.ErrCatalogUnavailable) {
		t.Fatalf("expected both causes in the chain, got %v", err)
	}
}

func TestExecuteSearchNoSourcesConfigured(t *testing.T) {
	svc := NewService(nil, nil, WithCacheDisabled(true))
	_, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "mario"))
	if !errors.Is(err, domain.ErrAllSourcesUnavailable) {
		t.Fatalf("expected ErrAllSourcesUnavailable, got %v", err)
	}
}

func TestExecuteSearchDropsSeasonsAndBundles(t *testing.T) {
	catalog := staticCatalog(
		domain.CandidateGame{ID: 1, Name: "Fortnite", Category: domain.CategoryMainGame, Publisher: "Epic Games"},
		domain.CandidateGame{ID: 2, Name: "Fortnite Chapter 5 Season 1", Category: domain.CategorySeason},
		domain.CandidateGame{ID: 3, Name: "Fortnite Minty Legends Pack", Category: domain.CategoryBundle},
		domain.CandidateGame{ID: 4, Name: "Fortnite Episode 2", Category: domain.CategoryEpisode},
	)
	svc := NewService(nil, catalog, WithClock(fixedClock), WithCacheDisabled(true))

	resp, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "fortnite"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if ids := resultIDs(resp.Results); !reflect.DeepEqual(ids, []int64{1}) {
		t.Fatalf("expected only the main game, got %v", ids)
	}
}

func TestExecuteSearchRequestFilters(t *testing.T) {
	catalog := staticCatalog(
		domain.CandidateGame{ID: 1, Name: "Hades", Platforms: []string{"PC", "Nintendo Switch"}, Rating: ratingPtr(93)},
		domain.CandidateGame{ID: 2, Name: "Hades II", Platforms: []string{"PC"}, Rating: ratingPtr(90)},
		domain.CandidateGame{ID: 3, Name: "Hades Fan Game", Platforms: []string{"Nintendo Switch"}, Rating: ratingPtr(40)},
	)
	svc := NewService(nil, catalog, WithClock(fixedClock), WithCacheDisabled(true))

	q, err := NewQuery("hades", domain.SearchFilters{Platforms: []string{"switch"}, MinRating: 80}, 10, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	resp, err := svc.ExecuteSearch(context.Background(), q)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if ids := resultIDs(resp.Results); !reflect.DeepEqual(ids, []int64{1}) {
		t.Fatalf("expected only switch games rated 80+, got %v", ids)
	}
}

func TestExecuteSearchFranchiseFetchesMissingFlagship(t *testing.T) {
	catalog := &fakeCatalog{
		search: func(string) ([]domain.CandidateGame, error) {
			return []domain.CandidateGame{
				{ID: 5001, Name: "Zelda Classic", Category: domain.CategoryMainGame, Developer: "Fans"},
			}, nil
		},
		byFranchise: func(name string) ([]domain.CandidateGame, error) {
			if name != "The Legend of Zelda" {
				return nil, fmt.Errorf("unexpected franchise %q", name)
			}
			return []domain.CandidateGame{
				{ID: 119388, Name: "The Legend of Zelda: Tears of the Kingdom", Franchise: "The Legend of Zelda", Publisher: "Nintendo", Category: domain.CategoryMainGame},
				{ID: 1025, Name: "The Legend of Zelda: Ocarina of Time", Franchise: "The Legend of Zelda", Publisher: "Nintendo", Category: domain.CategoryMainGame},
			}, nil
		},
		byIDs: func(ids []int64) ([]domain.CandidateGame, error) {
			if !reflect.DeepEqual(ids, []int64{7346}) {
				return nil, fmt.Errorf("unexpected ids %v", ids)
			}
			return []domain.CandidateGame{
				{ID: 7346, Name: "The Legend of Zelda: Breath of the Wild", Franchise: "The Legend of Zelda", Publisher: "Nintendo", Category: domain.CategoryMainGame},
			}, nil
		},
	}
	svc := NewService(nil, catalog, WithClock(fixedClock), WithCacheDisabled(true), WithRankingConfig(zeldaConfig()))

	resp, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "zelda"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !resp.SourceBreakdown.FranchiseExpansion {
		t.Fatalf("expected franchise expansion flag")
	}
	if resp.Degraded {
		t.Fatalf("expansion must not degrade the response")
	}
	ids := resultIDs(resp.Results)
	if len(ids) < 3 || ids[0] != 7346 || ids[1] != 119388 {
		t.Fatalf("expected flagships first and adjacent, got %v", ids)
	}
	if resp.Results[0].Tier != domain.TierFlagship || resp.Results[2].Tier != domain.TierFamous {
		t.Fatalf("unexpected tiers %s %s", resp.Results[0].Tier, resp.Results[2].Tier)
	}
	if !resp.Results[0].Game.Sources.Has(domain.SourceFranchise) {
		t.Fatalf("expanded record should carry the franchise source")
	}
	if ids[len(ids)-1] != 5001 {
		t.Fatalf("fan game should rank last, got %v", ids)
	}
}

func TestExecuteSearchFranchiseFailureIsNotFatal(t *testing.T) {
	catalog := &fakeCatalog{
		search: func(string) ([]domain.CandidateGame, error) {
			return []domain.CandidateGame{{ID: 5001, Name: "Zelda Classic"}}, nil
		},
		byFranchise: func(string) ([]domain.CandidateGame, error) {
			return nil, domain.ErrCatalogUnavailable
		},
	}
	svc := NewService(nil, catalog, WithClock(fixedClock), WithCacheDisabled(true), WithRankingConfig(zeldaConfig()))

	resp, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "zelda"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Degraded || resp.SourceBreakdown.FranchiseExpansion {
		t.Fatalf("unexpected flags degraded=%v %+v", resp.Degraded, resp.SourceBreakdown)
	}
	if ids := resultIDs(resp.Results); !reflect.DeepEqual(ids, []int64{5001}) {
		t.Fatalf("unexpected results %v", ids)
	}
	if catalog.idCalls.Load() != 0 {
		t.Fatalf("id lookup must not run after the franchise fetch failed")
	}
}

func TestExecuteSearchSkipsExpansionWhenFlagshipsPresent(t *testing.T) {
	catalog := staticCatalog(
		domain.CandidateGame{ID: 7346, Name: "The Legend of Zelda: Breath of the Wild", Publisher: "Nintendo"},
		domain.CandidateGame{ID: 119388, Name: "The Legend of Zelda: Tears of the Kingdom", Publisher: "Nintendo"},
	)
	svc := NewService(nil, catalog, WithClock(fixedClock), WithCacheDisabled(true), WithRankingConfig(zeldaConfig()))

	resp, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "zelda"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if catalog.franchiseCalls.Load() != 0 || resp.SourceBreakdown.FranchiseExpansion {
		t.Fatalf("franchise fetch should be skipped when flagships are present")
	}
}

func TestExecuteSearchCoalescesConcurrentCalls(t *testing.T) {
	catalog := staticCatalog(marioCandidates()...)
	catalog.block = make(chan struct{})
	cache := NewSearchCache(time.Minute, 10)
	svc := NewService(nil, catalog, WithCache(cache))

	query := mustQuery(t, "mario")
	key := QueryFingerprint(query)

	var wg sync.WaitGroup
	results := make([]domain.SearchResponse, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ExecuteSearch(context.Background(), query)
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		svc.flightMu.Lock()
		f := svc.flights[key]
		waiters := 0
		if f != nil {
			waiters = f.waiters
		}
		svc.flightMu.Unlock()
		if waiters == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("callers never joined the same flight")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(catalog.block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := catalog.searchCalls.Load(); got != 1 {
		t.Fatalf("expected 1 catalog call, got %d", got)
	}
	if !reflect.DeepEqual(resultIDs(results[0].Results), resultIDs(results[1].Results)) {
		t.Fatalf("coalesced callers got different pages")
	}
}

func TestExecuteSearchCancelledCallerDoesNotCancelOthers(t *testing.T) {
	catalog := staticCatalog(marioCandidates()...)
	catalog.block = make(chan struct{})
	svc := NewService(nil, catalog, WithCacheDisabled(true))
	query := mustQuery(t, "mario")

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.ExecuteSearch(ctx, query)
		firstErr <- err
	}()

	secondDone := make(chan error, 1)
	go func() {
		for catalog.searchCalls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		_, err := svc.ExecuteSearch(context.Background(), query)
		secondDone <- err
	}()

	key := QueryFingerprint(query)
	for {
		svc.flightMu.Lock()
		f := svc.flights[key]
		ready := f != nil && f.waiters == 2
		svc.flightMu.Unlock()
		if ready {
			break
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled caller to get context.Canceled, got %v", err)
	}
	close(catalog.block)
	if err := <-secondDone; err != nil {
		t.Fatalf("remaining caller should succeed, got %v", err)
	}
}

func TestExecuteSearchServesFromCache(t *testing.T) {
	catalog := staticCatalog(marioCandidates()...)
	svc := NewService(nil, catalog, WithCache(NewSearchCache(time.Minute, 10)))
	query := mustQuery(t, "mario")

	first, err := svc.ExecuteSearch(context.Background(), query)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.ExecuteSearch(context.Background(), query)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Cached || first.Cached {
		t.Fatalf("expected only the second call to be cached")
	}
	if !reflect.DeepEqual(resultIDs(first.Results), resultIDs(second.Results)) {
		t.Fatalf("cached page differs: %v vs %v", resultIDs(first.Results), resultIDs(second.Results))
	}
	if catalog.searchCalls.Load() != 1 {
		t.Fatalf("expected 1 catalog call, got %d", catalog.searchCalls.Load())
	}

	query.NoCache = true
	if _, err := svc.ExecuteSearch(context.Background(), query); err != nil {
		t.Fatalf("nocache: %v", err)
	}
	if catalog.searchCalls.Load() != 2 {
		t.Fatalf("nocache must bypass the cache")
	}
}

func TestExecuteSearchBlocksFailingDatabase(t *testing.T) {
	db := &fakeTextSource{err: errors.New("connection reset by peer")}
	catalog := staticCatalog(marioCandidates()...)
	svc := NewService(db, catalog, WithClock(fixedClock), WithCacheDisabled(true))

	for i := 0; i < sourceFailureThreshold+2; i++ {
		resp, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "mario"))
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !resp.Degraded {
			t.Fatalf("call %d should be degraded", i)
		}
	}
	if got := db.calls.Load(); got != sourceFailureThreshold {
		t.Fatalf("expected database skipped after %d failures, got %d calls", sourceFailureThreshold, got)
	}

	var dbDiag domain.SourceDiagnostics
	for _, d := range svc.SourceDiagnostics() {
		if d.Name == sourceDB {
			dbDiag = d
		}
	}
	if dbDiag.ConsecutiveFailures != sourceFailureThreshold || dbDiag.LastError == "" {
		t.Fatalf("unexpected diagnostics %+v", dbDiag)
	}
}

func TestExecuteSearchQueryExpansionOnFewResults(t *testing.T) {
	catalog := &fakeCatalog{search: func(q string) ([]domain.CandidateGame, error) {
		if q == "final fantasy 7" {
			return []domain.CandidateGame{{ID: 427, Name: "Final Fantasy VII", Publisher: "Square Enix"}}, nil
		}
		return nil, nil
	}}
	svc := NewService(nil, catalog, WithClock(fixedClock), WithCacheDisabled(true))

	resp, err := svc.ExecuteSearch(context.Background(), mustQuery(t, "Final Fantasy VII"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if ids := resultIDs(resp.Results); !reflect.DeepEqual(ids, []int64{427}) {
		t.Fatalf("expected expanded query to find FF7, got %v", ids)
	}
}

func TestExponentialBlockDuration(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{3, 15 * time.Second},
		{4, 30 * time.Second},
		{5, time.Minute},
		{6, 2 * time.Minute},
		{7, 2 * time.Minute},
		{12, 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := exponentialBlockDuration(tt.failures); got != tt.want {
			t.Errorf("exponentialBlockDuration(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestSourceBlockResetsAfterSuccess(t *testing.T) {
	svc := NewService(nil, nil)
	testErr := errors.New("connection timeout")

	for i := 0; i < sourceFailureThreshold; i++ {
		svc.recordSourceResult(sourceDB, "fulltext", "q", testErr, 10*time.Millisecond, testNow, true)
	}
	blocked, until, _ := svc.isSourceBlocked(sourceDB, testNow)
	if !blocked || until.Sub(testNow) != sourceBlockBase {
		t.Fatalf("expected base block, got blocked=%v until=%v", blocked, until)
	}

	after := until.Add(time.Second)
	if blocked, _, _ := svc.isSourceBlocked(sourceDB, after); blocked {
		t.Fatalf("block should expire")
	}
	svc.recordSourceResult(sourceDB, "fulltext", "q", nil, 5*time.Millisecond, after, true)
	svc.recordSourceResult(sourceDB, "fulltext", "q", testErr, 5*time.Millisecond, after, true)
	if blocked, _, _ := svc.isSourceBlocked(sourceDB, after); blocked {
		t.Fatalf("a single failure after success must not block")
	}
}

func TestCatalogFailuresNeverBlockLocally(t *testing.T) {
	svc := NewService(nil, nil)
	for i := 0; i < 10; i++ {
		svc.recordSourceResult(sourceCatalog, "catalog", "q", domain.ErrCircuitOpen, 0, testNow, false)
	}
	if blocked, _, _ := svc.isSourceBlocked(sourceCatalog, testNow); blocked {
		t.Fatalf("catalog relies on its own breaker")
	}
}

// gatedTextSource holds its first call until release is closed, then fails
// with the context error; later calls answer immediately.
type gatedTextSource struct {
	games   []domain.CandidateGame
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedTextSource) Name() string { return "gated-db" }

func (g *gatedTextSource) Search(ctx context.Context, normalized string, limit int) ([]domain.CandidateGame, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
		<-g.release
		return nil, ctx.Err()
	}
	return capGames(append([]domain.CandidateGame(nil), g.games...), limit), nil
}

func TestExecuteSearchAbandonedFlightIsNotReused(t *testing.T) {
	db := &gatedTextSource{
		games:   marioCandidates(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	defer close(db.release)
	svc := NewService(db, nil, WithClock(fixedClock))
	query := mustQuery(t, "mario")

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.ExecuteSearch(ctx, query)
		firstErr <- err
	}()
	<-db.started
	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for the departed caller, got %v", err)
	}

	type result struct {
		resp domain.SearchResponse
		err  error
	}
	second := make(chan result, 1)
	go func() {
		resp, err := svc.ExecuteSearch(context.Background(), query)
		second <- result{resp, err}
	}()
	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second caller must get a fresh search, got %v", r.err)
		}
		if r.resp.Degraded || !r.resp.SourceBreakdown.DB || len(r.resp.Results) == 0 {
			t.Fatalf("unexpected response %+v", r.resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second caller was attached to the cancelled search")
	}
	if db.calls.Load() != 2 {
		t.Fatalf("expected a second database call, got %d", db.calls.Load())
	}
}

func TestExecuteSearchCallerCancellationDoesNotBlockDatabase(t *testing.T) {
	db := &fakeTextSource{games: marioCandidates(), delay: 50 * time.Millisecond}
	svc := NewService(db, nil, WithClock(fixedClock))
	query := mustQuery(t, "mario")

	for i := 0; i < sourceFailureThreshold+1; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_, err := svc.ExecuteSearch(ctx, query)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("call %d: expected the caller deadline, got %v", i, err)
		}
	}

	resp, err := svc.ExecuteSearch(context.Background(), query)
	if err != nil {
		t.Fatalf("ExecuteSearch: %v", err)
	}
	if resp.Degraded || !resp.SourceBreakdown.DB {
		t.Fatalf("departed callers must not mark the database unhealthy: degraded=%v db=%v", resp.Degraded, resp.SourceBreakdown.DB)
	}
	for _, item := range svc.SourceDiagnostics() {
		if item.Name == sourceDB && (item.ConsecutiveFailures != 0 || item.TotalFailures != 0) {
			t.Fatalf("cancellations were recorded as failures: %+v", item)
		}
	}
}
