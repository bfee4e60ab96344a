package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gamesearch/searchservice/internal/domain"
	"gamesearch/searchservice/internal/metrics"
	"gamesearch/searchservice/internal/telemetry"
)

// expansionThreshold is the candidate count under which the catalog is
// queried again with a rewritten query.
const expansionThreshold = 5

// flight is the shared execution context for one fingerprint. It is
// cancelled only once every caller waiting on it has gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type sourceResult struct {
	games      []domain.CandidateGame
	err        error
	configured bool
}

// ExecuteSearch runs the full pipeline for a validated query. Source failures
// become the degraded flag and source breakdown; only an invalid query or the
// failure of every configured source is returned as an error.
func (s *Service) ExecuteSearch(ctx context.Context, query domain.SearchQuery) (domain.SearchResponse, error) {
	if strings.TrimSpace(query.Normalized) == "" {
		return domain.SearchResponse{}, fmt.Errorf("%w: query is required", domain.ErrInvalidQuery)
	}
	startedAt := s.now()

	ctx, span := telemetry.Tracer().Start(ctx, "search.execute")
	defer span.End()
	span.SetAttributes(attribute.String("search.query", query.Normalized), attribute.Int("search.limit", query.Limit))

	fingerprint := QueryFingerprint(query)
	useCache := s.cache != nil && !s.cacheDisabled
	if useCache && !query.NoCache {
		if entry, results, ok := s.cache.Lookup(ctx, fingerprint); ok {
			span.SetAttributes(attribute.Bool("search.cached", true))
			s.markPopular(fingerprint, query, s.now())
			return domain.SearchResponse{
				Query:           query.Raw,
				Normalized:      query.Normalized,
				Results:         results,
				TotalCandidates: entry.TotalCandidates,
				Degraded:        entry.Degraded,
				SourceBreakdown: entry.SourceBreakdown,
				Limit:           query.Limit,
				ElapsedMS:       s.now().Sub(startedAt).Milliseconds(),
				Cached:          true,
			}, nil
		}
	}

	flightKey := fingerprint
	if query.NoCache {
		flightKey = "nocache:" + fingerprint
	}
	f := s.joinFlight(ctx, flightKey)
	ch := s.group.DoChan(flightKey, func() (any, error) {
		return s.runPipeline(f.ctx, query, fingerprint)
	})

	select {
	case <-ctx.Done():
		s.leaveFlight(flightKey, f)
		return domain.SearchResponse{}, ctx.Err()
	case res := <-ch:
		s.leaveFlight(flightKey, f)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			return domain.SearchResponse{}, res.Err
		}
		if res.Shared {
			metrics.SearchCoalescedTotal.Inc()
		}
		response := res.Val.(domain.SearchResponse)
		response.Query = query.Raw
		response.Results = append([]domain.ScoredGame(nil), response.Results...)
		response.ElapsedMS = s.now().Sub(startedAt).Milliseconds()
		if useCache && !query.NoCache {
			s.markPopular(fingerprint, query, s.now())
		}
		span.SetAttributes(attribute.Bool("search.degraded", response.Degraded), attribute.Int("search.results", len(response.Results)))
		return response, nil
	}
}

func (s *Service) joinFlight(ctx context.Context, key string) *flight {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()

	f := s.flights[key]
	if f == nil {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeouts.Request)
		f = &flight{ctx: runCtx, cancel: cancel}
		s.flights[key] = f
	}
	f.waiters++
	return f
}

func (s *Service) leaveFlight(key string, f *flight) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if s.flights[key] == f {
		delete(s.flights, key)
		// The cancelled call may still be unwinding; later callers start a new one.
		s.group.Forget(key)
	}
	f.cancel()
}

func (s *Service) runPipeline(ctx context.Context, query domain.SearchQuery, fingerprint string) (domain.SearchResponse, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "search.pipeline")
	defer span.End()

	fetchLimit := fetchLimitFor(query.Limit)
	dbRes, catalogRes := s.fetchCandidates(ctx, query.Normalized, fetchLimit)

	breakdown := domain.SourceBreakdown{
		DB:      dbRes.configured && dbRes.err == nil,
		Catalog: catalogRes.configured && catalogRes.err == nil,
	}
	if !breakdown.DB && !breakdown.Catalog {
		cause := errors.Join(dbRes.err, catalogRes.err)
		if cause == nil {
			cause = errors.New("no sources configured")
		}
		err := fmt.Errorf("%w: %w", domain.ErrAllSourcesUnavailable, cause)
		s.logger.Warn("search sources unavailable",
			slog.String("query", query.Normalized),
			slog.String("error", err.Error()),
		)
		return domain.SearchResponse{}, err
	}
	degraded := (dbRes.configured && dbRes.err != nil) || (catalogRes.configured && catalogRes.err != nil)
	if degraded {
		metrics.SearchDegradedTotal.Inc()
	}

	pipeline := s.filters.With(requestFilters(query.Filters)...)
	candidates := s.mergeAndFilter(pipeline, nil, tagSource(dbRes.games, domain.SourceDB), tagSource(catalogRes.games, domain.SourceCatalog))

	if len(candidates) < expansionThreshold && breakdown.Catalog {
		candidates = s.expandQuery(ctx, pipeline, query, candidates)
	}

	match := s.franchise.Detect(query.Normalized)
	if match.Profile != nil && s.catalog != nil {
		var expanded bool
		candidates, expanded = s.expandFranchise(ctx, pipeline, match, candidates)
		breakdown.FranchiseExpansion = expanded
	}

	internal := s.loadInternalMetrics(ctx, candidates)
	scored := s.scoreCandidates(query, candidates, internal, match.Profile)

	ttl := time.Duration(0)
	if s.cache != nil {
		ttl = s.cache.TTL()
		if degraded && s.degradedTTL < ttl {
			ttl = s.degradedTTL
		}
	}
	page, entry := Assemble(assembleInput{
		scored:      scored,
		limit:       query.Limit,
		preference:  query.Filters.SortBy,
		sisters:     s.franchise.SisterGroups(),
		fingerprint: fingerprint,
		ttl:         ttl,
		now:         s.now(),
		degraded:    degraded,
		sources:     breakdown,
	})

	if s.cache != nil && !s.cacheDisabled {
		// Store even if every waiter has left; the work is already done.
		storeCtx := context.WithoutCancel(ctx)
		games := make([]domain.CandidateGame, 0, len(page))
		for _, item := range page {
			games = append(games, item.Game)
		}
		s.cache.PutRecords(storeCtx, games)
		s.cache.Put(storeCtx, fingerprint, entry)
	}

	span.SetAttributes(
		attribute.Int("search.candidates", len(scored)),
		attribute.Bool("search.source.db", breakdown.DB),
		attribute.Bool("search.source.catalog", breakdown.Catalog),
		attribute.Bool("search.source.franchise", breakdown.FranchiseExpansion),
	)
	return domain.SearchResponse{
		Query:           query.Raw,
		Normalized:      query.Normalized,
		Results:         page,
		TotalCandidates: len(scored),
		Degraded:        degraded,
		SourceBreakdown: breakdown,
		Limit:           query.Limit,
	}, nil
}

// fetchCandidates queries the database and the catalog concurrently, each
// under its own timeout.
func (s *Service) fetchCandidates(ctx context.Context, normalized string, limit int) (sourceResult, sourceResult) {
	var (
		wg         sync.WaitGroup
		dbRes      sourceResult
		catalogRes sourceResult
	)
	if s.db != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dbRes = s.searchDB(ctx, normalized, limit)
		}()
	}
	if s.catalog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			catalogRes = s.searchCatalog(ctx, normalized, limit)
		}()
	}
	wg.Wait()
	return dbRes, catalogRes
}

func (s *Service) searchDB(ctx context.Context, normalized string, limit int) sourceResult {
	res := sourceResult{configured: true}
	now := s.now()
	if blocked, until, lastErr := s.isSourceBlocked(sourceDB, now); blocked {
		res.err = fmt.Errorf("%w: temporarily skipped until %s: %s", domain.ErrDataSourceUnavailable, until.UTC().Format(time.RFC3339), lastErr)
		return res
	}

	ctx, span := telemetry.Tracer().Start(ctx, "search.source.db")
	defer span.End()
	dbCtx, cancel := context.WithTimeout(ctx, s.timeouts.DB)
	defer cancel()

	startedAt := time.Now()
	games, err := s.db.Search(dbCtx, normalized, limit)
	if err != nil && callersGone(ctx) {
		res.err = fmt.Errorf("%w: %w", domain.ErrDataSourceUnavailable, err)
		return res
	}
	s.recordSourceResult(sourceDB, sourceKind(sourceDB), normalized, err, time.Since(startedAt), s.now(), true)
	if err != nil {
		if !errors.Is(err, domain.ErrDataSourceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrDataSourceUnavailable, err)
		}
		span.RecordError(err)
		s.logger.Warn("database search failed", slog.String("query", normalized), slog.String("error", err.Error()))
		res.err = err
		return res
	}
	res.games = capGames(games, limit)
	return res
}

func (s *Service) searchCatalog(ctx context.Context, query string, limit int) sourceResult {
	res := sourceResult{configured: true}
	ctx, span := telemetry.Tracer().Start(ctx, "search.source.catalog")
	defer span.End()
	catalogCtx, cancel := context.WithTimeout(ctx, s.timeouts.Catalog)
	defer cancel()

	startedAt := time.Now()
	games, err := s.catalog.Search(catalogCtx, query, limit)
	if err != nil && callersGone(ctx) {
		res.err = fmt.Errorf("%w: %w", domain.ErrCatalogUnavailable, err)
		return res
	}
	s.recordSourceResult(sourceCatalog, sourceKind(sourceCatalog), query, err, time.Since(startedAt), s.now(), false)
	if err != nil {
		if !errors.Is(err, domain.ErrCatalogUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrCatalogUnavailable, err)
		}
		span.RecordError(err)
		s.logger.Warn("catalog search failed", slog.String("query", query), slog.String("error", err.Error()))
		res.err = err
		return res
	}
	res.games = capGames(games, limit)
	return res
}

// mergeAndFilter merges new candidate lists into the current set and runs the
// filter pipeline over the result.
func (s *Service) mergeAndFilter(pipeline *FilterPipeline, current []domain.CandidateGame, lists ...[]domain.CandidateGame) []domain.CandidateGame {
	all := make([][]domain.CandidateGame, 0, len(lists)+1)
	all = append(all, current)
	all = append(all, lists...)
	merged := MergeCandidates(all...)
	filtered, stats := pipeline.Apply(merged)
	for name, dropped := range stats {
		metrics.FilterDroppedTotal.WithLabelValues(name).Add(float64(dropped))
	}
	return filtered
}

// expandQuery retries the catalog with rewritten queries when the first
// pass found too little. Errors here never degrade the response.
func (s *Service) expandQuery(ctx context.Context, pipeline *FilterPipeline, query domain.SearchQuery, candidates []domain.CandidateGame) []domain.CandidateGame {
	for _, variant := range expandedQueries(query.Raw, query.Normalized) {
		res := s.searchCatalog(ctx, variant, fetchLimitFor(query.Limit))
		if res.err != nil {
			return candidates
		}
		candidates = s.mergeAndFilter(pipeline, candidates, tagSource(res.games, domain.SourceCatalog))
		if len(candidates) >= expansionThreshold {
			break
		}
	}
	return candidates
}

// expandFranchise fetches the franchise from the catalog when its flagship
// titles are missing, then fetches any flagship still absent by ID. The
// second return reports whether the supplemental fetch ran and succeeded.
func (s *Service) expandFranchise(ctx context.Context, pipeline *FilterPipeline, match FranchiseMatch, candidates []domain.CandidateGame) ([]domain.CandidateGame, bool) {
	missing := MissingFlagships(match.Profile, candidates)
	if len(missing) == 0 {
		return candidates, false
	}

	ctx, span := telemetry.Tracer().Start(ctx, "search.franchise")
	defer span.End()
	span.SetAttributes(attribute.String("franchise.name", match.Profile.Name), attribute.Int("franchise.missing", len(missing)))

	fctx, cancel := context.WithTimeout(ctx, s.timeouts.Franchise)
	defer cancel()

	startedAt := time.Now()
	games, err := s.catalog.SearchByFranchise(fctx, match.Profile.Name)
	if err == nil {
		candidates = s.mergeAndFilter(pipeline, candidates, tagSource(games, domain.SourceCatalog|domain.SourceFranchise))
		if still := MissingFlagships(match.Profile, candidates); len(still) > 0 {
			var byID []domain.CandidateGame
			byID, err = s.catalog.GetByIDs(fctx, still)
			if err == nil {
				candidates = s.mergeAndFilter(pipeline, candidates, tagSource(byID, domain.SourceCatalog|domain.SourceFranchise))
			}
		}
	}
	if err == nil || !callersGone(ctx) {
		s.recordSourceResult(sourceFranchise, sourceKind(sourceFranchise), match.Profile.Name, err, time.Since(startedAt), s.now(), false)
	}

	if err != nil {
		err = fmt.Errorf("%w: %s: %w", domain.ErrFranchiseExpansionFailed, match.Profile.Name, err)
		span.RecordError(err)
		metrics.FranchiseExpansionsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("franchise expansion failed",
			slog.String("franchise", match.Profile.Name),
			slog.String("error", err.Error()),
		)
		return candidates, false
	}
	metrics.FranchiseExpansionsTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("franchise expanded",
		slog.String("franchise", match.Profile.Name),
		slog.Int("missing", len(missing)),
		slog.Int("candidates", len(candidates)),
	)
	return candidates, true
}

func (s *Service) loadInternalMetrics(ctx context.Context, candidates []domain.CandidateGame) map[int64]domain.InternalMetrics {
	if s.metricsStore == nil || len(candidates) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	mctx, cancel := context.WithTimeout(ctx, s.timeouts.Metrics)
	defer cancel()
	out, err := s.metricsStore.GetInternalMetrics(mctx, ids)
	if err != nil {
		s.logger.Warn("internal metrics unavailable", slog.String("error", err.Error()))
		return nil
	}
	return out
}

func (s *Service) scoreCandidates(query domain.SearchQuery, candidates []domain.CandidateGame, internal map[int64]domain.InternalMetrics, franchise *domain.FranchiseProfile) []domain.ScoredGame {
	queryMeta := parseTitleMeta(query.Normalized)
	now := s.now()
	scored := make([]domain.ScoredGame, 0, len(candidates))
	for _, game := range candidates {
		var m *domain.InternalMetrics
		if value, ok := internal[game.ID]; ok {
			m = &value
		}
		relevance, relParts := s.relevance.Score(queryMeta, game)
		popularity, popParts := s.popularity.Score(game, m, now)
		tier := s.tiers.Classify(TierInput{
			Game:       game,
			Engagement: s.popularity.Engagement(game, m),
			Franchise:  franchise,
		})
		composite := CompositeScore(s.cfg.Composite, relevance, popularity)

		breakdown := make([]domain.ScoreComponent, 0, len(relParts)+len(popParts)+1)
		breakdown = append(breakdown, domain.ScoreComponent{Label: "tier:" + tier.String(), Value: float64(tier)})
		for _, part := range relParts {
			breakdown = append(breakdown, domain.ScoreComponent{Label: "relevance." + part.Label, Value: part.Value})
		}
		for _, part := range popParts {
			breakdown = append(breakdown, domain.ScoreComponent{Label: "popularity." + part.Label, Value: part.Value})
		}

		scored = append(scored, domain.ScoredGame{
			Game:       game,
			Relevance:  relevance,
			Popularity: popularity,
			Composite:  composite,
			Tier:       tier,
			Breakdown:  breakdown,
		})
	}
	return scored
}

func tagSource(games []domain.CandidateGame, source domain.SourceSet) []domain.CandidateGame {
	if len(games) == 0 {
		return nil
	}
	out := make([]domain.CandidateGame, len(games))
	for i, g := range games {
		g.Sources |= source
		out[i] = g
	}
	return out
}

func capGames(games []domain.CandidateGame, limit int) []domain.CandidateGame {
	if limit > 0 && len(games) > limit {
		return games[:limit]
	}
	return games
}

func fetchLimitFor(limit int) int {
	fetch := limit * 3
	if fetch < 50 {
		fetch = 50
	}
	if fetch > MaxSourceLimit {
		fetch = MaxSourceLimit
	}
	return fetch
}
