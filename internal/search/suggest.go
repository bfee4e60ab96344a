package search

import (
	"context"
	"fmt"
	"sort"

	"gamesearch/searchservice/internal/domain"
)

const (
	defaultSuggestLimit = 8
	maxSuggestLimit     = 20
)

// Suggest returns typeahead names. The local index is tried first; the
// catalog fills in only when the index has too few matches.
func (s *Service) Suggest(ctx context.Context, raw string, limit int) ([]domain.Suggestion, error) {
	query, err := NewQuery(raw, domain.SearchFilters{}, limit, nil)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSuggestLimit
	}
	if limit > maxSuggestLimit {
		limit = maxSuggestLimit
	}

	var candidates []domain.CandidateGame
	var lastErr error
	if s.db != nil {
		dbCtx, cancel := context.WithTimeout(ctx, s.timeouts.DB)
		games, err := s.db.Search(dbCtx, query.Normalized, limit*2)
		cancel()
		if err != nil {
			lastErr = err
		}
		candidates = tagSource(games, domain.SourceDB)
	}
	if len(candidates) < limit && s.catalog != nil {
		catalogCtx, cancel := context.WithTimeout(ctx, s.timeouts.Catalog)
		games, err := s.catalog.Search(catalogCtx, query.Normalized, limit*2)
		cancel()
		if err != nil {
			lastErr = err
		}
		candidates = MergeCandidates(candidates, tagSource(games, domain.SourceCatalog))
	}
	if len(candidates) == 0 && lastErr != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAllSourcesUnavailable, lastErr)
	}

	filtered, _ := s.filters.Apply(candidates)
	queryMeta := parseTitleMeta(query.Normalized)
	type ranked struct {
		game  domain.CandidateGame
		score float64
	}
	items := make([]ranked, 0, len(filtered))
	for _, game := range filtered {
		items = append(items, ranked{game: game, score: nameSimilarity(queryMeta, parseTitleMeta(game.Name))})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if c := compareFloat64(items[j].score, items[i].score); c != 0 {
			return c < 0
		}
		if items[i].game.Follows != items[j].game.Follows {
			return items[i].game.Follows > items[j].game.Follows
		}
		return items[i].game.ID < items[j].game.ID
	})

	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]domain.Suggestion, 0, len(items))
	for _, item := range items {
		suggestion := domain.Suggestion{ID: item.game.ID, Name: item.game.Name, CoverID: item.game.CoverID}
		if item.game.ReleasedAt != nil {
			suggestion.Year = item.game.ReleasedAt.Year()
		}
		out = append(out, suggestion)
	}
	return out, nil
}

// GetGame returns a single record, preferring the shared record cache.
func (s *Service) GetGame(ctx context.Context, id int64) (domain.CandidateGame, error) {
	if id <= 0 {
		return domain.CandidateGame{}, fmt.Errorf("%w: id must be positive", domain.ErrInvalidQuery)
	}
	if s.cache != nil {
		if games, ok := s.cache.Records(ctx, []int64{id}); ok {
			return games[id], nil
		}
	}
	if s.catalog == nil {
		return domain.CandidateGame{}, domain.ErrGameNotFound
	}
	catalogCtx, cancel := context.WithTimeout(ctx, s.timeouts.Catalog)
	defer cancel()
	game, err := s.catalog.GetByID(catalogCtx, id)
	if err != nil {
		return domain.CandidateGame{}, err
	}
	if s.cache != nil {
		s.cache.PutRecords(ctx, []domain.CandidateGame{game})
	}
	return game, nil
}
