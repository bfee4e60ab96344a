package search

import (
	"sort"
	"time"

	"gamesearch/searchservice/internal/domain"
)

// CompositeScore is the weighted mean of relevance and popularity. It is
// non-decreasing in both inputs for non-negative weights.
func CompositeScore(weights CompositeWeights, relevance, popularity float64) float64 {
	total := weights.Relevance + weights.Popularity
	if total <= 0 {
		return 0
	}
	return clamp01((weights.Relevance*clamp01(relevance) + weights.Popularity*clamp01(popularity)) / total)
}

// SortScored orders by tier, then the sort preference within a tier, then ID.
func SortScored(items []domain.ScoredGame, preference domain.SortPreference) {
	sort.SliceStable(items, func(i, j int) bool {
		return compareScored(items[i], items[j], preference) < 0
	})
}

func compareScored(left, right domain.ScoredGame, preference domain.SortPreference) int {
	if c := compareInt(int(left.Tier), int(right.Tier)); c != 0 {
		return c
	}
	switch preference {
	case domain.SortByPopularity:
		if c := compareFloat64(right.Popularity, left.Popularity); c != 0 {
			return c
		}
	case domain.SortByRelease:
		if c := compareReleased(right.Game.ReleasedAt, left.Game.ReleasedAt); c != 0 {
			return c
		}
	}
	if c := compareFloat64(right.Composite, left.Composite); c != 0 {
		return c
	}
	return compareInt64(left.Game.ID, right.Game.ID)
}

func compareInt(left, right int) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

func compareInt64(left, right int64) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

func compareFloat64(left, right float64) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

// compareReleased treats a missing date as older than any known date.
func compareReleased(left, right *time.Time) int {
	switch {
	case left == nil && right == nil:
		return 0
	case left == nil:
		return -1
	case right == nil:
		return 1
	case left.Before(*right):
		return -1
	case left.After(*right):
		return 1
	default:
		return 0
	}
}

type assembleInput struct {
	scored      []domain.ScoredGame
	limit       int
	preference  domain.SortPreference
	sisters     [][]int64
	fingerprint string
	ttl         time.Duration
	now         time.Time
	degraded    bool
	sources     domain.SourceBreakdown
}

// Assemble sorts, truncates and builds the cache entry for the page.
func Assemble(in assembleInput) ([]domain.ScoredGame, domain.CacheEntry) {
	sorted := append([]domain.ScoredGame(nil), in.scored...)
	SortScored(sorted, in.preference)
	page := KeepSistersTogether(sorted, in.limit, in.sisters)

	entry := domain.CacheEntry{
		Fingerprint:     in.fingerprint,
		Items:           make([]domain.CachedItem, 0, len(page)),
		TotalCandidates: len(in.scored),
		Degraded:        in.degraded,
		SourceBreakdown: in.sources,
		CreatedAt:       in.now,
		TTL:             in.ttl,
	}
	for _, item := range page {
		entry.Items = append(entry.Items, domain.CachedItem{
			ID:         item.Game.ID,
			Relevance:  item.Relevance,
			Popularity: item.Popularity,
			Composite:  item.Composite,
			Tier:       item.Tier,
		})
	}
	return page, entry
}
