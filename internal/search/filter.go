package search

import (
	"strings"

	"gamesearch/searchservice/internal/domain"
)

// ContentFilter is a named pure predicate; Keep returns false for noise.
type ContentFilter struct {
	Name string
	Keep func(domain.CandidateGame) bool
}

type FilterPipeline struct {
	filters []ContentFilter
}

// FilterStats counts how many candidates each filter removed.
type FilterStats map[string]int

// NewFilterPipeline builds the required filters in fixed order:
// blocklist, season, bundle (when enabled), reader.
func NewFilterPipeline(cfg FilterConfig) *FilterPipeline {
	filters := []ContentFilter{
		BlocklistFilter(cfg.BlockedIDs),
		SeasonFilter(),
	}
	if cfg.FilterBundles {
		filters = append(filters, BundleFilter())
	}
	filters = append(filters, ReaderFilter(cfg.ReaderMarkers))
	return &FilterPipeline{filters: filters}
}

// With returns a copy of the pipeline with extra filters appended.
func (p *FilterPipeline) With(extra ...ContentFilter) *FilterPipeline {
	filters := make([]ContentFilter, 0, len(p.filters)+len(extra))
	filters = append(filters, p.filters...)
	filters = append(filters, extra...)
	return &FilterPipeline{filters: filters}
}

func (p *FilterPipeline) Names() []string {
	names := make([]string, 0, len(p.filters))
	for _, f := range p.filters {
		names = append(names, f.Name)
	}
	return names
}

func (p *FilterPipeline) Apply(games []domain.CandidateGame) ([]domain.CandidateGame, FilterStats) {
	stats := make(FilterStats)
	out := make([]domain.CandidateGame, 0, len(games))
outer:
	for _, game := range games {
		for _, f := range p.filters {
			if !f.Keep(game) {
				stats[f.Name]++
				continue outer
			}
		}
		out = append(out, game)
	}
	return out, stats
}

func BlocklistFilter(ids []int64) ContentFilter {
	blocked := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		blocked[id] = struct{}{}
	}
	return ContentFilter{
		Name: "blocklist",
		Keep: func(g domain.CandidateGame) bool {
			if g.Blocked {
				return false
			}
			_, listed := blocked[g.ID]
			return !listed
		},
	}
}

func SeasonFilter() ContentFilter {
	return ContentFilter{
		Name: "season",
		Keep: func(g domain.CandidateGame) bool {
			return g.Category != domain.CategorySeason && g.Category != domain.CategoryEpisode
		},
	}
}

func BundleFilter() ContentFilter {
	return ContentFilter{
		Name: "bundle",
		Keep: func(g domain.CandidateGame) bool {
			return g.Category != domain.CategoryBundle && g.Category != domain.CategoryPack
		},
	}
}

// ReaderFilter drops reader and companion-app entries, by category or by a
// marker phrase in the normalized name.
func ReaderFilter(markers []string) ContentFilter {
	normalized := make([]string, 0, len(markers))
	for _, m := range markers {
		if n := NormalizeQuery(m); n != "" {
			normalized = append(normalized, n)
		}
	}
	return ContentFilter{
		Name: "reader",
		Keep: func(g domain.CandidateGame) bool {
			if g.Category == domain.CategoryReader {
				return false
			}
			name := " " + NormalizeQuery(g.Name) + " "
			for _, marker := range normalized {
				if strings.Contains(name, " "+marker+" ") {
					return false
				}
			}
			return true
		},
	}
}

// PlatformFilter keeps games released on any of the requested platforms.
// Games without platform data pass.
func PlatformFilter(platforms []string) ContentFilter {
	wanted := make([]string, 0, len(platforms))
	for _, p := range platforms {
		if n := NormalizeQuery(p); n != "" {
			wanted = append(wanted, n)
		}
	}
	return ContentFilter{
		Name: "platform",
		Keep: func(g domain.CandidateGame) bool {
			if len(wanted) == 0 || len(g.Platforms) == 0 {
				return true
			}
			for _, have := range g.Platforms {
				h := NormalizeQuery(have)
				for _, w := range wanted {
					if h == w || strings.Contains(h, w) {
						return true
					}
				}
			}
			return false
		},
	}
}

// MinRatingFilter drops games whose external rating is known and below min.
func MinRatingFilter(min float64) ContentFilter {
	return ContentFilter{
		Name: "min_rating",
		Keep: func(g domain.CandidateGame) bool {
			if min <= 0 || g.Rating == nil {
				return true
			}
			return *g.Rating >= min
		},
	}
}

func requestFilters(filters domain.SearchFilters) []ContentFilter {
	var extra []ContentFilter
	if len(filters.Platforms) > 0 {
		extra = append(extra, PlatformFilter(filters.Platforms))
	}
	if filters.MinRating > 0 {
		extra = append(extra, MinRatingFilter(filters.MinRating))
	}
	return extra
}
