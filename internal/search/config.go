package search

import (
	"sort"

	"gamesearch/searchservice/internal/domain"
)

// RankingConfig carries every weight, cap and threshold used by the scorers,
// filters and tier classifier. It is loaded once and read-only afterwards.
type RankingConfig struct {
	Relevance  RelevanceWeights `koanf:"relevance"`
	Popularity PopularityConfig `koanf:"popularity"`
	Composite  CompositeWeights `koanf:"composite"`
	Tiers      TierConfig       `koanf:"tiers"`
	Filters    FilterConfig     `koanf:"filters"`
	Franchise  FranchiseConfig  `koanf:"franchise"`
}

type RelevanceWeights struct {
	Name          float64 `koanf:"name"`
	AlternateName float64 `koanf:"alternate_name"`
	TokenOverlap  float64 `koanf:"token_overlap"`
	Company       float64 `koanf:"company"`
	Summary       float64 `koanf:"summary"`
	Genre         float64 `koanf:"genre"`
}

type RecencyStep struct {
	MaxYears float64 `koanf:"max_years"`
	Score    float64 `koanf:"score"`
}

type PopularityConfig struct {
	AuthorityWeight   float64 `koanf:"authority_weight"`
	EngagementWeight  float64 `koanf:"engagement_weight"`
	ConsistencyWeight float64 `koanf:"consistency_weight"`
	RecencyWeight     float64 `koanf:"recency_weight"`

	ExternalRatingWeight float64 `koanf:"external_rating_weight"`
	FollowsWeight        float64 `koanf:"follows_weight"`
	RatingCountWeight    float64 `koanf:"rating_count_weight"`

	LocalRatingWeight float64 `koanf:"local_rating_weight"`
	LocalCountWeight  float64 `koanf:"local_count_weight"`
	ViewsWeight       float64 `koanf:"views_weight"`
	LikeRateWeight    float64 `koanf:"like_rate_weight"`

	FollowsCap     float64 `koanf:"follows_cap"`
	RatingCountCap float64 `koanf:"rating_count_cap"`
	LocalCountCap  float64 `koanf:"local_count_cap"`
	ViewsCap       float64 `koanf:"views_cap"`

	NewGameFallback    float64       `koanf:"new_game_fallback"`
	NeutralConsistency float64       `koanf:"neutral_consistency"`
	NeutralRecency     float64       `koanf:"neutral_recency"`
	RecencySteps       []RecencyStep `koanf:"recency_steps"`
}

type CompositeWeights struct {
	Relevance  float64 `koanf:"relevance"`
	Popularity float64 `koanf:"popularity"`
}

type TierConfig struct {
	FlagshipIDs           []int64  `koanf:"flagship_ids"`
	FamousIDs             []int64  `koanf:"famous_ids"`
	VerifiedPublishers    []string `koanf:"verified_publishers"`
	ModFriendlyPublishers []string `koanf:"mod_friendly_publishers"`
	MinOfficialEngagement float64  `koanf:"min_official_engagement"`
}

type FilterConfig struct {
	BlockedIDs    []int64  `koanf:"blocked_ids"`
	FilterBundles bool     `koanf:"filter_bundles"`
	ReaderMarkers []string `koanf:"reader_markers"`
}

type FranchiseConfig struct {
	SimilarityFloor float64                   `koanf:"similarity_floor"`
	Profiles        []domain.FranchiseProfile `koanf:"profiles"`
}

func DefaultRankingConfig() RankingConfig {
	return RankingConfig{
		Relevance: RelevanceWeights{
			Name:          0.40,
			AlternateName: 0.20,
			TokenOverlap:  0.20,
			Company:       0.08,
			Summary:       0.07,
			Genre:         0.05,
		},
		Popularity: PopularityConfig{
			AuthorityWeight:   0.40,
			EngagementWeight:  0.35,
			ConsistencyWeight: 0.15,
			RecencyWeight:     0.10,

			ExternalRatingWeight: 0.5,
			FollowsWeight:        0.3,
			RatingCountWeight:    0.2,

			LocalRatingWeight: 0.4,
			LocalCountWeight:  0.25,
			ViewsWeight:       0.2,
			LikeRateWeight:    0.15,

			FollowsCap:     1000,
			RatingCountCap: 500,
			LocalCountCap:  50,
			ViewsCap:       5000,

			NewGameFallback:    0.6,
			NeutralConsistency: 0.5,
			NeutralRecency:     0.5,
			RecencySteps: []RecencyStep{
				{MaxYears: 1, Score: 1.0},
				{MaxYears: 3, Score: 0.8},
				{MaxYears: 5, Score: 0.6},
				{MaxYears: 10, Score: 0.4},
				{MaxYears: 20, Score: 0.2},
			},
		},
		Composite: CompositeWeights{
			Relevance:  0.6,
			Popularity: 0.4,
		},
		Tiers: TierConfig{
			VerifiedPublishers: []string{
				"nintendo", "sega", "capcom", "square enix", "bandai namco", "konami",
				"sony interactive entertainment", "microsoft", "xbox game studios",
				"electronic arts", "ubisoft", "activision", "bethesda softworks",
				"take two interactive", "rockstar games", "the pokemon company",
				"game freak", "cd projekt", "valve", "blizzard entertainment",
			},
			ModFriendlyPublishers: []string{"valve", "bethesda softworks", "paradox interactive"},
			MinOfficialEngagement: 0.05,
		},
		Filters: FilterConfig{
			FilterBundles: true,
			ReaderMarkers: []string{"soundtrack", "artbook", "companion app", "guide", "reader", "demo disc"},
		},
		Franchise: FranchiseConfig{
			SimilarityFloor: 0.8,
		},
	}
}

// Normalize clamps out-of-range values and keeps recency steps ordered.
func (c RankingConfig) Normalize() RankingConfig {
	clampWeight := func(value float64) float64 {
		if value < 0 || value != value {
			return 0
		}
		return value
	}

	c.Relevance.Name = clampWeight(c.Relevance.Name)
	c.Relevance.AlternateName = clampWeight(c.Relevance.AlternateName)
	c.Relevance.TokenOverlap = clampWeight(c.Relevance.TokenOverlap)
	c.Relevance.Company = clampWeight(c.Relevance.Company)
	c.Relevance.Summary = clampWeight(c.Relevance.Summary)
	c.Relevance.Genre = clampWeight(c.Relevance.Genre)

	p := &c.Popularity
	p.AuthorityWeight = clampWeight(p.AuthorityWeight)
	p.EngagementWeight = clampWeight(p.EngagementWeight)
	p.ConsistencyWeight = clampWeight(p.ConsistencyWeight)
	p.RecencyWeight = clampWeight(p.RecencyWeight)
	p.ExternalRatingWeight = clampWeight(p.ExternalRatingWeight)
	p.FollowsWeight = clampWeight(p.FollowsWeight)
	p.RatingCountWeight = clampWeight(p.RatingCountWeight)
	p.LocalRatingWeight = clampWeight(p.LocalRatingWeight)
	p.LocalCountWeight = clampWeight(p.LocalCountWeight)
	p.ViewsWeight = clampWeight(p.ViewsWeight)
	p.LikeRateWeight = clampWeight(p.LikeRateWeight)
	p.NewGameFallback = clamp01(p.NewGameFallback)
	p.NeutralConsistency = clamp01(p.NeutralConsistency)
	p.NeutralRecency = clamp01(p.NeutralRecency)
	if p.FollowsCap <= 0 {
		p.FollowsCap = 1000
	}
	if p.RatingCountCap <= 0 {
		p.RatingCountCap = 500
	}
	if p.LocalCountCap <= 0 {
		p.LocalCountCap = 50
	}
	if p.ViewsCap <= 0 {
		p.ViewsCap = 5000
	}
	steps := make([]RecencyStep, 0, len(p.RecencySteps))
	for _, step := range p.RecencySteps {
		if step.MaxYears <= 0 {
			continue
		}
		step.Score = clamp01(step.Score)
		steps = append(steps, step)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].MaxYears < steps[j].MaxYears })
	// Enforce a non-increasing step function.
	for i := 1; i < len(steps); i++ {
		if steps[i].Score > steps[i-1].Score {
			steps[i].Score = steps[i-1].Score
		}
	}
	p.RecencySteps = steps

	c.Composite.Relevance = clampWeight(c.Composite.Relevance)
	c.Composite.Popularity = clampWeight(c.Composite.Popularity)
	if c.Composite.Relevance+c.Composite.Popularity == 0 {
		c.Composite = CompositeWeights{Relevance: 0.6, Popularity: 0.4}
	}

	c.Tiers.MinOfficialEngagement = clamp01(c.Tiers.MinOfficialEngagement)
	if c.Franchise.SimilarityFloor <= 0 || c.Franchise.SimilarityFloor > 1 {
		c.Franchise.SimilarityFloor = 0.8
	}
	return c
}
