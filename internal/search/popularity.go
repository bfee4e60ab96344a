package search

import (
	"math"
	"time"

	"gamesearch/searchservice/internal/domain"
)

const yearDuration = time.Duration(365.25 * 24 * float64(time.Hour))

// PopularityScorer blends catalog authority, local engagement, rating
// consistency and recency into a score in [0,1].
type PopularityScorer struct {
	cfg PopularityConfig
}

func NewPopularityScorer(cfg PopularityConfig) *PopularityScorer {
	return &PopularityScorer{cfg: cfg}
}

// Score uses now for the recency step; metrics may be nil when the game has no
// local activity.
func (s *PopularityScorer) Score(game domain.CandidateGame, metrics *domain.InternalMetrics, now time.Time) (float64, []domain.ScoreComponent) {
	c := s.cfg
	authority := s.authority(game)

	var engagement float64
	hasLocal := metrics != nil && !metrics.Empty()
	if hasLocal {
		engagement = s.engagement(*metrics)
	} else {
		engagement = c.NewGameFallback * authority
	}

	consistency := c.NeutralConsistency
	if game.Rating != nil && hasLocal && metrics.AverageRating != nil {
		ext := clamp01(*game.Rating / 100)
		local := clamp01(*metrics.AverageRating / 10)
		consistency = 1 - math.Abs(ext-local)
	}

	recency := s.recency(game.ReleasedAt, now)

	total := c.AuthorityWeight + c.EngagementWeight + c.ConsistencyWeight + c.RecencyWeight
	if total <= 0 {
		return 0, nil
	}
	score := clamp01((c.AuthorityWeight*authority +
		c.EngagementWeight*engagement +
		c.ConsistencyWeight*consistency +
		c.RecencyWeight*recency) / total)

	breakdown := []domain.ScoreComponent{
		{Label: "authority", Value: c.AuthorityWeight * authority / total},
		{Label: "engagement", Value: c.EngagementWeight * engagement / total},
		{Label: "consistency", Value: c.ConsistencyWeight * consistency / total},
		{Label: "recency", Value: c.RecencyWeight * recency / total},
	}
	return score, breakdown
}

func (s *PopularityScorer) authority(game domain.CandidateGame) float64 {
	c := s.cfg
	total := c.ExternalRatingWeight + c.FollowsWeight + c.RatingCountWeight
	if total <= 0 {
		return 0
	}
	rating := 0.0
	if game.Rating != nil {
		rating = clamp01(*game.Rating / 100)
	}
	sum := c.ExternalRatingWeight*rating +
		c.FollowsWeight*logNormalize(float64(game.Follows), c.FollowsCap) +
		c.RatingCountWeight*logNormalize(float64(game.RatingCount), c.RatingCountCap)
	return clamp01(sum / total)
}

func (s *PopularityScorer) engagement(m domain.InternalMetrics) float64 {
	c := s.cfg
	total := c.LocalRatingWeight + c.LocalCountWeight + c.ViewsWeight + c.LikeRateWeight
	if total <= 0 {
		return 0
	}
	rating := 0.0
	if m.AverageRating != nil {
		rating = clamp01(*m.AverageRating / 10)
	}
	likeRate := 0.0
	if m.ViewCount > 0 {
		likeRate = clamp01(float64(m.LikeCount) / float64(m.ViewCount))
	} else if m.LikeCount > 0 {
		likeRate = 1
	}
	sum := c.LocalRatingWeight*rating +
		c.LocalCountWeight*logNormalize(float64(m.RatingCount), c.LocalCountCap) +
		c.ViewsWeight*logNormalize(float64(m.ViewCount), c.ViewsCap) +
		c.LikeRateWeight*likeRate
	return clamp01(sum / total)
}

// recency is a non-increasing step function of age that reaches zero past the
// last configured step. Unknown release dates get the neutral value.
func (s *PopularityScorer) recency(releasedAt *time.Time, now time.Time) float64 {
	c := s.cfg
	if releasedAt == nil || releasedAt.IsZero() {
		return c.NeutralRecency
	}
	if len(c.RecencySteps) == 0 {
		return c.NeutralRecency
	}
	years := now.Sub(*releasedAt).Hours() / yearDuration.Hours()
	if years < 0 {
		years = 0
	}
	for _, step := range c.RecencySteps {
		if years <= step.MaxYears {
			return step.Score
		}
	}
	return 0
}

// logNormalize maps v onto [0,1] with log scaling so that v == ceiling is full score.
func logNormalize(v, ceiling float64) float64 {
	if v <= 0 || ceiling <= 0 {
		return 0
	}
	return clamp01(math.Log1p(v) / math.Log1p(ceiling))
}

// Engagement reports the local engagement signal on its own, or the
// authority-derived fallback when there is no local activity.
func (s *PopularityScorer) Engagement(game domain.CandidateGame, metrics *domain.InternalMetrics) float64 {
	if metrics != nil && !metrics.Empty() {
		return s.engagement(*metrics)
	}
	return s.cfg.NewGameFallback * s.authority(game)
}
