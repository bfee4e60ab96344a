package domain

import (
	"fmt"
	"time"
)

type Category string

const (
	CategoryMainGame            Category = "main_game"
	CategoryDLC                 Category = "dlc"
	CategoryExpansion           Category = "expansion"
	CategoryBundle              Category = "bundle"
	CategoryStandaloneExpansion Category = "standalone_expansion"
	CategoryMod                 Category = "mod"
	CategoryEpisode             Category = "episode"
	CategorySeason              Category = "season"
	CategoryRemake              Category = "remake"
	CategoryRemaster            Category = "remaster"
	CategoryExpandedGame        Category = "expanded_game"
	CategoryPort                Category = "port"
	CategoryFork                Category = "fork"
	CategoryPack                Category = "pack"
	CategoryUpdate              Category = "update"
	CategoryReader              Category = "reader"
	CategoryUnknown             Category = ""
)

// IsMainline reports whether the category is a full game rather than add-on content.
func (c Category) IsMainline() bool {
	switch c {
	case CategoryMainGame, CategoryRemake, CategoryRemaster, CategoryExpandedGame,
		CategoryStandaloneExpansion, CategoryPort:
		return true
	default:
		return false
	}
}

func (c Category) IsAddOn() bool {
	switch c {
	case CategoryDLC, CategoryExpansion, CategoryPack, CategoryUpdate:
		return true
	default:
		return false
	}
}

// SourceSet records which candidate sources contributed to a merged record.
type SourceSet uint8

const (
	SourceDB SourceSet = 1 << iota
	SourceCatalog
	SourceFranchise
)

func (s SourceSet) Has(other SourceSet) bool {
	return s&other != 0
}

type CandidateGame struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug,omitempty"`
	AlternateNames []string   `json:"alternateNames,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
	Category       Category   `json:"category,omitempty"`
	Developer      string     `json:"developer,omitempty"`
	Publisher      string     `json:"publisher,omitempty"`
	Platforms      []string   `json:"platforms,omitempty"`
	Genres         []string   `json:"genres,omitempty"`
	Franchise      string     `json:"franchise,omitempty"`
	Rating         *float64   `json:"rating,omitempty"`
	RatingCount    int64      `json:"ratingCount,omitempty"`
	Follows        int64      `json:"follows,omitempty"`
	CoverID        string     `json:"coverId,omitempty"`
	Curated        bool       `json:"curated,omitempty"`
	Blocked        bool       `json:"blocked,omitempty"`
	Sources        SourceSet  `json:"sources"`
}

type InternalMetrics struct {
	GameID          int64    `json:"gameId"`
	AverageRating   *float64 `json:"averageRating,omitempty"`
	RatingCount     int64    `json:"ratingCount"`
	ViewCount       int64    `json:"viewCount"`
	LikeCount       int64    `json:"likeCount"`
	AvgReviewLength float64  `json:"avgReviewLength"`
}

// Empty reports whether the game has no local activity at all.
func (m InternalMetrics) Empty() bool {
	return m.AverageRating == nil && m.RatingCount == 0 && m.ViewCount == 0 && m.LikeCount == 0
}

// Tier orders candidates before any continuous score; lower values rank first.
type Tier int

const (
	TierFlagship Tier = iota
	TierFamous
	TierSequel
	TierOfficial
	TierOfficialDLC
	TierCommunityMod
	TierUnofficial
)

var tierNames = [...]string{
	TierFlagship:     "flagship",
	TierFamous:       "famous",
	TierSequel:       "sequel",
	TierOfficial:     "official",
	TierOfficialDLC:  "official_dlc",
	TierCommunityMod: "community_mod",
	TierUnofficial:   "unofficial",
}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	for i, name := range tierNames {
		if name == string(text) {
			*t = Tier(i)
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", string(text))
}

type ScoreComponent struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

type ScoredGame struct {
	Game       CandidateGame    `json:"game"`
	Relevance  float64          `json:"relevanceScore"`
	Popularity float64          `json:"popularityScore"`
	Composite  float64          `json:"finalScore"`
	Tier       Tier             `json:"tier"`
	Breakdown  []ScoreComponent `json:"breakdown,omitempty"`
}

type FranchiseProfile struct {
	Name         string    `json:"name" koanf:"name"`
	Aliases      []string  `json:"aliases" koanf:"aliases"`
	FlagshipIDs  []int64   `json:"flagshipIds" koanf:"flagship_ids"`
	FamousIDs    []int64   `json:"famousIds" koanf:"famous_ids"`
	SisterGroups [][]int64 `json:"sisterGroups" koanf:"sister_groups"`
	Publishers   []string  `json:"publishers" koanf:"publishers"`
}

// CachedItem is the per-result slice of a cache entry; full records are kept
// in a separate shared store keyed by ID.
type CachedItem struct {
	ID         int64   `json:"id"`
	Relevance  float64 `json:"r"`
	Popularity float64 `json:"p"`
	Composite  float64 `json:"c"`
	Tier       Tier    `json:"t"`
}

type CacheEntry struct {
	Fingerprint     string          `json:"fingerprint"`
	Items           []CachedItem    `json:"items"`
	TotalCandidates int             `json:"totalCandidates"`
	Degraded        bool            `json:"degraded"`
	SourceBreakdown SourceBreakdown `json:"sourceBreakdown"`
	CreatedAt       time.Time       `json:"createdAt"`
	TTL             time.Duration   `json:"ttl"`
}

func (e CacheEntry) Expired(now time.Time) bool {
	return e.TTL <= 0 || !now.Before(e.CreatedAt.Add(e.TTL))
}
