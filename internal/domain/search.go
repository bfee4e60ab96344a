package domain

import "time"

type SortPreference string

const (
	SortByRelevance  SortPreference = "relevance"
	SortByPopularity SortPreference = "popularity"
	SortByRelease    SortPreference = "release"
)

type SearchFilters struct {
	Platforms []string       `json:"platforms,omitempty"`
	MinRating float64        `json:"minRating,omitempty"`
	SortBy    SortPreference `json:"sortBy,omitempty"`
}

type UserContext struct {
	UserID string `json:"userId"`
}

// SearchQuery is built once per request by search.NewQuery and never mutated.
type SearchQuery struct {
	Raw        string
	Normalized string
	Filters    SearchFilters
	Limit      int
	User       *UserContext
	NoCache    bool
}

type SourceBreakdown struct {
	DB                 bool `json:"db"`
	Catalog            bool `json:"catalog"`
	FranchiseExpansion bool `json:"franchiseExpansion"`
}

type SearchResponse struct {
	Query           string          `json:"query"`
	Normalized      string          `json:"normalized"`
	Results         []ScoredGame    `json:"results"`
	TotalCandidates int             `json:"totalCandidates"`
	Degraded        bool            `json:"degraded"`
	SourceBreakdown SourceBreakdown `json:"sourceBreakdown"`
	Limit           int             `json:"limit"`
	ElapsedMS       int64           `json:"elapsedMs"`
	Cached          bool            `json:"cached,omitempty"`
}

type Suggestion struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Year    int    `json:"year,omitempty"`
	CoverID string `json:"coverId,omitempty"`
}

type SourceDiagnostics struct {
	Name                string     `json:"name"`
	Kind                string     `json:"kind"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	BreakerState        string     `json:"breakerState,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs,omitempty"`
	LastTimeout         bool       `json:"lastTimeout,omitempty"`
	LastQuery           string     `json:"lastQuery,omitempty"`
	TotalRequests       int64      `json:"totalRequests,omitempty"`
	TotalFailures       int64      `json:"totalFailures,omitempty"`
	TimeoutCount        int64      `json:"timeoutCount,omitempty"`
}

func NormalizeSortPreference(raw string) SortPreference {
	switch SortPreference(raw) {
	case SortByPopularity:
		return SortByPopularity
	case SortByRelease:
		return SortByRelease
	default:
		return SortByRelevance
	}
}

func NormalizeFilters(filters SearchFilters) SearchFilters {
	if filters.MinRating < 0 {
		filters.MinRating = 0
	}
	if filters.MinRating > 100 {
		filters.MinRating = 100
	}
	filters.SortBy = NormalizeSortPreference(string(filters.SortBy))
	return filters
}
