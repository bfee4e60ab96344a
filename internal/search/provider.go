package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"gamesearch/searchservice/internal/domain"
)

// MaxSourceLimit caps how many candidates a single source call may return.
const MaxSourceLimit = 200

// TextSource is the local full-text index. Its ordering is advisory only.
type TextSource interface {
	Name() string
	Search(ctx context.Context, normalized string, limit int) ([]domain.CandidateGame, error)
}

// CatalogSource is the external game catalog. Implementations throttle
// themselves and fail fast while their breaker is open.
type CatalogSource interface {
	Search(ctx context.Context, query string, limit int) ([]domain.CandidateGame, error)
	SearchByFranchise(ctx context.Context, name string) ([]domain.CandidateGame, error)
	GetByID(ctx context.Context, id int64) (domain.CandidateGame, error)
	GetByIDs(ctx context.Context, ids []int64) ([]domain.CandidateGame, error)
}

// MetricsStore returns local engagement aggregates. Games without activity
// are simply absent from the result.
type MetricsStore interface {
	GetInternalMetrics(ctx context.Context, ids []int64) (map[int64]domain.InternalMetrics, error)
}

type Timeouts struct {
	DB        time.Duration
	Catalog   time.Duration
	Franchise time.Duration
	Metrics   time.Duration
	Request   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		DB:        1500 * time.Millisecond,
		Catalog:   3 * time.Second,
		Franchise: 2 * time.Second,
		Metrics:   500 * time.Millisecond,
		Request:   8 * time.Second,
	}
}

type Service struct {
	db            TextSource
	catalog       CatalogSource
	metricsStore  MetricsStore
	cache         *SearchCache
	cacheDisabled bool
	degradedTTL   time.Duration

	cfg        RankingConfig
	filters    *FilterPipeline
	franchise  *FranchiseDetector
	relevance  *RelevanceScorer
	popularity *PopularityScorer
	tiers      *TierClassifier

	timeouts Timeouts
	logger   *slog.Logger
	now      func() time.Time

	group    singleflight.Group
	flightMu sync.Mutex
	flights  map[string]*flight

	warmerCfg warmerConfig
	warmerRun atomic.Bool
	popularMu sync.Mutex
	popular   map[string]*popularQuery

	healthMu sync.Mutex
	health   map[string]*sourceHealth
}

type ServiceOption func(*Service)

func WithMetricsStore(store MetricsStore) ServiceOption {
	return func(s *Service) {
		s.metricsStore = store
	}
}

func WithCache(cache *SearchCache) ServiceOption {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithCacheDisabled(disabled bool) ServiceOption {
	return func(s *Service) {
		s.cacheDisabled = disabled
	}
}

func WithDegradedCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.degradedTTL = ttl
		}
	}
}

func WithRankingConfig(cfg RankingConfig) ServiceOption {
	return func(s *Service) {
		s.cfg = cfg
	}
}

func WithTimeouts(t Timeouts) ServiceOption {
	return func(s *Service) {
		defaults := DefaultTimeouts()
		if t.DB <= 0 {
			t.DB = defaults.DB
		}
		if t.Catalog <= 0 {
			t.Catalog = defaults.Catalog
		}
		if t.Franchise <= 0 {
			t.Franchise = defaults.Franchise
		}
		if t.Metrics <= 0 {
			t.Metrics = defaults.Metrics
		}
		if t.Request <= 0 {
			t.Request = defaults.Request
		}
		s.timeouts = t
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithWarmer(interval time.Duration, topQueries int) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.warmerCfg.interval = interval
		}
		if topQueries > 0 {
			s.warmerCfg.topQueries = topQueries
		}
	}
}

// NewService wires the pipeline. Either source may be nil, but not both
// for a search to succeed.
func NewService(db TextSource, catalog CatalogSource, opts ...ServiceOption) *Service {
	svc := &Service{
		db:          db,
		catalog:     catalog,
		cfg:         DefaultRankingConfig(),
		timeouts:    DefaultTimeouts(),
		degradedTTL: 30 * time.Second,
		logger:      slog.Default(),
		now:         time.Now,
		flights:     make(map[string]*flight),
		warmerCfg:   defaultWarmerConfig(),
		popular:     make(map[string]*popularQuery),
		health:      make(map[string]*sourceHealth),
	}
	for _, opt := range opts {
		opt(svc)
	}

	svc.cfg = svc.cfg.Normalize()
	svc.filters = NewFilterPipeline(svc.cfg.Filters)
	svc.franchise = NewFranchiseDetector(svc.cfg.Franchise)
	svc.relevance = NewRelevanceScorer(svc.cfg.Relevance)
	svc.popularity = NewPopularityScorer(svc.cfg.Popularity)
	svc.tiers = NewTierClassifier(svc.cfg.Tiers, svc.franchise.Profiles())
	return svc
}

func (s *Service) StartBackground(ctx context.Context) {
	if s.cache == nil || s.cacheDisabled {
		return
	}
	if s.warmerRun.CompareAndSwap(false, true) {
		go s.runWarmer(ctx)
	}
}

func (s *Service) FilterNames() []string {
	return s.filters.Names()
}
