package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"gamesearch/searchservice/internal/domain"
	"gamesearch/searchservice/internal/metrics"
	"gamesearch/searchservice/internal/search"
)

const (
	defaultBaseURL       = "https://api.igdb.com/v4"
	defaultTokenURL      = "https://id.twitch.tv/oauth2/token"
	defaultRPS           = 3.5
	defaultMaxConcurrent = 4
	defaultFailures      = 5
	defaultCooldown      = 30 * time.Second
	defaultFailureWindow = time.Minute
	defaultCacheTTL      = 6 * time.Hour
	redisCacheKey        = "gsearch:catalog:"
	maxResponseBytes     = 2 << 20
	breakerName          = "catalog"
)

type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
	redis    redis.UniversalClient
	cacheTTL time.Duration
	logger   *slog.Logger

	limiter *rate.Limiter
	slots   *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker[[]byte]
	retry   search.RetryConfig
}

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	// Client is used as is when set; otherwise an OAuth client is built
	// from the credentials.
	Client          *http.Client
	Redis           redis.UniversalClient
	CacheTTL        time.Duration
	RequestsPerSec  float64
	MaxConcurrent   int
	BreakerFailures int
	BreakerCooldown time.Duration
	// BreakerWindow is how long closed-state failure counts live before
	// they reset.
	BreakerWindow time.Duration
	Retry         *search.RetryConfig
	Logger        *slog.Logger
}

// statusError is a non-2xx catalog response. 429 and 5xx may succeed later.
type statusError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("catalog HTTP %d: %s", e.status, e.body)
}

func (e *statusError) Retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

func (e *statusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = defaultRPS
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = defaultFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	window := cfg.BreakerWindow
	if window <= 0 {
		window = defaultFailureWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := search.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if retry.OnRetry == nil {
		retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			metrics.CatalogRetriesTotal.Inc()
			logger.Debug("catalog request retry",
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: strings.TrimSpace(cfg.ClientID),
		http:     cfg.Client,
		redis:    cfg.Redis,
		cacheTTL: cacheTTL,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		slots:    semaphore.NewWeighted(int64(maxConcurrent)),
		retry:    retry,
	}
	if c.http == nil {
		c.http = newHTTPClient(cfg)
	}
	c.breaker = newBreaker(failures, window, cooldown, logger)
	return c
}

func newHTTPClient(cfg Config) *http.Client {
	base := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	secret := strings.TrimSpace(cfg.ClientSecret)
	if secret == "" {
		return base
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     strings.TrimSpace(cfg.ClientID),
		ClientSecret: secret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	// The token source reuses the traced base client for token refreshes.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = base.Timeout
	return client
}

func newBreaker(failures int, window, cooldown time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    window,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			// 4xx responses other than 429 say nothing about catalog health.
			var se *statusError
			if errors.As(err, &se) {
				return !se.Retryable()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("catalog circuit breaker state change",
				slog.String("from", stateToString(from)),
				slog.String("to", stateToString(to)),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerState reports the breaker for source diagnostics.
func (c *Client) BreakerState() string {
	return stateToString(c.breaker.State())
}

// query posts an Apicalypse body to endpoint. Cached responses bypass the
// throttle and the breaker; everything else passes through both.
func (c *Client) query(ctx context.Context, endpoint, body string) ([]byte, error) {
	cacheKey := redisCacheKey + endpoint + ":" + strconv.FormatUint(xxhash.Sum64String(body), 16)
	if c.redis != nil {
		if data, err := c.redis.Get(ctx, cacheKey).Bytes(); err == nil {
			return data, nil
		}
	}

	data, err := c.breaker.Execute(func() ([]byte, error) {
		var out []byte
		err := search.RetryWithBackoff(ctx, c.retry, func() error {
			var attemptErr error
			out, attemptErr = c.post(ctx, endpoint, body)
			return attemptErr
		})
		return out, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CatalogHTTPRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
			return nil, fmt.Errorf("%w: %w", domain.ErrCatalogUnavailable, domain.ErrCircuitOpen)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrCatalogUnavailable, err)
	}

	if c.redis != nil {
		if err := c.redis.Set(ctx, cacheKey, data, c.cacheTTL).Err(); err != nil {
			c.logger.Debug("catalog cache set failed", slog.String("error", err.Error()))
		}
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, endpoint, body string) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.slots.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "text/plain")
	if c.clientID != "" {
		req.Header.Set("Client-ID", c.clientID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.CatalogHTTPRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	metrics.CatalogHTTPRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &statusError{
			status:     resp.StatusCode,
			body:       strings.TrimSpace(string(snippet)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// acquire waits for the rate limiter and a concurrency slot.
func (c *Client) acquire(ctx context.Context) error {
	startedAt := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	metrics.CatalogThrottleWait.Observe(time.Since(startedAt).Seconds())
	return nil
}

func (c *Client) fetchGames(ctx context.Context, body string) ([]domain.CandidateGame, error) {
	data, err := c.query(ctx, "games", body)
	if err != nil {
		return nil, err
	}
	var raw []igdbGame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode games: %w", domain.ErrCatalogUnavailable, err)
	}
	out := make([]domain.CandidateGame, 0, len(raw))
	for _, g := range raw {
		if g.ID <= 0 || strings.TrimSpace(g.Name) == "" {
			continue
		}
		out = append(out, g.toCandidate())
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]domain.CandidateGame, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	return c.fetchGames(ctx, searchBody(query, clampLimit(limit)))
}

func (c *Client) SearchByFranchise(ctx context.Context, name string) ([]domain.CandidateGame, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	return c.fetchGames(ctx, franchiseBody(name, search.MaxSourceLimit))
}

func (c *Client) GetByIDs(ctx context.Context, ids []int64) ([]domain.CandidateGame, error) {
	ids = positiveIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	return c.fetchGames(ctx, idsBody(ids))
}

func (c *Client) GetByID(ctx context.Context, id int64) (domain.CandidateGame, error) {
	games, err := c.GetByIDs(ctx, []int64{id})
	if err != nil {
		return domain.CandidateGame{}, err
	}
	for _, g := range games {
		if g.ID == id {
			return g, nil
		}
	}
	return domain.CandidateGame{}, fmt.Errorf("%w: %d", domain.ErrGameNotFound, id)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > search.MaxSourceLimit {
		return search.MaxSourceLimit
	}
	return limit
}

func positiveIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) > search.MaxSourceLimit {
		out = out[:search.MaxSourceLimit]
	}
	return out
}
