package apihttp

import (
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gamesearch/searchservice/internal/metrics"
)

// routeClass groups endpoints by what they cost upstream. Each class has its
// own per-client budget so typeahead bursts cannot starve full searches.
type routeClass int

const (
	classExempt routeClass = iota
	classSearch
	classSuggest
	classCover
)

func (c routeClass) String() string {
	switch c {
	case classSearch:
		return "search"
	case classSuggest:
		return "suggest"
	case classCover:
		return "cover"
	default:
		return "exempt"
	}
}

type routeInfo struct {
	label string
	class routeClass
	quiet bool
}

// classifyRoute maps a request path to its metrics label and budget class.
// /search and /games/{id} may reach the catalog; suggest is mostly served
// from the local index.
func classifyRoute(path string) routeInfo {
	switch {
	case path == "/health" || path == "/metrics":
		return routeInfo{label: path, class: classExempt, quiet: true}
	case path == "/search/sources/health":
		return routeInfo{label: path, class: classExempt}
	case path == "/search":
		return routeInfo{label: path, class: classSearch}
	case path == "/search/suggest":
		return routeInfo{label: path, class: classSuggest}
	case path == "/games/cover":
		return routeInfo{label: path, class: classCover, quiet: true}
	case strings.HasPrefix(path, "/games/"):
		return routeInfo{label: "/games/{id}", class: classSearch}
	default:
		return routeInfo{label: "/other", class: classSearch}
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := classifyRoute(r.URL.Path)
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route.label),
			slog.Int("status", rw.status),
			slog.Int("bytes", rw.size),
			slog.Int64("durationMs", time.Since(start).Milliseconds()),
			slog.String("clientIP", clientIP(r)),
		}
		if route.label == "/games/{id}" {
			attrs = append(attrs, slog.String("gameID", strings.TrimPrefix(r.URL.Path, "/games/")))
		}
		if term := strings.TrimSpace(r.URL.Query().Get("q")); term != "" && route.class != classCover {
			attrs = append(attrs, slog.String("q", truncate(term, 120)))
		}
		if cached := rw.Header().Get(cachedHeader); cached != "" {
			attrs = append(attrs, slog.String("cached", cached))
		}
		logger.LogAttrs(r.Context(), requestLogLevel(route, rw.status), "http request", attrs...)
	})
}

func requestLogLevel(route routeInfo, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status == http.StatusTooManyRequests:
		return slog.LevelInfo
	case status >= 400:
		return slog.LevelWarn
	case route.quiet:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("panic recovered",
					slog.Any("error", recovered),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := classifyRoute(r.URL.Path)
		if route.label == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route.label, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route.label).Observe(time.Since(start).Seconds())
	})
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); xRealIP != "" {
		return xRealIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

// RateLimit is a token bucket per client and route class.
type RateLimit struct {
	RPS   float64
	Burst int
}

// RateLimits holds the per-client budgets. A zero RPS disables limiting for
// that class.
type RateLimits struct {
	Search  RateLimit
	Suggest RateLimit
	Cover   RateLimit
}

func DefaultRateLimits() RateLimits {
	return RateLimits{
		Search:  RateLimit{RPS: 5, Burst: 20},
		Suggest: RateLimit{RPS: 15, Burst: 40},
		Cover:   RateLimit{RPS: 30, Burst: 90},
	}
}

func (l RateLimits) forClass(class routeClass) RateLimit {
	switch class {
	case classSearch:
		return l.Search
	case classSuggest:
		return l.Suggest
	case classCover:
		return l.Cover
	default:
		return RateLimit{}
	}
}

const (
	maxTrackedClients = 10000
	clientIdleTTL     = 10 * time.Minute
)

type clientKey struct {
	ip    string
	class routeClass
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type clientLimiter struct {
	limits RateLimits
	now    func() time.Time

	mu      sync.Mutex
	buckets map[clientKey]*clientBucket
}

func newClientLimiter(limits RateLimits) *clientLimiter {
	return &clientLimiter{
		limits:  limits,
		now:     time.Now,
		buckets: make(map[clientKey]*clientBucket),
	}
}

func (c *clientLimiter) allow(ip string, class routeClass) bool {
	limit := c.limits.forClass(class)
	if limit.RPS <= 0 {
		return true
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	key := clientKey{ip: ip, class: class}
	bucket := c.buckets[key]
	if bucket == nil {
		if len(c.buckets) >= maxTrackedClients {
			c.pruneLocked(now)
		}
		burst := limit.Burst
		if burst < 1 {
			burst = 1
		}
		bucket = &clientBucket{limiter: rate.NewLimiter(rate.Limit(limit.RPS), burst)}
		c.buckets[key] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

// pruneLocked drops idle clients; if none are idle the map is reset.
func (c *clientLimiter) pruneLocked(now time.Time) {
	for key, bucket := range c.buckets {
		if now.Sub(bucket.lastSeen) > clientIdleTTL {
			delete(c.buckets, key)
		}
	}
	if len(c.buckets) >= maxTrackedClients {
		c.buckets = make(map[clientKey]*clientBucket)
	}
}

func rateLimitMiddleware(limiter *clientLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := classifyRoute(r.URL.Path)
		if route.class == classExempt {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.allow(clientIP(r), route.class) {
			metrics.HTTPRateLimitedTotal.WithLabelValues(route.class.String()).Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
