package apihttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gamesearch/searchservice/internal/domain"
	"gamesearch/searchservice/internal/search"
)

type SearchService interface {
	ExecuteSearch(ctx context.Context, query domain.SearchQuery) (domain.SearchResponse, error)
	Suggest(ctx context.Context, raw string, limit int) ([]domain.Suggestion, error)
	GetGame(ctx context.Context, id int64) (domain.CandidateGame, error)
	SourceDiagnostics() []domain.SourceDiagnostics
	FilterNames() []string
}

type Server struct {
	search SearchService
	covers *coverProxy
	limits RateLimits
	logger *slog.Logger
}

const (
	userIDHeader = "X-User-ID"
	cachedHeader = "X-Search-Cache"
)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimits sets the per-client budgets for each route class.
func WithRateLimits(limits RateLimits) ServerOption {
	return func(s *Server) {
		s.limits = limits
	}
}

// WithCoverProxy enables /games/cover against the catalog image host.
func WithCoverProxy(imageBaseURL string, client *http.Client) ServerOption {
	return func(s *Server) {
		if strings.TrimSpace(imageBaseURL) == "" {
			return
		}
		s.covers = newCoverProxy(imageBaseURL, client)
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search: searchService,
		limits: DefaultRateLimits(),
		logger: slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search/sources/health", s.handleSourcesHealth)
	mux.HandleFunc("/search/suggest", s.handleSearchSuggest)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/games/cover", s.handleCover)
	mux.HandleFunc("/games/{id}", s.handleGame)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "game-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	limited := rateLimitMiddleware(newClientLimiter(s.limits), metricsMiddleware(traced))
	return recoveryMiddleware(s.logger, limited)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	q := r.URL.Query()
	raw := q.Get("q")
	limit, err := parsePositiveInt(r, "limit", search.DefaultResultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	minRating, err := parseOptionalFloat(r, "minRating", 0)
	if err != nil || minRating < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid minRating")
		return
	}
	filters := domain.SearchFilters{
		Platforms: parseCSV(q.Get("platforms")),
		MinRating: minRating,
		SortBy:    domain.NormalizeSortPreference(q.Get("sort")),
	}

	query, err := search.NewQuery(raw, filters, limit, userFromRequest(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	query.NoCache = parseOptionalBool(q.Get("nocache")) || parseOptionalBool(q.Get("noCache"))

	response, err := s.search.ExecuteSearch(r.Context(), query)
	if err != nil {
		s.logger.Warn("search request failed",
			slog.String("query", truncate(query.Normalized, 80)),
			slog.String("error", err.Error()),
		)
		writeSearchError(w, err)
		return
	}

	s.logger.Info("search completed",
		slog.String("query", truncate(query.Normalized, 80)),
		slog.Int("results", len(response.Results)),
		slog.Int("totalCandidates", response.TotalCandidates),
		slog.Int64("elapsedMs", response.ElapsedMS),
		slog.Bool("cached", response.Cached),
		slog.Bool("degraded", response.Degraded),
	)
	if response.Degraded {
		s.logger.Warn("search served degraded",
			slog.String("query", truncate(query.Normalized, 80)),
			slog.Bool("db", response.SourceBreakdown.DB),
			slog.Bool("catalog", response.SourceBreakdown.Catalog),
		)
	}

	cacheState := "miss"
	if response.Cached {
		cacheState = "hit"
	}
	w.Header().Set(cachedHeader, cacheState)
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSearchSuggest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/suggest" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len([]rune(query)) < 2 {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	limit, err := parsePositiveInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}

	items, err := s.search.Suggest(r.Context(), query, limit)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidQuery) {
			writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
			return
		}
		s.logger.Warn("suggest failed", slog.String("query", truncate(query, 60)), slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	if items == nil {
		items = []domain.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSourcesHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/sources/health" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   s.search.SourceDiagnostics(),
		"filters": s.search.FilterNames(),
	})
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid game id")
		return
	}

	game, err := s.search.GetGame(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrGameNotFound):
			writeError(w, http.StatusNotFound, "not_found", "game not found")
		default:
			s.logger.Warn("game lookup failed", slog.Int64("id", id), slog.String("error", err.Error()))
			writeSearchError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, game)
}

func writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrAllSourcesUnavailable), errors.Is(err, domain.ErrCatalogUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "search sources are unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "search timed out")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
	}
}

func userFromRequest(r *http.Request) *domain.UserContext {
	id := strings.TrimSpace(r.Header.Get(userIDHeader))
	if id == "" {
		return nil
	}
	return &domain.UserContext{UserID: truncate(id, 128)}
}

func parseCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		key := strings.ToLower(value)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, value)
	}
	return result
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func parseOptionalFloat(r *http.Request, key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
