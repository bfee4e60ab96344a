package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"gamesearch/searchservice/internal/domain"
	"gamesearch/searchservice/internal/metrics"
)

const (
	sourceFailureThreshold = 3
	sourceBlockBase        = 15 * time.Second
	sourceBlockMax         = 2 * time.Minute
)

const (
	sourceDB        = "db"
	sourceCatalog   = "catalog"
	sourceFranchise = "franchise"
)

type sourceHealth struct {
	kind                string
	consecutiveFailures int
	blockedUntil        time.Time
	lastError           string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastTimeout         bool
	lastQuery           string
	totalRequests       int64
	totalFailures       int64
	timeoutCount        int64
}

// BreakerReporter is implemented by sources that run their own circuit breaker.
type BreakerReporter interface {
	BreakerState() string
}

// isSourceBlocked applies to sources without their own breaker: after repeated
// failures the source is skipped for an exponentially growing window.
func (s *Service) isSourceBlocked(name string, now time.Time) (bool, time.Time, string) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	state := s.health[name]
	if state == nil {
		return false, time.Time{}, ""
	}
	if state.blockedUntil.IsZero() || now.After(state.blockedUntil) {
		return false, time.Time{}, ""
	}
	return true, state.blockedUntil, state.lastError
}

func (s *Service) recordSourceResult(name, kind, query string, err error, latency time.Duration, now time.Time, blockable bool) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	state := s.health[name]
	if state == nil {
		state = &sourceHealth{kind: kind}
		s.health[name] = state
	}
	state.totalRequests++
	state.lastQuery = strings.TrimSpace(query)
	if latency > 0 {
		state.lastLatency = latency
		metrics.SourceRequestDuration.WithLabelValues(name).Observe(latency.Seconds())
	}
	state.lastTimeout = isTimeoutLikeError(err)
	if state.lastTimeout {
		state.timeoutCount++
	}

	if err == nil {
		state.consecutiveFailures = 0
		state.blockedUntil = time.Time{}
		state.lastError = ""
		state.lastSuccessAt = now
		metrics.SourceRequestsTotal.WithLabelValues(name, "ok").Inc()
		metrics.SourceAvailable.WithLabelValues(name).Set(1)
		return
	}

	state.consecutiveFailures++
	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()

	status := "error"
	switch {
	case state.lastTimeout:
		status = "timeout"
	case errors.Is(err, domain.ErrCircuitOpen):
		status = "rejected"
	}
	metrics.SourceRequestsTotal.WithLabelValues(name, status).Inc()

	if blockable && state.consecutiveFailures >= sourceFailureThreshold {
		state.blockedUntil = now.Add(exponentialBlockDuration(state.consecutiveFailures))
		metrics.SourceAvailable.WithLabelValues(name).Set(0)
	}
}

// exponentialBlockDuration is base × 2^(failures - threshold), capped.
func exponentialBlockDuration(consecutiveFailures int) time.Duration {
	exponent := consecutiveFailures - sourceFailureThreshold
	if exponent < 0 {
		exponent = 0
	}
	d := sourceBlockBase
	for i := 0; i < exponent; i++ {
		d *= 2
		if d > sourceBlockMax {
			return sourceBlockMax
		}
	}
	return d
}

// callersGone reports whether ctx was cancelled because every waiting caller
// left. Such failures say nothing about the source and are not recorded.
func callersGone(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}

func (s *Service) SourceDiagnostics() []domain.SourceDiagnostics {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	names := []string{sourceCatalog, sourceFranchise}
	if s.db != nil {
		names = append(names, sourceDB)
	}

	items := make([]domain.SourceDiagnostics, 0, len(names))
	for _, name := range names {
		item := domain.SourceDiagnostics{Name: name, Kind: sourceKind(name)}
		if name == sourceCatalog || name == sourceFranchise {
			if br, ok := s.catalog.(BreakerReporter); ok {
				item.BreakerState = br.BreakerState()
			}
		}
		if state := s.health[name]; state != nil {
			item.ConsecutiveFailures = state.consecutiveFailures
			item.LastError = state.lastError
			if !state.lastSuccessAt.IsZero() {
				lastSuccessAt := state.lastSuccessAt
				item.LastSuccessAt = &lastSuccessAt
			}
			if !state.lastFailureAt.IsZero() {
				lastFailureAt := state.lastFailureAt
				item.LastFailureAt = &lastFailureAt
			}
			item.LastLatencyMS = state.lastLatency.Milliseconds()
			item.LastTimeout = state.lastTimeout
			item.LastQuery = state.lastQuery
			item.TotalRequests = state.totalRequests
			item.TotalFailures = state.totalFailures
			item.TimeoutCount = state.timeoutCount
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

func sourceKind(name string) string {
	switch name {
	case sourceDB:
		return "fulltext"
	case sourceCatalog:
		return "catalog"
	default:
		return "supplemental"
	}
}
