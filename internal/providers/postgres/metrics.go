package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"gamesearch/searchservice/internal/domain"
)

const metricsQuery = `SELECT game_id, avg_rating, rating_count, view_count, like_count, avg_review_length
FROM game_metrics
WHERE game_id = ANY($1)`

// MetricsStore reads per-game engagement aggregates maintained by the
// review and activity services.
type MetricsStore struct {
	db *sql.DB
}

func NewMetricsStore(db *sql.DB) *MetricsStore {
	return &MetricsStore{db: db}
}

func (m *MetricsStore) GetInternalMetrics(ctx context.Context, ids []int64) (map[int64]domain.InternalMetrics, error) {
	out := make(map[int64]domain.InternalMetrics, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := m.db.QueryContext(ctx, metricsQuery, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query game metrics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item      domain.InternalMetrics
			avgRating sql.NullFloat64
			avgLength sql.NullFloat64
		)
		if err := rows.Scan(&item.GameID, &avgRating, &item.RatingCount, &item.ViewCount, &item.LikeCount, &avgLength); err != nil {
			return nil, fmt.Errorf("scan game metrics: %w", err)
		}
		if avgRating.Valid {
			v := avgRating.Float64
			item.AverageRating = &v
		}
		item.AvgReviewLength = avgLength.Float64
		out[item.GameID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate game metrics: %w", err)
	}
	return out, nil
}
