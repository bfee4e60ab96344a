package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"gamesearch/searchservice/internal/domain"
	"gamesearch/searchservice/internal/search"
)

// searchQuery matches the full-text vector first and falls back to trigram
// similarity on the name so short or misspelled queries still find titles.
const searchQuery = `SELECT id, name, slug, alternate_names, summary, released_at, category,
	developer, publisher, platforms, genres, franchise, rating, rating_count, follows,
	cover_id, curated, blocked
FROM games
WHERE search_vector @@ websearch_to_tsquery('simple', unaccent($1))
	OR similarity(name, $1) > $3
ORDER BY ts_rank_cd(search_vector, websearch_to_tsquery('simple', unaccent($1))) DESC,
	similarity(name, $1) DESC, id
LIMIT $2`

const defaultTrigramThreshold = 0.3

// Source is the local full-text candidate source.
type Source struct {
	db        *sql.DB
	threshold float64
}

func NewSource(db *sql.DB) *Source {
	return &Source{db: db, threshold: defaultTrigramThreshold}
}

func (s *Source) Name() string {
	return "postgres"
}

func (s *Source) Search(ctx context.Context, normalized string, limit int) ([]domain.CandidateGame, error) {
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return nil, nil
	}
	if limit <= 0 || limit > search.MaxSourceLimit {
		limit = search.MaxSourceLimit
	}

	rows, err := s.db.QueryContext(ctx, searchQuery, normalized, limit, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: query games: %w", domain.ErrDataSourceUnavailable, err)
	}
	defer rows.Close()

	var out []domain.CandidateGame
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan game: %w", domain.ErrDataSourceUnavailable, err)
		}
		out = append(out, game)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate games: %w", domain.ErrDataSourceUnavailable, err)
	}
	return out, nil
}

func scanGame(rows *sql.Rows) (domain.CandidateGame, error) {
	var (
		game                               domain.CandidateGame
		slug, summary, category, developer sql.NullString
		publisher, franchise, coverID      sql.NullString
		released                           sql.NullTime
		rating                             sql.NullFloat64
		ratingCount, follows               sql.NullInt64
		alternateNames, platforms, genres  []string
	)
	err := rows.Scan(
		&game.ID, &game.Name, &slug, pq.Array(&alternateNames), &summary, &released, &category,
		&developer, &publisher, pq.Array(&platforms), pq.Array(&genres), &franchise, &rating, &ratingCount, &follows,
		&coverID, &game.Curated, &game.Blocked,
	)
	if err != nil {
		return domain.CandidateGame{}, err
	}
	game.Slug = slug.String
	game.Summary = summary.String
	game.Category = domain.Category(category.String)
	game.Developer = developer.String
	game.Publisher = publisher.String
	game.Franchise = franchise.String
	game.CoverID = coverID.String
	game.AlternateNames = alternateNames
	game.Platforms = platforms
	game.Genres = genres
	game.RatingCount = ratingCount.Int64
	game.Follows = follows.Int64
	if released.Valid {
		t := released.Time.UTC()
		game.ReleasedAt = &t
	}
	if rating.Valid {
		r := rating.Float64
		game.Rating = &r
	}
	game.Sources = domain.SourceDB
	return game, nil
}
