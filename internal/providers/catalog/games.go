package catalog

import (
	"strconv"
	"strings"
	"time"

	"gamesearch/searchservice/internal/domain"
)

const gameFields = "fields name,slug,summary,first_release_date,category,total_rating,total_rating_count,follows,hypes," +
	"alternative_names.name,cover.image_id,franchise.name,franchises.name,genres.name,platforms.name," +
	"involved_companies.developer,involved_companies.publisher,involved_companies.company.name;"

type igdbNamed struct {
	Name string `json:"name"`
}

type igdbCover struct {
	ImageID string `json:"image_id"`
}

type igdbInvolvedCompany struct {
	Developer bool      `json:"developer"`
	Publisher bool      `json:"publisher"`
	Company   igdbNamed `json:"company"`
}

type igdbGame struct {
	ID                int64                 `json:"id"`
	Name              string                `json:"name"`
	Slug              string                `json:"slug"`
	Summary           string                `json:"summary"`
	FirstReleaseDate  int64                 `json:"first_release_date"`
	Category          *int                  `json:"category"`
	TotalRating       *float64              `json:"total_rating"`
	TotalRatingCount  int64                 `json:"total_rating_count"`
	Follows           int64                 `json:"follows"`
	Hypes             int64                 `json:"hypes"`
	AlternativeNames  []igdbNamed           `json:"alternative_names"`
	Cover             *igdbCover            `json:"cover"`
	Franchise         *igdbNamed            `json:"franchise"`
	Franchises        []igdbNamed           `json:"franchises"`
	Genres            []igdbNamed           `json:"genres"`
	Platforms         []igdbNamed           `json:"platforms"`
	InvolvedCompanies []igdbInvolvedCompany `json:"involved_companies"`
}

// categories maps the catalog's numeric game category onto domain values.
var categories = map[int]domain.Category{
	0:  domain.CategoryMainGame,
	1:  domain.CategoryDLC,
	2:  domain.CategoryExpansion,
	3:  domain.CategoryBundle,
	4:  domain.CategoryStandaloneExpansion,
	5:  domain.CategoryMod,
	6:  domain.CategoryEpisode,
	7:  domain.CategorySeason,
	8:  domain.CategoryRemake,
	9:  domain.CategoryRemaster,
	10: domain.CategoryExpandedGame,
	11: domain.CategoryPort,
	12: domain.CategoryFork,
	13: domain.CategoryPack,
	14: domain.CategoryUpdate,
}

func mapCategory(raw *int) domain.Category {
	if raw == nil {
		return domain.CategoryUnknown
	}
	return categories[*raw]
}

func (g igdbGame) toCandidate() domain.CandidateGame {
	out := domain.CandidateGame{
		ID:          g.ID,
		Name:        strings.TrimSpace(g.Name),
		Slug:        g.Slug,
		Summary:     strings.TrimSpace(g.Summary),
		Category:    mapCategory(g.Category),
		Rating:      g.TotalRating,
		RatingCount: g.TotalRatingCount,
		Follows:     g.Follows + g.Hypes,
		Sources:     domain.SourceCatalog,
	}
	if g.FirstReleaseDate > 0 {
		released := time.Unix(g.FirstReleaseDate, 0).UTC()
		out.ReleasedAt = &released
	}
	if g.Cover != nil {
		out.CoverID = g.Cover.ImageID
	}
	for _, alt := range g.AlternativeNames {
		if name := strings.TrimSpace(alt.Name); name != "" {
			out.AlternateNames = append(out.AlternateNames, name)
		}
	}
	if g.Franchise != nil && g.Franchise.Name != "" {
		out.Franchise = g.Franchise.Name
	} else if len(g.Franchises) > 0 {
		out.Franchise = g.Franchises[0].Name
	}
	out.Genres = names(g.Genres)
	out.Platforms = names(g.Platforms)
	for _, ic := range g.InvolvedCompanies {
		company := strings.TrimSpace(ic.Company.Name)
		if company == "" {
			continue
		}
		if ic.Developer && out.Developer == "" {
			out.Developer = company
		}
		if ic.Publisher && out.Publisher == "" {
			out.Publisher = company
		}
	}
	return out
}

func names(items []igdbNamed) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if name := strings.TrimSpace(item.Name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// quote escapes a value for an Apicalypse string literal.
func quote(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `"`, `\"`)
	return `"` + value + `"`
}

func searchBody(query string, limit int) string {
	return "search " + quote(query) + "; " + gameFields + " limit " + strconv.Itoa(limit) + ";"
}

func franchiseBody(name string, limit int) string {
	q := quote(name)
	return gameFields + " where franchise.name ~ *" + q + "* | franchises.name ~ *" + q + "*;" +
		" sort total_rating_count desc; limit " + strconv.Itoa(limit) + ";"
}

func idsBody(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return gameFields + " where id = (" + strings.Join(parts, ",") + "); limit " + strconv.Itoa(len(ids)) + ";"
}
