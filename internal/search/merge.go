package search

import (
	"strings"

	"gamesearch/searchservice/internal/domain"
)

// MergeGame combines two records with the same ID. Catalog-sourced values win
// for rating, follows, alternate names, franchise, cover and category; the
// local database keeps ownership of curation flags and slug. Other scalars
// prefer whichever side is non-empty, sets are unioned.
func MergeGame(base, incoming domain.CandidateGame) domain.CandidateGame {
	if base.ID == 0 {
		return incoming
	}
	if incoming.ID == 0 || incoming.ID != base.ID {
		return base
	}

	catalog, local := base, incoming
	if incoming.Sources.Has(domain.SourceCatalog) && !base.Sources.Has(domain.SourceCatalog) {
		catalog, local = incoming, base
	}

	merged := local
	merged.Sources = base.Sources | incoming.Sources

	merged.Name = preferString(catalog.Name, local.Name)
	merged.Summary = longerString(catalog.Summary, local.Summary)
	merged.Developer = preferString(catalog.Developer, local.Developer)
	merged.Publisher = preferString(catalog.Publisher, local.Publisher)
	merged.Franchise = preferString(catalog.Franchise, local.Franchise)
	merged.CoverID = preferString(catalog.CoverID, local.CoverID)
	merged.Slug = preferString(local.Slug, catalog.Slug)

	if catalog.Category != domain.CategoryUnknown {
		merged.Category = catalog.Category
	}
	if catalog.ReleasedAt != nil {
		t := *catalog.ReleasedAt
		merged.ReleasedAt = &t
	} else if local.ReleasedAt != nil {
		t := *local.ReleasedAt
		merged.ReleasedAt = &t
	}
	if catalog.Rating != nil {
		v := *catalog.Rating
		merged.Rating = &v
	} else if local.Rating != nil {
		v := *local.Rating
		merged.Rating = &v
	}
	merged.RatingCount = preferInt(catalog.RatingCount, local.RatingCount)
	merged.Follows = preferInt(catalog.Follows, local.Follows)

	if len(catalog.AlternateNames) > 0 {
		merged.AlternateNames = unionStrings(catalog.AlternateNames, local.AlternateNames)
	} else {
		merged.AlternateNames = unionStrings(local.AlternateNames, nil)
	}
	merged.Platforms = unionStrings(catalog.Platforms, local.Platforms)
	merged.Genres = unionStrings(catalog.Genres, local.Genres)

	merged.Curated = local.Curated || catalog.Curated
	merged.Blocked = local.Blocked || catalog.Blocked
	return merged
}

// MergeCandidates folds any number of candidate lists into one list with
// unique IDs. Output order is first-seen order.
func MergeCandidates(lists ...[]domain.CandidateGame) []domain.CandidateGame {
	total := 0
	for _, list := range lists {
		total += len(list)
	}
	index := make(map[int64]int, total)
	out := make([]domain.CandidateGame, 0, total)
	for _, list := range lists {
		for _, game := range list {
			if game.ID <= 0 {
				continue
			}
			if pos, ok := index[game.ID]; ok {
				out[pos] = MergeGame(out[pos], game)
				continue
			}
			index[game.ID] = len(out)
			out = append(out, game)
		}
	}
	return out
}

func preferString(primary, fallback string) string {
	if strings.TrimSpace(primary) != "" {
		return primary
	}
	return fallback
}

func longerString(a, b string) string {
	if len(strings.TrimSpace(b)) > len(strings.TrimSpace(a)) {
		return b
	}
	return a
}

func preferInt(primary, fallback int64) int64 {
	if primary > 0 {
		return primary
	}
	return fallback
}

func unionStrings(primary, secondary []string) []string {
	if len(primary) == 0 && len(secondary) == 0 {
		return nil
	}
	all := make([]string, 0, len(primary)+len(secondary))
	all = append(all, primary...)
	all = append(all, secondary...)
	return uniqueStrings(all)
}
