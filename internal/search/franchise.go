package search

import (
	"strings"

	"gamesearch/searchservice/internal/domain"
)

type franchiseEntry struct {
	profile domain.FranchiseProfile
	aliases []titleMeta
}

// FranchiseDetector matches queries against the static franchise registry.
// It is built once and safe for concurrent use.
type FranchiseDetector struct {
	entries []franchiseEntry
	floor   float64
	groups  [][]int64
}

// FranchiseMatch is the result of Detect; Profile is nil when nothing matched.
type FranchiseMatch struct {
	Profile *domain.FranchiseProfile
	Alias   string
	Score   float64
}

func NewFranchiseDetector(cfg FranchiseConfig) *FranchiseDetector {
	floor := cfg.SimilarityFloor
	if floor <= 0 || floor > 1 {
		floor = 0.8
	}
	d := &FranchiseDetector{floor: floor}
	for _, profile := range cfg.Profiles {
		if strings.TrimSpace(profile.Name) == "" {
			continue
		}
		entry := franchiseEntry{profile: profile}
		names := append([]string{profile.Name}, profile.Aliases...)
		seen := make(map[string]struct{}, len(names))
		for _, name := range names {
			meta := parseTitleMeta(name)
			if meta.normalized == "" {
				continue
			}
			if _, dup := seen[meta.normalized]; dup {
				continue
			}
			seen[meta.normalized] = struct{}{}
			entry.aliases = append(entry.aliases, meta)
		}
		d.entries = append(d.entries, entry)
		for _, group := range profile.SisterGroups {
			if len(group) > 1 {
				d.groups = append(d.groups, append([]int64(nil), group...))
			}
		}
	}
	return d
}

func (d *FranchiseDetector) Profiles() []domain.FranchiseProfile {
	out := make([]domain.FranchiseProfile, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.profile)
	}
	return out
}

func (d *FranchiseDetector) SisterGroups() [][]int64 {
	return d.groups
}

// Detect returns the best-scoring profile whose alias the query names, either
// as a token subset (score 1) or by fuzzy similarity at or above the floor.
// Ties keep registry order.
func (d *FranchiseDetector) Detect(normalized string) FranchiseMatch {
	query := parseTitleMeta(normalized)
	if len(query.tokens) == 0 {
		return FranchiseMatch{}
	}
	var best FranchiseMatch
	for i := range d.entries {
		entry := &d.entries[i]
		for _, alias := range entry.aliases {
			score := aliasScore(query, alias)
			if score < d.floor || score <= best.Score {
				continue
			}
			profile := entry.profile
			best = FranchiseMatch{Profile: &profile, Alias: alias.normalized, Score: score}
		}
	}
	return best
}

func aliasScore(query, alias titleMeta) float64 {
	if len(alias.tokens) == 0 {
		return 0
	}
	contained := true
	for _, token := range alias.tokens {
		if _, ok := query.tokenSet[token]; !ok {
			contained = false
			break
		}
	}
	if contained {
		return 1
	}

	best := nameSimilarity(query, alias)
	// Slide an alias-sized window over the query to catch typos inside longer queries.
	words := query.tokens
	width := len(alias.tokens)
	if width <= len(words) {
		for start := 0; start+width <= len(words); start++ {
			window := strings.Join(words[start:start+width], " ")
			best = max(best, levenshteinRatio(window, strings.Join(alias.tokens, " ")))
		}
	}
	return best
}

// MissingFlagships lists the profile's flagship IDs absent from candidates.
func MissingFlagships(profile *domain.FranchiseProfile, candidates []domain.CandidateGame) []int64 {
	if profile == nil || len(profile.FlagshipIDs) == 0 {
		return nil
	}
	present := make(map[int64]struct{}, len(candidates))
	for _, c := range candidates {
		present[c.ID] = struct{}{}
	}
	var missing []int64
	for _, id := range profile.FlagshipIDs {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// BelongsToFranchise reports whether the game is tagged with, or named after,
// one of the profile's aliases.
func BelongsToFranchise(profile *domain.FranchiseProfile, game domain.CandidateGame) bool {
	if profile == nil {
		return false
	}
	names := append([]string{profile.Name}, profile.Aliases...)
	tag := NormalizeQuery(game.Franchise)
	nameMeta := parseTitleMeta(game.Name)
	for _, name := range names {
		alias := parseTitleMeta(name)
		if alias.normalized == "" {
			continue
		}
		if tag != "" && tag == NormalizeQuery(name) {
			return true
		}
		all := true
		for _, token := range alias.tokens {
			if _, ok := nameMeta.tokenSet[token]; !ok {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// KeepSistersTogether truncates sorted results to limit without separating
// sister titles. A sister of the same tier is moved directly after the first
// member of its group; if the page boundary would still split a group, the
// last ungrouped item of that same tier is dropped to make room. Items of a
// better tier are never displaced.
func KeepSistersTogether(sorted []domain.ScoredGame, limit int, groups [][]int64) []domain.ScoredGame {
	if limit <= 0 || limit > len(sorted) {
		limit = len(sorted)
	}
	if len(groups) == 0 {
		return append([]domain.ScoredGame(nil), sorted[:limit]...)
	}

	groupOf := make(map[int64]int)
	for gi, group := range groups {
		for _, id := range group {
			if _, ok := groupOf[id]; !ok {
				groupOf[id] = gi
			}
		}
	}
	pos := make(map[int64]int, len(sorted))
	for i, item := range sorted {
		pos[item.Game.ID] = i
	}

	used := make([]bool, len(sorted))
	ordered := make([]domain.ScoredGame, 0, len(sorted))
	for i, item := range sorted {
		if used[i] {
			continue
		}
		used[i] = true
		ordered = append(ordered, item)
		gi, ok := groupOf[item.Game.ID]
		if !ok {
			continue
		}
		for _, id := range groups[gi] {
			j, present := pos[id]
			if !present || used[j] || sorted[j].Tier != item.Tier {
				continue
			}
			used[j] = true
			ordered = append(ordered, sorted[j])
		}
	}
	if len(ordered) <= limit {
		return ordered
	}

	page := append([]domain.ScoredGame(nil), ordered[:limit]...)
	for k := limit; k < len(ordered); k++ {
		next := ordered[k]
		gi, ok := groupOf[next.Game.ID]
		if !ok || !groupInPage(page, groupOf, gi, next.Tier) {
			break
		}
		drop := lastUngrouped(page, groupOf, next.Tier)
		if drop < 0 {
			break
		}
		page = append(page[:drop], page[drop+1:]...)
		page = append(page, next)
	}
	return page
}

func groupInPage(page []domain.ScoredGame, groupOf map[int64]int, gi int, tier domain.Tier) bool {
	for _, item := range page {
		if g, ok := groupOf[item.Game.ID]; ok && g == gi && item.Tier == tier {
			return true
		}
	}
	return false
}

// lastUngrouped returns the last page item outside any group whose tier is
// the given one, or -1.
func lastUngrouped(page []domain.ScoredGame, groupOf map[int64]int, tier domain.Tier) int {
	for i := len(page) - 1; i >= 0; i-- {
		if page[i].Tier != tier {
			continue
		}
		if _, ok := groupOf[page[i].Game.ID]; !ok {
			return i
		}
	}
	return -1
}
