package search

import (
	"sort"
	"strings"
)

// levenshteinRatio returns 1 - distance/maxLen over runes, in [0,1].
func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	maxLen := max(len(ra), len(rb))
	return 1 - float64(prev[len(rb)])/float64(maxLen)
}

// tokenSetRatio compares the sorted intersection of two token sets against
// each side's remainder and keeps the best ratio. Word order and duplicated
// words do not matter.
func tokenSetRatio(a, b titleMeta) float64 {
	if len(a.tokens) == 0 || len(b.tokens) == 0 {
		return 0
	}
	if a.normalized == b.normalized {
		return 1
	}

	var common, onlyA, onlyB []string
	for _, token := range a.tokens {
		if _, ok := b.tokenSet[token]; ok {
			common = append(common, token)
		} else {
			onlyA = append(onlyA, token)
		}
	}
	for _, token := range b.tokens {
		if _, ok := a.tokenSet[token]; !ok {
			onlyB = append(onlyB, token)
		}
	}
	sort.Strings(common)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(common, " ")
	left := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	right := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := levenshteinRatio(left, right)
	if base != "" {
		best = max(best, levenshteinRatio(base, left), levenshteinRatio(base, right))
	}
	return clamp01(best)
}

// nameSimilarity is the name sub-score: exact normalized match is 1, otherwise
// the better of the edit-distance ratio and the token-set ratio.
func nameSimilarity(query, name titleMeta) float64 {
	if query.normalized == "" || name.normalized == "" {
		return 0
	}
	if query.normalized == name.normalized {
		return 1
	}
	score := max(levenshteinRatio(query.normalized, name.normalized), tokenSetRatio(query, name))
	// A token-set hit of 1.0 means subset, not equality.
	if score >= 1 {
		score = 0.97
	}
	return score
}

// tokenOverlap is the share of query tokens present in the candidate tokens.
func tokenOverlap(query titleMeta, candidate map[string]struct{}) float64 {
	if len(query.tokens) == 0 {
		return 0
	}
	hits := 0
	for _, token := range query.tokens {
		if _, ok := candidate[token]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query.tokens))
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for token := range a {
		if _, ok := b[token]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
