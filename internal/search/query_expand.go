package search

import (
	"strings"
)

const maxQueryVariants = 2

// expandedQueries returns rewritten forms of a query for a second catalog
// pass: numerals swapped between roman and arabic, the part before a
// subtitle separator, and the query without stopwords.
func expandedQueries(raw, normalized string) []string {
	base := strings.TrimSpace(normalized)
	if base == "" {
		return nil
	}
	var variants []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || v == base || len(variants) >= maxQueryVariants {
			return
		}
		for _, existing := range variants {
			if existing == v {
				return
			}
		}
		variants = append(variants, v)
	}

	add(swapNumerals(base))
	add(stripSubtitle(raw))
	add(dropStopwords(base))
	return variants
}

func swapNumerals(normalized string) string {
	tokens := strings.Fields(normalized)
	changed := false
	for i, token := range tokens {
		if arabic, ok := romanNumerals[token]; ok {
			tokens[i] = arabic
			changed = true
			continue
		}
		if roman, ok := arabicNumerals[token]; ok {
			tokens[i] = roman
			changed = true
		}
	}
	if !changed {
		return ""
	}
	return strings.Join(tokens, " ")
}

// stripSubtitle keeps the text before ':' or " - " when that leaves at
// least one searchable word.
func stripSubtitle(raw string) string {
	cut := len(raw)
	if i := strings.Index(raw, ":"); i >= 0 && i < cut {
		cut = i
	}
	if i := strings.Index(raw, " - "); i >= 0 && i < cut {
		cut = i
	}
	if cut == len(raw) {
		return ""
	}
	return NormalizeQuery(raw[:cut])
}

func dropStopwords(normalized string) string {
	tokens := strings.Fields(normalized)
	kept := tokens[:0:0]
	for _, token := range tokens {
		if _, ok := stopwordTokens[token]; ok {
			continue
		}
		kept = append(kept, token)
	}
	if len(kept) == 0 || len(kept) == len(tokens) {
		return ""
	}
	return strings.Join(kept, " ")
}
