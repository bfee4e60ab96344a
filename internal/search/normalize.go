package search

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"gamesearch/searchservice/internal/domain"
)

const (
	MaxQueryLength     = 200
	DefaultResultLimit = 20
	MaxResultLimit     = 100
)

// Letters that NFKD leaves intact but users type without the diacritic.
var foldReplacer = strings.NewReplacer(
	"ß", "ss", "æ", "ae", "œ", "oe", "ø", "o", "ł", "l", "đ", "d",
	"þ", "th", "ı", "i",
)

var stopwordTokens = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "and": {}, "to": {},
	"in": {}, "on": {}, "for": {}, "la": {}, "le": {}, "der": {}, "die": {},
}

var romanNumerals = map[string]string{
	"ii": "2", "iii": "3", "iv": "4", "v": "5", "vi": "6", "vii": "7",
	"viii": "8", "ix": "9", "x": "10", "xi": "11", "xii": "12", "xiii": "13",
	"xiv": "14", "xv": "15", "xvi": "16", "xvii": "17", "xviii": "18", "xix": "19", "xx": "20",
}

var arabicNumerals = func() map[string]string {
	out := make(map[string]string, len(romanNumerals))
	for roman, arabic := range romanNumerals {
		out[arabic] = roman
	}
	return out
}()

// foldText lowercases and strips combining marks, so "Pokémon" and "pokemon" compare equal.
// Lowercasing runs first: "ẞ" only becomes "ß" there and "İ" gains a combining dot.
func foldText(raw string) string {
	lowered := strings.ToLower(raw)
	chain := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(chain, lowered)
	if err != nil {
		folded = lowered
	}
	return foldReplacer.Replace(strings.ToLower(folded))
}

// NormalizeQuery folds the input and keeps only letters, digits and single
// spaces. Apostrophes inside words are dropped; any other rune becomes a
// separator, which leaves nothing a full-text query language can interpret.
func NormalizeQuery(raw string) string {
	folded := foldText(raw)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '\'' || r == '’' || r == '‘' || r == 'ʼ' || r == '`':
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NewQuery validates raw input and builds the immutable request value.
func NewQuery(raw string, filters domain.SearchFilters, limit int, user *domain.UserContext) (domain.SearchQuery, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return domain.SearchQuery{}, fmt.Errorf("%w: query is required", domain.ErrInvalidQuery)
	}
	if utf8.RuneCountInString(trimmed) > MaxQueryLength {
		return domain.SearchQuery{}, fmt.Errorf("%w: query exceeds %d characters", domain.ErrInvalidQuery, MaxQueryLength)
	}
	normalized := NormalizeQuery(trimmed)
	if normalized == "" {
		return domain.SearchQuery{}, fmt.Errorf("%w: query has no searchable characters", domain.ErrInvalidQuery)
	}

	if limit <= 0 {
		limit = DefaultResultLimit
	}
	if limit > MaxResultLimit {
		limit = MaxResultLimit
	}

	filters = domain.NormalizeFilters(filters)
	if len(filters.Platforms) > 0 {
		platforms := make([]string, 0, len(filters.Platforms))
		for _, p := range filters.Platforms {
			if n := NormalizeQuery(p); n != "" {
				platforms = append(platforms, n)
			}
		}
		filters.Platforms = uniqueStrings(platforms)
	}

	var userCopy *domain.UserContext
	if user != nil && strings.TrimSpace(user.UserID) != "" {
		u := *user
		userCopy = &u
	}

	return domain.SearchQuery{
		Raw:        trimmed,
		Normalized: normalized,
		Filters:    filters,
		Limit:      limit,
		User:       userCopy,
	}, nil
}

type titleMeta struct {
	normalized string
	tokens     []string
	tokenSet   map[string]struct{}
	number     string
}

// parseTitleMeta tokenizes a display or query string for comparison.
// Numerals are canonicalized to arabic so "Final Fantasy VII" matches "final fantasy 7".
func parseTitleMeta(raw string) titleMeta {
	normalized := NormalizeQuery(raw)
	meta := titleMeta{tokenSet: make(map[string]struct{})}
	if normalized == "" {
		return meta
	}

	canonical := make([]string, 0, 8)
	for _, token := range strings.Fields(normalized) {
		token = canonicalToken(token)
		canonical = append(canonical, token)
		if _, ok := stopwordTokens[token]; ok {
			continue
		}
		if isNumberToken(token) && meta.number == "" {
			meta.number = token
		}
		if _, exists := meta.tokenSet[token]; !exists {
			meta.tokens = append(meta.tokens, token)
			meta.tokenSet[token] = struct{}{}
		}
	}
	meta.normalized = strings.Join(canonical, " ")
	return meta
}

func canonicalToken(token string) string {
	if arabic, ok := romanNumerals[token]; ok {
		return arabic
	}
	return token
}

func isNumberToken(token string) bool {
	if token == "" || len(token) > 2 {
		return false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func uniqueStrings(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		key := strings.ToLower(value)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, value)
	}
	return out
}
