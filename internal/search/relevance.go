package search

import (
	"strings"

	"gamesearch/searchservice/internal/domain"
)

// RelevanceScorer computes text relevance in [0,1]. Scoring is pure: the
// same query and candidate always produce the same score and breakdown.
type RelevanceScorer struct {
	weights RelevanceWeights
	total   float64
}

func NewRelevanceScorer(weights RelevanceWeights) *RelevanceScorer {
	total := weights.Name + weights.AlternateName + weights.TokenOverlap +
		weights.Company + weights.Summary + weights.Genre
	return &RelevanceScorer{weights: weights, total: total}
}

type relevanceParts struct {
	name, alternate, overlap, company, summary, genre float64
}

func (s *RelevanceScorer) Score(query titleMeta, game domain.CandidateGame) (float64, []domain.ScoreComponent) {
	if s.total <= 0 || len(query.tokens) == 0 {
		return 0, nil
	}
	parts := scoreRelevanceParts(query, game)
	w := s.weights

	sum := w.Name*parts.name +
		w.AlternateName*parts.alternate +
		w.TokenOverlap*parts.overlap +
		w.Company*parts.company +
		w.Summary*parts.summary +
		w.Genre*parts.genre
	score := clamp01(sum / s.total)

	breakdown := []domain.ScoreComponent{
		{Label: "name", Value: w.Name * parts.name / s.total},
		{Label: "alternate_name", Value: w.AlternateName * parts.alternate / s.total},
		{Label: "token_overlap", Value: w.TokenOverlap * parts.overlap / s.total},
		{Label: "company", Value: w.Company * parts.company / s.total},
		{Label: "summary", Value: w.Summary * parts.summary / s.total},
		{Label: "genre", Value: w.Genre * parts.genre / s.total},
	}
	return score, breakdown
}

func scoreRelevanceParts(query titleMeta, game domain.CandidateGame) relevanceParts {
	nameMeta := parseTitleMeta(game.Name)
	var parts relevanceParts
	parts.name = nameSimilarity(query, nameMeta)

	nameTokens := make(map[string]struct{}, len(nameMeta.tokenSet))
	for token := range nameMeta.tokenSet {
		nameTokens[token] = struct{}{}
	}
	for _, alt := range game.AlternateNames {
		altMeta := parseTitleMeta(alt)
		parts.alternate = max(parts.alternate, nameSimilarity(query, altMeta))
		for token := range altMeta.tokenSet {
			nameTokens[token] = struct{}{}
		}
	}
	parts.overlap = tokenOverlap(query, nameTokens)

	parts.company = max(
		companyMatch(query, game.Developer),
		companyMatch(query, game.Publisher),
	)
	parts.summary = keywordMatch(query, game.Summary)

	for _, genre := range game.Genres {
		parts.genre = max(parts.genre, keywordMatch(query, genre))
	}
	return parts
}

// companyMatch is 1 when the company name appears in the query or the query in
// the company name, otherwise the fuzzy name similarity.
func companyMatch(query titleMeta, company string) float64 {
	meta := parseTitleMeta(company)
	if meta.normalized == "" {
		return 0
	}
	if strings.Contains(" "+query.normalized+" ", " "+meta.normalized+" ") ||
		strings.Contains(" "+meta.normalized+" ", " "+query.normalized+" ") {
		return 1
	}
	return nameSimilarity(query, meta)
}

// keywordMatch is the share of query tokens found in the text.
func keywordMatch(query titleMeta, text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	meta := parseTitleMeta(text)
	return tokenOverlap(query, meta.tokenSet)
}
