package localindex

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	bquery "github.com/blevesearch/bleve/v2/search/query"
	json "github.com/goccy/go-json"

	"gamesearch/searchservice/internal/domain"
	"gamesearch/searchservice/internal/search"
)

const (
	foldedAnalyzer = "folded_text"
	batchSize      = 500
)

// Index is an in-memory full-text index over game records. It stands in for
// the database when no DSN is configured.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
	games map[int64]domain.CandidateGame
}

func buildIndexMapping() (mapping.IndexMapping, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(foldedAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, err
	}
	indexMapping.DefaultAnalyzer = foldedAnalyzer

	docMapping := bleve.NewDocumentMapping()

	nameFieldMapping := bleve.NewTextFieldMapping()
	nameFieldMapping.Analyzer = foldedAnalyzer
	nameFieldMapping.Store = false
	docMapping.AddFieldMappingsAt("name", nameFieldMapping)

	altFieldMapping := bleve.NewTextFieldMapping()
	altFieldMapping.Analyzer = foldedAnalyzer
	altFieldMapping.Store = false
	docMapping.AddFieldMappingsAt("alternate_names", altFieldMapping)

	summaryFieldMapping := bleve.NewTextFieldMapping()
	summaryFieldMapping.Analyzer = foldedAnalyzer
	summaryFieldMapping.Store = false
	docMapping.AddFieldMappingsAt("summary", summaryFieldMapping)

	companyFieldMapping := bleve.NewTextFieldMapping()
	companyFieldMapping.Analyzer = foldedAnalyzer
	companyFieldMapping.Store = false
	docMapping.AddFieldMappingsAt("companies", companyFieldMapping)

	indexMapping.DefaultMapping = docMapping
	return indexMapping, nil
}

func New() (*Index, error) {
	indexMapping, err := buildIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("build index mapping: %w", err)
	}
	index, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Index{index: index, games: make(map[int64]domain.CandidateGame)}, nil
}

// LoadFile indexes a JSON array of game records.
func (x *Index) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var games []domain.CandidateGame
	if err := json.Unmarshal(data, &games); err != nil {
		return 0, fmt.Errorf("decode seed file: %w", err)
	}
	if err := x.Add(games); err != nil {
		return 0, err
	}
	return len(games), nil
}

// Add indexes games in batches. Records with an existing ID replace it.
func (x *Index) Add(games []domain.CandidateGame) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for i := 0; i < len(games); i += batchSize {
		end := i + batchSize
		if end > len(games) {
			end = len(games)
		}
		batch := x.index.NewBatch()
		for _, game := range games[i:end] {
			if game.ID <= 0 || strings.TrimSpace(game.Name) == "" {
				continue
			}
			if err := batch.Index(strconv.FormatInt(game.ID, 10), toDoc(game)); err != nil {
				return fmt.Errorf("batch index %d: %w", game.ID, err)
			}
			game.Sources = domain.SourceDB
			x.games[game.ID] = game
		}
		if err := x.index.Batch(batch); err != nil {
			return fmt.Errorf("commit batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

// toDoc folds every text field the same way queries are folded.
func toDoc(game domain.CandidateGame) map[string]interface{} {
	alternates := make([]string, 0, len(game.AlternateNames))
	for _, name := range game.AlternateNames {
		alternates = append(alternates, search.NormalizeQuery(name))
	}
	return map[string]interface{}{
		"name":            search.NormalizeQuery(game.Name),
		"alternate_names": strings.Join(alternates, " "),
		"summary":         search.NormalizeQuery(game.Summary),
		"companies":       search.NormalizeQuery(game.Developer + " " + game.Publisher),
	}
}

func (x *Index) Close() error {
	return x.index.Close()
}

func (x *Index) Name() string {
	return "localindex"
}

func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.games)
}

func (x *Index) Search(ctx context.Context, normalized string, limit int) ([]domain.CandidateGame, error) {
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return nil, nil
	}
	if limit <= 0 || limit > search.MaxSourceLimit {
		limit = search.MaxSourceLimit
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	request := bleve.NewSearchRequestOptions(buildQuery(normalized), limit, 0, false)
	result, err := x.index.SearchInContext(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("%w: local index: %w", domain.ErrDataSourceUnavailable, err)
	}

	out := make([]domain.CandidateGame, 0, len(result.Hits))
	for _, hit := range result.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		if game, ok := x.games[id]; ok {
			out = append(out, game)
		}
	}
	return out, nil
}

func buildQuery(normalized string) bquery.Query {
	var queries []bquery.Query

	nameMatch := bleve.NewMatchQuery(normalized)
	nameMatch.SetField("name")
	nameMatch.SetBoost(3.0)
	queries = append(queries, nameMatch)

	altMatch := bleve.NewMatchQuery(normalized)
	altMatch.SetField("alternate_names")
	altMatch.SetBoost(2.0)
	queries = append(queries, altMatch)

	companyMatch := bleve.NewMatchQuery(normalized)
	companyMatch.SetField("companies")
	companyMatch.SetBoost(0.8)
	queries = append(queries, companyMatch)

	summaryMatch := bleve.NewMatchQuery(normalized)
	summaryMatch.SetField("summary")
	summaryMatch.SetBoost(0.3)
	queries = append(queries, summaryMatch)

	tokens := strings.Fields(normalized)
	for _, token := range tokens {
		if len([]rune(token)) < 4 {
			continue
		}
		fuzzy := bleve.NewFuzzyQuery(token)
		fuzzy.SetField("name")
		fuzzy.SetFuzziness(1)
		fuzzy.SetBoost(1.0)
		queries = append(queries, fuzzy)
	}

	// Typeahead: the last token may be incomplete.
	if last := tokens[len(tokens)-1]; len([]rune(last)) >= 2 {
		prefix := bleve.NewPrefixQuery(last)
		prefix.SetField("name")
		prefix.SetBoost(1.5)
		queries = append(queries, prefix)
	}

	return bleve.NewDisjunctionQuery(queries...)
}
