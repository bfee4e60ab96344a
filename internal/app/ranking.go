package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"gamesearch/searchservice/internal/search"
)

const rankingEnvPrefix = "RANKING_"

// LoadRankingConfig layers built-in defaults, an optional YAML file and
// RANKING_* environment overrides. Nested keys in env names are separated
// by a double underscore: RANKING_COMPOSITE__RELEVANCE=0.7.
func LoadRankingConfig(path string) (search.RankingConfig, error) {
	k := koanf.New(".")

	defaults := search.DefaultRankingConfig()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return search.RankingConfig{}, fmt.Errorf("load ranking defaults: %w", err)
	}

	path = strings.TrimSpace(path)
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return search.RankingConfig{}, fmt.Errorf("ranking config %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return search.RankingConfig{}, fmt.Errorf("load ranking config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(rankingEnvPrefix, ".", rankingEnvKey), nil); err != nil {
		return search.RankingConfig{}, fmt.Errorf("load ranking env overrides: %w", err)
	}
	if err := splitListValues(k, rankingListPaths); err != nil {
		return search.RankingConfig{}, err
	}

	var cfg search.RankingConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return search.RankingConfig{}, fmt.Errorf("decode ranking config: %w", err)
	}
	return cfg.Normalize(), nil
}

func rankingEnvKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, rankingEnvPrefix))
	if key == "config_path" {
		return ""
	}
	return strings.ReplaceAll(key, "__", ".")
}

var rankingListPaths = []string{
	"tiers.verified_publishers",
	"tiers.mod_friendly_publishers",
	"filters.reader_markers",
}

// splitListValues turns comma-separated env values into lists for paths that
// YAML would give as sequences.
func splitListValues(k *koanf.Koanf, paths []string) error {
	for _, path := range paths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(raw, ",")
		values := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				values = append(values, p)
			}
		}
		if err := k.Set(path, values); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
