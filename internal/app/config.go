package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr       string
	RequestTimeout time.Duration
	LogLevel       string
	LogFormat      string

	DatabaseURL        string
	LocalIndexSeedPath string
	RedisURL           string

	CatalogBaseURL         string
	CatalogClientID        string
	CatalogClientSecret    string
	CatalogTokenURL        string
	CatalogRPS             float64
	CatalogMaxConcurrent   int
	CatalogBreakerFailures int
	CatalogBreakerCooldown time.Duration
	CatalogBreakerWindow   time.Duration
	CatalogCacheTTL        time.Duration
	CatalogImageBaseURL    string

	DBTimeout        time.Duration
	CatalogTimeout   time.Duration
	FranchiseTimeout time.Duration

	CacheTTL        time.Duration
	CacheMaxEntries int
	CacheDisabled   bool
	WarmInterval    time.Duration

	RankingConfigPath string

	SearchRPS    float64
	SearchBurst  int
	SuggestRPS   float64
	SuggestBurst int
	CoverRPS     float64
	CoverBurst   int
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8090"),
		RequestTimeout: time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 8)) * time.Second,
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),

		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		LocalIndexSeedPath: strings.TrimSpace(os.Getenv("LOCAL_INDEX_SEED_PATH")),
		RedisURL:           getEnv("REDIS_URL", ""),

		CatalogBaseURL:         getEnv("CATALOG_BASE_URL", "https://api.igdb.com/v4"),
		CatalogClientID:        strings.TrimSpace(os.Getenv("CATALOG_CLIENT_ID")),
		CatalogClientSecret:    strings.TrimSpace(os.Getenv("CATALOG_CLIENT_SECRET")),
		CatalogTokenURL:        getEnv("CATALOG_TOKEN_URL", "https://id.twitch.tv/oauth2/token"),
		CatalogRPS:             getEnvFloat("CATALOG_RPS", 3.5),
		CatalogMaxConcurrent:   getEnvInt("CATALOG_MAX_CONCURRENT", 4),
		CatalogBreakerFailures: getEnvInt("CATALOG_BREAKER_FAILURES", 5),
		CatalogBreakerCooldown: time.Duration(getEnvInt("CATALOG_BREAKER_COOLDOWN_SECONDS", 30)) * time.Second,
		CatalogBreakerWindow:   time.Duration(getEnvInt("CATALOG_BREAKER_WINDOW_SECONDS", 60)) * time.Second,
		CatalogCacheTTL:        time.Duration(getEnvInt("CATALOG_CACHE_TTL_HOURS", 6)) * time.Hour,
		CatalogImageBaseURL:    normalizeBaseURL(getEnv("CATALOG_IMAGE_BASE_URL", "https://images.igdb.com/igdb/image/upload")),

		DBTimeout:        time.Duration(getEnvInt("DB_TIMEOUT_MS", 1500)) * time.Millisecond,
		CatalogTimeout:   time.Duration(getEnvInt("CATALOG_TIMEOUT_MS", 3000)) * time.Millisecond,
		FranchiseTimeout: time.Duration(getEnvInt("FRANCHISE_TIMEOUT_MS", 2000)) * time.Millisecond,

		CacheTTL:        time.Duration(getEnvInt("SEARCH_CACHE_TTL_MINUTES", 10)) * time.Minute,
		CacheMaxEntries: getEnvInt("SEARCH_CACHE_MAX_ENTRIES", 500),
		CacheDisabled:   getEnvBool("SEARCH_CACHE_DISABLED", false),
		WarmInterval:    time.Duration(getEnvInt("SEARCH_CACHE_WARM_MINUTES", 5)) * time.Minute,

		RankingConfigPath: strings.TrimSpace(os.Getenv("RANKING_CONFIG_PATH")),

		SearchRPS:    getEnvFloat("HTTP_SEARCH_RPS", 5),
		SearchBurst:  getEnvInt("HTTP_SEARCH_BURST", 20),
		SuggestRPS:   getEnvFloat("HTTP_SUGGEST_RPS", 15),
		SuggestBurst: getEnvInt("HTTP_SUGGEST_BURST", 40),
		CoverRPS:     getEnvFloat("HTTP_COVER_RPS", 30),
		CoverBurst:   getEnvInt("HTTP_COVER_BURST", 90),
	}
}

// CatalogEnabled reports whether catalog credentials were supplied.
func (c Config) CatalogEnabled() bool {
	return c.CatalogClientID != ""
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func normalizeBaseURL(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		value = "https://" + value
	}
	return strings.TrimRight(value, "/")
}
