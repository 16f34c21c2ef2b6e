package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	Port int

	DBDriver    string
	DBPath      string
	DatabaseURL string

	LogLevel    string
	LogEncoding string

	CORSAllowedOrigins []string

	Recalc RecalcConfig
}

// RecalcConfig drives the periodic recalculation job.
type RecalcConfig struct {
	Enabled      bool
	Schedule     string // cron expression with seconds field
	LookbackDays int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:        getenvInt("PORT", 8080),
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", DriverSQLite)),
		DBPath:      getenv("DB_PATH", "commissions.db"),
		DatabaseURL: strings.TrimSpace(getenv("DATABASE_URL", "")),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogEncoding: getenv("LOG_ENCODING", "json"),
		CORSAllowedOrigins: parseList(getenv("CORS_ALLOWED_ORIGINS",
			"http://localhost:5173,http://localhost:8080")),
		Recalc: RecalcConfig{
			Enabled:      getenvBool("RECALC_SCHEDULE_ENABLED", false),
			Schedule:     getenv("RECALC_SCHEDULE", "0 30 2 * * *"),
			LookbackDays: getenvInt("RECALC_LOOKBACK_DAYS", 7),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
