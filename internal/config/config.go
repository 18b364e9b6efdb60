package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddress   string
	DatabaseURL     string
	JWTSecret       string
	TokenTTL        time.Duration
	StoreTimeout    time.Duration
	AllowedOrigins  []string
	RedisURL        string
	MessageRate     float64
	MessageBurst    int
	MaxMessageSize  int64
	ShutdownTimeout time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	// Default SQLite database lives under ./data
	dbPath := filepath.Join(cwd, "data", "roomchat.db")

	return &Config{
		ServerAddress:   getEnv("SERVER_ADDRESS", ":8000"),
		DatabaseURL:     getEnv("DATABASE_URL", "sqlite://"+dbPath),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key"),
		TokenTTL:        getEnvAsDuration("TOKEN_TTL", 2*time.Hour),
		StoreTimeout:    getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
		AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		RedisURL:        getEnv("REDIS_URL", ""),
		MessageRate:     getEnvAsFloat("MESSAGE_RATE", 10),
		MessageBurst:    getEnvAsInt("MESSAGE_BURST", 20),
		MaxMessageSize:  int64(getEnvAsInt("MAX_MESSAGE_SIZE", 4096)),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

// IsSQLite reports whether the configured store is a SQLite file.
func (c *Config) IsSQLite() bool {
	return !strings.HasPrefix(c.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// CleanDatabasePath returns a clean filesystem path from a SQLite database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		dbPath = filepath.Join(cwd, dbPath)
	}

	return dbPath
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Invalid duration for %s: %q, using %s", key, raw, fallback)
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
