// Package config loads process configuration from the environment (and an
// optional .env file via godotenv), matching the env-var-driven startup in
// the Python dbsync.py / embedder.py entrypoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Opts mirrors the Python original's free-form OPTS env var, a
// space-separated list of flags/key=value pairs such as
// "nosync offset=5 debug".
type Opts struct {
	NoSync bool
	NoEmbed bool
	Debug   bool
	Offset  int
}

func parseOpts(raw string) Opts {
	var o Opts
	for _, tok := range strings.Fields(raw) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if k, v, ok := strings.Cut(tok, "="); ok {
			if k == "offset" {
				if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					o.Offset = n
				}
			}
			continue
		}
		switch tok {
		case "nosync":
			o.NoSync = true
		case "noembed":
			o.NoEmbed = true
		case "debug":
			o.Debug = true
		}
	}
	return o
}

// Config is the full set of values every entrypoint (cmd/ingest,
// cmd/catchup, cmd/server) needs.
type Config struct {
	DatabaseURL  string
	DBPath       string
	GeminiAPIKey string
	OllamaURL    string
	Passwd       string
	Opts         Opts

	// OAuth collaborator surface, kept even though it's outside core
	// search scope.
	GoogleClientID     string
	GoogleClientSecret string
	SessionSecret      string
}

// Load reads .env (if present) then the environment. Missing optional
// values are left zero; required values are validated by callers that
// actually need them (e.g. cmd/server requires DatabaseURL).
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DBPath:             os.Getenv("DB_PATH"),
		GeminiAPIKey:       os.Getenv("GEMINI_API_KEY"),
		OllamaURL:          os.Getenv("OLLAMA_URL"),
		Passwd:             os.Getenv("PASSWD"),
		Opts:               parseOpts(os.Getenv("OPTS")),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		SessionSecret:      os.Getenv("SESSION_SECRET"),
	}
	if c.DBPath == "" {
		c.DBPath = "./hnsearch-data"
	}
	return c, nil
}

// RequireDatabaseURL fails fast if DATABASE_URL was not set, matching the
// startup-invariant log.Fatalf style used throughout the teacher's
// entrypoints.
func (c *Config) RequireDatabaseURL() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// RequireGeminiAPIKey fails fast if no embedding/answer model key is
// configured.
func (c *Config) RequireGeminiAPIKey() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	return nil
}
