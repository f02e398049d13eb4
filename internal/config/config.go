// Package config loads server settings from the environment. A .env file in
// the working directory is read first when present; real environment
// variables win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/DoyleJ11/tactics-room-backend/internal/engine"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Addr          string
	Env           string
	Store         string
	DatabaseURL   string
	Rules         engine.Rules
	Retention     time.Duration
	SweepInterval time.Duration
}

func (c Config) Production() bool { return c.Env == "production" }

// Load reads .env (if any) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, which behaves like os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	p := parser{lookup: lookup}
	rules := engine.DefaultRules()

	cfg := Config{
		Addr:          p.str("TACTICS_ADDR", ":8080"),
		Env:           p.str("TACTICS_ENV", "development"),
		Store:         p.str("TACTICS_STORE", StoreMemory),
		DatabaseURL:   p.str("DATABASE_URL", ""),
		Retention:     p.duration("TACTICS_RETENTION", 24*time.Hour),
		SweepInterval: p.duration("TACTICS_SWEEP_INTERVAL", 10*time.Minute),
		Rules: engine.Rules{
			Capacity:           p.positiveInt("TACTICS_CAPACITY", rules.Capacity),
			MaxClaimsPerMember: p.positiveInt("TACTICS_MAX_CLAIMS", rules.MaxClaimsPerMember),
			SelectionWindow:    p.duration("TACTICS_SELECTION_WINDOW", rules.SelectionWindow),
			ExecutionWindow:    p.duration("TACTICS_EXECUTION_WINDOW", rules.ExecutionWindow),
			Slots:              p.list("TACTICS_SLOTS"),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}

	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("config: DATABASE_URL is required when TACTICS_STORE=postgres")
		}
	default:
		return Config{}, fmt.Errorf("config: TACTICS_STORE: unknown store %q", cfg.Store)
	}
	return cfg, nil
}

// parser keeps the first error so Load reports one bad key at a time.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
}

func (p *parser) str(key, def string) string {
	if v, ok := p.raw(key); ok {
		return v
	}
	return def
}

func (p *parser) positiveInt(key string, def int) int {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if n <= 0 {
		p.fail(key, fmt.Errorf("must be positive, got %d", n))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if d <= 0 {
		p.fail(key, fmt.Errorf("must be positive, got %s", d))
		return def
	}
	return d
}

func (p *parser) list(key string) []string {
	v, ok := p.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
