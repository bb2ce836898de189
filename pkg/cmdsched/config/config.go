// Package config provides environment-driven configuration for the command
// scheduler, including YAML seed-file loading for ClockMapping rows.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yuanfeiw/cmdsched/models"
)

// Config holds the scheduler's tunable options.
type Config struct {
	// DefaultClockName is the fixed fallback used by the final step of
	// resolveClock.
	DefaultClockName string

	// PreconditionTimeout bounds how long the scheduling front-end waits
	// for an unsatisfied precondition before delivering anyway.
	PreconditionTimeout time.Duration

	// Durable selects between the default PreconditionTimeout for the
	// durable (postgres) scheduler (10s) and the in-memory one (3s), when
	// PreconditionTimeout is left zero.
	Durable bool

	// FrontendWorkers sizes the scheduling front-end's internal delivery
	// worker pool.
	FrontendWorkers int

	// ClockMappingSeedPath, if non-empty, is a YAML file of value -> clock
	// name pairs loaded into the store at startup via LoadClockMappingSeeds.
	ClockMappingSeedPath string

	// MetricsEnabled toggles Prometheus registration in cmd/cmdscheduler.
	MetricsEnabled bool

	// DatabaseURL is the pgx connection string for the durable store.
	// Unused by the in-memory scheduler variant.
	DatabaseURL string
}

// WithDefaults fills zero-valued fields with their documented fallbacks.
func (c Config) WithDefaults() Config {
	if c.DefaultClockName == "" {
		c.DefaultClockName = models.DefaultClockName
	}
	if c.PreconditionTimeout <= 0 {
		if c.Durable {
			c.PreconditionTimeout = 10 * time.Second
		} else {
			c.PreconditionTimeout = 3 * time.Second
		}
	}
	if c.FrontendWorkers <= 0 {
		c.FrontendWorkers = 16
	}
	return c
}

// DurableDefaults returns the baseline Config for the postgres-backed
// scheduler (10s precondition timeout).
func DurableDefaults() Config {
	return Config{Durable: true}.WithDefaults()
}

// InMemoryDefaults returns the baseline Config for the in-memory scheduler
// variant (3s precondition timeout).
func InMemoryDefaults() Config {
	return Config{Durable: false}.WithDefaults()
}

// FromEnv builds a Config from environment variables, layering over base's
// defaults. Unset variables leave base's value untouched.
//
//	CMDSCHED_DEFAULT_CLOCK_NAME
//	CMDSCHED_PRECONDITION_TIMEOUT   (Go duration syntax, e.g. "10s")
//	CMDSCHED_FRONTEND_WORKERS
//	CMDSCHED_CLOCK_MAPPING_SEED_PATH
//	CMDSCHED_METRICS_ENABLED        ("true"/"false")
//	CMDSCHED_DATABASE_URL
func FromEnv(base Config) (Config, error) {
	c := base
	if v := os.Getenv("CMDSCHED_DEFAULT_CLOCK_NAME"); v != "" {
		c.DefaultClockName = v
	}
	if v := os.Getenv("CMDSCHED_PRECONDITION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: CMDSCHED_PRECONDITION_TIMEOUT: %w", err)
		}
		c.PreconditionTimeout = d
	}
	if v := os.Getenv("CMDSCHED_FRONTEND_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: CMDSCHED_FRONTEND_WORKERS: %w", err)
		}
		c.FrontendWorkers = n
	}
	if v := os.Getenv("CMDSCHED_CLOCK_MAPPING_SEED_PATH"); v != "" {
		c.ClockMappingSeedPath = v
	}
	if v := os.Getenv("CMDSCHED_METRICS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: CMDSCHED_METRICS_ENABLED: %w", err)
		}
		c.MetricsEnabled = enabled
	}
	if v := os.Getenv("CMDSCHED_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	return c.WithDefaults(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Clock mapping seeds
// ─────────────────────────────────────────────────────────────────────────────

// clockMappingSeed is the YAML shape of one entry in a seed file.
type clockMappingSeed struct {
	Value string `yaml:"value"`
	Clock string `yaml:"clock"`
}

// LoadClockMappingSeeds parses a YAML document of the form:
//
//	- value: tenant-42
//	  clock: tenant-42
//	- value: tenant-77
//	  clock: shared
//
// into ClockMapping rows, for seeding the store at startup.
func LoadClockMappingSeeds(path string) ([]models.ClockMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read clock mapping seeds %q: %w", path, err)
	}
	var raw []clockMappingSeed
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse clock mapping seeds %q: %w", path, err)
	}
	out := make([]models.ClockMapping, 0, len(raw))
	for _, r := range raw {
		if r.Value == "" || r.Clock == "" {
			return nil, fmt.Errorf("config: clock mapping seed %q: value and clock are both required", path)
		}
		out = append(out, models.ClockMapping{Value: r.Value, ClockName: r.Clock})
	}
	return out, nil
}
