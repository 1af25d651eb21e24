/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config materializes a typed Config from the process environment.
package config

import (
	"fmt"
	"strings"

	"github.com/nodepool/tokenbudget/internal/strategy"
)

// Dialect names the persistence gateway implementation to construct.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMemory   Dialect = "memory"
)

// Config is the fully resolved set of tunables for one process.
type Config struct {
	DatabaseURL string
	Port        int

	Nodes      int
	NodeBudget int

	AllocStrategy     strategy.Strategy
	LargeRequestRatio float64

	RateLimitEnabled  bool
	RateLimitCapacity float64
	RateLimitRPS      float64
	RateLimitMaxKeys  int

	DBPoolSize    int
	DBMaxOverflow int
	DBPoolTimeout int
	AllocRetryMax int
	Development   bool
}

// Resolve reads the environment and returns a validated Config, mirroring
// the env-with-default pattern used to bootstrap this system's ancestors.
func Resolve() (Config, error) {
	c := Config{
		DatabaseURL:       withDefaultString("DATABASE_URL", ""),
		Port:              withDefaultInt("PORT", 3000),
		Nodes:             withDefaultInt("NODES", 2),
		NodeBudget:        withDefaultInt("NODE_BUDGET", 300),
		AllocStrategy:     strategy.Strategy(withDefaultString("ALLOC_STRATEGY", string(strategy.Best))),
		LargeRequestRatio: withDefaultFloat64("LARGE_REQUEST_RATIO", 0.5),
		RateLimitEnabled:  withDefaultBool("RATE_LIMIT_ENABLED", true),
		RateLimitCapacity: withDefaultFloat64("RATE_LIMIT_CAPACITY", 20),
		RateLimitRPS:      withDefaultFloat64("RATE_LIMIT_RPS", 5),
		RateLimitMaxKeys:  withDefaultInt("RATE_LIMIT_MAX_KEYS", 10_000),
		DBPoolSize:        withDefaultInt("DB_POOL_SIZE", 10),
		DBMaxOverflow:     withDefaultInt("DB_MAX_OVERFLOW", 5),
		DBPoolTimeout:     withDefaultInt("DB_POOL_TIMEOUT", 30),
		AllocRetryMax:     withDefaultInt("ALLOC_RETRY_MAX", 8),
		Development:       withDefaultBool("DEVELOPMENT", false),

	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations that would leave the system unable to
// satisfy spec invariants I1-I5 before a single request is served.
func (c Config) Validate() error {
	if c.Dialect() == DialectPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required when running against the postgres dialect")
	}
	if c.Nodes <= 0 {
		return fmt.Errorf("config: NODES must be positive, got %d", c.Nodes)
	}
	if c.NodeBudget <= 0 {
		return fmt.Errorf("config: NODE_BUDGET must be positive, got %d", c.NodeBudget)
	}
	if c.LargeRequestRatio <= 0 || c.LargeRequestRatio > 1 {
		return fmt.Errorf("config: LARGE_REQUEST_RATIO must be in (0, 1], got %f", c.LargeRequestRatio)
	}
	if !strategy.Valid(c.AllocStrategy) {
		return fmt.Errorf("config: ALLOC_STRATEGY must be %q or %q, got %q", strategy.Best, strategy.Largest, c.AllocStrategy)
	}
	if c.AllocRetryMax <= 0 {
		return fmt.Errorf("config: ALLOC_RETRY_MAX must be positive, got %d", c.AllocRetryMax)
	}
	return nil
}

// Dialect derives the persistence dialect from DATABASE_URL's scheme. An
// empty URL, or one with the memory:// scheme, selects the in-process
// development/test dialect; anything with a postgres(ql):// scheme selects
// the production dialect. This is this repo's concrete answer to spec.md's
// "out of scope: database driver selection" -- a choice has to be made
// somewhere to have a runnable system.
func (c Config) Dialect() Dialect {
	switch {
	case c.DatabaseURL == "", strings.HasPrefix(c.DatabaseURL, "memory://"):
		return DialectMemory
	default:
		return DialectPostgres
	}
}

// LargeThreshold returns the absolute token count at or above which a
// request is treated as "large" under the fragmentation override.
func (c Config) LargeThreshold() float64 {
	return c.LargeRequestRatio * float64(c.NodeBudget)
}
