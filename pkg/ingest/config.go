package ingest

import (
	"fmt"
	"time"
)

const (
	DefaultQuery    = "bengaluru OR bangalore OR rain OR flood OR traffic OR riot OR chaos OR civic OR weather"
	DefaultFields   = "created_at"
	DefaultPageSize = 100
	DefaultMaxPages = 10

	DefaultRateLimitWait       = 30 * time.Second
	DefaultMaxRateLimitWait    = 5 * time.Minute
	DefaultMaxRateLimitRetries = 3
)

// Config parameterizes a Routine. It is fixed for the lifetime of the Routine.
type Config struct {
	Query    string
	Fields   string
	PageSize int
	MaxPages int

	// RateLimitWait is the first pause after a 429. Each further 429 on the
	// same page doubles it, up to MaxRateLimitWait.
	RateLimitWait       time.Duration
	MaxRateLimitWait    time.Duration
	MaxRateLimitRetries int
}

func DefaultConfig() Config {
	return Config{
		Query:               DefaultQuery,
		Fields:              DefaultFields,
		PageSize:            DefaultPageSize,
		MaxPages:            DefaultMaxPages,
		RateLimitWait:       DefaultRateLimitWait,
		MaxRateLimitWait:    DefaultMaxRateLimitWait,
		MaxRateLimitRetries: DefaultMaxRateLimitRetries,
	}
}

func (c Config) Validate() error {
	if c.Query == "" {
		return fmt.Errorf("%w: query must not be empty", ErrInvalidConfig)
	}
	if c.PageSize < 10 || c.PageSize > 100 {
		return fmt.Errorf("%w: page size must be between 10 and 100, got %d", ErrInvalidConfig, c.PageSize)
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("%w: max pages must not be negative, got %d", ErrInvalidConfig, c.MaxPages)
	}
	if c.MaxRateLimitRetries < 0 {
		return fmt.Errorf("%w: max rate limit retries must not be negative, got %d", ErrInvalidConfig, c.MaxRateLimitRetries)
	}
	if c.RateLimitWait < 0 || c.MaxRateLimitWait < 0 {
		return fmt.Errorf("%w: rate limit waits must not be negative", ErrInvalidConfig)
	}
	return nil
}

// backoff returns the pause before rate-limit retry number attempt (1-based).
func (c Config) backoff(attempt int) time.Duration {
	d := c.RateLimitWait
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.MaxRateLimitWait > 0 && d >= c.MaxRateLimitWait {
			return c.MaxRateLimitWait
		}
	}
	if c.MaxRateLimitWait > 0 && d > c.MaxRateLimitWait {
		return c.MaxRateLimitWait
	}
	return d
}
