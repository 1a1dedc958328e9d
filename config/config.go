// Package config centralizes every environment-tunable knob the pipeline
// needs, the same way the teacher loads scheduler settings from the
// environment in main.go and falls back to DefaultSchedulerConfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// PriorityBand is one entry of a sampling-threshold table: submissions
// whose resolved priority falls in [Low, High] are admission-checked
// against Threshold queued tasks in that band.
type PriorityBand struct {
	Low       int
	High      int
	Threshold int
}

// ScoreThreshold maps a minimum cache-derived score to a priority name;
// the first (highest-score) match in Config.ScoreToPriority wins.
type ScoreThreshold struct {
	MinScore float64
	Priority string
}

// Config holds every spec.md §6 configuration knob.
type Config struct {
	MaxFileSize       int64
	MaxValueSize      int
	MaxMetadataLength int

	MaxExtractionDepth int
	MaxExtracted       int

	SamplingAt []PriorityBand

	ExpireAfter           time.Duration
	StaleAfter            time.Duration
	IncompleteExpireAfter time.Duration
	IncompleteStaleAfter  time.Duration

	PriorityNames map[string]int // e.g. "critical" -> 10, "low" -> 2; higher pops first, 1 is the shedding-floor sentinel no named tier occupies
	ScoreToPriority []ScoreThreshold

	CriticalThreshold float64

	MaxRetries int
	RetryDelay time.Duration
	MaxTime    time.Duration

	ServiceFailureLimit int
	ServiceTimeout      time.Duration
	CircuitCooldown     time.Duration

	RedisAddr    string
	RedisDB      int
	PostgresDSN  string

	ShardIndex int
	ShardCount int

	NodeID string
}

// Default returns production-shaped defaults; individual fields are
// overridden by Load() when the corresponding environment variable is
// set.
func Default() Config {
	return Config{
		MaxFileSize:       100 * 1024 * 1024,
		MaxValueSize:      4096,
		MaxMetadataLength: 4096,

		MaxExtractionDepth: 6,
		MaxExtracted:       500,

		SamplingAt: []PriorityBand{
			{Low: 2, High: 3, Threshold: 50},
			{Low: 4, High: 6, Threshold: 200},
			{Low: 7, High: 10, Threshold: 1000},
		},

		ExpireAfter:           15 * 24 * time.Hour,
		StaleAfter:            2 * time.Hour,
		IncompleteExpireAfter: 1 * time.Hour,
		IncompleteStaleAfter:  5 * time.Minute,

		PriorityNames: map[string]int{
			"critical": 10,
			"high":     7,
			"medium":   5,
			"low":      2,
		},
		ScoreToPriority: []ScoreThreshold{
			{MinScore: 500, Priority: "critical"},
			{MinScore: 100, Priority: "high"},
			{MinScore: 0, Priority: "medium"},
		},

		CriticalThreshold: 500,

		MaxRetries: 10,
		RetryDelay: 180 * time.Second,
		MaxTime:    48 * time.Hour,

		ServiceFailureLimit: 3,
		ServiceTimeout:      10 * time.Minute,
		CircuitCooldown:     5 * time.Minute,

		RedisAddr:   "localhost:6379",
		RedisDB:     0,
		PostgresDSN: "",

		ShardIndex: 0,
		ShardCount: 1,
	}
}

// Load returns Default() overridden by any set environment variables,
// mirroring main.go's os.Getenv + fmt.Sscanf pattern.
func Load() Config {
	c := Default()

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		var db int
		if _, err := fmt.Sscanf(v, "%d", &db); err == nil {
			c.RedisDB = db
		}
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("POD_INDEX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ShardIndex = n
		}
	}
	if v := os.Getenv("POD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ShardCount = n
		}
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxFileSize = n
		}
	}
	if v := os.Getenv("SERVICE_FAILURE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ServiceFailureLimit = n
		}
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		c.NodeID = v
	} else {
		hostname, _ := os.Hostname()
		c.NodeID = hostname
	}

	return c
}

// PriorityForScore maps a cache-derived score to a priority name using
// the first (highest) matching threshold, mirroring spec.md §4.1's
// "monotone table, first match wins, ordered high->low" rule.
func (c *Config) PriorityForScore(score float64) (string, bool) {
	for _, t := range c.ScoreToPriority {
		if score >= t.MinScore {
			return t.Priority, true
		}
	}
	return "", false
}

// BandFor returns the sampling band covering the given priority, if any.
func (c *Config) BandFor(priority int) (PriorityBand, bool) {
	for _, b := range c.SamplingAt {
		if priority >= b.Low && priority <= b.High {
			return b, true
		}
	}
	return PriorityBand{}, false
}
