package config

import "testing"

func TestPriorityForScoreFirstMatchWins(t *testing.T) {
	c := Default()

	name, ok := c.PriorityForScore(600)
	if !ok || name != "critical" {
		t.Fatalf("expected score 600 to map to critical, got %q ok=%v", name, ok)
	}

	name, ok = c.PriorityForScore(150)
	if !ok || name != "high" {
		t.Fatalf("expected score 150 to map to high, got %q ok=%v", name, ok)
	}

	name, ok = c.PriorityForScore(0)
	if !ok || name != "medium" {
		t.Fatalf("expected score 0 to map to medium, got %q ok=%v", name, ok)
	}
}

func TestPriorityForScoreBelowLowestThreshold(t *testing.T) {
	c := Default()
	if _, ok := c.PriorityForScore(-1); ok {
		t.Fatalf("expected a negative score to match no threshold")
	}
}

func TestBandForFindsCoveringBand(t *testing.T) {
	c := Default()
	band, ok := c.BandFor(5)
	if !ok || band.Threshold != 200 {
		t.Fatalf("expected priority 5 to fall in the [4,6] band with threshold 200, got %+v ok=%v", band, ok)
	}
}

func TestBandForNoMatch(t *testing.T) {
	c := Default()
	if _, ok := c.BandFor(1); ok {
		t.Fatalf("expected priority 1 (the shedding-floor sentinel below every named tier) to match no sampling band")
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MAX_FILE_SIZE", "12345")
	t.Setenv("SERVICE_FAILURE_LIMIT", "9")

	c := Load()

	if c.RedisAddr != "redis.internal:6380" {
		t.Fatalf("expected REDIS_ADDR override, got %q", c.RedisAddr)
	}
	if c.MaxFileSize != 12345 {
		t.Fatalf("expected MAX_FILE_SIZE override, got %d", c.MaxFileSize)
	}
	if c.ServiceFailureLimit != 9 {
		t.Fatalf("expected SERVICE_FAILURE_LIMIT override, got %d", c.ServiceFailureLimit)
	}
}

func TestLoadFallsBackToDefaultsWhenUnset(t *testing.T) {
	c := Load()
	d := Default()
	if c.MaxExtractionDepth != d.MaxExtractionDepth {
		t.Fatalf("expected untouched knob to retain default, got %d", c.MaxExtractionDepth)
	}
}
