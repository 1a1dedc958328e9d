// Package capabilities declares the injected externals spec.md §6 lists
// as callouts the core delegates to rather than implements itself:
// whitelist verdicts, schedule construction, per-service config
// resolution, and the scoring function a site plugs in. Each is a
// narrow interface so cmd/triaged can wire a real implementation while
// tests wire a stub.
package capabilities

import "github.com/ridgeline/triagecore/model"

// WhitelistChecker reports whether a file hash is known-safe and should
// bypass scanning entirely.
type WhitelistChecker interface {
	Verdict(fileHash string) (safe bool, err error)
}

// ScheduleBuilder computes the ordered service groups for a file, given
// its type and the submission's requested services.
type ScheduleBuilder interface {
	BuildSchedule(fileType string, requestedServices []string) (model.Schedule, error)
}

// ServiceConfigBuilder resolves the effective configuration to send a
// service for one file, folding submission-level overrides over site
// defaults.
type ServiceConfigBuilder interface {
	BuildServiceConfig(service string, overrides map[string]string) map[string]string
}

// ServiceLimits supplies the per-service operational knobs the
// dispatcher enforces: how long a dispatched task may run before it's
// considered lost, and how many consecutive failures open the circuit.
type ServiceLimits interface {
	ServiceTimeout(service string) (timeout int64, ok bool) // seconds; ok=false means use the global default
	ServiceFailureLimit(service string) (limit int, ok bool)
}

// PriorityClassifier is spec.md §4.1's injected `is_low_priority(task)`
// predicate, consulted during priority resolution when the caller
// supplied no explicit priority hint and no cache-derived score was
// available to map through the score→priority table.
type PriorityClassifier interface {
	IsLowPriority(task *model.IngestTask) bool
}

// Scorer computes the cache-derived score for a completed submission,
// fed back into FileScoreEntry and used to resolve future duplicates'
// priority.
type Scorer interface {
	Score(msg model.CompleteMessage) float64
}
