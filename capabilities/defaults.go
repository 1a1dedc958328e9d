package capabilities

import (
	"github.com/ridgeline/triagecore/config"
	"github.com/ridgeline/triagecore/model"
)

// NullWhitelist treats every file as unknown (never bypasses
// scanning) — the safe default until a site wires a real whitelist
// source.
type NullWhitelist struct{}

func (NullWhitelist) Verdict(string) (bool, error) { return false, nil }

// FlatScheduleBuilder puts every requested service in one schedule
// group, i.e. no ordering dependency between services — the simplest
// schedule a site can start from.
type FlatScheduleBuilder struct{}

func (FlatScheduleBuilder) BuildSchedule(_ string, requestedServices []string) (model.Schedule, error) {
	if len(requestedServices) == 0 {
		return model.Schedule{}, nil
	}
	group := append([]string(nil), requestedServices...)
	return model.Schedule{group}, nil
}

// PassthroughServiceConfig returns the submission's overrides verbatim,
// with no site-level defaults layered underneath.
type PassthroughServiceConfig struct{}

func (PassthroughServiceConfig) BuildServiceConfig(_ string, overrides map[string]string) map[string]string {
	return overrides
}

// StaticServiceLimits returns the same timeout/failure-limit for every
// service, drawn from config.Config.
type StaticServiceLimits struct {
	Cfg *config.Config
}

func (l StaticServiceLimits) ServiceTimeout(string) (int64, bool) {
	return int64(l.Cfg.ServiceTimeout.Seconds()), true
}

func (l StaticServiceLimits) ServiceFailureLimit(string) (int, bool) {
	return l.Cfg.ServiceFailureLimit, true
}

// ConfigPriorityClassifier treats any file above max_file_size/2 as
// low priority — a conservative default a site should replace with a
// real signal (e.g. submitter reputation, classification hints).
type ConfigPriorityClassifier struct {
	Cfg *config.Config
}

func (c ConfigPriorityClassifier) IsLowPriority(task *model.IngestTask) bool {
	root, ok := task.Request.RootFile()
	if !ok {
		return false
	}
	return root.Size > c.Cfg.MaxFileSize/2
}

// ErrorPenalizedScorer returns the score already carried on the
// completion message, unchanged; it applies no penalty or adjustment of
// its own. Sites expecting antivirus-style scoring signals should supply
// their own Scorer; this default only keeps the pipeline runnable
// standalone.
type ErrorPenalizedScorer struct{}

func (ErrorPenalizedScorer) Score(msg model.CompleteMessage) float64 {
	return msg.Score
}
