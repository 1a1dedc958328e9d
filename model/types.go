// Package model holds the data shapes shared across every stage of the
// ingest-and-dispatch pipeline: what a caller asked for, what the
// Ingester tracks while it decides what to do with it, and what the
// dispatchers persist while driving a submission to completion.
package model

import "time"

// SubmissionParams carries the caller-controlled knobs that influence
// both the ScanKey and the dispatch schedule.
type SubmissionParams struct {
	Services          []string          `json:"services"`
	ResubmitTo        []string          `json:"resubmit_to"`
	MaxExtractionDepth int              `json:"max_extraction_depth"`
	MaxExtracted      int               `json:"max_extracted"`
	PriorityHint      int               `json:"priority_hint"` // < 0 means "unset"
	Classification    string            `json:"classification"`
	IgnoreCache       bool              `json:"ignore_cache"`
	IgnoreSize        bool              `json:"ignore_size"`
	NeverDrop         bool              `json:"never_drop"`
	GenerateAlert     bool              `json:"generate_alert"`
	ServiceConfig     map[string]string `json:"service_config,omitempty"`
}

// SubmissionFile describes one file named in a submission request.
type SubmissionFile struct {
	Sha256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Name   string `json:"name"`
}

// SubmissionRequest is the immutable snapshot of what an external caller
// asked the pipeline to do. It never mutates after intake.
type SubmissionRequest struct {
	Files                []SubmissionFile  `json:"files"`
	Params               SubmissionParams  `json:"params"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	NotificationQueue    string            `json:"notification_queue,omitempty"`
	NotificationThreshold *float64         `json:"notification_threshold,omitempty"`
}

// RootFile returns the first (root) file of the request, or the zero
// value and false if the request names no files.
func (r *SubmissionRequest) RootFile() (SubmissionFile, bool) {
	if len(r.Files) == 0 {
		return SubmissionFile{}, false
	}
	return r.Files[0], true
}

// IngestTask is the Ingester's internal envelope around a
// SubmissionRequest: the request plus everything the Ingester has
// computed or accumulated about it so far.
type IngestTask struct {
	Request SubmissionRequest `json:"request"`

	IngestTime time.Time `json:"ingest_time"`
	Retries    int       `json:"retries"`
	RetryAt    time.Time `json:"retry_at,omitempty"`

	ScanKey  string `json:"scan_key,omitempty"`
	Priority int    `json:"priority"`

	FailureReason string `json:"failure_reason,omitempty"`

	// Score is the cache-derived score used for prioritization, if any.
	// math.NaN() when no cached score was found.
	Score float64 `json:"score"`

	// PSID is the parent submission id this task should be folded into,
	// if it is itself a resubmission or a duplicate fold.
	PSID string `json:"psid,omitempty"`

	// ReplayOnMiss is carried with the task but not read by the
	// Ingester's completion handler: its recovery path for a ScanKey
	// missing from the scanning table is enabled by the request
	// metadata entry replay_on_miss="true", not by this field.
	ReplayOnMiss bool `json:"replay_on_miss,omitempty"`
}

// Age reports how long ago this task was ingested.
func (t *IngestTask) Age(now time.Time) time.Duration {
	return now.Sub(t.IngestTime)
}

// FileScoreEntry is the persisted cache record keyed by ScanKey.
type FileScoreEntry struct {
	ScanKey      string    `json:"scan_key"`
	Score        float64   `json:"score"`
	Sid          string    `json:"sid"`
	PSid         string    `json:"psid,omitempty"`
	ErrorCount   int       `json:"error_count"`
	Time         time.Time `json:"time"`
}

// SubmissionState enumerates the lifecycle of a SubmissionRecord.
type SubmissionState string

const (
	SubmissionSubmitted SubmissionState = "submitted"
	SubmissionCompleted SubmissionState = "completed"
)

// SubmissionRecord is the state the dispatchers own for one in-flight
// (or completed) submission.
type SubmissionRecord struct {
	Sid        string          `json:"sid"`
	ScanKey    string          `json:"scan_key"`
	RootSha256 string          `json:"root_sha256"`
	Params     SubmissionParams `json:"params"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Files      []SubmissionFile `json:"files"`

	ResultKeys []string `json:"result_keys"`
	ErrorKeys  []string `json:"error_keys"`

	State SubmissionState `json:"state"`

	NotificationQueue     string   `json:"notification_queue,omitempty"`
	NotificationThreshold *float64 `json:"notification_threshold,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RootFile returns the first (root) file recorded on the submission,
// or the zero value and false if none was recorded.
func (r *SubmissionRecord) RootFile() (SubmissionFile, bool) {
	if len(r.Files) == 0 {
		return SubmissionFile{}, false
	}
	return r.Files[0], true
}

// DispatchStatus is the per-(file,service) state tracked by a
// DispatchTable.
type DispatchStatus string

const (
	StatusPending    DispatchStatus = "pending"
	StatusDispatched DispatchStatus = "dispatched"
	StatusFinished   DispatchStatus = "finished"
)

// DispatchEntry is one (file, service) cell of a DispatchTable.
type DispatchEntry struct {
	Status       DispatchStatus `json:"status"`
	DispatchTime time.Time      `json:"dispatch_time,omitempty"`
	ResultKey    string         `json:"result_key,omitempty"`
	ErrorKey     string         `json:"error_key,omitempty"`
	DropFile     bool           `json:"drop_file,omitempty"`
	FailureCount int            `json:"failure_count,omitempty"`
}

func (e *DispatchEntry) IsFinished() bool { return e != nil && e.Status == StatusFinished }

// FileTask is the unit of work consumed by the FileDispatcher: "dispatch
// the next outstanding service for this file within this submission."
type FileTask struct {
	Sid      string `json:"sid"`
	FileHash string `json:"file_hash"`
	FileType string `json:"file_type"`
	Depth    int    `json:"depth"`
}

// ServiceTask is the unit of work handed to an external analyzer via its
// per-service queue.
type ServiceTask struct {
	Sid           string            `json:"sid"`
	FileHash      string            `json:"file_hash"`
	FileType      string            `json:"file_type"`
	Depth         int               `json:"depth"`
	ServiceName   string            `json:"service_name"`
	ServiceConfig map[string]string `json:"service_config,omitempty"`
}

// CompleteMessage is what the SubmissionDispatcher emits to the Ingester
// once a submission is finalized.
type CompleteMessage struct {
	ScanKey    string            `json:"scan_key"`
	Sid        string            `json:"sid"`
	PSid       string            `json:"psid,omitempty"`
	Score      float64           `json:"score"`
	RootSha256 string            `json:"root_sha256"`
	Size       int64             `json:"size"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Schedule is the ordered list of service groups computed for one file.
// Services within a group may run in parallel; a group is not "done"
// until every service in it is finished.
type Schedule [][]string

// ServiceResult is what an external analyzer reports for one
// (file, service) pair.
type ServiceResult struct {
	ResultKey string
	DropFile  bool
	Extracted []ExtractedFile
}

// ExtractedFile describes a child file surfaced by an analyzer.
type ExtractedFile struct {
	Sha256   string
	Size     int64
	Name     string
	FileType string
}

// ServiceError describes a terminal (non-retryable) analyzer failure.
type ServiceError struct {
	ErrorKey string
	Terminal bool
}
