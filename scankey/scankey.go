// Package scankey computes the deterministic fingerprint that spec.md §3
// calls the ScanKey: two requests with the same ScanKey are guaranteed to
// produce equivalent results, so it is the unit of deduplication and
// caching.
package scankey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/ridgeline/triagecore/model"
)

// relevantParams is the subset of SubmissionParams that can change the
// output of a scan and therefore must be folded into the ScanKey. Fields
// like NotificationQueue or GenerateAlert affect delivery, not results,
// and are deliberately excluded.
type relevantParams struct {
	Services           []string          `json:"services"`
	MaxExtractionDepth  int               `json:"max_extraction_depth"`
	MaxExtracted        int               `json:"max_extracted"`
	Classification      string            `json:"classification"`
	ServiceConfig       map[string]string `json:"service_config,omitempty"`
}

// Compute returns the ScanKey for one file hash under the given params.
// It sorts the service list first so that callers who pass the same
// services in a different order still collide, matching the "selected
// services" half of spec.md §3's ScanKey definition.
func Compute(fileHash string, params model.SubmissionParams) string {
	services := append([]string(nil), params.Services...)
	sort.Strings(services)

	rp := relevantParams{
		Services:           services,
		MaxExtractionDepth: params.MaxExtractionDepth,
		MaxExtracted:       params.MaxExtracted,
		Classification:     params.Classification,
		ServiceConfig:      params.ServiceConfig,
	}

	// encoding/json on a struct with sorted map keys produces a stable
	// byte sequence; Go's json package sorts map keys by default.
	payload, _ := json.Marshal(rp)

	h := sha256.New()
	h.Write([]byte(fileHash))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ResultKey returns the cache key for one (file, service) analyzer
// result, folding in the per-service config since a different config is,
// by construction, a different scan.
func ResultKey(fileHash, service string, serviceConfig map[string]string) string {
	payload, _ := json.Marshal(serviceConfig)
	h := sha256.New()
	h.Write([]byte(fileHash))
	h.Write([]byte{0})
	h.Write([]byte(service))
	h.Write([]byte{0})
	h.Write(payload)
	return "r-" + hex.EncodeToString(h.Sum(nil))
}

// ErrorKey returns the cache key for a terminal (file, service) error
// within a given submission — errors are per-submission, unlike results,
// because retried submissions should not inherit a stale terminal error.
func ErrorKey(sid, fileHash, service string) string {
	h := sha256.New()
	h.Write([]byte(sid))
	h.Write([]byte{0})
	h.Write([]byte(fileHash))
	h.Write([]byte{0})
	h.Write([]byte(service))
	return "e-" + hex.EncodeToString(h.Sum(nil))
}
