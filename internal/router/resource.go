package router

import (
	"sync"
	"time"
)

// LineageEntry is one record in the workflow's append-only data lineage log.
type LineageEntry struct {
	Action       string    `json:"action"`
	SourceNode   string    `json:"source_node"`
	ResourcePath string    `json:"resource_path,omitempty"`
	Violation    bool      `json:"violation,omitempty"`
	Success      bool      `json:"success"`
	Timestamp    time.Time `json:"timestamp"`
}

// ResourceContext is the per-workflow shared resource state: the single
// agreed target resource plus the lineage log. It is the one piece of
// mutable state visible to concurrently executing sibling nodes, so every
// access goes through the mutex.
type ResourceContext struct {
	mu      sync.Mutex
	target  string
	lineage []LineageEntry
}

// NewResourceContext creates an empty ResourceContext.
func NewResourceContext() *ResourceContext {
	return &ResourceContext{}
}

// Target returns the workflow's target resource path, if set.
func (rc *ResourceContext) Target() (string, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.target, rc.target != ""
}

// SetTarget sets the target resource path once. Returns false if a target
// was already set (the existing value is kept).
func (rc *ResourceContext) SetTarget(path string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.target != "" {
		return false
	}
	rc.target = path
	return true
}

// Record appends one lineage entry.
func (rc *ResourceContext) Record(entry LineageEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lineage = append(rc.lineage, entry)
}

// Lineage returns a copy of the lineage log in append order.
func (rc *ResourceContext) Lineage() []LineageEntry {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]LineageEntry, len(rc.lineage))
	copy(out, rc.lineage)
	return out
}

// Violations returns the lineage entries recorded as violations.
func (rc *ResourceContext) Violations() []LineageEntry {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var out []LineageEntry
	for _, e := range rc.lineage {
		if e.Violation {
			out = append(out, e)
		}
	}
	return out
}
