// Package metrics provides per-process pipeline metrics collection.
//
// The Collector accumulates counters across recording sessions. It is a leaf
// package with no internal dependencies.
package metrics

import (
	"maps"
	"sync"
)

// Snapshot is an immutable point-in-time view of all pipeline metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Session lifecycle
	SessionsStarted   int64 `json:"sessions_started"`
	SessionsCompleted int64 `json:"sessions_completed"`
	SessionsPending   int64 `json:"sessions_pending"`
	SessionsFailed    int64 `json:"sessions_failed"`

	// Capture resilience
	StreamFaults  int64            `json:"stream_faults"`
	FaultsByKind  map[string]int64 `json:"faults_by_kind"`
	Recoveries    int64            `json:"recoveries"`
	Fallbacks     int64            `json:"fallbacks"`
	BackupsTaken  int64            `json:"backups_taken"`
	BackupsFailed int64            `json:"backups_failed"`

	// Delivery
	UploadAttempts     int64 `json:"upload_attempts"`
	UploadFailures     int64 `json:"upload_failures"`
	WebhookCompleted   int64 `json:"webhook_completed"`
	WebhookPending     int64 `json:"webhook_pending"`
	WebhookFailed      int64 `json:"webhook_failed"`
	PersistenceFailure int64 `json:"persistence_failure"`
	NotifyFailure      int64 `json:"notify_failure"`

	// Dimensions (informational, set at construction)
	Device       string `json:"device"`
	StoreBackend string `json:"store_backend"`
}

// Collector accumulates pipeline metrics.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(device, storeBackend string) *Collector {
	return &Collector{s: Snapshot{
		FaultsByKind: make(map[string]int64),
		Device:       device,
		StoreBackend: storeBackend,
	}}
}

func (c *Collector) add(field func(*Snapshot) *int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field(&c.s)++
	c.mu.Unlock()
}

// --- Session lifecycle ---

// IncSessionStarted records a fresh session start (resumes are not counted).
func (c *Collector) IncSessionStarted() { c.add(func(s *Snapshot) *int64 { return &s.SessionsStarted }) }

// IncSessionCompleted records a session delivered with a completed outcome.
func (c *Collector) IncSessionCompleted() {
	c.add(func(s *Snapshot) *int64 { return &s.SessionsCompleted })
}

// IncSessionPending records a session delivered with a processing outcome.
func (c *Collector) IncSessionPending() { c.add(func(s *Snapshot) *int64 { return &s.SessionsPending }) }

// IncSessionFailed records a terminal session failure.
func (c *Collector) IncSessionFailed() { c.add(func(s *Snapshot) *int64 { return &s.SessionsFailed }) }

// --- Capture resilience ---

// IncStreamFault records a fault signal of the given kind.
func (c *Collector) IncStreamFault(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.s.StreamFaults++
	if c.s.FaultsByKind == nil {
		c.s.FaultsByKind = make(map[string]int64)
	}
	c.s.FaultsByKind[kind]++
	c.mu.Unlock()
}

// IncRecovery records an in-place capture restart.
func (c *Collector) IncRecovery() { c.add(func(s *Snapshot) *int64 { return &s.Recoveries }) }

// IncFallback records delivery from the latest backup after exhausted retries.
func (c *Collector) IncFallback() { c.add(func(s *Snapshot) *int64 { return &s.Fallbacks }) }

// IncBackupTaken records a snapshot.
func (c *Collector) IncBackupTaken() { c.add(func(s *Snapshot) *int64 { return &s.BackupsTaken }) }

// IncBackupFailed records a snapshot that could not be persisted.
func (c *Collector) IncBackupFailed() { c.add(func(s *Snapshot) *int64 { return &s.BackupsFailed }) }

// --- Delivery ---

// IncUploadAttempt records a single upload request.
func (c *Collector) IncUploadAttempt() { c.add(func(s *Snapshot) *int64 { return &s.UploadAttempts }) }

// IncUploadFailure records an upload that failed after all attempts.
func (c *Collector) IncUploadFailure() { c.add(func(s *Snapshot) *int64 { return &s.UploadFailures }) }

// IncWebhookCompleted records an immediate summarization success.
func (c *Collector) IncWebhookCompleted() {
	c.add(func(s *Snapshot) *int64 { return &s.WebhookCompleted })
}

// IncWebhookPending records a deferred summarization.
func (c *Collector) IncWebhookPending() { c.add(func(s *Snapshot) *int64 { return &s.WebhookPending }) }

// IncWebhookFailed records a rejected hand-off.
func (c *Collector) IncWebhookFailed() { c.add(func(s *Snapshot) *int64 { return &s.WebhookFailed }) }

// IncPersistenceFailure records a store error.
func (c *Collector) IncPersistenceFailure() {
	c.add(func(s *Snapshot) *int64 { return &s.PersistenceFailure })
}

// IncNotifyFailure records a failed outcome notification.
func (c *Collector) IncNotifyFailure() { c.add(func(s *Snapshot) *int64 { return &s.NotifyFailure }) }

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.s
	out.FaultsByKind = maps.Clone(c.s.FaultsByKind)
	if out.FaultsByKind == nil {
		out.FaultsByKind = make(map[string]int64)
	}
	return out
}
