// Package audit appends security and billing events to the audit log.
// Appends are fire-and-forget: the sink buffers entries and writes them from
// a background worker, and a failed or dropped append never blocks a
// request.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/store"
)

// Audit actions recorded by the gateway.
const (
	ActionKeyCreated        = "key_created"
	ActionKeyUpdated        = "key_updated"
	ActionKeyDeleted        = "key_deleted"
	ActionKeyRotated        = "key_rotated"
	ActionPlanAssigned      = "plan_assigned"
	ActionRateLimitExceeded = "rate_limit_exceeded"
	ActionSecurityViolation = "security_violation"
	ActionTrialConverted    = "trial_converted"
	ActionCreditOverspend   = "credit_overspend"
	ActionLimiterFailOpen   = "rate_limiter_fail_open"
)

const defaultBufferSize = 256

// Sink is the asynchronous audit writer.
type Sink struct {
	store   store.Store
	entries chan *store.AuditEntry
	wg      sync.WaitGroup
	once    sync.Once
}

// NewSink starts the background writer.
func NewSink(s store.Store) *Sink {
	sink := &Sink{
		store:   s,
		entries: make(chan *store.AuditEntry, defaultBufferSize),
	}
	sink.wg.Add(1)
	go sink.run()
	return sink
}

func (s *Sink) run() {
	defer s.wg.Done()
	for entry := range s.entries {
		// The request that produced the entry may be long gone; writes get
		// their own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.InsertAudit(ctx, entry); err != nil {
			logging.Logger.Warn("audit append failed",
				"action", entry.Action,
				"error", err.Error(),
			)
		}
		cancel()
	}
}

// Record enqueues an entry. When the buffer is full the entry is dropped
// and logged; audit is never on the critical path.
func (s *Sink) Record(ctx context.Context, entry *store.AuditEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	select {
	case s.entries <- entry:
	default:
		logging.FromContext(ctx).Warn("audit buffer full, dropping entry", "action", entry.Action)
	}
}

// Close drains pending entries and stops the worker.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.entries) })
	s.wg.Wait()
}
