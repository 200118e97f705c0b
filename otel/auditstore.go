package otel

import (
	"context"

	"github.com/jradfs/cpaagent/audit"
)

// ObservedAuditStore is an audit store that feeds appended events into the
// platform metrics after the wrapped store accepts them.
type ObservedAuditStore struct {
	next    audit.Store
	metrics *Metrics
}

// ObserveAuditStore wraps an audit store with metric recording.
func ObserveAuditStore(next audit.Store, metrics *Metrics) *ObservedAuditStore {
	return &ObservedAuditStore{next: next, metrics: metrics}
}

func (s *ObservedAuditStore) Append(ctx context.Context, event audit.Event) error {
	if err := s.next.Append(ctx, event); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.HandleAuditEvent(event)
	}
	return nil
}

func (s *ObservedAuditStore) List(ctx context.Context, query audit.Query) ([]audit.Event, error) {
	return s.next.List(ctx, query)
}

var _ audit.Store = (*ObservedAuditStore)(nil)
