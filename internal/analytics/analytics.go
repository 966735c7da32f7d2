// Package analytics records best-effort usage events. Recording never fails
// the caller: errors are logged and dropped.
package analytics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	EventMessageCreated = "messages_created"
	EventMessageUpdated = "messages_updated"
	EventThreadCreated  = "threads_created"
)

// CounterStore is the durable aggregate counter collection.
type CounterStore interface {
	IncrementCounter(ctx context.Context, name string, delta int64) error
}

type Recorder struct {
	store  CounterStore
	events *prometheus.CounterVec
	logger *zap.Logger
}

// New registers the event counter with reg. A nil store skips durable counting.
func New(store CounterStore, reg prometheus.Registerer, logger *zap.Logger) *Recorder {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepchat",
		Name:      "events_total",
		Help:      "Chat events by name and message role.",
	}, []string{"event", "role"})
	if reg != nil {
		if err := reg.Register(events); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				events = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				logger.Warn("failed to register analytics collector", zap.Error(err))
			}
		}
	}
	return &Recorder{store: store, events: events, logger: logger}
}

// Record emits one event. role may be empty for thread-level events.
func (r *Recorder) Record(ctx context.Context, event, role string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(event, role).Inc()

	if r.store == nil {
		return
	}
	// The caller's context may already be cancelled (an aborted turn still
	// finalizes); the counter write gets its own short deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.store.IncrementCounter(ctx, event, 1); err != nil {
		r.logger.Warn("failed to record analytics event",
			zap.String("event", event),
			zap.String("role", role),
			zap.Error(err))
	}
}
