package sync_scheduler

import "go.uber.org/zap"

// SyncSchedulerBuilderOption is a functional option applied to a SyncScheduler during construction via NewSyncScheduler.
type SyncSchedulerBuilderOption func(*syncScheduler)

// WithLogger sets the logger used for dispatch, propagation and drop messages.
//
// Parameters:
//   - logger: the zap logger
//
// Returns:
//   - SyncSchedulerBuilderOption: a function that applies the logger option
func WithLogger(logger *zap.Logger) SyncSchedulerBuilderOption {
	return func(s *syncScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPropagation selects the propagation strategy. Defaults to PropagationRing.
//
// Parameters:
//   - p: the propagation strategy
//
// Returns:
//   - SyncSchedulerBuilderOption: a function that applies the propagation option
func WithPropagation(p Propagation) SyncSchedulerBuilderOption {
	return func(s *syncScheduler) {
		s.propagation = p
	}
}

// WithMaxPending bounds the number of queued events. Submit fails with ErrQueueFull once the bound is reached.
// Zero, the default, leaves the queue unbounded.
//
// Parameters:
//   - n: the maximum number of pending events
//
// Returns:
//   - SyncSchedulerBuilderOption: a function that applies the queue bound option
func WithMaxPending(n int) SyncSchedulerBuilderOption {
	return func(s *syncScheduler) {
		s.maxPending = n
	}
}

// WithAutoGrow makes entity registration grow an exhausted vertex or transform buffer and retry once
// instead of dropping the entity.
//
// Parameters:
//   - enabled: true to grow on capacity errors
//   - factor: the capacity multiplier applied on growth, at least 2
//
// Returns:
//   - SyncSchedulerBuilderOption: a function that applies the auto-grow option
func WithAutoGrow(enabled bool, factor int) SyncSchedulerBuilderOption {
	return func(s *syncScheduler) {
		s.autoGrow = enabled
		if factor > 0 {
			s.growFactor = uint64(factor)
		}
	}
}
