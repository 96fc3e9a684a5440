package sync_scheduler

import "go.uber.org/zap/zapcore"

// TickReport summarizes one Tick.
type TickReport struct {
	// Replica is the replica the tick ran against.
	Replica int
	// Applied counts events applied to the replica.
	Applied int
	// Visited counts propagation copies into the replica: ring token visits or coalesced dirty ranges.
	Visited int
	// Synced counts propagation tokens that completed the ring.
	Synced int
	// Dropped counts events and tokens abandoned after an error.
	Dropped int
	// Errors holds every error encountered during the tick.
	Errors []error
}

// MarshalLogObject lets a TickReport be logged with zap.Object.
func (r TickReport) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("replica", r.Replica)
	enc.AddInt("applied", r.Applied)
	enc.AddInt("visited", r.Visited)
	enc.AddInt("synced", r.Synced)
	enc.AddInt("dropped", r.Dropped)
	enc.AddInt("errors", len(r.Errors))
	return nil
}

func (r *TickReport) fail(err error) {
	r.Dropped++
	r.Errors = append(r.Errors, err)
}
