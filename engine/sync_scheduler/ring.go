package sync_scheduler

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer/frame_buffer"
	"go.uber.org/zap"
)

// payloadKind describes what a propagation token carries, for logging.
type payloadKind int

const (
	payloadEntity payloadKind = iota
	payloadBatch
	payloadCamera
)

func (p payloadKind) String() string {
	switch p {
	case payloadEntity:
		return "entity"
	case payloadBatch:
		return "batch"
	case payloadCamera:
		return "camera"
	default:
		return "unknown"
	}
}

// rangeRef is a byte range within one buffer kind. It is comparable so it can key the dirty sets.
type rangeRef struct {
	kind   frame_buffer.BufferKind
	offset uint64
	size   uint64
}

func (r rangeRef) byteRange() common.ByteRange {
	return common.ByteRange{Offset: r.offset, Size: r.size}
}

// propagationToken is one mutation's journey around the replicas.
type propagationToken struct {
	payload payloadKind
	entity  uint64
	ranges  []rangeRef
	origin  int
	// visited counts replicas other than origin the token has copied into.
	visited int
	seen    []bool
}

func newPropagationToken(payload payloadKind, entity uint64, ranges []rangeRef, origin, replicas int) *propagationToken {
	seen := make([]bool, replicas)
	seen[origin] = true
	return &propagationToken{
		payload: payload,
		entity:  entity,
		ranges:  coalesceRanges(ranges),
		origin:  origin,
		seen:    seen,
	}
}

// remaining returns how many replicas the token has still to visit.
func (t *propagationToken) remaining() int {
	return len(t.seen) - 1 - t.visited
}

func (s *syncScheduler) enqueueToken(tok *propagationToken) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.deferred = append(s.deferred, queued{token: tok})
	s.tokens++
}

func (s *syncScheduler) requeueToken(tok *propagationToken) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.deferred = append(s.deferred, queued{token: tok})
}

func (s *syncScheduler) retireToken() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.tokens--
}

// visitToken advances a token by one replica. Arriving home after visiting every other replica marks the
// token synced; arriving at an unvisited replica copies the token's ranges from origin; a failed copy drops it.
func (s *syncScheduler) visitToken(tok *propagationToken, current int, report *TickReport) {
	if current == tok.origin {
		if tok.remaining() == 0 {
			s.retireToken()
			report.Synced++
			s.logger.Debug("propagation synced",
				zap.Stringer("payload", tok.payload),
				zap.Uint64("entity", tok.entity),
				zap.Int("origin", tok.origin),
			)
			return
		}
		// Home before the ring closed; only happens when ticks skip replicas.
		s.requeueToken(tok)
		return
	}
	if tok.seen[current] {
		s.requeueToken(tok)
		return
	}

	for _, r := range tok.ranges {
		if err := s.buffers.CopyRange(tok.origin, current, r.kind, r.byteRange()); err != nil {
			s.retireToken()
			err = fmt.Errorf("propagate %s from replica %d to %d: %w", tok.payload, tok.origin, current, err)
			report.fail(err)
			s.logger.Warn("propagation token dropped",
				zap.Uint64("entity", tok.entity),
				zap.Int("remaining", tok.remaining()),
				zap.Error(err),
			)
			return
		}
	}
	tok.seen[current] = true
	tok.visited++
	report.Visited++
	s.logger.Debug("propagation visited replica",
		zap.Stringer("payload", tok.payload),
		zap.Uint64("entity", tok.entity),
		zap.Int("origin", tok.origin),
		zap.Int("replica", current),
		zap.Int("remaining", tok.remaining()),
	)
	s.requeueToken(tok)
}

// coalesceRanges sorts ranges by kind and offset and merges touching ranges of the same kind.
func coalesceRanges(ranges []rangeRef) []rangeRef {
	if len(ranges) < 2 {
		return ranges
	}
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, compareRanges)
	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if last.kind == r.kind && last.byteRange().Adjacent(r.byteRange()) {
			u := last.byteRange().Union(r.byteRange())
			last.offset, last.size = u.Offset, u.Size
			continue
		}
		out = append(out, r)
	}
	return out
}

func compareRanges(a, b rangeRef) int {
	if c := cmp.Compare(a.kind, b.kind); c != 0 {
		return c
	}
	return cmp.Compare(a.offset, b.offset)
}
