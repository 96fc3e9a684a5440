package sync_scheduler

import (
	"cmp"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// dirtyRange is a range waiting to be copied into a replica from the replica that last wrote it.
type dirtyRange struct {
	rangeRef
	origin int
}

// markDirty records ranges written on origin as dirty on every other replica. A newer write of the same
// range replaces the recorded origin.
func (s *syncScheduler) markDirty(ranges []rangeRef, origin int) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	for replica := range s.dirty {
		for _, r := range ranges {
			if replica == origin {
				delete(s.dirty[replica], r)
				continue
			}
			s.dirty[replica][r] = origin
		}
	}
}

// reconcileDirty copies every range dirty on current from its origin in one coalesced pass.
// A failed copy drops that range only.
func (s *syncScheduler) reconcileDirty(current int, report *TickReport) {
	s.queueMu.Lock()
	pending := s.dirty[current]
	s.dirty[current] = make(map[rangeRef]int)
	s.queueMu.Unlock()
	if len(pending) == 0 {
		return
	}

	entries := make([]dirtyRange, 0, len(pending))
	for r, origin := range pending {
		entries = append(entries, dirtyRange{rangeRef: r, origin: origin})
	}
	for _, d := range coalesceDirty(entries) {
		if err := s.buffers.CopyRange(d.origin, current, d.kind, d.byteRange()); err != nil {
			err = fmt.Errorf("reconcile %s [%d, %d) from replica %d to %d: %w", d.kind, d.offset, d.offset+d.size, d.origin, current, err)
			report.fail(err)
			s.logger.Warn("dirty range dropped", zap.Error(err))
			continue
		}
		report.Visited++
	}

	s.queueMu.Lock()
	drained := true
	for _, d := range s.dirty {
		if len(d) > 0 {
			drained = false
			break
		}
	}
	s.queueMu.Unlock()
	if drained {
		report.Synced++
	}
}

// coalesceDirty sorts dirty ranges and merges touching ranges that share kind and origin.
func coalesceDirty(entries []dirtyRange) []dirtyRange {
	slices.SortFunc(entries, func(a, b dirtyRange) int {
		if c := compareRanges(a.rangeRef, b.rangeRef); c != 0 {
			return c
		}
		return cmp.Compare(a.origin, b.origin)
	})
	out := make([]dirtyRange, 0, len(entries))
	for _, e := range entries {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.kind == e.kind && last.origin == e.origin && last.byteRange().Adjacent(e.byteRange()) {
				u := last.byteRange().Union(e.byteRange())
				last.offset, last.size = u.Offset, u.Size
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
