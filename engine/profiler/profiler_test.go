package profiler

import (
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frames/engine/sync_scheduler"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTickAccumulatesUntilInterval(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := NewProfiler(WithLogger(zap.New(core)), WithInterval(time.Hour))

	assert.False(t, p.Tick(sync_scheduler.TickReport{Applied: 2}))
	assert.False(t, p.Tick(sync_scheduler.TickReport{Visited: 1}))
	assert.Equal(t, 0, logs.Len())
}

func TestTickReportsEveryFrameWithZeroInterval(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := NewProfiler(WithLogger(zap.New(core)), WithInterval(0))

	assert.True(t, p.Tick(sync_scheduler.TickReport{Applied: 3, Visited: 2, Synced: 1, Dropped: 1}))

	stats := p.Last()
	assert.Equal(t, 1, stats.Frames)
	assert.Equal(t, 3, stats.Applied)
	assert.Equal(t, 2, stats.Visited)
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, 1, stats.Dropped)
	assert.Greater(t, stats.SysMB, 0.0)

	entries := logs.FilterMessage("profiler").All()
	if assert.Len(t, entries, 1) {
		assert.EqualValues(t, 3, entries[0].ContextMap()["applied"])
	}

	p.Tick(sync_scheduler.TickReport{})
	assert.Equal(t, 0, p.Last().Applied, "counters reset after each report")
}
