package profiler

import (
	"runtime"
	"time"

	"github.com/Carmen-Shannon/oxy-frames/engine/sync_scheduler"
	"go.uber.org/zap"
)

// Stats is the window of frames summarized by one profiler report.
type Stats struct {
	Frames  int
	FPS     float64
	Applied int
	Visited int
	Synced  int
	Dropped int
	// HeapMB is the live heap in megabytes.
	HeapMB float64
	// AllocRateMB is the allocation rate in megabytes per second over the window.
	AllocRateMB float64
	GCCount     uint32
	// LastPauseUs and MaxPauseUs are GC pause times in microseconds.
	LastPauseUs uint64
	MaxPauseUs  uint64
	SysMB       float64
}

// Profiler tracks frame rate, sync throughput and memory statistics.
// Outputs stats to the logger at a configurable interval.
type Profiler struct {
	logger         *zap.Logger
	frameCount     int
	lastTime       time.Time
	updateInterval time.Duration
	memStats       runtime.MemStats
	lastGCCount    uint32
	lastTotalAlloc uint64

	applied int
	visited int
	synced  int
	dropped int

	last Stats
}

// ProfilerBuilderOption is a functional option applied to a Profiler during construction.
type ProfilerBuilderOption func(*Profiler)

// WithLogger sets the logger the profiler reports to.
func WithLogger(logger *zap.Logger) ProfilerBuilderOption {
	return func(p *Profiler) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithInterval sets how often stats are reported. Zero reports on every frame.
func WithInterval(d time.Duration) ProfilerBuilderOption {
	return func(p *Profiler) {
		if d >= 0 {
			p.updateInterval = d
		}
	}
}

// NewProfiler creates a new Profiler with default settings.
// Update interval defaults to 1 second.
//
// Parameters:
//   - options: functional options
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfiler(options ...ProfilerBuilderOption) *Profiler {
	p := &Profiler{
		logger:         zap.NewNop(),
		lastTime:       time.Now(),
		updateInterval: time.Second,
		memStats:       runtime.MemStats{},
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Tick should be called once per frame with that frame's scheduler report.
// Logs performance statistics when the update interval has elapsed.
//
// Parameters:
//   - report: the scheduler report of the frame
//
// Returns:
//   - bool: true if stats were logged this tick, false otherwise
func (p *Profiler) Tick(report sync_scheduler.TickReport) bool {
	p.frameCount++
	p.applied += report.Applied
	p.visited += report.Visited
	p.synced += report.Synced
	p.dropped += report.Dropped

	currentTime := time.Now()
	elapsed := currentTime.Sub(p.lastTime)
	if elapsed < p.updateInterval {
		return false
	}

	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1e-9
	}

	runtime.ReadMemStats(&p.memStats)
	allocDelta := p.memStats.TotalAlloc - p.lastTotalAlloc

	// PauseNs is a circular buffer of the last 256 GC pauses.
	gcCount := p.memStats.NumGC
	var lastPauseUs, maxPauseUs uint64
	if gcCount > 0 {
		lastPauseUs = p.memStats.PauseNs[(gcCount-1)%256] / 1000
		startIdx := p.lastGCCount
		if gcCount-startIdx > 256 {
			startIdx = gcCount - 256
		}
		for i := startIdx; i < gcCount; i++ {
			if pause := p.memStats.PauseNs[i%256] / 1000; pause > maxPauseUs {
				maxPauseUs = pause
			}
		}
	}

	p.last = Stats{
		Frames:      p.frameCount,
		FPS:         float64(p.frameCount) / seconds,
		Applied:     p.applied,
		Visited:     p.visited,
		Synced:      p.synced,
		Dropped:     p.dropped,
		HeapMB:      float64(p.memStats.Alloc) / 1024 / 1024,
		AllocRateMB: float64(allocDelta) / 1024 / 1024 / seconds,
		GCCount:     gcCount,
		LastPauseUs: lastPauseUs,
		MaxPauseUs:  maxPauseUs,
		SysMB:       float64(p.memStats.Sys) / 1024 / 1024,
	}

	p.logger.Info("profiler",
		zap.Float64("fps", p.last.FPS),
		zap.Int("applied", p.last.Applied),
		zap.Int("visited", p.last.Visited),
		zap.Int("synced", p.last.Synced),
		zap.Int("dropped", p.last.Dropped),
		zap.Float64("heap_mb", p.last.HeapMB),
		zap.Float64("alloc_rate_mb", p.last.AllocRateMB),
		zap.Uint32("gc", gcCount),
		zap.Uint64("gc_last_us", lastPauseUs),
		zap.Uint64("gc_max_us", maxPauseUs),
		zap.Float64("sys_mb", p.last.SysMB),
	)

	p.frameCount = 0
	p.applied, p.visited, p.synced, p.dropped = 0, 0, 0, 0
	p.lastTime = currentTime
	p.lastGCCount = gcCount
	p.lastTotalAlloc = p.memStats.TotalAlloc
	return true
}

// Last returns the stats of the most recent report.
func (p *Profiler) Last() Stats {
	return p.last
}
