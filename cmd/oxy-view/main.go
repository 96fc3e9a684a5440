// Command oxy-view opens a window and renders spinning cubes through the replicated frame buffers.
//
// Controls: Space spawns cubes, left-drag orbits, scroll zooms, P toggles vsync, Esc quits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Carmen-Shannon/oxy-frames/engine"
	"github.com/Carmen-Shannon/oxy-frames/engine/camera"
	"github.com/Carmen-Shannon/oxy-frames/engine/config"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/Carmen-Shannon/oxy-frames/engine/profiler"
	"github.com/Carmen-Shannon/oxy-frames/engine/renderer"
	"github.com/Carmen-Shannon/oxy-frames/engine/window"
	"github.com/go-gl/glfw/v3.3/glfw"
	"go.uber.org/zap"
)

const (
	configEnv = "OXY_FRAMES_CONFIG"
	// frameTimeout bounds the wait for a replica's previous submission.
	frameTimeout = 2 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "oxy-view: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("oxy-view", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(configEnv), "path to a TOML config file (env "+configEnv+")")
	initial := fs.Int("cubes", 64, "cubes spawned at start")
	batch := fs.Int("batch", 256, "cubes spawned per Space press")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// ── Config + Logger ─────────────────────────────────────────────
	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	presentMode, err := renderer.ParsePresentMode(cfg.Renderer.PresentMode)
	if err != nil {
		return err
	}

	// ── Window ──────────────────────────────────────────────────────
	win, err := window.NewWindow(
		window.WithTitle(cfg.Window.Title),
		window.WithSize(cfg.Window.Width, cfg.Window.Height),
	)
	if err != nil {
		return err
	}
	defer func() { _ = win.Close() }()

	// ── Renderer ────────────────────────────────────────────────────
	r, err := renderer.NewRenderer(win,
		renderer.WithPresentMode(presentMode),
		renderer.WithForceSoftwareRenderer(cfg.Renderer.ForceSoftware),
		renderer.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer r.Release()

	// ── Engine ──────────────────────────────────────────────────────
	eng, err := engine.NewEngineFromConfig(cfg, r.FrameBufferBackend(), logger,
		engine.WithPresenter(r),
		engine.WithProfiling(true),
		engine.WithProfiler(profiler.NewProfiler(
			profiler.WithLogger(logger),
			profiler.WithInterval(2*time.Second),
		)),
	)
	if err != nil {
		return err
	}
	defer eng.Release()

	// ── Camera ──────────────────────────────────────────────────────
	cam := camera.NewCamera(
		camera.WithAspect(float32(win.Width())/float32(win.Height())),
		camera.WithOrbit(40, 0.6, 0.5),
		camera.WithRadiusBounds(2, 2000),
	)
	cameraDirty := true

	// ── Cubes ───────────────────────────────────────────────────────
	cubes := newSpawner(eng, mesh.Cube(), logger, uint64(time.Now().UnixNano()))
	cubes.spawn(*initial)

	// ── Input ───────────────────────────────────────────────────────
	win.SetKeyDownCallback(func(key uint32) {
		switch glfw.Key(key) {
		case glfw.KeySpace:
			cubes.spawn(*batch)
			if need := cubes.extent() * 1.5; need > cam.Radius() {
				cam.SetRadius(need)
				cameraDirty = true
			}
		case glfw.KeyP:
			if presentMode == renderer.PresentModeVSync {
				presentMode = renderer.PresentModeUncapped
			} else {
				presentMode = renderer.PresentModeVSync
			}
			r.SetPresentMode(presentMode)
		}
	})
	win.SetDragCallback(func(dx, dy float32) {
		cam.Orbit(-dx*0.005, dy*0.005)
		cameraDirty = true
	})
	win.SetScrollCallback(func(delta float32) {
		cam.Zoom(delta * cam.Radius() * 0.1)
		cameraDirty = true
	})
	win.SetResizeCallback(func(width, height int) {
		r.Resize(width, height)
		cam.SetAspect(float32(width) / float32(height))
		eng.RequestPipelineRebuild(uint32(width), uint32(height))
		cameraDirty = true
	})

	// ── Frame loop ──────────────────────────────────────────────────
	// GLFW must be pumped from the thread that created the window, so frames run from the update callback.
	var frameErr error
	last := time.Now()
	win.SetUpdateCallback(func() {
		now := time.Now()
		cubes.advance(float32(now.Sub(last).Seconds()))
		last = now

		if cameraDirty {
			if err := eng.SetCamera(cam.ViewProjection()); err != nil {
				logger.Warn("camera update rejected", zap.Error(err))
			} else {
				cameraDirty = false
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()
		report, err := eng.Frame(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				frameErr = err
				_ = win.Close()
				return
			}
			logger.Warn("frame failed", zap.Int("replica", report.Replica), zap.Error(err))
		}
	})

	logger.Info("oxy-view running",
		zap.Int("replicas", eng.ReplicaCount()),
		zap.String("propagation", cfg.Scheduler.Propagation),
	)
	win.ProcessMessages()
	return frameErr
}
