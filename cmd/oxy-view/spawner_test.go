package main

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-frames/engine"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newViewEngine(t *testing.T, maxEntities int) engine.Engine {
	t.Helper()
	e, err := engine.NewEngine(
		engine.WithReplicaCount(2),
		engine.WithMaxVertices(1024),
		engine.WithMaxEntities(maxEntities),
	)
	require.NoError(t, err)
	t.Cleanup(e.Release)
	return e
}

func TestGridPosition(t *testing.T) {
	half := float32(maxSide-1) * cubeSpacing / 2

	assert.Equal(t, mgl32.Vec3{-half, 0, -half}, gridPosition(0))
	assert.Equal(t, mgl32.Vec3{-half + cubeSpacing, 0, -half}, gridPosition(1))
	assert.Equal(t, mgl32.Vec3{-half, 0, -half + cubeSpacing}, gridPosition(maxSide))
	assert.Equal(t, mgl32.Vec3{-half, cubeSpacing, -half}, gridPosition(maxSide*maxSide))
}

func TestSpawnAndAdvance(t *testing.T) {
	e := newViewEngine(t, 64)
	s := newSpawner(e, mesh.Cube(), zap.NewNop(), 1)

	require.Equal(t, 10, s.spawn(10))
	assert.Positive(t, s.extent())

	e.Tick(0)
	e.Tick(1)
	assert.Len(t, e.Scheduler().Entities(), 10)

	s.advance(0.1)
	assert.Equal(t, 1, e.Scheduler().Pending())
	for _, obj := range s.objects {
		assert.False(t, obj.Dirty())
	}
}

func TestSpawnStopsWhenQueueFull(t *testing.T) {
	e, err := engine.NewEngine(
		engine.WithReplicaCount(2),
		engine.WithMaxVertices(1024),
		engine.WithMaxEntities(64),
		engine.WithMaxPending(3),
	)
	require.NoError(t, err)
	t.Cleanup(e.Release)
	s := newSpawner(e, mesh.Cube(), zap.NewNop(), 1)

	assert.Equal(t, 3, s.spawn(5))
	assert.Len(t, s.objects, 3)
}
