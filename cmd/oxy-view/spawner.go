package main

import (
	"math"
	"math/rand/v2"

	"github.com/Carmen-Shannon/oxy-frames/engine"
	"github.com/Carmen-Shannon/oxy-frames/engine/game_object"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
)

const (
	// cubeSpacing is the distance between neighbouring cubes on the grid.
	cubeSpacing = 3.0
	// maxSide is the number of cubes per grid row before a new layer starts.
	maxSide = 64
	// maxSpin bounds the random rotation speed per axis, in radians per second.
	maxSpin = 2.0
)

// spawner places cubes on a growing grid and keeps them spinning.
type spawner struct {
	engine  engine.Engine
	logger  *zap.Logger
	mesh    mesh.Mesh
	rng     *rand.Rand
	objects []game_object.GameObject
}

func newSpawner(e engine.Engine, m mesh.Mesh, logger *zap.Logger, seed uint64) *spawner {
	return &spawner{
		engine: e,
		logger: logger,
		mesh:   m,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// spawn adds count cubes and returns how many were accepted.
func (s *spawner) spawn(count int) int {
	added := 0
	for i := 0; i < count; i++ {
		pos := gridPosition(len(s.objects))
		obj := game_object.NewGameObject(s.mesh,
			game_object.WithPosition(pos.X(), pos.Y(), pos.Z()),
			game_object.WithRotationSpeed(mgl32.Vec3{
				(s.rng.Float32()*2 - 1) * maxSpin,
				(s.rng.Float32()*2 - 1) * maxSpin,
				(s.rng.Float32()*2 - 1) * maxSpin,
			}),
		)
		if _, err := s.engine.AddObject(obj); err != nil {
			s.logger.Warn("cube rejected", zap.Int("count", len(s.objects)), zap.Error(err))
			break
		}
		s.objects = append(s.objects, obj)
		added++
	}
	if added > 0 {
		s.logger.Info("cubes spawned", zap.Int("added", added), zap.Int("total", len(s.objects)))
	}
	return added
}

// advance spins every cube by dt seconds and submits the moved ones as one batch.
func (s *spawner) advance(dt float32) {
	for _, obj := range s.objects {
		obj.Advance(dt)
	}
	if _, err := s.engine.SyncObjects(); err != nil {
		s.logger.Warn("transform batch rejected", zap.Error(err))
	}
}

// extent returns the half-diagonal of the occupied grid, used to keep the camera outside it.
func (s *spawner) extent() float32 {
	n := len(s.objects)
	if n == 0 {
		return 0
	}
	side := min(int(math.Ceil(math.Sqrt(float64(n)))), maxSide)
	layers := n/(maxSide*maxSide) + 1
	w := float32(side) * cubeSpacing
	h := float32(layers) * cubeSpacing
	return float32(math.Sqrt(float64(w*w+h*h))) / 2
}

// gridPosition fills an XZ grid centered on the origin, maxSide cubes per row, then stacks layers upward.
func gridPosition(i int) mgl32.Vec3 {
	perLayer := maxSide * maxSide
	layer := i / perLayer
	inLayer := i % perLayer
	row := inLayer / maxSide
	col := inLayer % maxSide
	half := float32(maxSide-1) * cubeSpacing / 2
	return mgl32.Vec3{
		float32(col)*cubeSpacing - half,
		float32(layer) * cubeSpacing,
		float32(row)*cubeSpacing - half,
	}
}
