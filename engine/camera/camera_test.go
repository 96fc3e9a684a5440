package camera

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestEyeOnOrbitSphere(t *testing.T) {
	c := NewCamera(WithTarget(1, 2, 3), WithOrbit(10, 0, 0))

	assert.True(t, c.Position().ApproxEqualThreshold(mgl32.Vec3{1, 2, 13}, 1e-4))
	assert.InDelta(t, 10, c.Position().Sub(c.Target()).Len(), 1e-4)
}

func TestTargetProjectsToScreenCenter(t *testing.T) {
	c := NewCamera(WithOrbit(15, 0.7, 0.4), WithTarget(2, 0, -1))

	clip := c.ViewProjection().Mul4x1(c.Target().Vec4(1))
	ndc := clip.Vec3().Mul(1 / clip.W())

	assert.InDelta(t, 0, ndc.X(), 1e-4)
	assert.InDelta(t, 0, ndc.Y(), 1e-4)
	assert.Greater(t, ndc.Z(), float32(0))
	assert.Less(t, ndc.Z(), float32(1))
}

func TestDepthRangeIsZeroToOne(t *testing.T) {
	c := NewCamera(WithOrbit(10, 0, 0), WithClipPlanes(1, 100))
	p := c.Projection()

	near := p.Mul4x1(mgl32.Vec4{0, 0, -1, 1})
	far := p.Mul4x1(mgl32.Vec4{0, 0, -100, 1})

	assert.InDelta(t, 0, near.Z()/near.W(), 1e-5)
	assert.InDelta(t, 1, far.Z()/far.W(), 1e-4)
}

func TestOrbitClampsElevation(t *testing.T) {
	c := NewCamera()
	c.Orbit(0, 10)
	assert.Less(t, c.Elevation(), float32(math.Pi/2))

	c.Orbit(0, -20)
	assert.Greater(t, c.Elevation(), -float32(math.Pi/2))
}

func TestZoomClampsRadius(t *testing.T) {
	c := NewCamera(WithRadiusBounds(2, 50), WithOrbit(10, 0, 0))

	c.Zoom(100)
	assert.Equal(t, float32(2), c.Radius())

	c.Zoom(-100)
	assert.Equal(t, float32(50), c.Radius())

	c.SetRadius(7)
	assert.Equal(t, float32(7), c.Radius())
}

func TestSetAspectIgnoresNonPositive(t *testing.T) {
	c := NewCamera(WithAspect(2))
	before := c.Projection()

	c.SetAspect(0)
	assert.Equal(t, float32(2), c.Aspect())
	assert.Equal(t, before, c.Projection())

	c.SetAspect(1)
	assert.NotEqual(t, before, c.Projection())
}
