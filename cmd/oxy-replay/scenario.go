package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/Carmen-Shannon/oxy-frames/common"
	"github.com/Carmen-Shannon/oxy-frames/engine/mesh"
	"github.com/go-gl/mathgl/mgl32"
	"gopkg.in/yaml.v3"
)

// ErrInvalidScenario is returned for scenarios that reference unknown meshes or carry malformed events.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is a scripted sequence of ticks replayed against the engine.
type Scenario struct {
	Name   string              `yaml:"name"`
	Meshes map[string]MeshSpec `yaml:"meshes"`
	Ticks  []TickSpec          `yaml:"ticks"`
	// Settle bounds the extra ring ticks run after the script while waiting for convergence.
	// Zero means four full rings.
	Settle int `yaml:"settle"`

	// built holds the meshes resolved at parse time, keyed like Meshes.
	built map[string]mesh.Mesh
}

// MeshSpec declares a mesh either as a primitive ("cube", "quad") or as explicit vertex positions.
type MeshSpec struct {
	Primitive string       `yaml:"primitive"`
	Vertices  [][3]float32 `yaml:"vertices"`
}

// TickSpec is one scripted tick. Replica defaults to the ring position when omitted.
type TickSpec struct {
	Replica *int        `yaml:"replica"`
	Advance float32     `yaml:"advance"`
	Events  []EventSpec `yaml:"events"`
}

// EventSpec holds exactly one event.
type EventSpec struct {
	Add    *AddSpec    `yaml:"add"`
	Move   *MoveSpec   `yaml:"move"`
	Batch  []MoveSpec  `yaml:"batch"`
	Camera *CameraSpec `yaml:"camera"`
	Resize *ResizeSpec `yaml:"resize"`
	// Timing is "deferred" (default) or "immediate".
	Timing string `yaml:"timing"`
}

// TransformSpec is a transform with Euler rotation in degrees. Missing scale means unit scale.
type TransformSpec struct {
	Position [3]float32  `yaml:"position"`
	Rotation [3]float32  `yaml:"rotation"`
	Scale    *[3]float32 `yaml:"scale"`
}

// AddSpec registers an entity.
type AddSpec struct {
	ID            uint64     `yaml:"id"`
	Mesh          string     `yaml:"mesh"`
	RotationSpeed [3]float32 `yaml:"rotation_speed"`
	TransformSpec `yaml:",inline"`
}

// MoveSpec moves a registered entity.
type MoveSpec struct {
	ID            uint64 `yaml:"id"`
	TransformSpec `yaml:",inline"`
}

// CameraSpec places the orbit camera. Angles are in degrees.
type CameraSpec struct {
	Target    [3]float32 `yaml:"target"`
	Radius    float32    `yaml:"radius"`
	Azimuth   float32    `yaml:"azimuth"`
	Elevation float32    `yaml:"elevation"`
	Fov       float32    `yaml:"fov"`
	Aspect    float32    `yaml:"aspect"`
}

// ResizeSpec requests a pipeline rebuild for a new surface size.
type ResizeSpec struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := s.resolveMeshes(); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// resolveMeshes builds every declared mesh once.
func (s *Scenario) resolveMeshes() error {
	s.built = make(map[string]mesh.Mesh, len(s.Meshes))
	for name, spec := range s.Meshes {
		m, err := spec.build(name)
		if err != nil {
			return err
		}
		s.built[name] = m
	}
	return nil
}

func (s *Scenario) validate() error {
	for i, tick := range s.Ticks {
		if tick.Replica != nil && *tick.Replica < 0 {
			return fmt.Errorf("%w: tick %d: negative replica", ErrInvalidScenario, i)
		}
		for j, ev := range tick.Events {
			if err := s.validateEvent(ev); err != nil {
				return fmt.Errorf("tick %d event %d: %w", i, j, err)
			}
		}
	}
	if s.Settle < 0 {
		return fmt.Errorf("%w: negative settle", ErrInvalidScenario)
	}
	return nil
}

func (s *Scenario) validateEvent(ev EventSpec) error {
	set := 0
	if ev.Add != nil {
		set++
		if _, ok := s.Meshes[ev.Add.Mesh]; !ok {
			return fmt.Errorf("%w: unknown mesh %q", ErrInvalidScenario, ev.Add.Mesh)
		}
		if ev.Add.ID == 0 {
			return fmt.Errorf("%w: add needs a non-zero id", ErrInvalidScenario)
		}
	}
	if ev.Move != nil {
		set++
	}
	if len(ev.Batch) > 0 {
		set++
	}
	if ev.Camera != nil {
		set++
	}
	if ev.Resize != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: event must hold exactly one of add, move, batch, camera, resize", ErrInvalidScenario)
	}
	switch ev.Timing {
	case "", "deferred", "immediate":
		return nil
	default:
		return fmt.Errorf("%w: unknown timing %q", ErrInvalidScenario, ev.Timing)
	}
}

func (m MeshSpec) build(name string) (mesh.Mesh, error) {
	switch {
	case m.Primitive != "" && len(m.Vertices) > 0:
		return mesh.Mesh{}, fmt.Errorf("%w: mesh %q sets both primitive and vertices", ErrInvalidScenario, name)
	case m.Primitive == "cube":
		out := mesh.Cube()
		out.Name = name
		return out, nil
	case m.Primitive == "quad":
		out := mesh.Quad()
		out.Name = name
		return out, nil
	case m.Primitive != "":
		return mesh.Mesh{}, fmt.Errorf("%w: mesh %q: unknown primitive %q", ErrInvalidScenario, name, m.Primitive)
	case len(m.Vertices) == 0:
		return mesh.Mesh{}, fmt.Errorf("%w: mesh %q has no vertices", ErrInvalidScenario, name)
	}
	vertices := make([]common.Vertex, len(m.Vertices))
	for i, p := range m.Vertices {
		vertices[i] = common.Vertex{Position: p}
	}
	return mesh.Mesh{Name: name, Vertices: vertices}, nil
}

func (t TransformSpec) transform() common.Transform {
	out := common.IdentityTransform()
	out.Translation = mgl32.Vec3(t.Position)
	out.Rotation = mgl32.AnglesToQuat(
		mgl32.DegToRad(t.Rotation[0]),
		mgl32.DegToRad(t.Rotation[1]),
		mgl32.DegToRad(t.Rotation[2]),
		mgl32.XYZ,
	)
	if t.Scale != nil {
		out.Scale = mgl32.Vec3(*t.Scale)
	}
	return out
}
