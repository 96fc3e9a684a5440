package mesh

import "go.uber.org/zap"

// MeshRegistryBuilderOption is a functional option applied to a MeshRegistry during construction via NewMeshRegistry.
type MeshRegistryBuilderOption func(*meshRegistry)

// WithLogger sets the logger used for slot allocation messages.
//
// Parameters:
//   - logger: the zap logger
//
// Returns:
//   - MeshRegistryBuilderOption: a function that applies the logger option
func WithLogger(logger *zap.Logger) MeshRegistryBuilderOption {
	return func(r *meshRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}
