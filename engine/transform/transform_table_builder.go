package transform

import "go.uber.org/zap"

// TransformTableBuilderOption is a functional option applied to a TransformTable during construction via NewTransformTable.
type TransformTableBuilderOption func(*transformTable)

// WithLogger sets the logger used for slot registration messages.
//
// Parameters:
//   - logger: the zap logger
//
// Returns:
//   - TransformTableBuilderOption: a function that applies the logger option
func WithLogger(logger *zap.Logger) TransformTableBuilderOption {
	return func(t *transformTable) {
		if logger != nil {
			t.logger = logger
		}
	}
}
