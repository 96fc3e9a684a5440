package command

import "go.uber.org/zap"

// CommandRecorderBuilderOption is a functional option applied to a CommandRecorder during construction via NewCommandRecorder.
type CommandRecorderBuilderOption func(*commandRecorder)

// WithLogger sets the logger used for rebuild messages.
//
// Parameters:
//   - logger: the zap logger
//
// Returns:
//   - CommandRecorderBuilderOption: a function that applies the logger option
func WithLogger(logger *zap.Logger) CommandRecorderBuilderOption {
	return func(c *commandRecorder) {
		if logger != nil {
			c.logger = logger
		}
	}
}
