package logger

import "go.uber.org/zap"

// New builds the process-wide zap logger. Development mode switches to the
// console encoder with debug level enabled.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
