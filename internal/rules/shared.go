package rules

import "sync"

var (
	sharedOnce   sync.Once
	sharedEngine *Engine
	sharedErr    error
)

// Shared returns the process-wide engine, building it on first use. Options
// only apply to that first call. Use Reset to return it to a known state and
// New for independent instances.
func Shared(opts ...Option) (*Engine, error) {
	sharedOnce.Do(func() {
		sharedEngine, sharedErr = New(opts...)
	})
	return sharedEngine, sharedErr
}
