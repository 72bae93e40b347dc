package monitoring

import (
	"runtime/debug"

	"github.com/rs/zerolog"
)

// RecoverPanic keeps a panicking goroutine from taking the process down.
// Deferred first in pump goroutines so it runs after their cleanup defers.
func RecoverPanic(logger zerolog.Logger, where string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("where", where).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("Recovered panic")
	}
}
