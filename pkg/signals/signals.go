// Package signals wires SIGINT/SIGTERM to context cancellation for graceful
// shutdown.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Context returns a context that is canceled when SIGINT or SIGTERM is
// received. Callers wait on ctx.Done() to begin shutting down.
func Context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-ch
		log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")
		cancel()
	}()

	return ctx
}
