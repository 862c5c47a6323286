// tierroute router service.
//
// It classifies each request into a complexity tier, routes it to the
// cost-appropriate model and records a routed-request event:
//   - POST /route           routing transaction
//   - GET  /api/v1/models   tier table and prices
//   - GET  /api/v1/cost     ledger cost summary
//   - GET  /api/v1/routes   recent routed requests
//   - GET  /health, /ready, /version

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tierroute/tierroute/pkg/server"
)

const shutdownGrace = 15 * time.Second

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("tierroute router starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", srv.Port).Msg("tierroute router ready")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	// Requests have drained; release the pool, ledger and event sinks.
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Close(closeCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown cleanup failed")
	}

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("Server failed")
	}
}
