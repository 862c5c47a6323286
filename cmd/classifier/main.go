// tierroute classifier service.
//
// Stateless heuristic classifier used by the router when CLASSIFIER_URL
// is set:
//   - POST /predict  classify one text
//   - GET  /healthz  liveness and active thresholds

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

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewClassifierServer(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize classifier")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", srv.Port).Msg("tierroute classifier ready")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Classifier failed")
	}
}
