// call-relay is the standalone signaling relay: it hosts the shared call
// store behind a websocket JSON-RPC endpoint and, when configured, a
// TURN relay for peers behind hostile NATs.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mentora/callkit/internal/config"
	"github.com/mentora/callkit/internal/logging"
	"github.com/mentora/callkit/internal/rtc"
	"github.com/mentora/callkit/internal/signaling"
	"github.com/mentora/callkit/internal/signalrelay"
	"github.com/mentora/callkit/internal/turnrelay"
)

type application struct {
	cfg    *config.Config
	logger *zap.Logger
	store  signaling.Channel
	http   *http.Server
	turn   *turnrelay.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	flag.StringVar(&cfg.Relay.ListenAddr, "addr", cfg.Relay.ListenAddr, "websocket listen address")
	flag.Parse()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	app, err := newApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.run(ctx); err != nil {
		logger.Fatal("relay exited", zap.Error(err))
	}
}

func newApplication(cfg *config.Config, logger *zap.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}

	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := signaling.NewRedisChannel(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		app.store = store
		logger.Info("using redis call store", zap.String("addr", cfg.Redis.Addr))
	} else {
		app.store = signaling.NewMemoryChannel(logger)
		logger.Info("using in-memory call store")
	}

	app.http = &http.Server{
		Addr:              cfg.Relay.ListenAddr,
		Handler:           signalrelay.New(app.store, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Relay.TURNPublicIP != "" {
		turn, err := turnrelay.New(cfg.Relay, logger)
		if err != nil {
			return nil, err
		}
		app.turn = turn
	}
	return app, nil
}

func (app *application) run(ctx context.Context) error {
	if app.turn != nil {
		if err := app.turn.Start(ctx); err != nil {
			return err
		}
		defer app.turn.Stop()
	}

	go rtc.RunSTUNHealthLoop(ctx, app.cfg.ICE, app.logger)

	errc := make(chan error, 1)
	go func() {
		app.logger.Info("signaling relay listening", zap.String("addr", app.http.Addr))
		if err := app.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	app.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.http.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
