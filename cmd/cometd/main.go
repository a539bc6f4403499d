// Command cometd runs the comet/dictionary substrate: a long-poll push
// channel and a replicated per-domain key-value store, both served over
// plain HTTP. Grounded on server/main.go's flag-parsed single-Serve-call
// shape, with astromechza/automerge-experiments's
// signal.Notify(SIGINT, SIGTERM) + http.Server.Close() graceful
// shutdown, since spec.md scopes process bootstrap as minimal/external
// and neither concern needs anything richer.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/asadovsky/cometd/internal/config"
	"github.com/asadovsky/cometd/internal/httpapi"
	"github.com/asadovsky/cometd/internal/protocol"
	"github.com/asadovsky/cometd/internal/push"
	"github.com/asadovsky/cometd/internal/registry"
	"github.com/asadovsky/cometd/internal/storecore"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Defaults()
	flag.StringVar(&cfg.DBPath, "db_path", cfg.DBPath, "directory holding per-domain stores (required)")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "address to listen on")
	flag.DurationVar(&cfg.ClientTimeout, "client_timeout", cfg.ClientTimeout, "heartbeat silence before implicit disconnect")
	flag.DurationVar(&cfg.ReceiveTimeout, "receive_timeout", cfg.ReceiveTimeout, "how long /comet/receive blocks before returning empty")
	flag.DurationVar(&cfg.CheckPeriod, "check_period", cfg.CheckPeriod, "interval between client-liveness sweeps")
	flag.StringVar(&cfg.CometPrefix, "comet_prefix", cfg.CometPrefix, "URL prefix for push endpoints")
	flag.StringVar(&cfg.StorePrefix, "store_prefix", cfg.StorePrefix, "URL prefix for store endpoints")
	flag.Parse()

	if envCfg, err := config.Load(); err == nil {
		// Environment variables fill in only the fields that flag.Parse()
		// left at their built-in default. config.Load validates its own
		// result, so the environment is applied only when COMETD_DB_PATH
		// is set and every COMETD_* value is valid; otherwise it is ignored.
		applyEnvFallback(&cfg, envCfg)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DBPath, 0o755); err != nil {
		return err
	}

	hooks := protocol.DefaultHooks()
	reg := registry.New(cfg.ClientTimeout, hooks)
	pc := push.New(reg, cfg.ReceiveTimeout)
	sc := storecore.New(cfg.DBPath, pc, hooks, cfg.CheckPeriod)
	adapter := httpapi.New(pc, sc, cfg.CometPrefix, cfg.StorePrefix, slog.Default())

	httpServer := &http.Server{Addr: cfg.Addr, Handler: adapter.Router()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-exit:
		slog.Info("signal caught, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	sc.Shutdown()
	return nil
}

// applyEnvFallback fills in cfg fields that were left at their default
// value with the corresponding value loaded from the environment, so
// a flag set to a non-default value wins over COMETD_* env vars, which
// in turn win over the built-in default. A flag set explicitly to the
// default value is indistinguishable from an unset one and is
// overridden by the environment.
func applyEnvFallback(cfg *config.Config, env config.Config) {
	defaults := config.Defaults()
	if cfg.DBPath == "" {
		cfg.DBPath = env.DBPath
	}
	if cfg.Addr == defaults.Addr {
		cfg.Addr = env.Addr
	}
	if cfg.ClientTimeout == defaults.ClientTimeout {
		cfg.ClientTimeout = env.ClientTimeout
	}
	if cfg.ReceiveTimeout == defaults.ReceiveTimeout {
		cfg.ReceiveTimeout = env.ReceiveTimeout
	}
	if cfg.CheckPeriod == defaults.CheckPeriod {
		cfg.CheckPeriod = env.CheckPeriod
	}
	if cfg.CometPrefix == defaults.CometPrefix {
		cfg.CometPrefix = env.CometPrefix
	}
	if cfg.StorePrefix == defaults.StorePrefix {
		cfg.StorePrefix = env.StorePrefix
	}
}
