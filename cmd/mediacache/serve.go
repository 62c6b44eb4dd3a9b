package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/skylarkproxy/mediacache/internal/cachestore"
	"github.com/skylarkproxy/mediacache/internal/config"
	"github.com/skylarkproxy/mediacache/internal/httpapi"
	"github.com/skylarkproxy/mediacache/internal/logging"
	"github.com/skylarkproxy/mediacache/internal/manager"
	"github.com/skylarkproxy/mediacache/internal/originfetch"
)

func newServeCommand() *cobra.Command {
	var (
		listenPort    int
		cacheRoot     string
		minFetchBytes int64
		logLevel      string
		logJSON       bool
		enableDebug   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cache proxy HTTP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd.Flags(), cfg, flagOverrides{
				listenPort:    listenPort,
				cacheRoot:     cacheRoot,
				minFetchBytes: minFetchBytes,
				logLevel:      logLevel,
				logJSON:       logJSON,
				enableDebug:   enableDebug,
			})
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&listenPort, "listen-port", 0, "HTTP listen port (overrides config)")
	flags.StringVar(&cacheRoot, "cache-root", "", "on-disk cache directory (overrides config)")
	flags.Int64Var(&minFetchBytes, "min-fetch-bytes", 0, "minimum origin fetch granularity in bytes (overrides config)")
	flags.StringVar(&logLevel, "log-level", "", "debug|info|warn|error (overrides config)")
	flags.BoolVar(&logJSON, "log-json", false, "emit structured JSON logs (overrides config)")
	flags.BoolVar(&enableDebug, "enable-debug-endpoints", false, "expose /debug/cache/* introspection and clear endpoints (overrides config)")
	return cmd
}

type flagOverrides struct {
	listenPort    int
	cacheRoot     string
	minFetchBytes int64
	logLevel      string
	logJSON       bool
	enableDebug   bool
}

// applyFlagOverrides lets explicitly-set CLI flags win over
// config-file/env values, matching cobra/pflag's Changed-based
// precedence convention: flag beats env beats file beats default.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config, o flagOverrides) {
	if flags.Changed("listen-port") {
		cfg.ListenPort = o.listenPort
	}
	if flags.Changed("cache-root") {
		cfg.CacheRoot = o.cacheRoot
	}
	if flags.Changed("min-fetch-bytes") {
		cfg.MinFetchBytes = o.minFetchBytes
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-json") {
		cfg.LogJSON = o.logJSON
	}
	if flags.Changed("enable-debug-endpoints") {
		cfg.EnableDebugEndpoints = o.enableDebug
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	logging.SetJSON(cfg.LogJSON)

	store, err := cachestore.New(cfg.CacheRoot)
	if err != nil {
		return err
	}

	fetcher := originfetch.New(originfetch.Config{
		RetryCount:        cfg.RetryCount,
		Backoff:           cfg.BackoffSchedule(),
		ConnectTimeout:    cfg.ConnectTimeoutDuration(),
		ReadTimeout:       cfg.ReadTimeoutDuration(),
		RequestsPerSecond: cfg.OriginRequestsPerSecond,
	})

	mgr := manager.New(store, fetcher, cfg.MinFetchBytes, cfg.PrefetchAhead)
	listener := httpapi.New(mgr, cfg.EnableDebugEndpoints)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.ListenPort),
		Handler: listener,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logging.Infof(nil, "listening on %s (cache_root=%s)", srv.Addr, cfg.CacheRoot)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logging.Infof(nil, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
