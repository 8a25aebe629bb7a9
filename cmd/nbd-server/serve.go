package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/oriys/nbdtrace/internal/artifact"
	"github.com/oriys/nbdtrace/internal/audit"
	"github.com/oriys/nbdtrace/internal/backend"
	"github.com/oriys/nbdtrace/internal/config"
	"github.com/oriys/nbdtrace/internal/control"
	"github.com/oriys/nbdtrace/internal/eventbus"
	"github.com/oriys/nbdtrace/internal/logging"
	"github.com/oriys/nbdtrace/internal/metrics"
	"github.com/oriys/nbdtrace/internal/nbdproto"
	"github.com/oriys/nbdtrace/internal/nbdsrv"
	"github.com/oriys/nbdtrace/internal/observability"
	"github.com/oriys/nbdtrace/internal/recorder"
	"github.com/oriys/nbdtrace/internal/vsocklisten"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		sizeMegs   int
		loadPath   string
		dialect    string
		nbdAddr    string
		ctrlAddr   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the NBD server and control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				cfg, err = config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
			}
			cfg = config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("size") {
				cfg.Backend.Megs = sizeMegs
			}
			if cmd.Flags().Changed("load") {
				cfg.Backend.Load = loadPath
			}
			if cmd.Flags().Changed("dialect") {
				cfg.NBD.Dialect = dialect
			}
			if cmd.Flags().Changed("nbd-addr") {
				cfg.NBD.Addr = nbdAddr
			}
			if cmd.Flags().Changed("control-addr") {
				cfg.Control.Addr = ctrlAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.LogLevel = logLevel
			}

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().IntVar(&sizeMegs, "size", 16, "Backend size in megabytes (ignored if --load is set)")
	cmd.Flags().StringVar(&loadPath, "load", "", "Load initial backend contents from this file; its length becomes the export size")
	cmd.Flags().StringVar(&dialect, "dialect", "newstyle", "NBD handshake dialect: oldstyle or newstyle")
	cmd.Flags().StringVar(&nbdAddr, "nbd-addr", "0.0.0.0:10809", "NBD listen address")
	cmd.Flags().StringVar(&ctrlAddr, "control-addr", "0.0.0.0:10880", "Control plane listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logging.SetLevelFromString(cfg.Observability.LogLevel)
	log := logging.Op()

	be, err := newBackend(cfg.Backend)
	if err != nil {
		return fmt.Errorf("nbd-server: %w", err)
	}

	var publisher *eventbus.Publisher
	if cfg.Redis.Addr != "" {
		publisher = eventbus.NewPublisher(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}))
	} else {
		publisher = eventbus.NewPublisher(nil)
	}

	rec := recorder.New(be, func(recording bool) {
		if metrics.Global() != nil {
			metrics.Global().SetRecording(recording)
		}
	})

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
	}
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Enabled,
		Exporter:    cfg.Observability.Exporter,
		Endpoint:    cfg.Observability.Endpoint,
		ServiceName: cfg.Observability.ServiceName,
		SampleRate:  cfg.Observability.SampleRate,
	}); err != nil {
		return fmt.Errorf("nbd-server: init telemetry: %w", err)
	}
	defer observability.Shutdown(context.Background())

	var auditor control.Auditor
	if cfg.Postgres.DSN != "" {
		store, err := audit.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("nbd-server: %w", err)
		}
		defer store.Close()
		auditor = store
	}

	var sink control.ArtifactSink
	if cfg.S3.Bucket != "" {
		s, err := artifact.NewSink(ctx, cfg.S3.Bucket, cfg.S3.Prefix)
		if err != nil {
			return fmt.Errorf("nbd-server: %w", err)
		}
		sink = s
	}

	endpoint := control.New(be, rec, publisher, log, auditor, sink)

	dialectVal, err := parseDialect(cfg.NBD.Dialect)
	if err != nil {
		return fmt.Errorf("nbd-server: %w", err)
	}

	nbdLn, err := net.Listen("tcp", cfg.NBD.Addr)
	if err != nil {
		return fmt.Errorf("nbd-server: listen nbd: %w", err)
	}
	listener := newListener(nbdLn, be, rec, dialectVal, log)

	var vsockLn net.Listener
	if cfg.VSock.Enabled {
		vsockLn, err = vsocklisten.Listen(cfg.VSock.Port)
		if err != nil {
			return fmt.Errorf("nbd-server: listen vsock: %w", err)
		}
	}
	var vsockListener *nbdsrv.Listener
	if vsockLn != nil {
		vsockListener = newListener(vsockLn, be, rec, dialectVal, log)
	}

	ctrlLn, err := net.Listen("tcp", cfg.Control.Addr)
	if err != nil {
		return fmt.Errorf("nbd-server: listen control: %w", err)
	}
	ctrlServer := &http.Server{Handler: endpoint.Handler()}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Global().Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server error", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 3)

	go func() {
		log.Info("nbd listener started", "addr", nbdLn.Addr().String(), "dialect", dialectVal.String(), "size", be.Size())
		if err := listener.Serve(runCtx); err != nil {
			errCh <- fmt.Errorf("nbd listener: %w", err)
		}
	}()
	if vsockListener != nil {
		go func() {
			log.Info("vsock listener started", "port", cfg.VSock.Port)
			if err := vsockListener.Serve(runCtx); err != nil {
				errCh <- fmt.Errorf("vsock listener: %w", err)
			}
		}()
	}
	go func() {
		log.Info("control plane started", "addr", ctrlLn.Addr().String())
		if err := ctrlServer.Serve(ctrlLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		log.Error("server error", "error", err)
	}

	cancel()
	ctrlServer.Close()
	if metricsServer != nil {
		metricsServer.Close()
	}
	listener.Wait()
	if vsockListener != nil {
		vsockListener.Wait()
	}
	return nil
}

func newBackend(cfg config.BackendConfig) (*backend.Backend, error) {
	if cfg.Load != "" {
		data, err := os.ReadFile(cfg.Load)
		if err != nil {
			return nil, fmt.Errorf("load backend image: %w", err)
		}
		return backend.FromImage(data)
	}
	megs := cfg.Megs
	if megs <= 0 {
		megs = 16
	}
	return backend.New(int64(megs) * 1024 * 1024)
}

func parseDialect(s string) (nbdsrv.Dialect, error) {
	switch s {
	case "oldstyle":
		return nbdsrv.Oldstyle, nil
	case "newstyle", "":
		return nbdsrv.Newstyle, nil
	default:
		return 0, fmt.Errorf("unknown dialect %q", s)
	}
}

func newListener(ln net.Listener, be *backend.Backend, rec *recorder.Recorder, dialect nbdsrv.Dialect, log *slog.Logger) *nbdsrv.Listener {
	hooks := nbdsrv.Hooks{
		SessionAccepted: func() {
			if m := metrics.Global(); m != nil {
				m.SessionAccepted()
			}
		},
		SessionEnded: func() {
			if m := metrics.Global(); m != nil {
				m.SessionEnded()
			}
		},
		CommandHandled: func(cmd nbdproto.Command, errCode uint32) {
			if m := metrics.Global(); m != nil {
				m.CommandHandled(cmd.String(), errCode)
			}
		},
		BytesRead: func(n int) {
			if m := metrics.Global(); m != nil {
				m.BytesTransferred("read", n)
			}
		},
		BytesWritten: func(n int) {
			if m := metrics.Global(); m != nil {
				m.BytesTransferred("write", n)
			}
		},
	}
	if dialect == nbdsrv.Oldstyle {
		return nbdsrv.NewOldstyleListener(ln, be, rec, log, hooks)
	}
	return nbdsrv.NewNewstyleListener(ln, be, rec, log, hooks)
}
