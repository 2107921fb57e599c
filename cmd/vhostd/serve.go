package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/vhostuser/internal/config"
	"github.com/oriys/vhostuser/internal/logging"
	"github.com/oriys/vhostuser/internal/metrics"
	"github.com/oriys/vhostuser/internal/observability"
	"github.com/oriys/vhostuser/internal/vhostuser"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var (
		logLevel     string
		manifestPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bring up every endpoint in the manifest and run until signalled",
		Long:  "serve loads an endpoint manifest, starts the shared reactor and one listener/connector per endpoint, and serves Prometheus metrics until SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("manifest") {
				cfg.ManifestPath = manifestPath
			}
			if cfg.ManifestPath == "" {
				return fmt.Errorf("serve: no endpoint manifest given (--manifest or config.manifestPath)")
			}

			logging.SetLevelFromString(cfg.Logging.Level)
			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
			}

			specs, err := config.LoadManifest(cfg.ManifestPath)
			if err != nil {
				return fmt.Errorf("load manifest: %w", err)
			}
			if len(specs) == 0 {
				return fmt.Errorf("serve: manifest %s defines no endpoints", cfg.ManifestPath)
			}

			vhostuser.SetReactorCapacity(cfg.Reactor.MaxFDs)

			// Each endpoint's bind/listen or connect is independent, so
			// they are brought up concurrently via errgroup rather than
			// one at a time; a failure on any one is reported once every
			// bring-up has finished, and every endpoint that did start is
			// rolled back.
			endpoints := make([]*vhostuser.Endpoint, len(specs))
			g, _ := errgroup.WithContext(cmd.Context())
			for i, spec := range specs {
				i, spec := i, spec
				g.Go(func() error {
					handler := &vhostuser.BuiltinHandler{}
					ep := vhostuser.NewEndpoint(
						spec.Spec.Path,
						spec.Spec.IsServer(),
						vhostuser.Flags{
							Extbuf:               spec.Spec.Extbuf,
							Linearbuf:            spec.Spec.Linearbuf,
							AsyncCopy:            spec.Spec.AsyncCopy,
							NetCompliantOffloads: spec.Spec.NetCompliantOffloads,
							Reconnect:            spec.Spec.Reconnect,
						},
						vhostuser.NotifyOps{
							NewConnection: func(vid string) error {
								logging.Op().Info("new connection", "endpoint", spec.Metadata.Name, "vid", vid)
								return nil
							},
							DestroyConnection: func(vid string) {
								logging.Op().Info("connection destroyed", "endpoint", spec.Metadata.Name, "vid", vid)
							},
						},
						handler.Handle,
						nil,
					)
					if err := ep.Start(); err != nil {
						return fmt.Errorf("start endpoint %s (%s): %w", spec.Metadata.Name, spec.Spec.Path, err)
					}
					endpoints[i] = ep
					logging.Op().Info("endpoint started", "name", spec.Metadata.Name, "path", spec.Spec.Path, "mode", spec.Spec.Mode)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				for _, ep := range endpoints {
					if ep != nil {
						ep.Cleanup()
					}
				}
				return err
			}
			defer func() {
				for _, ep := range endpoints {
					ep.Cleanup()
				}
			}()

			var httpServer *http.Server
			if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"status":"ok","service":"vhostd"}`))
				})
				httpServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
				go func() {
					logging.Op().Info("vhostd metrics endpoint started", "addr", cfg.Metrics.Addr)
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("vhostd metrics server error", "error", err)
					}
				}()
			}

			logging.Op().Info("vhostd started", "endpoints", len(endpoints))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpServer.Shutdown(ctx)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to endpoint manifest YAML file")

	return cmd
}
