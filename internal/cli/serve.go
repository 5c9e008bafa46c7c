package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/amine-amaach/uasc/internal/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an OPC UA TCP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var metrics *services.MonitoringSvc
			if cfg.EnablePrometheus {
				metrics = services.DefaultMonitoringSvc()
				http.Handle("/metrics", promhttp.Handler())
				go func() {
					if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
						logger.Errorf("Metrics endpoint stopped: %v", err)
					}
				}()
				logger.Infof("Serving metrics on %s/metrics 📈", cfg.MetricsAddr)
			}

			opts, err := endpointOptions(cfg, logger, metrics)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			endpoint := services.NewEndpointSvc(opts)
			if err := endpoint.Listen(ctx); err != nil {
				return err
			}

			// Wait for a signal before exiting
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			if err := endpoint.Close(); err != nil {
				logger.Warnf("Closing endpoint: %v", err)
			}
			logger.Info("Shutdown complete ✅")
			return nil
		},
	}
	return cmd
}
