package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tcp-engine/pkg/config"
	"tcp-engine/pkg/host"
	"tcp-engine/pkg/metrics"
)

var (
	configFile  string
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "vhost",
	Short: "Virtual host running one TCP connection over a UDP link",
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if metricsAddr != "" {
			conf.Host.MetricsListen = metricsAddr
		}
		if logLevel != "" {
			conf.Host.LogLevel = logLevel
		}

		logger := logrus.New()
		logger.SetLevel(conf.LogLevel())

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		observer := metrics.NewConnectionMetrics("vhost", reg)

		h, err := host.New(conf, observer, logger)
		if err != nil {
			return err
		}
		defer h.Shutdown()

		if conf.Host.MetricsListen != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				if err := http.ListenAndServe(conf.Host.MetricsListen, mux); err != nil {
					logger.WithError(err).Error("failed to start metrics API")
				}
			}()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			if err := h.Run(ctx); err != nil {
				logger.WithError(err).Error("host stopped")
			}
		}()

		// q or EOF on stdin cancels the host
		runREPL(ctx, os.Stdin, os.Stdout, h)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "vhost.yaml", "path to the host's YAML config")
	rootCmd.Flags().StringVarP(&metricsAddr, "metrics", "m", "", "address to serve metrics on, overrides the config")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level, overrides the config")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
