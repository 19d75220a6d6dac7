// Maintenance server: keeps one connection per laundry terminal and exposes
// their status, logs and restart command over HTTP.
package main

import (
	"context"
	goerrs "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kabieror/elwasys-common/pkg/config"
	"github.com/kabieror/elwasys-common/pkg/maintenance"
	"github.com/kabieror/elwasys-common/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s", dotenvErr.Error())
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	defaultConfigPath := os.Getenv("ELWASYS_MAINTENANCE_CONFIG")
	if defaultConfigPath == "" {
		defaultConfigPath = "maintenance-server.yaml"
	}

	flagSet := pflag.NewFlagSet("elwasys-maintenance-server", pflag.ContinueOnError)
	configPath := flagSet.String("config", defaultConfigPath, "path to the YAML configuration file")
	listenAddress := flagSet.String("listen", "", "address for terminal connections (overrides listen_address)")
	metricsAddress := flagSet.String("metrics-address", "", "address of the metrics and admin HTTP endpoint (overrides metrics_address)")
	useWebsockets := flagSet.Bool("websockets", false, "also accept terminals over WebSocket")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		logger.Error("Invalid arguments", zap.Error(err))
		os.Exit(2)
	}

	cfg, err := config.LoadServerConfig(*configPath, logger)
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		os.Exit(1)
	}
	if flagSet.Changed("listen") {
		cfg.ListenAddress = *listenAddress
	}
	if flagSet.Changed("metrics-address") {
		cfg.MetricsAddress = *metricsAddress
	}
	if flagSet.Changed("websockets") {
		cfg.Websocket.Enabled = *useWebsockets
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	//
	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := maintenance.NewMetrics(registry)
	if err != nil {
		logger.Error("Failed to register metrics", zap.Error(err))
		os.Exit(1)
	}

	//
	// Maintenance server
	params := maintenance.ServerParams{
		ListenAddress:     cfg.ListenAddress,
		InactivityTimeout: cfg.InactivityTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		Logger:            logger,
		Metrics:           metrics,
	}
	if cfg.Websocket.Enabled {
		params.Websocket = &transport.WebsocketListenerParams{
			ListenAddress:      cfg.Websocket.ListenAddress,
			ListenEndpoint:     cfg.Websocket.Endpoint,
			AllowAllHosts:      cfg.Websocket.AllowAllHosts,
			AllowlistedHosts:   cfg.Websocket.AllowedHosts,
			DenylistedHosts:    cfg.Websocket.DeniedHosts,
			MaxReadMessageSize: cfg.Websocket.MaxMessageSize,
			Logger:             logger,
		}
	}
	server, err := maintenance.CreateServer(params, nil)
	if err != nil {
		logger.Error("Failed to create maintenance server", zap.Error(err))
		os.Exit(1)
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	wg := sync.WaitGroup{}

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
		registerAdminRoutes(mux, server, logger)

		httpServer := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting admin HTTP server", zap.String("address", cfg.MetricsAddress))
			if err := httpServer.ListenAndServe(); !goerrs.Is(err, http.ErrServerClosed) {
				logger.Error("Unexpected admin HTTP server close", zap.Error(err))
				shutdownRelease()
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-shutdownCtx.Done()

			closeCtx, closeRelease := context.WithTimeout(context.Background(), 10*time.Second)
			defer closeRelease()
			if err := httpServer.Shutdown(closeCtx); err != nil {
				logger.Error("Error shutting down admin HTTP server", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer shutdownRelease()
		if err := server.Start(shutdownCtx); err != nil {
			logger.Error("Maintenance server stopped unexpectedly", zap.Error(err))
		}
	}()

	wg.Wait()
	logger.Info("All goroutines finished, exiting gracefully")
}
