// Maintenance client: runs on a laundry terminal and keeps a connection to
// the maintenance server, answering its status, log and restart requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kabieror/elwasys-common/pkg/config"
	"github.com/kabieror/elwasys-common/pkg/domain"
	"github.com/kabieror/elwasys-common/pkg/maintenance"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Exit code asking the service manager to start the terminal again.
const restartExitCode = 3

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
		defaultConfigPath = "maintenance-client.yaml"
	}

	flagSet := pflag.NewFlagSet("elwasys-maintenance-client", pflag.ContinueOnError)
	configPath := flagSet.String("config", defaultConfigPath, "path to the YAML configuration file")
	location := flagSet.String("location", "", "name of this terminal's location (overrides location)")
	server := flagSet.String("server", "", "address of the maintenance server (overrides server_address)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		logger.Error("Invalid arguments", zap.Error(err))
		os.Exit(2)
	}

	cfg, err := config.LoadClientConfig(*configPath, logger)
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		os.Exit(1)
	}
	if flagSet.Changed("location") {
		cfg.Location = *location
	}
	if flagSet.Changed("server") {
		cfg.ServerAddress = *server
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	handler := newTerminalHandler(cfg.LogFile, cfg.LogTailLines, shutdownRelease, logger)
	handler.SetInterfaceStatus(domain.InterfaceStatus_Normal, "")

	params := maintenance.ClientParams{
		ServerAddress:     cfg.ServerAddress,
		Port:              cfg.Port,
		Location:          cfg.Location,
		RequestTimeout:    cfg.RequestTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReadTimeout:       cfg.ReadTimeout,
		Transport:         maintenance.Transport(cfg.Transport),
		WebsocketEndpoint: cfg.WebsocketEndpoint,
		Logger:            logger,
	}
	runClient(shutdownCtx, params, handler, cfg.ReconnectDelay, logger)

	if handler.RestartRequested() {
		logger.Info("Exiting for restart")
		logger.Sync()
		os.Exit(restartExitCode)
	}
	logger.Info("Maintenance client stopped")
}

// runClient keeps a connection to the server open until ctx is cancelled,
// reconnecting after reconnectDelay whenever it is lost.
func runClient(ctx context.Context, params maintenance.ClientParams, handler *terminalHandler, reconnectDelay time.Duration, logger *zap.Logger) {
	log := logger.With(zap.String("location", params.Location))

	for {
		client, err := maintenance.Connect(ctx, params, handler)
		if err != nil {
			log.Warn("Could not connect to the maintenance server", zap.Error(err), zap.Duration("retryIn", reconnectDelay))
		} else {
			select {
			case <-client.Done():
				log.Warn("Lost connection to the maintenance server", zap.Error(client.Err()))
			case <-ctx.Done():
				client.Shutdown()
				<-client.Done()
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
