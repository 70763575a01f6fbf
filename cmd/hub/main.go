package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benmeehan/hoas-hub/internal/service_registry"
	"github.com/benmeehan/hoas-hub/internal/services"
	"github.com/benmeehan/hoas-hub/internal/store/sqlite"
	"github.com/benmeehan/hoas-hub/internal/utils"
	"github.com/benmeehan/hoas-hub/pkg/file"
	"github.com/benmeehan/hoas-hub/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string

	flagSet := pflag.NewFlagSet("hoas-hub", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "configs/config.yaml", "path to the YAML configuration file")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file and environment
	config, err := utils.LoadConfig(configPath, fileClient)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	logger, err := utils.NewLogger(config.Logging.Level, config.Logging.Format, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := sqlite.Open(ctx, sqlite.Options{Path: config.Store.Path, BusyTimeoutMS: config.Store.BusyTimeoutMS})
	if err != nil {
		logger.Error().Err(err).Str("path", config.Store.Path).Msg("Failed to open record store")
		return err
	}
	defer st.Close()
	logger.Info().Str("path", config.Store.Path).Msg("Record store opened")

	// Initialize the shared MQTT connection when status events are enabled
	var mqttClient mqtt.MQTTClient
	if config.MQTT.Enabled {
		// Append a UUID so restarts never collide with a lingering session
		clientID := config.MQTT.ClientID + "-" + uuid.New().String()
		logger.Info().Str("client_id", clientID).Msg("Using MQTT Client ID")

		mqttService := mqtt.NewMqttService(fileClient)
		err = mqttService.Initialize(mqtt.Options{
			Broker:        config.MQTT.Broker,
			ClientID:      clientID,
			Username:      config.MQTT.Username,
			Password:      config.MQTT.Password,
			CACertificate: config.MQTT.CACertificate,
			WillTopic:     services.HubAvailabilityTopic(config.MQTT.TopicPrefix),
			WillPayload:   "offline",
			WillQOS:       byte(config.MQTT.QOS),
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize MQTT connection")
			return err
		}
		mqttClient = mqttService
	}

	// Create a new service registry to manage services
	serviceRegistry := service_registry.NewServiceRegistry(st, mqttClient, logger)
	if err := serviceRegistry.RegisterServices(config); err != nil {
		logger.Error().Err(err).Msg("Failed to register services")
		return err
	}

	if err := serviceRegistry.StartServices(); err != nil {
		logger.Error().Err(err).Msg("Failed to start services")
		return err
	}
	logger.Info().Str("listen_addr", config.Server.ListenAddr).Msg("All services started successfully")

	<-ctx.Done()

	logger.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		return err
	}
	return nil
}
