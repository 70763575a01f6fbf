package service_registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/hoas-hub/internal/api"
	"github.com/benmeehan/hoas-hub/internal/registry"
	"github.com/benmeehan/hoas-hub/internal/services"
	"github.com/benmeehan/hoas-hub/internal/store"
	"github.com/benmeehan/hoas-hub/internal/utils"
	"github.com/benmeehan/hoas-hub/pkg/mqtt"
	"github.com/benmeehan/hoas-hub/pkg/transport"
	"github.com/rs/zerolog"
)

const statusPublishTimeout = 5 * time.Second

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]Service // Stores registered services
	serviceKeys []string           // Maintains order of service registration
	store       store.Store
	mqttClient  mqtt.MQTTClient
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
// mqttClient may be nil when status events are disabled.
func NewServiceRegistry(st store.Store, mqttClient mqtt.MQTTClient, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]Service),
		store:      st,
		mqttClient: mqttClient,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Get returns a registered service by name.
func (sr *ServiceRegistry) Get(name string) (Service, bool) {
	svc, ok := sr.services[name]
	return svc, ok
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices builds the hub's service graph from configuration and
// registers the lifecycle services in start order.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config) error {
	var publisher services.StatusPublisher = services.NopStatusPublisher{}
	var mqttPublisher *services.MQTTStatusPublisher
	if config.MQTT.Enabled {
		if sr.mqttClient == nil {
			return errors.New("mqtt is enabled but no client was provided")
		}
		mqttPublisher = services.NewMQTTStatusPublisher(
			config.MQTT.TopicPrefix,
			config.MQTT.QOS,
			config.MQTT.Workers,
			config.MQTT.QueueSize,
			statusPublishTimeout,
			sr.mqttClient,
			sr.Logger,
		)
		publisher = mqttPublisher
	}

	connections := registry.NewConnectionRegistry(sr.Logger)
	commandService := services.NewCommandService(
		sr.store,
		connections,
		publisher,
		config.Commands.QueueWhenOffline,
		config.Commands.ListLimit,
		sr.Logger,
	)
	flushService := services.NewFlushService(sr.store, commandService, config.Commands.FlushBatchSize, sr.Logger)
	sessionService, err := services.NewSessionService(
		sr.store,
		connections,
		commandService,
		flushService,
		publisher,
		config.Session.MinClientVersion,
		sr.Logger,
	)
	if err != nil {
		sr.Logger.Error().Err(err).Msg("Failed to create session service")
		return err
	}
	pairingService := services.NewPairingService(sr.store, services.DefaultWSPath, sr.Logger)

	handler := api.NewHandler(pairingService, commandService, sessionService, transport.Options{
		WriteTimeout:   config.Session.WriteTimeout,
		PongWait:       config.Session.PongWait,
		PingPeriod:     config.Session.PingPeriod,
		MaxMessageSize: config.Session.MaxMessageSize,
	}, sr.Logger)
	server := api.NewServer(
		config.Server.ListenAddr,
		config.Server.ReadTimeout,
		config.Server.ShutdownTimeout,
		api.NewRouter(handler, sr.Logger),
		sr.Logger,
	)

	// Publisher starts before and stops after the http server.
	registeredServices := []string{}
	if mqttPublisher != nil {
		sr.RegisterService("status_publisher", mqttPublisher)
		registeredServices = append(registeredServices, "status_publisher")
	}
	sr.RegisterService("http", server)
	registeredServices = append(registeredServices, "http")

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
