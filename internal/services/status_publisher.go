package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/utils"
	"github.com/benmeehan/hoas-hub/pkg/mqtt"
	"github.com/rs/zerolog"
)

// StatusPublisher announces device availability and command status changes.
// Implementations must not block the caller on network I/O.
type StatusPublisher interface {
	PublishAvailability(deviceID string, online bool)
	PublishCommandStatus(event models.CommandEvent)
}

// NopStatusPublisher discards all events.
type NopStatusPublisher struct{}

func (NopStatusPublisher) PublishAvailability(string, bool)         {}
func (NopStatusPublisher) PublishCommandStatus(models.CommandEvent) {}

const (
	hubOnlinePayload  = "online"
	hubOfflinePayload = "offline"
)

// HubAvailabilityTopic is the retained topic carrying the hub's own online state.
func HubAvailabilityTopic(prefix string) string {
	return prefix + "/hub/availability"
}

// MQTTStatusPublisher publishes status events to an MQTT broker from a worker pool.
type MQTTStatusPublisher struct {
	// Configuration Fields
	topicPrefix    string
	qos            int
	workers        int
	queueSize      int
	publishTimeout time.Duration

	// Dependencies
	mqttClient mqtt.MQTTClient
	logger     zerolog.Logger

	// Internal state management
	mu   sync.Mutex
	pool *utils.WorkerPool
}

// NewMQTTStatusPublisher initializes a publisher; Start must be called before events flow.
func NewMQTTStatusPublisher(topicPrefix string, qos, workers, queueSize int, publishTimeout time.Duration,
	mqttClient mqtt.MQTTClient, logger zerolog.Logger) *MQTTStatusPublisher {
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &MQTTStatusPublisher{
		topicPrefix:    topicPrefix,
		qos:            qos,
		workers:        workers,
		queueSize:      queueSize,
		publishTimeout: publishTimeout,
		mqttClient:     mqttClient,
		logger:         logger.With().Str("component", "status_publisher").Logger(),
	}
}

// Start launches the publishing workers and announces the hub as online.
func (p *MQTTStatusPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		p.logger.Warn().Msg("Status publisher is already running")
		return errors.New("status publisher is already running")
	}

	p.pool = utils.NewWorkerPool(p.workers, p.queueSize)
	topic := HubAvailabilityTopic(p.topicPrefix)
	p.pool.Submit(func() { p.publish(topic, true, []byte(hubOnlinePayload)) })

	p.logger.Info().Str("topic_prefix", p.topicPrefix).Msg("Status publisher started successfully")
	return nil
}

// Stop announces the hub as offline, drains pending events and disconnects.
func (p *MQTTStatusPublisher) Stop() error {
	p.mu.Lock()
	pool := p.pool
	p.pool = nil
	p.mu.Unlock()

	if pool == nil {
		p.logger.Warn().Msg("Status publisher is not running")
		return errors.New("status publisher is not running")
	}

	topic := HubAvailabilityTopic(p.topicPrefix)
	pool.Submit(func() { p.publish(topic, true, []byte(hubOfflinePayload)) })
	pool.Shutdown()
	p.mqttClient.Disconnect(250)

	p.logger.Info().Msg("Status publisher stopped successfully")
	return nil
}

// PublishAvailability queues a retained availability event for deviceID.
func (p *MQTTStatusPublisher) PublishAvailability(deviceID string, online bool) {
	event := models.AvailabilityEvent{
		DeviceID: deviceID,
		Online:   online,
		At:       time.Now().UTC(),
	}
	topic := fmt.Sprintf("%s/devices/%s/availability", p.topicPrefix, deviceID)
	p.enqueue(topic, true, event)
}

// PublishCommandStatus queues a command status event.
func (p *MQTTStatusPublisher) PublishCommandStatus(event models.CommandEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	topic := fmt.Sprintf("%s/devices/%s/commands/%s", p.topicPrefix, event.DeviceID, event.CmdID)
	p.enqueue(topic, false, event)
}

func (p *MQTTStatusPublisher) enqueue(topic string, retained bool, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to serialize status event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool == nil {
		p.logger.Debug().Str("topic", topic).Msg("Status publisher not running, dropping event")
		return
	}
	if !p.pool.TrySubmit(func() { p.publish(topic, retained, payload) }) {
		p.logger.Warn().Str("topic", topic).Msg("Status event queue full, dropping event")
	}
}

func (p *MQTTStatusPublisher) publish(topic string, retained bool, payload []byte) {
	token := p.mqttClient.Publish(topic, byte(p.qos), retained, payload)
	if !token.WaitTimeout(p.publishTimeout) {
		p.logger.Warn().Str("topic", topic).Msg("Timed out publishing status event")
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish status event")
		return
	}
	p.logger.Debug().Str("topic", topic).Msg("Status event published successfully")
}
