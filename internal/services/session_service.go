package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benmeehan/hoas-hub/internal/constants"
	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/registry"
	"github.com/benmeehan/hoas-hub/internal/store"
	"github.com/rs/zerolog"
)

// Conn is a device transport as seen by the session handler. Close must be
// safe to call more than once and must unblock a pending Receive.
type Conn interface {
	registry.Handle
	Receive() ([]byte, error)
	Close() error
}

// CommandReporter applies device-reported command progress.
type CommandReporter interface {
	ApplyAck(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus) error
	ApplyResult(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus, result json.RawMessage) error
}

// Flusher drains a device's queued backlog under its delivery lock.
type Flusher interface {
	LockDevice(deviceID string) func()
	FlushLocked(ctx context.Context, deviceID string) FlushReport
}

// SessionService runs one device session from authentication to close.
type SessionService struct {
	minClientVersion *semver.Version

	store     store.Store
	registry  registry.ConnectionRegistryInterface
	commands  CommandReporter
	flusher   Flusher
	publisher StatusPublisher
	logger    zerolog.Logger

	nowFn func() time.Time
}

// NewSessionService initializes a new SessionService. An empty minClientVersion
// disables the client version check.
func NewSessionService(st store.Store, reg registry.ConnectionRegistryInterface, commands CommandReporter, flusher Flusher,
	publisher StatusPublisher, minClientVersion string, logger zerolog.Logger) (*SessionService, error) {
	var minVersion *semver.Version
	if strings.TrimSpace(minClientVersion) != "" {
		v, err := semver.NewVersion(minClientVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum client version %q: %w", minClientVersion, err)
		}
		minVersion = v
	}
	if publisher == nil {
		publisher = NopStatusPublisher{}
	}
	return &SessionService{
		minClientVersion: minVersion,
		store:            st,
		registry:         reg,
		commands:         commands,
		flusher:          flusher,
		publisher:        publisher,
		logger:           logger.With().Str("component", "session_service").Logger(),
		nowFn:            time.Now,
	}, nil
}

// HandleSession authenticates conn by pairing token, registers it as the
// device's live handle, flushes the queued backlog and then processes inbound
// frames until the transport closes or ctx is cancelled. An unknown token
// closes conn and returns ErrUnauthorized.
func (ss *SessionService) HandleSession(ctx context.Context, token, clientVersion string, conn Conn) error {
	logger := ss.logger.With().Str("state", string(constants.SessionConnecting)).Logger()

	if token == "" {
		_ = conn.Close()
		logger.Warn().Msg("Rejected session without pairing token")
		return ErrUnauthorized
	}

	device, err := ss.store.GetDeviceByToken(ctx, token)
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("Rejected session with unknown pairing token")
			return ErrUnauthorized
		}
		logger.Error().Err(err).Msg("Failed to look up pairing token")
		return fmt.Errorf("failed to authenticate session: %w", err)
	}

	deviceID := device.DeviceID
	logger = ss.logger.With().Str("device_id", deviceID).Logger()
	logger.Debug().Str("state", string(constants.SessionAuthenticated)).Msg("Session authenticated")
	ss.checkClientVersion(logger, clientVersion)

	// Live dispatches wait on the delivery lock until the backlog is flushed.
	unlock := ss.flusher.LockDevice(deviceID)
	ss.registry.Register(deviceID, conn)
	defer func() {
		ss.registry.Unregister(deviceID, conn)
		// A failed write may already have dropped the handle; only a newer session suppresses offline.
		if _, replaced := ss.registry.Get(deviceID); !replaced {
			ss.publisher.PublishAvailability(deviceID, false)
		}
		_ = conn.Close()
		logger.Info().Str("state", string(constants.SessionClosed)).Msg("Device session closed")
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger.Info().Str("state", string(constants.SessionActive)).Msg("Device session active")
	ss.publisher.PublishAvailability(deviceID, true)

	ss.flusher.FlushLocked(ctx, deviceID)
	unlock()

	for {
		data, err := conn.Receive()
		if err != nil {
			logger.Debug().Err(err).Msg("Receive loop ended")
			return nil
		}
		ss.handleMessage(ctx, logger, deviceID, data)
	}
}

func (ss *SessionService) handleMessage(ctx context.Context, logger zerolog.Logger, deviceID string, data []byte) {
	var msg models.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn().Err(err).Msg("Dropping malformed device message")
		return
	}

	switch msg.Type {
	case constants.MessageTypeHeartbeat:
		state := msg.State
		if !isJSONObject(state) {
			if len(state) > 0 && !isJSONNull(state) {
				logger.Debug().Msg("Ignoring non-object heartbeat state")
			}
			state = nil
		}
		if err := ss.store.UpdateDeviceLastSeen(ctx, deviceID, ss.nowFn().UTC(), state); err != nil {
			logger.Error().Err(err).Msg("Failed to record heartbeat")
		}

	case constants.MessageTypeAck:
		if msg.CmdID == "" || msg.Status == "" {
			logger.Warn().Msg("Dropping ack without cmd_id or status")
			return
		}
		if err := ss.commands.ApplyAck(ctx, deviceID, msg.CmdID, constants.CommandStatus(msg.Status)); err != nil {
			logger.Error().Err(err).Str("cmd_id", msg.CmdID).Msg("Failed to apply ack")
		}

	case constants.MessageTypeResult:
		if msg.CmdID == "" || msg.Status == "" {
			logger.Warn().Msg("Dropping result without cmd_id or status")
			return
		}
		if err := ss.commands.ApplyResult(ctx, deviceID, msg.CmdID, constants.CommandStatus(msg.Status), msg.Result); err != nil {
			logger.Error().Err(err).Str("cmd_id", msg.CmdID).Msg("Failed to apply result")
		}

	default:
		logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown message type")
	}
}

func (ss *SessionService) checkClientVersion(logger zerolog.Logger, clientVersion string) {
	if ss.minClientVersion == nil || clientVersion == "" {
		return
	}
	v, err := semver.NewVersion(clientVersion)
	if err != nil {
		logger.Warn().Str("client_version", clientVersion).Msg("Client reported an unparseable version")
		return
	}
	if v.LessThan(ss.minClientVersion) {
		logger.Warn().
			Str("client_version", v.String()).
			Str("min_client_version", ss.minClientVersion.String()).
			Msg("Client is older than the minimum supported version")
	}
}
