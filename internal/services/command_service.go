package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benmeehan/hoas-hub/internal/constants"
	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/registry"
	"github.com/benmeehan/hoas-hub/internal/store"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// CommandService creates commands, delivers them to live device sessions and
// advances their status from device acknowledgements and results.
type CommandService struct {
	// Configuration Fields
	queueWhenOffline bool
	listLimit        int

	// Dependencies
	store     store.Store
	registry  registry.ConnectionRegistryInterface
	publisher StatusPublisher
	logger    zerolog.Logger

	// deviceLocks serializes delivery per device so live commands never
	// overtake a reconnect flush and a command is never sent twice by racing paths.
	deviceLocks cmap.ConcurrentMap[string, *sync.Mutex]

	nowFn   func() time.Time
	newIDFn func() string
}

// NewCommandService initializes a new CommandService.
func NewCommandService(st store.Store, reg registry.ConnectionRegistryInterface, publisher StatusPublisher,
	queueWhenOffline bool, listLimit int, logger zerolog.Logger) *CommandService {
	if listLimit <= 0 {
		listLimit = constants.DefaultCommandListLimit
	}
	if publisher == nil {
		publisher = NopStatusPublisher{}
	}
	return &CommandService{
		queueWhenOffline: queueWhenOffline,
		listLimit:        listLimit,
		store:            st,
		registry:         reg,
		publisher:        publisher,
		logger:           logger.With().Str("component", "command_service").Logger(),
		deviceLocks:      cmap.New[*sync.Mutex](),
		nowFn:            time.Now,
		newIDFn:          uuid.NewString,
	}
}

// LockDevice acquires deviceID's delivery lock and returns its release func.
func (cs *CommandService) LockDevice(deviceID string) func() {
	mu := cs.deviceLocks.Upsert(deviceID, nil, func(exists bool, current *sync.Mutex, _ *sync.Mutex) *sync.Mutex {
		if exists {
			return current
		}
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

// CreateAndDispatch persists a new queued command for deviceID and attempts a
// single immediate delivery. The returned status is sent, queued, or no_client
// when the device had no session and offline queueing is disabled.
func (cs *CommandService) CreateAndDispatch(ctx context.Context, deviceID, name string, params json.RawMessage) (models.DispatchResult, error) {
	if strings.TrimSpace(name) == "" {
		return models.DispatchResult{}, ErrInvalidCommand
	}
	if _, err := cs.store.GetDeviceByID(ctx, deviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.DispatchResult{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return models.DispatchResult{}, fmt.Errorf("failed to load device: %w", err)
	}

	unlock := cs.LockDevice(deviceID)
	defer unlock()

	now := cs.nowFn()
	cmd := models.Command{
		CmdID:     cs.newIDFn(),
		DeviceID:  deviceID,
		Name:      name,
		Params:    normalizeParams(params),
		Status:    constants.CommandStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := cs.store.InsertCommand(ctx, cmd); err != nil {
		cs.logger.Error().Err(err).Str("device_id", deviceID).Str("command", name).Msg("Failed to persist command")
		return models.DispatchResult{}, fmt.Errorf("failed to persist command: %w", err)
	}
	cs.logger.Info().Str("device_id", deviceID).Str("cmd_id", cmd.CmdID).Str("command", name).Msg("Command created")
	cs.publishStatus(cmd.DeviceID, cmd.CmdID, cmd.Name, cmd.Status, nil)

	_, reachable := cs.registry.Get(deviceID)
	if reachable && cs.Deliver(ctx, cmd) {
		return models.DispatchResult{CmdID: cmd.CmdID, Status: constants.CommandStatusSent}, nil
	}

	// A write failure on a registered session keeps the command queued for the next reconnect.
	if !reachable && !cs.queueWhenOffline {
		if err := cs.store.UpdateCommandStatus(ctx, deviceID, cmd.CmdID, constants.CommandStatusNoClient, cs.nowFn()); err != nil {
			cs.logger.Error().Err(err).Str("cmd_id", cmd.CmdID).Msg("Failed to mark command no_client")
			return models.DispatchResult{CmdID: cmd.CmdID, Status: constants.CommandStatusQueued}, nil
		}
		cs.publishStatus(cmd.DeviceID, cmd.CmdID, cmd.Name, constants.CommandStatusNoClient, nil)
		return models.DispatchResult{CmdID: cmd.CmdID, Status: constants.CommandStatusNoClient}, nil
	}

	cs.logger.Info().Str("device_id", deviceID).Str("cmd_id", cmd.CmdID).Msg("Device unreachable, command queued")
	return models.DispatchResult{CmdID: cmd.CmdID, Status: constants.CommandStatusQueued}, nil
}

// Deliver writes cmd to its device and marks it sent. Callers hold the device lock.
func (cs *CommandService) Deliver(ctx context.Context, cmd models.Command) bool {
	if !cs.registry.Send(cmd.DeviceID, models.NewCmdEnvelope(cmd)) {
		return false
	}

	marked, err := cs.store.MarkCommandSent(ctx, cmd.CmdID, cs.nowFn())
	if err != nil {
		// The device has the command; it stays queued and may be delivered again on reconnect.
		cs.logger.Error().Err(err).Str("cmd_id", cmd.CmdID).Msg("Command delivered but status update failed")
		return true
	}
	if marked {
		cs.publishStatus(cmd.DeviceID, cmd.CmdID, cmd.Name, constants.CommandStatusSent, nil)
	}
	cs.logger.Info().Str("device_id", cmd.DeviceID).Str("cmd_id", cmd.CmdID).Msg("Command sent")
	return true
}

// ApplyAck records an advisory status reported by deviceID. Unknown commands
// and unreportable statuses are logged and ignored.
func (cs *CommandService) ApplyAck(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus) error {
	if !status.IsDeviceReportable() {
		cs.logger.Warn().Str("device_id", deviceID).Str("cmd_id", cmdID).Str("status", string(status)).Msg("Ignoring ack with unknown status")
		return nil
	}

	err := cs.store.UpdateCommandStatus(ctx, deviceID, cmdID, status, cs.nowFn())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			cs.logger.Warn().Str("device_id", deviceID).Str("cmd_id", cmdID).Msg("Ignoring ack for unknown command")
			return nil
		}
		return fmt.Errorf("failed to apply ack: %w", err)
	}

	cs.logger.Debug().Str("device_id", deviceID).Str("cmd_id", cmdID).Str("status", string(status)).Msg("Command acknowledged")
	cs.publishStatus(deviceID, cmdID, "", status, nil)
	return nil
}

// ApplyResult records a result reported by deviceID. A failed status takes its
// error text from the result's "error" field, or a generic marker.
func (cs *CommandService) ApplyResult(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus, result json.RawMessage) error {
	if !status.IsDeviceReportable() {
		cs.logger.Warn().Str("device_id", deviceID).Str("cmd_id", cmdID).Str("status", string(status)).Msg("Ignoring result with unknown status")
		return nil
	}

	if isJSONNull(result) {
		result = nil
	}
	var errText *string
	if status == constants.CommandStatusFailed {
		text := extractError(result)
		errText = &text
	}

	err := cs.store.UpdateCommandResult(ctx, deviceID, cmdID, status, result, errText, cs.nowFn())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			cs.logger.Warn().Str("device_id", deviceID).Str("cmd_id", cmdID).Msg("Ignoring result for unknown command")
			return nil
		}
		return fmt.Errorf("failed to apply result: %w", err)
	}

	cs.logger.Info().Str("device_id", deviceID).Str("cmd_id", cmdID).Str("status", string(status)).Msg("Command result recorded")
	cs.publishStatus(deviceID, cmdID, "", status, errText)
	return nil
}

// GetCommand returns a single command.
func (cs *CommandService) GetCommand(ctx context.Context, cmdID string) (models.Command, error) {
	return cs.store.GetCommand(ctx, cmdID)
}

// ListCommands returns the most recent commands across all devices.
func (cs *CommandService) ListCommands(ctx context.Context) ([]models.Command, error) {
	return cs.store.ListCommands(ctx, cs.listLimit)
}

// ListCommandsForDevice returns the most recent commands for deviceID.
func (cs *CommandService) ListCommandsForDevice(ctx context.Context, deviceID string) ([]models.Command, error) {
	return cs.store.ListCommandsForDevice(ctx, deviceID, store.CommandQuery{Limit: cs.listLimit})
}

// ListReachableDeviceIDs returns the devices that currently hold a live session.
func (cs *CommandService) ListReachableDeviceIDs() map[string]struct{} {
	return cs.registry.ListIDs()
}

func (cs *CommandService) publishStatus(deviceID, cmdID, name string, status constants.CommandStatus, errText *string) {
	event := models.CommandEvent{
		CmdID:    cmdID,
		DeviceID: deviceID,
		Name:     name,
		Status:   string(status),
		At:       cs.nowFn().UTC(),
	}
	if errText != nil {
		event.Error = *errText
	}
	cs.publisher.PublishCommandStatus(event)
}

func normalizeParams(params json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(params)) == 0 || isJSONNull(params) {
		return json.RawMessage(`{}`)
	}
	return params
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func extractError(result json.RawMessage) string {
	if len(result) == 0 {
		return constants.GenericFailureMessage
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		return constants.GenericFailureMessage
	}
	raw, ok := fields["error"]
	if !ok || isJSONNull(raw) {
		return constants.GenericFailureMessage
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return constants.GenericFailureMessage
		}
		return text
	}
	return string(raw)
}
