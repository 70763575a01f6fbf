// Package store defines the durable record store for devices and commands.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/benmeehan/hoas-hub/internal/constants"
	"github.com/benmeehan/hoas-hub/internal/models"
)

var (
	// ErrNotFound is returned when a device or command record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert collides with an existing id or token.
	ErrConflict = errors.New("record already exists")
)

// CommandQuery filters a per-device command scan.
type CommandQuery struct {
	// Status restricts the scan to one status; empty means any.
	Status constants.CommandStatus
	// Ascending orders by created_at oldest first; otherwise newest first.
	Ascending bool
	// Limit bounds the number of rows; zero or negative means no bound.
	Limit int
}

// Store is the persistence contract consumed by the hub services.
type Store interface {
	InsertDevice(ctx context.Context, device models.Device) error
	GetDeviceByID(ctx context.Context, deviceID string) (models.Device, error)
	GetDeviceByToken(ctx context.Context, token string) (models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
	// UpdateDeviceLastSeen sets last_seen; a non-empty state replaces the device metadata.
	UpdateDeviceLastSeen(ctx context.Context, deviceID string, at time.Time, state json.RawMessage) error

	InsertCommand(ctx context.Context, cmd models.Command) error
	GetCommand(ctx context.Context, cmdID string) (models.Command, error)
	ListCommands(ctx context.Context, limit int) ([]models.Command, error)
	ListCommandsForDevice(ctx context.Context, deviceID string, query CommandQuery) ([]models.Command, error)
	// UpdateCommandStatus sets status and updated_at for a command owned by deviceID.
	// Moving away from failed clears the error column.
	UpdateCommandStatus(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus, at time.Time) error
	// UpdateCommandResult sets status, result, error and updated_at for a command owned by deviceID.
	UpdateCommandResult(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus, result json.RawMessage, errText *string, at time.Time) error
	// MarkCommandSent moves a queued command to sent; it reports false when the
	// command was no longer queued.
	MarkCommandSent(ctx context.Context, cmdID string, at time.Time) (bool, error)

	Close() error
}
