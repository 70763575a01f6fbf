package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benmeehan/hoas-hub/internal/constants"
	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the store.Store interface
type MockStore struct {
	mock.Mock
}

func (m *MockStore) InsertDevice(ctx context.Context, device models.Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *MockStore) GetDeviceByID(ctx context.Context, deviceID string) (models.Device, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(models.Device), args.Error(1)
}

func (m *MockStore) GetDeviceByToken(ctx context.Context, token string) (models.Device, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(models.Device), args.Error(1)
}

func (m *MockStore) ListDevices(ctx context.Context) ([]models.Device, error) {
	args := m.Called(ctx)
	devices, _ := args.Get(0).([]models.Device)
	return devices, args.Error(1)
}

func (m *MockStore) UpdateDeviceLastSeen(ctx context.Context, deviceID string, at time.Time, state json.RawMessage) error {
	args := m.Called(ctx, deviceID, at, state)
	return args.Error(0)
}

func (m *MockStore) InsertCommand(ctx context.Context, cmd models.Command) error {
	args := m.Called(ctx, cmd)
	return args.Error(0)
}

func (m *MockStore) GetCommand(ctx context.Context, cmdID string) (models.Command, error) {
	args := m.Called(ctx, cmdID)
	return args.Get(0).(models.Command), args.Error(1)
}

func (m *MockStore) ListCommands(ctx context.Context, limit int) ([]models.Command, error) {
	args := m.Called(ctx, limit)
	cmds, _ := args.Get(0).([]models.Command)
	return cmds, args.Error(1)
}

func (m *MockStore) ListCommandsForDevice(ctx context.Context, deviceID string, query store.CommandQuery) ([]models.Command, error) {
	args := m.Called(ctx, deviceID, query)
	cmds, _ := args.Get(0).([]models.Command)
	return cmds, args.Error(1)
}

func (m *MockStore) UpdateCommandStatus(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus, at time.Time) error {
	args := m.Called(ctx, deviceID, cmdID, status, at)
	return args.Error(0)
}

func (m *MockStore) UpdateCommandResult(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus, result json.RawMessage, errText *string, at time.Time) error {
	args := m.Called(ctx, deviceID, cmdID, status, result, errText, at)
	return args.Error(0)
}

func (m *MockStore) MarkCommandSent(ctx context.Context, cmdID string, at time.Time) (bool, error) {
	args := m.Called(ctx, cmdID, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
