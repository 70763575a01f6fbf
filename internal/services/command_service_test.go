package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/hoas-hub/internal/constants"
	"github.com/benmeehan/hoas-hub/internal/mocks"
	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/registry"
	"github.com/benmeehan/hoas-hub/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestCommandService(t *testing.T, queueWhenOffline bool) (*CommandService, store.Store, *registry.ConnectionRegistry, *recordingPublisher) {
	t.Helper()
	st := newTestStore(t)
	seedDevice(t, st, "dev-1", "token-1")
	seedDevice(t, st, "dev-2", "token-2")
	reg := registry.NewConnectionRegistry(zerolog.Nop())
	pub := &recordingPublisher{}
	cs := NewCommandService(st, reg, pub, queueWhenOffline, 0, zerolog.Nop())
	cs.nowFn = steppingClock()
	return cs, st, reg, pub
}

func TestCommandService_QueuedWhenNeverConnected(t *testing.T) {
	// Setup
	cs, st, _, pub := newTestCommandService(t, true)
	ctx := context.Background()

	// Execute
	res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusQueued, res.Status)
	assert.NotEmpty(t, res.CmdID)

	cmd, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusQueued, cmd.Status)
	assert.JSONEq(t, `{}`, string(cmd.Params))
	assert.Equal(t, []string{"queued"}, pub.commandStatuses(res.CmdID))
}

func TestCommandService_SentWithExactlyOneWrite(t *testing.T) {
	// Setup
	cs, st, reg, pub := newTestCommandService(t, true)
	ctx := context.Background()
	conn := newFakeConn()
	reg.Register("dev-1", conn)

	// Execute
	res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", json.RawMessage(`{"minutes":30}`))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusSent, res.Status)
	assert.Equal(t, 1, conn.writeCount())

	envs := conn.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, "cmd", envs[0].Type)
	assert.Equal(t, res.CmdID, envs[0].CmdID)
	assert.Equal(t, "LOCK", envs[0].Name)
	assert.JSONEq(t, `{"minutes":30}`, string(envs[0].Params))

	cmd, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusSent, cmd.Status)
	assert.True(t, cmd.UpdatedAt.After(cmd.CreatedAt))
	assert.Equal(t, []string{"queued", "sent"}, pub.commandStatuses(res.CmdID))
}

func TestCommandService_UnknownDevice(t *testing.T) {
	// Setup
	cs, st, _, _ := newTestCommandService(t, true)
	ctx := context.Background()

	// Execute
	_, err := cs.CreateAndDispatch(ctx, "ghost", "LOCK", nil)

	// Assert
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	cmds, err := st.ListCommands(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestCommandService_RequiresName(t *testing.T) {
	cs, _, _, _ := newTestCommandService(t, true)

	_, err := cs.CreateAndDispatch(context.Background(), "dev-1", "  ", nil)

	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestCommandService_NoClientWhenQueueingDisabled(t *testing.T) {
	// Setup
	cs, st, _, pub := newTestCommandService(t, false)
	ctx := context.Background()

	// Execute
	res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusNoClient, res.Status)
	cmd, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusNoClient, cmd.Status)
	assert.Equal(t, []string{"queued", "no_client"}, pub.commandStatuses(res.CmdID))
}

func TestCommandService_FailedWriteLeavesQueuedAndUnregisters(t *testing.T) {
	// Setup
	cs, st, reg, _ := newTestCommandService(t, true)
	ctx := context.Background()
	conn := newFakeConn()
	conn.failAt = 1
	reg.Register("dev-1", conn)

	// Execute
	res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusQueued, res.Status)
	_, ok := reg.Get("dev-1")
	assert.False(t, ok)
	cmd, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusQueued, cmd.Status)
}

func TestCommandService_FailedWriteStaysQueuedWhenQueueingDisabled(t *testing.T) {
	// Setup
	cs, st, reg, pub := newTestCommandService(t, false)
	ctx := context.Background()
	conn := newFakeConn()
	conn.failAt = 1
	reg.Register("dev-1", conn)

	// Execute
	res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusQueued, res.Status)
	cmd, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusQueued, cmd.Status)
	assert.Equal(t, []string{"queued"}, pub.commandStatuses(res.CmdID))
}

func TestCommandService_SentEvenWhenMarkFails(t *testing.T) {
	// Setup
	st := &mocks.MockStore{}
	st.On("GetDeviceByID", mock.Anything, "dev-1").Return(models.Device{DeviceID: "dev-1"}, nil)
	st.On("InsertCommand", mock.Anything, mock.AnythingOfType("models.Command")).Return(nil)
	st.On("MarkCommandSent", mock.Anything, "cmd-1", mock.Anything).Return(false, errors.New("disk I/O error"))

	reg := registry.NewConnectionRegistry(zerolog.Nop())
	conn := newFakeConn()
	reg.Register("dev-1", conn)
	cs := NewCommandService(st, reg, nil, true, 0, zerolog.Nop())
	cs.newIDFn = func() string { return "cmd-1" }

	// Execute
	res, err := cs.CreateAndDispatch(context.Background(), "dev-1", "LOCK", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusSent, res.Status)
	assert.Equal(t, 1, conn.writeCount())
	st.AssertExpectations(t)
}

func TestCommandService_InsertFailure(t *testing.T) {
	// Setup
	st := &mocks.MockStore{}
	st.On("GetDeviceByID", mock.Anything, "dev-1").Return(models.Device{DeviceID: "dev-1"}, nil)
	st.On("InsertCommand", mock.Anything, mock.Anything).Return(errors.New("database is locked"))
	reg := registry.NewConnectionRegistry(zerolog.Nop())
	conn := newFakeConn()
	reg.Register("dev-1", conn)
	cs := NewCommandService(st, reg, nil, true, 0, zerolog.Nop())

	// Execute
	_, err := cs.CreateAndDispatch(context.Background(), "dev-1", "LOCK", nil)

	// Assert
	assert.Error(t, err)
	assert.Equal(t, 0, conn.writeCount())
}

func TestCommandService_ApplyAck(t *testing.T) {
	// Setup
	cs, st, _, pub := newTestCommandService(t, true)
	ctx := context.Background()
	res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)
	require.NoError(t, err)

	// Execute
	require.NoError(t, cs.ApplyAck(ctx, "dev-1", res.CmdID, constants.CommandStatusReceived))
	require.NoError(t, cs.ApplyAck(ctx, "dev-1", res.CmdID, constants.CommandStatusRunning))

	// Assert
	cmd, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusRunning, cmd.Status)
	assert.Equal(t, []string{"queued", "received", "running"}, pub.commandStatuses(res.CmdID))
}

func TestCommandService_AckReplayIsIdempotent(t *testing.T) {
	// Setup
	cs, st, _, _ := newTestCommandService(t, true)
	ctx := context.Background()
	res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)
	require.NoError(t, err)

	// Execute
	require.NoError(t, cs.ApplyAck(ctx, "dev-1", res.CmdID, constants.CommandStatusReceived))
	first, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)
	require.NoError(t, cs.ApplyAck(ctx, "dev-1", res.CmdID, constants.CommandStatusReceived))
	second, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, first.Error, second.Error)
}

func TestCommandService_AckUnknownCommandIsIgnored(t *testing.T) {
	// Setup
	cs, st, _, pub := newTestCommandService(t, true)
	ctx := context.Background()
	res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)
	require.NoError(t, err)

	// Execute
	assert.NoError(t, cs.ApplyAck(ctx, "dev-1", "missing", constants.CommandStatusDone))
	// Commands are scoped to the reporting device.
	assert.NoError(t, cs.ApplyAck(ctx, "dev-2", res.CmdID, constants.CommandStatusDone))
	// Statuses a device cannot report are dropped.
	assert.NoError(t, cs.ApplyAck(ctx, "dev-1", res.CmdID, constants.CommandStatusQueued))
	assert.NoError(t, cs.ApplyAck(ctx, "dev-1", res.CmdID, constants.CommandStatus("exploded")))

	// Assert
	cmd, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusQueued, cmd.Status)
	assert.Equal(t, []string{"queued"}, pub.commandStatuses(res.CmdID))
}

func TestCommandService_ApplyResultFailedExtractsError(t *testing.T) {
	tests := []struct {
		name   string
		result json.RawMessage
		want   string
	}{
		{"string error field", json.RawMessage(`{"error":"screen busy"}`), "screen busy"},
		{"no error field", json.RawMessage(`{"code":7}`), constants.GenericFailureMessage},
		{"no result", nil, constants.GenericFailureMessage},
		{"null result", json.RawMessage(`null`), constants.GenericFailureMessage},
		{"non-string error", json.RawMessage(`{"error":{"code":7}}`), `{"code":7}`},
		{"empty error", json.RawMessage(`{"error":""}`), constants.GenericFailureMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup
			cs, st, _, _ := newTestCommandService(t, true)
			ctx := context.Background()
			res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)
			require.NoError(t, err)

			// Execute
			require.NoError(t, cs.ApplyResult(ctx, "dev-1", res.CmdID, constants.CommandStatusFailed, tt.result))

			// Assert
			cmd, err := st.GetCommand(ctx, res.CmdID)
			require.NoError(t, err)
			assert.Equal(t, constants.CommandStatusFailed, cmd.Status)
			require.NotNil(t, cmd.Error)
			assert.Equal(t, tt.want, *cmd.Error)
		})
	}
}

func TestCommandService_ApplyResultDoneClearsError(t *testing.T) {
	// Setup
	cs, st, _, _ := newTestCommandService(t, true)
	ctx := context.Background()
	res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)
	require.NoError(t, err)
	require.NoError(t, cs.ApplyResult(ctx, "dev-1", res.CmdID, constants.CommandStatusFailed, json.RawMessage(`{"error":"x"}`)))

	// Execute
	require.NoError(t, cs.ApplyResult(ctx, "dev-1", res.CmdID, constants.CommandStatusDone, json.RawMessage(`{"locked":true}`)))

	// Assert
	cmd, err := st.GetCommand(ctx, res.CmdID)
	require.NoError(t, err)
	assert.Equal(t, constants.CommandStatusDone, cmd.Status)
	assert.Nil(t, cmd.Error)
	assert.JSONEq(t, `{"locked":true}`, string(cmd.Result))
}

func TestCommandService_ApplyResultUnknownCommandIsIgnored(t *testing.T) {
	cs, _, _, _ := newTestCommandService(t, true)

	err := cs.ApplyResult(context.Background(), "dev-1", "missing", constants.CommandStatusDone, nil)

	assert.NoError(t, err)
}

func TestCommandService_ApplyResultStoreError(t *testing.T) {
	// Setup
	st := &mocks.MockStore{}
	st.On("UpdateCommandResult", mock.Anything, "dev-1", "cmd-1", constants.CommandStatusDone,
		mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))
	cs := NewCommandService(st, registry.NewConnectionRegistry(zerolog.Nop()), nil, true, 0, zerolog.Nop())

	// Execute
	err := cs.ApplyResult(context.Background(), "dev-1", "cmd-1", constants.CommandStatusDone, nil)

	// Assert
	assert.Error(t, err)
}

func TestCommandService_ListHelpers(t *testing.T) {
	// Setup
	cs, _, reg, _ := newTestCommandService(t, true)
	cs.listLimit = 2
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		res, err := cs.CreateAndDispatch(ctx, "dev-1", "LOCK", nil)
		require.NoError(t, err)
		ids = append(ids, res.CmdID)
	}
	_, err := cs.CreateAndDispatch(ctx, "dev-2", "UNLOCK", nil)
	require.NoError(t, err)
	reg.Register("dev-2", newFakeConn())

	// Execute
	all, err := cs.ListCommands(ctx)
	require.NoError(t, err)
	perDevice, err := cs.ListCommandsForDevice(ctx, "dev-1")
	require.NoError(t, err)
	one, err := cs.GetCommand(ctx, ids[0])
	require.NoError(t, err)

	// Assert
	assert.Len(t, all, 2)
	require.Len(t, perDevice, 2)
	assert.Equal(t, ids[2], perDevice[0].CmdID)
	assert.Equal(t, ids[1], perDevice[1].CmdID)
	assert.Equal(t, "LOCK", one.Name)
	assert.Equal(t, map[string]struct{}{"dev-2": {}}, cs.ListReachableDeviceIDs())
}

func TestCommandService_ConcurrentDispatchSendsEachOnce(t *testing.T) {
	// Setup
	cs, st, reg, _ := newTestCommandService(t, true)
	ctx := context.Background()
	conn := newFakeConn()
	reg.Register("dev-1", conn)

	// Execute
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cs.CreateAndDispatch(ctx, "dev-1", "PING", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Assert
	envs := conn.envelopes(t)
	require.Len(t, envs, 20)
	seen := map[string]bool{}
	for _, env := range envs {
		assert.False(t, seen[env.CmdID], "command %s sent twice", env.CmdID)
		seen[env.CmdID] = true
	}
	queued, err := st.ListCommandsForDevice(ctx, "dev-1", store.CommandQuery{Status: constants.CommandStatusQueued})
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestCommandService_LockDeviceIsPerDevice(t *testing.T) {
	cs, _, _, _ := newTestCommandService(t, true)

	unlock := cs.LockDevice("dev-1")
	acquired := make(chan struct{})
	go func() {
		release := cs.LockDevice("dev-2")
		release()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on another device was blocked")
	}
	unlock()
}
