package registry

import (
	"encoding/json"

	"github.com/benmeehan/hoas-hub/internal/utils"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// Handle is a live transport to one device. Implementations must be
// comparable (pointer types): the registry compares handles by identity.
type Handle interface {
	// Send performs a single bounded write of payload.
	Send(payload []byte) error
}

// ConnectionRegistryInterface defines the liveness map consumed by the services.
type ConnectionRegistryInterface interface {
	Register(deviceID string, handle Handle)
	Unregister(deviceID string, handle Handle) bool
	Get(deviceID string) (Handle, bool)
	ListIDs() map[string]struct{}
	Count() int
	Send(deviceID string, payload any) bool
}

// ConnectionRegistry holds at most one live handle per device.
type ConnectionRegistry struct {
	conns  cmap.ConcurrentMap[string, Handle]
	logger zerolog.Logger
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry(logger zerolog.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		conns:  cmap.New[Handle](),
		logger: logger.With().Str("component", "connection_registry").Logger(),
	}
}

// Register associates handle with deviceID, displacing any previous handle.
func (r *ConnectionRegistry) Register(deviceID string, handle Handle) {
	r.conns.Set(deviceID, handle)
	r.logger.Debug().Str("device_id", deviceID).Msg("Connection registered")
}

// Unregister removes deviceID's handle only if it is identical to handle, so a
// slow-closing stale session cannot evict a newer one.
func (r *ConnectionRegistry) Unregister(deviceID string, handle Handle) bool {
	removed := r.conns.RemoveCb(deviceID, func(_ string, current Handle, exists bool) bool {
		return exists && current == handle
	})
	if removed {
		r.logger.Debug().Str("device_id", deviceID).Msg("Connection unregistered")
	} else {
		r.logger.Debug().Str("device_id", deviceID).Msg("Ignoring unregister of stale connection")
	}
	return removed
}

// Get returns the current handle for deviceID.
func (r *ConnectionRegistry) Get(deviceID string) (Handle, bool) {
	return r.conns.Get(deviceID)
}

// ListIDs returns a snapshot of the currently reachable device ids.
func (r *ConnectionRegistry) ListIDs() map[string]struct{} {
	return utils.SliceToSet(r.conns.Keys())
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	return r.conns.Count()
}

// Send marshals payload and writes it once to deviceID's handle. It returns
// false when no handle is registered or the write fails; a failed write
// unregisters that handle since its transport is dead.
func (r *ConnectionRegistry) Send(deviceID string, payload any) bool {
	handle, ok := r.conns.Get(deviceID)
	if !ok {
		r.logger.Debug().Str("device_id", deviceID).Msg("Device not connected")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to marshal payload")
		return false
	}

	if err := handle.Send(data); err != nil {
		r.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Write to device failed, dropping connection")
		r.Unregister(deviceID, handle)
		return false
	}
	return true
}
