package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/store"
	"github.com/benmeehan/hoas-hub/pkg/auth"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultWSPath is the websocket path handed to newly paired devices.
	DefaultWSPath = "/ws"

	maxPairingAttempts = 3
)

// PairingService creates device records and issues their pairing tokens.
type PairingService struct {
	wsPath string

	store  store.Store
	logger zerolog.Logger

	nowFn   func() time.Time
	newIDFn func() string
	tokenFn func() (string, error)
}

// NewPairingService initializes a new PairingService.
func NewPairingService(st store.Store, wsPath string, logger zerolog.Logger) *PairingService {
	if wsPath == "" {
		wsPath = DefaultWSPath
	}
	return &PairingService{
		wsPath:  wsPath,
		store:   st,
		logger:  logger.With().Str("component", "pairing_service").Logger(),
		nowFn:   time.Now,
		newIDFn: uuid.NewString,
		tokenFn: auth.GeneratePairingToken,
	}
}

// Pair registers a new device named displayName and returns its credentials.
func (ps *PairingService) Pair(ctx context.Context, displayName string, metadata json.RawMessage) (models.PairingResponse, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return models.PairingResponse{}, ErrDisplayNameRequired
	}
	if isJSONNull(metadata) {
		metadata = nil
	}

	for attempt := 1; attempt <= maxPairingAttempts; attempt++ {
		token, err := ps.tokenFn()
		if err != nil {
			return models.PairingResponse{}, fmt.Errorf("failed to generate pairing token: %w", err)
		}

		device := models.Device{
			DeviceID:     ps.newIDFn(),
			DisplayName:  displayName,
			PairingToken: token,
			CreatedAt:    ps.nowFn().UTC(),
			Metadata:     metadata,
		}
		err = ps.store.InsertDevice(ctx, device)
		if err == nil {
			ps.logger.Info().Str("device_id", device.DeviceID).Str("display_name", displayName).Msg("Device paired")
			return models.PairingResponse{
				DeviceID: device.DeviceID,
				Token:    token,
				WSURL:    ps.wsPath,
			}, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.PairingResponse{}, fmt.Errorf("failed to store device: %w", err)
		}
		ps.logger.Warn().Int("attempt", attempt).Msg("Pairing credentials collided, retrying")
	}

	return models.PairingResponse{}, fmt.Errorf("failed to pair device after %d attempts: %w", maxPairingAttempts, store.ErrConflict)
}

// ListDevices returns every paired device.
func (ps *PairingService) ListDevices(ctx context.Context) ([]models.Device, error) {
	return ps.store.ListDevices(ctx)
}
