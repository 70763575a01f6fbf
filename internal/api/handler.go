// Package api exposes the hub's operator HTTP endpoints and the device websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/services"
	"github.com/benmeehan/hoas-hub/pkg/transport"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DevicePairer issues credentials for new devices and lists paired ones.
type DevicePairer interface {
	Pair(ctx context.Context, displayName string, metadata json.RawMessage) (models.PairingResponse, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// CommandDispatcher creates commands and serves command history.
type CommandDispatcher interface {
	CreateAndDispatch(ctx context.Context, deviceID, name string, params json.RawMessage) (models.DispatchResult, error)
	ListCommands(ctx context.Context) ([]models.Command, error)
	ListCommandsForDevice(ctx context.Context, deviceID string) ([]models.Command, error)
	ListReachableDeviceIDs() map[string]struct{}
}

// SessionHandler runs an accepted device websocket until it closes.
type SessionHandler interface {
	HandleSession(ctx context.Context, token, clientVersion string, conn services.Conn) error
}

// Handler serves the hub API.
type Handler struct {
	pairing  DevicePairer
	commands CommandDispatcher
	sessions SessionHandler

	upgrader  websocket.Upgrader
	wsOptions transport.Options
	logger    zerolog.Logger
}

type pairRequest struct {
	ChildName string          `json:"child_name"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type deviceItem struct {
	models.Device
	Online bool `json:"online"`
}

// NewHandler initializes a new Handler.
func NewHandler(pairing DevicePairer, commands CommandDispatcher, sessions SessionHandler, wsOptions transport.Options, logger zerolog.Logger) *Handler {
	return &Handler{
		pairing:   pairing,
		commands:  commands,
		sessions:  sessions,
		upgrader:  transport.NewUpgrader(),
		wsOptions: wsOptions,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "service": "HOAS"})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Pair accepts child_name either in a JSON body or as a query parameter.
func (h *Handler) Pair(c *gin.Context) {
	var req pairRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ChildName == "" {
		req.ChildName = c.Query("child_name")
	}

	resp, err := h.pairing.Pair(c.Request.Context(), req.ChildName, req.Metadata)
	if err != nil {
		if errors.Is(err, services.ErrDisplayNameRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "child_name is required"})
			return
		}
		h.logger.Error().Err(err).Msg("Failed to pair device")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to pair device"})
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.pairing.ListDevices(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	online := h.commands.ListReachableDeviceIDs()
	items := make([]deviceItem, 0, len(devices))
	for _, device := range devices {
		_, ok := online[device.DeviceID]
		items = append(items, deviceItem{Device: device, Online: ok})
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) ListCommands(c *gin.Context) {
	cmds, err := h.commands.ListCommands(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list commands")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list commands"})
		return
	}
	c.JSON(http.StatusOK, nonNil(cmds))
}

func (h *Handler) ListDeviceCommands(c *gin.Context) {
	deviceID := c.Param("device_id")
	cmds, err := h.commands.ListCommandsForDevice(c.Request.Context(), deviceID)
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to list device commands")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list commands"})
		return
	}
	c.JSON(http.StatusOK, nonNil(cmds))
}

// DispatchCommand accepts {"name","params"} in the body, or name as a query parameter.
func (h *Handler) DispatchCommand(c *gin.Context) {
	deviceID := c.Param("device_id")

	var req models.CmdRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		req.Name = c.Query("name")
	}

	result, err := h.commands.CreateAndDispatch(c.Request.Context(), deviceID, req.Name, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDeviceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		case errors.Is(err, services.ErrInvalidCommand):
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		default:
			h.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to dispatch command")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch command"})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ListClients(c *gin.Context) {
	ids := h.commands.ListReachableDeviceIDs()
	clients := make([]string, 0, len(ids))
	for id := range ids {
		clients = append(clients, id)
	}
	sort.Strings(clients)
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

// Websocket upgrades a device connection and runs its session. Token checks
// happen after the upgrade so rejected devices see only a closed socket.
func (h *Handler) Websocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	wsConn := transport.NewWSConn(conn, h.wsOptions)
	err = h.sessions.HandleSession(c.Request.Context(), c.Query("token"), c.Query("version"), wsConn)
	if err != nil && !errors.Is(err, services.ErrUnauthorized) {
		h.logger.Error().Err(err).Msg("Device session failed")
	}
}

func bindOptionalJSON(c *gin.Context, target any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if ct := c.ContentType(); ct != "" && !strings.Contains(ct, "json") {
		return nil
	}
	if err := c.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func nonNil(cmds []models.Command) []models.Command {
	if cmds == nil {
		return []models.Command{}
	}
	return cmds
}
