package service_registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/benmeehan/hoas-hub/internal/api"
	"github.com/benmeehan/hoas-hub/internal/store/sqlite"
	"github.com/benmeehan/hoas-hub/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingService struct {
	name     string
	startErr error
	stopErr  error
	events   *[]string
}

func (s *recordingService) Start() error {
	*s.events = append(*s.events, "start:"+s.name)
	return s.startErr
}

func (s *recordingService) Stop() error {
	*s.events = append(*s.events, "stop:"+s.name)
	return s.stopErr
}

func TestServiceRegistry_StartStopOrder(t *testing.T) {
	// Setup
	var events []string
	sr := NewServiceRegistry(nil, nil, zerolog.Nop())
	sr.RegisterService("a", &recordingService{name: "a", events: &events})
	sr.RegisterService("b", &recordingService{name: "b", events: &events})
	sr.RegisterService("a", &recordingService{name: "dup", events: &events})

	// Execute
	require.NoError(t, sr.StartServices())
	require.NoError(t, sr.StopServices())

	// Assert
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, events)
}

func TestServiceRegistry_StartFailureRollsBack(t *testing.T) {
	// Setup
	var events []string
	sr := NewServiceRegistry(nil, nil, zerolog.Nop())
	sr.RegisterService("a", &recordingService{name: "a", events: &events})
	sr.RegisterService("b", &recordingService{name: "b", events: &events, startErr: errors.New("boom")})
	sr.RegisterService("c", &recordingService{name: "c", events: &events})

	// Execute
	err := sr.StartServices()

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")
	assert.Equal(t, []string{"start:a", "start:b", "stop:a"}, events)
}

func TestServiceRegistry_StopJoinsErrors(t *testing.T) {
	// Setup
	var events []string
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	sr := NewServiceRegistry(nil, nil, zerolog.Nop())
	sr.RegisterService("a", &recordingService{name: "a", events: &events, stopErr: errA})
	sr.RegisterService("b", &recordingService{name: "b", events: &events, stopErr: errB})

	// Execute
	err := sr.StopServices()

	// Assert
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestServiceRegistry_RegisterServicesServesHTTP(t *testing.T) {
	// Setup
	st, err := sqlite.Open(context.Background(), sqlite.Options{Path: filepath.Join(t.TempDir(), "hoas.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := utils.DefaultConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	sr := NewServiceRegistry(st, nil, zerolog.Nop())

	// Execute
	require.NoError(t, sr.RegisterServices(cfg))
	require.NoError(t, sr.StartServices())
	t.Cleanup(func() { _ = sr.StopServices() })

	// Assert
	_, hasPublisher := sr.Get("status_publisher")
	assert.False(t, hasPublisher)
	svc, ok := sr.Get("http")
	require.True(t, ok)
	server := svc.(*api.Server)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", server.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServiceRegistry_RegisterServicesRequiresMQTTClient(t *testing.T) {
	cfg := utils.DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "tcp://localhost:1883"
	sr := NewServiceRegistry(nil, nil, zerolog.Nop())

	assert.Error(t, sr.RegisterServices(cfg))
}

func TestServiceRegistry_RegisterServicesRejectsBadMinVersion(t *testing.T) {
	cfg := utils.DefaultConfig()
	cfg.Session.MinClientVersion = "not-a-version"
	sr := NewServiceRegistry(nil, nil, zerolog.Nop())

	assert.Error(t, sr.RegisterServices(cfg))
}
