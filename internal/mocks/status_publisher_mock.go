package mocks

import (
	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockStatusPublisher is a mock implementation of the StatusPublisher interface
type MockStatusPublisher struct {
	mock.Mock
}

func (m *MockStatusPublisher) PublishAvailability(deviceID string, online bool) {
	m.Called(deviceID, online)
}

func (m *MockStatusPublisher) PublishCommandStatus(event models.CommandEvent) {
	m.Called(event)
}
