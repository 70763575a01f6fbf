package service_registry

// Service is the lifecycle contract for every long-running hub component.
type Service interface {
	Start() error
	Stop() error
}
