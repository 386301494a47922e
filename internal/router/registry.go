package router

import (
	"fmt"
	"sync"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/config"
	"github.com/Dashron/roads-server/internal/logger"
)

// HandlerFactory builds the Road that serves one configured route.
type HandlerFactory func(route config.Route, lg *logger.Logger) (roads.Road, error)

// HandlerRegistry maps handler_type names to their factories.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register adds a factory. A handler type can only be registered once.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// CreateHandler instantiates the Road for route using its handler_type.
func (r *HandlerRegistry) CreateHandler(route config.Route, lg *logger.Logger) (roads.Road, error) {
	factory, ok := r.GetFactory(route.HandlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", route.HandlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", route.HandlerType)
	}
	return factory(route, lg)
}
