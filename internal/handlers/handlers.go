// Package handlers provides the built-in handler types for config-driven routes.
package handlers

import (
	"github.com/Dashron/roads-server/internal/router"
)

const (
	// EchoHandlerType reflects the request back as JSON.
	EchoHandlerType = "Echo"
	// StaticHandlerType answers with a fixed status, header set and body.
	StaticHandlerType = "Static"
)

// RegisterBuiltins adds the Echo and Static factories to registry.
func RegisterBuiltins(registry *router.HandlerRegistry) error {
	if err := registry.Register(EchoHandlerType, NewEcho); err != nil {
		return err
	}
	return registry.Register(StaticHandlerType, NewStatic)
}
