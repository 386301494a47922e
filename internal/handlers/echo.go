package handlers

import (
	"context"
	"fmt"
	"net/http"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/config"
	"github.com/Dashron/roads-server/internal/logger"
)

// EchoResponse is the body an Echo route returns.
type EchoResponse struct {
	Method  string        `json:"method"`
	Path    string        `json:"path"`
	Headers roads.Headers `json:"headers"`
	Body    *string       `json:"body"`
}

// Echo returns the request it received.
type Echo struct {
	route config.Route
	log   *logger.Logger
}

// NewEcho is the HandlerFactory for EchoHandlerType.
func NewEcho(route config.Route, lg *logger.Logger) (roads.Road, error) {
	if lg == nil {
		return nil, fmt.Errorf("echo: logger cannot be nil")
	}
	return &Echo{route: route, log: lg}, nil
}

func (e *Echo) Request(_ context.Context, method, path string, body *string, headers roads.Headers) (*roads.Response, error) {
	e.log.Debug("Echo handler invoked", logger.LogFields{
		"method":  method,
		"path":    path,
		"pattern": e.route.PathPattern,
		"hasBody": body != nil,
	})
	return roads.NewResponse(http.StatusOK, EchoResponse{
		Method:  method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}), nil
}
