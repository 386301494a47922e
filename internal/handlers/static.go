package handlers

import (
	"context"
	"fmt"
	"net/http"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/config"
	"github.com/Dashron/roads-server/internal/logger"
)

// Static answers every request with the route's configured response.
type Static struct {
	status  int
	headers roads.Headers
	body    *string
}

// NewStatic is the HandlerFactory for StaticHandlerType. Status defaults to 200.
func NewStatic(route config.Route, lg *logger.Logger) (roads.Road, error) {
	if lg == nil {
		return nil, fmt.Errorf("static: logger cannot be nil")
	}
	status := http.StatusOK
	if route.Status != nil {
		status = *route.Status
	}
	if !roads.ValidStatus(status) {
		return nil, fmt.Errorf("static: status %d for path_pattern '%s' is not a valid final status", status, route.PathPattern)
	}
	headers := make(roads.Headers, len(route.Headers))
	for k, v := range route.Headers {
		headers.Set(k, v)
	}
	return &Static{status: status, headers: headers, body: route.Body}, nil
}

func (s *Static) Request(context.Context, string, string, *string, roads.Headers) (*roads.Response, error) {
	resp := &roads.Response{Status: s.status, Headers: s.headers.Clone()}
	if s.body != nil {
		resp.Body = *s.body
	}
	return resp, nil
}
