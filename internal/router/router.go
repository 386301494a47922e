// Package router is a config-driven Road that dispatches on the request path.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	roads "github.com/Dashron/roads-server"
	"github.com/Dashron/roads-server/internal/config"
	"github.com/Dashron/roads-server/internal/logger"
)

type entry struct {
	route config.Route
	road  roads.Road
}

// Router holds the routing table. Exact routes take precedence over prefix
// routes, and among prefix routes the longest pattern wins.
type Router struct {
	exactRoutes map[string]entry

	// sorted by PathPattern length, longest first
	prefixRoutes []entry

	log *logger.Logger
}

// NewRouter instantiates a handler for every route up front, so a route whose
// handler cannot be built fails at startup rather than per request.
func NewRouter(routes []config.Route, registry *HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{
		exactRoutes: make(map[string]entry),
		log:         lg,
	}
	for _, route := range routes {
		road, err := registry.CreateHandler(route, lg)
		if err != nil {
			return nil, fmt.Errorf("failed to create handler for path_pattern '%s': %w", route.PathPattern, err)
		}
		e := entry{route: route, road: road}
		switch route.MatchType {
		case config.MatchTypeExact:
			r.exactRoutes[route.PathPattern] = e
		case config.MatchTypePrefix:
			r.prefixRoutes = append(r.prefixRoutes, e)
		default:
			return nil, fmt.Errorf("unknown match_type '%s' for path_pattern '%s'", route.MatchType, route.PathPattern)
		}
	}

	sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
		return len(r.prefixRoutes[i].route.PathPattern) > len(r.prefixRoutes[j].route.PathPattern)
	})
	return r, nil
}

// Match returns the route and handler for path, which must not carry a query
// string. Both are nil when nothing matches.
func (r *Router) Match(path string) (*config.Route, roads.Road) {
	if e, ok := r.exactRoutes[path]; ok {
		return &e.route, e.road
	}
	for i := range r.prefixRoutes {
		e := &r.prefixRoutes[i]
		if strings.HasPrefix(path, e.route.PathPattern) {
			return &e.route, e.road
		}
	}
	return nil, nil
}

// NotFoundResponse is sent for paths no route matches.
func NotFoundResponse() *roads.Response {
	return roads.NewResponse(http.StatusNotFound, map[string]string{"error": "Not Found"})
}

// Request implements roads.Road.
func (r *Router) Request(ctx context.Context, method, path string, body *string, headers roads.Headers) (*roads.Response, error) {
	routePath := path
	if i := strings.IndexByte(routePath, '?'); i >= 0 {
		routePath = routePath[:i]
	}

	route, road := r.Match(routePath)
	if road == nil {
		r.log.Info("No route matched for request", logger.LogFields{
			"method": method,
			"path":   routePath,
		})
		return NotFoundResponse(), nil
	}
	r.log.Debug("Route matched", logger.LogFields{
		"path":        routePath,
		"pattern":     route.PathPattern,
		"handlerType": route.HandlerType,
	})
	return road.Request(ctx, method, path, body, headers)
}
