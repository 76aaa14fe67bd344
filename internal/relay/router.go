package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crawl-progress-client/config"
	"crawl-progress-client/internal/logger"
	"crawl-progress-client/internal/metrics"
	"crawl-progress-client/internal/stats"
)

const publishTimeout = 5 * time.Second

// Route forwards destinations matching Pattern to Sink. Pattern segments are separated by
// '/', '+' matches exactly one segment and a trailing '#' matches the rest.
type Route struct {
	Pattern string
	Sink    string
	// Topic is the target topic; {destination} is replaced by the message destination.
	// Empty means the destination itself.
	Topic string
}

// Target renders the topic for destination.
func (r *Route) Target(destination string) string {
	if r.Topic == "" {
		return destination
	}
	return strings.ReplaceAll(r.Topic, "{destination}", destination)
}

// routeNode is one segment of the pattern tree
type routeNode struct {
	routes   []*Route
	children map[string]*routeNode
}

func newRouteNode() *routeNode {
	return &routeNode{children: make(map[string]*routeNode)}
}

// Router matches destinations against routes and publishes to their sinks.
type Router struct {
	mu      sync.RWMutex
	root    *routeNode
	sinks   map[string]Sink
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector
}

// NewRouter creates a router over the given sinks
func NewRouter(log *logger.Logger, m *metrics.Metrics, s *stats.StatsCollector, sinks ...Sink) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	r := &Router{
		root:    newRouteNode(),
		sinks:   make(map[string]Sink),
		logger:  log,
		metrics: m,
		stats:   s,
	}
	for _, sink := range sinks {
		r.sinks[sink.Name()] = sink
	}
	return r
}

// NewRouterFromConfig connects the enabled sinks and loads the configured routes.
func NewRouterFromConfig(cfg config.RelayConfig, log *logger.Logger, m *metrics.Metrics, s *stats.StatsCollector) (*Router, error) {
	sinks := []Sink{NewLogSink(log)}

	if cfg.MQTT.Enabled {
		sink, err := NewMQTTSink(cfg.MQTT, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.NATS.Enabled {
		sink, err := NewNATSSink(cfg.NATS, log)
		if err != nil {
			for _, opened := range sinks {
				_ = opened.Close()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	r := NewRouter(log, m, s, sinks...)
	for _, rc := range cfg.Routes {
		if err := r.AddRoute(&Route{Pattern: rc.Destination, Sink: rc.Sink, Topic: rc.Topic}); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	return r, nil
}

// AddRoute validates and registers a route
func (r *Router) AddRoute(route *Route) error {
	if route == nil || route.Pattern == "" {
		return fmt.Errorf("invalid route or empty pattern")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sinks[route.Sink]; !ok {
		return fmt.Errorf("unknown sink %q for route %s", route.Sink, route.Pattern)
	}

	segments := strings.Split(route.Pattern, "/")
	current := r.root
	for i, segment := range segments {
		isLast := i == len(segments)-1
		if segment == "#" && !isLast {
			return fmt.Errorf("multi-level wildcard (#) must be the last segment")
		}
		if (strings.Contains(segment, "+") && segment != "+") || (strings.Contains(segment, "#") && segment != "#") {
			return fmt.Errorf("wildcards must be the entire segment: %s", segment)
		}

		next, exists := current.children[segment]
		if !exists {
			next = newRouteNode()
			current.children[segment] = next
		}
		current = next
	}
	current.routes = append(current.routes, route)

	r.logger.Debug("added relay route",
		"pattern", route.Pattern,
		"sink", route.Sink,
		"topic", route.Topic)
	return nil
}

// Match returns the routes for destination
func (r *Router) Match(destination string) []*Route {
	if destination == "" {
		return nil
	}
	segments := strings.Split(destination, "/")

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Route
	r.match(r.root, segments, 0, &matches)
	return matches
}

func (r *Router) match(node *routeNode, segments []string, depth int, matches *[]*Route) {
	// '#' also matches zero remaining segments
	if child, ok := node.children["#"]; ok {
		*matches = append(*matches, child.routes...)
	}

	if depth == len(segments) {
		*matches = append(*matches, node.routes...)
		return
	}

	if child, ok := node.children[segments[depth]]; ok {
		r.match(child, segments, depth+1, matches)
	}
	if child, ok := node.children["+"]; ok {
		r.match(child, segments, depth+1, matches)
	}
}

// Relay publishes payload to every route matching destination and returns how many succeeded.
func (r *Router) Relay(ctx context.Context, destination string, payload []byte) (int, error) {
	routes := r.Match(destination)
	if len(routes) == 0 {
		return 0, nil
	}

	var errs []error
	delivered := 0
	for _, route := range routes {
		r.mu.RLock()
		sink := r.sinks[route.Sink]
		r.mu.RUnlock()

		topic := route.Target(destination)
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := sink.Publish(pctx, topic, payload)
		cancel()

		if err != nil {
			r.logger.Error("failed to relay message",
				"sink", sink.Name(),
				"destination", destination,
				"topic", topic,
				"error", err)
			if r.metrics != nil {
				r.metrics.IncRelayTotal(sink.Name(), "error")
			}
			if r.stats != nil {
				r.stats.IncErrors()
			}
			errs = append(errs, err)
			continue
		}

		delivered++
		if r.metrics != nil {
			r.metrics.IncRelayTotal(sink.Name(), "success")
		}
		if r.stats != nil {
			r.stats.IncRelayed()
		}
	}
	return delivered, errors.Join(errs...)
}

// Close closes every sink
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
