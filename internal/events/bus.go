package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrEndpointExists   = errors.New("endpoint already registered")
	ErrInvalidTopic     = errors.New("invalid topic")
)

// Handler receives every event published on a topic matching its pattern.
// Handlers run on the publisher's call stack and must not block.
type Handler func(topic string, ev Event) error

// RequestHandler serves a single endpoint.
type RequestHandler func(ctx context.Context, req any) (any, error)

// Command is executed inline by Send.
type Command interface {
	Name() string
	Execute() error
}

type funcCommand struct {
	name string
	fn   func() error
}

func (c funcCommand) Name() string   { return c.name }
func (c funcCommand) Execute() error { return c.fn() }

// NewCommand wraps fn as a named Command.
func NewCommand(name string, fn func() error) Command {
	return funcCommand{name: name, fn: fn}
}

type SubscriptionHandle uint64

// HandlerError reports a subscriber failure (returned error or recovered panic).
type HandlerError struct {
	Topic   string
	Pattern string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q on %q: %v", e.Pattern, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type RouterOptions struct {
	// StrictEndpoints makes re-registering an endpoint an error instead of
	// replacing the previous handler.
	StrictEndpoints bool
	Logger          *zerolog.Logger
}

type subscription struct {
	id       SubscriptionHandle
	pattern  string
	segments []string
	handler  Handler
}

// Router is a topic pub/sub bus plus a request/response endpoint registry and
// a command sink. It is not safe for concurrent use: it belongs to the event
// loop goroutine, which provides mutual exclusion.
type Router struct {
	opts      RouterOptions
	log       zerolog.Logger
	subs      []subscription
	nextID    SubscriptionHandle
	endpoints map[string]RequestHandler

	published     uint64
	handlerErrors uint64
	requests      uint64
	commands      uint64
}

type RouterStats struct {
	Subscriptions int    `json:"subscriptions"`
	Endpoints     int    `json:"endpoints"`
	Published     uint64 `json:"published"`
	HandlerErrors uint64 `json:"handler_errors"`
	Requests      uint64 `json:"requests"`
	Commands      uint64 `json:"commands"`
}

func NewRouter(opts RouterOptions) *Router {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Router{
		opts:      opts,
		log:       log,
		endpoints: make(map[string]RequestHandler),
	}
}

// Subscribe installs handler for every topic matching pattern.
func (r *Router) Subscribe(pattern string, handler Handler) (SubscriptionHandle, error) {
	segs, err := splitTopic(pattern)
	if err != nil {
		return 0, err
	}
	if handler == nil {
		return 0, fmt.Errorf("subscribe %q: nil handler", pattern)
	}
	r.nextID++
	r.subs = append(r.subs, subscription{id: r.nextID, pattern: pattern, segments: segs, handler: handler})
	r.log.Debug().Str("pattern", pattern).Uint64("handle", uint64(r.nextID)).Msg("router: subscribed")
	return r.nextID, nil
}

// Unsubscribe removes the subscription. Unknown handles are ignored.
// A publish already in progress keeps dispatching to its snapshot.
func (r *Router) Unsubscribe(h SubscriptionHandle) {
	for i, s := range r.subs {
		if s.id != h {
			continue
		}
		next := make([]subscription, 0, len(r.subs)-1)
		next = append(next, r.subs[:i]...)
		next = append(next, r.subs[i+1:]...)
		r.subs = next
		return
	}
}

// Publish dispatches ev to all matching subscribers in subscription order.
// Every subscriber runs even if an earlier one fails; failures are joined
// into the returned error.
func (r *Router) Publish(topic string, ev Event) error {
	segs, err := splitTopic(topic)
	if err != nil {
		return err
	}
	for _, s := range segs {
		if s == "*" {
			return fmt.Errorf("%w: wildcard in published topic %q", ErrInvalidTopic, topic)
		}
	}
	r.published++

	var errs []error
	subs := r.subs
	for i := range subs {
		sub := subs[i]
		if !matchSegments(sub.segments, segs) {
			continue
		}
		if err := r.dispatch(sub, topic, ev); err != nil {
			r.handlerErrors++
			r.log.Warn().Err(err).Str("topic", topic).Msg("router: handler failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) dispatch(sub subscription, topic string, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &HandlerError{Topic: topic, Pattern: sub.pattern, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if herr := sub.handler(topic, ev); herr != nil {
		return &HandlerError{Topic: topic, Pattern: sub.pattern, Err: herr}
	}
	return nil
}

// Register binds handler to endpoint.
func (r *Router) Register(endpoint string, handler RequestHandler) error {
	if _, err := splitTopic(endpoint); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("register %q: nil handler", endpoint)
	}
	if _, exists := r.endpoints[endpoint]; exists {
		if r.opts.StrictEndpoints {
			return fmt.Errorf("%w: %s", ErrEndpointExists, endpoint)
		}
		r.log.Warn().Str("endpoint", endpoint).Msg("router: endpoint handler replaced")
	}
	r.endpoints[endpoint] = handler
	return nil
}

func (r *Router) Unregister(endpoint string) {
	delete(r.endpoints, endpoint)
}

// Request calls the handler registered for endpoint.
func (r *Router) Request(ctx context.Context, endpoint string, req any) (resp any, err error) {
	h, ok := r.endpoints[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint)
	}
	r.requests++
	defer func() {
		if rec := recover(); rec != nil {
			resp, err = nil, fmt.Errorf("endpoint %s: panic: %v", endpoint, rec)
		}
	}()
	return h(ctx, req)
}

// Send executes cmd immediately on the caller's stack.
func (r *Router) Send(cmd Command) error {
	r.commands++
	if err := cmd.Execute(); err != nil {
		return fmt.Errorf("command %s: %w", cmd.Name(), err)
	}
	return nil
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		Subscriptions: len(r.subs),
		Endpoints:     len(r.endpoints),
		Published:     r.published,
		HandlerErrors: r.handlerErrors,
		Requests:      r.requests,
		Commands:      r.commands,
	}
}

// Match reports whether topic matches pattern. "*" matches exactly one
// segment; segment counts must be equal.
func Match(pattern, topic string) bool {
	p, err := splitTopic(pattern)
	if err != nil {
		return false
	}
	t, err := splitTopic(topic)
	if err != nil {
		return false
	}
	return matchSegments(p, t)
}

func matchSegments(pattern, topic []string) bool {
	if len(pattern) != len(topic) {
		return false
	}
	for i, seg := range pattern {
		if seg != "*" && seg != topic[i] {
			return false
		}
	}
	return true
}

func splitTopic(topic string) ([]string, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	segs := strings.Split(topic, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidTopic, topic)
		}
	}
	return segs, nil
}
