// Package mockxhr provides an asynchronous request object that can be
// answered by fixtures instead of the network.
//
// A [Request] behaves like the platform request object it stands in for:
// it is opened, configured with headers, sent, and reports its progress
// through readystatechange, progress, load and loadend events. When sent, the
// request is normalized into [Settings] and handed to a [Resolver], which may
// leave it alone (the request goes to the real [Transport]), re-target it,
// delay it, or answer it in-process with a dynamic fixture. Callers cannot
// tell these apart except by timing and content.
//
// Code built on net/http can use the same fixtures through
// [Engine.RoundTripper] or, process-wide, through [Install].
package mockxhr

import (
	"log/slog"
	"time"
)

// Engine creates requests that share a resolver, a transport factory and a
// name registry.
type Engine struct {
	resolver Resolver
	opts     EngineOpts
}

// EngineOpts holds optional parameters for configuring an [Engine].
type EngineOpts struct {
	// NewTransport creates the real transport behind each request. It
	// defaults to an [HTTPTransport] talking to [Native].
	NewTransport TransportFactory
	// Registry lists the events forwarded from the transport and the
	// properties proxied to it. It defaults to [DefaultRegistry].
	Registry *Registry
	// Logger receives dispatch diagnostics at debug level.
	Logger *slog.Logger
	// AfterFunc schedules delayed passthroughs. It defaults to
	// [time.AfterFunc].
	AfterFunc func(d time.Duration, f func()) Timer
}

// NewEngine creates a new engine resolving fixtures through resolver.
func NewEngine(resolver Resolver, opts *EngineOpts) *Engine {
	o := *use(opts, &EngineOpts{})
	o.Logger = use(o.Logger, slog.Default())
	if o.Registry == nil {
		o.Registry = DefaultRegistry()
	}
	if o.NewTransport == nil {
		o.NewTransport = func() Transport { return NewHTTPTransport(nil) }
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}

	return &Engine{
		resolver: resolver,
		opts:     o,
	}
}

func use[T any](v, otherwise *T) *T {
	if v != nil {
		return v
	}
	return otherwise
}

// Registry returns the registry requests of this engine use.
func (e *Engine) Registry() *Registry {
	return e.opts.Registry
}

// NewRequest creates a request backed by a fresh transport. Every event name
// in the registry is forwarded from the transport to the request.
func (e *Engine) NewRequest() *Request {
	t := e.opts.NewTransport()
	r := &Request{
		engine:    e,
		transport: t,
		backing:   backing{kind: backingTransport, transport: t},
		headers:   make(map[string]string),
		events:    newEventTable(),
	}
	for _, name := range e.opts.Registry.events {
		t.SetEventHandler(name, r.forwarder(name))
	}
	return r
}
