package mockxhr

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"libdb.so/go-mockxhr/ptr"
)

type requestState int

const (
	stateUnopened requestState = iota
	stateIdle
	stateSent
	stateCompleted
	stateAborted
)

// Request is an asynchronous request object whose response may come from a
// fixture or from the network. Create one with [Engine.NewRequest].
//
// All methods are safe for concurrent use. Event callbacks run on whichever
// goroutine completes the request and never with internal locks held.
type Request struct {
	engine    *Engine
	transport Transport

	mu      sync.Mutex
	backing backing
	headers map[string]string
	events  eventTable
	state   requestState
	// waiting is set while a delayed or dynamic dispatch has not yet fired.
	waiting bool
	timer   Timer
	// gen is bumped on every send and abort; callbacks scheduled under an
	// older generation are dropped.
	gen uint64
	// dispatching is the generation whose passthrough is between its gen
	// check and transport.Send. Zero when none.
	dispatching uint64
	// inflight is the generation whose passthrough reached the transport.
	inflight uint64
}

// Open prepares the request. The method, url and async flag are stored on
// the backing object as the type, url and async properties. Open fails with
// [ErrInvalidState] while a send is in flight or once a dynamic fixture has
// answered the request.
func (r *Request) Open(method, url string, async bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateSent || r.backing.kind == backingSynthetic {
		return fmt.Errorf("open: %w", ErrInvalidState)
	}

	r.backing.set(PropType, method)
	r.backing.set(PropURL, url)
	r.backing.set(PropAsync, async)
	r.state = stateIdle
	return nil
}

// SetRequestHeader sets a request header. Headers are matched against
// fixtures and replayed onto the transport on passthrough.
func (r *Request) SetRequestHeader(name, value string) {
	r.mu.Lock()
	r.headers[name] = value
	r.mu.Unlock()
}

// Send normalizes the request, resolves it against the engine's fixtures and
// dispatches it. For async requests Send returns before any response event
// is delivered. body is passed to the transport unmodified.
func (r *Request) Send(body []byte) error {
	r.mu.Lock()
	if r.state != stateIdle {
		r.mu.Unlock()
		return fmt.Errorf("send: %w", ErrInvalidState)
	}
	r.state = stateSent
	r.gen++
	gen := r.gen
	s := Normalize(
		asString(r.backing.get(PropType)),
		asString(r.backing.get(PropURL)),
		maps.Clone(r.headers),
		body,
		asBool(r.backing.get(PropAsync), true),
	)
	s.Request = r
	r.mu.Unlock()

	r.dispatchVerdict(gen, s, r.engine.resolver.Resolve(s))
	return nil
}

func (r *Request) dispatchVerdict(gen uint64, s *Settings, v Verdict) {
	slog := r.engine.opts.Logger

	switch {
	case v.Kind == VerdictDynamic && v.Dynamic != nil:
		slog.Debug(
			"fixture dynamic",
			"method", s.Method,
			"url", s.URL)

		r.wait(gen)
		r.keepTimer(gen, r.engine.resolver.InvokeDynamic(s, v, r.completer(gen)))

	case v.Kind == VerdictDelay:
		slog.Debug(
			"fixture delay",
			"url", s.URL,
			"delay", v.Delay)

		r.wait(gen)
		r.keepTimer(gen, r.engine.opts.AfterFunc(v.Delay, func() {
			if r.fire(gen) {
				r.passthrough(gen, s.Body)
			}
		}))

	case v.Kind == VerdictRedirect && v.Redirect != nil:
		fields := v.Redirect.fields()
		slog.Debug(
			"fixture redirect",
			"url", s.URL,
			"redirect_url", ptr.ValueOrDefault(v.Redirect.URL, s.URL))

		r.mu.Lock()
		if r.gen == gen {
			for _, name := range slices.Sorted(maps.Keys(fields)) {
				r.backing.set(name, fields[name])
			}
		}
		r.mu.Unlock()
		r.passthrough(gen, s.Body)

	default:
		slog.Debug(
			"passthrough",
			"method", s.Method,
			"url", s.URL)

		r.passthrough(gen, s.Body)
	}
}

// passthrough opens the transport with the backing object's type, url and
// async properties, replays the request headers and sends body. It does
// nothing if gen was aborted before it started. An abort that arrives while
// it is talking to the transport is applied once the send has been issued.
func (r *Request) passthrough(gen uint64, body []byte) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.dispatching = gen
	method := asString(r.backing.get(PropType))
	url := asString(r.backing.get(PropURL))
	async := asBool(r.backing.get(PropAsync), true)
	headers := maps.Clone(r.headers)
	r.mu.Unlock()

	r.transport.Open(method, url, async)
	for _, name := range slices.Sorted(maps.Keys(headers)) {
		r.transport.SetRequestHeader(name, headers[name])
	}
	r.transport.Send(body)

	r.mu.Lock()
	r.dispatching = 0
	aborted := r.gen != gen
	if !aborted {
		r.inflight = gen
	}
	r.mu.Unlock()

	if aborted {
		r.transport.Abort()
	}
}

func (r *Request) wait(gen uint64) {
	r.mu.Lock()
	if r.gen == gen {
		r.waiting = true
	}
	r.mu.Unlock()
}

// keepTimer records t as the pending timer unless the dispatch of gen has
// already fired or been aborted.
func (r *Request) keepTimer(gen uint64, t Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen && r.waiting {
		r.timer = t
	}
}

// fire claims the pending dispatch of gen. Only the first caller for a live
// generation gets true.
func (r *Request) fire(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || !r.waiting {
		return false
	}
	r.waiting = false
	r.timer = nil
	return true
}

func (r *Request) completer(gen uint64) CompleteFunc {
	return func(status int, body any, headers map[string]string, statusText string) {
		if r.fire(gen) {
			r.complete(gen, status, body, headers, statusText)
		}
	}
}

// complete swaps the backing object for a synthetic result and replays the
// completion events on the request, unless gen was aborted meanwhile.
func (r *Request) complete(gen uint64, status int, body any, headers map[string]string, statusText string) {
	text := r.encodeBody(body)

	if statusText == "" {
		if (status >= 200 && status < 300) || status == 304 {
			statusText = "OK"
		} else {
			statusText = "error"
		}
	}

	result := &syntheticResult{
		fields: map[string]any{
			PropReadyState:   Done,
			PropStatus:       status,
			PropStatusText:   statusText,
			PropResponseText: text,
		},
		headers: maps.Clone(headers),
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.backing = backing{kind: backingSynthetic, synthetic: result}
	r.state = stateCompleted
	r.mu.Unlock()

	n := int64(len(text))
	for _, name := range completionEvents {
		r.dispatch(&Event{Type: name, Loaded: n, Total: n})
	}
}

func (r *Request) encodeBody(body any) string {
	switch body := body.(type) {
	case nil:
		return ""
	case string:
		return body
	case []byte:
		return string(body)
	}

	b, err := json.Marshal(body)
	if err != nil {
		r.engine.opts.Logger.Warn(
			"cannot encode dynamic fixture body",
			"err", err)
		return ""
	}
	return string(b)
}

// observe tracks the lifecycle through events forwarded from the transport.
func (r *Request) observe(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateSent || r.waiting {
		return
	}
	switch name {
	case EventAbort:
		r.state = stateAborted
	case EventLoadEnd:
		r.state = stateCompleted
	}
}

// Abort cancels the request. A dispatch that has not reached the transport
// yet is cancelled, and the transport is then opened and sent with the
// stored method, url and async flag so that its own abort runs against an
// active request. A passthrough already talking to the transport aborts it
// as soon as its send is issued. Otherwise Abort forwards to the backing
// object.
func (r *Request) Abort() {
	r.mu.Lock()
	sent := r.state == stateSent
	pending := sent && r.inflight != r.gen && r.backing.kind == backingTransport
	dispatching := sent && r.dispatching == r.gen
	timer := r.timer
	if sent {
		r.state = stateAborted
	}
	r.waiting = false
	r.timer = nil
	r.gen++
	b := r.backing
	method := asString(b.get(PropType))
	url := asString(b.get(PropURL))
	async := asBool(b.get(PropAsync), true)
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	switch {
	case dispatching:
		return
	case !pending:
		b.abort()
		return
	}

	r.transport.Open(method, url, async)
	r.transport.Send(nil)
	r.transport.Abort()
}

// GetAllResponseHeaders returns the response headers of the live backing
// object as "name: value\r\n" lines.
func (r *Request) GetAllResponseHeaders() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backing.allResponseHeaders()
}

// GetResponseHeader always returns the empty string. Use
// [Request.GetAllResponseHeaders] to read response headers.
func (r *Request) GetResponseHeader(key string) string {
	return ""
}

// Get reads a property from the live backing object. It reports false for
// names outside the registry.
func (r *Request) Get(name string) (any, bool) {
	if !r.engine.opts.Registry.HasProperty(name) {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backing.get(name), true
}

// Set writes a property through to the live backing object. Writing the
// value a property already holds does not touch the backing object.
func (r *Request) Set(name string, v any) error {
	if !r.engine.opts.Registry.HasProperty(name) {
		return fmt.Errorf("%w: %q", ErrUnknownProperty, name)
	}
	r.mu.Lock()
	r.backing.setIfChanged(name, v)
	r.mu.Unlock()
	return nil
}

// Method returns the type property.
func (r *Request) Method() string { return r.getString(PropType) }

// URL returns the url property.
func (r *Request) URL() string { return r.getString(PropURL) }

// Status returns the status property, or 0 before a response.
func (r *Request) Status() int { return asInt(r.getAny(PropStatus)) }

// StatusText returns the statusText property.
func (r *Request) StatusText() string { return r.getString(PropStatusText) }

// ResponseText returns the responseText property.
func (r *Request) ResponseText() string { return r.getString(PropResponseText) }

// ResponseURL returns the responseURL property.
func (r *Request) ResponseURL() string { return r.getString(PropResponseURL) }

// ReadyState returns the readyState property.
func (r *Request) ReadyState() ReadyState { return ReadyState(asInt(r.getAny(PropReadyState))) }

func (r *Request) getAny(name string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backing.get(name)
}

func (r *Request) getString(name string) string {
	return asString(r.getAny(name))
}

func asString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func asInt(v any) int {
	switch v := v.(type) {
	case int:
		return v
	case ReadyState:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func asBool(v any, otherwise bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return otherwise
}
