// Package xhrtest provides deterministic doubles for exercising
// mockxhr requests: a recording transport, a manual scheduler and a resolver
// that runs dynamic fixtures on that scheduler.
package xhrtest

import (
	"slices"
	"sync"
	"time"

	mockxhr "libdb.so/go-mockxhr"
)

// Call is one method call observed by [Transport].
type Call struct {
	Op     string // open, header, send or abort
	Method string
	URL    string
	Async  bool
	Name   string
	Value  string
	Body   []byte
}

// Transport is a [mockxhr.Transport] that performs no I/O. It records calls
// and counts property writes, and lets tests emit events by hand.
type Transport struct {
	mu       sync.Mutex
	props    map[string]any
	handlers map[string]func(mockxhr.Event)
	calls    []Call
	writes   map[string]int
	headers  string
}

var _ mockxhr.Transport = (*Transport)(nil)

// NewTransport creates a new [Transport].
func NewTransport() *Transport {
	return &Transport{
		props:    make(map[string]any),
		handlers: make(map[string]func(mockxhr.Event)),
		writes:   make(map[string]int),
	}
}

// Factory returns a [mockxhr.TransportFactory] that always hands out t.
func (t *Transport) Factory() mockxhr.TransportFactory {
	return func() mockxhr.Transport { return t }
}

func (t *Transport) record(c Call) {
	t.mu.Lock()
	t.calls = append(t.calls, c)
	t.mu.Unlock()
}

// Open implements [mockxhr.Transport]. It records the call and stores the
// request properties without counting them as writes.
func (t *Transport) Open(method, url string, async bool) {
	t.mu.Lock()
	t.props[mockxhr.PropType] = method
	t.props[mockxhr.PropURL] = url
	t.props[mockxhr.PropAsync] = async
	t.props[mockxhr.PropReadyState] = mockxhr.Opened
	t.mu.Unlock()
	t.record(Call{Op: "open", Method: method, URL: url, Async: async})
}

// SetRequestHeader implements [mockxhr.Transport].
func (t *Transport) SetRequestHeader(name, value string) {
	t.record(Call{Op: "header", Name: name, Value: value})
}

// Send implements [mockxhr.Transport]. It only records the call.
func (t *Transport) Send(body []byte) {
	t.record(Call{Op: "send", Body: body})
}

// Abort implements [mockxhr.Transport]. It only records the call.
func (t *Transport) Abort() {
	t.record(Call{Op: "abort"})
}

// GetAllResponseHeaders implements [mockxhr.Transport].
func (t *Transport) GetAllResponseHeaders() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.headers
}

// Property implements [mockxhr.Transport].
func (t *Transport) Property(name string) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.props[name]
}

// SetProperty implements [mockxhr.Transport]. Every call counts as a
// write, see [Transport.Writes].
func (t *Transport) SetProperty(name string, v any) {
	t.mu.Lock()
	t.props[name] = v
	t.writes[name]++
	t.mu.Unlock()
}

// SetEventHandler implements [mockxhr.Transport].
func (t *Transport) SetEventHandler(event string, fn func(mockxhr.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.handlers, event)
		return
	}
	t.handlers[event] = fn
}

// Calls returns the recorded calls in order.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.calls)
}

// Ops returns the Op of every recorded call in order.
func (t *Transport) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]string, len(t.calls))
	for i, c := range t.calls {
		ops[i] = c.Op
	}
	return ops
}

// Writes returns how many times SetProperty wrote name.
func (t *Transport) Writes(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes[name]
}

// Handles reports whether a handler is installed for event.
func (t *Transport) Handles(event string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers[event] != nil
}

// Emit calls the handler installed for ev.Type, if any.
func (t *Transport) Emit(ev mockxhr.Event) {
	t.mu.Lock()
	fn := t.handlers[ev.Type]
	t.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Respond fills in a response and emits the events of a successful load.
func (t *Transport) Respond(status int, statusText, body, headers string) {
	t.mu.Lock()
	t.props[mockxhr.PropStatus] = status
	t.props[mockxhr.PropStatusText] = statusText
	t.props[mockxhr.PropResponseText] = body
	t.props[mockxhr.PropReadyState] = mockxhr.Done
	t.headers = headers
	t.mu.Unlock()

	n := int64(len(body))
	t.Emit(mockxhr.Event{Type: mockxhr.EventReadyStateChange})
	t.Emit(mockxhr.Event{Type: mockxhr.EventProgress, Loaded: n, Total: n})
	t.Emit(mockxhr.Event{Type: mockxhr.EventLoad, Loaded: n, Total: n})
	t.Emit(mockxhr.Event{Type: mockxhr.EventLoadEnd, Loaded: n, Total: n})
}

// Timer is a callback scheduled on a [Scheduler].
type Timer struct {
	Delay time.Duration

	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

var _ mockxhr.Timer = (*Timer)(nil)

// Stop prevents the timer from firing. It reports whether the call stopped
// the timer.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Stopped reports whether Stop prevented the timer from firing.
func (t *Timer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Fire runs the callback on the calling goroutine unless the timer was
// stopped or already fired.
func (t *Timer) Fire() bool {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
	return true
}

// Scheduler hands out timers that only fire when told to.
type Scheduler struct {
	mu     sync.Mutex
	timers []*Timer
}

// AfterFunc matches the signature of [mockxhr.EngineOpts.AfterFunc].
func (s *Scheduler) AfterFunc(d time.Duration, f func()) mockxhr.Timer {
	t := &Timer{Delay: d, f: f}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return t
}

// Timers returns every timer scheduled so far.
func (s *Scheduler) Timers() []*Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.timers)
}

// FireAll fires every pending timer in scheduling order.
func (s *Scheduler) FireAll() {
	for _, t := range s.Timers() {
		t.Fire()
	}
}

// Resolver is a [mockxhr.Resolver] that runs dynamic fixtures on a
// [Scheduler] and records every settings record it resolves.
type Resolver struct {
	Match     func(s *mockxhr.Settings) mockxhr.Verdict
	Scheduler *Scheduler

	mu   sync.Mutex
	seen []*mockxhr.Settings
}

var _ mockxhr.Resolver = (*Resolver)(nil)

// Resolve implements [mockxhr.Resolver].
func (r *Resolver) Resolve(s *mockxhr.Settings) mockxhr.Verdict {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
	if r.Match == nil {
		return mockxhr.Passthrough()
	}
	return r.Match(s)
}

// InvokeDynamic implements [mockxhr.Resolver]. The fixture runs when its
// timer is fired on the [Scheduler].
func (r *Resolver) InvokeDynamic(s *mockxhr.Settings, v mockxhr.Verdict, done mockxhr.CompleteFunc) mockxhr.Timer {
	if v.Dynamic == nil {
		return nil
	}
	return r.Scheduler.AfterFunc(0, func() { v.Dynamic(s, done) })
}

// Seen returns the settings records resolved so far.
func (r *Resolver) Seen() []*mockxhr.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.seen)
}
