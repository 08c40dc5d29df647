package mockxhr

// Event is delivered to listeners and on-event handlers.
type Event struct {
	// Type is the event name.
	Type string
	// Target is the request the event is delivered on. Transports leave it
	// nil; the request fills it in when forwarding.
	Target *Request
	// Loaded and Total describe body progress for progress, load and loadend
	// events. Total is -1 when unknown.
	Loaded int64
	Total  int64
	// Err is the cause of error events.
	Err error
}

// EventHandler handles an [Event].
type EventHandler func(ev *Event)

// Listener is a registered event listener. It is returned by
// [Request.AddEventListener] and identifies the registration for
// [Request.RemoveEventListener].
type Listener struct {
	fn EventHandler
}

// completionEvents is the order in which a finished request reports itself.
var completionEvents = []string{
	EventReadyStateChange,
	EventProgress,
	EventLoad,
	EventLoadEnd,
}

// eventTable holds listener lists and on-event handlers per event name. It is
// guarded by the owning request's mutex.
type eventTable struct {
	listeners map[string][]*Listener
	handlers  map[string]EventHandler
}

func newEventTable() eventTable {
	return eventTable{
		listeners: make(map[string][]*Listener),
		handlers:  make(map[string]EventHandler),
	}
}

func (t *eventTable) add(name string, l *Listener) {
	t.listeners[name] = append(t.listeners[name], l)
}

func (t *eventTable) remove(name string, l *Listener) {
	ls := t.listeners[name]
	for i, have := range ls {
		if have == l {
			t.listeners[name] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// snapshot returns the callbacks for name in call order: listeners in
// registration order, then the on-event handler.
func (t *eventTable) snapshot(name string) []EventHandler {
	ls := t.listeners[name]
	fns := make([]EventHandler, 0, len(ls)+1)
	for _, l := range ls {
		fns = append(fns, l.fn)
	}
	if h := t.handlers[name]; h != nil {
		fns = append(fns, h)
	}
	return fns
}

// AddEventListener registers fn for the named event. Listeners run in
// registration order, before the on-event handler.
func (r *Request) AddEventListener(name string, fn EventHandler) *Listener {
	l := &Listener{fn: fn}
	r.mu.Lock()
	r.events.add(name, l)
	r.mu.Unlock()
	return l
}

// RemoveEventListener unregisters l. Unknown listeners are ignored.
func (r *Request) RemoveEventListener(name string, l *Listener) {
	r.mu.Lock()
	r.events.remove(name, l)
	r.mu.Unlock()
}

// SetOn assigns the on-event handler for name, as in onload = fn. A nil fn
// clears it.
func (r *Request) SetOn(name string, fn EventHandler) {
	r.mu.Lock()
	if fn == nil {
		delete(r.events.handlers, name)
	} else {
		r.events.handlers[name] = fn
	}
	r.mu.Unlock()
}

// On returns the on-event handler for name, or nil.
func (r *Request) On(name string) EventHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events.handlers[name]
}

// dispatch calls every callback registered for ev.Type. It must be called
// without r.mu held.
func (r *Request) dispatch(ev *Event) {
	ev.Target = r

	r.mu.Lock()
	fns := r.events.snapshot(ev.Type)
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// forwarder returns the transport handler for name.
func (r *Request) forwarder(name string) func(Event) {
	return func(ev Event) {
		ev.Type = name
		r.observe(name)
		r.dispatch(&ev)
	}
}
