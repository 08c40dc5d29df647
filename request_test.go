package mockxhr_test

import (
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/neilotoole/slogt"

	mockxhr "libdb.so/go-mockxhr"
	"libdb.so/go-mockxhr/internal/xhrtest"
	"libdb.so/go-mockxhr/ptr"
)

type testEngine struct {
	*mockxhr.Engine
	transport *xhrtest.Transport
	scheduler *xhrtest.Scheduler
	resolver  *xhrtest.Resolver
}

func newTestEngine(t *testing.T, match func(s *mockxhr.Settings) mockxhr.Verdict) *testEngine {
	transport := xhrtest.NewTransport()
	scheduler := &xhrtest.Scheduler{}
	resolver := &xhrtest.Resolver{Match: match, Scheduler: scheduler}

	engine := mockxhr.NewEngine(resolver, &mockxhr.EngineOpts{
		NewTransport: transport.Factory(),
		Registry:     mockxhr.Discover(transport),
		Logger:       slogt.New(t),
		AfterFunc:    scheduler.AfterFunc,
	})

	return &testEngine{
		Engine:    engine,
		transport: transport,
		scheduler: scheduler,
		resolver:  resolver,
	}
}

func dynamic(status int, body any, headers map[string]string, statusText string) func(*mockxhr.Settings) mockxhr.Verdict {
	return func(*mockxhr.Settings) mockxhr.Verdict {
		return mockxhr.DynamicVerdict(func(s *mockxhr.Settings, done mockxhr.CompleteFunc) {
			done(status, body, headers, statusText)
		})
	}
}

// recordEvents registers a listener and an on-event handler for every
// completion event and returns the log they append to.
func recordEvents(req *mockxhr.Request) *[]string {
	var log []string
	for _, name := range []string{
		mockxhr.EventReadyStateChange,
		mockxhr.EventProgress,
		mockxhr.EventLoad,
		mockxhr.EventLoadEnd,
		mockxhr.EventAbort,
		mockxhr.EventError,
	} {
		req.AddEventListener(name, func(ev *mockxhr.Event) {
			log = append(log, "listener:"+ev.Type)
		})
		req.SetOn(name, func(ev *mockxhr.Event) {
			log = append(log, "on:"+ev.Type)
		})
	}
	return &log
}

func TestRequest_DynamicFixture(t *testing.T) {
	e := newTestEngine(t, func(s *mockxhr.Settings) mockxhr.Verdict {
		if s.Method == "post" && s.URL == "/orders" {
			return dynamic(201, map[string]any{"id": 7}, map[string]string{}, "")(s)
		}
		return mockxhr.Passthrough()
	})

	req := e.NewRequest()
	events := recordEvents(req)

	assert.NoError(t, req.Open("POST", "/orders", true))
	assert.NoError(t, req.Send([]byte(`{"qty":2}`)))

	// Nothing is delivered before the fixture's timer fires.
	assert.Equal(t, 0, len(*events))
	assert.Equal(t, 0, req.Status())

	e.scheduler.FireAll()

	assert.Equal(t, 201, req.Status())
	assert.Equal(t, "OK", req.StatusText())
	assert.Equal(t, `{"id":7}`, req.ResponseText())
	assert.Equal(t, mockxhr.Done, req.ReadyState())
	assert.Equal(t, []string{
		"listener:readystatechange", "on:readystatechange",
		"listener:progress", "on:progress",
		"listener:load", "on:load",
		"listener:loadend", "on:loadend",
	}, *events)

	seen := e.resolver.Seen()
	assert.Equal(t, 1, len(seen))
	assert.Equal(t, any(map[string]any{"qty": float64(2)}), seen[0].Data)
	assert.True(t, seen[0].Request == req)

	// The transport was never used.
	assert.Equal(t, 0, len(e.transport.Calls()))
}

func TestRequest_DynamicStatusText(t *testing.T) {
	tests := []struct {
		status     int
		statusText string
		want       string
	}{
		{200, "", "OK"},
		{204, "", "OK"},
		{299, "", "OK"},
		{304, "", "OK"},
		{300, "", "error"},
		{404, "", "error"},
		{500, "", "error"},
		{201, "Created", "Created"},
		{500, "Internal Server Error", "Internal Server Error"},
	}

	for _, test := range tests {
		t.Run(test.want, func(t *testing.T) {
			e := newTestEngine(t, dynamic(test.status, "payload", nil, test.statusText))

			req := e.NewRequest()
			assert.NoError(t, req.Open("GET", "/x", true))
			assert.NoError(t, req.Send(nil))
			e.scheduler.FireAll()

			assert.Equal(t, test.status, req.Status())
			assert.Equal(t, test.want, req.StatusText())
			assert.Equal(t, "payload", req.ResponseText())
		})
	}
}

func TestRequest_DynamicBodyEncoding(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"string", "plain", "plain"},
		{"bytes", []byte("raw"), "raw"},
		{"nil", nil, ""},
		{"list", []int{1, 2}, "[1,2]"},
		{"struct", struct {
			ID int `json:"id"`
		}{7}, `{"id":7}`},
		{"unencodable", make(chan int), ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			e := newTestEngine(t, dynamic(200, test.body, nil, ""))

			req := e.NewRequest()
			assert.NoError(t, req.Open("GET", "/x", true))
			assert.NoError(t, req.Send(nil))
			e.scheduler.FireAll()

			assert.Equal(t, test.want, req.ResponseText())
		})
	}
}

func TestRequest_DynamicHeaders(t *testing.T) {
	e := newTestEngine(t, dynamic(200, "{}", map[string]string{
		"X-Request-Id": "abc",
		"Content-Type": "application/json",
	}, ""))

	req := e.NewRequest()
	assert.NoError(t, req.Open("GET", "/x", true))
	assert.NoError(t, req.Send(nil))
	e.scheduler.FireAll()

	assert.Equal(t, "Content-Type: application/json\r\nX-Request-Id: abc\r\n", req.GetAllResponseHeaders())
	assert.Equal(t, "", req.GetResponseHeader("Content-Type"))
}

func TestRequest_RedirectFixture(t *testing.T) {
	e := newTestEngine(t, func(s *mockxhr.Settings) mockxhr.Verdict {
		if s.URL == "/users" {
			return mockxhr.RedirectVerdict(mockxhr.RedirectTo("/fixtures/users.json"))
		}
		return mockxhr.Passthrough()
	})

	req := e.NewRequest()
	assert.NoError(t, req.Open("GET", "/users?active=true", true))
	req.SetRequestHeader("Accept", "application/json")
	assert.NoError(t, req.Send(nil))

	seen := e.resolver.Seen()
	assert.Equal(t, 1, len(seen))
	assert.Equal(t, "/users", seen[0].URL)
	assert.Equal(t, any(map[string]any{"active": "true"}), seen[0].Data)

	assert.Equal(t, []xhrtest.Call{
		{Op: "open", Method: "GET", URL: "/fixtures/users.json", Async: true},
		{Op: "header", Name: "Accept", Value: "application/json"},
		{Op: "send"},
	}, e.transport.Calls())
	assert.Equal(t, "/fixtures/users.json", req.URL())
}

func TestRequest_RedirectFields(t *testing.T) {
	e := newTestEngine(t, func(s *mockxhr.Settings) mockxhr.Verdict {
		return mockxhr.RedirectVerdict(mockxhr.Redirect{
			URL:    ptr.To("/v2/items"),
			Method: ptr.To("PUT"),
			Async:  ptr.To(false),
			Fields: map[string]any{"responseType": "json"},
		})
	})

	req := e.NewRequest()
	assert.NoError(t, req.Open("POST", "/items", true))
	assert.NoError(t, req.Send([]byte("a=1")))

	assert.Equal(t, []xhrtest.Call{
		{Op: "open", Method: "PUT", URL: "/v2/items", Async: false},
		{Op: "send", Body: []byte("a=1")},
	}, e.transport.Calls())

	v, ok := req.Get(mockxhr.PropResponseType)
	assert.True(t, ok)
	assert.Equal(t, any("json"), v)
}

func TestRequest_Passthrough(t *testing.T) {
	e := newTestEngine(t, nil)

	req := e.NewRequest()
	events := recordEvents(req)

	var target *mockxhr.Request
	req.AddEventListener(mockxhr.EventLoad, func(ev *mockxhr.Event) { target = ev.Target })

	assert.NoError(t, req.Open("POST", "/orders", true))
	req.SetRequestHeader("X-B", "2")
	req.SetRequestHeader("X-A", "1")
	assert.NoError(t, req.Send([]byte(`{"qty":2}`)))

	assert.Equal(t, []xhrtest.Call{
		{Op: "open", Method: "POST", URL: "/orders", Async: true},
		{Op: "header", Name: "X-A", Value: "1"},
		{Op: "header", Name: "X-B", Value: "2"},
		{Op: "send", Body: []byte(`{"qty":2}`)},
	}, e.transport.Calls())

	e.transport.Respond(200, "OK", "done", "content-type: text/plain\r\n")

	assert.True(t, target == req)
	assert.Equal(t, 200, req.Status())
	assert.Equal(t, "OK", req.StatusText())
	assert.Equal(t, "done", req.ResponseText())
	assert.Equal(t, "content-type: text/plain\r\n", req.GetAllResponseHeaders())
	assert.Equal(t, []string{
		"listener:readystatechange", "on:readystatechange",
		"listener:progress", "on:progress",
		"listener:load", "on:load",
		"listener:loadend", "on:loadend",
	}, *events)

	// A finished request can be reopened and sent again.
	assert.NoError(t, req.Open("GET", "/orders", true))
	assert.NoError(t, req.Send(nil))
}

func TestRequest_ForwardsTransportErrors(t *testing.T) {
	e := newTestEngine(t, nil)

	req := e.NewRequest()
	events := recordEvents(req)

	assert.NoError(t, req.Open("GET", "/down", true))
	assert.NoError(t, req.Send(nil))

	e.transport.Emit(mockxhr.Event{Type: mockxhr.EventError})
	e.transport.Emit(mockxhr.Event{Type: mockxhr.EventLoadEnd})

	assert.Equal(t, []string{
		"listener:error", "on:error",
		"listener:loadend", "on:loadend",
	}, *events)
}

func TestRequest_DelayFixture(t *testing.T) {
	e := newTestEngine(t, func(s *mockxhr.Settings) mockxhr.Verdict {
		return mockxhr.DelayVerdict(500 * time.Millisecond)
	})

	req := e.NewRequest()
	assert.NoError(t, req.Open("GET", "/slow", true))
	assert.NoError(t, req.Send(nil))

	timers := e.scheduler.Timers()
	assert.Equal(t, 1, len(timers))
	assert.Equal(t, 500*time.Millisecond, timers[0].Delay)
	assert.Equal(t, 0, len(e.transport.Calls()))

	e.scheduler.FireAll()
	assert.Equal(t, []string{"open", "send"}, e.transport.Ops())
}

func TestRequest_AbortDelayed(t *testing.T) {
	e := newTestEngine(t, func(s *mockxhr.Settings) mockxhr.Verdict {
		return mockxhr.DelayVerdict(500 * time.Millisecond)
	})

	req := e.NewRequest()
	assert.NoError(t, req.Open("GET", "/slow?x=1", true))
	assert.NoError(t, req.Send(nil))

	req.Abort()

	timers := e.scheduler.Timers()
	assert.True(t, timers[0].Stopped())
	assert.Equal(t, []xhrtest.Call{
		{Op: "open", Method: "GET", URL: "/slow?x=1", Async: true},
		{Op: "send"},
		{Op: "abort"},
	}, e.transport.Calls())

	// The cancelled timer never sends.
	assert.False(t, timers[0].Fire())
	assert.Equal(t, 3, len(e.transport.Calls()))
}

func TestRequest_AbortDynamic(t *testing.T) {
	e := newTestEngine(t, dynamic(200, "late", nil, ""))

	req := e.NewRequest()
	events := recordEvents(req)

	assert.NoError(t, req.Open("GET", "/x", true))
	assert.NoError(t, req.Send(nil))
	req.Abort()

	assert.Equal(t, []string{"open", "send", "abort"}, e.transport.Ops())

	e.scheduler.FireAll()
	assert.Equal(t, 0, len(*events))
	assert.Equal(t, "", req.ResponseText())
}

func TestRequest_AbortDropsLateCompletion(t *testing.T) {
	var done mockxhr.CompleteFunc
	e := newTestEngine(t, func(s *mockxhr.Settings) mockxhr.Verdict {
		return mockxhr.DynamicVerdict(func(s *mockxhr.Settings, fn mockxhr.CompleteFunc) {
			done = fn
		})
	})

	req := e.NewRequest()
	events := recordEvents(req)

	assert.NoError(t, req.Open("GET", "/x", true))
	assert.NoError(t, req.Send(nil))

	// The fixture has started but not answered yet.
	e.scheduler.FireAll()
	assert.True(t, done != nil)

	req.Abort()
	assert.Equal(t, []string{"open", "send", "abort"}, e.transport.Ops())

	done(200, "too late", nil, "")
	assert.Equal(t, 0, len(*events))
	assert.Equal(t, 0, req.Status())
}

func TestRequest_AbortForwards(t *testing.T) {
	e := newTestEngine(t, nil)

	req := e.NewRequest()
	assert.NoError(t, req.Open("GET", "/x", true))
	assert.NoError(t, req.Send(nil))
	req.Abort()

	assert.Equal(t, []string{"open", "send", "abort"}, e.transport.Ops())
}

func TestRequest_AbortAfterDynamicCompletion(t *testing.T) {
	e := newTestEngine(t, dynamic(200, "ok", nil, ""))

	req := e.NewRequest()
	assert.NoError(t, req.Open("GET", "/x", true))
	assert.NoError(t, req.Send(nil))
	e.scheduler.FireAll()

	req.Abort()
	assert.Equal(t, 0, len(e.transport.Calls()))
	assert.Equal(t, "ok", req.ResponseText())
}

func TestRequest_SetSuppressesNoopWrites(t *testing.T) {
	e := newTestEngine(t, nil)
	req := e.NewRequest()

	assert.NoError(t, req.Set(mockxhr.PropStatus, 200))
	assert.NoError(t, req.Set(mockxhr.PropStatus, 200))
	assert.Equal(t, 1, e.transport.Writes(mockxhr.PropStatus))

	assert.NoError(t, req.Set(mockxhr.PropStatus, 404))
	assert.Equal(t, 2, e.transport.Writes(mockxhr.PropStatus))
	assert.Equal(t, 404, req.Status())

	err := req.Set("bogus", 1)
	assert.IsError(t, err, mockxhr.ErrUnknownProperty)

	_, ok := req.Get("bogus")
	assert.False(t, ok)
}

func TestRequest_SetOnSyntheticResult(t *testing.T) {
	e := newTestEngine(t, dynamic(200, "ok", nil, ""))

	req := e.NewRequest()
	assert.NoError(t, req.Open("GET", "/x", true))
	assert.NoError(t, req.Send(nil))
	e.scheduler.FireAll()

	writes := e.transport.Writes(mockxhr.PropStatusText)
	assert.NoError(t, req.Set(mockxhr.PropStatusText, "Fine"))
	assert.Equal(t, "Fine", req.StatusText())
	assert.Equal(t, writes, e.transport.Writes(mockxhr.PropStatusText))
}

func TestRequest_Listeners(t *testing.T) {
	e := newTestEngine(t, nil)
	req := e.NewRequest()

	var log []string
	first := req.AddEventListener(mockxhr.EventLoad, func(*mockxhr.Event) { log = append(log, "first") })
	req.AddEventListener(mockxhr.EventLoad, func(*mockxhr.Event) { log = append(log, "second") })
	req.SetOn(mockxhr.EventLoad, func(*mockxhr.Event) { log = append(log, "onload") })
	req.AddEventListener("bogus", func(*mockxhr.Event) { log = append(log, "bogus") })

	e.transport.Emit(mockxhr.Event{Type: mockxhr.EventLoad})
	assert.Equal(t, []string{"first", "second", "onload"}, log)

	log = nil
	req.RemoveEventListener(mockxhr.EventLoad, first)
	req.RemoveEventListener(mockxhr.EventLoad, &mockxhr.Listener{})
	req.SetOn(mockxhr.EventLoad, nil)
	assert.True(t, req.On(mockxhr.EventLoad) == nil)

	e.transport.Emit(mockxhr.Event{Type: mockxhr.EventLoad})
	assert.Equal(t, []string{"second"}, log)
}

func TestRequest_InvalidState(t *testing.T) {
	e := newTestEngine(t, dynamic(200, "ok", nil, ""))
	req := e.NewRequest()

	assert.IsError(t, req.Send(nil), mockxhr.ErrInvalidState)

	assert.NoError(t, req.Open("GET", "/x", true))
	assert.NoError(t, req.Send(nil))
	assert.IsError(t, req.Send(nil), mockxhr.ErrInvalidState)
	assert.IsError(t, req.Open("GET", "/y", true), mockxhr.ErrInvalidState)

	e.scheduler.FireAll()
	assert.IsError(t, req.Open("GET", "/y", true), mockxhr.ErrInvalidState)
}

func TestRequest_ForwardsRegistryEvents(t *testing.T) {
	e := newTestEngine(t, nil)
	e.NewRequest()

	for _, name := range e.Registry().Events() {
		assert.True(t, e.transport.Handles(name), "no handler for %q", name)
	}
}

func TestRequest_NilDynamicFixture(t *testing.T) {
	e := newTestEngine(t, func(s *mockxhr.Settings) mockxhr.Verdict {
		return mockxhr.DynamicVerdict(nil)
	})

	req := e.NewRequest()
	assert.NoError(t, req.Open("GET", "/x", true))
	assert.NoError(t, req.Send(nil))

	assert.Equal(t, 0, len(e.scheduler.Timers()))
	assert.Equal(t, []string{"open", "send"}, e.transport.Ops())
}

func TestResolverFunc_NilDynamic(t *testing.T) {
	var called bool
	timer := mockxhr.ResolverFunc{}.InvokeDynamic(
		&mockxhr.Settings{},
		mockxhr.DynamicVerdict(nil),
		func(int, any, map[string]string, string) { called = true },
	)
	assert.True(t, timer == nil)
	assert.False(t, called)
}

func TestRequest_AbortWhileResolving(t *testing.T) {
	e := newTestEngine(t, func(s *mockxhr.Settings) mockxhr.Verdict {
		s.Request.Abort()
		return mockxhr.Passthrough()
	})

	req := e.NewRequest()
	assert.NoError(t, req.Open("GET", "/x", true))
	assert.NoError(t, req.Send(nil))

	// The abort opened and sent the transport only to abort it; the
	// passthrough that followed was dropped.
	assert.Equal(t, []string{"open", "send", "abort"}, e.transport.Ops())
}

// gatedTransport blocks the first Open until gate is closed.
type gatedTransport struct {
	*xhrtest.Transport
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedTransport) Open(method, url string, async bool) {
	g.once.Do(func() { close(g.entered) })
	<-g.gate
	g.Transport.Open(method, url, async)
}

func TestRequest_AbortDuringDelayedDispatch(t *testing.T) {
	inner := xhrtest.NewTransport()
	gated := &gatedTransport{
		Transport: inner,
		entered:   make(chan struct{}),
		gate:      make(chan struct{}),
	}
	scheduler := &xhrtest.Scheduler{}
	resolver := &xhrtest.Resolver{
		Match: func(*mockxhr.Settings) mockxhr.Verdict {
			return mockxhr.DelayVerdict(500 * time.Millisecond)
		},
		Scheduler: scheduler,
	}

	engine := mockxhr.NewEngine(resolver, &mockxhr.EngineOpts{
		NewTransport: func() mockxhr.Transport { return gated },
		Registry:     mockxhr.Discover(inner),
		Logger:       slogt.New(t),
		AfterFunc:    scheduler.AfterFunc,
	})

	req := engine.NewRequest()
	assert.NoError(t, req.Open("GET", "/slow", true))
	assert.NoError(t, req.Send(nil))

	fired := make(chan struct{})
	go func() {
		defer close(fired)
		scheduler.FireAll()
	}()

	// The delayed passthrough is now stuck inside the transport's Open.
	<-gated.entered
	req.Abort()
	assert.Equal(t, 0, len(inner.Calls()))

	close(gated.gate)
	<-fired

	// The send still went out, but the abort followed it instead of being
	// lost before it.
	assert.Equal(t, []string{"open", "send", "abort"}, inner.Ops())
}
