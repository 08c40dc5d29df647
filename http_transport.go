package mockxhr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
)

// HTTPTransport is a [Transport] performing real requests through an
// [http.Client]. Async sends run on their own goroutine; sync sends block in
// Send.
type HTTPTransport struct {
	client  *http.Client
	retries uint
	backoff func() backoff.BackOff
	logger  *slog.Logger

	mu         sync.Mutex
	props      map[string]any
	reqHeader  http.Header
	respHeader http.Header
	handlers   map[string]func(Event)
	cancel     context.CancelFunc
	sending    bool
	// gen is bumped by Open and Abort so that a superseded send stops
	// reporting events.
	gen uint64
}

var (
	_ Transport    = (*HTTPTransport)(nil)
	_ Introspector = (*HTTPTransport)(nil)
)

// HTTPTransportOpts holds optional parameters for configuring an
// [HTTPTransport].
type HTTPTransportOpts struct {
	// Client performs the requests. It defaults to a client using [Native].
	Client *http.Client
	// TokenSource, if set, authorizes every request with an OAuth2 bearer
	// token. Tokens are reused until they expire.
	TokenSource oauth2.TokenSource
	// Retries is the number of times a request failing at the network level
	// is retried. HTTP error statuses are not retried.
	Retries uint
	// NewBackoff creates the backoff spacing out the retries of one send.
	// Every send gets its own, so opts may be shared between transports. It
	// defaults to an exponential backoff.
	NewBackoff func() backoff.BackOff
	// Logger receives transport diagnostics at debug level.
	Logger *slog.Logger
}

// NewHTTPTransport creates a new HTTP-backed transport.
func NewHTTPTransport(opts *HTTPTransportOpts) *HTTPTransport {
	o := *use(opts, &HTTPTransportOpts{})
	o.Logger = use(o.Logger, slog.Default())
	o.Client = use(o.Client, &http.Client{Transport: nativeTransport{}})

	if o.TokenSource != nil {
		base := o.Client.Transport
		if base == nil {
			base = nativeTransport{}
		}
		client := *o.Client
		client.Transport = &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, o.TokenSource),
			Base:   base,
		}
		o.Client = &client
	}

	if o.NewBackoff == nil {
		o.NewBackoff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	return &HTTPTransport{
		client:   o.Client,
		retries:  o.Retries,
		backoff:  o.NewBackoff,
		logger:   o.Logger,
		props:    newHTTPProps(),
		handlers: make(map[string]func(Event)),
	}
}

const (
	propTimeout         = "timeout"
	propWithCredentials = "withCredentials"
)

func newHTTPProps() map[string]any {
	return map[string]any{
		PropType:            "",
		PropURL:             "",
		PropAsync:           true,
		PropResponse:        "",
		PropResponseText:    "",
		PropResponseType:    "",
		PropResponseXML:     nil,
		PropResponseURL:     "",
		PropStatus:          0,
		PropStatusText:      "",
		PropReadyState:      Unsent,
		propTimeout:         0,
		propWithCredentials: false,
	}
}

// EventNames implements [Introspector].
func (t *HTTPTransport) EventNames() []string {
	return append(slices.Clone(baselineEvents), EventTimeout)
}

// PropertyNames implements [Introspector].
func (t *HTTPTransport) PropertyNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.props))
}

// Property implements [Transport].
func (t *HTTPTransport) Property(name string) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.props[name]
}

// SetProperty implements [Transport].
func (t *HTTPTransport) SetProperty(name string, v any) {
	t.mu.Lock()
	t.props[name] = v
	t.mu.Unlock()
}

// SetEventHandler implements [Transport].
func (t *HTTPTransport) SetEventHandler(event string, fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.handlers, event)
		return
	}
	t.handlers[event] = fn
}

// Open implements [Transport]. Any in-flight send is cancelled silently.
func (t *HTTPTransport) Open(method, url string, async bool) {
	t.mu.Lock()
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.sending = false
	t.props[PropType] = method
	t.props[PropURL] = url
	t.props[PropAsync] = async
	t.props[PropStatus] = 0
	t.props[PropStatusText] = ""
	t.props[PropResponse] = ""
	t.props[PropResponseText] = ""
	t.props[PropResponseURL] = ""
	t.props[PropReadyState] = Opened
	t.reqHeader = make(http.Header)
	t.respHeader = nil
	gen := t.gen
	t.mu.Unlock()

	t.emit(gen, Event{Type: EventReadyStateChange})
}

// SetRequestHeader implements [Transport].
func (t *HTTPTransport) SetRequestHeader(name, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reqHeader == nil {
		t.reqHeader = make(http.Header)
	}
	t.reqHeader.Add(name, value)
}

// Send implements [Transport]. Failures are reported through error and
// loadend events.
func (t *HTTPTransport) Send(body []byte) {
	t.mu.Lock()
	if t.props[PropReadyState] != Opened || t.sending {
		t.mu.Unlock()
		t.logger.Debug("send on a transport that is not opened")
		return
	}
	var ctx context.Context
	if ms := asInt(t.props[propTimeout]); ms > 0 {
		ctx, t.cancel = context.WithTimeout(context.Background(), time.Duration(ms)*time.Millisecond)
	} else {
		ctx, t.cancel = context.WithCancel(context.Background())
	}
	t.sending = true
	gen := t.gen
	method := strings.ToUpper(asString(t.props[PropType]))
	if method == "" {
		method = http.MethodGet
	}
	url := asString(t.props[PropURL])
	async := asBool(t.props[PropAsync], true)
	header := t.reqHeader.Clone()
	t.mu.Unlock()

	t.emit(gen, Event{Type: EventLoadStart, Total: -1})

	if async {
		go t.do(ctx, gen, method, url, header, body)
	} else {
		t.do(ctx, gen, method, url, header, body)
	}
}

func (t *HTTPTransport) do(ctx context.Context, gen uint64, method, url string, header http.Header, body []byte) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}

	t.logger.Debug(
		"sending request",
		"method", method,
		"url", url)

	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header = header.Clone()
		if len(body) == 0 {
			req.Body = http.NoBody
		}
		return t.client.Do(req)
	}, backoff.WithBackOff(t.backoff()), backoff.WithMaxTries(t.retries+1))
	if err != nil {
		t.fail(ctx, gen, fmt.Errorf("failed to perform HTTP request: %w", err))
		return
	}
	defer resp.Body.Close()

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.respHeader = resp.Header.Clone()
	t.props[PropStatus] = resp.StatusCode
	t.props[PropStatusText] = statusText(resp)
	t.props[PropResponseURL] = url
	if resp.Request != nil {
		t.props[PropResponseURL] = resp.Request.URL.String()
	}
	t.props[PropReadyState] = HeadersReceived
	t.mu.Unlock()
	t.emit(gen, Event{Type: EventReadyStateChange})

	t.setReadyState(gen, Loading)
	t.emit(gen, Event{Type: EventReadyStateChange})

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.fail(ctx, gen, fmt.Errorf("failed to read response body: %w", err))
		return
	}

	n := int64(len(data))
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.props[PropResponseText] = string(data)
	t.props[PropResponse] = string(data)
	t.mu.Unlock()
	t.emit(gen, Event{Type: EventProgress, Loaded: n, Total: resp.ContentLength})

	t.finish(gen)
	t.emit(gen, Event{Type: EventReadyStateChange})
	t.emit(gen, Event{Type: EventLoad, Loaded: n, Total: n})
	t.emit(gen, Event{Type: EventLoadEnd, Loaded: n, Total: n})
}

// fail reports a network failure unless the send was aborted. A send that
// ran past the timeout property reports timeout instead of error.
func (t *HTTPTransport) fail(ctx context.Context, gen uint64, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	t.logger.Debug(
		"request failed",
		"err", err)

	event := EventError
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		event = EventTimeout
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.props[PropStatus] = 0
	t.props[PropStatusText] = ""
	t.mu.Unlock()

	t.finish(gen)
	t.emit(gen, Event{Type: EventReadyStateChange})
	t.emit(gen, Event{Type: event, Err: err, Total: -1})
	t.emit(gen, Event{Type: EventLoadEnd, Total: -1})
}

func (t *HTTPTransport) setReadyState(gen uint64, s ReadyState) {
	t.mu.Lock()
	if t.gen == gen {
		t.props[PropReadyState] = s
	}
	t.mu.Unlock()
}

// finish marks the send of gen as done.
func (t *HTTPTransport) finish(gen uint64) {
	t.mu.Lock()
	if t.gen == gen {
		t.props[PropReadyState] = Done
		t.sending = false
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	}
	t.mu.Unlock()
}

// Abort implements [Transport]. Aborting a send in flight reports
// readystatechange, abort and loadend, then resets the ready state to
// [Unsent].
func (t *HTTPTransport) Abort() {
	t.mu.Lock()
	sending := t.sending
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.sending = false
	t.gen++
	gen := t.gen
	if sending {
		t.props[PropReadyState] = Done
		t.props[PropStatus] = 0
		t.props[PropStatusText] = ""
	}
	t.mu.Unlock()

	if !sending {
		return
	}

	t.emit(gen, Event{Type: EventReadyStateChange})
	t.emit(gen, Event{Type: EventAbort, Total: -1})
	t.emit(gen, Event{Type: EventLoadEnd, Total: -1})
	t.setReadyState(gen, Unsent)
}

// GetAllResponseHeaders implements [Transport]. Header names are
// lower-cased and sorted. A repeated header gets one line per value, so
// headers such as Set-Cookie survive a round trip.
func (t *HTTPTransport) GetAllResponseHeaders() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	for _, name := range slices.Sorted(maps.Keys(t.respHeader)) {
		lower := strings.ToLower(name)
		for _, value := range t.respHeader[name] {
			b.WriteString(lower)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

// emit calls the handler for ev.Type if the send of gen is still current.
func (t *HTTPTransport) emit(gen uint64, ev Event) {
	t.mu.Lock()
	fn := t.handlers[ev.Type]
	live := t.gen == gen
	t.mu.Unlock()

	if live && fn != nil {
		fn(ev)
	}
}

func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text, ok := strings.CutPrefix(resp.Status, code+" "); ok {
		return text
	}
	if resp.Status != "" && resp.Status != code {
		return resp.Status
	}
	return http.StatusText(resp.StatusCode)
}
