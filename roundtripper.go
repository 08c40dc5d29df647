package mockxhr

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

type roundTripper struct {
	engine *Engine
}

// RoundTripper returns an [http.RoundTripper] that runs each request through
// a new [Request] of e. Fixture answers come back as ordinary responses;
// error and timeout events become a [*TransportError]. Cancelling the
// request context aborts the request.
func (e *Engine) RoundTripper() http.RoundTripper {
	return &roundTripper{engine: e}
}

type outcome struct {
	event string
	err   error
}

// terminalEvents end a round trip, whichever comes first.
var terminalEvents = []string{
	EventLoad,
	EventLoadEnd,
	EventError,
	EventAbort,
	EventTimeout,
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		body = b
	}

	r := rt.engine.NewRequest()
	if err := r.Open(req.Method, req.URL.String(), true); err != nil {
		return nil, err
	}
	for name, values := range req.Header {
		r.SetRequestHeader(name, strings.Join(values, ", "))
	}

	done := make(chan outcome, 1)
	finish := func(ev *Event) {
		select {
		case done <- outcome{ev.Type, ev.Err}:
		default:
		}
	}
	for _, name := range terminalEvents {
		r.AddEventListener(name, finish)
	}

	if err := r.Send(body); err != nil {
		return nil, err
	}

	var o outcome
	select {
	case o = <-done:
	case <-req.Context().Done():
		r.Abort()
		return nil, req.Context().Err()
	}

	switch o.event {
	case EventError, EventTimeout:
		return nil, &TransportError{Event: o.event, URL: req.URL.String(), Err: o.err}
	case EventAbort:
		return nil, ErrRequestAborted
	}

	return newResponse(req, r), nil
}

func newResponse(req *http.Request, r *Request) *http.Response {
	status := r.Status()
	text := r.ResponseText()

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, r.StatusText()),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        parseHeaders(r.GetAllResponseHeaders()),
		Body:          io.NopCloser(strings.NewReader(text)),
		ContentLength: int64(len(text)),
		Request:       req,
	}
}

// parseHeaders reverses the "name: value\r\n" format of
// GetAllResponseHeaders.
func parseHeaders(s string) http.Header {
	h := make(http.Header)
	for line := range strings.SplitSeq(s, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}
