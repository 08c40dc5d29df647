// Package httpmock provides a scripted http.RoundTripper that stands in for
// the network behind a passthrough transport.
package httpmock

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
)

// Exchange is one scripted request/response pair.
type Exchange struct {
	Check    RequestCheck
	Response Response
}

// RequestCheck inspects a request that reached the network.
type RequestCheck func(t *testing.T, req *http.Request)

// RequestCheckJSON creates a RequestCheck that decodes the request body as
// JSON into T and hands it to checkFn.
func RequestCheckJSON[T any](checkFn func(t *testing.T, data T)) RequestCheck {
	return func(t *testing.T, req *http.Request) {
		var data T
		if err := json.NewDecoder(req.Body).Decode(&data); err != nil {
			t.Errorf("request check: failed to decode request body as JSON: %v", err)
			return
		}
		checkFn(t, data)
	}
}

// Response defines the components of a scripted response.
type Response struct {
	Status  int
	Headers map[string]string
	// Header holds repeated headers. It is added after Headers.
	Header http.Header
	Body   []byte
	// Error simulates a network error.
	Error error
	// Hold, if set, delays the response until it is closed or the request
	// context is done.
	Hold <-chan struct{}
}

// Seen is a request observed by the [RoundTripper].
type Seen struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// RoundTripper serves a pre-defined sequence of exchanges and records every
// request it sees. It is safe for concurrent use.
type RoundTripper struct {
	t         *testing.T
	mu        sync.Mutex
	exchanges []Exchange
	index     int
	seen      []Seen
}

var _ http.RoundTripper = (*RoundTripper)(nil)

// NewRoundTripper creates a new [RoundTripper].
func NewRoundTripper(t *testing.T, exchanges []Exchange) *RoundTripper {
	return &RoundTripper{
		t:         t,
		exchanges: exchanges,
	}
}

// Seen returns the requests observed so far.
func (m *RoundTripper) Seen() []Seen {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Seen(nil), m.seen...)
}

// RoundTrip implements the http.RoundTripper interface.
func (m *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	m.mu.Lock()
	m.seen = append(m.seen, Seen{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})
	if m.index >= len(m.exchanges) {
		n := len(m.exchanges)
		m.mu.Unlock()
		m.t.Errorf("httpmock: no more exchanges configured (%d used)", n)
		return nil, errors.New("no more exchanges configured in httpmock")
	}
	ex := m.exchanges[m.index]
	m.index++
	m.mu.Unlock()

	if ex.Check != nil {
		ex.Check(m.t, req)
	}

	if ex.Response.Hold != nil {
		select {
		case <-ex.Response.Hold:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	if ex.Response.Error != nil {
		return nil, ex.Response.Error
	}

	statusCode := ex.Response.Status
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	header := make(http.Header, len(ex.Response.Headers))
	for k, v := range ex.Response.Headers {
		header.Add(k, v)
	}
	for k, vs := range ex.Response.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	return &http.Response{
		Status:        http.StatusText(statusCode),
		StatusCode:    statusCode,
		Body:          io.NopCloser(bytes.NewReader(ex.Response.Body)),
		ContentLength: int64(len(ex.Response.Body)),
		Header:        header,
		Request:       req,
	}, nil
}
