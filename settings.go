package mockxhr

import (
	"encoding/json"
	"strings"

	"libdb.so/go-mockxhr/internal/deparam"
)

// Settings is the canonical record a [Resolver] matches against. It is built
// once per [Request.Send] and must be treated as read-only.
type Settings struct {
	// URL is the request URL. For get and delete requests sent without a body,
	// the query string is removed and decoded into Data.
	URL string
	// Method is the lower-cased request method.
	Method string
	// Headers are the request headers set through [Request.SetRequestHeader].
	Headers map[string]string
	// Data is the structured form of the request payload: the decoded JSON
	// body, the form-decoded body, or the decoded query string.
	Data any
	// Async mirrors the async flag given to [Request.Open].
	Async bool
	// Body is the raw body passed to [Request.Send]. Passthrough sends this,
	// never Data.
	Body []byte
	// Request is the request being resolved.
	Request *Request
}

// Normalize builds a Settings record from the pieces of a request. It never
// fails: a body that is neither JSON nor a well-formed form decodes into
// whatever pairs could be recovered.
func Normalize(method, url string, headers map[string]string, body []byte, async bool) *Settings {
	method = strings.ToLower(method)
	if method == "" {
		method = "get"
	}

	s := &Settings{
		URL:     url,
		Method:  method,
		Headers: headers,
		Async:   async,
		Body:    body,
	}

	switch {
	case len(body) == 0 && (method == "get" || method == "delete"):
		path, query, _ := strings.Cut(url, "?")
		s.URL = path
		s.Data = deparam.Decode(query)
	case len(body) > 0:
		s.Data = decodeBody(body)
	}

	return s
}

func decodeBody(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return deparam.Decode(string(body))
}
