package mockxhr

// Transport is a real request object performing network I/O. A [Request]
// owns one Transport for its lifetime and passes through to it whenever a
// request is not answered by a dynamic fixture.
//
// Transports report progress exclusively through the handlers installed with
// SetEventHandler; none of the methods block on network I/O for async
// requests.
type Transport interface {
	// Open prepares a request. It records method, url and async as the type,
	// url and async properties.
	Open(method, url string, async bool)
	// SetRequestHeader adds a header to the opened request.
	SetRequestHeader(name, value string)
	// Send starts the opened request with the given body.
	Send(body []byte)
	// Abort cancels an in-flight request.
	Abort()
	// GetAllResponseHeaders returns the response headers as
	// "name: value\r\n" lines.
	GetAllResponseHeaders() string
	// Property reads a property by name.
	Property(name string) any
	// SetProperty writes a property by name.
	SetProperty(name string, v any)
	// SetEventHandler installs the single handler for an event name,
	// replacing any previous one. A nil fn removes it.
	SetEventHandler(event string, fn func(Event))
}

// TransportFactory creates a fresh [Transport].
type TransportFactory func() Transport

// ReadyState is the lifecycle stage of a request.
type ReadyState int

const (
	Unsent ReadyState = iota
	Opened
	HeadersReceived
	Loading
	Done
)

func (s ReadyState) String() string {
	switch s {
	case Unsent:
		return "UNSENT"
	case Opened:
		return "OPENED"
	case HeadersReceived:
		return "HEADERS_RECEIVED"
	case Loading:
		return "LOADING"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}
