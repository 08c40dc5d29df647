package mockxhr

import (
	"slices"
	"sync"
)

// Event names every request supports.
const (
	EventAbort            = "abort"
	EventError            = "error"
	EventLoad             = "load"
	EventLoadEnd          = "loadend"
	EventLoadStart        = "loadstart"
	EventProgress         = "progress"
	EventReadyStateChange = "readystatechange"
	EventTimeout          = "timeout"
)

// Property names every request supports.
const (
	PropType         = "type"
	PropURL          = "url"
	PropAsync        = "async"
	PropResponse     = "response"
	PropResponseText = "responseText"
	PropResponseType = "responseType"
	PropResponseXML  = "responseXML"
	PropResponseURL  = "responseURL"
	PropStatus       = "status"
	PropStatusText   = "statusText"
	PropReadyState   = "readyState"
)

var baselineEvents = []string{
	EventAbort,
	EventError,
	EventLoad,
	EventLoadEnd,
	EventLoadStart,
	EventProgress,
	EventReadyStateChange,
}

var baselineProps = []string{
	PropType,
	PropURL,
	PropAsync,
	PropResponse,
	PropResponseText,
	PropResponseType,
	PropResponseXML,
	PropResponseURL,
	PropStatus,
	PropStatusText,
	PropReadyState,
}

// Introspector is implemented by transports that can report the events they
// emit and the properties they hold.
type Introspector interface {
	EventNames() []string
	PropertyNames() []string
}

// Registry is the immutable set of event and property names a [Request]
// forwards and proxies.
type Registry struct {
	events []string
	props  []string
}

// Discover builds a Registry from the baseline names and whatever template
// reports through [Introspector]. template may be nil.
func Discover(template Transport) *Registry {
	r := &Registry{
		events: slices.Clone(baselineEvents),
		props:  slices.Clone(baselineProps),
	}
	if in, ok := template.(Introspector); ok {
		r.events = appendMissing(r.events, in.EventNames())
		r.props = appendMissing(r.props, in.PropertyNames())
	}
	return r
}

func appendMissing(dst, src []string) []string {
	for _, name := range src {
		if name != "" && !slices.Contains(dst, name) {
			dst = append(dst, name)
		}
	}
	return dst
}

// DefaultRegistry returns the process-wide registry discovered from an
// [HTTPTransport]. It is computed on first use.
var DefaultRegistry = sync.OnceValue(func() *Registry {
	return Discover(NewHTTPTransport(nil))
})

// Events returns the known event names in discovery order.
func (r *Registry) Events() []string { return slices.Clone(r.events) }

// Properties returns the known property names in discovery order.
func (r *Registry) Properties() []string { return slices.Clone(r.props) }

// HasEvent reports whether name is a known event.
func (r *Registry) HasEvent(name string) bool { return slices.Contains(r.events, name) }

// HasProperty reports whether name is a known property.
func (r *Registry) HasProperty(name string) bool { return slices.Contains(r.props, name) }
