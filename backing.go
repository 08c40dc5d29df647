package mockxhr

import (
	"reflect"
	"slices"
	"strings"
)

type backingKind int

const (
	backingTransport backingKind = iota
	backingSynthetic
)

// backing is whatever currently answers property reads for a request: the
// real transport, or the record left behind by a dynamic fixture.
type backing struct {
	kind      backingKind
	transport Transport
	synthetic *syntheticResult
}

// syntheticResult stands in for the transport once a dynamic fixture has
// answered.
type syntheticResult struct {
	fields  map[string]any
	headers map[string]string
}

func (b *backing) get(name string) any {
	switch b.kind {
	case backingSynthetic:
		return b.synthetic.fields[name]
	default:
		return b.transport.Property(name)
	}
}

func (b *backing) set(name string, v any) {
	switch b.kind {
	case backingSynthetic:
		b.synthetic.fields[name] = v
	default:
		b.transport.SetProperty(name, v)
	}
}

// setIfChanged writes v unless it equals the current value. It reports
// whether a write happened.
func (b *backing) setIfChanged(name string, v any) bool {
	if reflect.DeepEqual(b.get(name), v) {
		return false
	}
	b.set(name, v)
	return true
}

func (b *backing) allResponseHeaders() string {
	switch b.kind {
	case backingSynthetic:
		return joinHeaders(b.synthetic.headers)
	default:
		return b.transport.GetAllResponseHeaders()
	}
}

func (b *backing) abort() {
	if b.kind == backingTransport {
		b.transport.Abort()
	}
}

// joinHeaders renders headers as "name: value\r\n" lines, sorted by name.
func joinHeaders(headers map[string]string) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(headers[name])
		b.WriteString("\r\n")
	}
	return b.String()
}
