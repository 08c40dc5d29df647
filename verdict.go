package mockxhr

import (
	"time"

	"libdb.so/go-mockxhr/ptr"
)

// VerdictKind discriminates a [Verdict].
type VerdictKind int

const (
	// VerdictAbsent means no fixture matched; the request goes to the network.
	VerdictAbsent VerdictKind = iota
	// VerdictRedirect re-targets the request before sending it for real.
	VerdictRedirect
	// VerdictDelay sends the request for real after a delay.
	VerdictDelay
	// VerdictDynamic answers the request in-process.
	VerdictDynamic
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAbsent:
		return "absent"
	case VerdictRedirect:
		return "redirect"
	case VerdictDelay:
		return "delay"
	case VerdictDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Verdict is a [Resolver]'s classification of a request. Only the field
// matching Kind is meaningful.
type Verdict struct {
	Kind     VerdictKind
	Redirect *Redirect
	Delay    time.Duration
	Dynamic  DynamicFixture
}

// Passthrough returns the verdict for an unmatched request.
func Passthrough() Verdict {
	return Verdict{Kind: VerdictAbsent}
}

// RedirectVerdict returns a verdict that copies r onto the transport before
// sending.
func RedirectVerdict(r Redirect) Verdict {
	return Verdict{Kind: VerdictRedirect, Redirect: &r}
}

// DelayVerdict returns a verdict that sends the request after d.
func DelayVerdict(d time.Duration) Verdict {
	return Verdict{Kind: VerdictDelay, Delay: d}
}

// DynamicVerdict returns a verdict answered by fn.
func DynamicVerdict(fn DynamicFixture) Verdict {
	return Verdict{Kind: VerdictDynamic, Dynamic: fn}
}

// Redirect describes transport fields to overwrite before a passthrough. Nil
// fields are left alone.
type Redirect struct {
	URL    ptr.Optional[string]
	Method ptr.Optional[string]
	Async  ptr.Optional[bool]
	// Fields holds any other transport properties to overwrite, keyed by
	// property name.
	Fields map[string]any
}

// RedirectTo is a shorthand for a [Redirect] that only changes the URL.
func RedirectTo(url string) Redirect {
	return Redirect{URL: ptr.To(url)}
}

// fields flattens r into property writes.
func (r *Redirect) fields() map[string]any {
	out := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	if url, ok := ptr.Get(r.URL); ok {
		out[PropURL] = url
	}
	if method, ok := ptr.Get(r.Method); ok {
		out[PropType] = method
	}
	if async, ok := ptr.Get(r.Async); ok {
		out[PropAsync] = async
	}
	return out
}

// CompleteFunc delivers the response of a dynamic fixture. A body that is
// not a string or []byte is JSON-encoded. A zero statusText is replaced by
// "OK" for 2xx and 304 statuses and by "error" otherwise.
type CompleteFunc func(status int, body any, headers map[string]string, statusText string)

// DynamicFixture computes a response at request time and reports it through
// done. It may call done from any goroutine.
type DynamicFixture func(s *Settings, done CompleteFunc)

// Resolver is the fixture registry as seen by the engine.
type Resolver interface {
	// Resolve classifies s.
	Resolve(s *Settings) Verdict
	// InvokeDynamic runs the dynamic fixture of v. It must not call done
	// before returning; the returned Timer, if any, lets [Request.Abort]
	// cancel the pending response.
	InvokeDynamic(s *Settings, v Verdict, done CompleteFunc) Timer
}

// Timer is a cancellable pending callback. [*time.Timer] satisfies it.
type Timer interface {
	Stop() bool
}

var _ Timer = (*time.Timer)(nil)

// ResolverFunc adapts a matching function into a [Resolver]. Dynamic
// fixtures run on a timer after Latency, so their responses are always
// delivered after Send returns.
type ResolverFunc struct {
	Match   func(s *Settings) Verdict
	Latency time.Duration
}

var _ Resolver = ResolverFunc{}

// Resolve implements [Resolver].
func (f ResolverFunc) Resolve(s *Settings) Verdict {
	if f.Match == nil {
		return Passthrough()
	}
	return f.Match(s)
}

// InvokeDynamic implements [Resolver].
func (f ResolverFunc) InvokeDynamic(s *Settings, v Verdict, done CompleteFunc) Timer {
	if v.Dynamic == nil {
		return nil
	}
	return time.AfterFunc(f.Latency, func() {
		v.Dynamic(s, done)
	})
}
