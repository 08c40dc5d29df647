package mockxhr

import (
	"net/http"
	"sync"
)

var native struct {
	mu sync.Mutex
	// saved holds the original http.DefaultTransport while installed.
	saved http.RoundTripper
}

// Install replaces [http.DefaultTransport] with e's round tripper, so every
// client without its own transport is served by e. The original transport
// stays reachable through [Native] and is restored by calling restore.
// Installing again while installed swaps the engine but keeps the original.
func Install(e *Engine) (restore func()) {
	native.mu.Lock()
	if native.saved == nil {
		native.saved = http.DefaultTransport
	}
	http.DefaultTransport = e.RoundTripper()
	native.mu.Unlock()

	return sync.OnceFunc(func() {
		native.mu.Lock()
		defer native.mu.Unlock()
		if native.saved != nil {
			http.DefaultTransport = native.saved
			native.saved = nil
		}
	})
}

// Native returns the transport [http.DefaultTransport] held before
// [Install], or the current default transport when nothing is installed.
func Native() http.RoundTripper {
	native.mu.Lock()
	defer native.mu.Unlock()
	if native.saved != nil {
		return native.saved
	}
	return http.DefaultTransport
}

// nativeTransport resolves [Native] on every request, so transports created
// before Install never loop back into the engine.
type nativeTransport struct{}

func (nativeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return Native().RoundTrip(req)
}
