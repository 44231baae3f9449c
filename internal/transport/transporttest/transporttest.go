// Package transporttest routes outbound requests to in-process handlers so tests can
// answer for any host, including https URLs, without opening sockets.
package transporttest

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// HandlerTransport serves every request with Handler. Like a network transport it
// refuses requests whose context is already done.
type HandlerTransport struct {
	Handler http.Handler
}

// RoundTrip implements http.RoundTripper.
func (t HandlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	inbound := req.Clone(req.Context())
	inbound.RequestURI = req.URL.RequestURI()
	if inbound.Host == "" {
		inbound.Host = req.URL.Host
	}
	if inbound.Body == nil {
		inbound.Body = http.NoBody
	}
	rec := httptest.NewRecorder()
	t.Handler.ServeHTTP(rec, inbound)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// ErrorTransport fails every request with Err.
type ErrorTransport struct {
	Err error
}

// RoundTrip implements http.RoundTripper.
func (t ErrorTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, t.Err
}

// Mux is a host-and-path router that counts the requests each route receives.
type Mux struct {
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	calls  map[string]int
}

// NewMux builds an empty Mux.
func NewMux() *Mux {
	return &Mux{routes: map[string]http.HandlerFunc{}, calls: map[string]int{}}
}

// Handle registers h for host+path, e.g. "acme.example.com/clusterlookup".
func (m *Mux) Handle(route string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[route] = h
}

// Calls reports how many requests reached route.
func (m *Mux) Calls(route string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[route]
}

// Transport returns a round tripper backed by m.
func (m *Mux) Transport() http.RoundTripper {
	return HandlerTransport{Handler: m}
}

// ServeHTTP implements http.Handler.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.Host + r.URL.Path
	m.mu.Lock()
	h, ok := m.routes[route]
	m.calls[route]++
	m.mu.Unlock()
	if !ok {
		http.Error(w, "no route for "+route, http.StatusNotFound)
		return
	}
	h(w, r)
}
