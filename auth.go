package mcpconn

import "net/http"

// AuthProvider decorates outgoing HTTP requests with authentication headers.
// Implementations must be safe for concurrent use; every request the transport
// makes, including stream reconnects and session teardown, passes through the
// provider.
type AuthProvider interface {
	Authorize(req *http.Request) error
}

// BearerAuth attaches a static bearer token via the Authorization header.
type BearerAuth struct {
	Token string
}

func (b BearerAuth) Authorize(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}

// HeaderAuth attaches a fixed set of headers to every request. Useful for API
// key schemes that do not follow the Authorization header convention.
type HeaderAuth map[string]string

func (h HeaderAuth) Authorize(req *http.Request) error {
	for name, value := range h {
		req.Header.Set(name, value)
	}
	return nil
}
