package mcp

import "context"

// Transport carries JSON-RPC messages to one tool server.
type Transport interface {
	// Send delivers a request and waits for its response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the transport. For stdio servers this stops the
	// subprocess.
	Close() error
}

// Transport kinds accepted in ServerConfig.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)
