package ua

import "context"

// Link is the transport-level connection to one endpoint
type Link interface {
	// Dial opens the connection. A failed Dial leaves the link closed.
	Dial(ctx context.Context, ep Endpoint) error
	// Close releases the connection. Closing a closed link is a no-op.
	Close(ctx context.Context) error
	// Drops delivers asynchronous connection failures of an open link.
	Drops() <-chan error
	// ServerCertificate returns the certificate the server presented on
	// the last successful Dial.
	ServerCertificate() []byte
}

// SessionService creates and closes the server-side session
type SessionService interface {
	// CreateSession returns the server-issued session identifier. A
	// rejected identity is reported with an error matching
	// errors.ErrAuthentication.
	CreateSession(ctx context.Context, req SessionRequest) (string, error)
	CloseSession(ctx context.Context) error
}

// Services are the remote procedures a session issues
type Services interface {
	// Browse returns the forward hierarchical references of nodeID.
	Browse(ctx context.Context, nodeID NodeID) ([]Reference, error)
	// Read reads all attributes in one remote call. The result has one
	// entry per request, in order.
	Read(ctx context.Context, nodes []ReadValueID) ([]DataValue, error)
}

// Subscription is a standing server-side request for notifications
type Subscription interface {
	Terminate(ctx context.Context) error
}

// EventSubscriber subscribes to events emitted by a node
type EventSubscriber interface {
	SubscribeEvents(ctx context.Context, nodeID NodeID, fields []string, fn func(EventFields)) (Subscription, error)
}

// TrafficCounter is implemented by transports that account wire bytes
type TrafficCounter interface {
	BytesRead() int64
	BytesWritten() int64
}

// Transport is the full black-box protocol client
type Transport interface {
	Link
	SessionService
	Services
	EventSubscriber
}
