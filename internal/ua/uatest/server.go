// Package uatest provides an in-memory ua.Transport for tests.
package uatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

var (
	// ErrUnreachable is returned by Dial while DialFailures remain.
	ErrUnreachable = errors.New("connect ECONNREFUSED")
	// ErrAccessDenied is returned by CreateSession for unknown credentials.
	ErrAccessDenied = fmt.Errorf("BadUserAccessDenied: %w", crawlerrors.ErrAuthentication)
	// ErrNotDialed is returned by services on a closed link.
	ErrNotDialed = errors.New("link not open")
)

// Node is one node of the fake address space
type Node struct {
	ID         ua.NodeID
	BrowseName string
	Class      ua.NodeClass
	Value      ua.Variant
	Refs       []ua.NodeID
}

// Server is a fake OPC UA server and client in one. Zero value is not
// usable; call NewServer
type Server struct {
	mu sync.Mutex

	nodes map[ua.NodeID]*Node

	// Failure injection.
	DialFailures  int
	DialError     error // returned instead of ErrUnreachable
	SessionError  error
	BrowseErrors  map[ua.NodeID]error
	ReadErrors    map[ua.NodeID]error
	CloseError    error
	Users         map[string]string
	Certificate   []byte
	SubscribeHook func(fields []string)

	// Observations.
	Dials         []ua.Endpoint
	Sessions      []ua.SessionRequest
	BrowseCalls   int
	ReadCalls     int
	ReadSizes     []int
	SessionClosed int
	Closed        int

	open       bool
	sessionSeq int
	drops      chan error
	subs       []*Subscription
	bytesRead  int64
	bytesWrite int64
}

// NewServer returns a server whose address space holds only the
// ObjectsFolder and the namespace array
func NewServer() *Server {
	s := &Server{
		nodes:        make(map[ua.NodeID]*Node),
		BrowseErrors: make(map[ua.NodeID]error),
		ReadErrors:   make(map[ua.NodeID]error),
		Users:        make(map[string]string),
		Certificate:  []byte{0x30, 0x82, 0x01, 0x0a},
		drops:        make(chan error, 1),
	}
	s.AddNode(ua.ObjectsFolder, "Objects", ua.NodeClassObject)
	s.AddNode(ua.ServerNamespaceArray, "NamespaceArray", ua.NodeClassVariable)
	s.nodes[ua.ServerNamespaceArray].Value = ua.Variant{
		Type:  ua.TypeString,
		Value: []string{"http://opcfoundation.org/UA/", "urn:fake:server"},
	}
	return s
}

// AddNode registers a node and returns it for further setup
func (s *Server) AddNode(id ua.NodeID, browseName string, class ua.NodeClass) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := &Node{ID: id, BrowseName: browseName, Class: class}
	s.nodes[id] = n
	return n
}

// AddReference adds a hierarchical reference from parent to child
func (s *Server) AddReference(parent, child ua.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[parent].Refs = append(s.nodes[parent].Refs, child)
}

// Drop simulates an asynchronous connection loss
func (s *Server) Drop(err error) {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	s.drops <- err
}

// Dial implements ua.Link
func (s *Server) Dial(ctx context.Context, ep ua.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Dials = append(s.Dials, ep)
	if s.DialFailures > 0 {
		s.DialFailures--
		if s.DialError != nil {
			return s.DialError
		}
		return ErrUnreachable
	}
	s.open = true
	return nil
}

// Close implements ua.Link
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed++
	s.open = false
	return s.CloseError
}

// Drops implements ua.Link
func (s *Server) Drops() <-chan error { return s.drops }

// ServerCertificate implements ua.Link
func (s *Server) ServerCertificate() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Certificate
}

// IsOpen reports whether the link is dialed
func (s *Server) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// CreateSession implements ua.SessionService
func (s *Server) CreateSession(ctx context.Context, req ua.SessionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sessions = append(s.Sessions, req)
	if !s.open {
		return "", ErrNotDialed
	}
	if s.SessionError != nil {
		return "", s.SessionError
	}
	if req.Identity != nil {
		var ok bool
		err := req.Identity.WithPassword(func(pw string) error {
			want, known := s.Users[req.Identity.Username]
			ok = known && want == pw
			return nil
		})
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrAccessDenied
		}
	}
	s.sessionSeq++
	return fmt.Sprintf("ns=1;g=%08d-0000-0000-0000-000000000000", s.sessionSeq), nil
}

// CloseSession implements ua.SessionService
func (s *Server) CloseSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SessionClosed++
	return s.CloseError
}

// Browse implements ua.Services
func (s *Server) Browse(ctx context.Context, nodeID ua.NodeID) ([]ua.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BrowseCalls++
	s.bytesWrite += 64
	if !s.open {
		return nil, ErrNotDialed
	}
	if err := s.BrowseErrors[nodeID]; err != nil {
		return nil, err
	}
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("BadNodeIdUnknown: %s", nodeID)
	}
	refs := make([]ua.Reference, 0, len(n.Refs))
	for _, id := range n.Refs {
		child := s.nodes[id]
		refs = append(refs, ua.Reference{
			NodeID:        id,
			BrowseName:    child.BrowseName,
			DisplayName:   child.BrowseName,
			NodeClass:     child.Class,
			ReferenceType: "i=35",
		})
	}
	s.bytesRead += int64(48 * (len(refs) + 1))
	return refs, nil
}

// Read implements ua.Services
func (s *Server) Read(ctx context.Context, req []ua.ReadValueID) ([]ua.DataValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReadCalls++
	s.ReadSizes = append(s.ReadSizes, len(req))
	s.bytesWrite += int64(32 * len(req))
	if !s.open {
		return nil, ErrNotDialed
	}
	out := make([]ua.DataValue, len(req))
	for i, r := range req {
		if err := s.ReadErrors[r.NodeID]; err != nil {
			return nil, err
		}
		n, ok := s.nodes[r.NodeID]
		if !ok {
			out[i] = ua.DataValue{Err: fmt.Errorf("BadNodeIdUnknown: %s", r.NodeID)}
			continue
		}
		out[i] = ua.DataValue{Value: n.attribute(r.AttributeID)}
		if out[i].Value.IsNull() && r.AttributeID != ua.AttributeValue {
			out[i] = ua.DataValue{Err: errors.New("BadAttributeIdInvalid")}
		}
	}
	s.bytesRead += int64(40 * len(req))
	return out, nil
}

func (n *Node) attribute(id ua.AttributeID) ua.Variant {
	switch id {
	case ua.AttributeBrowseName:
		return ua.Variant{Type: ua.TypeQualifiedName, Value: n.BrowseName}
	case ua.AttributeDisplayName:
		return ua.Variant{Type: ua.TypeLocalizedText, Value: n.BrowseName}
	case ua.AttributeNodeClass:
		return ua.Variant{Type: ua.TypeInt32, Value: int32(n.Class)}
	case ua.AttributeValue:
		return n.Value
	case ua.AttributeDataType:
		if n.Class == ua.NodeClassVariable && !n.Value.IsNull() {
			return ua.Variant{Type: ua.TypeNodeID, Value: ua.NodeID(fmt.Sprintf("i=%d", n.Value.Type))}
		}
	}
	return ua.Variant{}
}

// BytesRead implements ua.TrafficCounter
func (s *Server) BytesRead() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesRead
}

// BytesWritten implements ua.TrafficCounter
func (s *Server) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWrite
}

// Subscription is a fake event subscription
type Subscription struct {
	mu         sync.Mutex
	fn         func(ua.EventFields)
	terminated chan struct{}
	once       sync.Once
}

// SubscribeEvents implements ua.EventSubscriber
func (s *Server) SubscribeEvents(ctx context.Context, nodeID ua.NodeID, fields []string, fn func(ua.EventFields)) (ua.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNotDialed
	}
	if s.SubscribeHook != nil {
		s.SubscribeHook(fields)
	}
	sub := &Subscription{fn: fn, terminated: make(chan struct{})}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Emit delivers an event to every live subscription
func (s *Server) Emit(fields ua.EventFields) {
	s.mu.Lock()
	subs := append([]*Subscription(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.mu.Lock()
		fn := sub.fn
		sub.mu.Unlock()
		if fn != nil {
			fn(fields)
		}
	}
}

// Terminate implements ua.Subscription
func (sub *Subscription) Terminate(ctx context.Context) error {
	sub.once.Do(func() {
		sub.mu.Lock()
		sub.fn = nil
		sub.mu.Unlock()
		close(sub.terminated)
	})
	return nil
}

// Terminated is closed once Terminate has been called
func (sub *Subscription) Terminated() <-chan struct{} { return sub.terminated }

// Subscriptions returns the subscriptions created so far
func (s *Server) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subscription(nil), s.subs...)
}
