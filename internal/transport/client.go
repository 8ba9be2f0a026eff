// Package transport implements the ua.Transport interfaces on top of the
// gopcua client.
package transport

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	gua "github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	certificateValidity   = 365 * 24 * time.Hour
	infiniteSessionLength = time.Duration(math.MaxInt32) * time.Millisecond
	publishInterval       = 500 * time.Millisecond
	eventQueueSize        = 100
)

// Client is a ua.Transport backed by gopcua. Dial discovers the endpoint
// and its certificate; CreateSession opens the secure channel and the
// session in one step
type Client struct {
	mu        sync.Mutex
	ep        ua.Endpoint
	selected  *gua.EndpointDescription
	serverCrt []byte
	open      bool
	conn      *opcua.Client
	stop      chan struct{}
	cert      *clientCertificate

	drops        chan error
	pollInterval time.Duration
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	log          *logrus.Entry
}

var _ ua.Transport = (*Client)(nil)

// New returns a closed client
func New() *Client {
	return &Client{
		drops:        make(chan error, 1),
		pollInterval: defaultPollInterval,
		log:          logrus.WithField("component", "transport"),
	}
}

// Dial fetches the server's endpoints and remembers the one matching ep
func (c *Client) Dial(ctx context.Context, ep ua.Endpoint) error {
	endpoints, err := opcua.GetEndpoints(ctx, ep.URL)
	if err != nil {
		return fmt.Errorf("get endpoints from %s: %w", ep.URL, err)
	}

	selected := selectEndpoint(endpoints, ep.SecurityPolicy, ep.SecurityMode)
	if selected == nil {
		if ep.SecurityMode != ua.SecurityModeNone {
			return crawlerrors.Wrap(crawlerrors.ErrConfig, "select endpoint",
				fmt.Errorf("%s offers no endpoint for %s/%s", ep.URL, ep.SecurityPolicy, ep.SecurityMode))
		}
		c.log.Warnf("Server offers no endpoint for %s/%s, trying anyway", ep.SecurityPolicy, ep.SecurityMode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ep = ep
	c.selected = selected
	c.serverCrt = serverCertificate(endpoints, selected)
	c.open = true
	return nil
}

// Close ends the session, if any, and marks the link closed
func (c *Client) Close(ctx context.Context) error {
	err := c.CloseSession(ctx)

	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return err
}

// Drops implements ua.Link
func (c *Client) Drops() <-chan error { return c.drops }

// ServerCertificate implements ua.Link
func (c *Client) ServerCertificate() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCrt
}

// BytesRead is the encoded size of every response received
func (c *Client) BytesRead() int64 { return c.bytesRead.Load() }

// BytesWritten is the encoded size of every request sent
func (c *Client) BytesWritten() int64 { return c.bytesWritten.Load() }

// CreateSession connects a gopcua client with the dialed endpoint's
// security and the requested identity. gopcua keeps the server-issued
// session id private, so the returned id is generated locally
func (c *Client) CreateSession(ctx context.Context, req ua.SessionRequest) (string, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return "", crawlerrors.ErrNotConnected
	}
	if c.conn != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("session already open")
	}
	ep, selected := c.ep, c.selected
	c.mu.Unlock()

	opts, err := c.options(ep, selected, req)
	if err != nil {
		return "", err
	}

	conn, err := opcua.NewClient(ep.URL, opts...)
	if err != nil {
		return "", fmt.Errorf("create client: %w", err)
	}
	if err := conn.Connect(ctx); err != nil {
		return "", sessionError(err)
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.stop = stop
	c.mu.Unlock()
	go c.monitor(conn, stop)

	return uuid.NewString(), nil
}

// CloseSession closes the session and its secure channel
func (c *Client) CloseSession(ctx context.Context) error {
	c.mu.Lock()
	conn, stop := c.conn, c.stop
	c.conn, c.stop = nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(stop)
	return conn.Close(ctx)
}

func (c *Client) options(ep ua.Endpoint, selected *gua.EndpointDescription, req ua.SessionRequest) ([]opcua.Option, error) {
	timeout := req.Timeout
	if timeout == ua.InfiniteTimeout {
		timeout = infiniteSessionLength
	}

	opts := []opcua.Option{
		opcua.ApplicationURI(ApplicationURI),
		opcua.SecurityPolicy(ep.SecurityPolicy.URI()),
		opcua.SecurityMode(securityMode(ep.SecurityMode)),
		opcua.SessionTimeout(timeout),
		opcua.AutoReconnect(false),
	}

	if ep.SecurityMode != ua.SecurityModeNone {
		cert, err := c.certificate()
		if err != nil {
			return nil, err
		}
		opts = append(opts, opcua.Certificate(cert.der), opcua.PrivateKey(cert.key))
		if len(ep.ServerCertificate) > 0 {
			opts = append(opts, opcua.RemoteCertificate(ep.ServerCertificate))
		}
	}

	if req.Identity.Anonymous() {
		opts = append(opts, opcua.AuthAnonymous())
		if policyID := tokenPolicyID(selected, gua.UserTokenTypeAnonymous); policyID != "" {
			opts = append(opts, opcua.AuthPolicyID(policyID))
		}
		return opts, nil
	}

	err := req.Identity.WithPassword(func(password string) error {
		opts = append(opts, opcua.AuthUsername(req.Identity.Username, password))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}
	if policyID := tokenPolicyID(selected, gua.UserTokenTypeUserName); policyID != "" {
		opts = append(opts, opcua.AuthPolicyID(policyID))
	}
	return opts, nil
}

func (c *Client) certificate() (*clientCertificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cert != nil {
		return c.cert, nil
	}
	cert, err := generateCertificate(ApplicationURI, certificateValidity)
	if err != nil {
		return nil, fmt.Errorf("client certificate: %w", err)
	}
	c.cert = cert
	return cert, nil
}

// monitor reports a drop once the gopcua client leaves the connected state
func (c *Client) monitor(conn *opcua.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			switch state := conn.State(); state {
			case opcua.Disconnected, opcua.Closed:
				c.drop(conn, fmt.Errorf("connection state %v", state))
				return
			}
		}
	}
}

// drop forgets conn and reports err, unless conn was already replaced
func (c *Client) drop(conn *opcua.Client, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	stop := c.stop
	c.conn, c.stop = nil, nil
	c.open = false
	c.mu.Unlock()

	close(stop)
	c.log.Warnf("Connection lost: %v", err)
	go conn.Close(context.Background())
	select {
	case c.drops <- err:
	default:
	}
}

func (c *Client) session() (*opcua.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, crawlerrors.ErrNotConnected
	}
	return c.conn, nil
}

// failed reports a drop when err means the channel is gone and returns err
func (c *Client) failed(conn *opcua.Client, err error) error {
	if isDrop(err) {
		c.drop(conn, err)
	}
	return err
}

func (c *Client) account(req, resp any) {
	if b, err := gua.Encode(req); err == nil {
		c.bytesWritten.Add(int64(len(b)))
	}
	if resp == nil {
		return
	}
	if b, err := gua.Encode(resp); err == nil {
		c.bytesRead.Add(int64(len(b)))
	}
}

// Browse implements ua.Services. Continuation points are followed until
// the server returns the last page
func (c *Client) Browse(ctx context.Context, id ua.NodeID) ([]ua.Reference, error) {
	conn, err := c.session()
	if err != nil {
		return nil, err
	}
	nid, err := gua.ParseNodeID(string(id))
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", id, err)
	}

	req := &gua.BrowseRequest{
		View:          &gua.ViewDescription{ViewID: gua.NewTwoByteNodeID(0)},
		NodesToBrowse: []*gua.BrowseDescription{browseDescription(nid)},
	}
	resp, err := conn.Browse(ctx, req)
	if err != nil {
		c.account(req, nil)
		return nil, c.failed(conn, err)
	}
	c.account(req, resp)

	if len(resp.Results) != 1 {
		return nil, crawlerrors.Wrap(crawlerrors.ErrProtocol, "browse",
			fmt.Errorf("%d results for 1 node", len(resp.Results)))
	}
	result := resp.Results[0]
	if isBad(result.StatusCode) {
		return nil, result.StatusCode
	}

	refs := references(result.References)
	cp := result.ContinuationPoint
	for len(cp) > 0 {
		next := &gua.BrowseNextRequest{ContinuationPoints: [][]byte{cp}}
		nresp, err := conn.BrowseNext(ctx, next)
		if err != nil {
			c.account(next, nil)
			return nil, c.failed(conn, err)
		}
		c.account(next, nresp)

		if len(nresp.Results) != 1 {
			return nil, crawlerrors.Wrap(crawlerrors.ErrProtocol, "browse next",
				fmt.Errorf("%d results for 1 continuation point", len(nresp.Results)))
		}
		page := nresp.Results[0]
		if isBad(page.StatusCode) {
			return nil, page.StatusCode
		}
		refs = append(refs, references(page.References)...)
		cp = page.ContinuationPoint
	}
	return refs, nil
}

// Read implements ua.Services
func (c *Client) Read(ctx context.Context, nodes []ua.ReadValueID) ([]ua.DataValue, error) {
	conn, err := c.session()
	if err != nil {
		return nil, err
	}

	req := &gua.ReadRequest{
		TimestampsToReturn: gua.TimestampsToReturnNeither,
		NodesToRead:        make([]*gua.ReadValueID, 0, len(nodes)),
	}
	for _, n := range nodes {
		nid, err := gua.ParseNodeID(string(n.NodeID))
		if err != nil {
			return nil, fmt.Errorf("parse node id %q: %w", n.NodeID, err)
		}
		req.NodesToRead = append(req.NodesToRead, &gua.ReadValueID{
			NodeID:      nid,
			AttributeID: gua.AttributeID(n.AttributeID),
		})
	}

	resp, err := conn.Read(ctx, req)
	if err != nil {
		c.account(req, nil)
		return nil, c.failed(conn, err)
	}
	c.account(req, resp)

	values := make([]ua.DataValue, len(resp.Results))
	for i, dv := range resp.Results {
		values[i] = dataValue(dv)
	}
	return values, nil
}

type subscription struct {
	sub  *opcua.Subscription
	done chan struct{}
	once sync.Once
}

// Terminate cancels the server-side subscription and stops delivery
func (s *subscription) Terminate(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Cancel(ctx)
	})
	return err
}

// SubscribeEvents implements ua.EventSubscriber. fn runs on the
// subscription's delivery goroutine
func (c *Client) SubscribeEvents(ctx context.Context, id ua.NodeID, fields []string, fn func(ua.EventFields)) (ua.Subscription, error) {
	conn, err := c.session()
	if err != nil {
		return nil, err
	}
	nid, err := gua.ParseNodeID(string(id))
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", id, err)
	}

	notify := make(chan *opcua.PublishNotificationData, eventQueueSize)
	sub, err := conn.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: publishInterval}, notify)
	if err != nil {
		return nil, c.failed(conn, fmt.Errorf("create subscription: %w", err))
	}

	item := &gua.MonitoredItemCreateRequest{
		ItemToMonitor: &gua.ReadValueID{
			NodeID:       nid,
			AttributeID:  gua.AttributeIDEventNotifier,
			DataEncoding: &gua.QualifiedName{},
		},
		MonitoringMode: gua.MonitoringModeReporting,
		RequestedParameters: &gua.MonitoringParameters{
			ClientHandle:     1,
			DiscardOldest:    true,
			Filter:           gua.NewExtensionObject(eventFilter(fields)),
			QueueSize:        eventQueueSize,
			SamplingInterval: 0,
		},
	}
	res, err := sub.Monitor(ctx, gua.TimestampsToReturnBoth, item)
	if err == nil && len(res.Results) > 0 && isBad(res.Results[0].StatusCode) {
		err = res.Results[0].StatusCode
	}
	if err != nil {
		sub.Cancel(ctx)
		return nil, fmt.Errorf("monitor events of %s: %w", id, err)
	}

	s := &subscription{sub: sub, done: make(chan struct{})}
	go c.deliver(s, notify, fn)
	return s, nil
}

func (c *Client) deliver(s *subscription, notify <-chan *opcua.PublishNotificationData, fn func(ua.EventFields)) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-notify:
			if !ok {
				return
			}
			if msg.Error != nil {
				c.log.Warnf("Publish failed: %v", msg.Error)
				continue
			}
			list, ok := msg.Value.(*gua.EventNotificationList)
			if !ok {
				continue
			}
			for _, ev := range list.Events {
				if ev == nil {
					continue
				}
				select {
				case <-s.done:
					return
				default:
				}
				fn(eventFields(ev.EventFields))
			}
		}
	}
}
