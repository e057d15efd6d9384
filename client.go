package jms

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"sync"
)

// Client is an AMQP connection.
//
// The Client carries the connection-scoped delivery policies inherited
// by its sessions and links, owns the exception listener, and manages
// durable subscriptions.
type Client struct {
	conn *conn

	// durable subscription management; the hidden session is begun on
	// first use and lives until the connection closes
	unsubMu       sync.Mutex
	unsubSession  *Session
	pendingUnsubs map[string]*request
}

func newClient(c *conn) *Client {
	return &Client{
		conn:          c,
		pendingUnsubs: make(map[string]*request),
	}
}

// Dial connects to an AMQP server.
//
// If the addr includes a scheme, it must be "amqp" or "amqps".
// If no port is provided, 5672 will be used for "amqp" and 5671 for "amqps".
//
// If username and password information is not empty it's used as SASL PLAIN
// credentials, equal to passing ConnSASLPlain option.
func Dial(addr string, opts ...ConnOption) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, kindWrap(KindConfiguration, err, "parsing address")
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		port = "5672" // use default port values if parse fails
		if u.Scheme == "amqps" {
			port = "5671"
		}
	}

	// prepend SASL credentials when the user/pass segment is not empty
	if u.User != nil {
		pass, _ := u.User.Password()
		opts = append([]ConnOption{
			ConnSASLPlain(u.User.Username(), pass),
		}, opts...)
	}

	// append default options so user specified can overwrite
	opts = append([]ConnOption{
		ConnServerHostname(host),
	}, opts...)

	c, err := newConn(nil, opts...)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.connectTimeout}
	switch u.Scheme {
	case "amqp", "":
		c.net, err = dialer.Dial("tcp", host+":"+port)
	case "amqps":
		c.initTLSConfig()
		c.tlsNegotiation = false
		c.net, err = tls.DialWithDialer(&dialer, "tcp", host+":"+port, c.tlsConfig)
	default:
		return nil, configErrorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, kindWrap(KindTransport, err, "dialing")
	}
	err = c.start()
	return newClient(c), err
}

// New establishes an AMQP client connection over conn.
func New(conn net.Conn, opts ...ConnOption) (*Client, error) {
	c, err := newConn(conn, opts...)
	if err != nil {
		return nil, err
	}
	err = c.start()
	return newClient(c), err
}

// Close disconnects the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// OnException registers fn as the connection's exception listener. The
// listener is fired once for the error that fails the connection, and
// for asynchronous errors with no operation left to return to, such as
// a rejected force-async send. fn runs on its own goroutine.
//
// Registering replaces any previous listener; a nil fn disables it.
func (c *Client) OnException(fn func(error)) {
	c.conn.listener.Store(fn)
}

// NewSession opens a new AMQP session to the server.
func (c *Client) NewSession(opts ...SessionOption) (*Session, error) {
	// get a session allocated by conn.mux
	var sResp newSessionResp
	select {
	case <-c.conn.done:
		return nil, c.conn.getErr()
	case sResp = <-c.conn.newSession:
	}

	if sResp.err != nil {
		return nil, sResp.err
	}
	s := sResp.session

	for _, opt := range opts {
		err := opt(s)
		if err != nil {
			s.releaseChannel() // deallocate session on error
			return nil, err
		}
	}

	err := s.ep.localOpen(nil)
	if err != nil {
		s.releaseChannel()
		return nil, err
	}

	// send Begin to server
	begin := &performBegin{
		NextOutgoingID: 0,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	debug(1, "TX: %s", begin)
	s.txFrame(begin, nil)

	// wait for response
	var fr frame
	select {
	case <-c.conn.done:
		return nil, c.conn.getErr()
	case fr = <-s.rx:
	}
	debug(1, "RX: %s", fr.body)

	begin, ok := fr.body.(*performBegin)
	if !ok {
		s.ep.fail(ErrSessionClosed)
		s.releaseChannel() // deallocate session on error
		return nil, protocolErrorf("unexpected begin response: %+v", fr.body)
	}

	err = s.ep.remoteOpened()
	if err != nil {
		s.releaseChannel()
		return nil, err
	}

	// start Session multiplexor
	go s.mux(begin)

	return s, nil
}

// Unsubscribe deletes the named durable subscription on the server.
//
// The subscription must have no attached receiver. Unsubscribing a name
// the server doesn't know fails with a resource error, as does a
// subscription still in use. A second Unsubscribe for a name whose
// first is still in flight fails immediately.
func (c *Client) Unsubscribe(ctx context.Context, name string) error {
	if name == "" {
		return configErrorf("subscription name must not be empty")
	}

	s, err := c.subscriptionSession()
	if err != nil {
		return err
	}

	req, err := c.trackUnsubscribe(name)
	if err != nil {
		return err
	}

	go c.runUnsubscribe(s, name, wrappedRequest{
		target: req,
		before: func() { c.untrackUnsubscribe(name) },
	})

	return req.wait(ctx)
}

// subscriptionSession returns the hidden session used for subscription
// management, beginning it on first use.
func (c *Client) subscriptionSession() (*Session, error) {
	c.unsubMu.Lock()
	defer c.unsubMu.Unlock()

	if c.unsubSession != nil {
		select {
		case <-c.unsubSession.done:
			// session failed, begin a fresh one
		default:
			return c.unsubSession, nil
		}
	}

	s, err := c.NewSession()
	if err != nil {
		return nil, err
	}
	c.unsubSession = s
	return s, nil
}

func (c *Client) trackUnsubscribe(name string) (*request, error) {
	c.unsubMu.Lock()
	defer c.unsubMu.Unlock()
	if _, ok := c.pendingUnsubs[name]; ok {
		return nil, appErrorf("unsubscribe of %q already in progress", name)
	}
	req := newRequest()
	c.pendingUnsubs[name] = req
	return req, nil
}

func (c *Client) untrackUnsubscribe(name string) {
	c.unsubMu.Lock()
	delete(c.pendingUnsubs, name)
	c.unsubMu.Unlock()
}

// runUnsubscribe recovers the named durable subscription by attaching a
// receiver link carrying the subscription name, issuing no credit, then
// detaching closed, which deletes the subscription's state on the
// server. A peer that answers the attach with a null source doesn't
// know the subscription.
func (c *Client) runUnsubscribe(s *Session, name string, req wrappedRequest) {
	l := &link{
		name:    name,
		session: s,
		rx:      make(chan frameBody, 1),
		close:   make(chan struct{}),
		done:    make(chan struct{}),
		source: &source{
			Durable:      DurabilityUnsettledState,
			ExpiryPolicy: ExpiryNever,
		},
	}

	// request handle from Session.mux
	select {
	case s.allocateHandle <- l:
	case <-s.done:
		req.complete(s.err)
		return
	}
	select {
	case <-l.rx:
	case <-s.done:
		req.complete(s.err)
		return
	}
	if l.err != nil {
		req.complete(l.err)
		return
	}

	openReq := newRequest()
	err := l.ep.localOpen(openReq)
	if err != nil {
		req.complete(err)
		return
	}

	attach := &performAttach{
		Name:   l.name,
		Handle: l.handle,
		Role:   roleReceiver,
		Source: l.source,
	}
	debug(1, "TX: %s", attach)
	s.txFrame(attach, nil)

	// wait for the peer's attach
	var resp *performAttach
	for resp == nil {
		select {
		case fr := <-l.rx:
			if fr, ok := fr.(*performAttach); ok {
				resp = fr
			}
		case <-s.done:
			l.ep.fail(s.err)
			req.complete(s.err)
			return
		}
	}
	debug(3, "RX: %s", resp)

	if resp.Source != nil {
		err = l.ep.remoteOpened()
		if err != nil {
			req.complete(err)
			return
		}
	} else {
		// a null source means the server has no such subscription; the
		// closing detach carries the outcome and is still exchanged to
		// release the link
		l.ep.markClosePending()
	}

	closeReq := newRequest()
	if _, emit := l.ep.localClose(closeReq); emit {
		s.txFrame(&performDetach{Handle: l.handle, Closed: true}, nil)
	}

	for {
		select {
		case fr := <-l.rx:
			detach, ok := fr.(*performDetach)
			if !ok || !detach.Closed {
				continue
			}

			var remoteErr error
			switch {
			case detach.Error != nil:
				remoteErr = kindWrap(KindResource, detach.Error, "unsubscribe failed")
			case resp.Source == nil:
				remoteErr = resourceErrorf("invalid destination: no durable subscription named %q", name)
			}
			l.ep.remoteClosed(remoteErr)

			select {
			case s.deallocateHandle <- l:
			case <-s.done:
				req.complete(s.err)
				return
			}

			// a refused attach resolves the open request with the
			// failure; a clean exchange resolves both requests and
			// leaves only the answering detach's error to report
			if err := openReq.wait(context.Background()); err != nil {
				req.complete(err)
				return
			}
			if err := closeReq.wait(context.Background()); err != nil {
				req.complete(err)
				return
			}
			req.complete(remoteErr)
			return

		case <-s.done:
			l.ep.fail(s.err)
			req.complete(s.err)
			return
		}
	}
}
