package jms

import (
	"bytes"
	"crypto/tls"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default connection options
const (
	defaultIdleTimeout  = 1 * time.Minute
	defaultMaxFrameSize = 512
	defaultMaxSessions  = 65536
)

// ConnOption is a function for configuring an AMQP connection.
type ConnOption func(*conn) error

// ConnServerHostname sets the hostname sent in the AMQP
// Open frame and TLS ServerName (if not otherwise set).
//
// This is useful when the client is connecting to a proxy
// or a load balancer whose name differs from the AMQP
// container it fronts.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnTLS toggles TLS negotiation.
//
// Default: false.
func ConnTLS(enable bool) ConnOption {
	return func(c *conn) error {
		c.tlsNegotiation = enable
		return nil
	}
}

// ConnTLSConfig sets the tls.Config to be used during
// TLS negotiation in place of a system default.
func ConnTLSConfig(tc *tls.Config) ConnOption {
	return func(c *conn) error {
		c.tlsConfig = tc
		c.tlsNegotiation = true
		return nil
	}
}

// ConnIdleTimeout specifies the maximum period between receiving
// frames from the peer.
//
// Resolution is milliseconds. A value of zero indicates no timeout.
// This setting is in addition to TCP keepalives.
//
// Default: 1 minute.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		if d < 0 {
			return configErrorf("idle timeout cannot be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnMaxFrameSize sets the maximum frame size that
// the connection will accept.
//
// Must be 512 or greater.
//
// Default: 512.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *conn) error {
		if n < 512 {
			return configErrorf("max frame size must be 512 or greater")
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnConnectTimeout configures how long to wait for the
// server during connection establishment.
//
// Once the connection has been established, ConnIdleTimeout
// applies instead. Used to limit the amount of time a client
// will wait for a protocol header, SASL outcome or open frame.
//
// Default: 0 (indefinite).
func ConnConnectTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		c.connectTimeout = d
		return nil
	}
}

// ConnCloseTimeout bounds how long Close waits for the peer to answer
// the close performative before the transport is torn down.
//
// Default: 0 (indefinite).
func ConnCloseTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		c.closeTimeout = d
		return nil
	}
}

// ConnMaxSessions sets the maximum number of channels.
//
// n must be in the range 1 to 65536.
//
// Default: 65536.
func ConnMaxSessions(n int) ConnOption {
	return func(c *conn) error {
		if n < 1 {
			return configErrorf("max sessions cannot be less than 1")
		}
		if n > 65536 {
			return configErrorf("max sessions cannot be greater than 65536")
		}
		c.channelMax = uint16(n - 1)
		return nil
	}
}

// ConnProperty sets an entry in the connection properties map sent to the server.
//
// This option can be used multiple times.
func ConnProperty(key, value string) ConnOption {
	return func(c *conn) error {
		if key == "" {
			return configErrorf("connection property key must not be empty")
		}
		if c.properties == nil {
			c.properties = make(map[symbol]interface{})
		}
		c.properties[symbol(key)] = value
		return nil
	}
}

// ConnContainerID sets the container-id sent in the open frame.
// A configured JMS client id is carried as the container-id.
//
// Default: randomly generated.
func ConnContainerID(id string) ConnOption {
	return func(c *conn) error {
		c.containerID = id
		return nil
	}
}

// ConnPrefetchPolicy sets the credit window granted to receivers
// created on the connection, by destination kind. An explicit
// LinkCredit option overrides the policy per link.
func ConnPrefetchPolicy(p PrefetchPolicy) ConnOption {
	return func(c *conn) error {
		if err := p.validate(); err != nil {
			return err
		}
		c.prefetch = p
		return nil
	}
}

// ConnMaxRedeliveries limits how often a delivery may be returned to
// the server before receivers on this connection reject it instead.
// A negative value disables the limit.
//
// Default: -1.
func ConnMaxRedeliveries(n int) ConnOption {
	return func(c *conn) error {
		c.maxRedeliveries = n
		return nil
	}
}

// ConnQueuePrefix sets a prefix prepended to queue names when links
// are attached with LinkQueue.
func ConnQueuePrefix(prefix string) ConnOption {
	return func(c *conn) error {
		c.queuePrefix = prefix
		return nil
	}
}

// ConnTopicPrefix sets a prefix prepended to topic names when links
// are attached with LinkTopic.
func ConnTopicPrefix(prefix string) ConnOption {
	return func(c *conn) error {
		c.topicPrefix = prefix
		return nil
	}
}

// ConnForceSyncSend makes every send wait for the peer's disposition,
// requesting settlement confirmation on sender links.
//
// Default: false.
func ConnForceSyncSend(enable bool) ConnOption {
	return func(c *conn) error {
		c.forceSyncSend = enable
		if enable {
			c.forceAsyncSend = false
		}
		return nil
	}
}

// ConnForceAsyncSend makes Send return as soon as the transfer is
// written, resolving the delivery in the background. A rejection
// arriving later fails the sender link and fires the connection's
// exception listener.
//
// Default: false.
func ConnForceAsyncSend(enable bool) ConnOption {
	return func(c *conn) error {
		c.forceAsyncSend = enable
		if enable {
			c.forceSyncSend = false
		}
		return nil
	}
}

// ConnForceAsyncAcks stops acknowledgements from waiting for the
// peer's settled disposition on links with receiver settle mode
// "second".
//
// Default: false.
func ConnForceAsyncAcks(enable bool) ConnOption {
	return func(c *conn) error {
		c.forceAsyncAcks = enable
		return nil
	}
}

// ConnLocalMessagePriority reorders buffered deliveries on receivers
// by descending priority header, FIFO within a priority. Only locally
// buffered messages reorder; order across Receive calls is unchanged.
//
// Default: false.
func ConnLocalMessagePriority(enable bool) ConnOption {
	return func(c *conn) error {
		c.localPriority = enable
		return nil
	}
}

// conn is an AMQP connection.
type conn struct {
	net            net.Conn      // underlying connection
	connectTimeout time.Duration // time to wait for reads/writes during conn establishment
	closeTimeout   time.Duration // time to wait for the peer's close before tearing down the transport

	// TLS
	tlsNegotiation bool        // negotiate TLS
	tlsComplete    bool        // TLS negotiation complete
	tlsConfig      *tls.Config // TLS config, default used if nil (ServerName set to hostname)

	// SASL
	saslHandlers map[symbol]stateFunc // map of supported handlers keyed by SASL mechanism, SASL not negotiated if nil
	saslComplete bool                 // SASL negotiation complete

	// local settings
	maxFrameSize uint32                 // max frame size we accept
	channelMax   uint16                 // maximum number of channels we'll allow
	hostname     string                 // hostname of remote server (set explicitly or parsed from URL)
	idleTimeout  time.Duration          // maximum period between receiving frames
	properties   map[symbol]interface{} // additional properties sent upon connection open
	containerID  string                 // set explicitly or randomly generated

	// peer settings
	peerIdleTimeout  time.Duration // maximum period between sending frames
	peerMaxFrameSize uint32        // maximum frame size peer will accept

	// JMS-level policy inherited by sessions and links
	prefetch        PrefetchPolicy // receiver credit defaults by destination kind
	maxRedeliveries int            // redelivery limit, negative for none
	queuePrefix     string         // prepended to LinkQueue names
	topicPrefix     string         // prepended to LinkTopic names
	forceSyncSend   bool           // sends wait for the disposition
	forceAsyncSend  bool           // sends return on transmission
	forceAsyncAcks  bool           // acks don't wait for settlement confirmation
	localPriority   bool           // receivers reorder buffered messages by priority

	// exception listener; holds a func(error), fired off-mux for the
	// fatal connection error and for async delivery failures
	listener atomic.Value

	// conn state
	ep    endpoint      // open/close lifecycle, owned by start then conn.mux
	errMu sync.Mutex    // mux holds errMu from start until shutdown completes; operations are sequential before mux is started
	err   error         // error to be returned to client
	done  chan struct{} // indicates the connection is done

	// mux
	newSession   chan newSessionResp // new Sessions are requested from mux by reading off this channel
	delSession   chan *Session       // session completion is indicated to mux by sending the Session on this channel
	connErr      chan error          // connReader/Writer notifications of an error
	closeMux     chan struct{}       // indicates that the mux should stop
	closeMuxOnce sync.Once

	// connReader
	rxProto       chan protoHeader // protoHeaders received by connReader
	rxFrame       chan frame       // AMQP frames received by connReader
	rxDone        chan struct{}
	connReaderRun chan func() // functions to be run by connReader between reads

	// connWriter
	txFrame chan frame   // AMQP frames to be sent by connWriter
	txBuf   bytes.Buffer // buffer for marshaling frames before transmitting
	txDone  chan struct{}
}

type newSessionResp struct {
	session *Session
	err     error
}

func newConn(netConn net.Conn, opts ...ConnOption) (*conn, error) {
	c := &conn{
		net:              netConn,
		maxFrameSize:     defaultMaxFrameSize,
		peerMaxFrameSize: defaultMaxFrameSize,
		channelMax:       defaultMaxSessions - 1, // -1 because channel-max starts at zero
		idleTimeout:      defaultIdleTimeout,
		maxRedeliveries:  -1,
		containerID:      "ID:" + uuid.New().String(),
		done:             make(chan struct{}),
		connErr:          make(chan error, 2), // buffered: connReader and connWriter each send a final error
		closeMux:         make(chan struct{}),
		rxProto:          make(chan protoHeader),
		rxFrame:          make(chan frame),
		rxDone:           make(chan struct{}),
		connReaderRun:    make(chan func(), 1), // buffered so a func can be queued before the read interrupt
		newSession:       make(chan newSessionResp),
		delSession:       make(chan *Session),
		txFrame:          make(chan frame),
		txDone:           make(chan struct{}),
	}

	// apply options
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *conn) initTLSConfig() {
	// create a new config if not already set
	if c.tlsConfig == nil {
		c.tlsConfig = new(tls.Config)
	}

	// TLS config must have ServerName or InsecureSkipVerify set
	if c.tlsConfig.ServerName == "" && !c.tlsConfig.InsecureSkipVerify {
		c.tlsConfig.ServerName = c.hostname
	}
}

// start establishes the connection and begins multiplexing network IO.
func (c *conn) start() error {
	// start reading
	go c.connReader()

	// run connection establishment state machine
	for state := c.negotiateProto; state != nil; {
		state = state()
	}

	// check if err occurred
	if c.err != nil {
		close(c.txDone) // close here since connWriter hasn't been started yet
		c.close()       // OK to call here since mux hasn't been started yet
		return c.err
	}

	// start multiplexor and writer
	go c.mux()
	go c.connWriter()

	return nil
}

// Close closes the connection.
func (c *conn) Close() error {
	c.closeMuxOnce.Do(func() { close(c.closeMux) })
	if c.closeTimeout != 0 {
		// tear down the transport if the peer never answers the close
		t := time.AfterFunc(c.closeTimeout, func() { _ = c.net.Close() })
		defer t.Stop()
	}
	err := c.getErr()
	if err == ErrConnClosed {
		return nil
	}
	return err
}

// close must only be called by conn.mux, or by conn.start
// when the mux was never started.
func (c *conn) close() {
	close(c.done) // notify goroutines and blocked functions to exit

	// wait for writing to stop, allows it to send the final close frame
	<-c.txDone

	err := c.net.Close()
	switch {
	// conn.err already set
	case c.err != nil:

	// conn.err not set and c.net.Close() returned a non-nil error
	case err != nil:
		c.err = err

	// no errors
	default:
		c.err = ErrConnClosed
	}

	// check rxDone after closing net, otherwise may block
	// up to the read deadline
	<-c.rxDone

	// connWriter emitted the final close performative and the transport
	// is gone; answer a peer-initiated close, then resolve anything the
	// ledger still holds
	c.ep.replyClosed()
	c.ep.fail(c.err)

	if c.err != ErrConnClosed {
		c.notifyException(c.err)
	}
}

// notifyException delivers err to the registered exception listener.
// The callback runs on its own goroutine; engine goroutines never call
// application code directly.
func (c *conn) notifyException(err error) {
	if err == nil {
		return
	}
	if fn, ok := c.listener.Load().(func(error)); ok && fn != nil {
		go fn(err)
	}
}

// getErr returns conn.err.
//
// Must only be called after conn.done is closed.
func (c *conn) getErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// mux is started in it's own goroutine after initial connection establishment.
// It handles muxing of sessions, keepalives, and connection errors.
func (c *conn) mux() {
	var (
		// allocated channels
		channels = &bitmap{max: uint32(c.channelMax)}

		// create the next session to allocate
		nextChannel, _ = channels.next()
		nextSession    = newSessionResp{session: newSession(c, uint16(nextChannel))}

		// map channels to sessions
		sessionsByChannel       = make(map[uint16]*Session)
		sessionsByRemoteChannel = make(map[uint16]*Session)
	)

	// hold the errMu lock until error or done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	defer c.close() // defer order is important, c.close must run before the unlock

	for {
		// check if last loop returned an error
		if c.err != nil {
			return
		}

		select {
		// error from connReader or connWriter
		case c.err = <-c.connErr:

		// new frame from connReader
		case fr := <-c.rxFrame:
			var (
				session *Session
				ok      bool
			)

			switch body := fr.body.(type) {
			// server initiated close
			case *performClose:
				var remoteErr error
				if body.Error != nil {
					remoteErr = body.Error
				}

				// the answering close performative is emitted by
				// connWriter during shutdown
				dir := c.ep.remoteClosed(remoteErr)
				if dir.failed {
					c.err = dir.err
				} else {
					c.err = ErrConnClosed
				}
				return

			// RemoteChannel should be used when frame is Begin
			case *performBegin:
				session, ok = sessionsByChannel[body.RemoteChannel]
				if !ok {
					break
				}

				session.remoteChannel = fr.channel
				sessionsByRemoteChannel[fr.channel] = session

			default:
				session, ok = sessionsByRemoteChannel[fr.channel]
			}

			if !ok {
				c.err = protocolErrorf("unexpected frame: %#v", fr.body)
				continue
			}

			select {
			case session.rx <- fr:
			case <-c.closeMux:
				return
			}

		// new session request
		//
		// Continually try to send the next session on the channel,
		// then add it to the sessions map. This allows us to control ID
		// allocation and prevents the need to have a shared map. Since new
		// sessions are far less frequent than frames being sent to sessions,
		// this avoids the lock/unlock for session lookup.
		case c.newSession <- nextSession:
			if nextSession.err != nil {
				continue
			}

			// save session into map
			ch := nextSession.session.channel
			sessionsByChannel[ch] = nextSession.session

			// get next available channel
			next, ok := channels.next()
			if !ok {
				nextSession = newSessionResp{err: resourceErrorf("reached connection channel max (%d)", c.channelMax)}
				continue
			}

			// create the next session to send
			nextSession = newSessionResp{session: newSession(c, uint16(next))}

		// session deletion
		case s := <-c.delSession:
			delete(sessionsByChannel, s.channel)
			delete(sessionsByRemoteChannel, s.remoteChannel)
			channels.remove(uint32(s.channel))

		// connection is complete
		case <-c.closeMux:
			c.ep.localClose(nil)
			return
		}
	}
}

// connReader reads from the net.Conn, decodes frames and either handles
// them here as appropriate or sends them to the session.rx channel.
func (c *conn) connReader() {
	defer close(c.rxDone)

	buf := new(bytes.Buffer)

	var (
		negotiating     = true                        // true during conn establishment, check for protoHeaders
		currentHeader   frameHeader                   // keep track of the current header, for frames split across multiple TCP packets
		frameInProgress bool                          // true if in the middle of receiving data for currentHeader
		rxBuf           = make([]byte, c.maxFrameSize) // reusable buffer for reading from the connection
	)

	for {
		// need to read more if buf doesn't contain the complete frame
		// or there's not enough in buf to parse the header
		if frameInProgress || buf.Len() < frameHeaderSize {
			// a peer receiving no frames for twice its advertised idle
			// timeout is allowed to consider the connection dead
			if c.idleTimeout > 0 {
				_ = c.net.SetReadDeadline(time.Now().Add(2 * c.idleTimeout))
			}

			n, err := c.net.Read(rxBuf)
			if err != nil {
				// the connection may be in the middle of a TLS upgrade;
				// the queued function runs on this goroutine so reads
				// never overlap with the handshake
				select {
				case f := <-c.connReaderRun:
					f()
					continue
				default:
				}

				select {
				case c.connErr <- kindWrap(KindTransport, err, "reading from connection"):
				case <-c.done:
				}
				return
			}

			_, err = buf.Write(rxBuf[:n])
			if err != nil {
				select {
				case c.connErr <- err:
				case <-c.done:
				}
				return
			}
		}

		// read more if buf doesn't contain enough to parse the header
		if buf.Len() < frameHeaderSize {
			continue
		}

		// during negotiation, check for proto headers
		if negotiating && bytes.Equal(buf.Bytes()[:4], []byte{'A', 'M', 'Q', 'P'}) {
			p, err := parseProtoHeader(buf)
			if err != nil {
				select {
				case c.connErr <- err:
				case <-c.done:
				}
				return
			}

			// negotiation is complete once an AMQP proto frame is received
			if p.ProtoID == protoAMQP {
				negotiating = false
			}

			// send proto header to the establishment state machine
			select {
			case <-c.done:
				return
			case c.rxProto <- p:
			}

			continue
		}

		// parse the header if a frame isn't in progress
		if !frameInProgress {
			var err error
			currentHeader, err = parseFrameHeader(buf)
			if err != nil {
				select {
				case c.connErr <- err:
				case <-c.done:
				}
				return
			}
			frameInProgress = true
		}

		// check size is reasonable
		if currentHeader.Size > math.MaxInt32 { // make max size configurable
			select {
			case c.connErr <- protocolErrorf("payload too large"):
			case <-c.done:
			}
			return
		}

		bodySize := int(currentHeader.Size) - frameHeaderSize

		// the full frame hasn't been received, keep reading
		if buf.Len() < bodySize {
			continue
		}
		frameInProgress = false

		// check if body is empty (keepalive)
		if bodySize == 0 {
			continue
		}

		// parse the frame
		payload := bytes.NewBuffer(buf.Next(bodySize))
		parsedBody, err := parseFrameBody(payload)
		if err != nil {
			select {
			case c.connErr <- err:
			case <-c.done:
			}
			return
		}

		// send to mux
		select {
		case <-c.done:
			return
		case c.rxFrame <- frame{typ: currentHeader.FrameType, channel: currentHeader.Channel, body: parsedBody}:
		}
	}
}

func (c *conn) connWriter() {
	defer close(c.txDone)

	// disable keepalives if idle timeout disabled
	var keepalives <-chan time.Time
	if c.peerIdleTimeout > 0 {
		// sending a frame at least every peerIdleTimeout/2 avoids
		// spurious idle timeouts at the peer
		ticker := time.NewTicker(c.peerIdleTimeout / 2)
		defer ticker.Stop()
		keepalives = ticker.C
	}

	var err error
	for {
		if err != nil {
			debug(1, "connWriter error: %v", err)
			select {
			case c.connErr <- kindWrap(KindTransport, err, "writing to connection"):
			case <-c.done:
			}
			return
		}

		select {
		// frame write request
		case fr := <-c.txFrame:
			err = c.writeFrame(fr)
			if err == nil && fr.done != nil {
				close(fr.done)
			}

		// keepalive timer
		case <-keepalives:
			_, err = c.net.Write(keepaliveFrame)
			// It would be slightly more efficient in terms of network
			// resources to reset the timer each time a frame is sent.
			// However, keepalives are small (8 bytes) and the interval
			// is usually on the order of minutes. It does not seem
			// worth it to add extra operations in the write path to
			// avoid. (To properly reset a timer it needs to be stopped,
			// possibly drained, then reset.)

		// connection complete
		case <-c.done:
			// send close performative
			cls := &performClose{}
			debug(1, "TX: %s", cls)
			_ = c.writeFrame(frame{
				typ:  frameTypeAMQP,
				body: cls,
			})
			return
		}
	}
}

// writeFrame writes a frame to the network. Only connWriter and the
// establishment state machine may call it.
func (c *conn) writeFrame(fr frame) error {
	if c.connectTimeout != 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.connectTimeout))
	}

	// marshal frame into txBuf
	c.txBuf.Reset()
	err := writeFrame(&c.txBuf, fr)
	if err != nil {
		return err
	}

	// validate the frame isn't exceeding peer's max frame size
	requiredFrameSize := c.txBuf.Len()
	if uint64(requiredFrameSize) > uint64(c.peerMaxFrameSize) {
		return protocolErrorf("%T frame size %d larger than peer's max frame size %d", fr.body, requiredFrameSize, c.peerMaxFrameSize)
	}

	// write to network
	_, err = c.net.Write(c.txBuf.Bytes())
	return err
}

// writeProtoHeader writes the protocol header for pID to the network.
func (c *conn) writeProtoHeader(pID protoID) error {
	if c.connectTimeout != 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.connectTimeout))
	}
	_, err := c.net.Write([]byte{'A', 'M', 'Q', 'P', byte(pID), 1, 0, 0})
	return err
}

// keepaliveFrame is an AMQP frame with no body, used for keepalives
var keepaliveFrame = []byte{0x00, 0x00, 0x00, 0x08, 0x02, 0x00, 0x00, 0x00}

// wantWriteFrame is used by sessions and links to send frames to connWriter.
func (c *conn) wantWriteFrame(fr frame) error {
	select {
	case c.txFrame <- fr:
		return nil
	case <-c.done:
		return c.getErr()
	}
}

// stateFunc is a state in a state machine.
//
// The state is advanced by returning the next state.
// The state machine concludes when nil is returned.
type stateFunc func() stateFunc

// protoID identifies the protocol layer a header negotiates.
type protoID uint8

// protocol IDs received in protoHeaders
const (
	protoAMQP protoID = 0x0
	protoTLS  protoID = 0x2
	protoSASL protoID = 0x3
)

// negotiateProto determines which proto to negotiate next
func (c *conn) negotiateProto() stateFunc {
	// in the order each must be negotiated
	switch {
	case c.tlsNegotiation && !c.tlsComplete:
		return c.exchangeProtoHeader(protoTLS)
	case c.saslHandlers != nil && !c.saslComplete:
		return c.exchangeProtoHeader(protoSASL)
	default:
		return c.exchangeProtoHeader(protoAMQP)
	}
}

// exchangeProtoHeader performs the round trip exchange of protocol
// headers, validation, and returns the protoID specific next state.
func (c *conn) exchangeProtoHeader(pID protoID) stateFunc {
	// write the proto header
	c.err = c.writeProtoHeader(pID)
	if c.err != nil {
		return nil
	}

	// read response header
	p, err := c.readProtoHeader()
	if err != nil {
		c.err = err
		return nil
	}

	if pID != p.ProtoID {
		c.err = protocolErrorf("unexpected protocol header %#00x, expected %#00x", p.ProtoID, pID)
		return nil
	}

	// go to the proto specific state
	switch pID {
	case protoAMQP:
		return c.openAMQP
	case protoTLS:
		return c.startTLS
	case protoSASL:
		return c.negotiateSASL
	default:
		c.err = protocolErrorf("unknown protocol ID %#02x", p.ProtoID)
		return nil
	}
}

// readProtoHeader reads a protocol header packet from c.rxProto.
func (c *conn) readProtoHeader() (protoHeader, error) {
	var deadline <-chan time.Time
	if c.connectTimeout != 0 {
		deadline = time.After(c.connectTimeout)
	}
	var p protoHeader
	select {
	case p = <-c.rxProto:
		return p, nil
	case err := <-c.connErr:
		return p, err
	case fr := <-c.rxFrame:
		return p, protocolErrorf("readProtoHeader: unexpected frame %#v", fr)
	case <-deadline:
		return p, ErrTimeout
	}
}

// startTLS wraps the conn with TLS and returns to negotiateProto
func (c *conn) startTLS() stateFunc {
	c.initTLSConfig()

	done := make(chan struct{})

	// this function will be executed by connReader
	c.connReaderRun <- func() {
		_ = c.net.SetReadDeadline(time.Time{}) // clear timeout

		// wrap existing net.Conn and perform TLS handshake
		tlsConn := tls.Client(c.net, c.tlsConfig)
		if c.connectTimeout != 0 {
			_ = tlsConn.SetWriteDeadline(time.Now().Add(c.connectTimeout))
		}
		c.err = tlsConn.Handshake()

		// swap net.Conn
		c.net = tlsConn
		c.tlsComplete = true

		close(done)
	}

	// set deadline to interrupt connReader
	_ = c.net.SetReadDeadline(time.Now().Add(10 * time.Millisecond))

	<-done

	if c.err != nil {
		return nil
	}

	// go to next protocol
	return c.negotiateProto
}

// openAMQP round trips the AMQP open performative
func (c *conn) openAMQP() stateFunc {
	c.err = c.ep.localOpen(nil)
	if c.err != nil {
		return nil
	}

	// send open frame
	open := &performOpen{
		ContainerID:  c.containerID,
		Hostname:     c.hostname,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  c.idleTimeout,
		Properties:   c.properties,
	}
	debug(1, "TX: %s", open)
	c.err = c.writeFrame(frame{
		typ:     frameTypeAMQP,
		body:    open,
		channel: 0,
	})
	if c.err != nil {
		return nil
	}

	// get the response
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	o, ok := fr.body.(*performOpen)
	if !ok {
		c.err = protocolErrorf("unexpected frame type %T", fr.body)
		return nil
	}
	debug(1, "RX: %s", o)

	// update peer settings
	if o.MaxFrameSize > 0 {
		c.peerMaxFrameSize = o.MaxFrameSize
	}
	if o.IdleTimeout > 0 {
		// TODO: reject very small idle timeouts
		c.peerIdleTimeout = o.IdleTimeout
	}
	if o.ChannelMax < c.channelMax {
		c.channelMax = o.ChannelMax
	}

	// connection established, exit state machine
	c.err = c.ep.remoteOpened()
	return nil
}

// negotiateSASL returns the SASL handler for the first matched mechanism
// supported by the server
func (c *conn) negotiateSASL() stateFunc {
	// read mechanisms frame
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	sm, ok := fr.body.(*saslMechanisms)
	if !ok {
		c.err = protocolErrorf("unexpected frame type %T", fr.body)
		return nil
	}

	// return first match in c.saslHandlers based on order received
	for _, mech := range sm.Mechanisms {
		if state, ok := c.saslHandlers[mech]; ok {
			return state
		}
	}

	// no match
	c.err = protocolErrorf("no supported auth mechanism (%v)", sm.Mechanisms) // TODO: send "auth not supported" frame?
	return nil
}

// saslOutcome processes the SASL outcome frame and returns negotiateProto
// on success.
//
// SASL handlers return this stateFunc when the mechanism specific negotiation
// has completed.
func (c *conn) saslOutcome() stateFunc {
	// read outcome frame
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	so, ok := fr.body.(*saslOutcome)
	if !ok {
		c.err = protocolErrorf("unexpected frame type %T", fr.body)
		return nil
	}

	// check if auth succeeded
	if so.Code != codeSASLOK {
		c.err = protocolErrorf("SASL auth failed with code %#00x: %s", so.Code, so.AdditionalData)
		return nil
	}

	// return to c.negotiateProto
	c.saslComplete = true
	return c.negotiateProto
}

// readFrame is used during connection establishment to read a single frame.
//
// After setup, conn.mux handles incoming frames.
func (c *conn) readFrame() (frame, error) {
	var deadline <-chan time.Time
	if c.connectTimeout != 0 {
		deadline = time.After(c.connectTimeout)
	}

	var fr frame
	select {
	case fr = <-c.rxFrame:
		return fr, nil
	case err := <-c.connErr:
		return fr, err
	case p := <-c.rxProto:
		return fr, protocolErrorf("readFrame: unexpected protocol header %#v", p)
	case <-deadline:
		return fr, ErrTimeout
	}
}
