package jms

import (
	"bytes"
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default link options
const (
	DefaultPrefetch        = 1000
	DefaultLinkBatching    = false
	DefaultLinkBatchMaxAge = 5 * time.Second
)

// destKind identifies what a link is attached to. It selects the
// prefetch default applied to receivers without an explicit LinkCredit.
type destKind uint8

const (
	destQueue destKind = iota
	destTopic
	destDurableTopic
	destQueueBrowser
)

// PrefetchPolicy is the credit window granted to receivers, selected by
// destination kind. Zero fields fall back to DefaultPrefetch.
type PrefetchPolicy struct {
	QueuePrefetch        int
	TopicPrefetch        int
	DurableTopicPrefetch int
	QueueBrowserPrefetch int
}

func (p PrefetchPolicy) validate() error {
	for _, n := range []int{p.QueuePrefetch, p.TopicPrefetch, p.DurableTopicPrefetch, p.QueueBrowserPrefetch} {
		if n < 0 {
			return configErrorf("prefetch cannot be negative")
		}
		if int64(n) > math.MaxUint32 {
			return configErrorf("prefetch cannot be greater than %d", uint32(math.MaxUint32))
		}
	}
	return nil
}

// credit resolves the prefetch budget for a destination kind.
func (p PrefetchPolicy) credit(kind destKind) uint32 {
	var n int
	switch kind {
	case destTopic:
		n = p.TopicPrefetch
	case destDurableTopic:
		n = p.DurableTopicPrefetch
	case destQueueBrowser:
		n = p.QueueBrowserPrefetch
	default:
		n = p.QueuePrefetch
	}
	if n <= 0 {
		return DefaultPrefetch
	}
	return uint32(n)
}

// link is a unidirectional route.
//
// May be used for sending or receiving.
type link struct {
	name          string               // our name
	handle        uint32               // our handle
	remoteHandle  uint32               // remote's handle
	dynamicAddr   bool                 // request a dynamic link address from the server
	rx            chan frameBody       // sessions sends frames for this link on this channel
	transfers     chan performTransfer // sender uses to send transfer frames
	closeOnce     sync.Once            // closeOnce protects close from being closed multiple times
	close         chan struct{}        // close signals the mux to shutdown
	done          chan struct{}        // done is closed by mux/muxDetach when the link is fully detached
	detachErrorMu sync.Mutex           // protects detachError
	detachError   *Error               // error to send to remote on detach, set by closeWithError
	detachOnly    bool                 // detach without closing, set before close by detach
	ep            endpoint             // attach/detach lifecycle, owned by attachLink then the mux
	session       *Session             // parent session
	receiver      *Receiver            // allows link options to modify Receiver
	source        *source
	target        *target
	properties    map[symbol]interface{} // additional properties sent upon link attach
	kind          destKind               // set by LinkQueue/LinkTopic
	browseOnly    bool                   // receiver consumes copies, set by LinkBrowseOnly
	resumed       bool                   // durable attach answered with server-side state

	// "The delivery-count is initialized by the sender when a link endpoint is created,
	// and is incremented whenever a message is sent. Only the sender MAY independently
	// modify this field. The receiver's value is calculated based on the last known
	// value from the sender and any subsequent messages received on the link. Note that,
	// despite its name, the delivery-count is not a count but a sequence number
	// initialized at an arbitrary point by the sender."
	deliveryCount      uint32
	linkCredit         uint32 // maximum number of messages allowed between flow updates
	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode
	maxMessageSize     uint64
	detachReceived     bool
	err                error // err returned on Close()

	// message receiving
	paused        uint32        // atomically accessed; indicates that all link credits have been used by sender
	receiverReady chan struct{} // receiver sends on this when mux is paused to indicate it can handle more messages
	messages      chan Message  // used to send completed messages to receiver
	buf           bytes.Buffer  // buffered bytes for current message
	more          bool          // if true, buf contains a partial message
	msg           Message       // current message being decoded
}

// attachLink is used by Receiver and Sender to create new links
func attachLink(s *Session, r *Receiver, opts []LinkOption) (*link, error) {
	l, err := newLink(s, r, opts)
	if err != nil {
		return nil, err
	}

	isReceiver := r != nil

	if isReceiver {
		if r.maxCredit == 0 {
			r.maxCredit = s.conn.prefetch.credit(l.destinationKind())
		}
		// buffer rx to the prefetch budget so that session.mux
		// won't block sending to a slow receiver
		l.rx = make(chan frameBody, r.maxCredit)
	} else {
		// synchronous sends wait for settlement confirmation
		if s.conn.forceSyncSend && l.receiverSettleMode == nil {
			mode := ModeSecond
			l.receiverSettleMode = &mode
		}
		l.rx = make(chan frameBody, 1)
	}

	// request handle from Session.mux
	select {
	case <-s.done:
		return nil, s.err
	case s.allocateHandle <- l:
	}

	// wait for handle allocation
	select {
	case <-s.done:
		return nil, s.err
	case <-l.rx:
	}

	// check for link request error
	if l.err != nil {
		return nil, l.err
	}

	attach := &performAttach{
		Name:               l.name,
		Handle:             l.handle,
		ReceiverSettleMode: l.receiverSettleMode,
		SenderSettleMode:   l.senderSettleMode,
		MaxMessageSize:     l.maxMessageSize,
		Source:             l.source,
		Target:             l.target,
		Properties:         l.properties,
	}

	if isReceiver {
		attach.Role = roleReceiver
		if attach.Source == nil {
			attach.Source = new(source)
		}
		attach.Source.Dynamic = l.dynamicAddr
	} else {
		attach.Role = roleSender
		if attach.Target == nil {
			attach.Target = new(target)
		}
		attach.Target.Dynamic = l.dynamicAddr
	}

	err = l.ep.localOpen(nil)
	if err != nil {
		return nil, err
	}

	// send Attach frame
	debug(1, "TX: %s", attach)
	s.txFrame(attach, nil)

	// wait for response
	var fr frameBody
	select {
	case <-s.done:
		return nil, s.err
	case fr = <-l.rx:
	}
	debug(3, "RX: %s", fr)
	resp, ok := fr.(*performAttach)
	if !ok {
		return nil, protocolErrorf("unexpected attach response: %#v", fr)
	}

	if l.maxMessageSize == 0 || resp.MaxMessageSize < l.maxMessageSize {
		l.maxMessageSize = resp.MaxMessageSize
	}

	if isReceiver {
		switch {
		case resp.Source != nil:
			// if dynamic address requested, copy assigned name to address
			if l.dynamicAddr {
				l.source.Address = resp.Source.Address
			}
			// a durable attach answered with a source resumes
			// subscription state held by the server
			l.resumed = l.durable()
		case l.durable():
			// durable attach answered without a source: the server had
			// no prior subscription, the requested terminus stands
		default:
			// null source refuses the attach; the closing detach
			// that follows carries the reason
			l.ep.markClosePending()
			return nil, l.attachRefused()
		}

		// deliveryCount is a sequence number, must initialize to sender's initial sequence number
		l.deliveryCount = resp.InitialDeliveryCount
		// buffer receiver so that link.mux doesn't block
		l.messages = make(chan Message, l.receiver.maxCredit)
	} else {
		if resp.Target == nil {
			l.ep.markClosePending()
			return nil, l.attachRefused()
		}
		// if dynamic address requested, copy assigned name to address
		if l.dynamicAddr {
			l.target.Address = resp.Target.Address
		}
		l.transfers = make(chan performTransfer)
	}

	err = l.ep.remoteOpened()
	if err != nil {
		return nil, err
	}

	err = l.setSettleModes(resp)
	if err != nil {
		l.muxDetach()
		return nil, err
	}

	go l.mux()

	return l, nil
}

// durable reports whether the link names a durable subscription.
func (l *link) durable() bool {
	return l.source != nil && l.source.Durable > DurabilityNone
}

// destinationKind resolves the effective destination kind after all
// options have been applied.
func (l *link) destinationKind() destKind {
	switch {
	case l.browseOnly:
		return destQueueBrowser
	case l.durable():
		return destDurableTopic
	default:
		return l.kind
	}
}

// attachRefused runs after the peer answers an attach with no terminus.
// It waits for the closing detach carrying the reason, replies in kind
// and releases the handle.
func (l *link) attachRefused() error {
	for {
		select {
		case fr := <-l.rx:
			detach, ok := fr.(*performDetach)
			if !ok {
				continue
			}

			err := resourceErrorf("attach refused by peer")
			if detach.Error != nil {
				if detach.Error.Condition == ErrorStolen || detach.Error.Condition == ErrorResourceLocked {
					err = kindWrap(KindResource, detach.Error, "subscription already in use")
				} else {
					err = kindWrap(KindResource, detach.Error, "attach refused by peer")
				}
			}

			if dir := l.ep.remoteClosed(err); dir.reply {
				l.session.txFrame(&performDetach{Handle: l.handle, Closed: true}, nil)
			}

			select {
			case l.session.deallocateHandle <- l:
			case <-l.session.done:
				return l.session.err
			}

			return err

		case <-l.session.done:
			l.ep.fail(l.session.err)
			return l.session.err
		}
	}
}

// setSettleModes sets the settlement modes based on the resp performAttach.
//
// If a settlement mode has been explicitly set locally and it was not honored by the
// server an error is returned.
func (l *link) setSettleModes(resp *performAttach) error {
	var (
		localRecvSettle = l.receiverSettleMode.value()
		respRecvSettle  = resp.ReceiverSettleMode.value()
	)
	if l.receiverSettleMode != nil && localRecvSettle != respRecvSettle {
		return protocolErrorf("receiver settlement mode %q requested, received %q from server", l.receiverSettleMode, &respRecvSettle)
	}
	l.receiverSettleMode = &respRecvSettle

	var (
		localSendSettle = l.senderSettleMode.value()
		respSendSettle  = resp.SenderSettleMode.value()
	)
	if l.senderSettleMode != nil && localSendSettle != respSendSettle {
		return protocolErrorf("sender settlement mode %q requested, received %q from server", l.senderSettleMode, &respSendSettle)
	}
	l.senderSettleMode = &respSendSettle

	return nil
}

func newLink(s *Session, r *Receiver, opts []LinkOption) (*link, error) {
	l := &link{
		name:          uuid.New().String(),
		session:       s,
		receiver:      r,
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		receiverReady: make(chan struct{}, 1),
	}

	// configure options
	for _, o := range opts {
		err := o(l)
		if err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l *link) mux() {
	defer l.muxDetach()

	var (
		isReceiver = l.receiver != nil
		isSender   = !isReceiver
	)

Loop:
	for {
		var outgoingTransfers chan performTransfer
		switch {
		// enable outgoing transfers case if sender and credits are available
		case isSender && l.linkCredit > 0:
			outgoingTransfers = l.transfers

		// if receiver && half maxCredits have been processed, send more credits
		case isReceiver && l.linkCredit+uint32(len(l.messages)) <= l.receiver.maxCredit/2:
			l.err = l.muxFlow()
			if l.err != nil {
				return
			}
			atomic.StoreUint32(&l.paused, 0)

		case isReceiver && l.linkCredit == 0:
			atomic.StoreUint32(&l.paused, 1)
		}

		select {
		// received frame
		case fr := <-l.rx:
			l.err = l.muxHandleFrame(fr)
			if l.err != nil {
				return
			}

		// send data
		case tr := <-outgoingTransfers:
			debug(3, "TX(link): %s", tr)

			// Ensure the session mux is not blocked
			for {
				select {
				case l.session.txTransfer <- &tr:
					// decrement link-credit after entire message transferred
					if !tr.More {
						l.deliveryCount++
						l.linkCredit--
					}
					continue Loop
				case fr := <-l.rx:
					l.err = l.muxHandleFrame(fr)
					if l.err != nil {
						return
					}
				case <-l.close:
					l.err = ErrLinkClosed
					return
				case <-l.session.done:
					l.err = l.session.err
					return
				}
			}

		case <-l.receiverReady:
			continue
		case <-l.close:
			l.err = ErrLinkClosed
			return
		case <-l.session.done:
			l.err = l.session.err
			return
		}
	}
}

// muxFlow sends a flow frame re-establishing the receiver's credit window.
func (l *link) muxFlow() error {
	// copy because sent by pointer below; prevent race
	var (
		linkCredit    = l.receiver.maxCredit - uint32(len(l.messages))
		deliveryCount = l.deliveryCount
	)

	fr := &performFlow{
		Handle:        &l.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit, // max number of messages
	}
	debug(3, "TX: %s", fr)

	// Update credit. This must happen before entering loop below
	// because incoming messages handled while waiting to transmit
	// flow increment deliveryCount. This causes the credit to become
	// out of sync with the server.
	l.linkCredit = linkCredit

	// Ensure the session mux is not blocked
	for {
		select {
		case l.session.tx <- fr:
			return nil
		case fr := <-l.rx:
			err := l.muxHandleFrame(fr)
			if err != nil {
				return err
			}
		case <-l.close:
			return ErrLinkClosed
		case <-l.session.done:
			return l.session.err
		}
	}
}

func (l *link) muxReceive(fr performTransfer) error {
	// record the delivery ID if this is the first frame of the message
	if !l.more && fr.DeliveryID != nil {
		l.msg.id = deliveryID(*fr.DeliveryID)
	}

	// ensure maxMessageSize will not be exceeded
	if l.maxMessageSize != 0 && uint64(l.buf.Len())+uint64(len(fr.Payload)) > l.maxMessageSize {
		msg := "received message larger than max size of " + strconv.FormatUint(l.maxMessageSize, 10)
		l.closeWithError(&Error{
			Condition:   ErrorMessageSizeExceeded,
			Description: msg,
		})
		return errorNew(msg)
	}

	// add the payload to the buffer
	l.buf.Write(fr.Payload)

	// mark as settled if at least one frame is settled
	l.msg.settled = l.msg.settled || fr.Settled

	// save in-progress status
	l.more = fr.More

	if fr.More {
		return nil
	}

	// last frame in message
	err := l.msg.unmarshal(&l.buf)
	if err != nil {
		return err
	}

	// send to receiver, this should never block due to buffering
	// and flow control.
	l.messages <- l.msg

	// reset progress
	l.buf.Reset()
	l.msg = Message{}

	// decrement link-credit after entire message received
	l.deliveryCount++
	l.linkCredit--

	return nil
}

// muxHandleFrame processes fr based on type.
func (l *link) muxHandleFrame(fr frameBody) error {
	var (
		isSender               = l.receiver == nil
		errOnRejectDisposition = isSender && (l.receiverSettleMode == nil || *l.receiverSettleMode == ModeFirst)
	)

	switch fr := fr.(type) {
	// message frame
	case *performTransfer:
		debug(3, "RX: %s", fr)
		if isSender {
			// transfers to a sender violate the link's role
			l.closeWithError(&Error{
				Condition:   ErrorNotAllowed,
				Description: "sender cannot process transfers",
			})
			return protocolErrorf("sender received transfer frame")
		}

		return l.muxReceive(*fr)

	// flow control frame
	case *performFlow:
		debug(3, "RX: %s", fr)
		if isSender {
			linkCredit := *fr.LinkCredit - l.deliveryCount
			if fr.DeliveryCount != nil {
				// DeliveryCount can be nil if the receiver hasn't processed
				// the attach. That shouldn't be the case here, but it's
				// what ActiveMQ does.
				linkCredit += *fr.DeliveryCount
			}
			l.linkCredit = linkCredit
		}

		if !fr.Echo {
			return nil
		}

		var (
			// copy because sent by pointer below; prevent race
			linkCredit    = l.linkCredit
			deliveryCount = l.deliveryCount
		)

		// send flow
		resp := &performFlow{
			Handle:        &l.handle,
			DeliveryCount: &deliveryCount,
			LinkCredit:    &linkCredit, // max number of messages
		}
		debug(1, "TX: %s", resp)
		l.session.txFrame(resp, nil)

	// remote side is closing links
	case *performDetach:
		debug(1, "RX: %s", fr)
		// don't currently support link detach and reattach
		if !fr.Closed {
			return protocolErrorf("non-closing detach not supported: %+v", fr)
		}

		// set detach received and close link
		l.detachReceived = true

		var remoteErr error
		if fr.Error != nil {
			remoteErr = &DetachError{fr.Error}
		}
		l.ep.remoteClosed(remoteErr)

		return errorWrapf(&DetachError{fr.Error}, "received detach frame")

	case *performDisposition:
		debug(3, "RX: %s", fr)

		// Unblock receivers waiting for message disposition
		if l.receiver != nil {
			l.receiver.inFlight.remove(fr.First, fr.Last, nil)
		}

		// a rejection with no send waiting on it fails the link and
		// reaches the exception listener
		if state, ok := fr.State.(*stateRejected); ok && errOnRejectDisposition {
			err := sendOutcome(state)
			l.session.conn.notifyException(err)
			return err
		}

		if fr.Settled {
			return nil
		}

		resp := &performDisposition{
			Role:    roleSender,
			First:   fr.First,
			Last:    fr.Last,
			Settled: true,
		}
		debug(1, "TX: %s", resp)
		l.session.txFrame(resp, nil)

	default:
		debug(1, "RX(link): unexpected frame %s", fr)
	}

	return nil
}

// Close closes and requests deletion of the link.
//
// No operations on link are valid after close.
//
// If ctx expires while waiting for servers response, ctx.Err() will be returned.
// The session will continue to wait for the response until the Session or Connection
// is closed.
func (l *link) Close(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.close) })
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.err == ErrLinkClosed {
		return nil
	}
	return l.err
}

func (l *link) closeWithError(de *Error) {
	l.closeOnce.Do(func() {
		l.detachErrorMu.Lock()
		l.detachError = de
		l.detachErrorMu.Unlock()
		close(l.close)
	})
}

// detach is Close except the detach frame is sent with the closed flag
// clear, so the server suspends the link instead of destroying it.
func (l *link) detach(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.detachOnly = true
		close(l.close)
	})
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.err == ErrLinkClosed {
		return nil
	}
	return l.err
}

func (l *link) muxDetach() {
	defer func() {
		// final cleanup and signaling

		// deallocate handle
		select {
		case l.session.deallocateHandle <- l:
		case <-l.session.done:
			if l.err == nil {
				l.err = l.session.err
			}
		}

		// signal other goroutines that link is done
		close(l.done)

		// unblock any in flight message dispositions
		if l.receiver != nil {
			l.receiver.inFlight.clear(l.err)
		}
	}()

	// "A peer closes a link by sending the detach frame with the
	// handle for the specified link, and the closed flag set to
	// true. The partner will destroy the corresponding link
	// endpoint, and reply with its own detach frame with the
	// closed flag set to true.
	//
	// Note that one peer MAY send a closing detach while its
	// partner is sending a non-closing detach. In this case,
	// the partner MUST signal that it has closed the link by
	// reattaching and then sending a closing detach."

	l.detachErrorMu.Lock()
	detachError := l.detachError
	l.detachErrorMu.Unlock()

	if !l.detachReceived {
		// register the local close; emit reports whether the closing
		// detach is still owed
		if _, emit := l.ep.localClose(nil); !emit {
			return
		}
	}

	fr := &performDetach{
		Handle: l.handle,
		// a detach that answers the peer's closing detach must close
		// regardless of how the teardown started
		Closed: !l.detachOnly || l.detachReceived,
		Error:  detachError,
	}

Loop:
	for {
		select {
		case l.session.tx <- fr:
			// after sending the detach frame, break the read loop
			break Loop
		case fr := <-l.rx:
			// discard incoming frames to avoid blocking session.mux
			if fr, ok := fr.(*performDetach); ok && (fr.Closed || l.detachOnly) {
				l.detachReceived = true
				l.ep.remoteClosed(nil)
			}
		case <-l.session.done:
			if l.err == nil {
				l.err = l.session.err
			}
			l.ep.fail(l.err)
			return
		}
	}

	if l.detachReceived {
		// our detach answered the peer's close
		l.ep.replyClosed()
		return
	}

	// don't wait for remote to detach when closing due to error
	if detachError != nil {
		l.ep.fail(l.err)
		return
	}

	for {
		select {
		// read from link until the answering detach is received,
		// other frames are discarded.
		case fr := <-l.rx:
			if fr, ok := fr.(*performDetach); ok && (fr.Closed || l.detachOnly) {
				l.ep.remoteClosed(nil)
				return
			}

		// connection has ended
		case <-l.session.done:
			if l.err == nil {
				l.err = l.session.err
			}
			l.ep.fail(l.err)
			return
		}
	}
}

// LinkOption is a function for configuring an AMQP link.
//
// A link may be a Sender or a Receiver.
type LinkOption func(*link) error

// LinkName sets the name of the link.
//
// Link names must be unique per-connection. A durable subscription's
// name is its link name.
//
// Default: randomly generated.
func LinkName(name string) LinkOption {
	return func(l *link) error {
		l.name = name
		return nil
	}
}

// LinkQueue attaches the link to the named queue, applying the
// connection's queue prefix. Receivers consume from the queue,
// senders produce to it.
func LinkQueue(name string) LinkOption {
	return func(l *link) error {
		l.kind = destQueue
		return linkDestination(l, l.session.conn.queuePrefix+name, "queue")
	}
}

// LinkTopic attaches the link to the named topic, applying the
// connection's topic prefix. Receivers subscribe to the topic,
// senders publish to it.
func LinkTopic(name string) LinkOption {
	return func(l *link) error {
		l.kind = destTopic
		return linkDestination(l, l.session.conn.topicPrefix+name, "topic")
	}
}

func linkDestination(l *link, addr string, capability symbol) error {
	if l.receiver != nil {
		if l.source == nil {
			l.source = new(source)
		}
		l.source.Address = addr
		l.source.Capabilities = append(l.source.Capabilities, capability)
		return nil
	}
	if l.target == nil {
		l.target = new(target)
	}
	l.target.Address = addr
	l.target.Capabilities = append(l.target.Capabilities, capability)
	return nil
}

// LinkDurableSubscription names a durable subscription. The link name
// becomes the subscription name, and the source retains unsettled
// state and never expires. Combine with LinkTopic to name the
// subscribed topic.
func LinkDurableSubscription(name string) LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return configErrorf("durable subscriptions require a receiver")
		}
		if name == "" {
			return configErrorf("subscription name must not be empty")
		}
		l.name = name
		err := LinkSourceDurability(DurabilityUnsettledState)(l)
		if err != nil {
			return err
		}
		return LinkSourceExpiryPolicy(ExpiryNever)(l)
	}
}

// LinkBrowseOnly attaches the receiver in browse mode: deliveries are
// copies and the queue is left untouched.
func LinkBrowseOnly() LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return configErrorf("browse mode requires a receiver")
		}
		if l.source == nil {
			l.source = new(source)
		}
		l.source.DistributionMode = "copy"
		l.browseOnly = true
		return nil
	}
}

// LinkSourceAddress sets the source address without applying any
// destination prefix.
func LinkSourceAddress(addr string) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(source)
		}
		l.source.Address = addr
		return nil
	}
}

// LinkTargetAddress sets the target address without applying any
// destination prefix.
func LinkTargetAddress(addr string) LinkOption {
	return func(l *link) error {
		if l.target == nil {
			l.target = new(target)
		}
		l.target.Address = addr
		return nil
	}
}

// LinkAddressDynamic requests a dynamically created address from the server.
func LinkAddressDynamic() LinkOption {
	return func(l *link) error {
		l.dynamicAddr = true
		return nil
	}
}

// LinkProperty sets an entry in the link properties map sent to the server.
//
// This option can be used multiple times.
func LinkProperty(key, value string) LinkOption {
	return linkProperty(key, value)
}

// LinkPropertyInt64 sets an entry in the link properties map sent to the server.
//
// This option can be used multiple times.
func LinkPropertyInt64(key string, value int64) LinkOption {
	return linkProperty(key, value)
}

func linkProperty(key string, value interface{}) LinkOption {
	return func(l *link) error {
		if key == "" {
			return configErrorf("link property key must not be empty")
		}
		if l.properties == nil {
			l.properties = make(map[symbol]interface{})
		}
		l.properties[symbol(key)] = value
		return nil
	}
}

// LinkSourceCapabilities sets the source capabilities.
func LinkSourceCapabilities(capabilities ...string) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(source)
		}

		// Convert string to symbol
		symbolCapabilities := make([]symbol, len(capabilities))
		for i, v := range capabilities {
			symbolCapabilities[i] = symbol(v)
		}

		l.source.Capabilities = append(l.source.Capabilities, symbolCapabilities...)
		return nil
	}
}

// LinkCredit specifies the prefetch: the maximum number of
// undispatched deliveries the receiver buffers. Overrides the
// connection's prefetch policy.
func LinkCredit(credit uint32) LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return configErrorf("LinkCredit is not valid for Sender")
		}

		l.receiver.maxCredit = credit
		return nil
	}
}

// LinkBatching toggles batching of message dispositions.
//
// When enabled, accepting a message does not send the disposition
// to the server until the batch is equal to link credit or the
// batch max age expires.
func LinkBatching(enable bool) LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return configErrorf("LinkBatching is not valid for Sender")
		}
		l.receiver.batching = enable
		return nil
	}
}

// LinkBatchMaxAge sets the maximum time between the start
// of a disposition batch and sending the batch to the server.
func LinkBatchMaxAge(d time.Duration) LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return configErrorf("LinkBatchMaxAge is not valid for Sender")
		}
		l.receiver.batchMaxAge = d
		return nil
	}
}

// LinkSenderSettle sets the requested sender settlement mode.
//
// If a settlement mode is explicitly set and the server does not
// honor it an error will be returned during link attachment.
//
// Default: Accept the settlement mode set by the server, commonly ModeMixed.
func LinkSenderSettle(mode SenderSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeMixed {
			return configErrorf("invalid SenderSettlementMode %d", mode)
		}
		l.senderSettleMode = &mode
		return nil
	}
}

// LinkReceiverSettle sets the requested receiver settlement mode.
//
// If a settlement mode is explicitly set and the server does not
// honor it an error will be returned during link attachment.
//
// Default: Accept the settlement mode set by the server, commonly ModeFirst.
func LinkReceiverSettle(mode ReceiverSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeSecond {
			return configErrorf("invalid ReceiverSettlementMode %d", mode)
		}
		l.receiverSettleMode = &mode
		return nil
	}
}

// LinkSelectorFilter sets a selector filter (apache.org:selector-filter:string) on the link source.
func LinkSelectorFilter(filter string) LinkOption {
	// <descriptor name="apache.org:selector-filter:string" code="0x0000468C:0x00000004"/>
	return LinkSourceFilter("apache.org:selector-filter:string", 0x0000468C00000004, filter)
}

// LinkSourceFilter is an advanced API for setting non-standard source filters.
//
// The name is the key for the filter map. It will be encoded as an AMQP symbol type.
//
// The code is the descriptor of the described type value. The domain-id and descriptor-id
// should be concatenated together. If 0 is passed as the code, the name will be used as
// the descriptor.
//
// The value is the value of the described types. Acceptable types for value are specific
// to the filter.
//
// Example:
//
// The standard selector-filter is defined as:
//  <descriptor name="apache.org:selector-filter:string" code="0x0000468C:0x00000004"/>
// In this case the name is "apache.org:selector-filter:string" and the code is
// 0x0000468C00000004.
//  LinkSourceFilter("apache.org:selector-filter:string", 0x0000468C00000004, exampleValue)
//
// References:
//  http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-messaging-v1.0-os.html#type-filter-set
//  http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-types-v1.0-os.html#section-descriptor-values
func LinkSourceFilter(name string, code uint64, value interface{}) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(source)
		}
		if l.source.Filter == nil {
			l.source.Filter = make(filterSet)
		}

		var descriptor interface{}
		if code != 0 {
			descriptor = code
		} else {
			descriptor = symbol(name)
		}

		l.source.Filter[symbol(name)] = &describedType{
			descriptor: descriptor,
			value:      value,
		}
		return nil
	}
}

// LinkMaxMessageSize sets the maximum message size that can
// be sent or received on the link.
//
// A size of zero indicates no limit.
//
// Default: 0.
func LinkMaxMessageSize(size uint64) LinkOption {
	return func(l *link) error {
		l.maxMessageSize = size
		return nil
	}
}

// LinkSourceDurability sets the source durability policy.
//
// Default: DurabilityNone.
func LinkSourceDurability(d Durability) LinkOption {
	return func(l *link) error {
		if d > DurabilityUnsettledState {
			return configErrorf("invalid Durability %d", d)
		}

		if l.source == nil {
			l.source = new(source)
		}
		l.source.Durable = d

		return nil
	}
}

// LinkSourceExpiryPolicy sets the link expiration policy.
//
// Default: ExpirySessionEnd.
func LinkSourceExpiryPolicy(p ExpiryPolicy) LinkOption {
	return func(l *link) error {
		err := p.validate()
		if err != nil {
			return err
		}

		if l.source == nil {
			l.source = new(source)
		}
		l.source.ExpiryPolicy = p

		return nil
	}
}
