package jms

import (
	"context"
	"sync"
)

// Default session options
const (
	DefaultMaxLinks = 4294967296
	DefaultWindow   = 100
)

// AckMode controls how deliveries handed to the application are
// settled with the server.
type AckMode uint8

const (
	// AckAuto settles each delivery as accepted when Receive hands it
	// to the application.
	AckAuto AckMode = iota

	// AckClient accumulates deliveries until Session.Acknowledge, which
	// accepts every unsettled delivery handed out so far.
	AckClient

	// AckDupsOK settles deliveries lazily through the receiver's
	// disposition batcher. Duplicates may be redelivered if the client
	// fails before a batch is flushed.
	AckDupsOK

	// AckTransacted accumulates deliveries until Session.Commit accepts
	// them or Session.Rollback returns them to the server for
	// redelivery.
	AckTransacted
)

func (m AckMode) String() string {
	switch m {
	case AckAuto:
		return "auto"
	case AckClient:
		return "client"
	case AckDupsOK:
		return "dups-ok"
	case AckTransacted:
		return "transacted"
	default:
		return "unknown"
	}
}

// SessionOption is a function for configuring an AMQP session.
type SessionOption func(*Session) error

// SessionIncomingWindow sets the maximum number of unacknowledged
// transfer frames the server can send.
func SessionIncomingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.incomingWindow = window
		return nil
	}
}

// SessionOutgoingWindow sets the maximum number of unacknowledged
// transfer frames the client can send.
func SessionOutgoingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.outgoingWindow = window
		return nil
	}
}

// SessionMaxLinks sets the maximum number of links (Senders/Receivers)
// allowed on the session.
//
// n must be in the range 1 to 4294967296.
//
// Default: 4294967296.
func SessionMaxLinks(n int) SessionOption {
	return func(s *Session) error {
		if n < 1 {
			return configErrorf("max links cannot be less than 1")
		}
		if int64(n) > 4294967296 {
			return configErrorf("max links cannot be greater than 4294967296")
		}
		s.handleMax = uint32(n - 1)
		return nil
	}
}

// SessionAckMode sets the session's acknowledgement mode.
//
// Default: AckAuto.
func SessionAckMode(m AckMode) SessionOption {
	return func(s *Session) error {
		if m > AckTransacted {
			return configErrorf("invalid ack mode %d", m)
		}
		s.ackMode = m
		return nil
	}
}

// SessionMaxRedeliveries limits how often a delivery may be returned to
// the server for redelivery before the session rejects it instead.
// Rollback consults this limit, as do receivers inspecting the header
// delivery count of arriving messages.
//
// A negative value disables the limit.
//
// Default: -1.
func SessionMaxRedeliveries(n int) SessionOption {
	return func(s *Session) error {
		s.maxRedeliveries = n
		return nil
	}
}

// Session is an AMQP session.
//
// A session multiplexes Senders and Receivers and scopes their
// acknowledgement behavior.
type Session struct {
	channel       uint16                // session's local channel
	remoteChannel uint16                // session's remote channel, owned by conn.mux
	conn          *conn                 // underlying conn
	rx            chan frame            // frames destined for this session are sent on this chan by conn.mux
	tx            chan frameBody        // non-transfer frames to be sent; session must track disposition
	txTransfer    chan *performTransfer // transfer frames to be sent; session must track disposition

	// flow control
	incomingWindow uint32
	outgoingWindow uint32

	handleMax        uint32
	allocateHandle   chan *link // link handles are allocated by sending a link on this channel, nil is sent on link.rx once allocated
	deallocateHandle chan *link // link handles are deallocated by sending a link on this channel

	nextDeliveryID uint32 // atomically accessed sequence for deliveryIDs

	ackMode         AckMode
	maxRedeliveries int

	// receivers with deliveries pending acknowledgement; populated only
	// for AckClient and AckTransacted sessions
	receiversMu sync.Mutex
	receivers   map[*Receiver]struct{}

	// used for gracefully closing session
	close     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error

	ep endpoint // begin/end lifecycle, owned by NewSession then the mux
}

func newSession(c *conn, channel uint16) *Session {
	return &Session{
		conn:             c,
		channel:          channel,
		rx:               make(chan frame),
		tx:               make(chan frameBody),
		txTransfer:       make(chan *performTransfer),
		incomingWindow:   DefaultWindow,
		outgoingWindow:   DefaultWindow,
		handleMax:        DefaultMaxLinks - 1,
		maxRedeliveries:  c.maxRedeliveries,
		allocateHandle:   make(chan *link),
		deallocateHandle: make(chan *link),
		receivers:        make(map[*Receiver]struct{}),
		close:            make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Close gracefully closes the session.
//
// If ctx expires while waiting for servers response, ctx.Err() will be returned.
// The session will continue to wait for the response until the Connection is closed.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.close) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.err == ErrSessionClosed {
		return nil
	}
	return s.err
}

// txFrame sends a frame to the connWriter
func (s *Session) txFrame(p frameBody, done chan deliveryState) error {
	return s.conn.wantWriteFrame(frame{
		typ:     frameTypeAMQP,
		channel: s.channel,
		body:    p,
		done:    done,
	})
}

// AckMode returns the acknowledgement mode the session was created
// with.
func (s *Session) AckMode() AckMode {
	return s.ackMode
}

// Acknowledge accepts every delivery handed to the application on this
// session and not yet settled.
//
// Only AckClient sessions accumulate deliveries for Acknowledge; on
// other modes the call is a no-op. Per JMS convention it is ignored on
// transacted sessions.
func (s *Session) Acknowledge() error {
	if s.ackMode == AckTransacted {
		return nil
	}
	return s.eachReceiver(func(r *Receiver) error {
		return r.settleUnacked()
	})
}

// Commit accepts every delivery handed to the application since the
// last Commit or Rollback.
func (s *Session) Commit() error {
	if s.ackMode != AckTransacted {
		return appErrorf("commit on non-transacted session")
	}
	return s.eachReceiver(func(r *Receiver) error {
		return r.settleUnacked()
	})
}

// Rollback returns every unsettled delivery to the server. Deliveries
// are modified with delivery-failed set so the server increments their
// delivery count; a delivery already past the session's redelivery
// limit is rejected instead.
func (s *Session) Rollback() error {
	if s.ackMode != AckTransacted {
		return appErrorf("rollback on non-transacted session")
	}
	return s.eachReceiver(func(r *Receiver) error {
		return r.rollbackUnacked(s.maxRedeliveries)
	})
}

func (s *Session) eachReceiver(fn func(*Receiver) error) error {
	select {
	case <-s.done:
		return s.err
	default:
	}

	s.receiversMu.Lock()
	receivers := make([]*Receiver, 0, len(s.receivers))
	for r := range s.receivers {
		receivers = append(receivers, r)
	}
	s.receiversMu.Unlock()

	for _, r := range receivers {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) registerReceiver(r *Receiver) {
	s.receiversMu.Lock()
	s.receivers[r] = struct{}{}
	s.receiversMu.Unlock()
}

func (s *Session) unregisterReceiver(r *Receiver) {
	s.receiversMu.Lock()
	delete(s.receivers, r)
	s.receiversMu.Unlock()
}

func (s *Session) mux(remoteBegin *performBegin) {
	defer close(s.done)

	var (
		links       = make(map[uint32]*link)    // mapping of remote handles to links
		linksByName = make(map[string]*link)    // mapping of names to links
		handles     = &bitmap{max: s.handleMax} // allocated handles

		handlesByDeliveryID       = make(map[uint32]uint32) // mapping of deliveryIDs to handles
		deliveryIDByHandle        = make(map[uint32]uint32) // mapping of handles to latest deliveryID
		handlesByRemoteDeliveryID = make(map[uint32]uint32) // mapping of remote deliveryID to handles

		settlementByDeliveryID = make(map[uint32]chan deliveryState)

		// flow control values
		nextOutgoingID       uint32
		nextIncomingID       = remoteBegin.NextOutgoingID
		remoteIncomingWindow = remoteBegin.IncomingWindow
		remoteOutgoingWindow = remoteBegin.OutgoingWindow
	)

	for {
		txTransfer := s.txTransfer
		// disable txTransfer if flow control windows have been exceeded
		if remoteIncomingWindow == 0 || s.outgoingWindow == 0 {
			txTransfer = nil
		}

		select {
		// conn has completed, exit
		case <-s.conn.done:
			s.err = s.conn.getErr()
			s.ep.fail(s.err)
			return

		// session is being closed by user
		case <-s.close:
			if _, emit := s.ep.localClose(nil); emit {
				s.txFrame(&performEnd{}, nil)
			}
			s.drainEnd()
			if s.err == nil {
				s.err = ErrSessionClosed
			}
			return

		// handle allocation request
		case l := <-s.allocateHandle:
			// Check if link name already exists, if so then an error should be returned
			if linksByName[l.name] != nil {
				l.err = appErrorf("link with name %q already exists", l.name)
				l.rx <- nil
				continue
			}

			next, ok := handles.next()
			if !ok {
				l.err = resourceErrorf("reached session handle max (%d)", s.handleMax)
				l.rx <- nil
				continue
			}

			l.handle = next         // allocate handle to the link
			linksByName[l.name] = l // add to mapping
			l.rx <- nil             // send nil on channel to indicate allocation complete

		// handle deallocation request
		case l := <-s.deallocateHandle:
			delete(links, l.remoteHandle)
			delete(deliveryIDByHandle, l.handle)
			delete(linksByName, l.name)
			handles.remove(l.handle)
			close(l.rx) // close channel to indicate deallocation

		// incoming frame for link
		case fr := <-s.rx:
			debug(1, "RX(Session): %s", fr.body)

			switch body := fr.body.(type) {
			// Disposition frames can reference transfers from more than one
			// link. Send this frame to all of them.
			case *performDisposition:
				start := body.First
				end := start
				if body.Last != nil {
					end = *body.Last
				}

				handles := handlesByDeliveryID
				if body.Role == roleSender {
					handles = handlesByRemoteDeliveryID
				}

				// The peer's receiver settles our sends; its range must
				// line up with the deliveries still being tracked. A range
				// with no tracked ids is a resend of a settled range and
				// is dropped; a range mixing tracked and untracked ids
				// means the peers disagree on delivery state and the
				// session cannot continue.
				if body.Role == roleReceiver {
					var known uint64
					for id := range handles {
						if id >= start && id <= end {
							known++
						}
					}
					if known == 0 {
						continue
					}
					if span := uint64(end) - uint64(start) + 1; known < span {
						s.err = protocolErrorf("disposition range %d-%d covers %d unknown deliveries", start, end, span-known)
						s.endOnViolation(ErrorIllegalState, "disposition range references unknown delivery ids")
						return
					}
				}

				for deliveryID := start; deliveryID <= end; deliveryID++ {
					handle, ok := handles[deliveryID]
					if !ok {
						continue
					}
					delete(handles, deliveryID)

					if body.Settled && body.Role == roleReceiver {
						// check if settlement confirmation was requested, if so
						// confirm by closing channel
						if done, ok := settlementByDeliveryID[deliveryID]; ok {
							delete(settlementByDeliveryID, deliveryID)
							select {
							case done <- body.State:
							default:
							}
							close(done)
						}
					}

					link, ok := links[handle]
					if !ok {
						continue
					}

					s.muxFrameToLink(link, fr.body)
				}
				continue
			case *performFlow:
				if body.NextIncomingID == nil {
					// This is a protocol error:
					//       "[...] MUST be set if the peer has received
					//        the begin frame for the session"
					s.err = protocolErrorf("flow without next-incoming-id after session established")
					s.endOnViolation(ErrorNotAllowed, "next-incoming-id not set after session established")
					return
				}

				// "When the endpoint receives a flow frame from its peer,
				// it MUST update the next-incoming-id directly from the
				// next-outgoing-id of the frame, and it MUST update the
				// remote-outgoing-window directly from the outgoing-window
				// of the frame."
				nextIncomingID = body.NextOutgoingID
				remoteOutgoingWindow = body.OutgoingWindow

				// "The remote-incoming-window is computed as follows:
				//
				// next-incoming-id(flow) + incoming-window(flow) - next-outgoing-id(endpoint)
				//
				// If the next-incoming-id field of the flow frame is not set, then remote-incoming-window is computed as follows:
				//
				// initial-outgoing-id(endpoint) + incoming-window(flow) - next-outgoing-id(endpoint)"
				remoteIncomingWindow = body.IncomingWindow - nextOutgoingID
				remoteIncomingWindow += *body.NextIncomingID

				// Send to link if handle is set
				if body.Handle != nil {
					link, ok := links[*body.Handle]
					if !ok {
						continue
					}

					s.muxFrameToLink(link, fr.body)
					continue
				}

				if body.Echo {
					niID := nextIncomingID
					resp := &performFlow{
						NextIncomingID: &niID,
						IncomingWindow: s.incomingWindow,
						NextOutgoingID: nextOutgoingID,
						OutgoingWindow: s.outgoingWindow,
					}
					debug(1, "TX(Session): %s", resp)
					s.txFrame(resp, nil)
				}

			case *performAttach:
				// On Attach response link should be looked up by name, then added
				// to the links map with the remote's handle contained in this
				// attach frame.
				link, linkOk := linksByName[body.Name]
				if !linkOk {
					break
				}

				link.remoteHandle = body.Handle
				links[link.remoteHandle] = link

				s.muxFrameToLink(link, fr.body)

			case *performTransfer:
				// "Upon receiving a transfer, the receiving endpoint will
				// increment the next-incoming-id to match the implicit
				// transfer-id of the incoming transfer plus one, as well
				// as decrementing the remote-outgoing-window, and MAY
				// (depending on policy) decrement its incoming-window."
				nextIncomingID++
				remoteOutgoingWindow--
				link, ok := links[body.Handle]
				if !ok {
					continue
				}

				select {
				case <-s.conn.done:
				case link.rx <- fr.body:
				}

				// if this message is received unsettled and link rcv-settle-mode == second, add to handlesByRemoteDeliveryID
				if !body.Settled && body.DeliveryID != nil && link.receiverSettleMode != nil && *link.receiverSettleMode == ModeSecond {
					handlesByRemoteDeliveryID[*body.DeliveryID] = body.Handle
				}

				// Update peer's outgoing window if half has been consumed.
				if remoteOutgoingWindow < s.incomingWindow/2 {
					nID := nextIncomingID
					flow := &performFlow{
						NextIncomingID: &nID,
						IncomingWindow: s.incomingWindow,
						NextOutgoingID: nextOutgoingID,
						OutgoingWindow: s.outgoingWindow,
					}
					debug(1, "TX(Session): %s", flow)
					s.txFrame(flow, nil)
					remoteOutgoingWindow = s.incomingWindow
				}

			case *performDetach:
				link, ok := links[body.Handle]
				if !ok {
					continue
				}
				s.muxFrameToLink(link, fr.body)

			case *performEnd:
				var remoteErr error
				if body.Error != nil {
					remoteErr = resourceErrorf("session ended by server: %s", body.Error)
				}

				dir := s.ep.remoteClosed(remoteErr)
				if dir.reply {
					s.txFrame(&performEnd{}, nil)
					s.ep.replyClosed()
				}

				if dir.failed {
					s.err = dir.err
				} else {
					s.err = ErrSessionClosed
				}
				s.releaseChannel()
				return

			default:
				debug(1, "session mux: unexpected frame %s", body)
			}

		case fr := <-txTransfer:

			// record current delivery ID
			var deliveryID uint32
			if fr.DeliveryID != nil {
				deliveryID = *fr.DeliveryID
				deliveryIDByHandle[fr.Handle] = deliveryID

				// add to handleByDeliveryID if not sender-settled
				if !fr.Settled {
					handlesByDeliveryID[deliveryID] = fr.Handle
				}
			} else {
				// if fr.DeliveryID is nil it must have been added
				// to deliveryIDByHandle already
				deliveryID = deliveryIDByHandle[fr.Handle]
			}

			// frame has been sender-settled, remove from map
			if fr.Settled {
				delete(handlesByDeliveryID, deliveryID)
			}

			// if confirmSettlement requested, add done chan to map
			// and clear from frame so conn doesn't close it.
			if fr.confirmSettlement && fr.done != nil {
				settlementByDeliveryID[deliveryID] = fr.done
				fr.done = nil
			}

			debug(2, "TX(Session): %s", fr)
			s.txFrame(fr, fr.done)

			// "Upon sending a transfer, the sending endpoint will increment
			// its next-outgoing-id, decrement its remote-incoming-window,
			// and MAY (depending on policy) decrement its outgoing-window."
			nextOutgoingID++
			remoteIncomingWindow--

		case fr := <-s.tx:
			switch fr := fr.(type) {
			case *performFlow:
				niID := nextIncomingID
				fr.NextIncomingID = &niID
				fr.IncomingWindow = s.incomingWindow
				fr.NextOutgoingID = nextOutgoingID
				fr.OutgoingWindow = s.outgoingWindow
				debug(1, "TX(Session): %s", fr)
				s.txFrame(fr, nil)
				remoteOutgoingWindow = s.incomingWindow
			case *performTransfer:
				panic("transfer frames must use txTransfer")
			default:
				debug(1, "TX(Session): %s", fr)
				s.txFrame(fr, nil)
			}
		}
	}
}

// endOnViolation ends the session after a peer protocol violation and
// waits for the answering end so the channel can be released cleanly.
// s.err must be set before calling.
func (s *Session) endOnViolation(condition ErrorCondition, description string) {
	s.ep.localClose(nil)
	s.txFrame(&performEnd{
		Error: &Error{
			Condition:   condition,
			Description: description,
		},
	}, nil)
	s.drainEnd()
}

// drainEnd discards incoming frames until the peer's end arrives or the
// conn closes, then releases the session's channel.
func (s *Session) drainEnd() {
	for {
		select {
		case fr := <-s.rx:
			if _, ok := fr.body.(*performEnd); ok {
				s.ep.remoteClosed(nil)
				s.releaseChannel()
				return
			}
		case <-s.conn.done:
			if s.err == nil {
				s.err = s.conn.getErr()
			}
			s.ep.fail(s.err)
			return
		}
	}
}

// releaseChannel returns the session's channel to conn.mux.
func (s *Session) releaseChannel() {
	select {
	case s.conn.delSession <- s:
	case <-s.conn.done:
		if s.err == nil {
			s.err = s.conn.getErr()
		}
	}
}

func (s *Session) muxFrameToLink(l *link, fr frameBody) {
	select {
	case l.rx <- fr:
	case <-l.done:
	case <-s.conn.done:
	}
}
