package jms

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link         *link                   // underlying link
	batching     bool                    // enable batching of message dispositions
	batchMaxAge  time.Duration           // maximum time between the start of a batch and sending the batch to the server
	dispositions chan messageDisposition // message dispositions are sent on this channel when batching is enabled
	maxCredit    uint32                  // maximum allowed inflight messages
	inFlight     inFlight                // used to track message disposition when rcv-settle-mode == second

	ackMode         AckMode
	maxRedeliveries int  // deliveries past this count are rejected, negative for no limit
	asyncAcks       bool // don't block dispositions on settlement confirmation
	localPriority   bool // dispatch buffered deliveries in priority order

	mu      sync.Mutex        // protects window and unacked
	window  []Message         // buffered deliveries in dispatch order, used when localPriority is set
	unacked []unackedDelivery // deliveries dispatched but not yet settled
}

// unackedDelivery records a dispatched delivery until the session
// settles it.
type unackedDelivery struct {
	id            deliveryID
	deliveryCount uint32
}

// NewReceiver opens a new receiver link on the session.
//
// The receiver inherits the session's acknowledgement mode and the
// connection's prefetch and redelivery policies.
func (s *Session) NewReceiver(opts ...LinkOption) (*Receiver, error) {
	r := &Receiver{
		batching:        DefaultLinkBatching,
		batchMaxAge:     DefaultLinkBatchMaxAge,
		ackMode:         s.ackMode,
		maxRedeliveries: s.maxRedeliveries,
		asyncAcks:       s.conn.forceAsyncAcks,
		localPriority:   s.conn.localPriority,
	}

	// dups-ok trades settlement latency for fewer disposition frames
	if r.ackMode == AckDupsOK {
		r.batching = true
	}

	l, err := attachLink(s, r, opts)
	if err != nil {
		return nil, err
	}
	r.link = l

	// batching is just extra overhead when maxCredit == 1
	if r.maxCredit == 1 {
		r.batching = false
	}

	// create dispositions channel and start dispositionBatcher if batching enabled
	if r.batching {
		// buffer dispositions chan to prevent disposition sends from blocking
		r.dispositions = make(chan messageDisposition, r.maxCredit)
		go r.dispositionBatcher()
	}

	// client-acknowledged and transacted receivers settle through the
	// session
	if r.ackMode == AckClient || r.ackMode == AckTransacted {
		s.registerReceiver(r)
	}

	return r, nil
}

// Receive returns the next message from the sender.
//
// Blocks until a message is received, ctx completes, or an error occurs.
//
// A delivery past the redelivery limit is rejected and skipped. In
// AckAuto and AckDupsOK modes the returned message is already accepted;
// in AckClient and AckTransacted modes it is recorded until the session
// acknowledges, commits or rolls back.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	for {
		msg, err := r.next(ctx)
		if err != nil {
			return nil, err
		}

		// poisoned delivery, refuse it and take the next one
		if r.maxRedeliveries >= 0 && deliveryCount(msg) > uint32(r.maxRedeliveries) {
			msg.Reject()
			continue
		}

		r.markDelivered(msg)
		return msg, nil
	}
}

// next returns the next buffered delivery.
func (r *Receiver) next(ctx context.Context) (*Message, error) {
	if atomic.LoadUint32(&r.link.paused) == 1 {
		select {
		case r.link.receiverReady <- struct{}{}:
		default:
		}
	}

	if r.localPriority {
		return r.nextByPriority(ctx)
	}

	// non-blocking receive to ensure buffered messages are
	// delivered regardless of whether the link has been closed.
	select {
	case msg := <-r.link.messages:
		msg.receiver = r
		return &msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// wait for the next message
	select {
	case msg := <-r.link.messages:
		msg.receiver = r
		return &msg, nil
	case <-r.link.done:
		return nil, r.link.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// nextByPriority moves every delivery already buffered on the link
// into a window ordered by descending priority, then dispatches the
// window head. Deliveries of equal priority keep their arrival order.
func (r *Receiver) nextByPriority(ctx context.Context) (*Message, error) {
	r.mu.Lock()
	r.drainWindow()
	if len(r.window) > 0 {
		msg := r.popWindow()
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	// window is empty, wait for the next delivery
	select {
	case msg := <-r.link.messages:
		msg.receiver = r
		r.mu.Lock()
		r.insertByPriority(msg)
		r.drainWindow()
		out := r.popWindow()
		r.mu.Unlock()
		return out, nil
	case <-r.link.done:
		return nil, r.link.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drainWindow moves deliveries from the link buffer into the window.
// Callers must hold r.mu.
func (r *Receiver) drainWindow() {
	for {
		select {
		case msg := <-r.link.messages:
			msg.receiver = r
			r.insertByPriority(msg)
		default:
			return
		}
	}
}

// insertByPriority places msg behind buffered deliveries of equal or
// higher priority. Callers must hold r.mu.
func (r *Receiver) insertByPriority(msg Message) {
	p := messagePriority(&msg)
	i := len(r.window)
	for i > 0 && messagePriority(&r.window[i-1]) < p {
		i--
	}
	r.window = append(r.window, Message{})
	copy(r.window[i+1:], r.window[i:])
	r.window[i] = msg
}

// popWindow removes and returns the window head. Callers must hold r.mu.
func (r *Receiver) popWindow() *Message {
	msg := r.window[0]
	copy(r.window, r.window[1:])
	r.window[len(r.window)-1] = Message{}
	r.window = r.window[:len(r.window)-1]
	return &msg
}

// messagePriority reads the header priority, defaulting to 4 when the
// header is absent.
func messagePriority(m *Message) uint8 {
	if m.Header == nil {
		return 4
	}
	return m.Header.Priority
}

// deliveryCount reads the header delivery count, the number of prior
// delivery attempts.
func deliveryCount(m *Message) uint32 {
	if m.Header == nil {
		return 0
	}
	return m.Header.DeliveryCount
}

// markDelivered applies the acknowledgement mode to a delivery being
// handed to the application.
func (r *Receiver) markDelivered(msg *Message) {
	switch r.ackMode {
	case AckClient, AckTransacted:
		if msg.settled {
			return
		}
		r.mu.Lock()
		r.unacked = append(r.unacked, unackedDelivery{id: msg.id, deliveryCount: deliveryCount(msg)})
		r.mu.Unlock()
	default:
		msg.Accept()
	}
}

// settleUnacked accepts every delivery dispatched since the last
// settle. Contiguous delivery IDs are coalesced into ranged
// dispositions.
func (r *Receiver) settleUnacked() error {
	r.mu.Lock()
	pending := r.unacked
	r.unacked = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })

	confirm := r.link.receiverSettleMode != nil && *r.link.receiverSettleMode == ModeSecond && !r.asyncAcks

	var waits []chan error
	if confirm {
		for _, d := range pending {
			waits = append(waits, r.inFlight.add(uint32(d.id)))
		}
	}

	var firstErr error
	for i := 0; i < len(pending); {
		j := i
		for j+1 < len(pending) && pending[j+1].id == pending[j].id+1 {
			j++
		}

		var (
			first = uint32(pending[i].id)
			last  *uint32
		)
		if j > i {
			lastCopy := uint32(pending[j].id)
			last = &lastCopy
		}

		err := r.sendDisposition(first, last, &stateAccepted{})
		if err != nil {
			r.inFlight.remove(first, last, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		i = j + 1
	}
	if firstErr != nil {
		return firstErr
	}

	for _, wait := range waits {
		err := <-wait
		if err != nil {
			return err
		}
	}
	return nil
}

// rollbackUnacked returns every unsettled delivery to the server.
// Deliveries under the redelivery limit are modified with
// delivery-failed set so the server increments their count before
// redelivering; deliveries at the limit are rejected.
func (r *Receiver) rollbackUnacked(limit int) error {
	r.mu.Lock()
	pending := r.unacked
	r.unacked = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })

	confirm := r.link.receiverSettleMode != nil && *r.link.receiverSettleMode == ModeSecond && !r.asyncAcks

	var (
		waits    []chan error
		firstErr error
	)
	for _, d := range pending {
		var state deliveryState = &stateModified{DeliveryFailed: true}
		if limit >= 0 && d.deliveryCount >= uint32(limit) {
			state = &stateRejected{}
		}

		if confirm {
			waits = append(waits, r.inFlight.add(uint32(d.id)))
		}

		err := r.sendDisposition(uint32(d.id), nil, state)
		if err != nil {
			r.inFlight.remove(uint32(d.id), nil, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	for _, wait := range waits {
		err := <-wait
		if err != nil {
			return err
		}
	}
	return nil
}

// Address returns the link's address.
func (r *Receiver) Address() string {
	if r.link.source == nil {
		return ""
	}
	return r.link.source.Address
}

// Close closes the Receiver and AMQP link.
//
// Closing a durable subscription's receiver deletes the subscription;
// use Detach to stop consuming while the server keeps it.
//
// If ctx expires while waiting for servers response, ctx.Err() will be returned.
// The session will continue to wait for the response until the Session or
// Connection is closed.
func (r *Receiver) Close(ctx context.Context) error {
	r.link.session.unregisterReceiver(r)
	return r.link.Close(ctx)
}

// Detach detaches the Receiver without closing the link. Server-side
// link state such as a durable subscription survives, and a receiver
// attached later under the same link name resumes it.
//
// If ctx expires while waiting for servers response, ctx.Err() will be returned.
func (r *Receiver) Detach(ctx context.Context) error {
	r.link.session.unregisterReceiver(r)
	return r.link.detach(ctx)
}

type messageDisposition struct {
	id    uint32
	state deliveryState
}

func (r *Receiver) dispositionBatcher() {
	// batch operations:
	// Keep track of the first and last delivery ID, incrementing as
	// Accept() is called. After last-first == batchSize, send disposition.
	// If Reject()/Release() is called, send one disposition for previously
	// accepted, and one for the rejected/released message. If messages are
	// accepted out of order, send any existing batch and the current message.
	var (
		batchSize    = r.maxCredit
		batchStarted bool
		first        uint32
		last         uint32
	)

	// create an unstarted timer
	batchTimer := time.NewTimer(1 * time.Minute)
	batchTimer.Stop()
	defer batchTimer.Stop()

	for {
		select {
		case msgDis := <-r.dispositions:

			// not accepted or batch out of order
			_, isAccept := msgDis.state.(*stateAccepted)
			if !isAccept || (batchStarted && last+1 != msgDis.id) {
				// send the current batch, if any
				if batchStarted {
					lastCopy := last
					err := r.sendDisposition(first, &lastCopy, &stateAccepted{})
					if err != nil {
						r.inFlight.remove(first, &lastCopy, err)
					}
					batchStarted = false
				}

				// send the current message
				err := r.sendDisposition(msgDis.id, nil, msgDis.state)
				if err != nil {
					r.inFlight.remove(msgDis.id, nil, err)
				}
				continue
			}

			if batchStarted {
				// increment last
				last++
			} else {
				// start new batch
				batchStarted = true
				first = msgDis.id
				last = msgDis.id
				batchTimer.Reset(r.batchMaxAge)
			}

			// send batch if current size == batchSize
			if last-first+1 >= batchSize {
				lastCopy := last
				err := r.sendDisposition(first, &lastCopy, &stateAccepted{})
				if err != nil {
					r.inFlight.remove(first, &lastCopy, err)
				}
				batchStarted = false
				if !batchTimer.Stop() {
					<-batchTimer.C // batch timer must be drained if stop returns false
				}
			}

		// maxBatchAge elapsed, send batch
		case <-batchTimer.C:
			lastCopy := last
			err := r.sendDisposition(first, &lastCopy, &stateAccepted{})
			if err != nil {
				r.inFlight.remove(first, &lastCopy, err)
			}
			batchStarted = false
			batchTimer.Stop()

		case <-r.link.done:
			return
		}
	}
}

// sendDisposition sends a disposition frame to the peer
func (r *Receiver) sendDisposition(first uint32, last *uint32, state deliveryState) error {
	fr := &performDisposition{
		Role:    roleReceiver,
		First:   first,
		Last:    last,
		Settled: r.link.receiverSettleMode == nil || *r.link.receiverSettleMode == ModeFirst,
		State:   state,
	}

	debug(1, "TX: %s", fr)
	return r.link.session.txFrame(fr, nil)
}

func (r *Receiver) acceptMessage(id deliveryID) error {
	r.forgetUnacked(id)
	return r.messageDisposition(id, &stateAccepted{})
}

func (r *Receiver) rejectMessage(id deliveryID) error {
	r.forgetUnacked(id)
	return r.messageDisposition(id, &stateRejected{})
}

func (r *Receiver) releaseMessage(id deliveryID) error {
	r.forgetUnacked(id)
	return r.messageDisposition(id, &stateReleased{})
}

func (r *Receiver) modifyMessage(id deliveryID, deliveryFailed, undeliverableHere bool, annotations map[symbol]interface{}) error {
	r.forgetUnacked(id)
	return r.messageDisposition(id, &stateModified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: annotations,
	})
}

// forgetUnacked drops id from the unacked ledger after an explicit
// per-message disposition so a later session settle doesn't dispose it
// twice.
func (r *Receiver) forgetUnacked(id deliveryID) {
	r.mu.Lock()
	for i, d := range r.unacked {
		if d.id == id {
			r.unacked = append(r.unacked[:i], r.unacked[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

func (r *Receiver) messageDisposition(id deliveryID, state deliveryState) error {
	var wait chan error
	if r.link.receiverSettleMode != nil && *r.link.receiverSettleMode == ModeSecond && !r.asyncAcks {
		wait = r.inFlight.add(uint32(id))
	}

	if r.batching {
		select {
		case r.dispositions <- messageDisposition{id: uint32(id), state: state}:
		case <-r.link.done:
			return r.link.err
		}
	} else {
		err := r.sendDisposition(uint32(id), nil, state)
		if err != nil {
			return err
		}
	}

	if wait == nil {
		return nil
	}

	return <-wait
}

// inFlight tracks in-flight message dispositions allowing receivers
// to block waiting for the server to respond when an appropriate
// settlement mode is configured.
type inFlight struct {
	mu sync.Mutex
	m  map[uint32]chan error
}

func (f *inFlight) add(id uint32) chan error {
	wait := make(chan error, 1)

	f.mu.Lock()
	if f.m == nil {
		f.m = map[uint32]chan error{id: wait}
	} else {
		f.m[id] = wait
	}
	f.mu.Unlock()

	return wait
}

func (f *inFlight) remove(first uint32, last *uint32, err error) {
	f.mu.Lock()

	if f.m == nil {
		f.mu.Unlock()
		return
	}

	ll := first
	if last != nil {
		ll = *last
	}

	for i := first; i <= ll; i++ {
		wait, ok := f.m[i]
		if ok {
			wait <- err
			delete(f.m, i)
		}
	}

	f.mu.Unlock()
}

func (f *inFlight) clear(err error) {
	f.mu.Lock()
	for id, wait := range f.m {
		wait <- err
		delete(f.m, id)
	}
	f.mu.Unlock()
}
