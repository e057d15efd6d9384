package jms

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
)

// Sender sends messages on a single AMQP link.
type Sender struct {
	link *link

	mu              sync.Mutex // protects buf and nextDeliveryTag
	buf             bytes.Buffer
	nextDeliveryTag uint64
}

// Send sends a Message.
//
// Blocks until the message is sent, ctx completes, or an error occurs.
// The returned error reports the delivery outcome: nil for accepted
// (or settled on transmission), a delivery-classified error for
// rejected, released and modified outcomes.
//
// When the connection forces asynchronous sends, Send returns as soon
// as the message is handed to the network and the outcome is resolved
// in the background; failures reach the exception listener.
//
// Send is safe for concurrent use. Since only a single message can be
// sent on a link at a time, this is most useful when settlement confirmation
// has been requested (receiver settle mode is "Second"). In this case,
// additional messages can be sent while the current goroutine is waiting
// for the confirmation.
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	msg.prepareSend()

	done, err := s.send(ctx, msg)
	if err != nil {
		return err
	}

	if s.link.session.conn.forceAsyncSend {
		go s.resolveAsync(done)
		return nil
	}

	// wait for transfer to be confirmed
	select {
	case state := <-done:
		return sendOutcome(state)
	case <-s.link.done:
		return s.link.err
	case <-ctx.Done():
		return errorWrapf(ctx.Err(), "awaiting send")
	}
}

// send is separated from Send so that the mutex unlock can be deferred without
// locking the transfer confirmation that happens in Send.
func (s *Sender) send(ctx context.Context, msg *Message) (chan deliveryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	err := msg.marshal(&s.buf)
	if err != nil {
		return nil, err
	}

	if s.link.maxMessageSize != 0 && uint64(s.buf.Len()) > s.link.maxMessageSize {
		return nil, deliveryErrorf("encoded message size %d exceeds max of %d", s.buf.Len(), s.link.maxMessageSize)
	}

	var (
		maxPayloadSize = int(s.link.session.conn.peerMaxFrameSize) - maxTransferFrameHeader
		sndSettleMode  = s.link.senderSettleMode
		rcvSettleMode  = s.link.receiverSettleMode
		senderSettled  = sndSettleMode != nil && *sndSettleMode == ModeSettled
		deliveryID     = atomic.AddUint32(&s.link.session.nextDeliveryID, 1)
		messageFormat  uint32
	)

	// use uint64 encoded as []byte as deliveryTag
	deliveryTag := make([]byte, 8)
	binary.BigEndian.PutUint64(deliveryTag, s.nextDeliveryTag)
	s.nextDeliveryTag++

	fr := performTransfer{
		Handle:        s.link.handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   deliveryTag,
		MessageFormat: &messageFormat,
		More:          s.buf.Len() > 0,
	}

	for fr.More {
		buf := s.buf.Next(maxPayloadSize)
		fr.Payload = append([]byte(nil), buf...)
		fr.More = s.buf.Len() > 0
		if !fr.More {
			// mark final transfer as settled when sender mode is settled
			fr.Settled = senderSettled

			// set done on last frame to be closed after network transmission
			//
			// If confirmSettlement is true (ReceiverSettleMode == "second"),
			// Session.mux will intercept the done channel and close it when the
			// receiver has confirmed settlement instead of on net transmit.
			fr.done = make(chan deliveryState, 1)
			fr.confirmSettlement = rcvSettleMode != nil && *rcvSettleMode == ModeSecond
		}

		select {
		case s.link.transfers <- fr:
		case <-s.link.done:
			return nil, s.link.err
		case <-ctx.Done():
			return nil, errorWrapf(ctx.Err(), "awaiting send")
		}

		// clear values that are only required on first message
		fr.DeliveryID = nil
		fr.DeliveryTag = nil
		fr.MessageFormat = nil
	}

	return fr.done, nil
}

// resolveAsync settles a send in the background. A failed outcome has
// no caller left to return to, so it goes to the exception listener.
func (s *Sender) resolveAsync(done chan deliveryState) {
	var err error
	select {
	case state := <-done:
		err = sendOutcome(state)
	case <-s.link.done:
		err = s.link.err
	}
	if err != nil && err != ErrLinkClosed {
		s.link.session.conn.notifyException(err)
	}
}

// sendOutcome converts the delivery state that resolved a send into
// the error reported to the caller. Accepted, and settlement on
// transmission (nil state), report success.
func sendOutcome(state deliveryState) error {
	switch state := state.(type) {
	case nil, *stateAccepted:
		return nil
	case *stateRejected:
		if state.Error != nil {
			return kindWrap(KindDelivery, state.Error, "message rejected")
		}
		return deliveryErrorf("message rejected")
	case *stateReleased:
		return deliveryErrorf("message released")
	case *stateModified:
		return deliveryErrorf("message modified: delivery-failed=%t, undeliverable-here=%t", state.DeliveryFailed, state.UndeliverableHere)
	default:
		return deliveryErrorf("unexpected delivery state %T", state)
	}
}

// Address returns the link's address.
func (s *Sender) Address() string {
	if s.link.target == nil {
		return ""
	}
	return s.link.target.Address
}

// Close closes the Sender and AMQP link.
func (s *Sender) Close(ctx context.Context) error {
	return s.link.Close(ctx)
}

// NewSender opens a new sender link on the session.
func (s *Session) NewSender(opts ...LinkOption) (*Sender, error) {
	l, err := attachLink(s, nil, opts)
	if err != nil {
		return nil, err
	}

	return &Sender{link: l}, nil
}

// maxTransferFrameHeader is the worst-case overhead of a transfer
// frame, used to compute the payload chunk size for a delivery.
const maxTransferFrameHeader = 66 // determined by calcMaxTransferFrameHeader

func calcMaxTransferFrameHeader() int {
	var buf bytes.Buffer

	maxUint32 := uint32(math.MaxUint32)
	receiverSettleMode := ReceiverSettleMode(0)
	err := writeFrame(&buf, frame{
		typ:     frameTypeAMQP,
		channel: math.MaxUint16,
		body: &performTransfer{
			Handle:             maxUint32,
			DeliveryID:         &maxUint32,
			DeliveryTag:        bytes.Repeat([]byte{'a'}, 32),
			MessageFormat:      &maxUint32,
			Settled:            true,
			More:               true,
			ReceiverSettleMode: &receiverSettleMode,
			Resume:             true,
			Aborted:            true,
			Batchable:          true,
			// Payload omitted as it is appended directly without any header
		},
	})
	if err != nil {
		panic(err)
	}

	return buf.Len()
}
