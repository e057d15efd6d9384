package jms

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// testPeer scripts the server side of an in-memory connection so
// session and link flows can be exercised without a broker. Scripts run
// on their own goroutine and speak raw frames through the same codec as
// the client.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	done chan struct{}
}

func newTestPeer(t *testing.T) (*testPeer, net.Conn) {
	client, server := net.Pipe()
	p := &testPeer{t: t, conn: server, done: make(chan struct{})}
	return p, client
}

// start runs script on a new goroutine. After a successful script the
// peer keeps reading so the client can flush its final close frame; on
// failure the transport is closed to unblock whatever the client has in
// flight.
func (p *testPeer) start(script func() error) {
	go func() {
		defer close(p.done)
		err := script()
		if err != nil {
			p.t.Errorf("test peer: %+v", err)
			p.conn.Close()
			return
		}
		p.drain()
	}()
}

func (p *testPeer) wait() { <-p.done }

func (p *testPeer) drain() {
	buf := make([]byte, 512)
	for {
		_, err := p.conn.Read(buf)
		if err != nil {
			return
		}
	}
}

// exchangeProto answers the client's protocol header.
func (p *testPeer) exchangeProto() error {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(p.conn, hdr); err != nil {
		return err
	}
	want := []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}
	if !bytes.Equal(hdr, want) {
		return errorErrorf("unexpected protocol header %x", hdr)
	}
	_, err := p.conn.Write(want)
	return err
}

// readFrame returns the next performative sent by the client, skipping
// empty keepalive frames.
func (p *testPeer) readFrame() (frameBody, error) {
	hdr := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(p.conn, hdr); err != nil {
			return nil, err
		}
		fh, err := parseFrameHeader(bytes.NewReader(hdr))
		if err != nil {
			return nil, err
		}
		if fh.Size == frameHeaderSize {
			continue
		}
		payload := make([]byte, int(fh.Size)-frameHeaderSize)
		if _, err := io.ReadFull(p.conn, payload); err != nil {
			return nil, err
		}
		return parseFrameBody(bytes.NewBuffer(payload))
	}
}

// nextFrame reads the client's next performative. Receivers replenish
// credit on their own schedule, so link flows are skipped unless the
// caller asked for one.
func (p *testPeer) nextFrame(skipFlows bool) (frameBody, error) {
	for {
		body, err := p.readFrame()
		if err != nil {
			return nil, err
		}
		if _, ok := body.(*performFlow); ok && skipFlows {
			continue
		}
		return body, nil
	}
}

func (p *testPeer) sendFrame(channel uint16, body frameBody) error {
	var buf bytes.Buffer
	err := writeFrame(&buf, frame{typ: frameTypeAMQP, channel: channel, body: body})
	if err != nil {
		return err
	}
	_, err = p.conn.Write(buf.Bytes())
	return err
}

func (p *testPeer) expectOpen() (*performOpen, error) {
	fr, err := p.nextFrame(true)
	if err != nil {
		return nil, err
	}
	body, ok := fr.(*performOpen)
	if !ok {
		return nil, errorErrorf("expected open, got %+v", fr)
	}
	return body, nil
}

func (p *testPeer) expectBegin() (*performBegin, error) {
	fr, err := p.nextFrame(true)
	if err != nil {
		return nil, err
	}
	body, ok := fr.(*performBegin)
	if !ok {
		return nil, errorErrorf("expected begin, got %+v", fr)
	}
	return body, nil
}

func (p *testPeer) expectAttach() (*performAttach, error) {
	fr, err := p.nextFrame(true)
	if err != nil {
		return nil, err
	}
	body, ok := fr.(*performAttach)
	if !ok {
		return nil, errorErrorf("expected attach, got %+v", fr)
	}
	return body, nil
}

func (p *testPeer) expectFlow() (*performFlow, error) {
	fr, err := p.nextFrame(false)
	if err != nil {
		return nil, err
	}
	body, ok := fr.(*performFlow)
	if !ok {
		return nil, errorErrorf("expected flow, got %+v", fr)
	}
	return body, nil
}

func (p *testPeer) expectTransfer() (*performTransfer, error) {
	fr, err := p.nextFrame(true)
	if err != nil {
		return nil, err
	}
	body, ok := fr.(*performTransfer)
	if !ok {
		return nil, errorErrorf("expected transfer, got %+v", fr)
	}
	return body, nil
}

func (p *testPeer) expectDisposition() (*performDisposition, error) {
	fr, err := p.nextFrame(true)
	if err != nil {
		return nil, err
	}
	body, ok := fr.(*performDisposition)
	if !ok {
		return nil, errorErrorf("expected disposition, got %+v", fr)
	}
	return body, nil
}

func (p *testPeer) expectDetach() (*performDetach, error) {
	fr, err := p.nextFrame(true)
	if err != nil {
		return nil, err
	}
	body, ok := fr.(*performDetach)
	if !ok {
		return nil, errorErrorf("expected detach, got %+v", fr)
	}
	return body, nil
}

func (p *testPeer) expectEnd() (*performEnd, error) {
	fr, err := p.nextFrame(true)
	if err != nil {
		return nil, err
	}
	body, ok := fr.(*performEnd)
	if !ok {
		return nil, errorErrorf("expected end, got %+v", fr)
	}
	return body, nil
}

// connect answers the client's protocol header and open the way a
// broker with no idle timeout would.
func (p *testPeer) connect() error {
	if err := p.exchangeProto(); err != nil {
		return err
	}
	if _, err := p.expectOpen(); err != nil {
		return err
	}
	return p.sendFrame(0, &performOpen{ContainerID: "test-peer", MaxFrameSize: 65536})
}

// begin answers the client's begin on channel 0.
func (p *testPeer) begin() error {
	if _, err := p.expectBegin(); err != nil {
		return err
	}
	return p.sendFrame(0, &performBegin{
		NextOutgoingID: 0,
		IncomingWindow: 100,
		OutgoingWindow: 100,
	})
}

// answerSenderAttach answers a sending client's attach as the receiving
// end, echoing the link name, target address and settle modes.
func (p *testPeer) answerSenderAttach() (*performAttach, error) {
	attach, err := p.expectAttach()
	if err != nil {
		return nil, err
	}
	if attach.Role != roleSender {
		return nil, errorErrorf("attach role = %s, want sender", attach.Role)
	}
	if attach.Target == nil {
		return nil, errorErrorf("attach target not set")
	}
	err = p.sendFrame(0, &performAttach{
		Name:               attach.Name,
		Handle:             0,
		Role:               roleReceiver,
		SenderSettleMode:   attach.SenderSettleMode,
		ReceiverSettleMode: attach.ReceiverSettleMode,
		Target:             &target{Address: attach.Target.Address},
	})
	return attach, err
}

// answerReceiverAttach answers a receiving client's attach as the
// sending end, echoing the link name and source.
func (p *testPeer) answerReceiverAttach() (*performAttach, error) {
	attach, err := p.expectAttach()
	if err != nil {
		return nil, err
	}
	if attach.Role != roleReceiver {
		return nil, errorErrorf("attach role = %s, want receiver", attach.Role)
	}
	if attach.Source == nil {
		return nil, errorErrorf("attach source not set")
	}
	err = p.sendFrame(0, &performAttach{
		Name:   attach.Name,
		Handle: 0,
		Role:   roleSender,
		Source: &source{
			Address:      attach.Source.Address,
			Durable:      attach.Source.Durable,
			ExpiryPolicy: attach.Source.ExpiryPolicy,
		},
	})
	return attach, err
}

// grantCredit issues credit to a sending client, which starts with
// none.
func (p *testPeer) grantCredit(credit uint32) error {
	return p.sendFrame(0, &performFlow{
		NextIncomingID: uint32Ptr(0),
		IncomingWindow: 100,
		NextOutgoingID: 0,
		OutgoingWindow: 100,
		Handle:         uint32Ptr(0),
		DeliveryCount:  uint32Ptr(0),
		LinkCredit:     uint32Ptr(credit),
	})
}

// answerDetach answers the client's closing detach.
func (p *testPeer) answerDetach() error {
	detach, err := p.expectDetach()
	if err != nil {
		return err
	}
	if !detach.Closed {
		return errorErrorf("detach.Closed = false, want true")
	}
	return p.sendFrame(0, &performDetach{Handle: 0, Closed: true})
}

// answerEnd answers the client's end.
func (p *testPeer) answerEnd() error {
	end, err := p.expectEnd()
	if err != nil {
		return err
	}
	if end.Error != nil {
		return errorErrorf("end error = %+v, want nil", end.Error)
	}
	return p.sendFrame(0, &performEnd{})
}

func (p *testPeer) sendTransfer(id uint32, payload []byte) error {
	return p.sendFrame(0, &performTransfer{
		Handle:      0,
		DeliveryID:  uint32Ptr(id),
		DeliveryTag: []byte{byte(id)},
		Payload:     payload,
	})
}

// transferPayload encodes m the way a sending peer frames a delivery
// payload.
func transferPayload(t *testing.T, m *Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := marshal(&buf, m)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func testTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func TestSessionBeginEnd(t *testing.T) {
	p, nc := newTestPeer(t)
	defer nc.Close()

	p.start(func() error {
		if err := p.exchangeProto(); err != nil {
			return err
		}
		open, err := p.expectOpen()
		if err != nil {
			return err
		}
		if open.ContainerID != "session-test" {
			return errorErrorf("open.ContainerID = %q, want %q", open.ContainerID, "session-test")
		}
		if open.MaxFrameSize != 512 {
			return errorErrorf("open.MaxFrameSize = %d, want 512", open.MaxFrameSize)
		}
		if open.ChannelMax != 65535 {
			return errorErrorf("open.ChannelMax = %d, want 65535", open.ChannelMax)
		}
		if open.IdleTimeout != time.Minute {
			return errorErrorf("open.IdleTimeout = %s, want 1m", open.IdleTimeout)
		}
		err = p.sendFrame(0, &performOpen{ContainerID: "test-peer", MaxFrameSize: 65536})
		if err != nil {
			return err
		}

		begin, err := p.expectBegin()
		if err != nil {
			return err
		}
		if begin.NextOutgoingID != 0 {
			return errorErrorf("begin.NextOutgoingID = %d, want 0", begin.NextOutgoingID)
		}
		if begin.IncomingWindow != DefaultWindow || begin.OutgoingWindow != DefaultWindow {
			return errorErrorf("begin windows = %d/%d, want %d/%d",
				begin.IncomingWindow, begin.OutgoingWindow, DefaultWindow, DefaultWindow)
		}
		if begin.HandleMax != DefaultMaxLinks-1 {
			return errorErrorf("begin.HandleMax = %d, want %d", begin.HandleMax, DefaultMaxLinks-1)
		}
		err = p.sendFrame(0, &performBegin{NextOutgoingID: 0, IncomingWindow: 100, OutgoingWindow: 100})
		if err != nil {
			return err
		}

		return p.answerEnd()
	})

	client, err := New(nc, ConnContainerID("session-test"))
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	ssn, err := client.NewSession()
	if err != nil {
		t.Fatalf("begin session: %+v", err)
	}
	if ssn.AckMode() != AckAuto {
		t.Errorf("AckMode() = %s, want %s", ssn.AckMode(), AckAuto)
	}

	ctx, cancel := testTimeout()
	defer cancel()
	if err := ssn.Close(ctx); err != nil {
		t.Errorf("close session: %+v", err)
	}

	client.Close()
	p.wait()
}

func TestSessionAckModeGuards(t *testing.T) {
	s := newSession(&conn{maxRedeliveries: -1}, 0)

	if err := s.Commit(); KindOf(err) != KindApplication {
		t.Errorf("Commit on auto session: err = %+v, want application error", err)
	}
	if err := s.Rollback(); KindOf(err) != KindApplication {
		t.Errorf("Rollback on auto session: err = %+v, want application error", err)
	}
	if err := s.Acknowledge(); err != nil {
		t.Errorf("Acknowledge on auto session: err = %+v", err)
	}

	// JMS ignores acknowledge on transacted sessions
	s.ackMode = AckTransacted
	if err := s.Acknowledge(); err != nil {
		t.Errorf("Acknowledge on transacted session: err = %+v", err)
	}
	if err := s.Commit(); err != nil {
		t.Errorf("Commit on transacted session: err = %+v", err)
	}
}

func TestSessionClientAcknowledge(t *testing.T) {
	payloads := make([][]byte, 3)
	for i := range payloads {
		payloads[i] = transferPayload(t, NewTextMessage("order-"+strconv.Itoa(i)))
	}

	p, nc := newTestPeer(t)
	defer nc.Close()

	p.start(func() error {
		if err := p.connect(); err != nil {
			return err
		}
		if err := p.begin(); err != nil {
			return err
		}

		attach, err := p.answerReceiverAttach()
		if err != nil {
			return err
		}
		if attach.Source.Address != "orders" {
			return errorErrorf("attach source address = %q, want %q", attach.Source.Address, "orders")
		}

		flow, err := p.expectFlow()
		if err != nil {
			return err
		}
		if flow.LinkCredit == nil || *flow.LinkCredit != 10 {
			return errorErrorf("flow link credit = %v, want 10", flow.LinkCredit)
		}

		for i, payload := range payloads {
			if err := p.sendTransfer(uint32(i), payload); err != nil {
				return err
			}
		}

		// a single ranged disposition settles the contiguous deliveries
		disp, err := p.expectDisposition()
		if err != nil {
			return err
		}
		if disp.Role != roleReceiver || !disp.Settled {
			return errorErrorf("disposition = %+v, want settled receiver disposition", disp)
		}
		if disp.First != 0 || disp.Last == nil || *disp.Last != 2 {
			return errorErrorf("disposition = %+v, want range 0-2", disp)
		}
		if _, ok := disp.State.(*stateAccepted); !ok {
			return errorErrorf("disposition state = %+v, want accepted", disp.State)
		}

		if err := p.answerDetach(); err != nil {
			return err
		}
		return p.answerEnd()
	})

	client, err := New(nc)
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	ssn, err := client.NewSession(SessionAckMode(AckClient))
	if err != nil {
		t.Fatalf("begin session: %+v", err)
	}

	ctx, cancel := testTimeout()
	defer cancel()

	r, err := ssn.NewReceiver(LinkQueue("orders"), LinkCredit(10))
	if err != nil {
		t.Fatalf("attach receiver: %+v", err)
	}

	for i := 0; i < 3; i++ {
		msg, err := r.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %d: %+v", i, err)
		}
		text, err := msg.Text()
		if err != nil {
			t.Fatalf("text body %d: %+v", i, err)
		}
		if want := "order-" + strconv.Itoa(i); text != want {
			t.Errorf("message %d = %q, want %q", i, text, want)
		}
	}

	if err := ssn.Commit(); KindOf(err) != KindApplication {
		t.Errorf("Commit on client-ack session: err = %+v, want application error", err)
	}
	if err := ssn.Acknowledge(); err != nil {
		t.Fatalf("acknowledge: %+v", err)
	}

	if err := r.Close(ctx); err != nil {
		t.Errorf("close receiver: %+v", err)
	}
	if err := ssn.Close(ctx); err != nil {
		t.Errorf("close session: %+v", err)
	}
	client.Close()
	p.wait()
}

func TestSessionRollback(t *testing.T) {
	fresh := NewTextMessage("m-0")
	stale := NewTextMessage("m-1")
	stale.Header.DeliveryCount = 3
	payloads := [][]byte{
		transferPayload(t, fresh),
		transferPayload(t, stale),
	}

	p, nc := newTestPeer(t)
	defer nc.Close()

	p.start(func() error {
		if err := p.connect(); err != nil {
			return err
		}
		if err := p.begin(); err != nil {
			return err
		}
		if _, err := p.answerReceiverAttach(); err != nil {
			return err
		}
		if _, err := p.expectFlow(); err != nil {
			return err
		}

		for i, payload := range payloads {
			if err := p.sendTransfer(uint32(i), payload); err != nil {
				return err
			}
		}

		// the fresh delivery is returned for redelivery
		disp, err := p.expectDisposition()
		if err != nil {
			return err
		}
		if disp.First != 0 {
			return errorErrorf("first disposition = %+v, want delivery 0", disp)
		}
		mod, ok := disp.State.(*stateModified)
		if !ok || !mod.DeliveryFailed {
			return errorErrorf("disposition state = %+v, want modified with delivery-failed", disp.State)
		}

		// the delivery at the redelivery limit is rejected instead
		disp, err = p.expectDisposition()
		if err != nil {
			return err
		}
		if disp.First != 1 {
			return errorErrorf("second disposition = %+v, want delivery 1", disp)
		}
		if _, ok := disp.State.(*stateRejected); !ok {
			return errorErrorf("disposition state = %+v, want rejected", disp.State)
		}

		if err := p.answerDetach(); err != nil {
			return err
		}
		return p.answerEnd()
	})

	client, err := New(nc)
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	ssn, err := client.NewSession(SessionAckMode(AckTransacted), SessionMaxRedeliveries(3))
	if err != nil {
		t.Fatalf("begin session: %+v", err)
	}
	if ssn.AckMode() != AckTransacted {
		t.Errorf("AckMode() = %s, want %s", ssn.AckMode(), AckTransacted)
	}

	ctx, cancel := testTimeout()
	defer cancel()

	r, err := ssn.NewReceiver(LinkQueue("returns"), LinkCredit(4))
	if err != nil {
		t.Fatalf("attach receiver: %+v", err)
	}

	for i := 0; i < 2; i++ {
		_, err := r.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %d: %+v", i, err)
		}
	}

	if err := ssn.Rollback(); err != nil {
		t.Fatalf("rollback: %+v", err)
	}

	if err := r.Close(ctx); err != nil {
		t.Errorf("close receiver: %+v", err)
	}
	if err := ssn.Close(ctx); err != nil {
		t.Errorf("close session: %+v", err)
	}
	client.Close()
	p.wait()
}

func TestSessionDispositionRangeViolation(t *testing.T) {
	violated := make(chan struct{})

	p, nc := newTestPeer(t)
	defer nc.Close()

	p.start(func() error {
		if err := p.connect(); err != nil {
			return err
		}
		if err := p.begin(); err != nil {
			return err
		}
		if _, err := p.answerSenderAttach(); err != nil {
			return err
		}
		if err := p.grantCredit(50); err != nil {
			return err
		}

		tr, err := p.expectTransfer()
		if err != nil {
			return err
		}
		if tr.DeliveryID == nil || *tr.DeliveryID != 1 {
			return errorErrorf("transfer delivery ID = %v, want 1", tr.DeliveryID)
		}
		if tr.Settled {
			return errorErrorf("transfer settled, want unsettled")
		}

		// settle a range extending past the only tracked delivery
		err = p.sendFrame(0, &performDisposition{
			Role:    roleReceiver,
			First:   1,
			Last:    uint32Ptr(6),
			Settled: true,
			State:   &stateAccepted{},
		})
		if err != nil {
			return err
		}

		end, err := p.expectEnd()
		if err != nil {
			return err
		}
		if end.Error == nil || end.Error.Condition != ErrorIllegalState {
			return errorErrorf("end error = %+v, want condition %s", end.Error, ErrorIllegalState)
		}
		if err := p.sendFrame(0, &performEnd{}); err != nil {
			return err
		}
		close(violated)
		return nil
	})

	client, err := New(nc)
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	ssn, err := client.NewSession()
	if err != nil {
		t.Fatalf("begin session: %+v", err)
	}

	ctx, cancel := testTimeout()
	defer cancel()

	sender, err := ssn.NewSender(LinkQueue("jobs"))
	if err != nil {
		t.Fatalf("attach sender: %+v", err)
	}

	if err := sender.Send(ctx, NewTextMessage("job-1")); err != nil {
		t.Fatalf("send: %+v", err)
	}

	select {
	case <-violated:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the session to end")
	}

	err = ssn.Close(ctx)
	if KindOf(err) != KindProtocol {
		t.Errorf("session error kind = %s, want %s", KindOf(err), KindProtocol)
	}
	if err == nil || !strings.Contains(err.Error(), "unknown deliveries") {
		t.Errorf("session error = %+v, want disposition range violation", err)
	}

	client.Close()
	p.wait()
}

func TestSessionServerEnd(t *testing.T) {
	ended := make(chan struct{})

	p, nc := newTestPeer(t)
	defer nc.Close()

	p.start(func() error {
		if err := p.connect(); err != nil {
			return err
		}
		if err := p.begin(); err != nil {
			return err
		}

		err := p.sendFrame(0, &performEnd{
			Error: &Error{
				Condition:   ErrorResourceLimitExceeded,
				Description: "session quota exhausted",
			},
		})
		if err != nil {
			return err
		}

		end, err := p.expectEnd()
		if err != nil {
			return err
		}
		if end.Error != nil {
			return errorErrorf("answering end error = %+v, want nil", end.Error)
		}
		close(ended)
		return nil
	})

	client, err := New(nc)
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	ssn, err := client.NewSession()
	if err != nil {
		t.Fatalf("begin session: %+v", err)
	}

	select {
	case <-ended:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the session to end")
	}

	ctx, cancel := testTimeout()
	defer cancel()

	err = ssn.Close(ctx)
	if KindOf(err) != KindResource {
		t.Errorf("session error kind = %s, want %s", KindOf(err), KindResource)
	}
	if err == nil || !strings.Contains(err.Error(), "session ended by server") {
		t.Errorf("session error = %+v, want server end error", err)
	}

	client.Close()
	p.wait()
}

func TestClientUnsubscribeEmptyName(t *testing.T) {
	c := newClient(nil)
	err := c.Unsubscribe(context.Background(), "")
	if KindOf(err) != KindConfiguration {
		t.Errorf("Unsubscribe(\"\"): err = %+v, want configuration error", err)
	}
}

func TestClientUnsubscribeUnknown(t *testing.T) {
	p, nc := newTestPeer(t)
	defer nc.Close()

	p.start(func() error {
		if err := p.connect(); err != nil {
			return err
		}
		if err := p.begin(); err != nil {
			return err
		}

		attach, err := p.expectAttach()
		if err != nil {
			return err
		}
		if attach.Name != "news-feed" {
			return errorErrorf("attach name = %q, want %q", attach.Name, "news-feed")
		}
		if attach.Role != roleReceiver {
			return errorErrorf("attach role = %s, want receiver", attach.Role)
		}
		if attach.Source == nil ||
			attach.Source.Durable != DurabilityUnsettledState ||
			attach.Source.ExpiryPolicy != ExpiryNever {
			return errorErrorf("attach source = %+v, want durable with expiry never", attach.Source)
		}

		// a null source reports no such subscription
		err = p.sendFrame(0, &performAttach{
			Name:   attach.Name,
			Handle: 0,
			Role:   roleSender,
		})
		if err != nil {
			return err
		}

		return p.answerDetach()
	})

	client, err := New(nc)
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	ctx, cancel := testTimeout()
	defer cancel()

	err = client.Unsubscribe(ctx, "news-feed")
	if err == nil {
		t.Fatal("Unsubscribe succeeded, want resource error")
	}
	if KindOf(err) != KindResource {
		t.Errorf("error kind = %s, want %s", KindOf(err), KindResource)
	}
	if !strings.Contains(err.Error(), `no durable subscription named "news-feed"`) {
		t.Errorf("error = %+v, want unknown subscription", err)
	}

	client.Close()
	p.wait()
}

func TestClientUnsubscribeInUse(t *testing.T) {
	p, nc := newTestPeer(t)
	defer nc.Close()

	p.start(func() error {
		if err := p.connect(); err != nil {
			return err
		}
		if err := p.begin(); err != nil {
			return err
		}

		attach, err := p.expectAttach()
		if err != nil {
			return err
		}
		err = p.sendFrame(0, &performAttach{
			Name:   attach.Name,
			Handle: 0,
			Role:   roleSender,
			Source: &source{
				Durable:      DurabilityUnsettledState,
				ExpiryPolicy: ExpiryNever,
			},
		})
		if err != nil {
			return err
		}

		detach, err := p.expectDetach()
		if err != nil {
			return err
		}
		if !detach.Closed {
			return errorErrorf("detach.Closed = false, want true")
		}
		return p.sendFrame(0, &performDetach{
			Handle: 0,
			Closed: true,
			Error: &Error{
				Condition:   ErrorResourceLocked,
				Description: "subscription has an active consumer",
			},
		})
	})

	client, err := New(nc)
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	ctx, cancel := testTimeout()
	defer cancel()

	err = client.Unsubscribe(ctx, "prices-sub")
	if err == nil {
		t.Fatal("Unsubscribe succeeded, want resource error")
	}
	if KindOf(err) != KindResource {
		t.Errorf("error kind = %s, want %s", KindOf(err), KindResource)
	}
	if !strings.Contains(err.Error(), "unsubscribe failed") {
		t.Errorf("error = %+v, want unsubscribe failure", err)
	}

	client.Close()
	p.wait()
}

func TestSenderForceSyncSend(t *testing.T) {
	p, nc := newTestPeer(t)
	defer nc.Close()

	p.start(func() error {
		if err := p.connect(); err != nil {
			return err
		}
		if err := p.begin(); err != nil {
			return err
		}

		attach, err := p.answerSenderAttach()
		if err != nil {
			return err
		}
		if attach.ReceiverSettleMode == nil || *attach.ReceiverSettleMode != ModeSecond {
			return errorErrorf("attach rcv-settle-mode = %v, want second", attach.ReceiverSettleMode)
		}
		if attach.Target.Address != "jobs" {
			return errorErrorf("attach target address = %q, want %q", attach.Target.Address, "jobs")
		}
		if err := p.grantCredit(10); err != nil {
			return err
		}

		tr, err := p.expectTransfer()
		if err != nil {
			return err
		}
		if tr.DeliveryID == nil || *tr.DeliveryID != 1 {
			return errorErrorf("transfer delivery ID = %v, want 1", tr.DeliveryID)
		}
		if tr.Settled {
			return errorErrorf("transfer settled, want unsettled")
		}
		err = p.sendFrame(0, &performDisposition{
			Role:    roleReceiver,
			First:   1,
			Settled: true,
			State:   &stateAccepted{},
		})
		if err != nil {
			return err
		}

		tr, err = p.expectTransfer()
		if err != nil {
			return err
		}
		if tr.DeliveryID == nil || *tr.DeliveryID != 2 {
			return errorErrorf("transfer delivery ID = %v, want 2", tr.DeliveryID)
		}
		err = p.sendFrame(0, &performDisposition{
			Role:    roleReceiver,
			First:   2,
			Settled: true,
			State: &stateRejected{
				Error: &Error{
					Condition:   ErrorInternalError,
					Description: "store write failed",
				},
			},
		})
		if err != nil {
			return err
		}

		return p.answerDetach()
	})

	client, err := New(nc, ConnForceSyncSend(true))
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	ssn, err := client.NewSession()
	if err != nil {
		t.Fatalf("begin session: %+v", err)
	}

	ctx, cancel := testTimeout()
	defer cancel()

	sender, err := ssn.NewSender(LinkQueue("jobs"))
	if err != nil {
		t.Fatalf("attach sender: %+v", err)
	}

	if err := sender.Send(ctx, NewTextMessage("job-1")); err != nil {
		t.Errorf("send accepted message: %+v", err)
	}

	err = sender.Send(ctx, NewTextMessage("job-2"))
	if err == nil {
		t.Fatal("send succeeded, want delivery error")
	}
	if KindOf(err) != KindDelivery {
		t.Errorf("error kind = %s, want %s", KindOf(err), KindDelivery)
	}
	if !strings.Contains(err.Error(), "message rejected") {
		t.Errorf("error = %+v, want rejection", err)
	}

	if err := sender.Close(ctx); err != nil {
		t.Errorf("close sender: %+v", err)
	}
	client.Close()
	p.wait()
}

func TestSenderAsyncRejectNotifiesListener(t *testing.T) {
	p, nc := newTestPeer(t)
	defer nc.Close()

	p.start(func() error {
		if err := p.connect(); err != nil {
			return err
		}
		if err := p.begin(); err != nil {
			return err
		}
		if _, err := p.answerSenderAttach(); err != nil {
			return err
		}
		if err := p.grantCredit(10); err != nil {
			return err
		}

		tr, err := p.expectTransfer()
		if err != nil {
			return err
		}
		if tr.Settled {
			return errorErrorf("transfer settled, want unsettled")
		}
		err = p.sendFrame(0, &performDisposition{
			Role:    roleReceiver,
			First:   1,
			Settled: true,
			State: &stateRejected{
				Error: &Error{
					Condition:   ErrorInternalError,
					Description: "store write failed",
				},
			},
		})
		if err != nil {
			return err
		}

		// the rejection fails the link
		return p.answerDetach()
	})

	client, err := New(nc)
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	errs := make(chan error, 1)
	client.OnException(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	ssn, err := client.NewSession()
	if err != nil {
		t.Fatalf("begin session: %+v", err)
	}

	ctx, cancel := testTimeout()
	defer cancel()

	sender, err := ssn.NewSender(LinkQueue("audit"))
	if err != nil {
		t.Fatalf("attach sender: %+v", err)
	}

	// the send completes before the server weighs in
	if err := sender.Send(ctx, NewTextMessage("entry-1")); err != nil {
		t.Fatalf("send: %+v", err)
	}

	select {
	case err := <-errs:
		if KindOf(err) != KindDelivery {
			t.Errorf("listener error kind = %s, want %s", KindOf(err), KindDelivery)
		}
		if !strings.Contains(err.Error(), "message rejected") {
			t.Errorf("listener error = %+v, want rejection", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the exception listener")
	}

	client.Close()
	p.wait()
}
