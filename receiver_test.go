package jms

import (
	"context"
	"strconv"
	"strings"
	"testing"
)

func TestReceiverAutoAccept(t *testing.T) {
	payload := transferPayload(t, NewTextMessage("ticket-9"))

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
		if attach.Source.Address != "tickets" {
			return errorErrorf("attach source address = %q, want %q", attach.Source.Address, "tickets")
		}

		flow, err := p.expectFlow()
		if err != nil {
			return err
		}
		if flow.LinkCredit == nil || *flow.LinkCredit != 4 {
			return errorErrorf("flow link credit = %v, want 4", flow.LinkCredit)
		}

		if err := p.sendTransfer(0, payload); err != nil {
			return err
		}

		// auto mode settles on dispatch
		disp, err := p.expectDisposition()
		if err != nil {
			return err
		}
		if disp.Role != roleReceiver || !disp.Settled {
			return errorErrorf("disposition = %+v, want settled receiver disposition", disp)
		}
		if disp.First != 0 || disp.Last != nil {
			return errorErrorf("disposition = %+v, want single delivery 0", disp)
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

	ssn, err := client.NewSession()
	if err != nil {
		t.Fatalf("begin session: %+v", err)
	}

	ctx, cancel := testTimeout()
	defer cancel()

	r, err := ssn.NewReceiver(LinkQueue("tickets"), LinkCredit(4))
	if err != nil {
		t.Fatalf("attach receiver: %+v", err)
	}
	if r.Address() != "tickets" {
		t.Errorf("Address() = %q, want %q", r.Address(), "tickets")
	}

	msg, err := r.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %+v", err)
	}
	text, err := msg.Text()
	if err != nil {
		t.Fatalf("text body: %+v", err)
	}
	if text != "ticket-9" {
		t.Errorf("message = %q, want %q", text, "ticket-9")
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

func TestReceiverRejectsPoisonedDelivery(t *testing.T) {
	stale := NewTextMessage("stale")
	stale.Header.DeliveryCount = 5
	payloads := [][]byte{
		transferPayload(t, stale),
		transferPayload(t, NewTextMessage("good")),
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

		// the delivery past the redelivery limit is refused
		disp, err := p.expectDisposition()
		if err != nil {
			return err
		}
		if disp.First != 0 {
			return errorErrorf("first disposition = %+v, want delivery 0", disp)
		}
		if _, ok := disp.State.(*stateRejected); !ok {
			return errorErrorf("disposition state = %+v, want rejected", disp.State)
		}

		// the fresh delivery is accepted on dispatch
		disp, err = p.expectDisposition()
		if err != nil {
			return err
		}
		if disp.First != 1 {
			return errorErrorf("second disposition = %+v, want delivery 1", disp)
		}
		if _, ok := disp.State.(*stateAccepted); !ok {
			return errorErrorf("disposition state = %+v, want accepted", disp.State)
		}

		if err := p.answerDetach(); err != nil {
			return err
		}
		return p.answerEnd()
	})

	client, err := New(nc, ConnMaxRedeliveries(1))
	if err != nil {
		t.Fatalf("connect: %+v", err)
	}

	ssn, err := client.NewSession()
	if err != nil {
		t.Fatalf("begin session: %+v", err)
	}

	ctx, cancel := testTimeout()
	defer cancel()

	r, err := ssn.NewReceiver(LinkQueue("tickets"), LinkCredit(4))
	if err != nil {
		t.Fatalf("attach receiver: %+v", err)
	}

	msg, err := r.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %+v", err)
	}
	text, err := msg.Text()
	if err != nil {
		t.Fatalf("text body: %+v", err)
	}
	if text != "good" {
		t.Errorf("message = %q, want %q", text, "good")
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

func TestReceiverDetachKeepsSubscription(t *testing.T) {
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
		if attach.Name != "sub-1" {
			return errorErrorf("attach name = %q, want %q", attach.Name, "sub-1")
		}
		if attach.Source.Address != "prices" {
			return errorErrorf("attach source address = %q, want %q", attach.Source.Address, "prices")
		}
		if attach.Source.Durable != DurabilityUnsettledState {
			return errorErrorf("attach source durability = %d, want unsettled-state", attach.Source.Durable)
		}
		if attach.Source.ExpiryPolicy != ExpiryNever {
			return errorErrorf("attach source expiry = %q, want never", attach.Source.ExpiryPolicy)
		}

		if _, err := p.expectFlow(); err != nil {
			return err
		}

		// a detach with closed clear suspends the link, keeping the
		// subscription
		detach, err := p.expectDetach()
		if err != nil {
			return err
		}
		if detach.Closed {
			return errorErrorf("detach.Closed = true, want false")
		}
		if detach.Error != nil {
			return errorErrorf("detach error = %+v, want nil", detach.Error)
		}
		if err := p.sendFrame(0, &performDetach{Handle: 0, Closed: false}); err != nil {
			return err
		}

		return p.answerEnd()
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

	r, err := ssn.NewReceiver(
		LinkTopic("prices"),
		LinkDurableSubscription("sub-1"),
		LinkCredit(2),
	)
	if err != nil {
		t.Fatalf("attach receiver: %+v", err)
	}
	if r.Address() != "prices" {
		t.Errorf("Address() = %q, want %q", r.Address(), "prices")
	}

	if err := r.Detach(ctx); err != nil {
		t.Errorf("detach receiver: %+v", err)
	}

	if err := ssn.Close(ctx); err != nil {
		t.Errorf("close session: %+v", err)
	}
	client.Close()
	p.wait()
}

func TestReceiverServerDetach(t *testing.T) {
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

		err := p.sendFrame(0, &performDetach{
			Handle: 0,
			Closed: true,
			Error: &Error{
				Condition:   ErrorResourceDeleted,
				Description: "queue deleted",
			},
		})
		if err != nil {
			return err
		}

		// the client answers with its own closing detach
		detach, err := p.expectDetach()
		if err != nil {
			return err
		}
		if !detach.Closed {
			return errorErrorf("answering detach.Closed = false, want true")
		}

		return p.answerEnd()
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

	r, err := ssn.NewReceiver(LinkQueue("alerts"), LinkCredit(2))
	if err != nil {
		t.Fatalf("attach receiver: %+v", err)
	}

	_, err = r.Receive(ctx)
	if err == nil {
		t.Fatal("Receive succeeded, want detach error")
	}
	if KindOf(err) != KindResource {
		t.Errorf("error kind = %s, want %s", KindOf(err), KindResource)
	}
	if !strings.Contains(err.Error(), "amqp:resource-deleted") {
		t.Errorf("error = %+v, want resource-deleted condition", err)
	}

	if err := ssn.Close(ctx); err != nil {
		t.Errorf("close session: %+v", err)
	}
	client.Close()
	p.wait()
}

func TestReceiverLocalPriority(t *testing.T) {
	r := &Receiver{
		localPriority: true,
		link: &link{
			messages: make(chan Message, 4),
			done:     make(chan struct{}),
		},
	}

	priorities := []uint8{4, 9, 1, 9}
	for i, pr := range priorities {
		r.link.messages <- Message{
			Header: &MessageHeader{Priority: pr},
			Value:  "m-" + strconv.Itoa(i),
		}
	}

	ctx := context.Background()
	var got []string
	for range priorities {
		msg, err := r.next(ctx)
		if err != nil {
			t.Fatalf("next: %+v", err)
		}
		got = append(got, msg.Value.(string))
	}

	// descending priority, FIFO within a priority
	want := []string{"m-1", "m-3", "m-0", "m-2"}
	if !testEqual(got, want) {
		t.Errorf("dispatch order = %v, want %v", got, want)
	}
}
