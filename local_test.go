//go:build local
// +build local

package jms_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jms "github.com/raverjulie/qpid-jms"
)

// Tests that require a local broker running on the standard AMQP port.

func TestDial_IPV6(t *testing.T) {
	c, err := jms.Dial("amqp://localhost")
	assert.NoError(t, err)
	c.Close()

	l, err := net.Listen("tcp6", "[::]:0")
	if err != nil {
		t.Skip("ipv6 not supported")
	}
	l.Close()

	for _, u := range []string{"amqp://[::]:5672", "amqp://[::]"} {
		u := u // Don't  use range variable in func literal.
		t.Run(u, func(t *testing.T) {
			c, err := jms.Dial(u)
			if err != nil {
				t.Errorf("%q: %v", u, err)
			} else {
				c.Close()
			}
		})
	}
}

func TestSendReceive(t *testing.T) {
	c, err := jms.Dial("amqp://")
	require.NoError(t, err)
	defer c.Close()

	ssn, err := c.NewSession()
	require.NoError(t, err)

	r, err := ssn.NewReceiver(jms.LinkAddressDynamic())
	require.NoError(t, err)
	var m *jms.Message
	done := make(chan error)
	go func() {
		var err error
		defer func() { done <- err; close(done) }()
		m, err = r.Receive(context.Background())
		m.Accept()
	}()

	s, err := ssn.NewSender(jms.LinkTargetAddress(r.Address()))
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), jms.NewTextMessage("hello")))
	require.NoError(t, <-done)
	text, err := m.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestFactoryConnection(t *testing.T) {
	f, err := jms.NewConnectionFactory("amqp://localhost?jms.clientID=local-test-client")
	require.NoError(t, err)

	c, err := f.CreateConnection()
	require.NoError(t, err)
	defer c.Close()

	ssn, err := c.NewSession(jms.SessionAckMode(jms.AckClient))
	require.NoError(t, err)
	defer ssn.Close(context.Background())

	r, err := ssn.NewReceiver(jms.LinkAddressDynamic())
	require.NoError(t, err)
	var m *jms.Message
	done := make(chan error)
	go func() {
		var err error
		defer func() { done <- err; close(done) }()
		m, err = r.Receive(context.Background())
	}()

	s, err := ssn.NewSender(jms.LinkTargetAddress(r.Address()))
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), jms.NewMapMessage(map[string]interface{}{
		"ticker": "AMQP",
		"price":  int64(99),
	})))
	require.NoError(t, <-done)
	require.NoError(t, ssn.Acknowledge())

	body, err := m.MapBody()
	require.NoError(t, err)
	assert.Equal(t, "AMQP", body["ticker"])
}
