//go:build integration
// +build integration

package jms_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	jms "github.com/raverjulie/qpid-jms"
)

// Tests that require a reachable AMQP 1.0 broker, such as ActiveMQ
// Artemis with default address auto-creation. The broker URI comes from
// TEST_BROKER_ADDR; TEST_BROKER_USERNAME and TEST_BROKER_PASSWORD are
// applied when set.

var (
	brokerAddr     = mustGetenv("TEST_BROKER_ADDR")
	brokerUsername = os.Getenv("TEST_BROKER_USERNAME")
	brokerPassword = os.Getenv("TEST_BROKER_PASSWORD")
)

func newTestConnection(tb testing.TB, clientID string) *jms.Client {
	f, err := jms.NewConnectionFactory(brokerAddr)
	if err != nil {
		tb.Fatal(err)
	}
	f.Username = brokerUsername
	f.Password = brokerPassword
	f.ClientID = clientID

	client, err := f.CreateConnection()
	if err != nil {
		tb.Fatal(err)
	}
	return client
}

func TestIntegrationRoundTrip(t *testing.T) {
	queueName := fmt.Sprintf("integration-receive-%d", time.Now().UnixNano())

	tests := []struct {
		label string
		data  []string
	}{
		{
			label: "1 roundtrip, small payload",
			data:  []string{"Hello there!"},
		},
		{
			label: "3 roundtrip, small payload",
			data: []string{
				"Hey there!",
				"Hi there!",
				"Ho there!",
			},
		},
		{
			label: "1000 roundtrip, small payload",
			data: repeatStrings(1000,
				"Hey there!",
				"Hi there!",
				"Ho there!",
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			checkLeaks := leaktest.Check(t)

			client := newTestConnection(t, "")
			defer client.Close()

			// Open a session
			session, err := client.NewSession()
			if err != nil {
				t.Fatal(err)
			}

			timeout := time.Duration(len(tt.data)) * 500 * time.Millisecond // scale timeout by number of messages
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			// Perform test concurrently for speed and to catch races
			var wg sync.WaitGroup
			wg.Add(2)

			var sendErr error
			go func() {
				defer wg.Done()

				sender, err := session.NewSender(
					jms.LinkQueue(queueName),
				)
				if err != nil {
					sendErr = err
					return
				}
				defer sender.Close(ctx)

				for i, data := range tt.data {
					err = sender.Send(ctx, jms.NewTextMessage(data))
					if err != nil {
						sendErr = fmt.Errorf("Error after %d sends: %v", i, err)
						return
					}
				}
			}()

			var receiveErr error
			go func() {
				defer wg.Done()

				receiver, err := session.NewReceiver(
					jms.LinkQueue(queueName),
					jms.LinkCredit(10),
					jms.LinkBatching(false),
				)
				if err != nil {
					receiveErr = err
					return
				}
				defer receiver.Close(ctx)

				for i, data := range tt.data {
					msg, err := receiver.Receive(ctx)
					if err != nil {
						receiveErr = fmt.Errorf("Error after %d receives: %v", i, err)
						return
					}

					// Accept message
					msg.Accept()

					text, err := msg.Text()
					if err != nil {
						receiveErr = fmt.Errorf("Message %d: %v", i+1, err)
						return
					}
					if text != data {
						receiveErr = fmt.Errorf("Expected received message %d to be %v, but it was %v", i+1, data, text)
					}
				}
			}()

			wg.Wait()

			if sendErr != nil || receiveErr != nil {
				t.Error("Send error:", sendErr)
				t.Error("Receive error:", receiveErr)
				t.Fatal()
			}

			client.Close() // close before leak check
			checkLeaks()
		})
	}
}

func TestIntegrationDurableSubscription(t *testing.T) {
	defer leaktest.Check(t)()

	topicName := fmt.Sprintf("integration-durable-%d", time.Now().UnixNano())
	const subscriptionName = "durable-sub-1"
	const clientID = "integration-durable-client"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := newTestConnection(t, clientID)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)

	// Register the subscription, then detach without closing so the
	// server keeps it.
	receiver, err := session.NewReceiver(
		jms.LinkTopic(topicName),
		jms.LinkDurableSubscription(subscriptionName),
	)
	require.NoError(t, err)
	require.NoError(t, receiver.Detach(ctx))

	sender, err := session.NewSender(jms.LinkTopic(topicName))
	require.NoError(t, err)
	require.NoError(t, sender.Send(ctx, jms.NewTextMessage("while you were away")))
	require.NoError(t, sender.Close(ctx))

	// Resubscribing under the same name picks up the message published
	// while detached.
	receiver, err = session.NewReceiver(
		jms.LinkTopic(topicName),
		jms.LinkDurableSubscription(subscriptionName),
	)
	require.NoError(t, err)

	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)
	msg.Accept()

	text, err := msg.Text()
	require.NoError(t, err)
	require.Equal(t, "while you were away", text)

	require.NoError(t, receiver.Detach(ctx))
	require.NoError(t, client.Unsubscribe(ctx, subscriptionName))
}

func mustGetenv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic("Environment variable '" + key + "' required for integration tests.")
	}
	return v
}

func repeatStrings(count int, strs ...string) []string {
	var out []string
	for i := 0; i < count; i += len(strs) {
		out = append(out, strs...)
	}
	return out[:count]
}
