package jms

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestLinkOptions(t *testing.T) {
	tests := []struct {
		label string
		opts  []LinkOption

		wantSource     *source
		wantProperties map[symbol]interface{}
	}{
		{
			label: "no options",
		},
		{
			label: "link-filters",
			opts: []LinkOption{
				LinkSelectorFilter("amqp.annotation.x-opt-offset > '100'"),
				LinkProperty("x-opt-test1", "test1"),
				LinkProperty("x-opt-test2", "test2"),
				LinkProperty("x-opt-test1", "test3"),
				LinkPropertyInt64("x-opt-test4", 1),
				LinkSourceFilter("com.microsoft:session-filter", 0x00000137000000C, "123"),
			},

			wantSource: &source{
				Filter: filterSet{
					"apache.org:selector-filter:string": {
						descriptor: binary.BigEndian.Uint64([]byte{0x00, 0x00, 0x46, 0x8C, 0x00, 0x00, 0x00, 0x04}),
						value:      "amqp.annotation.x-opt-offset > '100'",
					},
					"com.microsoft:session-filter": {
						descriptor: binary.BigEndian.Uint64([]byte{0x00, 0x00, 0x00, 0x13, 0x70, 0x00, 0x00, 0x0C}),
						value:      "123",
					},
				},
			},
			wantProperties: map[symbol]interface{}{
				"x-opt-test1": "test3",
				"x-opt-test2": "test2",
				"x-opt-test4": int64(1),
			},
		},
		{
			label: "more-link-filters",
			opts: []LinkOption{
				LinkSourceFilter("com.microsoft:session-filter", 0x00000137000000C, nil),
			},

			wantSource: &source{
				Filter: filterSet{
					"com.microsoft:session-filter": {
						descriptor: binary.BigEndian.Uint64([]byte{0x00, 0x00, 0x00, 0x13, 0x70, 0x00, 0x00, 0x0C}),
						value:      nil,
					},
				},
			},
		},
		{
			label: "link-source-capabilities",
			opts: []LinkOption{
				LinkSourceCapabilities("cap1", "cap2", "cap3"),
			},
			wantSource: &source{
				Capabilities: []symbol{"cap1", "cap2", "cap3"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := newLink(nil, nil, tt.opts)
			if err != nil {
				t.Fatal(err)
			}

			if !testEqual(got.source, tt.wantSource) {
				t.Errorf("Source properties don't match expected:\n %s", testDiff(got.source, tt.wantSource))
			}

			if !testEqual(got.properties, tt.wantProperties) {
				t.Errorf("Link properties don't match expected:\n %s", testDiff(got.properties, tt.wantProperties))
			}
		})
	}
}

func TestLinkDestinations(t *testing.T) {
	s := &Session{conn: &conn{queuePrefix: "q:", topicPrefix: "t:"}}

	tests := []struct {
		label string
		recv  bool
		opts  []LinkOption

		wantName   string
		wantKind   destKind
		wantSource *source
		wantTarget *target
	}{
		{
			label: "receiver-queue",
			recv:  true,
			opts:  []LinkOption{LinkQueue("orders")},

			wantKind: destQueue,
			wantSource: &source{
				Address:      "q:orders",
				Capabilities: []symbol{"queue"},
			},
		},
		{
			label: "sender-queue",
			opts:  []LinkOption{LinkQueue("orders")},

			wantKind: destQueue,
			wantTarget: &target{
				Address:      "q:orders",
				Capabilities: []symbol{"queue"},
			},
		},
		{
			label: "sender-topic",
			opts:  []LinkOption{LinkTopic("prices")},

			wantKind: destTopic,
			wantTarget: &target{
				Address:      "t:prices",
				Capabilities: []symbol{"topic"},
			},
		},
		{
			label: "durable-subscription",
			recv:  true,
			opts: []LinkOption{
				LinkTopic("prices"),
				LinkDurableSubscription("sub-1"),
			},

			wantName: "sub-1",
			wantKind: destDurableTopic,
			wantSource: &source{
				Address:      "t:prices",
				Capabilities: []symbol{"topic"},
				Durable:      DurabilityUnsettledState,
				ExpiryPolicy: ExpiryNever,
			},
		},
		{
			label: "queue-browser",
			recv:  true,
			opts: []LinkOption{
				LinkQueue("orders"),
				LinkBrowseOnly(),
			},

			wantKind: destQueueBrowser,
			wantSource: &source{
				Address:          "q:orders",
				Capabilities:     []symbol{"queue"},
				DistributionMode: "copy",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			var r *Receiver
			if tt.recv {
				r = &Receiver{}
			}

			got, err := newLink(s, r, tt.opts)
			if err != nil {
				t.Fatal(err)
			}

			if !testEqual(got.source, tt.wantSource) {
				t.Errorf("Source doesn't match expected:\n %s", testDiff(got.source, tt.wantSource))
			}
			if !testEqual(got.target, tt.wantTarget) {
				t.Errorf("Target doesn't match expected:\n %s", testDiff(got.target, tt.wantTarget))
			}
			if tt.wantName != "" && got.name != tt.wantName {
				t.Errorf("Link name %q, expected %q", got.name, tt.wantName)
			}
			if kind := got.destinationKind(); kind != tt.wantKind {
				t.Errorf("Destination kind %d, expected %d", kind, tt.wantKind)
			}
		})
	}
}

func TestLinkOptionsRequireReceiver(t *testing.T) {
	tests := []struct {
		label string
		opt   LinkOption
	}{
		{label: "credit", opt: LinkCredit(10)},
		{label: "batching", opt: LinkBatching(true)},
		{label: "batch-max-age", opt: LinkBatchMaxAge(time.Second)},
		{label: "browse-only", opt: LinkBrowseOnly()},
		{label: "durable-subscription", opt: LinkDurableSubscription("sub-1")},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			_, err := newLink(nil, nil, []LinkOption{tt.opt})
			if err == nil {
				t.Fatal("expected error on sender link")
			}
			if KindOf(err) != KindConfiguration {
				t.Errorf("expected configuration error, got %v", KindOf(err))
			}
		})
	}
}

func TestSourceName(t *testing.T) {
	expectedSourceName := "source-name"
	opts := []LinkOption{
		LinkName(expectedSourceName),
	}

	got, err := newLink(nil, nil, opts)
	if err != nil {
		t.Fatal(err)
	}

	if got.name != expectedSourceName {
		t.Errorf("Link Source Name does not match expected: %v got: %v", expectedSourceName, got.name)
	}
}

func TestPrefetchPolicyCredit(t *testing.T) {
	policy := PrefetchPolicy{
		QueuePrefetch:        10,
		TopicPrefetch:        20,
		DurableTopicPrefetch: 30,
	}

	tests := []struct {
		label string
		kind  destKind
		want  uint32
	}{
		{label: "queue", kind: destQueue, want: 10},
		{label: "topic", kind: destTopic, want: 20},
		{label: "durable-topic", kind: destDurableTopic, want: 30},
		{label: "browser-defaults", kind: destQueueBrowser, want: DefaultPrefetch},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			if got := policy.credit(tt.kind); got != tt.want {
				t.Errorf("credit(%d) = %d, expected %d", tt.kind, got, tt.want)
			}
		})
	}

	bad := PrefetchPolicy{QueuePrefetch: -1}
	if err := bad.validate(); err == nil {
		t.Errorf("expected negative prefetch to be rejected")
	}
}
