package jms

import (
	"bytes"
	"encoding/gob"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Connection factory defaults, in milliseconds where applicable.
const (
	DefaultConnectTimeout  = 15000
	DefaultCloseTimeout    = 60000
	DefaultMaxRedeliveries = -1
)

// RedeliveryPolicy bounds how many times a delivery may be returned to
// the server before receivers reject it instead. A negative
// MaxRedeliveries disables the limit.
type RedeliveryPolicy struct {
	MaxRedeliveries int
}

// ConnectionFactory builds connections from a stored configuration.
//
// Options may be set on the struct directly, applied as string
// properties with SetProperties, or encoded as "jms."-prefixed query
// parameters on the remote URI. The factory serializes with
// encoding/gob; the exception listener is unexported and not carried.
type ConnectionFactory struct {
	RemoteURI            string
	ClientID             string
	Username             string
	Password             string
	TopicPrefix          string
	QueuePrefix          string
	ForceSyncSend        bool
	ForceAsyncSend       bool
	LocalMessagePriority bool
	ForceAsyncAcks       bool
	ConnectTimeout       int64 // milliseconds
	CloseTimeout         int64 // milliseconds
	PrefetchPolicy       PrefetchPolicy
	RedeliveryPolicy     RedeliveryPolicy

	listener func(error)
}

// NewConnectionFactory returns a factory with default policies,
// configured from uri. Options in "jms."-prefixed query parameters are
// applied and stripped from the stored RemoteURI.
func NewConnectionFactory(uri string) (*ConnectionFactory, error) {
	f := &ConnectionFactory{
		ConnectTimeout: DefaultConnectTimeout,
		CloseTimeout:   DefaultCloseTimeout,
		PrefetchPolicy: PrefetchPolicy{
			QueuePrefetch:        DefaultPrefetch,
			TopicPrefetch:        DefaultPrefetch,
			DurableTopicPrefetch: DefaultPrefetch,
			QueueBrowserPrefetch: DefaultPrefetch,
		},
		RedeliveryPolicy: RedeliveryPolicy{MaxRedeliveries: DefaultMaxRedeliveries},
	}
	if uri != "" {
		err := f.SetRemoteURI(uri)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

// SetRemoteURI parses uri, applies its "jms."-prefixed query
// parameters as options and stores the URI with those parameters
// removed. An unknown prefixed parameter is a configuration error.
func (f *ConnectionFactory) SetRemoteURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return kindWrap(KindConfiguration, err, "parsing remote URI")
	}

	q := u.Query()
	for key, vals := range q {
		if !strings.HasPrefix(key, "jms.") {
			continue
		}
		q.Del(key)

		if len(vals) == 0 {
			continue
		}
		name := strings.TrimPrefix(key, "jms.")
		applied, err := f.applyProperty(name, vals[len(vals)-1])
		if err != nil {
			return err
		}
		if !applied {
			return configErrorf("unknown option %q", key)
		}
	}
	u.RawQuery = q.Encode()

	f.RemoteURI = u.String()
	return nil
}

// SetProperties applies the options in props. Keys may carry the
// "jms." prefix or not. Unknown prefixed keys are a configuration
// error; unknown plain keys do not error and are returned as a new
// map, detached from the factory.
func (f *ConnectionFactory) SetProperties(props map[string]string) (map[string]string, error) {
	unused := make(map[string]string)
	for key, value := range props {
		name := strings.TrimPrefix(key, "jms.")
		applied, err := f.applyProperty(name, value)
		if err != nil {
			return nil, err
		}
		if applied {
			continue
		}
		if name != key {
			return nil, configErrorf("unknown option %q", key)
		}
		unused[key] = value
	}
	return unused, nil
}

func (f *ConnectionFactory) applyProperty(name, value string) (bool, error) {
	var err error
	switch name {
	case "remoteURI":
		return true, f.SetRemoteURI(value)
	case "clientID":
		f.ClientID = value
	case "username":
		f.Username = value
	case "password":
		f.Password = value
	case "topicPrefix":
		f.TopicPrefix = value
	case "queuePrefix":
		f.QueuePrefix = value
	case "forceSyncSend":
		f.ForceSyncSend, err = strconv.ParseBool(value)
	case "forceAsyncSend":
		f.ForceAsyncSend, err = strconv.ParseBool(value)
	case "localMessagePriority":
		f.LocalMessagePriority, err = strconv.ParseBool(value)
	case "forceAsyncAcks":
		f.ForceAsyncAcks, err = strconv.ParseBool(value)
	case "connectTimeout":
		f.ConnectTimeout, err = strconv.ParseInt(value, 10, 64)
	case "closeTimeout":
		f.CloseTimeout, err = strconv.ParseInt(value, 10, 64)
	case "prefetchPolicy.queuePrefetch":
		f.PrefetchPolicy.QueuePrefetch, err = strconv.Atoi(value)
	case "prefetchPolicy.topicPrefetch":
		f.PrefetchPolicy.TopicPrefetch, err = strconv.Atoi(value)
	case "prefetchPolicy.durableTopicPrefetch":
		f.PrefetchPolicy.DurableTopicPrefetch, err = strconv.Atoi(value)
	case "prefetchPolicy.queueBrowserPrefetch":
		f.PrefetchPolicy.QueueBrowserPrefetch, err = strconv.Atoi(value)
	case "redeliveryPolicy.maxRedeliveries":
		f.RedeliveryPolicy.MaxRedeliveries, err = strconv.Atoi(value)
	default:
		return false, nil
	}
	if err != nil {
		return true, configErrorf("invalid value %q for option %q", value, name)
	}
	return true, nil
}

// Properties renders the configuration as strings. Applying the result
// with SetProperties reproduces the factory.
func (f *ConnectionFactory) Properties() map[string]string {
	return map[string]string{
		"remoteURI":                           f.RemoteURI,
		"clientID":                            f.ClientID,
		"username":                            f.Username,
		"password":                            f.Password,
		"topicPrefix":                         f.TopicPrefix,
		"queuePrefix":                         f.QueuePrefix,
		"forceSyncSend":                       strconv.FormatBool(f.ForceSyncSend),
		"forceAsyncSend":                      strconv.FormatBool(f.ForceAsyncSend),
		"localMessagePriority":                strconv.FormatBool(f.LocalMessagePriority),
		"forceAsyncAcks":                      strconv.FormatBool(f.ForceAsyncAcks),
		"connectTimeout":                      strconv.FormatInt(f.ConnectTimeout, 10),
		"closeTimeout":                        strconv.FormatInt(f.CloseTimeout, 10),
		"prefetchPolicy.queuePrefetch":        strconv.Itoa(f.PrefetchPolicy.QueuePrefetch),
		"prefetchPolicy.topicPrefetch":        strconv.Itoa(f.PrefetchPolicy.TopicPrefetch),
		"prefetchPolicy.durableTopicPrefetch": strconv.Itoa(f.PrefetchPolicy.DurableTopicPrefetch),
		"prefetchPolicy.queueBrowserPrefetch": strconv.Itoa(f.PrefetchPolicy.QueueBrowserPrefetch),
		"redeliveryPolicy.maxRedeliveries":    strconv.Itoa(f.RedeliveryPolicy.MaxRedeliveries),
	}
}

// SetExceptionListener registers fn on every connection the factory
// creates. The listener is not carried by MarshalBinary.
func (f *ConnectionFactory) SetExceptionListener(fn func(error)) {
	f.listener = fn
}

// factoryState carries none of ConnectionFactory's methods, keeping gob
// from re-entering MarshalBinary/UnmarshalBinary while encoding.
type factoryState ConnectionFactory

// MarshalBinary encodes the configuration with encoding/gob. Factories
// with identical configuration encode to identical bytes.
func (f *ConnectionFactory) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode((*factoryState)(f))
	if err != nil {
		return nil, errorWrapf(err, "encoding connection factory")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a configuration produced by MarshalBinary.
func (f *ConnectionFactory) UnmarshalBinary(data []byte) error {
	err := gob.NewDecoder(bytes.NewReader(data)).Decode((*factoryState)(f))
	if err != nil {
		return errorWrapf(err, "decoding connection factory")
	}
	return nil
}

// CreateConnection dials the remote URI and returns a connection
// carrying the factory's policies.
func (f *ConnectionFactory) CreateConnection() (*Client, error) {
	if f.RemoteURI == "" {
		return nil, configErrorf("connection factory has no remote URI")
	}
	err := f.PrefetchPolicy.validate()
	if err != nil {
		return nil, err
	}

	opts := []ConnOption{
		ConnPrefetchPolicy(f.PrefetchPolicy),
		ConnMaxRedeliveries(f.RedeliveryPolicy.MaxRedeliveries),
	}
	if f.ClientID != "" {
		opts = append(opts, ConnContainerID(f.ClientID))
	}
	if f.Username != "" || f.Password != "" {
		opts = append(opts, ConnSASLPlain(f.Username, f.Password))
	}
	if f.QueuePrefix != "" {
		opts = append(opts, ConnQueuePrefix(f.QueuePrefix))
	}
	if f.TopicPrefix != "" {
		opts = append(opts, ConnTopicPrefix(f.TopicPrefix))
	}
	if f.ForceSyncSend {
		opts = append(opts, ConnForceSyncSend(true))
	}
	if f.ForceAsyncSend {
		opts = append(opts, ConnForceAsyncSend(true))
	}
	if f.ForceAsyncAcks {
		opts = append(opts, ConnForceAsyncAcks(true))
	}
	if f.LocalMessagePriority {
		opts = append(opts, ConnLocalMessagePriority(true))
	}
	if f.ConnectTimeout > 0 {
		opts = append(opts, ConnConnectTimeout(time.Duration(f.ConnectTimeout)*time.Millisecond))
	}
	if f.CloseTimeout > 0 {
		opts = append(opts, ConnCloseTimeout(time.Duration(f.CloseTimeout)*time.Millisecond))
	}

	client, err := Dial(f.RemoteURI, opts...)
	if err != nil {
		return nil, err
	}
	if f.listener != nil {
		client.OnException(f.listener)
	}
	return client, nil
}
