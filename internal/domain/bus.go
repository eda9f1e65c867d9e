package domain

import (
	"context"
	"errors"
)

// EventBus carries scan requests to workers and run completions to
// whoever listens. Go channels back the community tier, NATS the pro tier.
type EventBus interface {
	// Publish sends payload to every subscription on topic and to one
	// member of each queue group on topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers every message on topic to handler.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe joins group on topic. Each message reaches exactly
	// one member of the group.
	QueueSubscribe(ctx context.Context, topic, group string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message. The context carries the
// publisher's trace as a remote span context when one was recorded.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope around a published payload.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Metadata keys stamped by the bus at publish time.
const (
	MetaTraceID = "trace_id"
	MetaSpanID  = "span_id"
)

// Subscription is an active registration on a topic.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// ErrSubscriberBusy is returned by Publish when every member of a queue
// group had no room for the message. The group never received it.
var ErrSubscriberBusy = errors.New("subscriber busy")

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	// Type is "channel" or "nats"
	Type string `json:"type" yaml:"type"`

	// QueueGroup is the group scan workers join so that each scan request
	// runs once across replicas
	QueueGroup string `json:"queueGroup" yaml:"queueGroup"`

	// Channel settings (community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channelBufferSize"`

	// NATS settings (pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"natsUrl"`
	NATSToken         string `json:"-" yaml:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"natsReconnectWait"` // seconds
}

// Topic names for the scenario pipeline.
const (
	TopicScanRequested = "ipsim.scan.requested"
	TopicRunCompleted  = "ipsim.run.completed"
)
