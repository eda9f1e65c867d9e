// Package bus moves scan requests and run completions between the API,
// the scenario service and scan workers.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/ipsim/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// New returns the bus named by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage wraps payload in an envelope and records the caller's span
// so that handlers continue the same trace.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string, 2),
		Timestamp: time.Now().UnixNano(),
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		msg.Metadata[domain.MetaTraceID] = sc.TraceID().String()
		msg.Metadata[domain.MetaSpanID] = sc.SpanID().String()
	}
	return msg
}

// handlerContext attaches the publisher's span, if the message carries
// one, to ctx as a remote parent.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	traceID, err := trace.TraceIDFromHex(msg.Metadata[domain.MetaTraceID])
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(msg.Metadata[domain.MetaSpanID])
	if err != nil {
		return ctx
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
