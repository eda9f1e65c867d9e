package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/ipsim/internal/domain"
)

// ChannelBus is the in-process event bus. Each subscription owns a
// buffered channel drained by its own goroutine; queue groups rotate
// deliveries across their members.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[string]map[string]*channelGroup
	closed     bool
}

// channelGroup is one delivery target on a topic: either a queue group or
// a plain subscription standing alone.
type channelGroup struct {
	name    string
	members []*channelSubscription
	next    atomic.Uint64
}

type channelSubscription struct {
	id      string
	topic   string
	key     string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a channel bus whose subscriptions buffer up to
// bufferSize messages (0 = 1000).
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string]map[string]*channelGroup),
	}
}

// Publish hands the message to every target on topic without blocking.
// Plain subscriptions are observers: when one has no room the message is
// dropped for it and logged. A queue group with no room fails the publish
// with ErrSubscriberBusy, since nobody will do the work it carries.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return domain.ErrBusClosed
	}

	msg := newMessage(ctx, topic, payload)

	var missed []string
	for _, g := range b.topics[topic] {
		if g.offer(msg) {
			continue
		}
		slog.Warn("subscriber buffer full, message not delivered",
			"topic", topic,
			"group", g.name,
			"message_id", msg.ID,
		)
		if g.name != "" {
			missed = append(missed, g.name)
		}
	}

	if len(missed) > 0 {
		return fmt.Errorf("%w: queue groups %v on %s", domain.ErrSubscriberBusy, missed, topic)
	}
	return nil
}

// offer tries each member once, starting after the previous recipient.
func (g *channelGroup) offer(msg *domain.Message) bool {
	n := uint64(len(g.members))
	start := g.next.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		sub := g.members[(start+i)%n]
		select {
		case sub.msgCh <- msg:
			return true
		default:
		}
	}
	return false
}

// Subscribe delivers every message on topic to handler.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, topic, "", handler)
}

// QueueSubscribe adds handler to group on topic.
func (b *ChannelBus) QueueSubscribe(ctx context.Context, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("queue group name is required")
	}
	return b.subscribe(ctx, topic, group, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domain.ErrBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}

	sub.key = "queue:" + group
	if group == "" {
		sub.key = "sub:" + sub.id
	}

	groups := b.topics[topic]
	if groups == nil {
		groups = make(map[string]*channelGroup)
		b.topics[topic] = groups
	}
	g := groups[sub.key]
	if g == nil {
		g = &channelGroup{name: group}
		groups[sub.key] = g
	}
	g.members = append(g.members, sub)

	go sub.run()
	return sub, nil
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if err := s.handler(handlerContext(s.ctx, msg), msg); err != nil {
				slog.Error("handler error",
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Ping reports whether the bus still accepts messages.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.ErrBusClosed
	}
	return nil
}

// Close stops every subscription. Buffered messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, groups := range b.topics {
		for _, g := range groups {
			for _, sub := range g.members {
				sub.cancel()
			}
		}
	}
	b.topics = make(map[string]map[string]*channelGroup)
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	groups := b.topics[sub.topic]
	g := groups[sub.key]
	if g == nil {
		return
	}

	for i, m := range g.members {
		if m == sub {
			g.members = append(g.members[:i:i], g.members[i+1:]...)
			break
		}
	}
	if len(g.members) == 0 {
		delete(groups, sub.key)
	}
	if len(groups) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Unsubscribe stops delivery to this subscription.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
