// Package bus implements the in-process agent message bus: decoupled
// pub/sub with per-trace subscriptions, a bounded history ring, and
// policy-gated dispatch.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/config"
)

// historyLimit bounds the message ring.
const historyLimit = 1000

// Handler processes one delivered message. Errors are logged, never
// propagated back to the sender.
type Handler func(msg *Message) error

// Sender is the narrow port specialists and the orchestrator hold; it
// breaks the bus/governance/agent reference cycle.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// mailbox serializes deliveries to one recipient. Each mailbox drains its
// queue on a dedicated goroutine, which keeps per (sender, recipient)
// ordering while senders never block on handlers.
type mailbox struct {
	name    string
	handler Handler

	mu    sync.Mutex
	queue []*Message
	wake  chan struct{}
	done  chan struct{}
}

func (mb *mailbox) enqueue(msg *Message) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run(log zerolog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		mb.mu.Lock()
		batch := mb.queue
		mb.queue = nil
		mb.mu.Unlock()

		for _, msg := range batch {
			if err := mb.handler(msg); err != nil {
				log.Error().
					Err(err).
					Str("message_id", msg.ID.String()).
					Str("sender", msg.Sender).
					Str("recipient", mb.name).
					Str("subject", msg.Subject).
					Msg("Message handler error")
			}
		}

		select {
		case <-mb.wake:
		case <-mb.done:
			// Drain anything enqueued before shutdown.
			mb.mu.Lock()
			rest := mb.queue
			mb.queue = nil
			mb.mu.Unlock()
			for _, msg := range rest {
				if err := mb.handler(msg); err != nil {
					log.Error().Err(err).Str("recipient", mb.name).Msg("Message handler error during drain")
				}
			}
			return
		}
	}
}

// Bus is the in-process message bus.
type Bus struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	traceSubs map[string][]Handler
	ring      []*Message // circular, capacity historyLimit
	ringNext  int
	closed    bool

	tap func(*Message) // optional mirror, e.g. the NATS bridge

	wg  sync.WaitGroup
	log zerolog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		mailboxes: make(map[string]*mailbox),
		traceSubs: make(map[string][]Handler),
		ring:      make([]*Message, 0, historyLimit),
		log:       config.NewLogger("bus"),
	}
}

// Register installs the handler for a recipient name. One handler per name.
func (b *Bus) Register(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	if _, exists := b.mailboxes[name]; exists {
		return fmt.Errorf("recipient %q already registered", name)
	}

	mb := &mailbox{
		name:    name,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.mailboxes[name] = mb
	b.wg.Add(1)
	go mb.run(b.log, &b.wg)

	b.log.Debug().Str("recipient", name).Msg("Recipient registered")
	return nil
}

// SubscribeTrace registers a handler for every message carrying the
// correlation ID. Trace handlers run on the sender's goroutine and must
// not block.
func (b *Bus) SubscribeTrace(correlationID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.traceSubs[correlationID] = append(b.traceSubs[correlationID], handler)
}

// UnsubscribeTrace removes all trace handlers for the correlation ID.
func (b *Bus) UnsubscribeTrace(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.traceSubs, correlationID)
}

// SetTap installs a mirror invoked for every sent message. Used by the
// NATS event bridge.
func (b *Bus) SetTap(tap func(*Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tap = tap
}

// Send records the message, notifies trace subscribers, and dispatches it.
// Named recipients receive through their mailbox; Broadcast reaches every
// registered handler except the sender; unknown recipients are dropped
// with a warning. Send never blocks on handlers.
func (b *Bus) Send(ctx context.Context, msg *Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}

	// History ring.
	if len(b.ring) < historyLimit {
		b.ring = append(b.ring, msg)
	} else {
		b.ring[b.ringNext] = msg
	}
	b.ringNext = (b.ringNext + 1) % historyLimit

	traceHandlers := append([]Handler(nil), b.traceSubs[msg.CorrelationID]...)
	tap := b.tap

	var targets []*mailbox
	if msg.Recipient == Broadcast {
		for name, mb := range b.mailboxes {
			if name == msg.Sender {
				continue
			}
			targets = append(targets, mb)
		}
	} else if mb, ok := b.mailboxes[msg.Recipient]; ok {
		targets = append(targets, mb)
	}
	b.mu.Unlock()

	if tap != nil {
		tap(msg)
	}

	for _, h := range traceHandlers {
		if err := h(msg); err != nil {
			b.log.Warn().
				Err(err).
				Str("correlation_id", msg.CorrelationID).
				Msg("Trace handler error")
		}
	}

	if len(targets) == 0 && msg.Recipient != Broadcast {
		b.log.Warn().
			Str("message_id", msg.ID.String()).
			Str("sender", msg.Sender).
			Str("recipient", msg.Recipient).
			Str("subject", msg.Subject).
			Msg("No handler for recipient, dropping message")
		return nil
	}

	for _, mb := range targets {
		mb.enqueue(msg)
	}

	b.log.Debug().
		Str("message_id", msg.ID.String()).
		Str("sender", msg.Sender).
		Str("recipient", msg.Recipient).
		Str("subject", msg.Subject).
		Msg("Sent message")

	return nil
}

// History returns, oldest first, the recorded messages carrying the
// correlation ID.
func (b *Bus) History(correlationID string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Message
	appendMatch := func(m *Message) {
		if m != nil && m.CorrelationID == correlationID {
			out = append(out, m)
		}
	}

	if len(b.ring) < historyLimit {
		for _, m := range b.ring {
			appendMatch(m)
		}
		return out
	}
	for i := 0; i < historyLimit; i++ {
		appendMatch(b.ring[(b.ringNext+i)%historyLimit])
	}
	return out
}

// Close stops dispatching and waits for the mailboxes to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	boxes := make([]*mailbox, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		boxes = append(boxes, mb)
	}
	b.mu.Unlock()

	for _, mb := range boxes {
		close(mb.done)
	}
	b.wg.Wait()
	b.log.Info().Msg("Bus closed")
}

var _ Sender = (*Bus)(nil)
