package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/pulse/internal/store"
	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

// StatusFunc observes every delivery-status transition of an outbound
// message, including the terminal failed state. Runs off the caller's
// goroutine; keep it quick.
type StatusFunc func(msg models.Message)

// OutboxConfig tunes the sending half of the messaging pipeline.
type OutboxConfig struct {
	// RetryCap bounds delivery attempts per queued entry before the
	// message is marked failed. Zero means 5.
	RetryCap int
	// OnStatus receives status transitions. Nil is allowed.
	OnStatus StatusFunc
}

// Outbox sends chat messages with at-least-once delivery over a flaky
// connection. SendMessage returns immediately with status sending; the
// relay ack advances it to sent, receipts to delivered and read. While
// the client is disconnected, messages park in the offline queue and
// drain on reconnect, highest priority first.
type Outbox struct {
	client   *Client
	queue    store.OfflineQueue
	logger   *slog.Logger
	retryCap int
	onStatus StatusFunc

	mu     sync.Mutex
	seqs   map[string]uint64
	sent   map[string]*models.Message
	closed bool

	draining sync.Mutex
}

// NewOutbox wires the outbox to the client: it drains the queue on every
// connect and advances message status from delivery and read receipts.
func NewOutbox(c *Client, queue store.OfflineQueue, cfg OutboxConfig) *Outbox {
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 5
	}
	o := &Outbox{
		client:   c,
		queue:    queue,
		logger:   c.logger.With("component", "outbox"),
		retryCap: cfg.RetryCap,
		onStatus: cfg.OnStatus,
		seqs:     make(map[string]uint64),
		sent:     make(map[string]*models.Message),
	}
	c.Handle(wire.KindMessageDelivered, o.handleReceipt(models.StatusDelivered))
	c.Handle(wire.KindMessageRead, o.handleReceipt(models.StatusRead))
	c.OnConnect(func() { go o.Drain(context.Background()) })
	return o
}

// SendMessage queues one chat message for delivery and returns it with
// status sending. Never blocks on the network.
func (o *Outbox) SendMessage(ctx context.Context, threadID, receiverID, content string, typ models.MessageType, priority models.Priority) (*models.Message, error) {
	if threadID == "" {
		return nil, fmt.Errorf("outbox: thread id is required")
	}
	if typ == "" {
		typ = models.MessageText
	}
	if priority == "" {
		priority = models.PriorityNormal
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("outbox: closed")
	}
	o.seqs[threadID]++
	msg := &models.Message{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		SenderID:   o.client.cfg.Identity,
		ReceiverID: receiverID,
		Content:    content,
		Type:       typ,
		Status:     models.StatusSending,
		Priority:   priority,
		Seq:        o.seqs[threadID],
		SentAt:     time.Now(),
	}
	o.sent[msg.ID] = msg
	o.mu.Unlock()

	o.notify(*msg)

	env, err := wire.NewEnvelope(wire.KindSendMessage, uuid.NewString(), wire.ChatFromModel(msg))
	if err != nil {
		return nil, err
	}
	entry := &store.OfflineEntry{
		ID:         msg.ID,
		Envelope:   env,
		Priority:   priority,
		EnqueuedAt: msg.SentAt,
	}
	if err := o.queue.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("outbox enqueue: %w", err)
	}
	if o.client.Connected() {
		go o.Drain(context.Background())
	}
	snapshot := *msg
	return &snapshot, nil
}

// NotifyTyping sends a typing indicator. Fire and forget: dropped without
// error when disconnected.
func (o *Outbox) NotifyTyping(threadID, receiverID string, stopped bool) {
	kind := wire.KindUserTyping
	if stopped {
		kind = wire.KindUserStopped
	}
	env, err := wire.NewEnvelope(kind, "", wire.Typing{ThreadID: threadID, ReceiverID: receiverID})
	if err != nil {
		return
	}
	_ = o.client.Send(context.Background(), env)
}

// Drain attempts delivery of every queued entry, highest priority first
// across threads, seq order within a thread. Entries whose attempt count
// reaches the retry cap are removed and their message marked failed. Safe
// to call concurrently; only one drain runs at a time.
func (o *Outbox) Drain(ctx context.Context) {
	o.draining.Lock()
	defer o.draining.Unlock()

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}

	entries, err := o.queue.Pending(ctx)
	if err != nil {
		o.logger.Error("listing offline queue", "error", err)
		return
	}
	for _, entry := range orderForDelivery(entries) {
		if ctx.Err() != nil || !o.client.Connected() {
			return
		}
		o.deliver(ctx, entry)
	}
}

// orderForDelivery keeps the queue's priority order across threads but
// restores seq order within each thread, so an urgent follow-up never
// overtakes the earlier message its receiver must apply first. Entries
// whose payload does not decode keep their slot.
func orderForDelivery(entries []*store.OfflineEntry) []*store.OfflineEntry {
	seqs := make([]uint64, len(entries))
	byThread := make(map[string][]int)
	for i, entry := range entries {
		var msg wire.ChatMessage
		if json.Unmarshal(entry.Envelope.Payload, &msg) != nil || msg.ThreadID == "" {
			continue
		}
		seqs[i] = msg.Seq
		byThread[msg.ThreadID] = append(byThread[msg.ThreadID], i)
	}

	out := make([]*store.OfflineEntry, len(entries))
	copy(out, entries)
	for _, slots := range byThread {
		if len(slots) < 2 {
			continue
		}
		ordered := make([]int, len(slots))
		copy(ordered, slots)
		sort.Slice(ordered, func(a, b int) bool {
			return seqs[ordered[a]] < seqs[ordered[b]]
		})
		for k, src := range ordered {
			out[slots[k]] = entries[src]
		}
	}
	return out
}

func (o *Outbox) deliver(ctx context.Context, entry *store.OfflineEntry) {
	attempts, err := o.queue.MarkAttempt(ctx, entry.ID)
	if err != nil {
		o.logger.Error("marking delivery attempt", "message_id", entry.ID, "error", err)
		return
	}

	ack, err := o.client.Call(ctx, entry.Envelope)
	switch {
	case err == nil && ack != nil && ack.OK:
		if err := o.queue.Remove(ctx, entry.ID); err != nil {
			o.logger.Error("removing delivered entry", "message_id", entry.ID, "error", err)
		}
		o.advance(entry.ID, models.StatusSent)
		return
	case err == nil && ack != nil:
		o.logger.Debug("relay nacked message",
			"message_id", entry.ID,
			"code", ack.Code,
			"attempts", attempts)
	default:
		o.logger.Debug("delivery attempt failed",
			"message_id", entry.ID,
			"error", err,
			"attempts", attempts)
	}

	if attempts >= o.retryCap {
		// Exhausted: surface the failure, never drop silently.
		if err := o.queue.Remove(ctx, entry.ID); err != nil {
			o.logger.Error("removing exhausted entry", "message_id", entry.ID, "error", err)
		}
		o.logger.Warn("delivery retries exhausted", "message_id", entry.ID, "attempts", attempts)
		o.advance(entry.ID, models.StatusFailed)
	}
}

// Pending reports how many messages are parked in the offline queue.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	return o.queue.Len(ctx)
}

// Status returns the tracked message by id.
func (o *Outbox) Status(messageID string) (models.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg, ok := o.sent[messageID]
	if !ok {
		return models.Message{}, false
	}
	return *msg, true
}

// Close stops future sends and drains. Queued entries stay queued for the
// next process lifetime.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// handleReceipt advances a tracked message from a delivered or read
// receipt. Receipts that would move the status backwards are ignored.
func (o *Outbox) handleReceipt(next models.MessageStatus) HandlerFunc {
	return func(env *wire.Envelope) {
		var r wire.Receipt
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			o.logger.Warn("malformed receipt dropped", "error", err)
			return
		}
		o.advance(r.MessageID, next)
	}
}

func (o *Outbox) advance(messageID string, next models.MessageStatus) {
	o.mu.Lock()
	msg, ok := o.sent[messageID]
	if !ok || !msg.Status.CanTransition(next) {
		o.mu.Unlock()
		return
	}
	msg.Status = next
	snapshot := *msg
	if next.Terminal() {
		delete(o.sent, messageID)
	}
	o.mu.Unlock()
	o.notify(snapshot)
}

func (o *Outbox) notify(msg models.Message) {
	if o.onStatus != nil {
		o.onStatus(msg)
	}
}
