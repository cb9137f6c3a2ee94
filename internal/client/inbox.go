package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/studyloop/pulse/internal/cache"
	"github.com/studyloop/pulse/pkg/wire"
)

// MessageFunc consumes one received chat message, in per-thread sequence
// order.
type MessageFunc func(msg wire.ChatMessage)

// InboxConfig tunes the receiving half of the messaging pipeline.
type InboxConfig struct {
	// ReorderDepth bounds the per-(sender,thread) buffer that holds
	// messages arriving ahead of sequence. When the buffer fills, the
	// inbox flushes in sequence order and accepts the gap. Zero means 64.
	ReorderDepth int
	// OnMessage receives each applied message. Nil is allowed.
	OnMessage MessageFunc
}

// thread tracks receive state for one (sender, thread) pair.
type thread struct {
	next    uint64
	pending map[uint64]wire.ChatMessage
}

// Inbox applies received messages in per-thread sequence order,
// deduplicates redelivery by message id, and emits delivered receipts.
// Duplicates are re-acked so the sender's retry loop converges.
type Inbox struct {
	client *Client
	logger *slog.Logger
	depth  int
	onMsg  MessageFunc

	mu      sync.Mutex
	threads map[string]*thread
	seen    *cache.DedupeCache
}

// NewInbox wires the inbox to the client and registers the resume
// provider so reconnect handshakes carry the applied high-water marks.
func NewInbox(c *Client, cfg InboxConfig) *Inbox {
	if cfg.ReorderDepth <= 0 {
		cfg.ReorderDepth = 64
	}
	in := &Inbox{
		client:  c,
		logger:  c.logger.With("component", "inbox"),
		depth:   cfg.ReorderDepth,
		onMsg:   cfg.OnMessage,
		threads: make(map[string]*thread),
		seen:    cache.NewDedupeCache(0, 0),
	}
	c.Handle(wire.KindMessageReceived, in.handleMessage)
	c.SetResumeProvider(in.resume)
	return in
}

func threadKey(senderID, threadID string) string {
	return senderID + "|" + threadID
}

func (in *Inbox) handleMessage(env *wire.Envelope) {
	var msg wire.ChatMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		in.logger.Warn("malformed message dropped", "error", err)
		return
	}
	if msg.MessageID == "" {
		in.logger.Warn("message without id dropped", "thread_id", msg.ThreadID)
		return
	}

	if in.seen.Check(msg.MessageID) {
		// Redelivery: the sender missed our receipt. Ack again, apply
		// nothing.
		in.sendReceipt(wire.KindMessageDelivered, msg)
		return
	}

	in.mu.Lock()
	key := threadKey(msg.SenderID, msg.ThreadID)
	th, ok := in.threads[key]
	if !ok {
		// First message for the pair sets the baseline.
		th = &thread{next: msg.Seq, pending: make(map[uint64]wire.ChatMessage)}
		in.threads[key] = th
	}

	var apply []wire.ChatMessage
	switch {
	case msg.Seq < th.next:
		// Already applied under another id, or sender restarted its
		// counter. Ack so the sender stops retrying.
		in.mu.Unlock()
		in.sendReceipt(wire.KindMessageDelivered, msg)
		return
	case msg.Seq == th.next:
		apply = append(apply, msg)
		th.next++
		// A gap fill releases everything consecutive behind it.
		for {
			buffered, ok := th.pending[th.next]
			if !ok {
				break
			}
			delete(th.pending, th.next)
			apply = append(apply, buffered)
			th.next++
		}
	default:
		th.pending[msg.Seq] = msg
		if len(th.pending) > in.depth {
			// The gap is not going to fill; flush in order and accept it.
			apply = th.flushLocked()
		}
	}
	in.mu.Unlock()

	for _, m := range apply {
		in.sendReceipt(wire.KindMessageDelivered, m)
		if in.onMsg != nil {
			in.onMsg(m)
		}
	}
}

// flushLocked drains the pending buffer in sequence order and moves next
// past everything buffered.
func (th *thread) flushLocked() []wire.ChatMessage {
	seqs := make([]uint64, 0, len(th.pending))
	for seq := range th.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]wire.ChatMessage, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, th.pending[seq])
		delete(th.pending, seq)
	}
	if n := len(seqs); n > 0 {
		th.next = seqs[n-1] + 1
	}
	return out
}

// MarkRead sends a read receipt for a message to its sender.
func (in *Inbox) MarkRead(ctx context.Context, messageID, threadID, senderID string) error {
	env, err := wire.NewEnvelope(wire.KindMessageRead, "", wire.Receipt{
		MessageID: messageID,
		ThreadID:  threadID,
		To:        senderID,
	})
	if err != nil {
		return err
	}
	return in.client.Send(ctx, env)
}

// resume reports the per-thread high-water marks for the reconnect
// handshake.
func (in *Inbox) resume() *wire.Resume {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.threads) == 0 {
		return nil
	}
	last := make(map[string]uint64, len(in.threads))
	for key, th := range in.threads {
		if th.next > 0 {
			last[key] = th.next - 1
		}
	}
	return &wire.Resume{LastSeq: last}
}

func (in *Inbox) sendReceipt(kind wire.Kind, msg wire.ChatMessage) {
	env, err := wire.NewEnvelope(kind, "", wire.Receipt{
		MessageID: msg.MessageID,
		ThreadID:  msg.ThreadID,
		To:        msg.SenderID,
	})
	if err != nil {
		return
	}
	// Best effort: a dropped receipt is repaired by redelivery dedupe.
	_ = in.client.Send(context.Background(), env)
}
