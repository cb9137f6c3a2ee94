package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/studyloop/pulse/pkg/models"
	"github.com/studyloop/pulse/pkg/wire"
)

// PresenceFunc consumes presence events for subscribed identities.
type PresenceFunc func(update wire.PresenceUpdate)

// PresenceController announces this identity's presence and tracks
// subscriptions. Both survive reconnects: every connect re-announces the
// current status and replays the subscription set, since the relay keeps
// no state for a connection that went away.
type PresenceController struct {
	client *Client
	logger *slog.Logger
	onUpd  PresenceFunc

	mu     sync.Mutex
	status models.PresenceStatus
	custom string
	subs   map[string]struct{}
	rooms  map[string]struct{}
}

// NewPresenceController wires presence into the client.
func NewPresenceController(c *Client, onUpdate PresenceFunc) *PresenceController {
	pc := &PresenceController{
		client: c,
		logger: c.logger.With("component", "presence"),
		onUpd:  onUpdate,
		subs:   make(map[string]struct{}),
		rooms:  make(map[string]struct{}),
	}
	c.Handle(wire.KindPresenceUpdate, pc.handleUpdate)
	c.OnConnect(pc.reannounce)
	return pc
}

// SetStatus records and announces this identity's presence. While
// disconnected only the record happens; the next connect announces it.
func (pc *PresenceController) SetStatus(ctx context.Context, status models.PresenceStatus, custom string) error {
	pc.mu.Lock()
	pc.status = status
	pc.custom = custom
	pc.mu.Unlock()

	env, err := wire.NewEnvelope(wire.KindPresenceUpdate, "", wire.PresenceUpdate{
		Status:       status,
		CustomStatus: custom,
	})
	if err != nil {
		return err
	}
	if err := pc.client.Send(ctx, env); err != nil {
		if err == ErrDisconnected {
			return nil
		}
		return err
	}
	return nil
}

// Subscribe watches the given identities' presence.
func (pc *PresenceController) Subscribe(ctx context.Context, identities ...string) error {
	pc.mu.Lock()
	for _, id := range identities {
		pc.subs[id] = struct{}{}
	}
	pc.mu.Unlock()
	return pc.sendSubscription(ctx, wire.KindPresenceSubscribe, identities, "")
}

// Unsubscribe stops watching the given identities.
func (pc *PresenceController) Unsubscribe(ctx context.Context, identities ...string) error {
	pc.mu.Lock()
	for _, id := range identities {
		delete(pc.subs, id)
	}
	pc.mu.Unlock()
	return pc.sendSubscription(ctx, wire.KindPresenceUnsubscribe, identities, "")
}

// SubscribeRoom watches every member of a room.
func (pc *PresenceController) SubscribeRoom(ctx context.Context, room string) error {
	pc.mu.Lock()
	pc.rooms[room] = struct{}{}
	pc.mu.Unlock()
	return pc.sendSubscription(ctx, wire.KindPresenceSubscribe, nil, room)
}

// UnsubscribeRoom stops watching a room.
func (pc *PresenceController) UnsubscribeRoom(ctx context.Context, room string) error {
	pc.mu.Lock()
	delete(pc.rooms, room)
	pc.mu.Unlock()
	return pc.sendSubscription(ctx, wire.KindPresenceUnsubscribe, nil, room)
}

func (pc *PresenceController) sendSubscription(ctx context.Context, kind wire.Kind, identities []string, room string) error {
	env, err := wire.NewEnvelope(kind, "", wire.PresenceSubscription{
		Identities: identities,
		Room:       room,
	})
	if err != nil {
		return err
	}
	if err := pc.client.Send(ctx, env); err != nil && err != ErrDisconnected {
		return err
	}
	return nil
}

// reannounce replays status and subscriptions after a (re)connect.
func (pc *PresenceController) reannounce() {
	pc.mu.Lock()
	status := pc.status
	custom := pc.custom
	identities := make([]string, 0, len(pc.subs))
	for id := range pc.subs {
		identities = append(identities, id)
	}
	rooms := make([]string, 0, len(pc.rooms))
	for room := range pc.rooms {
		rooms = append(rooms, room)
	}
	pc.mu.Unlock()

	ctx := context.Background()
	if status != "" {
		if err := pc.SetStatus(ctx, status, custom); err != nil {
			pc.logger.Warn("presence re-announce failed", "error", err)
		}
	}
	if len(identities) > 0 {
		if err := pc.sendSubscription(ctx, wire.KindPresenceSubscribe, identities, ""); err != nil {
			pc.logger.Warn("subscription replay failed", "error", err)
		}
	}
	for _, room := range rooms {
		if err := pc.sendSubscription(ctx, wire.KindPresenceSubscribe, nil, room); err != nil {
			pc.logger.Warn("room subscription replay failed", "room", room, "error", err)
		}
	}
}

func (pc *PresenceController) handleUpdate(env *wire.Envelope) {
	if pc.onUpd == nil {
		return
	}
	var p wire.PresenceUpdate
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		pc.logger.Warn("malformed presence_update dropped", "error", err)
		return
	}
	pc.onUpd(p)
}
