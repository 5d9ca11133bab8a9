package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/events"
	redisc "github.com/AndrewYakovlev/aso-store-v2-sub002/redis"
)

// Registry tracks live connections by principal and by chat room, plus
// the staff broadcast set. All mutation and fan-out iteration happen
// under one RWMutex so fan-out never observes a half-removed client.
type Registry struct {
	mu          sync.RWMutex
	byPrincipal map[string]map[*Client]struct{}
	byChat      map[string]map[*Client]struct{}
	managers    map[*Client]struct{}

	presence *redisc.RedisClient // optional, nil-safe
	log      zerolog.Logger
}

func NewRegistry(presence *redisc.RedisClient, log zerolog.Logger) *Registry {
	return &Registry{
		byPrincipal: make(map[string]map[*Client]struct{}),
		byChat:      make(map[string]map[*Client]struct{}),
		managers:    make(map[*Client]struct{}),
		presence:    presence,
		log:         log.With().Str("component", "registry").Logger(),
	}
}

// Register adds the client to the principal index. Room membership is
// separate and explicit.
func (r *Registry) Register(c *Client) {
	if !c.Resolved {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.registered || c.unregistered {
		return
	}
	c.registered = true
	key := c.Principal.Key()
	if r.byPrincipal[key] == nil {
		r.byPrincipal[key] = make(map[*Client]struct{})
	}
	r.byPrincipal[key][c] = struct{}{}
	if c.Principal.IsStaff() {
		r.managers[c] = struct{}{}
	}
	r.log.Debug().Str("client_id", c.ID).Str("principal", key).Msg("client registered")
}

// Unregister removes the client from every index. Both the explicit
// close path and the transport disconnect path call it; only the first
// call does anything.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	if c.unregistered {
		r.mu.Unlock()
		return
	}
	c.unregistered = true
	c.registered = false

	key := c.Principal.Key()
	if set, ok := r.byPrincipal[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byPrincipal, key)
		}
	}
	delete(r.managers, c)

	var leftRooms []string
	for chatID := range c.rooms {
		if set, ok := r.byChat[chatID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(r.byChat, chatID)
			}
		}
		if !r.principalInRoomLocked(key, chatID) {
			leftRooms = append(leftRooms, chatID)
		}
	}
	c.rooms = nil
	r.mu.Unlock()

	// The send channel is never closed: a fan-out snapshot taken just
	// before this call may still try to enqueue. Cancelling the client
	// context stops the write pump instead.

	c.cancel()
	for _, chatID := range leftRooms {
		r.dropPresence(chatID, key)
	}
	r.log.Debug().Str("client_id", c.ID).Str("principal", key).Msg("client unregistered")
}

// JoinChat subscribes the connection to a chat room.
func (r *Registry) JoinChat(c *Client, chatID string) {
	r.mu.Lock()
	if c.unregistered || !c.registered {
		r.mu.Unlock()
		return
	}
	if r.byChat[chatID] == nil {
		r.byChat[chatID] = make(map[*Client]struct{})
	}
	r.byChat[chatID][c] = struct{}{}
	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	c.rooms[chatID] = struct{}{}
	r.mu.Unlock()

	if r.presence != nil {
		if err := r.presence.AddOnline(context.Background(), chatID, c.Principal.Key()); err != nil {
			r.log.Warn().Err(err).Str("chat_id", chatID).Msg("presence add failed")
		}
	}
}

// LeaveChat drops the room membership of this one connection. Presence
// survives while any other connection of the principal is still in the
// room.
func (r *Registry) LeaveChat(c *Client, chatID string) {
	r.mu.Lock()
	if set, ok := r.byChat[chatID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byChat, chatID)
		}
	}
	delete(c.rooms, chatID)
	key := c.Principal.Key()
	stillThere := r.principalInRoomLocked(key, chatID)
	r.mu.Unlock()

	if !stillThere {
		r.dropPresence(chatID, key)
	}
}

func (r *Registry) principalInRoomLocked(principalKey, chatID string) bool {
	for other := range r.byPrincipal[principalKey] {
		if _, ok := other.rooms[chatID]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) dropPresence(chatID, principalKey string) {
	if r.presence == nil {
		return
	}
	if err := r.presence.RemoveOnline(context.Background(), chatID, principalKey); err != nil {
		r.log.Warn().Err(err).Str("chat_id", chatID).Msg("presence remove failed")
	}
}

// EmitToPrincipal reaches every tab/device of one principal.
func (r *Registry) EmitToPrincipal(principalKey string, env *events.Envelope) {
	r.emit(r.snapshotPrincipal(principalKey), env)
}

// EmitToChat reaches every room member, optionally skipping principals
// (e.g. the typing sender).
func (r *Registry) EmitToChat(chatID string, env *events.Envelope, exceptKeys ...string) {
	clients := r.snapshotChat(chatID)
	if len(exceptKeys) > 0 {
		skip := make(map[string]struct{}, len(exceptKeys))
		for _, k := range exceptKeys {
			skip[k] = struct{}{}
		}
		filtered := clients[:0]
		for _, c := range clients {
			if _, ok := skip[c.Principal.Key()]; !ok {
				filtered = append(filtered, c)
			}
		}
		clients = filtered
	}
	r.emit(clients, env)
}

// EmitToManagers is the staff dashboard broadcast.
func (r *Registry) EmitToManagers(env *events.Envelope) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.managers))
	for c := range r.managers {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	r.emit(clients, env)
}

func (r *Registry) IsOnline(principalKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPrincipal[principalKey]) > 0
}

// IsViewing reports whether any connection of the principal is a
// member of the chat room right now.
func (r *Registry) IsViewing(principalKey, chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.byChat[chatID] {
		if c.Principal.Key() == principalKey {
			return true
		}
	}
	return false
}

func (r *Registry) ManagersOnline() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers) > 0
}

func (r *Registry) snapshotPrincipal(principalKey string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.byPrincipal[principalKey]))
	for c := range r.byPrincipal[principalKey] {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) snapshotChat(chatID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.byChat[chatID]))
	for c := range r.byChat[chatID] {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) emit(clients []*Client, env *events.Envelope) {
	for _, c := range clients {
		if !c.trySend(env) {
			// Slow consumer: drop the connection, the client reconnects
			// and rehydrates.
			r.log.Warn().Str("client_id", c.ID).Msg("send buffer full, disconnecting client")
			go r.Unregister(c)
		}
	}
}
