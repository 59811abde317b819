package hub

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"lodgehr/notify-service/internal/models"

	"github.com/google/uuid"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrRoomForbidden     = errors.New("room access forbidden")
)

const RoomGlobal = "global"

func PropertyRoom(propertyID string) string { return "property:" + propertyID }

func UserRoom(userID string) string { return "user:" + userID }

// Identity is the authenticated subject behind a connection, fixed at
// handshake time.
type Identity struct {
	UserID string
	Role   string
}

// AccessChecker answers which properties a manager may act on. A stale
// result (refresh failed, last-known-good returned) comes back with a
// non-nil property set and a non-nil error.
type AccessChecker interface {
	Get(ctx context.Context, managerID string) (map[string]struct{}, error)
}

type Conn struct {
	ID       string
	Identity Identity
	Send     chan []byte

	mu       sync.Mutex
	rooms    map[string]struct{}
	lastBeat time.Time
	closed   bool
}

func (c *Conn) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- payload:
		return true
	default:
		log.Printf("hub drop message connection=%s user=%s", c.ID, c.Identity.UserID)
		return false
	}
}

type Options struct {
	HeartbeatTimeout time.Duration
	SendBuffer       int
	Shards           int
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Conn
}

// Hub owns every live connection and the room index. Rooms are sharded by
// room-key hash so broadcasts on different rooms do not serialize on one
// lock; each connection keeps a reverse index of its rooms so teardown is a
// single pass.
type Hub struct {
	access           AccessChecker
	heartbeatTimeout time.Duration
	sendBuffer       int

	mu    sync.RWMutex
	conns map[string]*Conn

	shards []*roomShard
}

func New(access AccessChecker, opts Options) *Hub {
	timeout := opts.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = 16
	}
	shardCount := opts.Shards
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]*roomShard, shardCount)
	for i := range shards {
		shards[i] = &roomShard{rooms: make(map[string]map[string]*Conn)}
	}
	return &Hub{
		access:           access,
		heartbeatTimeout: timeout,
		sendBuffer:       buffer,
		conns:            make(map[string]*Conn),
		shards:           shards,
	}
}

func (h *Hub) shardFor(roomKey string) *roomShard {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(roomKey))
	return h.shards[int(hash.Sum32())%len(h.shards)]
}

func (h *Hub) Register(identity Identity) *Conn {
	conn := &Conn{
		ID:       uuid.NewString(),
		Identity: identity,
		Send:     make(chan []byte, h.sendBuffer),
		rooms:    make(map[string]struct{}),
		lastBeat: time.Now(),
	}
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
	return conn
}

func (h *Hub) lookup(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connID]
	return conn, ok
}

// Subscribe adds the connection to a room after authorizing the room key
// against the connection's identity. Managers are checked against the
// access cache at subscription time; a stale cache entry is used fail-open
// with a warning.
func (h *Hub) Subscribe(ctx context.Context, connID, roomKey string) error {
	conn, ok := h.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if err := h.authorize(ctx, conn.Identity, roomKey); err != nil {
		return err
	}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return ErrUnknownConnection
	}
	conn.rooms[roomKey] = struct{}{}
	conn.mu.Unlock()

	shard := h.shardFor(roomKey)
	shard.mu.Lock()
	members, ok := shard.rooms[roomKey]
	if !ok {
		members = make(map[string]*Conn)
		shard.rooms[roomKey] = members
	}
	members[conn.ID] = conn
	shard.mu.Unlock()
	return nil
}

func (h *Hub) authorize(ctx context.Context, identity Identity, roomKey string) error {
	if identity.Role == models.RoleAdmin {
		return nil
	}
	switch {
	case roomKey == RoomGlobal:
		return ErrRoomForbidden
	case strings.HasPrefix(roomKey, "user:"):
		if strings.TrimPrefix(roomKey, "user:") != identity.UserID {
			return ErrRoomForbidden
		}
		return nil
	case strings.HasPrefix(roomKey, "property:"):
		if identity.Role != models.RoleManager {
			return ErrRoomForbidden
		}
		properties, err := h.access.Get(ctx, identity.UserID)
		if err != nil {
			if properties == nil {
				return err
			}
			log.Printf("hub stale access user=%s err=%v", identity.UserID, err)
		}
		propertyID := strings.TrimPrefix(roomKey, "property:")
		if _, ok := properties[propertyID]; !ok {
			return ErrRoomForbidden
		}
		return nil
	default:
		return ErrRoomForbidden
	}
}

// Unsubscribe is a no-op when the connection is not a member.
func (h *Hub) Unsubscribe(connID, roomKey string) {
	conn, ok := h.lookup(connID)
	if ok {
		conn.mu.Lock()
		delete(conn.rooms, roomKey)
		conn.mu.Unlock()
	}
	h.removeFromRoom(connID, roomKey)
}

func (h *Hub) removeFromRoom(connID, roomKey string) {
	shard := h.shardFor(roomKey)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	members, ok := shard.rooms[roomKey]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(shard.rooms, roomKey)
	}
}

// Broadcast sends payload to every member of the room and returns how many
// connections accepted it. Members whose connection has been torn down are
// unregistered as a side effect; each surviving connection observes
// payloads in the order Broadcast was called.
func (h *Hub) Broadcast(roomKey string, payload []byte) int {
	shard := h.shardFor(roomKey)
	shard.mu.RLock()
	members := make([]*Conn, 0, len(shard.rooms[roomKey]))
	for _, conn := range shard.rooms[roomKey] {
		members = append(members, conn)
	}
	shard.mu.RUnlock()

	delivered := 0
	for _, conn := range members {
		conn.mu.Lock()
		closed := conn.closed
		conn.mu.Unlock()
		if closed {
			// Disconnect is a no-op once the connection left the registry;
			// a membership inserted after teardown must be dropped here.
			h.Disconnect(conn.ID)
			h.removeFromRoom(conn.ID, roomKey)
			continue
		}
		if conn.trySend(payload) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) Heartbeat(connID string) error {
	conn, ok := h.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	conn.mu.Lock()
	conn.lastBeat = time.Now()
	conn.mu.Unlock()
	return nil
}

// Disconnect tears the connection down, vacating every room it joined.
// Idempotent.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	alreadyClosed := conn.closed
	conn.closed = true
	rooms := make([]string, 0, len(conn.rooms))
	for roomKey := range conn.rooms {
		rooms = append(rooms, roomKey)
	}
	conn.rooms = make(map[string]struct{})
	conn.mu.Unlock()

	for _, roomKey := range rooms {
		h.removeFromRoom(connID, roomKey)
	}
	if !alreadyClosed {
		close(conn.Send)
	}
}

// Run sweeps for connections whose heartbeat is older than the timeout.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mu.RLock()
	stale := make([]string, 0)
	for id, conn := range h.conns {
		conn.mu.Lock()
		expired := now.Sub(conn.lastBeat) > h.heartbeatTimeout
		conn.mu.Unlock()
		if expired {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range stale {
		log.Printf("hub heartbeat timeout connection=%s", id)
		h.Disconnect(id)
	}
}

// ConnCount reports the number of live connections, for metrics.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
