// Package hub implements the relay's forwarding engine: per-session
// outbound queues, group rooms, and the blind per-frame routing policy.
//
// The hub never inspects, logs, or persists header, nonce, or ciphertext
// fields. Session ids appear in logs as 12-character prefixes only.
package hub

import (
	"log/slog"
	"sync"

	"github.com/Bentlybro/whisper/internal/wire"
)

// outboundDepth is the per-session queue size. A session that cannot drain
// fast enough loses frames rather than stalling the sender.
const outboundDepth = 256

// Hub owns the routing tables. Forwarding takes shared access; connection
// lifecycle and room mutations take exclusive access.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*Session
	rooms map[string]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		peers: make(map[string]*Session),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Session is one relay-side connection. Frames routed to it are drained
// from Out by the connection's egress task.
type Session struct {
	hub *Hub
	out chan []byte

	mu  sync.Mutex
	sid string
}

// NewSession creates an unregistered session. It joins the routing table
// once a Connect frame names its session id.
func (h *Hub) NewSession() *Session {
	return &Session{hub: h, out: make(chan []byte, outboundDepth)}
}

// Out is the session's outbound queue.
func (s *Session) Out() <-chan []byte {
	return s.out
}

// ID returns the session id announced by the Connect frame, if any.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Ingest routes one raw frame from this session. Malformed frames and
// unknown kinds are dropped.
func (s *Session) Ingest(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		return
	}

	h := s.hub
	switch f.Kind {
	case wire.KindConnect:
		h.connect(s, f.From)
	case wire.KindKeyExchange:
		h.broadcast(f.From, data)
	case wire.KindEncrypted:
		if f.Target == "" {
			h.broadcast(f.From, data)
			return
		}
		h.sendTo(f.Target, data)
	case wire.KindAudioFrame, wire.KindScreenFrame,
		wire.KindTyping, wire.KindReadReceipt:
		if f.Target == "" {
			h.broadcast(f.From, data)
			return
		}
		h.sendTo(f.Target, data)
	case wire.KindGroupJoin:
		h.joinRoom(f.Group, f.From)
	case wire.KindGroupLeave:
		h.leaveRoom(f.Group, f.From)
	case wire.KindGroupEncrypted:
		h.groupFanout(f.Group, f.From, data)
	default:
		// Unknown frame kinds are no-ops.
	}
}

// Close removes the session from the routing tables and tells the remaining
// peers it is gone. A session that was replaced by a resumed connection
// leaves the replacement untouched and announces nothing.
func (s *Session) Close() {
	s.mu.Lock()
	sid := s.sid
	s.mu.Unlock()
	if sid == "" {
		return
	}

	h := s.hub
	h.mu.Lock()
	if h.peers[sid] != s {
		h.mu.Unlock()
		return
	}
	delete(h.peers, sid)
	for gid, members := range h.rooms {
		delete(members, sid)
		if len(members) == 0 {
			delete(h.rooms, gid)
		}
	}
	h.mu.Unlock()
	slog.Info("session disconnected", slog.String("session", sidPrefix(sid)))

	// A routing-metadata-only notice: the session id is all the relay knows.
	if gone, err := wire.Encode(wire.Frame{
		Kind: wire.KindPeerGone, From: sid,
	}); err == nil {
		h.broadcast(sid, gone)
	}
}

func (h *Hub) connect(s *Session, sid string) {
	if sid == "" {
		return
	}
	s.mu.Lock()
	s.sid = sid
	s.mu.Unlock()

	h.mu.Lock()
	_, resumed := h.peers[sid]
	h.peers[sid] = s
	h.mu.Unlock()

	if resumed {
		slog.Info("session resumed", slog.String("session", sidPrefix(sid)))
	} else {
		slog.Info("session connected", slog.String("session", sidPrefix(sid)))
	}

	if ack, err := wire.Encode(wire.Frame{Kind: wire.KindAck}); err == nil {
		s.push(ack)
	}
}

func (h *Hub) broadcast(from string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sid, peer := range h.peers {
		if sid == from {
			continue
		}
		peer.push(data)
	}
}

func (h *Hub) sendTo(sid string, data []byte) {
	h.mu.RLock()
	peer, ok := h.peers[sid]
	h.mu.RUnlock()
	if ok {
		peer.push(data)
	}
}

func (h *Hub) joinRoom(gid, sid string) {
	if gid == "" || sid == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[gid]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[gid] = room
	}
	room[sid] = struct{}{}
	slog.Info("joined room",
		slog.String("session", sidPrefix(sid)),
		slog.String("room", sidPrefix(gid)),
		slog.Int("members", len(room)),
	)
}

func (h *Hub) leaveRoom(gid, sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[gid]
	if !ok {
		return
	}
	delete(room, sid)
	slog.Info("left room",
		slog.String("session", sidPrefix(sid)),
		slog.String("room", sidPrefix(gid)),
		slog.Int("members", len(room)),
	)
	if len(room) == 0 {
		delete(h.rooms, gid)
	}
}

func (h *Hub) groupFanout(gid, from string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members, ok := h.rooms[gid]
	if !ok {
		return
	}
	for sid := range members {
		if sid == from {
			continue
		}
		if peer, ok := h.peers[sid]; ok {
			peer.push(data)
		}
	}
}

// push enqueues without blocking; a full queue drops the frame.
func (s *Session) push(data []byte) {
	select {
	case s.out <- data:
	default:
	}
}

// Stats reports table sizes for the operator endpoints.
func (h *Hub) Stats() (peers, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers), len(h.rooms)
}

// RoomMembers reports the member count of one room.
func (h *Hub) RoomMembers(gid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[gid])
}

func sidPrefix(sid string) string {
	if len(sid) <= 12 {
		return sid
	}
	return sid[:12]
}
