package whisper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Bentlybro/whisper/internal/wire"
)

// OutgoingKind is the taxonomy of things the UI can ask the core to send.
type OutgoingKind int

const (
	OutInvalid OutgoingKind = iota
	OutGlobal
	OutDirect
	OutGroup
	OutJoinRoom
	OutLeaveRoom
	OutAudio
	OutScreen
	OutSignal
)

// Outgoing is one queued send request. Which fields matter depends on Kind.
type Outgoing struct {
	Kind    OutgoingKind
	Target  string
	Group   string
	Members []string
	Message *wire.PlainMessage
	Payload []byte
	Frame   *wire.Frame
}

// Client maintains one logical connection to the relay, surviving transport
// drops. The outbound queue is shared across reconnection attempts, so the
// UI never has to know the socket died.
type Client struct {
	relayURL string
	nickname string
	identity *Identity
	peers    *PeerManager

	out   chan Outgoing
	outMu sync.Mutex

	// Auxiliary egress queues: key-exchange replies to peers we just
	// learned of, and the first post-handshake nickname message.
	replies chan wire.Frame
	nick    chan wire.Frame

	events chan Event
}

type ClientOption func(*Client)

// WithNickname sets the display name announced to peers after handshake.
func WithNickname(nick string) ClientOption {
	return func(c *Client) { c.nickname = nick }
}

// WithSessionID overrides the freshly minted session id; reconnecting with
// the previous id resumes the relay routing slot.
func WithSessionID(sid string) ClientOption {
	return func(c *Client) { c.peers = NewPeerManager(sid, c.identity) }
}

func NewClient(relayURL string, identity *Identity, opts ...ClientOption) *Client {
	c := &Client{
		relayURL: relayURL,
		identity: identity,
		peers:    NewPeerManager(NewSessionID(), identity),
		out:      make(chan Outgoing, 64),
		replies:  make(chan wire.Frame, 64),
		nick:     make(chan wire.Frame, 16),
		events:   make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the routing id minted for this process.
func (c *Client) SessionID() string { return c.peers.SessionID() }

// Peers exposes the peer session manager.
func (c *Client) Peers() *PeerManager { return c.peers }

// Events is the stream of application events for the UI layer.
func (c *Client) Events() <-chan Event { return c.events }

// Send enqueues an outgoing request. The queue survives reconnects.
func (c *Client) Send(o Outgoing) {
	c.out <- o
}

// SendText fans a text message out to every known peer.
func (c *Client) SendText(content string) {
	msg := c.peers.NewPlainMessage(wire.PlainText)
	msg.Content = content
	c.Send(Outgoing{Kind: OutGlobal, Message: msg})
}

// SendDirectText sends a text message to a single peer.
func (c *Client) SendDirectText(target, content string) {
	msg := c.peers.NewPlainMessage(wire.PlainText)
	msg.Content = content
	c.Send(Outgoing{Kind: OutDirect, Target: target, Message: msg})
}

// JoinGroup registers with the relay room and remembers nothing locally:
// group state lives with the UI, membership with the relay.
func (c *Client) JoinGroup(group string) {
	c.Send(Outgoing{Kind: OutJoinRoom, Group: group})
}

func (c *Client) LeaveGroup(group string) {
	c.Send(Outgoing{Kind: OutLeaveRoom, Group: group})
}

// SendTyping emits a plaintext typing signal. Deliberately not ratcheted:
// lost or reordered signals must never desynchronise the conversation.
func (c *Client) SendTyping(target string) {
	c.Send(Outgoing{Kind: OutSignal, Frame: &wire.Frame{
		Kind: wire.KindTyping, Target: target,
	}})
}

// SendReadReceipt emits a plaintext read receipt for a message id.
func (c *Client) SendReadReceipt(target, messageID string) {
	c.Send(Outgoing{Kind: OutSignal, Frame: &wire.Frame{
		Kind: wire.KindReadReceipt, Target: target, MessageID: messageID,
	}})
}

// Run drives the connection until ctx is cancelled: connect, replay the
// bootstrap, pump traffic, reconnect with doubling backoff on failure.
func (c *Client) Run(ctx context.Context) error {
	backoff := backoffMin
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			backoff = backoffMin
			c.emit(Event{Kind: EventStatus, Status: "disconnected from relay"})
		} else {
			c.emit(Event{Kind: EventStatus, Status: fmt.Sprintf(
				"connection lost (%v), retrying in %s", err, backoff,
			)})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.relayURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	conn.SetReadLimit(wire.DefaultMaxFrameSize)

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Replay the bootstrap on every resume: the relay forgot us, and so may
	// have peers that reconnected while we were away.
	err = c.writeFrame(connCtx, conn, wire.Frame{
		Kind: wire.KindConnect, From: c.peers.SessionID(),
	})
	if err != nil {
		return fmt.Errorf("announcing session: %w", err)
	}
	if err = c.writeFrame(connCtx, conn, c.peers.AnnounceFrame()); err != nil {
		return fmt.Errorf("announcing identity: %w", err)
	}

	failCh := make(chan error, 2)
	go c.ingress(connCtx, conn, failCh)
	go c.egress(connCtx, conn, failCh)

	select {
	case err = <-failCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (c *Client) ingress(ctx context.Context, conn *websocket.Conn, failCh chan<- error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				failCh <- nil
				return
			}
			failCh <- fmt.Errorf("reading frame: %w", err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		f, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are dropped, the connection lives on.
			continue
		}

		events, replies := c.peers.Ingest(f)
		for _, ev := range events {
			c.emit(ev)
			if ev.Kind == EventPeerJoined {
				c.scheduleNickname(ev.Peer)
			}
		}
		for _, reply := range replies {
			select {
			case c.replies <- reply:
			default:
				slog.Warn("reply queue full, dropping key exchange")
			}
		}
	}
}

func (c *Client) egress(ctx context.Context, conn *websocket.Conn, failCh chan<- error) {
	// The queue receiver is shared across reconnection attempts; only one
	// egress task may drain it at a time.
	c.outMu.Lock()
	defer c.outMu.Unlock()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.replies:
			if err := c.writeFrame(ctx, conn, f); err != nil {
				failCh <- fmt.Errorf("writing reply: %w", err)
				return
			}
		case f := <-c.nick:
			if err := c.writeFrame(ctx, conn, f); err != nil {
				failCh <- fmt.Errorf("writing nickname: %w", err)
				return
			}
		case o := <-c.out:
			for _, f := range c.collect(o) {
				if err := c.writeFrame(ctx, conn, f); err != nil {
					failCh <- fmt.Errorf("writing frame: %w", err)
					return
				}
			}
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				failCh <- fmt.Errorf("heartbeat: %w", err)
				return
			}
		}
	}
}

// collect turns one outgoing request into wire frames. Direct, audio and
// screen requests that cannot be served (no session yet) surface an event
// and are not retried; global and group fan-out silently skip peers without
// a session.
func (c *Client) collect(o Outgoing) []wire.Frame {
	sid := c.peers.SessionID()
	switch o.Kind {
	case OutGlobal:
		frames, _ := c.peers.SendGlobal(o.Message)
		return frames
	case OutDirect:
		f, err := c.peers.SendDirect(o.Target, o.Message)
		if err != nil {
			c.emit(Event{Kind: EventStatus, Status: err.Error()})
			return nil
		}
		return []wire.Frame{f}
	case OutGroup:
		frames, _ := c.peers.SendGroup(o.Group, o.Members, o.Message)
		return frames
	case OutJoinRoom:
		return []wire.Frame{{Kind: wire.KindGroupJoin, From: sid, Group: o.Group}}
	case OutLeaveRoom:
		return []wire.Frame{{Kind: wire.KindGroupLeave, From: sid, Group: o.Group}}
	case OutAudio:
		f, err := c.peers.SendAudio(o.Target, o.Payload)
		if err != nil {
			c.emit(Event{Kind: EventStatus, Status: err.Error()})
			return nil
		}
		return []wire.Frame{f}
	case OutScreen:
		f, err := c.peers.SendScreen(o.Target, o.Payload)
		if err != nil {
			c.emit(Event{Kind: EventStatus, Status: err.Error()})
			return nil
		}
		return []wire.Frame{f}
	case OutSignal:
		if o.Frame == nil {
			return nil
		}
		f := *o.Frame
		f.From = sid
		return []wire.Frame{f}
	default:
		return nil
	}
}

// scheduleNickname fires our first ratcheted message at a new peer after a
// grace period, so the peer has finished its own bootstrap.
func (c *Client) scheduleNickname(peer string) {
	if c.nickname == "" {
		return
	}
	time.AfterFunc(nicknameDelay, func() {
		msg := c.peers.NewPlainMessage(wire.PlainNickname)
		msg.Content = c.nickname
		f, err := c.peers.SendDirect(peer, msg)
		if err != nil {
			return
		}
		select {
		case c.nick <- f:
		default:
			slog.Warn("nickname queue full, dropping")
		}
	})
}

func (c *Client) writeFrame(ctx context.Context, conn *websocket.Conn, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("event queue full, dropping event",
			slog.String("kind", ev.Kind.String()),
		)
	}
}
