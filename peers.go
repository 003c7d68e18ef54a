package whisper

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Bentlybro/whisper/internal/enigma"
	"github.com/Bentlybro/whisper/internal/wire"
	"github.com/Bentlybro/whisper/pkg/ratchet"
)

var (
	ErrNoSession   = errors.New("no session with peer")
	ErrUnknownPeer = errors.New("unknown peer")
)

// Peer is the local record for one remote session: the observed identity
// key, an optional nickname, and the ratchet owning the pairwise link.
type Peer struct {
	SessionID   string
	IdentityKey []byte

	mu       sync.Mutex
	nickname string
	ratchet  *ratchet.Session
}

// Nickname returns the display name last received over the encrypted
// channel, if any.
func (p *Peer) Nickname() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nickname
}

// PeerManager owns one ratchet per known peer, performs the X25519
// handshake, and dispatches frames between the wire and the ratchets.
type PeerManager struct {
	sessionID string
	identity  *Identity

	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewPeerManager(sessionID string, identity *Identity) *PeerManager {
	return &PeerManager{
		sessionID: sessionID,
		identity:  identity,
		peers:     make(map[string]*Peer),
	}
}

// SessionID returns the local routing session id.
func (pm *PeerManager) SessionID() string { return pm.sessionID }

// AnnounceFrame builds the key-exchange frame broadcast after every
// connect, announcing our identity to all listening peers.
func (pm *PeerManager) AnnounceFrame() wire.Frame {
	return wire.Frame{
		Kind:      wire.KindKeyExchange,
		From:      pm.sessionID,
		PublicKey: pm.identity.PublicKey(),
	}
}

// Peer looks up a peer record.
func (pm *PeerManager) Peer(sid string) (*Peer, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.peers[sid]
	return p, ok
}

// Peers snapshots the known session ids.
func (pm *PeerManager) Peers() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]string, 0, len(pm.peers))
	for sid := range pm.peers {
		out = append(out, sid)
	}
	return out
}

// Forget drops a peer and zeroises its ratchet.
func (pm *PeerManager) Forget(sid string) {
	pm.mu.Lock()
	p, ok := pm.peers[sid]
	delete(pm.peers, sid)
	pm.mu.Unlock()
	if ok {
		p.mu.Lock()
		p.ratchet.Zeroize()
		p.mu.Unlock()
	}
}

// Ingest processes one inbound wire frame. It returns the application
// events it produced and any frames that must go back out (key-exchange
// replies to peers we just learned of).
func (pm *PeerManager) Ingest(f wire.Frame) ([]Event, []wire.Frame) {
	switch f.Kind {
	case wire.KindAck:
		return []Event{{Kind: EventConnected, Status: "connected to relay"}}, nil
	case wire.KindKeyExchange:
		return pm.ingestKeyExchange(f)
	case wire.KindEncrypted, wire.KindGroupEncrypted:
		return pm.ingestEncrypted(f), nil
	case wire.KindAudioFrame:
		return pm.ingestAudio(f), nil
	case wire.KindScreenFrame:
		return pm.ingestScreen(f), nil
	case wire.KindPeerGone:
		return pm.ingestPeerGone(f), nil
	case wire.KindTyping:
		return []Event{{Kind: EventTyping, Peer: f.From}}, nil
	case wire.KindReadReceipt:
		return []Event{{
			Kind: EventReadReceipt, Peer: f.From, MessageID: f.MessageID,
		}}, nil
	default:
		return nil, nil
	}
}

// ingestKeyExchange bootstraps a ratchet for an unknown peer and replies
// with our own key exchange. A duplicate from a known peer never replaces
// the ratchet: both sides symmetrically emit a bootstrap and a reply, so a
// second apparent exchange per pair is the normal case.
func (pm *PeerManager) ingestKeyExchange(f wire.Frame) ([]Event, []wire.Frame) {
	if f.From == "" || f.From == pm.sessionID {
		return nil, nil
	}

	pm.mu.Lock()
	if known, ok := pm.peers[f.From]; ok {
		pm.mu.Unlock()
		// The identity key behind a session id must never change. A
		// mismatch means impersonation or a broken peer; the exchange is
		// refused either way.
		if !bytes.Equal(known.IdentityKey, f.PublicKey) {
			return []Event{{
				Kind: EventStatus,
				Status: fmt.Sprintf(
					"identity key changed for %s, ignoring key exchange",
					sidPrefix(f.From),
				),
			}}, nil
		}
		if len(f.RatchetKey) == 32 {
			var remote [32]byte
			copy(remote[:], f.RatchetKey)
			known.mu.Lock()
			known.ratchet.SetRemoteDH(remote)
			known.mu.Unlock()
		}
		return nil, nil
	}
	pm.mu.Unlock()

	secret, err := pm.identity.SharedSecret(f.PublicKey)
	if err != nil {
		return []Event{{
			Kind: EventStatus,
			Status: fmt.Sprintf(
				"key exchange with %s failed: %v", sidPrefix(f.From), err,
			),
		}}, nil
	}

	// Lexicographic session-id order gives both sides opposite roles
	// without an extra round-trip.
	initiator := pm.sessionID < f.From
	session, err := ratchet.Init(secret, initiator)
	enigma.Zero(secret)
	if err != nil {
		return []Event{{
			Kind:   EventStatus,
			Status: fmt.Sprintf("ratchet init failed: %v", err),
		}}, nil
	}
	if len(f.RatchetKey) == 32 {
		var remote [32]byte
		copy(remote[:], f.RatchetKey)
		session.SetRemoteDH(remote)
	}

	peer := &Peer{
		SessionID:   f.From,
		IdentityKey: append([]byte(nil), f.PublicKey...),
		ratchet:     session,
	}

	pm.mu.Lock()
	if _, ok := pm.peers[f.From]; ok {
		// Lost the race with a concurrent exchange; keep the first.
		pm.mu.Unlock()
		session.Zeroize()
		return nil, nil
	}
	pm.peers[f.From] = peer
	pm.mu.Unlock()

	pub := session.PublicKey()
	reply := wire.Frame{
		Kind:       wire.KindKeyExchange,
		From:       pm.sessionID,
		PublicKey:  pm.identity.PublicKey(),
		RatchetKey: pub[:],
	}
	events := []Event{
		{Kind: EventPeerJoined, Peer: f.From},
		{Kind: EventMessage, Peer: f.From, Message: pm.systemMessage(
			f.From, fmt.Sprintf("%s has joined", sidPrefix(f.From)),
		)},
	}
	return events, []wire.Frame{reply}
}

// ingestPeerGone handles the relay's disconnect notice. The peer record and
// its ratchet stay: the same session id reconnecting resumes the pair.
func (pm *PeerManager) ingestPeerGone(f wire.Frame) []Event {
	if _, ok := pm.Peer(f.From); !ok {
		return nil
	}
	return []Event{
		{Kind: EventPeerLeft, Peer: f.From},
		{Kind: EventMessage, Peer: f.From, Message: pm.systemMessage(
			f.From, fmt.Sprintf("%s has left", sidPrefix(f.From)),
		)},
	}
}

// systemMessage builds a local system notice attributed to a peer.
func (pm *PeerManager) systemMessage(sid, content string) *wire.PlainMessage {
	return &wire.PlainMessage{
		Kind:      wire.PlainSystem,
		Sender:    sid,
		Timestamp: time.Now().Unix(),
		Content:   content,
	}
}

// ingestEncrypted decrypts a ratcheted frame and routes the decoded payload.
// Frames from unknown peers are dropped: ratchets are never synthesised on
// the receive path.
func (pm *PeerManager) ingestEncrypted(f wire.Frame) []Event {
	peer, ok := pm.Peer(f.From)
	if !ok {
		return nil
	}

	header, err := ratchet.ParseHeader(f.Header)
	if err != nil {
		return []Event{{Kind: EventUndecryptable, Peer: f.From, Err: err}}
	}

	peer.mu.Lock()
	plaintext, err := peer.ratchet.Decrypt(header, f.Nonce, f.Ciphertext)
	peer.mu.Unlock()
	if err != nil {
		return []Event{{Kind: EventUndecryptable, Peer: f.From, Err: err}}
	}

	msg, err := wire.DecodePlain(plaintext)
	if err != nil {
		return []Event{{Kind: EventUndecryptable, Peer: f.From, Err: err}}
	}
	if f.Kind == wire.KindGroupEncrypted && msg.Group == "" {
		msg.Group = f.Group
	}

	if msg.Kind == wire.PlainNickname {
		peer.mu.Lock()
		peer.nickname = msg.Content
		peer.mu.Unlock()
		return []Event{{
			Kind: EventNickname, Peer: f.From, Nickname: msg.Content,
		}}
	}
	return []Event{{Kind: EventMessage, Peer: f.From, Message: msg}}
}

func (pm *PeerManager) ingestAudio(f wire.Frame) []Event {
	peer, ok := pm.Peer(f.From)
	if !ok {
		return nil
	}
	peer.mu.Lock()
	key, err := peer.ratchet.DeriveVoiceKey()
	peer.mu.Unlock()
	if err != nil {
		return []Event{{Kind: EventUndecryptable, Peer: f.From, Err: err}}
	}
	opus, err := enigma.Open(key, f.Nonce, f.Ciphertext)
	enigma.Zero(key)
	if err != nil {
		return []Event{{Kind: EventUndecryptable, Peer: f.From, Err: err}}
	}
	return []Event{{Kind: EventAudio, Peer: f.From, Opus: opus}}
}

func (pm *PeerManager) ingestScreen(f wire.Frame) []Event {
	peer, ok := pm.Peer(f.From)
	if !ok {
		return nil
	}
	peer.mu.Lock()
	key, err := peer.ratchet.DeriveScreenKey()
	peer.mu.Unlock()
	if err != nil {
		return []Event{{Kind: EventUndecryptable, Peer: f.From, Err: err}}
	}
	jpeg, err := enigma.Open(key, f.Nonce, f.Ciphertext)
	enigma.Zero(key)
	if err != nil {
		return []Event{{Kind: EventUndecryptable, Peer: f.From, Err: err}}
	}
	return []Event{{Kind: EventScreen, Peer: f.From, JPEG: jpeg}}
}

// NewPlainMessage stamps the common headers onto an outbound payload.
func (pm *PeerManager) NewPlainMessage(kind wire.PlainKind) *wire.PlainMessage {
	return &wire.PlainMessage{
		Kind:      kind,
		Sender:    pm.sessionID,
		Timestamp: time.Now().Unix(),
		ID:        uuid.NewString(),
	}
}

// SendDirect encrypts one message for one peer.
func (pm *PeerManager) SendDirect(target string, msg *wire.PlainMessage) (wire.Frame, error) {
	msg.Direct = true
	return pm.encryptFor(target, msg, wire.KindEncrypted, "")
}

// SendGlobal fans a message out to every known peer, one ratcheted frame
// each.
func (pm *PeerManager) SendGlobal(msg *wire.PlainMessage) ([]wire.Frame, error) {
	frames := make([]wire.Frame, 0)
	for _, sid := range pm.Peers() {
		f, err := pm.encryptFor(sid, msg, wire.KindEncrypted, "")
		if err != nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// SendGroup serialises once and encrypts per member. Keys stay pairwise: a
// compromised member cannot forge messages from others, at O(N) bandwidth.
func (pm *PeerManager) SendGroup(
	group string, members []string, msg *wire.PlainMessage,
) ([]wire.Frame, error) {
	msg.Group = group
	frames := make([]wire.Frame, 0, len(members))
	for _, sid := range members {
		if sid == pm.sessionID {
			continue
		}
		f, err := pm.encryptFor(sid, msg, wire.KindGroupEncrypted, group)
		if err != nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (pm *PeerManager) encryptFor(
	target string, msg *wire.PlainMessage, kind wire.Kind, group string,
) (wire.Frame, error) {
	peer, ok := pm.Peer(target)
	if !ok {
		return wire.Frame{}, fmt.Errorf("%w: %s", ErrNoSession, sidPrefix(target))
	}
	plaintext, err := wire.EncodePlain(msg)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("encoding envelope: %w", err)
	}

	peer.mu.Lock()
	header, nonce, ct, err := peer.ratchet.Encrypt(plaintext)
	peer.mu.Unlock()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("ratchet encrypt: %w", err)
	}

	return wire.Frame{
		Kind:       kind,
		From:       pm.sessionID,
		Target:     target,
		Group:      group,
		Header:     header.Marshal(),
		Nonce:      nonce,
		Ciphertext: ct,
	}, nil
}

// SendAudio seals an Opus frame under the cached voice key. No ratchet
// advance: media cadence would exhaust the skipped-key window on any loss.
func (pm *PeerManager) SendAudio(target string, opus []byte) (wire.Frame, error) {
	return pm.sealMedia(target, opus, wire.KindAudioFrame)
}

// SendScreen seals a JPEG frame under the cached screen key.
func (pm *PeerManager) SendScreen(target string, jpeg []byte) (wire.Frame, error) {
	return pm.sealMedia(target, jpeg, wire.KindScreenFrame)
}

func (pm *PeerManager) sealMedia(
	target string, payload []byte, kind wire.Kind,
) (wire.Frame, error) {
	peer, ok := pm.Peer(target)
	if !ok {
		return wire.Frame{}, fmt.Errorf("%w: %s", ErrNoSession, sidPrefix(target))
	}

	peer.mu.Lock()
	var key []byte
	var err error
	if kind == wire.KindAudioFrame {
		key, err = peer.ratchet.DeriveVoiceKey()
	} else {
		key, err = peer.ratchet.DeriveScreenKey()
	}
	peer.mu.Unlock()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("deriving media key: %w", err)
	}

	nonce, ct, err := enigma.Seal(key, payload)
	enigma.Zero(key)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("sealing media frame: %w", err)
	}
	return wire.Frame{
		Kind:       kind,
		From:       pm.sessionID,
		Target:     target,
		Nonce:      nonce,
		Ciphertext: ct,
	}, nil
}

// EndCall drops the cached voice key for a peer.
func (pm *PeerManager) EndCall(target string) {
	if peer, ok := pm.Peer(target); ok {
		peer.mu.Lock()
		peer.ratchet.ClearVoiceKey()
		peer.mu.Unlock()
	}
}

// EndScreenShare drops the cached screen key for a peer.
func (pm *PeerManager) EndScreenShare(target string) {
	if peer, ok := pm.Peer(target); ok {
		peer.mu.Lock()
		peer.ratchet.ClearScreenKey()
		peer.mu.Unlock()
	}
}
