package whisper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bentlybro/whisper/internal/wire"
)

func newManager(t *testing.T, sid string) *PeerManager {
	t.Helper()
	id, err := NewIdentity()
	require.NoError(t, err)
	return NewPeerManager(sid, id)
}

// bootstrap runs the symmetric key-exchange dance between two managers:
// announce, reply, and the discarded duplicate that carries the DH key.
func bootstrap(t *testing.T, a, b *PeerManager) {
	t.Helper()

	// a's announce reaches b: b creates its ratchet, replies, and raises a
	// join notice alongside the peer event.
	events, replies := b.Ingest(a.AnnounceFrame())
	require.Len(t, events, 2)
	require.Equal(t, EventPeerJoined, events[0].Kind)
	require.Equal(t, EventMessage, events[1].Kind)
	require.Equal(t, wire.PlainSystem, events[1].Message.Kind)
	require.Len(t, replies, 1)

	// b's reply reaches a: a creates its ratchet and replies in turn.
	events, replies2 := a.Ingest(replies[0])
	require.Len(t, events, 2)
	require.Equal(t, EventPeerJoined, events[0].Kind)
	require.Len(t, replies2, 1)

	// a's reply reaches b: duplicate, ratchet untouched, DH key adopted.
	events, replies3 := b.Ingest(replies2[0])
	require.Empty(t, events)
	require.Empty(t, replies3)
}

func TestBootstrapCreatesOneRatchetPerPair(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")

	bootstrap(t, alice, bob)

	a.Len(alice.Peers(), 1)
	a.Len(bob.Peers(), 1)

	peer, ok := alice.Peer("bbbb")
	require.True(t, ok)
	a.Equal(bob.identity.PublicKey(), peer.IdentityKey)
}

func TestDirectMessageRoundTrip(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	msg := alice.NewPlainMessage(wire.PlainText)
	msg.Content = "hello bob"
	frame, err := alice.SendDirect("bbbb", msg)
	require.NoError(t, err)
	a.Equal(wire.KindEncrypted, frame.Kind)
	a.Equal("bbbb", frame.Target)

	events, _ := bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal(EventMessage, events[0].Kind)
	a.Equal("hello bob", events[0].Message.Content)
	a.True(events[0].Message.Direct)
	a.Equal("aaaa", events[0].Message.Sender)
}

func TestConversationBothWays(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	for i := range 5 {
		msg := alice.NewPlainMessage(wire.PlainText)
		msg.Content = "from alice"
		frame, err := alice.SendDirect("bbbb", msg)
		require.NoError(t, err, "round %d", i)
		events, _ := bob.Ingest(frame)
		require.Len(t, events, 1)
		a.Equal("from alice", events[0].Message.Content)

		reply := bob.NewPlainMessage(wire.PlainText)
		reply.Content = "from bob"
		frame, err = bob.SendDirect("aaaa", reply)
		require.NoError(t, err, "round %d", i)
		events, _ = alice.Ingest(frame)
		require.Len(t, events, 1)
		a.Equal("from bob", events[0].Message.Content)
	}
}

func TestDuplicateKeyExchangeDiscarded(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	// A replayed announce must not replace the ratchet.
	events, replies := bob.Ingest(alice.AnnounceFrame())
	a.Empty(events)
	a.Empty(replies)

	// The pair still converses, which it could not if the ratchet had been
	// rebuilt on one side.
	msg := alice.NewPlainMessage(wire.PlainText)
	msg.Content = "still works"
	frame, err := alice.SendDirect("bbbb", msg)
	require.NoError(t, err)
	events, _ = bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal("still works", events[0].Message.Content)
}

func TestKeyExchangeIdentityChangeRefused(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	// Someone replays alice's session id with a different identity key.
	imposter, err := NewIdentity()
	require.NoError(t, err)
	events, replies := bob.Ingest(wire.Frame{
		Kind:      wire.KindKeyExchange,
		From:      "aaaa",
		PublicKey: imposter.PublicKey(),
	})
	require.Len(t, events, 1)
	a.Equal(EventStatus, events[0].Kind)
	a.Contains(events[0].Status, "identity key changed")
	a.Empty(replies)

	// The original pair is unharmed.
	msg := alice.NewPlainMessage(wire.PlainText)
	msg.Content = "still me"
	frame, err := alice.SendDirect("bbbb", msg)
	require.NoError(t, err)
	events, _ = bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal("still me", events[0].Message.Content)
}

func TestPeerGoneRaisesLeaveNotice(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	events, replies := bob.Ingest(wire.Frame{
		Kind: wire.KindPeerGone, From: "aaaa",
	})
	require.Len(t, events, 2)
	a.Equal(EventPeerLeft, events[0].Kind)
	a.Equal("aaaa", events[0].Peer)
	a.Equal(EventMessage, events[1].Kind)
	a.Equal(wire.PlainSystem, events[1].Message.Kind)
	a.Contains(events[1].Message.Content, "has left")
	a.Empty(replies)

	// The record and ratchet survive for resumption: the pair still talks.
	msg := alice.NewPlainMessage(wire.PlainText)
	msg.Content = "back again"
	frame, err := alice.SendDirect("bbbb", msg)
	require.NoError(t, err)
	events, _ = bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal("back again", events[0].Message.Content)

	// A notice about a stranger is noise, not an event.
	events, _ = bob.Ingest(wire.Frame{Kind: wire.KindPeerGone, From: "zzzz"})
	a.Empty(events)
}

func TestUnknownPeerEncryptedFrameDropped(t *testing.T) {
	bob := newManager(t, "bbbb")

	events, replies := bob.Ingest(wire.Frame{
		Kind:       wire.KindEncrypted,
		From:       "stranger",
		Target:     "bbbb",
		Header:     make([]byte, 40),
		Nonce:      make([]byte, 12),
		Ciphertext: []byte("junk"),
	})
	assert.Empty(t, events)
	assert.Empty(t, replies)
}

func TestSendToStrangerFails(t *testing.T) {
	alice := newManager(t, "aaaa")
	msg := alice.NewPlainMessage(wire.PlainText)
	_, err := alice.SendDirect("nobody", msg)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCorruptCiphertextSurfacesUndecryptable(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	msg := alice.NewPlainMessage(wire.PlainText)
	msg.Content = "garble me"
	frame, err := alice.SendDirect("bbbb", msg)
	require.NoError(t, err)

	frame.Ciphertext = append([]byte(nil), frame.Ciphertext...)
	frame.Ciphertext[0] ^= 0xff
	events, _ := bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal(EventUndecryptable, events[0].Kind)
	a.Error(events[0].Err)

	// Bad header length is the same class of failure.
	frame.Header = frame.Header[:10]
	events, _ = bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal(EventUndecryptable, events[0].Kind)
}

func TestNicknameUpdatesPeerRecord(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	msg := alice.NewPlainMessage(wire.PlainNickname)
	msg.Content = "alice the brave"
	frame, err := alice.SendDirect("bbbb", msg)
	require.NoError(t, err)

	events, _ := bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal(EventNickname, events[0].Kind)
	a.Equal("alice the brave", events[0].Nickname)

	peer, ok := bob.Peer("aaaa")
	require.True(t, ok)
	a.Equal("alice the brave", peer.Nickname())
}

func TestGroupFanOut(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	carol := newManager(t, "cccc")
	bootstrap(t, alice, bob)
	bootstrap(t, alice, carol)

	msg := alice.NewPlainMessage(wire.PlainText)
	msg.Content = "hi group"
	frames, err := alice.SendGroup("g-1", []string{"aaaa", "bbbb", "cccc"}, msg)
	require.NoError(t, err)

	// One pairwise frame per member, never one for the sender.
	require.Len(t, frames, 2)
	for _, f := range frames {
		a.Equal(wire.KindGroupEncrypted, f.Kind)
		a.Equal("g-1", f.Group)
	}

	for i, pm := range []*PeerManager{bob, carol} {
		events, _ := pm.Ingest(frames[i])
		require.Len(t, events, 1)
		a.Equal("hi group", events[0].Message.Content)
		a.Equal("g-1", events[0].Message.Group)
	}
}

func TestGlobalFanOut(t *testing.T) {
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	carol := newManager(t, "cccc")
	bootstrap(t, alice, bob)
	bootstrap(t, alice, carol)

	msg := alice.NewPlainMessage(wire.PlainText)
	msg.Content = "to everyone"
	frames, err := alice.SendGlobal(msg)
	require.NoError(t, err)
	assert.Len(t, frames, 2)
}

func TestAudioRoundTrip(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	opus := []byte{0x4f, 0x70, 0x75, 0x73, 0x21}
	frame, err := alice.SendAudio("bbbb", opus)
	require.NoError(t, err)
	a.Equal(wire.KindAudioFrame, frame.Kind)
	a.Empty(frame.Header) // no ratchet header on the media plane

	events, _ := bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal(EventAudio, events[0].Kind)
	a.Equal(opus, events[0].Opus)
}

func TestScreenRoundTrip(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0}
	frame, err := alice.SendScreen("bbbb", jpeg)
	require.NoError(t, err)

	events, _ := bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal(EventScreen, events[0].Kind)
	a.Equal(jpeg, events[0].JPEG)
}

func TestVoiceKeySurvivesRatchetAdvance(t *testing.T) {
	a := assert.New(t)
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	// Advance the text ratchets a few turns first.
	for range 3 {
		msg := alice.NewPlainMessage(wire.PlainText)
		msg.Content = "advance"
		frame, err := alice.SendDirect("bbbb", msg)
		require.NoError(t, err)
		bob.Ingest(frame)

		reply := bob.NewPlainMessage(wire.PlainText)
		reply.Content = "ack"
		frame, err = bob.SendDirect("aaaa", reply)
		require.NoError(t, err)
		alice.Ingest(frame)
	}

	frame, err := alice.SendAudio("bbbb", []byte("late join audio"))
	require.NoError(t, err)
	events, _ := bob.Ingest(frame)
	require.Len(t, events, 1)
	a.Equal([]byte("late join audio"), events[0].Opus)
}

func TestSignalFramesSurfaceEvents(t *testing.T) {
	a := assert.New(t)
	bob := newManager(t, "bbbb")

	events, _ := bob.Ingest(wire.Frame{Kind: wire.KindTyping, From: "aaaa"})
	require.Len(t, events, 1)
	a.Equal(EventTyping, events[0].Kind)
	a.Equal("aaaa", events[0].Peer)

	events, _ = bob.Ingest(wire.Frame{
		Kind: wire.KindReadReceipt, From: "aaaa", MessageID: "m-7",
	})
	require.Len(t, events, 1)
	a.Equal(EventReadReceipt, events[0].Kind)
	a.Equal("m-7", events[0].MessageID)
}

func TestForgetZeroisesAndDrops(t *testing.T) {
	alice := newManager(t, "aaaa")
	bob := newManager(t, "bbbb")
	bootstrap(t, alice, bob)

	alice.Forget("bbbb")
	_, ok := alice.Peer("bbbb")
	assert.False(t, ok)

	msg := alice.NewPlainMessage(wire.PlainText)
	_, err := alice.SendDirect("bbbb", msg)
	assert.ErrorIs(t, err, ErrNoSession)
}
