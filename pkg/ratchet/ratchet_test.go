package ratchet

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sharedSecret(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, keySize)
}

// newPair creates two bootstrapped sessions that have exchanged their
// initial DH public keys, the way the key-exchange frames deliver them.
func newPair(t *testing.T) (alice, bob *Session) {
	t.Helper()
	alice, err := Init(sharedSecret(42), true)
	require.NoError(t, err)
	bob, err = Init(sharedSecret(42), false)
	require.NoError(t, err)

	alice.SetRemoteDH(bob.PublicKey())
	bob.SetRemoteDH(alice.PublicKey())
	return alice, bob
}

func roundTrip(t *testing.T, from, to *Session, msg string) {
	t.Helper()
	header, nonce, ct, err := from.Encrypt([]byte(msg))
	require.NoError(t, err)
	pt, err := to.Decrypt(header, nonce, ct)
	require.NoError(t, err)
	require.Equal(t, []byte(msg), pt)
}

func TestInitRejectsShortSecret(t *testing.T) {
	_, err := Init([]byte("short"), true)
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestRolesGetMirroredChains(t *testing.T) {
	a := assert.New(t)
	alice, err := Init(sharedSecret(7), true)
	require.NoError(t, err)
	bob, err := Init(sharedSecret(7), false)
	require.NoError(t, err)

	a.Equal(alice.sendCK, bob.recvCK)
	a.Equal(alice.recvCK, bob.sendCK)
	a.NotEqual(alice.sendCK, alice.recvCK)
	a.Equal(alice.rootKey, bob.rootKey)
	a.Equal(alice.mediaBaseKey, bob.mediaBaseKey)
}

func TestBasicExchange(t *testing.T) {
	alice, bob := newPair(t)

	roundTrip(t, alice, bob, "hello from alice")
	roundTrip(t, bob, alice, "hello from bob")
}

func TestBobSendsFirstThenAliceReplies(t *testing.T) {
	alice, bob := newPair(t)

	// Bob sends before Alice has ever ratcheted.
	roundTrip(t, bob, alice, "hey")

	// Alice's reply is her first send and triggers her initial DH step;
	// Bob must detect the key change and follow.
	roundTrip(t, alice, bob, "hey back")
	roundTrip(t, bob, alice, "how are you?")
}

func TestTenRoundBursts(t *testing.T) {
	alice, bob := newPair(t)

	for i := range 10 {
		roundTrip(t, alice, bob, fmt.Sprintf("alice msg %d", i))
	}
	for i := range 10 {
		roundTrip(t, bob, alice, fmt.Sprintf("bob msg %d", i))
	}
}

func TestPingPongRotatesDHKeys(t *testing.T) {
	a := assert.New(t)
	alice, bob := newPair(t)

	h1, n, ct, err := alice.Encrypt([]byte("a1"))
	require.NoError(t, err)
	pt, err := bob.Decrypt(h1, n, ct)
	require.NoError(t, err)
	a.Equal([]byte("a1"), pt)

	hb1, n, ct, err := bob.Encrypt([]byte("b1"))
	require.NoError(t, err)
	pt, err = alice.Decrypt(hb1, n, ct)
	require.NoError(t, err)
	a.Equal([]byte("b1"), pt)

	h2, n, ct, err := alice.Encrypt([]byte("a2"))
	require.NoError(t, err)
	pt, err = bob.Decrypt(h2, n, ct)
	require.NoError(t, err)
	a.Equal([]byte("a2"), pt)

	hb2, n, ct, err := bob.Encrypt([]byte("b2"))
	require.NoError(t, err)
	pt, err = alice.Decrypt(hb2, n, ct)
	require.NoError(t, err)
	a.Equal([]byte("b2"), pt)

	// Every turn carried a fresh self DH.
	a.NotEqual(h1.DHPublic, h2.DHPublic)
	a.NotEqual(hb1.DHPublic, hb2.DHPublic)
}

func TestNoDHExchangeFallback(t *testing.T) {
	// Neither side ever learns the peer's DH key out of band. Alice sends
	// first, so her initial ratchet never triggers and the symmetric chains
	// carry the conversation.
	alice, err := Init(sharedSecret(42), true)
	require.NoError(t, err)
	bob, err := Init(sharedSecret(42), false)
	require.NoError(t, err)

	roundTrip(t, alice, bob, "alice first")
	roundTrip(t, bob, alice, "bob reply")
}

func TestOutOfOrderWithinChain(t *testing.T) {
	a := assert.New(t)
	alice, bob := newPair(t)

	type sent struct {
		header Header
		nonce  []byte
		ct     []byte
	}
	var msgs []sent
	for i := range 3 {
		h, n, ct, err := alice.Encrypt(fmt.Appendf(nil, "msg %d", i))
		require.NoError(t, err)
		msgs = append(msgs, sent{h, n, ct})
	}

	// Deliver the last message first; the two before it park in the cache.
	pt, err := bob.Decrypt(msgs[2].header, msgs[2].nonce, msgs[2].ct)
	a.NoError(err)
	a.Equal([]byte("msg 2"), pt)
	a.Equal(2, bob.SkippedCount())

	pt, err = bob.Decrypt(msgs[0].header, msgs[0].nonce, msgs[0].ct)
	a.NoError(err)
	a.Equal([]byte("msg 0"), pt)

	pt, err = bob.Decrypt(msgs[1].header, msgs[1].nonce, msgs[1].ct)
	a.NoError(err)
	a.Equal([]byte("msg 1"), pt)
	a.Zero(bob.SkippedCount())
}

func TestExcessiveSkipDoesNotMutateState(t *testing.T) {
	a := assert.New(t)
	alice, bob := newPair(t)

	roundTrip(t, alice, bob, "settle the chain")

	// A header demanding a gap beyond MaxSkip in the current chain.
	forged := Header{
		DHPublic: *bob.remoteDH,
		MsgNum:   bob.recvMsgNum + MaxSkip + 51,
	}
	junk := make([]byte, 32)
	_, _ = rand.Read(junk)
	_, err := bob.Decrypt(forged, junk[:12], junk)
	a.ErrorIs(err, ErrExcessiveSkip)
	a.Zero(bob.SkippedCount())
	a.Equal(uint32(1), bob.Received())

	// The session keeps working.
	roundTrip(t, alice, bob, "still in sync")
}

func TestAEADFailureDoesNotMutateCounters(t *testing.T) {
	a := assert.New(t)
	alice, bob := newPair(t)

	header, nonce, ct, err := alice.Encrypt([]byte("genuine"))
	require.NoError(t, err)

	garbage := make([]byte, len(ct))
	_, _ = rand.Read(garbage)
	_, err = bob.Decrypt(header, nonce, garbage)
	a.ErrorIs(err, ErrDecryptFailed)
	a.Zero(bob.Received())

	// The untouched chain still decrypts the genuine ciphertext.
	pt, err := bob.Decrypt(header, nonce, ct)
	a.NoError(err)
	a.Equal([]byte("genuine"), pt)
	a.Equal(uint32(1), bob.Received())
}

func TestSkippedCacheBounded(t *testing.T) {
	a := assert.New(t)
	alice, bob := newPair(t)

	type sent struct {
		header Header
		nonce  []byte
		ct     []byte
	}
	var msgs []sent
	for i := range 152 {
		h, n, ct, err := alice.Encrypt(fmt.Appendf(nil, "burst %d", i))
		require.NoError(t, err)
		msgs = append(msgs, sent{h, n, ct})
	}

	// Delivering message 100 caches keys 0..99: exactly at capacity.
	pt, err := bob.Decrypt(msgs[100].header, msgs[100].nonce, msgs[100].ct)
	require.NoError(t, err)
	a.Equal([]byte("burst 100"), pt)
	a.Equal(MaxSkip, bob.SkippedCount())

	// Delivering message 151 skips 101..150 and evicts the oldest fifty.
	pt, err = bob.Decrypt(msgs[151].header, msgs[151].nonce, msgs[151].ct)
	require.NoError(t, err)
	a.Equal([]byte("burst 151"), pt)
	a.Equal(MaxSkip, bob.SkippedCount())

	// Keys 0..49 were evicted for good; later ones are still cached.
	_, err = bob.Decrypt(msgs[5].header, msgs[5].nonce, msgs[5].ct)
	a.Error(err)

	pt, err = bob.Decrypt(msgs[75].header, msgs[75].nonce, msgs[75].ct)
	a.NoError(err)
	a.Equal([]byte("burst 75"), pt)
}

func TestMediaKeyAgreement(t *testing.T) {
	a := assert.New(t)
	alice, bob := newPair(t)

	// Advance the ratchets far apart before deriving.
	roundTrip(t, alice, bob, "one")
	roundTrip(t, bob, alice, "two")
	roundTrip(t, alice, bob, "three")

	aliceVoice, err := alice.DeriveVoiceKey()
	require.NoError(t, err)
	bobVoice, err := bob.DeriveVoiceKey()
	require.NoError(t, err)
	a.Equal(aliceVoice, bobVoice)
	a.Len(aliceVoice, keySize)

	aliceScreen, err := alice.DeriveScreenKey()
	require.NoError(t, err)
	bobScreen, err := bob.DeriveScreenKey()
	require.NoError(t, err)
	a.Equal(aliceScreen, bobScreen)
	a.NotEqual(aliceVoice, aliceScreen)
}

func TestMediaKeyCaching(t *testing.T) {
	a := assert.New(t)
	alice, _ := newPair(t)

	first, err := alice.DeriveVoiceKey()
	require.NoError(t, err)
	for range 5 {
		again, err := alice.DeriveVoiceKey()
		require.NoError(t, err)
		a.Equal(first, again)
	}

	// Clearing drops the cache; re-deriving lands on the same key because
	// the media base never rotates.
	alice.ClearVoiceKey()
	again, err := alice.DeriveVoiceKey()
	require.NoError(t, err)
	a.Equal(first, again)
}

func TestHeaderRoundTrip(t *testing.T) {
	a := assert.New(t)
	var pub [keySize]byte
	_, _ = rand.Read(pub[:])
	h := Header{DHPublic: pub, PrevChainLen: 7, MsgNum: 12345}

	b := h.Marshal()
	a.Len(b, HeaderSize)
	got, err := ParseHeader(b)
	a.NoError(err)
	a.Equal(h, got)

	_, err = ParseHeader(b[:HeaderSize-1])
	a.ErrorIs(err, ErrInvalidHeader)
	_, err = ParseHeader(append(b, 0))
	a.ErrorIs(err, ErrInvalidHeader)
}

func TestZeroizeClearsKeyMaterial(t *testing.T) {
	a := assert.New(t)
	alice, bob := newPair(t)
	roundTrip(t, alice, bob, "before teardown")
	_, err := alice.DeriveVoiceKey()
	require.NoError(t, err)

	alice.Zeroize()
	a.Equal(make([]byte, keySize), alice.rootKey)
	a.Equal(make([]byte, keySize), alice.sendCK)
	a.Nil(alice.skipped)
}
