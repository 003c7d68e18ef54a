// Package ratchet implements the Double Ratchet state machine used for each
// pairwise peer link: per-message symmetric chains, DH ratchet steps on key
// change, bounded out-of-order tolerance, and a stable media base key for
// the low-latency voice and screen paths.
//
// A Session is a pure synchronous state machine with no internal locking;
// the owner serialises access.
package ratchet

import (
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/Bentlybro/whisper/internal/enigma"
	"github.com/Bentlybro/whisper/pkg/exchange"
)

// MaxSkip bounds both the number of message keys derived for a single gap
// and the total size of the skipped-key cache.
const MaxSkip = 100

const keySize = 32

// HKDF domain-separation labels. The shared secret is expanded once at init
// into four independent keys; the root KDF re-labels on every DH step.
const (
	infoRoot      = "whisper-ratchet-root"
	infoChainA    = "whisper-chain-a"
	infoChainB    = "whisper-chain-b"
	infoMediaBase = "whisper-media-base"
	infoVoiceKey  = "whisper-voice-key"
	infoScreenKey = "whisper-screen-key"

	infoStepRoot  = "whisper-root"
	infoStepChain = "whisper-chain"
)

var (
	ErrInvalidSecret = errors.New("shared secret must be 32 bytes")
	ErrNoRemoteDH    = errors.New("remote DH public key is not set")
	ErrExcessiveSkip = errors.New("too many skipped messages")
	ErrDecryptFailed = errors.New("message decryption failed")
)

type skippedKey struct {
	dhPublic [keySize]byte
	msgNum   uint32
	key      []byte
}

// Session is the Double Ratchet state for one peer pair.
type Session struct {
	rootKey  []byte
	dh       *exchange.KeyPair
	remoteDH *[keySize]byte

	sendCK     []byte
	sendMsgNum uint32
	recvCK     []byte
	recvMsgNum uint32

	prevChainLen uint32

	// Insertion-ordered so eviction is deterministic: oldest first.
	skipped []skippedKey

	isInitiator        bool
	initialRatchetDone bool

	// Derived once from the shared secret and never rotated, so both sides
	// agree on media keys regardless of how far their ratchets diverge.
	mediaBaseKey []byte
	voiceKey     []byte
	screenKey    []byte
}

// Init creates a session from the initial shared secret. The initiator (the
// side with the lexicographically smaller session id) takes chain A as its
// sending chain; the responder takes chain B. Both sides bootstrap without
// an extra round-trip.
func Init(sharedSecret []byte, initiator bool) (*Session, error) {
	if len(sharedSecret) != keySize {
		return nil, ErrInvalidSecret
	}
	dh, err := exchange.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating dh keypair: %w", err)
	}

	rootKey, err := enigma.Derive(sharedSecret, nil, []byte(infoRoot), keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving root key: %w", err)
	}
	chainA, err := enigma.Derive(sharedSecret, nil, []byte(infoChainA), keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving chain a: %w", err)
	}
	chainB, err := enigma.Derive(sharedSecret, nil, []byte(infoChainB), keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving chain b: %w", err)
	}
	mediaBase, err := enigma.Derive(
		sharedSecret, nil, []byte(infoMediaBase), keySize,
	)
	if err != nil {
		return nil, fmt.Errorf("deriving media base key: %w", err)
	}

	s := &Session{
		rootKey:      rootKey,
		dh:           dh,
		isInitiator:  initiator,
		mediaBaseKey: mediaBase,
	}
	if initiator {
		s.sendCK, s.recvCK = chainA, chainB
	} else {
		s.sendCK, s.recvCK = chainB, chainA
	}
	return s, nil
}

// PublicKey returns the current self DH ratchet public key.
func (s *Session) PublicKey() [keySize]byte {
	return s.dh.Public()
}

// SetRemoteDH installs the peer's initial DH public key, learned from the
// key-exchange frame. Only the first call has any effect; later changes are
// observed through message headers.
func (s *Session) SetRemoteDH(pub [keySize]byte) {
	if s.remoteDH == nil {
		remote := pub
		s.remoteDH = &remote
	}
}

// Encrypt advances the sending chain by one message and returns the ratchet
// header, the AEAD nonce, and the ciphertext.
func (s *Session) Encrypt(plaintext []byte) (Header, []byte, []byte, error) {
	// The initiator performs its first DH step lazily, once the peer's DH
	// public is known. This keeps the responder-sends-first order working.
	if s.isInitiator && s.remoteDH != nil && !s.initialRatchetDone {
		if err := s.ratchetSend(); err != nil {
			return Header{}, nil, nil, err
		}
		s.initialRatchetDone = true
	}

	nextCK, msgKey := kdfChain(s.sendCK)
	header := Header{
		DHPublic:     s.dh.Public(),
		PrevChainLen: s.prevChainLen,
		MsgNum:       s.sendMsgNum,
	}
	nonce, ct, err := enigma.Seal(msgKey, plaintext)
	enigma.Zero(msgKey)
	if err != nil {
		enigma.Zero(nextCK)
		return Header{}, nil, nil, fmt.Errorf("sealing message: %w", err)
	}

	enigma.Zero(s.sendCK)
	s.sendCK = nextCK
	s.sendMsgNum++
	return header, nonce, ct, nil
}

// Decrypt recovers a plaintext from a ratchet header, nonce and ciphertext.
// All failures leave the session usable: the same-chain path commits no
// chain or counter mutation unless the AEAD opens.
func (s *Session) Decrypt(header Header, nonce, ciphertext []byte) ([]byte, error) {
	if pt, ok, err := s.trySkipped(header, nonce, ciphertext); ok {
		return pt, err
	}

	switch {
	case s.remoteDH == nil:
		// First message after bootstrap: adopt their key, no DH step.
		remote := header.DHPublic
		s.remoteDH = &remote
	case *s.remoteDH != header.DHPublic:
		// The peer rotated its DH key: close out their previous chain,
		// step the receive side, then refresh our own keypair.
		if err := s.skipMessageKeys(header.PrevChainLen); err != nil {
			return nil, err
		}
		if err := s.ratchetRecv(header.DHPublic); err != nil {
			return nil, err
		}
	}

	if err := s.skipMessageKeys(header.MsgNum); err != nil {
		return nil, err
	}

	nextCK, msgKey := kdfChain(s.recvCK)
	plaintext, err := enigma.Open(msgKey, nonce, ciphertext)
	enigma.Zero(msgKey)
	if err != nil {
		enigma.Zero(nextCK)
		return nil, ErrDecryptFailed
	}

	enigma.Zero(s.recvCK)
	s.recvCK = nextCK
	s.recvMsgNum++
	return plaintext, nil
}

// trySkipped attempts decryption with a cached out-of-order message key.
// The entry is consumed only when the AEAD opens.
func (s *Session) trySkipped(header Header, nonce, ciphertext []byte) ([]byte, bool, error) {
	for i, sk := range s.skipped {
		if sk.dhPublic != header.DHPublic || sk.msgNum != header.MsgNum {
			continue
		}
		plaintext, err := enigma.Open(sk.key, nonce, ciphertext)
		if err != nil {
			return nil, true, ErrDecryptFailed
		}
		enigma.Zero(sk.key)
		s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
		return plaintext, true, nil
	}
	return nil, false, nil
}

// skipMessageKeys derives and caches message keys for gaps in the current
// receiving chain, up to (but not including) message number until.
func (s *Session) skipMessageKeys(until uint32) error {
	if until <= s.recvMsgNum {
		return nil
	}
	if until-s.recvMsgNum > MaxSkip {
		return fmt.Errorf(
			"%w: %d > %d", ErrExcessiveSkip, until-s.recvMsgNum, MaxSkip,
		)
	}
	if s.recvCK == nil || s.remoteDH == nil {
		return nil
	}

	for s.recvMsgNum < until {
		nextCK, msgKey := kdfChain(s.recvCK)
		s.skipped = append(s.skipped, skippedKey{
			dhPublic: *s.remoteDH,
			msgNum:   s.recvMsgNum,
			key:      msgKey,
		})
		if len(s.skipped) > MaxSkip {
			enigma.Zero(s.skipped[0].key)
			s.skipped = s.skipped[1:]
		}
		enigma.Zero(s.recvCK)
		s.recvCK = nextCK
		s.recvMsgNum++
	}
	return nil
}

// ratchetSend performs a DH ratchet step on the sending side: a fresh
// ephemeral keypair, a new root, and a new sending chain.
func (s *Session) ratchetSend() error {
	if s.remoteDH == nil {
		return ErrNoRemoteDH
	}

	s.prevChainLen = s.sendMsgNum
	s.sendMsgNum = 0

	newDH, err := exchange.NewKeyPair()
	if err != nil {
		return fmt.Errorf("generating dh keypair: %w", err)
	}
	shared, err := newDH.Shared(s.remoteDH[:])
	if err != nil {
		return fmt.Errorf("dh exchange: %w", err)
	}

	newRoot, newChain, err := kdfRoot(s.rootKey, shared)
	enigma.Zero(shared)
	if err != nil {
		return err
	}

	enigma.Zero(s.rootKey)
	enigma.Zero(s.sendCK)
	s.rootKey = newRoot
	s.sendCK = newChain
	s.dh.Zeroize()
	s.dh = newDH
	return nil
}

// ratchetRecv performs a DH ratchet step on the receiving side using the
// peer's new public key, then immediately steps the sending side so our
// next outbound message carries a fresh self DH.
func (s *Session) ratchetRecv(newRemote [keySize]byte) error {
	remote := newRemote
	s.remoteDH = &remote

	shared, err := s.dh.Shared(newRemote[:])
	if err != nil {
		return fmt.Errorf("dh exchange: %w", err)
	}
	newRoot, newChain, err := kdfRoot(s.rootKey, shared)
	enigma.Zero(shared)
	if err != nil {
		return err
	}

	enigma.Zero(s.rootKey)
	enigma.Zero(s.recvCK)
	s.rootKey = newRoot
	s.recvCK = newChain
	s.recvMsgNum = 0

	return s.ratchetSend()
}

// DeriveVoiceKey returns the session's voice key, deriving and caching it on
// first use. It reads from the media base key, not the live root key, so both
// peers agree on it at any point in the ratchet's history.
func (s *Session) DeriveVoiceKey() ([]byte, error) {
	if s.voiceKey != nil {
		return append([]byte(nil), s.voiceKey...), nil
	}
	vk, err := enigma.Derive(s.mediaBaseKey, nil, []byte(infoVoiceKey), keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving voice key: %w", err)
	}
	s.voiceKey = vk
	return append([]byte(nil), vk...), nil
}

// DeriveScreenKey returns the session's screen-share key, deriving and
// caching it on first use.
func (s *Session) DeriveScreenKey() ([]byte, error) {
	if s.screenKey != nil {
		return append([]byte(nil), s.screenKey...), nil
	}
	sk, err := enigma.Derive(s.mediaBaseKey, nil, []byte(infoScreenKey), keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving screen key: %w", err)
	}
	s.screenKey = sk
	return append([]byte(nil), sk...), nil
}

// ClearVoiceKey drops the cached voice key. Call when a call ends.
func (s *Session) ClearVoiceKey() {
	enigma.Zero(s.voiceKey)
	s.voiceKey = nil
}

// ClearScreenKey drops the cached screen-share key.
func (s *Session) ClearScreenKey() {
	enigma.Zero(s.screenKey)
	s.screenKey = nil
}

// Sent returns the current sending-chain message counter.
func (s *Session) Sent() uint32 { return s.sendMsgNum }

// Received returns the current receiving-chain message counter.
func (s *Session) Received() uint32 { return s.recvMsgNum }

// SkippedCount reports the size of the skipped-key cache.
func (s *Session) SkippedCount() int { return len(s.skipped) }

// Zeroize wipes every piece of key material held by the session.
func (s *Session) Zeroize() {
	enigma.Zero(s.rootKey)
	enigma.Zero(s.sendCK)
	enigma.Zero(s.recvCK)
	enigma.Zero(s.mediaBaseKey)
	enigma.Zero(s.voiceKey)
	enigma.Zero(s.screenKey)
	for i := range s.skipped {
		enigma.Zero(s.skipped[i].key)
	}
	s.skipped = nil
	s.dh.Zeroize()
}

// kdfRoot mixes the current root key with a DH output to produce the next
// root and a fresh chain key. HKDF-SHA256 with the root as salt.
func kdfRoot(rootKey, dhOutput []byte) (newRoot, chainKey []byte, err error) {
	newRoot, err = enigma.Derive(
		dhOutput, rootKey, []byte(infoStepRoot), keySize,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving new root: %w", err)
	}
	chainKey, err = enigma.Derive(
		dhOutput, rootKey, []byte(infoStepChain), keySize,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving chain key: %w", err)
	}
	return newRoot, chainKey, nil
}

// kdfChain splits a chain key into the next chain key and a one-time message
// key. Keyed BLAKE3 with distinct contexts: this is the per-message hot path,
// conservatism is supplied by the DH ratchet at chain boundaries.
func kdfChain(chainKey []byte) (nextCK, msgKey []byte) {
	h := blake3.New(keySize, chainKey)
	h.Write([]byte("chain"))
	nextCK = h.Sum(nil)

	h = blake3.New(keySize, chainKey)
	h.Write([]byte("message"))
	msgKey = h.Sum(nil)
	return nextCK, msgKey
}
