// Package wire defines the frames exchanged with the relay and the
// plaintext envelope that rides inside the encrypted ones. Frames use cbor;
// the relay reads only routing fields and treats everything else as opaque.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxFrameSize bounds a single wire frame. Large payloads (files,
// screen captures) are chunked above this layer.
const DefaultMaxFrameSize = 1 << 20

var ErrMalformedFrame = errors.New("malformed wire frame")

// Kind discriminates the wire frame union.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindConnect
	KindKeyExchange
	KindEncrypted
	KindGroupJoin
	KindGroupLeave
	KindGroupEncrypted
	KindAudioFrame
	KindScreenFrame
	KindTyping
	KindReadReceipt
	KindAck
	KindPeerGone
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "Connect"
	case KindKeyExchange:
		return "KeyExchange"
	case KindEncrypted:
		return "Encrypted"
	case KindGroupJoin:
		return "GroupJoin"
	case KindGroupLeave:
		return "GroupLeave"
	case KindGroupEncrypted:
		return "GroupEncrypted"
	case KindAudioFrame:
		return "AudioFrame"
	case KindScreenFrame:
		return "ScreenFrame"
	case KindTyping:
		return "Typing"
	case KindReadReceipt:
		return "ReadReceipt"
	case KindAck:
		return "Ack"
	case KindPeerGone:
		return "PeerGone"
	default:
		return "Invalid"
	}
}

// Frame is the single wire message shape. Which fields are populated depends
// on Kind; unused fields are omitted from the encoding.
type Frame struct {
	Kind       Kind   `cbor:"1,keyasint"`
	From       string `cbor:"2,keyasint,omitempty"`
	Target     string `cbor:"3,keyasint,omitempty"`
	Group      string `cbor:"4,keyasint,omitempty"`
	PublicKey  []byte `cbor:"5,keyasint,omitempty"`
	RatchetKey []byte `cbor:"6,keyasint,omitempty"`
	Header     []byte `cbor:"7,keyasint,omitempty"`
	Nonce      []byte `cbor:"8,keyasint,omitempty"`
	Ciphertext []byte `cbor:"9,keyasint,omitempty"`
	MessageID  string `cbor:"10,keyasint,omitempty"`
}

// Encode serialises a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshalling frame: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame. Unknown kinds decode fine and are dropped by
// whoever routes them.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}
