package ratchet

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed wire size of a ratchet header: the sender's DH
// public key, the previous sending-chain length, and the message number.
const HeaderSize = keySize + 4 + 4

var ErrInvalidHeader = errors.New("invalid ratchet header")

// Header travels with every ratcheted ciphertext. Receivers use it to detect
// DH key rotation and to skip ahead over lost or reordered messages.
type Header struct {
	DHPublic     [keySize]byte
	PrevChainLen uint32
	MsgNum       uint32
}

// Marshal encodes the header into its fixed 40-byte wire form.
func (h Header) Marshal() []byte {
	out := make([]byte, HeaderSize)
	copy(out, h.DHPublic[:])
	binary.BigEndian.PutUint32(out[keySize:], h.PrevChainLen)
	binary.BigEndian.PutUint32(out[keySize+4:], h.MsgNum)
	return out
}

// ParseHeader decodes a fixed 40-byte wire header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, ErrInvalidHeader
	}
	var h Header
	copy(h.DHPublic[:], b[:keySize])
	h.PrevChainLen = binary.BigEndian.Uint32(b[keySize:])
	h.MsgNum = binary.BigEndian.Uint32(b[keySize+4:])
	return h, nil
}
