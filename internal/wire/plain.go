package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrMalformedEnvelope = errors.New("malformed plaintext envelope")

// PlainKind discriminates the application payload union carried inside
// encrypted frames.
type PlainKind uint8

const (
	PlainInvalid PlainKind = iota
	PlainText
	PlainSystem
	PlainNickname
	PlainDMOpen
	PlainFileOffer
	PlainFileChunk
	PlainFileResponse
	PlainGroupInvite
	PlainCallRequest
	PlainCallAccept
	PlainCallHangup
	PlainScreenRequest
	PlainScreenAccept
	PlainScreenStop
)

func (k PlainKind) String() string {
	switch k {
	case PlainText:
		return "Text"
	case PlainSystem:
		return "System"
	case PlainNickname:
		return "Nickname"
	case PlainDMOpen:
		return "DMOpen"
	case PlainFileOffer:
		return "FileOffer"
	case PlainFileChunk:
		return "FileChunk"
	case PlainFileResponse:
		return "FileResponse"
	case PlainGroupInvite:
		return "GroupInvite"
	case PlainCallRequest:
		return "CallRequest"
	case PlainCallAccept:
		return "CallAccept"
	case PlainCallHangup:
		return "CallHangup"
	case PlainScreenRequest:
		return "ScreenRequest"
	case PlainScreenAccept:
		return "ScreenAccept"
	case PlainScreenStop:
		return "ScreenStop"
	default:
		return "Invalid"
	}
}

// PlainMessage is the pre-encryption application payload. Common headers are
// always present; the remaining fields depend on Kind.
type PlainMessage struct {
	Kind      PlainKind `msgpack:"kind" cbor:"kind"`
	Sender    string    `msgpack:"sender" cbor:"sender"`
	Timestamp int64     `msgpack:"ts" cbor:"ts"`
	ID        string    `msgpack:"id,omitempty" cbor:"id,omitempty"`
	Group     string    `msgpack:"group,omitempty" cbor:"group,omitempty"`
	Direct    bool      `msgpack:"direct,omitempty" cbor:"direct,omitempty"`

	// Text, System, Nickname, DMOpen.
	Content string `msgpack:"content,omitempty" cbor:"content,omitempty"`

	// File transfer.
	FileID      string `msgpack:"file_id,omitempty" cbor:"file_id,omitempty"`
	FileName    string `msgpack:"file_name,omitempty" cbor:"file_name,omitempty"`
	FileSize    uint64 `msgpack:"file_size,omitempty" cbor:"file_size,omitempty"`
	ChunkIndex  uint32 `msgpack:"chunk,omitempty" cbor:"chunk,omitempty"`
	TotalChunks uint32 `msgpack:"chunks,omitempty" cbor:"chunks,omitempty"`
	Data        []byte `msgpack:"data,omitempty" cbor:"data,omitempty"`
	Accept      bool   `msgpack:"accept,omitempty" cbor:"accept,omitempty"`

	// Group invites.
	GroupName string   `msgpack:"group_name,omitempty" cbor:"group_name,omitempty"`
	Members   []string `msgpack:"members,omitempty" cbor:"members,omitempty"`
}

// EncodePlain serialises the envelope with msgpack, the canonical codec.
func EncodePlain(m *PlainMessage) ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}
	return data, nil
}

// DecodePlain parses an envelope. Records written by earlier releases used
// cbor, so decoding falls back to it for one release cycle.
func DecodePlain(data []byte) (*PlainMessage, error) {
	var m PlainMessage
	if err := msgpack.Unmarshal(data, &m); err == nil && m.Kind != PlainInvalid {
		return &m, nil
	}
	m = PlainMessage{}
	if err := cbor.Unmarshal(data, &m); err != nil || m.Kind == PlainInvalid {
		return nil, ErrMalformedEnvelope
	}
	return &m, nil
}
