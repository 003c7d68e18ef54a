package whisper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"

	"github.com/Bentlybro/whisper/internal/enigma"
	"github.com/Bentlybro/whisper/internal/wire"
)

// History is an append-only encrypted message log. Each entry is framed as
// a 4-byte little-endian length, a 12-byte nonce, and the ciphertext.
type History struct {
	path string
	key  []byte
}

func NewHistory(path string, password []byte) *History {
	sum := blake3.Sum256(password)
	return &History{path: path, key: sum[:]}
}

// Append seals one message onto the end of the log.
func (h *History) Append(msg *wire.PlainMessage) error {
	plaintext, err := wire.EncodePlain(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	nonce, ct, err := enigma.Seal(h.key, plaintext)
	if err != nil {
		return fmt.Errorf("sealing message: %w", err)
	}

	entry := make([]byte, 4, 4+len(nonce)+len(ct))
	binary.LittleEndian.PutUint32(entry, uint32(len(nonce)+len(ct)))
	entry = append(entry, nonce...)
	entry = append(entry, ct...)

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(entry); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

// Load replays the log. Corrupt or undecryptable entries are skipped, not
// fatal: a torn tail write must not take the whole history with it.
func (h *History) Load() ([]*wire.PlainMessage, error) {
	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()

	var messages []*wire.PlainMessage
	for {
		var lenBuf [4]byte
		_, err := io.ReadFull(f, lenBuf[:])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		entry := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(f, entry); err != nil {
			break
		}
		if len(entry) <= enigma.NonceSize {
			continue
		}

		plaintext, err := enigma.Open(
			h.key, entry[:enigma.NonceSize], entry[enigma.NonceSize:],
		)
		if err != nil {
			continue
		}
		msg, err := wire.DecodePlain(plaintext)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
