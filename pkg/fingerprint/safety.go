// Package fingerprint renders human-comparable fingerprints of identity
// keys. Both peers derive the same safety number from the two public keys,
// so an out-of-band comparison rules out a man-in-the-middle.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

const domainSeparator = "WHISPER-SAFETY-NUMBER-v1"

// SafetyNumber is a digest over both peers' identity public keys, displayable
// in several formats.
type SafetyNumber struct {
	hash [sha256.Size]byte
}

// Compute derives the safety number for a peer pair. The keys are sorted
// before hashing and framed with their lengths, so the result is symmetric
// and unambiguous.
func Compute(myKey, peerKey []byte) SafetyNumber {
	first, second := myKey, peerKey
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	h := sha256.New()
	h.Write([]byte(domainSeparator))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(first)))
	h.Write(lenBuf[:])
	h.Write(first)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(second)))
	h.Write(lenBuf[:])
	h.Write(second)

	var sn SafetyNumber
	copy(sn.hash[:], h.Sum(nil))
	return sn
}

// Numeric renders five groups of five digits, drawn from the first twenty
// bytes of the digest.
func (sn SafetyNumber) Numeric() string {
	groups := make([]string, 5)
	for i := range groups {
		v := binary.LittleEndian.Uint32(sn.hash[i*4 : i*4+4])
		groups[i] = fmt.Sprintf("%05d", v%100000)
	}
	return strings.Join(groups, " ")
}

// ShortNumeric renders the first three groups for compact display.
func (sn SafetyNumber) ShortNumeric() string {
	full := strings.Fields(sn.Numeric())
	return strings.Join(full[:3], " ")
}

// Emoji renders an eight-emoji fingerprint from digest bytes 20 through 27.
func (sn SafetyNumber) Emoji() string {
	var b strings.Builder
	for _, v := range sn.hash[20:28] {
		b.WriteString(emojiList[int(v)%len(emojiList)])
	}
	return b.String()
}
