package fingerprint

import (
	"bytes"

	"github.com/mdp/qrterminal/v3"
)

// QrCode renders s as a terminal-friendly QR code for out-of-band scanning.
func QrCode(s string) []byte {
	var buffer bytes.Buffer
	qrterminal.Generate(s, qrterminal.L, &buffer)
	return buffer.Bytes()
}
