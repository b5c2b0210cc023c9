package protocol

import (
	"fmt"
)

const paddingBracket = 160

// PadContent frames plaintext for transport: a 0x80 terminator then zeros
// out to the next bracket boundary, hiding the exact message length.
func PadContent(b []byte) []byte {
	padded := ((len(b) + 1 + paddingBracket - 1) / paddingBracket) * paddingBracket
	out := make([]byte, padded)
	copy(out, b)
	out[len(b)] = 0x80
	return out
}

// stripPadding removes the transport padding: trailing zeros back to a 0x80
// terminator. Content with no terminator is malformed.
func stripPadding(b []byte) ([]byte, error) {
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case 0x00:
			continue
		case 0x80:
			return b[:i], nil
		default:
			return nil, fmt.Errorf("protocol: invalid padding byte %x at %d", b[i], i)
		}
	}
	return nil, fmt.Errorf("protocol: content is all padding")
}
