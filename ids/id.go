// This package defines a common id type which is used through out courier. It is based on random 16 byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("ids: parsing %s: %w", s, err)
	}
	if len(b) != 16 {
		return ID{}, fmt.Errorf("ids: expected 16 bytes, got %d", len(b))
	}
	return IDFromBytes(b), nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}
