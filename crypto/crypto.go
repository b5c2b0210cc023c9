// Shared primitives for sealed-sender unwrapping, prekey agreement and
// sender-key chains. Pairwise ratchet crypto lives with the doubleratchet
// integration in the protocol package.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// Derive a 32-byte key from the concatenated DH outputs of a prekey agreement.
func SessionSecret(dhs ...[]byte) ([]byte, error) {
	ikm := []byte{}
	for _, dh := range dhs {
		ikm = append(ikm, dh...)
	}
	secret := make([]byte, 32)
	h := hkdf.New(sha256.New, ikm, nil, []byte("COURIER_SESSION"))
	if _, err := io.ReadFull(h, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// Sender-key chain derivation. The chain key advances with one labeled
// HMAC, the message key is derived with another, so disclosing a message
// key never discloses the chain.
func NextChainKey(ck []byte) []byte {
	mac := hmac.New(sha256.New, ck)
	mac.Write([]byte{0x02})
	return mac.Sum(nil)
}

func MessageKey(ck []byte) []byte {
	mac := hmac.New(sha256.New, ck)
	mac.Write([]byte{0x01})
	return mac.Sum(nil)
}
