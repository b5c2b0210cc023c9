package protocol

import (
	crypto_rand "crypto/rand"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/wire"
)

const sealedVersion = 1

// sealedMessage is the decrypted interior of a sealed-sender wrapper: the
// real message sub-type, the sender certificate and the inner ciphertext.
type sealedMessage struct {
	Type        wire.EnvelopeType
	ContentHint wire.ContentHint
	GroupID     []byte
	Certificate *SenderCertificate
	Content     []byte
}

func (sm *sealedMessage) encode() []byte {
	w := wire.NewWriter()
	w.WriteUint8(uint8(sm.Type))
	w.WriteUint8(uint8(sm.ContentHint))
	w.WriteBytes(sm.GroupID)
	w.WriteBytes(sm.Certificate.Encode())
	w.WriteBytes(sm.Content)
	return w.Bytes()
}

func decodeSealedMessage(raw []byte) (*sealedMessage, error) {
	r := wire.NewReader(raw)
	sm := &sealedMessage{}
	t, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: sealed message type", wire.ErrMalformedEnvelope)
	}
	sm.Type = wire.EnvelopeType(t)
	switch sm.Type {
	case wire.EnvelopePlaintextContent, wire.EnvelopeCiphertext, wire.EnvelopePrekeyBundle, wire.EnvelopeSenderKey:
	default:
		return nil, fmt.Errorf("%w: sealed message with inner type %s", wire.ErrMalformedEnvelope, sm.Type)
	}
	hint, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: sealed message content hint", wire.ErrMalformedEnvelope)
	}
	sm.ContentHint = wire.ContentHint(hint)
	if sm.GroupID, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: sealed message group id", wire.ErrMalformedEnvelope)
	}
	if len(sm.GroupID) == 0 {
		sm.GroupID = nil
	}
	certBytes, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: sealed message certificate", wire.ErrMalformedEnvelope)
	}
	if sm.Certificate, err = DecodeSenderCertificate(certBytes); err != nil {
		return nil, err
	}
	if sm.Content, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: sealed message content", wire.ErrMalformedEnvelope)
	}
	return sm, nil
}

// openSealed unwraps a sealed-sender ciphertext with the recipient's static
// DH key. The wrapper is a version byte, an ephemeral public key, then an
// AEAD box keyed by DH(ephemeral, recipient static).
func openSealed(recipientDhPriv, raw []byte) (*sealedMessage, error) {
	if len(raw) < 1+32 {
		return nil, fmt.Errorf("%w: sealed wrapper too short", wire.ErrMalformedEnvelope)
	}
	if raw[0] != sealedVersion {
		return nil, fmt.Errorf("%w: unsupported sealed version %d", wire.ErrMalformedEnvelope, raw[0])
	}
	ephPub := raw[1:33]
	inner, err := crypto.DecryptWithDH(ephPub, recipientDhPriv, raw[33:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("protocol: error opening sealed wrapper: %w", err)
	}
	return decodeSealedMessage(inner)
}

// Seal wraps an inner message for anonymous delivery to the holder of
// recipientDhPub. The sender-side counterpart of openSealed, used by tests.
func Seal(recipientDhPub []byte, innerType wire.EnvelopeType, hint wire.ContentHint, groupID []byte, cert *SenderCertificate, content []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	sm := &sealedMessage{
		Type:        innerType,
		ContentHint: hint,
		GroupID:     groupID,
		Certificate: cert,
		Content:     content,
	}
	enc, err := crypto.EncryptWithDH(recipientDhPub, ephPriv[:], sm.encode(), ephPub[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+32+len(enc))
	out = append(out, sealedVersion)
	out = append(out, ephPub[:]...)
	out = append(out, enc...)
	return out, nil
}
