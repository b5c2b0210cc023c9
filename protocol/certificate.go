package protocol

import (
	"crypto/ed25519"
	"fmt"

	"github.com/meow-io/go-courier/wire"
)

// ServerCertificate is the intermediate link in the sender certificate
// chain, signed by the pinned trust root.
type ServerCertificate struct {
	ID        uint32
	Key       ed25519.PublicKey
	Signature []byte
}

func (sc *ServerCertificate) signedBytes() []byte {
	w := wire.NewWriter()
	w.WriteUint32(sc.ID)
	w.WriteBytes(sc.Key)
	return w.Bytes()
}

// SenderCertificate binds a sender identity, device and static DH key to a
// server certificate. Parsed per sealed-sender envelope, never persisted.
type SenderCertificate struct {
	Sender       string
	SenderUUID   string
	SenderDevice uint32
	Expires      uint64 // ms
	IdentityKey  []byte // sender's static X25519 public key
	Signer       ServerCertificate
	Signature    []byte
}

func (c *SenderCertificate) signedBytes() []byte {
	w := wire.NewWriter()
	w.WriteString(c.Sender)
	w.WriteString(c.SenderUUID)
	w.WriteUint32(c.SenderDevice)
	w.WriteUint64(c.Expires)
	w.WriteBytes(c.IdentityKey)
	return w.Bytes()
}

func (c *SenderCertificate) Encode() []byte {
	w := wire.NewWriter()
	w.WriteString(c.Sender)
	w.WriteString(c.SenderUUID)
	w.WriteUint32(c.SenderDevice)
	w.WriteUint64(c.Expires)
	w.WriteBytes(c.IdentityKey)
	w.WriteUint32(c.Signer.ID)
	w.WriteBytes(c.Signer.Key)
	w.WriteBytes(c.Signer.Signature)
	w.WriteBytes(c.Signature)
	return w.Bytes()
}

func DecodeSenderCertificate(raw []byte) (*SenderCertificate, error) {
	r := wire.NewReader(raw)
	c := &SenderCertificate{}
	var err error
	if c.Sender, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: sender", ErrCertificateValidation)
	}
	if c.SenderUUID, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: sender uuid", ErrCertificateValidation)
	}
	if c.SenderDevice, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: sender device", ErrCertificateValidation)
	}
	if c.Expires, err = r.ReadUint64(); err != nil {
		return nil, fmt.Errorf("%w: expiry", ErrCertificateValidation)
	}
	if c.IdentityKey, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: identity key", ErrCertificateValidation)
	}
	if c.Signer.ID, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: server certificate id", ErrCertificateValidation)
	}
	var serverKey []byte
	if serverKey, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: server certificate key", ErrCertificateValidation)
	}
	c.Signer.Key = ed25519.PublicKey(serverKey)
	if c.Signer.Signature, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: server certificate signature", ErrCertificateValidation)
	}
	if c.Signature, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: sender certificate signature", ErrCertificateValidation)
	}
	return c, nil
}

// Validate checks the two-level signature chain against the pinned trust
// root and the certificate expiry against the server clock. Any failure is
// fatal for the envelope carrying this certificate.
func (c *SenderCertificate) Validate(trustRoot ed25519.PublicKey, serverTimestampMs uint64) error {
	if len(c.Signer.Key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: server certificate key is %d bytes", ErrCertificateValidation, len(c.Signer.Key))
	}
	if !ed25519.Verify(trustRoot, c.Signer.signedBytes(), c.Signer.Signature) {
		return fmt.Errorf("%w: server certificate not signed by trust root", ErrCertificateValidation)
	}
	if !ed25519.Verify(c.Signer.Key, c.signedBytes(), c.Signature) {
		return fmt.Errorf("%w: sender certificate not signed by server certificate", ErrCertificateValidation)
	}
	if serverTimestampMs >= c.Expires {
		return fmt.Errorf("%w: certificate expired at %d, server time %d", ErrCertificateValidation, c.Expires, serverTimestampMs)
	}
	if len(c.IdentityKey) != 32 {
		return fmt.Errorf("%w: identity key is %d bytes", ErrCertificateValidation, len(c.IdentityKey))
	}
	return nil
}

// NewServerCertificate issues an intermediate certificate signed by the
// trust root. Used by tests and provisioning tooling.
func NewServerCertificate(trustRootPriv ed25519.PrivateKey, id uint32, key ed25519.PublicKey) *ServerCertificate {
	sc := &ServerCertificate{ID: id, Key: key}
	sc.Signature = ed25519.Sign(trustRootPriv, sc.signedBytes())
	return sc
}

// NewSenderCertificate issues a sender certificate signed by the server
// certificate's key.
func NewSenderCertificate(signer *ServerCertificate, signerPriv ed25519.PrivateKey, sender, senderUUID string, senderDevice uint32, identityKey []byte, expiresMs uint64) *SenderCertificate {
	c := &SenderCertificate{
		Sender:       sender,
		SenderUUID:   senderUUID,
		SenderDevice: senderDevice,
		Expires:      expiresMs,
		IdentityKey:  identityKey,
		Signer:       *signer,
	}
	c.Signature = ed25519.Sign(signerPriv, c.signedBytes())
	return c
}
