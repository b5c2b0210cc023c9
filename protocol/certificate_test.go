package protocol

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type certFixture struct {
	trustPub   ed25519.PublicKey
	trustPriv  ed25519.PrivateKey
	serverPriv ed25519.PrivateKey
	server     *ServerCertificate
}

func newCertFixture(t *testing.T) *certFixture {
	trustPub, trustPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	serverPub, serverPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	return &certFixture{
		trustPub:   trustPub,
		trustPriv:  trustPriv,
		serverPriv: serverPriv,
		server:     NewServerCertificate(trustPriv, 1, serverPub),
	}
}

func (f *certFixture) senderCert(t *testing.T, expiresMs uint64) *SenderCertificate {
	t.Helper()
	identityKey := make([]byte, 32)
	_, err := crypto_rand.Read(identityKey)
	require.Nil(t, err)
	return NewSenderCertificate(f.server, f.serverPriv, "+15551230000", "peer-uuid", 2, identityKey, expiresMs)
}

func TestCertificateValidate(t *testing.T) {
	f := newCertFixture(t)
	cert := f.senderCert(t, 2000)
	require.Nil(t, cert.Validate(f.trustPub, 1000))
}

func TestCertificateRoundTrip(t *testing.T) {
	f := newCertFixture(t)
	cert := f.senderCert(t, 2000)
	decoded, err := DecodeSenderCertificate(cert.Encode())
	require.Nil(t, err)
	require.Equal(t, cert.SenderUUID, decoded.SenderUUID)
	require.Equal(t, cert.SenderDevice, decoded.SenderDevice)
	require.Equal(t, cert.Expires, decoded.Expires)
	require.Equal(t, cert.IdentityKey, decoded.IdentityKey)
	require.Nil(t, decoded.Validate(f.trustPub, 1000))
}

func TestCertificateExpired(t *testing.T) {
	f := newCertFixture(t)
	cert := f.senderCert(t, 2000)
	require.ErrorIs(t, cert.Validate(f.trustPub, 2000), ErrCertificateValidation)
	require.ErrorIs(t, cert.Validate(f.trustPub, 3000), ErrCertificateValidation)
}

func TestCertificateWrongTrustRoot(t *testing.T) {
	f := newCertFixture(t)
	otherPub, _, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	cert := f.senderCert(t, 2000)
	require.ErrorIs(t, cert.Validate(otherPub, 1000), ErrCertificateValidation)
}

func TestCertificateTampered(t *testing.T) {
	f := newCertFixture(t)
	cert := f.senderCert(t, 2000)
	cert.SenderUUID = "someone-else"
	require.ErrorIs(t, cert.Validate(f.trustPub, 1000), ErrCertificateValidation)
}
