package crypto

import (
	crypto_rand "crypto/rand"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptWithKey(t *testing.T) {
	key := make([]byte, 32)
	_, err := crypto_rand.Read(key)
	require.Nil(t, err)

	ct, err := EncryptWithKey(key, []byte("hello there"), []byte("ad"))
	require.Nil(t, err)
	pt, err := DecryptWithKey(key, ct, []byte("ad"))
	require.Nil(t, err)
	require.Equal(t, []byte("hello there"), pt)

	_, err = DecryptWithKey(key, ct, []byte("other ad"))
	require.NotNil(t, err)
}

func TestEncryptDecryptWithDH(t *testing.T) {
	alicePub, alicePriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	bobPub, bobPriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)

	ct, err := EncryptWithDH(bobPub[:], alicePriv[:], []byte("sealed"), nil)
	require.Nil(t, err)
	pt, err := DecryptWithDH(alicePub[:], bobPriv[:], ct, nil)
	require.Nil(t, err)
	require.Equal(t, []byte("sealed"), pt)

	evePub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	_, err = DecryptWithDH(evePub[:], bobPriv[:], ct, nil)
	require.NotNil(t, err)
}

func TestChainKeys(t *testing.T) {
	ck := make([]byte, 32)
	_, err := crypto_rand.Read(ck)
	require.Nil(t, err)

	mk := MessageKey(ck)
	next := NextChainKey(ck)
	require.Len(t, mk, 32)
	require.Len(t, next, 32)
	require.NotEqual(t, mk, next)
	require.NotEqual(t, ck, next)
	require.Equal(t, mk, MessageKey(ck))
}

func TestSessionSecret(t *testing.T) {
	dh1 := make([]byte, 32)
	dh2 := make([]byte, 32)
	_, err := crypto_rand.Read(dh1)
	require.Nil(t, err)
	_, err = crypto_rand.Read(dh2)
	require.Nil(t, err)

	s1, err := SessionSecret(dh1, dh2)
	require.Nil(t, err)
	s2, err := SessionSecret(dh1, dh2)
	require.Nil(t, err)
	require.Equal(t, s1, s2)
	require.Len(t, s1, 32)

	s3, err := SessionSecret(dh2, dh1)
	require.Nil(t, err)
	require.NotEqual(t, s1, s3)
}
