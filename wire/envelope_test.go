package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewContentEnvelope(EnvelopeCiphertext, []byte("ciphertext goes here"))
	env.Source = "+15551234567"
	env.SourceUUID = "3b44057e-919f-4a0a-b3c1-47ee3f4df861"
	env.SourceDevice = 2
	env.Timestamp = 1693000000000
	env.ServerGUID = "a-server-guid"
	env.ServerTimestamp = 1693000000100
	env.GroupID = []byte("group-1")
	env.ReceivedAtCounter = 7
	env.ReceivedAtMs = 1693000000200
	env.MessageAgeSec = 3

	decoded, err := Decode(env.Encode())
	require.Nil(t, err)
	require.Equal(t, env.Type, decoded.Type)
	require.Equal(t, env.Source, decoded.Source)
	require.Equal(t, env.SourceUUID, decoded.SourceUUID)
	require.Equal(t, env.SourceDevice, decoded.SourceDevice)
	require.Equal(t, env.Timestamp, decoded.Timestamp)
	require.Equal(t, env.ServerGUID, decoded.ServerGUID)
	require.Equal(t, env.ServerTimestamp, decoded.ServerTimestamp)
	require.Equal(t, env.GroupID, decoded.GroupID)
	require.Equal(t, env.ReceivedAtCounter, decoded.ReceivedAtCounter)
	require.Equal(t, env.ReceivedAtMs, decoded.ReceivedAtMs)
	require.Equal(t, env.MessageAgeSec, decoded.MessageAgeSec)
	ct, ok := decoded.Ciphertext()
	require.True(t, ok)
	require.Equal(t, []byte("ciphertext goes here"), ct)
}

func TestReceiptEnvelopeRoundTrip(t *testing.T) {
	env := NewReceiptEnvelope()
	env.SourceUUID = "3b44057e-919f-4a0a-b3c1-47ee3f4df861"
	env.SourceDevice = 1
	env.Timestamp = 100

	decoded, err := Decode(env.Encode())
	require.Nil(t, err)
	require.Equal(t, EnvelopeReceipt, decoded.Type)
	_, ok := decoded.Ciphertext()
	require.False(t, ok)
}

func TestLegacyEnvelopeRoundTrip(t *testing.T) {
	env := NewLegacyEnvelope(EnvelopeCiphertext, []byte("legacy body"))
	decoded, err := Decode(env.Encode())
	require.Nil(t, err)
	_, ok := decoded.Payload().(LegacyPayload)
	require.True(t, ok)
	ct, ok := decoded.Ciphertext()
	require.True(t, ok)
	require.Equal(t, []byte("legacy body"), ct)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{})
	require.ErrorIs(t, err, ErrMalformedEnvelope)
	_, err = Decode([]byte{0xff, 0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestDecodeBadType(t *testing.T) {
	env := NewContentEnvelope(EnvelopeCiphertext, []byte("x"))
	raw := env.Encode()
	// corrupt the type byte past the valid range
	raw[1] = 99
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestSenderKnown(t *testing.T) {
	env := NewContentEnvelope(EnvelopeCiphertext, []byte("x"))
	require.False(t, env.SenderKnown())
	env.SourceUUID = "some-uuid"
	require.False(t, env.SenderKnown())
	env.SourceDevice = 1
	require.True(t, env.SenderKnown())
}

func TestComputeMessageAgeSec(t *testing.T) {
	env := &Envelope{ServerTimestamp: 10_000}
	require.Equal(t, uint32(0), env.ComputeMessageAgeSec(0))
	require.Equal(t, uint32(0), env.ComputeMessageAgeSec(5_000))
	require.Equal(t, uint32(0), env.ComputeMessageAgeSec(10_500))
	require.Equal(t, uint32(5), env.ComputeMessageAgeSec(15_000))
}
