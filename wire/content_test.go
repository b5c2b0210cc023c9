package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataContentRoundTrip(t *testing.T) {
	c := &Content{
		Data: &DataMessage{
			Body:       "hello group",
			GroupID:    []byte("group-1"),
			ProfileKey: []byte("profile-key"),
			Timestamp:  1693000000000,
		},
	}
	decoded, err := DecodeContent(c.Encode())
	require.Nil(t, err)
	require.NotNil(t, decoded.Data)
	require.Equal(t, "hello group", decoded.Data.Body)
	require.Equal(t, []byte("group-1"), decoded.Data.GroupID)
	require.Equal(t, []byte("profile-key"), decoded.Data.ProfileKey)
	require.Equal(t, uint64(1693000000000), decoded.Data.Timestamp)
}

func TestDataContentEmptyFieldsNormalized(t *testing.T) {
	c := &Content{Data: &DataMessage{Body: "plain"}}
	decoded, err := DecodeContent(c.Encode())
	require.Nil(t, err)
	require.Nil(t, decoded.Data.GroupID)
	require.Nil(t, decoded.Data.ProfileKey)
}

func TestSentSyncRoundTrip(t *testing.T) {
	c := &Content{
		Sync: &SyncMessage{
			Sent: &SentSync{
				DestinationUUID: "dest-uuid",
				Timestamp:       42,
				Message:         &DataMessage{Body: "mirrored", Timestamp: 42},
			},
		},
	}
	decoded, err := DecodeContent(c.Encode())
	require.Nil(t, err)
	require.NotNil(t, decoded.Sync)
	require.NotNil(t, decoded.Sync.Sent)
	require.Equal(t, "dest-uuid", decoded.Sync.Sent.DestinationUUID)
	require.Equal(t, uint64(42), decoded.Sync.Sent.Timestamp)
	require.Equal(t, "mirrored", decoded.Sync.Sent.Message.Body)
}

func TestBlockedSyncRoundTrip(t *testing.T) {
	c := &Content{
		Sync: &SyncMessage{
			Blocked: &BlockedSync{
				Identifiers: []string{"+15550001111", "+15550002222"},
				UUIDs:       []string{"uuid-1"},
				GroupIDs:    [][]byte{[]byte("g1"), []byte("g2")},
			},
		},
	}
	decoded, err := DecodeContent(c.Encode())
	require.Nil(t, err)
	require.NotNil(t, decoded.Sync.Blocked)
	require.Equal(t, []string{"+15550001111", "+15550002222"}, decoded.Sync.Blocked.Identifiers)
	require.Equal(t, []string{"uuid-1"}, decoded.Sync.Blocked.UUIDs)
	require.Equal(t, [][]byte{[]byte("g1"), []byte("g2")}, decoded.Sync.Blocked.GroupIDs)
}

func TestReceiptContentRoundTrip(t *testing.T) {
	c := &Content{
		Receipt: &ReceiptMessage{
			Kind:       ReceiptRead,
			Timestamps: []uint64{100, 200},
		},
	}
	decoded, err := DecodeContent(c.Encode())
	require.Nil(t, err)
	require.NotNil(t, decoded.Receipt)
	require.Equal(t, ReceiptRead, decoded.Receipt.Kind)
	require.Equal(t, []uint64{100, 200}, decoded.Receipt.Timestamps)
}

func TestNullContentRoundTrip(t *testing.T) {
	c := &Content{Null: true}
	decoded, err := DecodeContent(c.Encode())
	require.Nil(t, err)
	require.True(t, decoded.Null)
}

func TestUnknownContentTagSkipped(t *testing.T) {
	c := &Content{Data: &DataMessage{Body: "kept"}}
	w := NewWriter()
	w.WriteUint8(200)
	w.WriteBytes([]byte("future field"))
	raw := append(c.Encode(), w.Bytes()...)

	decoded, err := DecodeContent(raw)
	require.Nil(t, err)
	require.NotNil(t, decoded.Data)
	require.Equal(t, "kept", decoded.Data.Body)
}

func TestDecodeContentMalformed(t *testing.T) {
	_, err := DecodeContent([]byte{1, 0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrMalformedContent)
}
