package pipeline

import (
	"github.com/meow-io/go-courier/wire"
)

// EventChannel carries typed events to external consumers. Events tied to a
// cached record carry an Ack callback the consumer must invoke to signal
// "safe to evict"; lifecycle markers carry none.
type EventChannel chan interface{}

type AckFunc func()

type DataMessageEvent struct {
	Sender             string
	SenderUUID         string
	SenderDevice       uint32
	Timestamp          uint64
	Body               string
	GroupID            []byte
	ProfileKey         []byte
	UnidentifiedSender bool
	Ack                AckFunc
}

type SentSyncEvent struct {
	DestinationUUID string
	Timestamp       uint64
	Message         *wire.DataMessage
	Ack             AckFunc
}

// ReceiptEvent covers delivery, read and viewed receipts carried in
// decrypted content. One event is raised per acknowledged timestamp.
type ReceiptEvent struct {
	Kind         wire.ReceiptKind
	Sender       string
	SenderUUID   string
	SenderDevice uint32
	Timestamp    uint64
	Ack          AckFunc
}

// ServerReceiptEvent is a content-less delivery receipt generated by the
// server, keyed on the envelope's own timestamp.
type ServerReceiptEvent struct {
	Sender       string
	SenderUUID   string
	SenderDevice uint32
	Timestamp    uint64
	Ack          AckFunc
}

type TypingEvent struct {
	Started      bool
	SenderUUID   string
	SenderDevice uint32
	Timestamp    uint64
	GroupID      []byte
	Ack          AckFunc
}

type CallingEvent struct {
	SenderUUID   string
	SenderDevice uint32
	Opaque       []byte
	Ack          AckFunc
}

// DecryptionErrorReportEvent is raised when an envelope could not be
// decrypted but the sender is known, carrying enough metadata for an
// out-of-band retry request to that sender.
type DecryptionErrorReportEvent struct {
	SenderUUID   string
	SenderDevice uint32
	Timestamp    uint64
	ContentHint  wire.ContentHint
	GroupID      []byte
	Ack          AckFunc
}

// RetryRequestEvent is the mirror image: a peer reports it could not
// decrypt a message we sent.
type RetryRequestEvent struct {
	SenderUUID   string
	SenderDevice uint32
	Timestamp    uint64
	DeviceID     uint32
	RatchetKey   []byte
	Ack          AckFunc
}

type ProfileKeyUpdateEvent struct {
	SenderUUID string
	ProfileKey []byte
}

type ConfigurationSyncEvent struct {
	Ack AckFunc
}

type ContactsSyncEvent struct {
	Blob []byte
	Ack  AckFunc
}

type GroupsSyncEvent struct {
	Blob []byte
	Ack  AckFunc
}

type BlockedSyncEvent struct {
	Identifiers []string
	UUIDs       []string
	GroupIDs    [][]byte
	Ack         AckFunc
}

type FetchLatestSyncEvent struct {
	Kind uint32
	Ack  AckFunc
}

type KeysSyncEvent struct {
	Blob []byte
	Ack  AckFunc
}

type StickerPackSyncEvent struct {
	PackID  []byte
	PackKey []byte
	Install bool
	Ack     AckFunc
}

type VerifiedSyncEvent struct {
	DestinationUUID string
	IdentityKey     []byte
	Verified        bool
	Ack             AckFunc
}

type MessageRequestResponseSyncEvent struct {
	ThreadUUID string
	GroupID    []byte
	Accepted   bool
	Ack        AckFunc
}

// EmptyEvent marks the pipeline having no outstanding work across both
// queues and the write buffer.
type EmptyEvent struct{}

// ProgressEvent reports cache replay activity.
type ProgressEvent struct {
	Replayed int
}

// ReconnectEvent marks a transport reconnect triggering a cache replay.
type ReconnectEvent struct{}
