// Package wire implements the envelope codec: the length-prefixed binary
// encoding used for envelopes on the transport and for cached records, plus
// the routing metadata extracted from it.
package wire

import (
	"errors"
	"fmt"
)

// ErrMalformedEnvelope indicates a buffer which cannot be parsed as an
// envelope, or one violating the payload invariant. Always fatal for the
// envelope, never retried.
var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

type EnvelopeType uint8

const (
	EnvelopePlaintextContent EnvelopeType = 1
	EnvelopeCiphertext       EnvelopeType = 2
	EnvelopePrekeyBundle     EnvelopeType = 3
	EnvelopeSenderKey        EnvelopeType = 4
	EnvelopeSealedSender     EnvelopeType = 5
	EnvelopeReceipt          EnvelopeType = 6
)

func (t EnvelopeType) valid() bool {
	return t >= EnvelopePlaintextContent && t <= EnvelopeReceipt
}

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopePlaintextContent:
		return "plaintext-content"
	case EnvelopeCiphertext:
		return "ciphertext"
	case EnvelopePrekeyBundle:
		return "prekey-bundle"
	case EnvelopeSenderKey:
		return "sender-key"
	case EnvelopeSealedSender:
		return "sealed-sender"
	case EnvelopeReceipt:
		return "receipt"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Payload is the tagged union over an envelope's body. Exactly one variant
// exists per envelope: modern content bytes, legacy message bytes, or no
// body at all for server receipts.
type Payload interface {
	isPayload()
}

type ContentPayload []byte

func (ContentPayload) isPayload() {}

type LegacyPayload []byte

func (LegacyPayload) isPayload() {}

type ReceiptOnly struct{}

func (ReceiptOnly) isPayload() {}

// ContentHint carries the sender's advice on how losable the content is,
// surfaced by the sealed-sender wrapper.
type ContentHint uint8

const (
	ContentHintDefault    ContentHint = 0
	ContentHintResendable ContentHint = 1
	ContentHintImplicit   ContentHint = 2
)

type Envelope struct {
	Type            EnvelopeType
	Source          string // phone-number-like identifier
	SourceUUID      string // stable account id
	SourceDevice    uint32
	Timestamp       uint64 // sender's client timestamp, ms
	ServerGUID      string
	ServerTimestamp uint64 // ms

	payload Payload

	// Populated by the unsealing stage.
	ContentHint        ContentHint
	GroupID            []byte
	UnidentifiedSender bool

	// Local intake bookkeeping, never sent on the wire.
	ReceivedAtCounter uint64
	ReceivedAtMs      uint64
	MessageAgeSec     uint32
}

func NewContentEnvelope(t EnvelopeType, content []byte) *Envelope {
	return &Envelope{Type: t, payload: ContentPayload(content)}
}

func NewLegacyEnvelope(t EnvelopeType, legacy []byte) *Envelope {
	return &Envelope{Type: t, payload: LegacyPayload(legacy)}
}

func NewReceiptEnvelope() *Envelope {
	return &Envelope{Type: EnvelopeReceipt, payload: ReceiptOnly{}}
}

func (e *Envelope) Payload() Payload {
	return e.payload
}

// Ciphertext returns the encrypted body regardless of which union arm holds
// it. ok is false for receipt-only envelopes.
func (e *Envelope) Ciphertext() (b []byte, ok bool) {
	switch p := e.payload.(type) {
	case ContentPayload:
		return p, true
	case LegacyPayload:
		return p, true
	default:
		return nil, false
	}
}

// SetContent replaces the payload after unsealing reveals the inner body.
func (e *Envelope) SetContent(content []byte) {
	e.payload = ContentPayload(content)
}

func (e *Envelope) SenderKnown() bool {
	return (e.Source != "" || e.SourceUUID != "") && e.SourceDevice != 0
}

// ComputeMessageAgeSec derives the envelope age from the transport's
// timestamp header, corrected for server clock skew. A missing or malformed
// header, or one implying a negative age, yields 0.
func (e *Envelope) ComputeMessageAgeSec(headerTimestampMs uint64) uint32 {
	if headerTimestampMs == 0 || headerTimestampMs < e.ServerTimestamp {
		return 0
	}
	return uint32((headerTimestampMs - e.ServerTimestamp) / 1000)
}

const (
	envelopeVersion = 1

	flagContent      = 1 << 0
	flagLegacy       = 1 << 1
	flagGroupID      = 1 << 2
	flagUnidentified = 1 << 3
	flagLocalFields  = 1 << 4
)

// Encode serializes the envelope, including fields added by unsealing and
// local intake, so a cached record round-trips exactly.
func (e *Envelope) Encode() []byte {
	var flags uint8
	switch e.payload.(type) {
	case ContentPayload:
		flags |= flagContent
	case LegacyPayload:
		flags |= flagLegacy
	}
	if len(e.GroupID) > 0 {
		flags |= flagGroupID
	}
	if e.UnidentifiedSender {
		flags |= flagUnidentified
	}
	if e.ReceivedAtCounter != 0 || e.ReceivedAtMs != 0 || e.MessageAgeSec != 0 {
		flags |= flagLocalFields
	}

	w := NewWriter()
	w.WriteUint8(envelopeVersion)
	w.WriteUint8(uint8(e.Type))
	w.WriteUint8(flags)
	w.WriteString(e.Source)
	w.WriteString(e.SourceUUID)
	w.WriteUint32(e.SourceDevice)
	w.WriteUint64(e.Timestamp)
	w.WriteString(e.ServerGUID)
	w.WriteUint64(e.ServerTimestamp)
	switch p := e.payload.(type) {
	case ContentPayload:
		w.WriteBytes(p)
	case LegacyPayload:
		w.WriteBytes(p)
	}
	w.WriteUint8(uint8(e.ContentHint))
	if flags&flagGroupID != 0 {
		w.WriteBytes(e.GroupID)
	}
	if flags&flagLocalFields != 0 {
		w.WriteUint64(e.ReceivedAtCounter)
		w.WriteUint64(e.ReceivedAtMs)
		w.WriteUint32(e.MessageAgeSec)
	}
	return w.Bytes()
}

// Decode parses an envelope, failing with ErrMalformedEnvelope on
// truncation, an unknown type tag, or a payload violating the
// exactly-one-of rule.
func Decode(raw []byte) (*Envelope, error) {
	r := NewReader(raw)
	version, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, version)
	}
	t, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	typ := EnvelopeType(t)
	if !typ.valid() {
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedEnvelope, t)
	}
	flags, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if flags&flagContent != 0 && flags&flagLegacy != 0 {
		return nil, fmt.Errorf("%w: both content and legacy message populated", ErrMalformedEnvelope)
	}
	if flags&flagContent == 0 && flags&flagLegacy == 0 && typ != EnvelopeReceipt {
		return nil, fmt.Errorf("%w: %s envelope with no body", ErrMalformedEnvelope, typ)
	}

	e := &Envelope{Type: typ}
	if e.Source, err = r.ReadString(); err != nil {
		return nil, err
	}
	if e.SourceUUID, err = r.ReadString(); err != nil {
		return nil, err
	}
	if e.SourceDevice, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if e.Timestamp, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	if e.ServerGUID, err = r.ReadString(); err != nil {
		return nil, err
	}
	if e.ServerTimestamp, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	switch {
	case flags&flagContent != 0:
		b, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		e.payload = ContentPayload(b)
	case flags&flagLegacy != 0:
		b, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		e.payload = LegacyPayload(b)
	default:
		e.payload = ReceiptOnly{}
	}
	hint, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	e.ContentHint = ContentHint(hint)
	if flags&flagGroupID != 0 {
		if e.GroupID, err = r.ReadBytes(); err != nil {
			return nil, err
		}
	}
	e.UnidentifiedSender = flags&flagUnidentified != 0
	if flags&flagLocalFields != 0 {
		if e.ReceivedAtCounter, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.ReceivedAtMs, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.MessageAgeSec, err = r.ReadUint32(); err != nil {
			return nil, err
		}
	}
	return e, nil
}
