package wire

import (
	"errors"
	"fmt"
)

// ErrMalformedContent indicates decrypted plaintext which cannot be parsed
// as a content envelope.
var ErrMalformedContent = errors.New("wire: malformed content")

type ReceiptKind uint8

const (
	ReceiptDelivery ReceiptKind = 0
	ReceiptRead     ReceiptKind = 1
	ReceiptViewed   ReceiptKind = 2
)

func (k ReceiptKind) String() string {
	switch k {
	case ReceiptDelivery:
		return "delivery"
	case ReceiptRead:
		return "read"
	case ReceiptViewed:
		return "viewed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

type TypingAction uint8

const (
	TypingStarted TypingAction = 0
	TypingStopped TypingAction = 1
)

type DataMessage struct {
	Body       string
	GroupID    []byte
	ProfileKey []byte
	Timestamp  uint64
}

type SentSync struct {
	DestinationUUID string
	Timestamp       uint64
	Message         *DataMessage
}

type BlockedSync struct {
	Identifiers []string
	UUIDs       []string
	GroupIDs    [][]byte
}

type StickerPackSync struct {
	PackID  []byte
	PackKey []byte
	Install bool
}

type VerifiedSync struct {
	DestinationUUID string
	IdentityKey     []byte
	Verified        bool
}

type MessageRequestResponseSync struct {
	ThreadUUID string
	GroupID    []byte
	Accepted   bool
}

// SyncMessage carries state from the local account's other devices. At most
// one sub-kind is populated.
type SyncMessage struct {
	Sent                   *SentSync
	Contacts               []byte // attachment pointer blob
	Groups                 []byte
	Blocked                *BlockedSync
	Configuration          bool
	FetchLatest            uint32
	Keys                   []byte
	StickerPackOperation   *StickerPackSync
	Verified               *VerifiedSync
	MessageRequestResponse *MessageRequestResponseSync
}

type ReceiptMessage struct {
	Kind       ReceiptKind
	Timestamps []uint64
}

type TypingMessage struct {
	Action    TypingAction
	Timestamp uint64
	GroupID   []byte
}

type CallingMessage struct {
	Opaque []byte
}

// DecryptionErrorMessage is a retry request: the peer could not decrypt the
// message we sent at Timestamp from device DeviceID.
type DecryptionErrorMessage struct {
	Timestamp  uint64
	DeviceID   uint32
	RatchetKey []byte
}

// Content is the framing of all decrypted plaintext. The main kinds are
// mutually exclusive; a sender-key distribution may accompany any of them
// or stand alone.
type Content struct {
	Data            *DataMessage
	Sync            *SyncMessage
	Receipt         *ReceiptMessage
	Typing          *TypingMessage
	Calling         *CallingMessage
	DecryptionError *DecryptionErrorMessage
	Null            bool

	SenderKeyDistribution []byte
}

const (
	contentTagData            = 1
	contentTagSync            = 2
	contentTagReceipt         = 3
	contentTagTyping          = 4
	contentTagCalling         = 5
	contentTagDecryptionError = 6
	contentTagNull            = 7
	contentTagSKDM            = 8
)

const (
	syncTagSent           = 1
	syncTagContacts       = 2
	syncTagGroups         = 3
	syncTagBlocked        = 4
	syncTagConfiguration  = 5
	syncTagFetchLatest    = 6
	syncTagKeys           = 7
	syncTagStickerPack    = 8
	syncTagVerified       = 9
	syncTagMessageRequest = 10
)

func (c *Content) Encode() []byte {
	w := NewWriter()
	if c.Data != nil {
		w.WriteUint8(contentTagData)
		w.WriteBytes(encodeDataMessage(c.Data))
	}
	if c.Sync != nil {
		w.WriteUint8(contentTagSync)
		w.WriteBytes(encodeSyncMessage(c.Sync))
	}
	if c.Receipt != nil {
		w.WriteUint8(contentTagReceipt)
		rw := NewWriter()
		rw.WriteUint8(uint8(c.Receipt.Kind))
		rw.WriteUint32(uint32(len(c.Receipt.Timestamps)))
		for _, ts := range c.Receipt.Timestamps {
			rw.WriteUint64(ts)
		}
		w.WriteBytes(rw.Bytes())
	}
	if c.Typing != nil {
		w.WriteUint8(contentTagTyping)
		tw := NewWriter()
		tw.WriteUint8(uint8(c.Typing.Action))
		tw.WriteUint64(c.Typing.Timestamp)
		tw.WriteBytes(c.Typing.GroupID)
		w.WriteBytes(tw.Bytes())
	}
	if c.Calling != nil {
		w.WriteUint8(contentTagCalling)
		w.WriteBytes(c.Calling.Opaque)
	}
	if c.DecryptionError != nil {
		w.WriteUint8(contentTagDecryptionError)
		dw := NewWriter()
		dw.WriteUint64(c.DecryptionError.Timestamp)
		dw.WriteUint32(c.DecryptionError.DeviceID)
		dw.WriteBytes(c.DecryptionError.RatchetKey)
		w.WriteBytes(dw.Bytes())
	}
	if c.Null {
		w.WriteUint8(contentTagNull)
		w.WriteBytes(nil)
	}
	if len(c.SenderKeyDistribution) > 0 {
		w.WriteUint8(contentTagSKDM)
		w.WriteBytes(c.SenderKeyDistribution)
	}
	return w.Bytes()
}

func DecodeContent(raw []byte) (*Content, error) {
	c := &Content{}
	r := NewReader(raw)
	for {
		tag, err := r.ReadUint8()
		if err != nil {
			break
		}
		body, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated field %d", ErrMalformedContent, tag)
		}
		switch tag {
		case contentTagData:
			if c.Data, err = decodeDataMessage(body); err != nil {
				return nil, err
			}
		case contentTagSync:
			if c.Sync, err = decodeSyncMessage(body); err != nil {
				return nil, err
			}
		case contentTagReceipt:
			rr := NewReader(body)
			rm := &ReceiptMessage{}
			kind, err := rr.ReadUint8()
			if err != nil {
				return nil, fmt.Errorf("%w: receipt kind", ErrMalformedContent)
			}
			rm.Kind = ReceiptKind(kind)
			n, err := rr.ReadUint32()
			if err != nil {
				return nil, fmt.Errorf("%w: receipt count", ErrMalformedContent)
			}
			for i := uint32(0); i < n; i++ {
				ts, err := rr.ReadUint64()
				if err != nil {
					return nil, fmt.Errorf("%w: receipt timestamp", ErrMalformedContent)
				}
				rm.Timestamps = append(rm.Timestamps, ts)
			}
			c.Receipt = rm
		case contentTagTyping:
			tr := NewReader(body)
			tm := &TypingMessage{}
			action, err := tr.ReadUint8()
			if err != nil {
				return nil, fmt.Errorf("%w: typing action", ErrMalformedContent)
			}
			tm.Action = TypingAction(action)
			if tm.Timestamp, err = tr.ReadUint64(); err != nil {
				return nil, fmt.Errorf("%w: typing timestamp", ErrMalformedContent)
			}
			if tm.GroupID, err = tr.ReadBytes(); err != nil {
				return nil, fmt.Errorf("%w: typing group id", ErrMalformedContent)
			}
			if len(tm.GroupID) == 0 {
				tm.GroupID = nil
			}
			c.Typing = tm
		case contentTagCalling:
			c.Calling = &CallingMessage{Opaque: body}
		case contentTagDecryptionError:
			dr := NewReader(body)
			dem := &DecryptionErrorMessage{}
			if dem.Timestamp, err = dr.ReadUint64(); err != nil {
				return nil, fmt.Errorf("%w: decryption error timestamp", ErrMalformedContent)
			}
			if dem.DeviceID, err = dr.ReadUint32(); err != nil {
				return nil, fmt.Errorf("%w: decryption error device", ErrMalformedContent)
			}
			if dem.RatchetKey, err = dr.ReadBytes(); err != nil {
				return nil, fmt.Errorf("%w: decryption error ratchet key", ErrMalformedContent)
			}
			c.DecryptionError = dem
		case contentTagNull:
			c.Null = true
		case contentTagSKDM:
			c.SenderKeyDistribution = body
		default:
			// Unknown fields from newer senders are skipped, not fatal.
		}
	}
	return c, nil
}

func encodeDataMessage(dm *DataMessage) []byte {
	w := NewWriter()
	w.WriteString(dm.Body)
	w.WriteBytes(dm.GroupID)
	w.WriteBytes(dm.ProfileKey)
	w.WriteUint64(dm.Timestamp)
	return w.Bytes()
}

func decodeDataMessage(b []byte) (*DataMessage, error) {
	r := NewReader(b)
	dm := &DataMessage{}
	var err error
	if dm.Body, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: data message body", ErrMalformedContent)
	}
	if dm.GroupID, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: data message group id", ErrMalformedContent)
	}
	if len(dm.GroupID) == 0 {
		dm.GroupID = nil
	}
	if dm.ProfileKey, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: data message profile key", ErrMalformedContent)
	}
	if len(dm.ProfileKey) == 0 {
		dm.ProfileKey = nil
	}
	if dm.Timestamp, err = r.ReadUint64(); err != nil {
		return nil, fmt.Errorf("%w: data message timestamp", ErrMalformedContent)
	}
	return dm, nil
}

func encodeSyncMessage(sm *SyncMessage) []byte {
	w := NewWriter()
	if sm.Sent != nil {
		w.WriteUint8(syncTagSent)
		sw := NewWriter()
		sw.WriteString(sm.Sent.DestinationUUID)
		sw.WriteUint64(sm.Sent.Timestamp)
		if sm.Sent.Message != nil {
			sw.WriteBytes(encodeDataMessage(sm.Sent.Message))
		} else {
			sw.WriteBytes(nil)
		}
		w.WriteBytes(sw.Bytes())
	}
	if sm.Contacts != nil {
		w.WriteUint8(syncTagContacts)
		w.WriteBytes(sm.Contacts)
	}
	if sm.Groups != nil {
		w.WriteUint8(syncTagGroups)
		w.WriteBytes(sm.Groups)
	}
	if sm.Blocked != nil {
		w.WriteUint8(syncTagBlocked)
		bw := NewWriter()
		bw.WriteUint32(uint32(len(sm.Blocked.Identifiers)))
		for _, s := range sm.Blocked.Identifiers {
			bw.WriteString(s)
		}
		bw.WriteUint32(uint32(len(sm.Blocked.UUIDs)))
		for _, s := range sm.Blocked.UUIDs {
			bw.WriteString(s)
		}
		bw.WriteUint32(uint32(len(sm.Blocked.GroupIDs)))
		for _, g := range sm.Blocked.GroupIDs {
			bw.WriteBytes(g)
		}
		w.WriteBytes(bw.Bytes())
	}
	if sm.Configuration {
		w.WriteUint8(syncTagConfiguration)
		w.WriteBytes(nil)
	}
	if sm.FetchLatest != 0 {
		w.WriteUint8(syncTagFetchLatest)
		fw := NewWriter()
		fw.WriteUint32(sm.FetchLatest)
		w.WriteBytes(fw.Bytes())
	}
	if sm.Keys != nil {
		w.WriteUint8(syncTagKeys)
		w.WriteBytes(sm.Keys)
	}
	if sm.StickerPackOperation != nil {
		w.WriteUint8(syncTagStickerPack)
		pw := NewWriter()
		pw.WriteBytes(sm.StickerPackOperation.PackID)
		pw.WriteBytes(sm.StickerPackOperation.PackKey)
		if sm.StickerPackOperation.Install {
			pw.WriteUint8(1)
		} else {
			pw.WriteUint8(0)
		}
		w.WriteBytes(pw.Bytes())
	}
	if sm.Verified != nil {
		w.WriteUint8(syncTagVerified)
		vw := NewWriter()
		vw.WriteString(sm.Verified.DestinationUUID)
		vw.WriteBytes(sm.Verified.IdentityKey)
		if sm.Verified.Verified {
			vw.WriteUint8(1)
		} else {
			vw.WriteUint8(0)
		}
		w.WriteBytes(vw.Bytes())
	}
	if sm.MessageRequestResponse != nil {
		w.WriteUint8(syncTagMessageRequest)
		mw := NewWriter()
		mw.WriteString(sm.MessageRequestResponse.ThreadUUID)
		mw.WriteBytes(sm.MessageRequestResponse.GroupID)
		if sm.MessageRequestResponse.Accepted {
			mw.WriteUint8(1)
		} else {
			mw.WriteUint8(0)
		}
		w.WriteBytes(mw.Bytes())
	}
	return w.Bytes()
}

func decodeSyncMessage(b []byte) (*SyncMessage, error) {
	sm := &SyncMessage{}
	r := NewReader(b)
	for {
		tag, err := r.ReadUint8()
		if err != nil {
			break
		}
		body, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated sync field %d", ErrMalformedContent, tag)
		}
		switch tag {
		case syncTagSent:
			sr := NewReader(body)
			sent := &SentSync{}
			if sent.DestinationUUID, err = sr.ReadString(); err != nil {
				return nil, fmt.Errorf("%w: sent sync destination", ErrMalformedContent)
			}
			if sent.Timestamp, err = sr.ReadUint64(); err != nil {
				return nil, fmt.Errorf("%w: sent sync timestamp", ErrMalformedContent)
			}
			msg, err := sr.ReadBytes()
			if err != nil {
				return nil, fmt.Errorf("%w: sent sync message", ErrMalformedContent)
			}
			if len(msg) > 0 {
				if sent.Message, err = decodeDataMessage(msg); err != nil {
					return nil, err
				}
			}
			sm.Sent = sent
		case syncTagContacts:
			sm.Contacts = body
		case syncTagGroups:
			sm.Groups = body
		case syncTagBlocked:
			br := NewReader(body)
			blocked := &BlockedSync{}
			n, err := br.ReadUint32()
			if err != nil {
				return nil, fmt.Errorf("%w: blocked sync", ErrMalformedContent)
			}
			for i := uint32(0); i < n; i++ {
				s, err := br.ReadString()
				if err != nil {
					return nil, fmt.Errorf("%w: blocked sync identifier", ErrMalformedContent)
				}
				blocked.Identifiers = append(blocked.Identifiers, s)
			}
			if n, err = br.ReadUint32(); err != nil {
				return nil, fmt.Errorf("%w: blocked sync", ErrMalformedContent)
			}
			for i := uint32(0); i < n; i++ {
				s, err := br.ReadString()
				if err != nil {
					return nil, fmt.Errorf("%w: blocked sync uuid", ErrMalformedContent)
				}
				blocked.UUIDs = append(blocked.UUIDs, s)
			}
			if n, err = br.ReadUint32(); err != nil {
				return nil, fmt.Errorf("%w: blocked sync", ErrMalformedContent)
			}
			for i := uint32(0); i < n; i++ {
				g, err := br.ReadBytes()
				if err != nil {
					return nil, fmt.Errorf("%w: blocked sync group", ErrMalformedContent)
				}
				blocked.GroupIDs = append(blocked.GroupIDs, g)
			}
			sm.Blocked = blocked
		case syncTagConfiguration:
			sm.Configuration = true
		case syncTagFetchLatest:
			fr := NewReader(body)
			if sm.FetchLatest, err = fr.ReadUint32(); err != nil {
				return nil, fmt.Errorf("%w: fetch latest sync", ErrMalformedContent)
			}
		case syncTagKeys:
			sm.Keys = body
		case syncTagStickerPack:
			pr := NewReader(body)
			op := &StickerPackSync{}
			if op.PackID, err = pr.ReadBytes(); err != nil {
				return nil, fmt.Errorf("%w: sticker pack sync", ErrMalformedContent)
			}
			if op.PackKey, err = pr.ReadBytes(); err != nil {
				return nil, fmt.Errorf("%w: sticker pack sync", ErrMalformedContent)
			}
			install, err := pr.ReadUint8()
			if err != nil {
				return nil, fmt.Errorf("%w: sticker pack sync", ErrMalformedContent)
			}
			op.Install = install == 1
			sm.StickerPackOperation = op
		case syncTagVerified:
			vr := NewReader(body)
			v := &VerifiedSync{}
			if v.DestinationUUID, err = vr.ReadString(); err != nil {
				return nil, fmt.Errorf("%w: verified sync", ErrMalformedContent)
			}
			if v.IdentityKey, err = vr.ReadBytes(); err != nil {
				return nil, fmt.Errorf("%w: verified sync", ErrMalformedContent)
			}
			verified, err := vr.ReadUint8()
			if err != nil {
				return nil, fmt.Errorf("%w: verified sync", ErrMalformedContent)
			}
			v.Verified = verified == 1
			sm.Verified = v
		case syncTagMessageRequest:
			mr := NewReader(body)
			m := &MessageRequestResponseSync{}
			if m.ThreadUUID, err = mr.ReadString(); err != nil {
				return nil, fmt.Errorf("%w: message request sync", ErrMalformedContent)
			}
			if m.GroupID, err = mr.ReadBytes(); err != nil {
				return nil, fmt.Errorf("%w: message request sync", ErrMalformedContent)
			}
			if len(m.GroupID) == 0 {
				m.GroupID = nil
			}
			accepted, err := mr.ReadUint8()
			if err != nil {
				return nil, fmt.Errorf("%w: message request sync", ErrMalformedContent)
			}
			m.Accepted = accepted == 1
			sm.MessageRequestResponse = m
		default:
			// skip unknown sync kinds
		}
	}
	return sm, nil
}
