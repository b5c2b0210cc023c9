package pipeline

import (
	"fmt"

	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

// dispatcher interprets decrypted plaintext as structured content and
// raises exactly one typed event for the content kind present. It runs on
// the decrypted queue only, so consumers observe events in receipt order.
type dispatcher struct {
	log              *zap.SugaredLogger
	own              *protocol.Identity
	events           EventChannel
	groupBlocked     func(groupID []byte) (bool, error)
	replaceBlocklist func(identifiers, accountUUIDs []string, groupIDs [][]byte) error
}

// dispatch raises the event for one decrypted envelope. The returned error
// is fatal for the envelope: the caller evicts the record without an event.
// A nil error with no event raised (null messages, distribution-only
// content, blocked groups) means the record was handled and acked here.
func (d *dispatcher) dispatch(env *wire.Envelope, plaintext []byte, ack AckFunc) error {
	content, err := wire.DecodeContent(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedContent, err)
	}

	switch {
	case content.Data != nil:
		return d.dispatchData(env, content.Data, ack)
	case content.Sync != nil:
		return d.dispatchSync(env, content.Sync, ack)
	case content.Receipt != nil:
		for _, ts := range content.Receipt.Timestamps {
			d.events <- &ReceiptEvent{
				Kind:         content.Receipt.Kind,
				Sender:       env.Source,
				SenderUUID:   env.SourceUUID,
				SenderDevice: env.SourceDevice,
				Timestamp:    ts,
				Ack:          ack,
			}
		}
		if len(content.Receipt.Timestamps) == 0 {
			ack()
		}
		return nil
	case content.Typing != nil:
		if content.Typing.GroupID != nil {
			blocked, err := d.groupBlocked(content.Typing.GroupID)
			if err != nil {
				return err
			}
			if blocked {
				d.log.Debugf("dropping typing indicator for blocked group %x", content.Typing.GroupID)
				ack()
				return nil
			}
		}
		d.events <- &TypingEvent{
			Started:      content.Typing.Action == wire.TypingStarted,
			SenderUUID:   env.SourceUUID,
			SenderDevice: env.SourceDevice,
			Timestamp:    content.Typing.Timestamp,
			GroupID:      content.Typing.GroupID,
			Ack:          ack,
		}
		return nil
	case content.Calling != nil:
		d.events <- &CallingEvent{
			SenderUUID:   env.SourceUUID,
			SenderDevice: env.SourceDevice,
			Opaque:       content.Calling.Opaque,
			Ack:          ack,
		}
		return nil
	case content.DecryptionError != nil:
		d.events <- &RetryRequestEvent{
			SenderUUID:   env.SourceUUID,
			SenderDevice: env.SourceDevice,
			Timestamp:    content.DecryptionError.Timestamp,
			DeviceID:     content.DecryptionError.DeviceID,
			RatchetKey:   content.DecryptionError.RatchetKey,
			Ack:          ack,
		}
		return nil
	case content.Null:
		ack()
		return nil
	case len(content.SenderKeyDistribution) > 0:
		// distribution-only content: the engine already installed the key
		ack()
		return nil
	default:
		return ErrUnsupportedContent
	}
}

func (d *dispatcher) dispatchData(env *wire.Envelope, dm *wire.DataMessage, ack AckFunc) error {
	if dm.GroupID != nil {
		blocked, err := d.groupBlocked(dm.GroupID)
		if err != nil {
			return err
		}
		if blocked {
			d.log.Debugf("dropping data message for blocked group %x", dm.GroupID)
			ack()
			return nil
		}
	}
	if dm.ProfileKey != nil {
		d.events <- &ProfileKeyUpdateEvent{
			SenderUUID: env.SourceUUID,
			ProfileKey: dm.ProfileKey,
		}
	}
	d.events <- &DataMessageEvent{
		Sender:             env.Source,
		SenderUUID:         env.SourceUUID,
		SenderDevice:       env.SourceDevice,
		Timestamp:          env.Timestamp,
		Body:               dm.Body,
		GroupID:            dm.GroupID,
		ProfileKey:         dm.ProfileKey,
		UnidentifiedSender: env.UnidentifiedSender,
		Ack:                ack,
	}
	return nil
}

// dispatchSync validates that the sync genuinely came from the local
// account's own other device before raising its sub-kind event.
func (d *dispatcher) dispatchSync(env *wire.Envelope, sm *wire.SyncMessage, ack AckFunc) error {
	if env.SourceUUID != d.own.AccountUUID || env.SourceDevice == d.own.Device {
		return fmt.Errorf("%w: from %s/%d", ErrForeignSyncMessage, env.SourceUUID, env.SourceDevice)
	}

	switch {
	case sm.Sent != nil:
		d.events <- &SentSyncEvent{
			DestinationUUID: sm.Sent.DestinationUUID,
			Timestamp:       sm.Sent.Timestamp,
			Message:         sm.Sent.Message,
			Ack:             ack,
		}
	case sm.Contacts != nil:
		d.events <- &ContactsSyncEvent{Blob: sm.Contacts, Ack: ack}
	case sm.Groups != nil:
		d.events <- &GroupsSyncEvent{Blob: sm.Groups, Ack: ack}
	case sm.Blocked != nil:
		if err := d.replaceBlocklist(sm.Blocked.Identifiers, sm.Blocked.UUIDs, sm.Blocked.GroupIDs); err != nil {
			d.log.Warnf("error applying blocked-list sync: %v", err)
		}
		d.events <- &BlockedSyncEvent{
			Identifiers: sm.Blocked.Identifiers,
			UUIDs:       sm.Blocked.UUIDs,
			GroupIDs:    sm.Blocked.GroupIDs,
			Ack:         ack,
		}
	case sm.Configuration:
		d.events <- &ConfigurationSyncEvent{Ack: ack}
	case sm.FetchLatest != 0:
		d.events <- &FetchLatestSyncEvent{Kind: sm.FetchLatest, Ack: ack}
	case sm.Keys != nil:
		d.events <- &KeysSyncEvent{Blob: sm.Keys, Ack: ack}
	case sm.StickerPackOperation != nil:
		d.events <- &StickerPackSyncEvent{
			PackID:  sm.StickerPackOperation.PackID,
			PackKey: sm.StickerPackOperation.PackKey,
			Install: sm.StickerPackOperation.Install,
			Ack:     ack,
		}
	case sm.Verified != nil:
		d.events <- &VerifiedSyncEvent{
			DestinationUUID: sm.Verified.DestinationUUID,
			IdentityKey:     sm.Verified.IdentityKey,
			Verified:        sm.Verified.Verified,
			Ack:             ack,
		}
	case sm.MessageRequestResponse != nil:
		d.events <- &MessageRequestResponseSyncEvent{
			ThreadUUID: sm.MessageRequestResponse.ThreadUUID,
			GroupID:    sm.MessageRequestResponse.GroupID,
			Accepted:   sm.MessageRequestResponse.Accepted,
			Ack:        ack,
		}
	default:
		return fmt.Errorf("%w: empty sync message", ErrUnsupportedContent)
	}
	return nil
}
