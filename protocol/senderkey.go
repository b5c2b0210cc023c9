package protocol

import (
	"crypto/ed25519"
	"fmt"

	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/wire"
)

// maxSenderKeySkip bounds how far a sender-key chain will ratchet forward
// to reach an out-of-order message.
const maxSenderKeySkip = 2000

// senderKeyDistribution installs the starting point of a group sender-key
// chain for one (sender, device, distribution) tuple.
type senderKeyDistribution struct {
	DistributionID []byte
	ChainKey       []byte
	Iteration      uint32
	SigningPub     []byte
}

func (d *senderKeyDistribution) encode() []byte {
	w := wire.NewWriter()
	w.WriteBytes(d.DistributionID)
	w.WriteBytes(d.ChainKey)
	w.WriteUint32(d.Iteration)
	w.WriteBytes(d.SigningPub)
	return w.Bytes()
}

func decodeSenderKeyDistribution(raw []byte) (*senderKeyDistribution, error) {
	r := wire.NewReader(raw)
	d := &senderKeyDistribution{}
	var err error
	if d.DistributionID, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: distribution id", wire.ErrMalformedEnvelope)
	}
	if d.ChainKey, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: distribution chain key", wire.ErrMalformedEnvelope)
	}
	if d.Iteration, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: distribution iteration", wire.ErrMalformedEnvelope)
	}
	if d.SigningPub, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: distribution signing key", wire.ErrMalformedEnvelope)
	}
	return d, nil
}

type senderKeyMessage struct {
	DistributionID []byte
	Iteration      uint32
	Ciphertext     []byte
	Signature      []byte
}

func (m *senderKeyMessage) signedBytes() []byte {
	w := wire.NewWriter()
	w.WriteBytes(m.DistributionID)
	w.WriteUint32(m.Iteration)
	w.WriteBytes(m.Ciphertext)
	return w.Bytes()
}

func (m *senderKeyMessage) encode() []byte {
	w := wire.NewWriter()
	w.WriteBytes(m.DistributionID)
	w.WriteUint32(m.Iteration)
	w.WriteBytes(m.Ciphertext)
	w.WriteBytes(m.Signature)
	return w.Bytes()
}

func decodeSenderKeyMessage(raw []byte) (*senderKeyMessage, error) {
	r := wire.NewReader(raw)
	m := &senderKeyMessage{}
	var err error
	if m.DistributionID, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: sender key distribution id", wire.ErrMalformedEnvelope)
	}
	if m.Iteration, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: sender key iteration", wire.ErrMalformedEnvelope)
	}
	if m.Ciphertext, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: sender key ciphertext", wire.ErrMalformedEnvelope)
	}
	if m.Signature, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: sender key signature", wire.ErrMalformedEnvelope)
	}
	return m, nil
}

// installSenderKey records a distribution message's chain for later
// sender-key decrypts. Reinstalling an already-known distribution resets
// the chain to the distributed iteration.
func (db *database) installSenderKey(accountUUID string, device uint32, d *senderKeyDistribution) error {
	return db.upsertSenderKey(&senderKeyState{
		AccountUUID:    accountUUID,
		Device:         device,
		DistributionID: d.DistributionID,
		ChainKey:       d.ChainKey,
		Iteration:      d.Iteration,
		SigningPub:     d.SigningPub,
	})
}

// decryptSenderKey advances the stored chain to the message's iteration,
// keeping skipped message keys for the gap, then opens the ciphertext. A
// message behind the chain with no stored skipped key has already been
// consumed and fails with ErrDuplicateCounter. Sender-key state is wholly
// separate from pairwise ratchet state, so failure here cannot corrupt any
// pairwise session.
func (db *database) decryptSenderKey(accountUUID string, device uint32, m *senderKeyMessage) ([]byte, error) {
	sk, ok, err := db.senderKey(accountUUID, device, m.DistributionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: distribution %x for %s/%d", ErrNoSenderKey, m.DistributionID, accountUUID, device)
	}

	if len(sk.SigningPub) == ed25519.PublicKeySize {
		if !ed25519.Verify(ed25519.PublicKey(sk.SigningPub), m.signedBytes(), m.Signature) {
			return nil, fmt.Errorf("protocol: sender key signature verification failed")
		}
	}

	if m.Iteration < sk.Iteration {
		skipped, ok, err := db.skippedSenderKey(accountUUID, device, m.DistributionID, m.Iteration)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: sender key iteration %d behind chain at %d", ErrDuplicateCounter, m.Iteration, sk.Iteration)
		}
		plaintext, err := crypto.DecryptWithKey(skipped.MessageKey, m.Ciphertext, m.DistributionID)
		if err != nil {
			return nil, err
		}
		if err := db.deleteSkippedSenderKey(accountUUID, device, m.DistributionID, m.Iteration); err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	if m.Iteration-sk.Iteration > maxSenderKeySkip {
		return nil, fmt.Errorf("protocol: sender key iteration %d too far ahead of chain at %d", m.Iteration, sk.Iteration)
	}

	ck := sk.ChainKey
	for i := sk.Iteration; i < m.Iteration; i++ {
		if err := db.insertSkippedSenderKey(&skippedSenderKey{
			AccountUUID:    accountUUID,
			Device:         device,
			DistributionID: m.DistributionID,
			Iteration:      i,
			MessageKey:     crypto.MessageKey(ck),
		}); err != nil {
			return nil, err
		}
		ck = crypto.NextChainKey(ck)
	}

	plaintext, err := crypto.DecryptWithKey(crypto.MessageKey(ck), m.Ciphertext, m.DistributionID)
	if err != nil {
		return nil, err
	}

	sk.ChainKey = crypto.NextChainKey(ck)
	sk.Iteration = m.Iteration + 1
	if err := db.upsertSenderKey(sk); err != nil {
		return nil, err
	}
	return plaintext, nil
}
