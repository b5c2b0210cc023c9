package protocol

import (
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/wire"
	"github.com/status-im/doubleratchet"
)

// ratchetMessage is the wire form of one pairwise double-ratchet message.
type ratchetMessage struct {
	Dh   []byte
	N    uint32
	Pn   uint32
	Body []byte
}

func (rm *ratchetMessage) encode() []byte {
	w := wire.NewWriter()
	w.WriteBytes(rm.Dh)
	w.WriteUint32(rm.N)
	w.WriteUint32(rm.Pn)
	w.WriteBytes(rm.Body)
	return w.Bytes()
}

func decodeRatchetMessage(raw []byte) (*ratchetMessage, error) {
	r := wire.NewReader(raw)
	rm := &ratchetMessage{}
	var err error
	if rm.Dh, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: ratchet message dh", wire.ErrMalformedEnvelope)
	}
	if rm.N, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: ratchet message n", wire.ErrMalformedEnvelope)
	}
	if rm.Pn, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: ratchet message pn", wire.ErrMalformedEnvelope)
	}
	if rm.Body, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: ratchet message body", wire.ErrMalformedEnvelope)
	}
	return rm, nil
}

func (rm *ratchetMessage) message() doubleratchet.Message {
	return doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: rm.Dh,
			N:  rm.N,
			PN: rm.Pn,
		},
		Ciphertext: rm.Body,
	}
}

// prekeyMessage is the wire form of a session-establishing message: the
// prekey ids it consumes, the initiator's agreement keys and the first
// ratchet message of the new session.
type prekeyMessage struct {
	PrekeyID       uint32
	SignedPrekeyID uint32
	BaseKey        []byte
	IdentityKey    []byte
	Message        *ratchetMessage
}

func (pm *prekeyMessage) encode() []byte {
	w := wire.NewWriter()
	w.WriteUint32(pm.PrekeyID)
	w.WriteUint32(pm.SignedPrekeyID)
	w.WriteBytes(pm.BaseKey)
	w.WriteBytes(pm.IdentityKey)
	w.WriteBytes(pm.Message.encode())
	return w.Bytes()
}

func decodePrekeyMessage(raw []byte) (*prekeyMessage, error) {
	r := wire.NewReader(raw)
	pm := &prekeyMessage{}
	var err error
	if pm.PrekeyID, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: prekey message prekey id", wire.ErrMalformedEnvelope)
	}
	if pm.SignedPrekeyID, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: prekey message signed prekey id", wire.ErrMalformedEnvelope)
	}
	if pm.BaseKey, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: prekey message base key", wire.ErrMalformedEnvelope)
	}
	if pm.IdentityKey, err = r.ReadBytes(); err != nil {
		return nil, fmt.Errorf("%w: prekey message identity key", wire.ErrMalformedEnvelope)
	}
	body, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: prekey message body", wire.ErrMalformedEnvelope)
	}
	if pm.Message, err = decodeRatchetMessage(body); err != nil {
		return nil, err
	}
	return pm, nil
}

func dh(priv, pub []byte) []byte {
	out := box.Precompute(crypto.SliceToKey(pub), crypto.SliceToKey(priv))
	return out[:]
}

// responderSecret derives the shared session secret on the receiving side
// of a prekey agreement. The initiator-side mirror lives in peer.go.
func responderSecret(spkPriv, otpPriv, theirIdentityPub, theirBaseKey []byte) ([]byte, error) {
	dhs := [][]byte{
		dh(spkPriv, theirIdentityPub),
		dh(spkPriv, theirBaseKey),
	}
	if otpPriv != nil {
		dhs = append(dhs, dh(otpPriv, theirBaseKey))
	}
	return crypto.SessionSecret(dhs...)
}

// establishSession creates the pairwise session for a remote device from an
// incoming prekey message, consuming the one-time prekey it names. The
// session's initial ratchet keypair is the signed prekey, matching the
// remote key the initiator ratcheted against.
func (db *database) establishSession(account, accountUUID string, device uint32, pm *prekeyMessage) (*remoteSession, error) {
	spk, ok, err := db.signedPrekey(pm.SignedPrekeyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("protocol: unknown signed prekey %d", pm.SignedPrekeyID)
	}

	var otpPriv []byte
	if pm.PrekeyID != 0 {
		otp, ok, err := db.oneTimePrekey(pm.PrekeyID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("protocol: unknown one-time prekey %d", pm.PrekeyID)
		}
		otpPriv = otp.Priv
		if err := db.deleteOneTimePrekey(pm.PrekeyID); err != nil {
			return nil, err
		}
	}

	secret, err := responderSecret(spk.Priv, otpPriv, pm.IdentityKey, pm.BaseKey)
	if err != nil {
		return nil, err
	}

	s := &remoteSession{
		ID:          sessionID(accountUUID, device),
		Account:     account,
		AccountUUID: accountUUID,
		Device:      device,
	}
	if err := db.insertSession(s); err != nil {
		return nil, err
	}

	dhPair := dhPairImpl{privateKey: [32]byte(spk.Priv), publicKey: [32]byte(spk.Pub)}
	if _, err := doubleratchet.New(s.ID, secret, dhPair, db.ratchetSessionStorage(), doubleratchet.WithCrypto(db.ratchetCrypto()), doubleratchet.WithKeysStorage(db.ratchetKeysStorage(s.ID))); err != nil {
		return nil, fmt.Errorf("protocol: error creating session: %w", err)
	}
	return s, nil
}
