package protocol

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-courier/crypto"
	"github.com/status-im/doubleratchet"
)

// Peer is the sending side of the protocol, used to drive tests with real
// ciphertext. It keeps all state in memory.
type Peer struct {
	Account     string
	AccountUUID string
	Device      uint32
	DhPub       []byte
	DhPriv      []byte
	SigningPub  ed25519.PublicKey
	SigningPriv ed25519.PrivateKey

	bundle  *PrekeyBundle
	baseKey []byte
	session doubleratchet.Session
	chains  map[string]*peerChain
}

type peerChain struct {
	distributionID []byte
	chainKey       []byte
	iteration      uint32
}

func NewPeer(account, accountUUID string, device uint32) (*Peer, error) {
	dhPub, dhPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	signingPub, signingPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Peer{
		Account:     account,
		AccountUUID: accountUUID,
		Device:      device,
		DhPub:       dhPub[:],
		DhPriv:      dhPriv[:],
		SigningPub:  signingPub,
		SigningPriv: signingPriv,
		chains:      make(map[string]*peerChain),
	}, nil
}

// EstablishSession runs the initiator side of the prekey agreement against
// a fetched bundle. The first message must be produced with EncryptPrekey.
func (p *Peer) EstablishSession(bundle *PrekeyBundle) error {
	if len(bundle.SigningKey) == ed25519.PublicKeySize {
		if !ed25519.Verify(ed25519.PublicKey(bundle.SigningKey), bundle.SignedPrekeyPub, bundle.SignedPrekeySig) {
			return errors.New("protocol: signed prekey signature verification failed")
		}
	}

	basePub, basePriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return err
	}

	dhs := [][]byte{
		dh(p.DhPriv, bundle.SignedPrekeyPub),
		dh(basePriv[:], bundle.SignedPrekeyPub),
	}
	if bundle.OneTimePrekeyID != 0 {
		dhs = append(dhs, dh(basePriv[:], bundle.OneTimePrekeyPub))
	}
	secret, err := crypto.SessionSecret(dhs...)
	if err != nil {
		return err
	}

	sessID := []byte("peer-session")
	storage := &memorySessionStorage{}
	session, err := doubleratchet.NewWithRemoteKey(sessID, secret, bundle.SignedPrekeyPub, storage, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(&memoryKeysStorage{keys: make(map[string]map[uint]doubleratchet.Key)}))
	if err != nil {
		return fmt.Errorf("protocol: error creating peer session: %w", err)
	}

	p.bundle = bundle
	p.session = session
	p.baseKey = basePub[:]
	return nil
}

// EncryptPrekey produces the session-establishing message: the prekey ids
// being consumed plus the first ratchet message.
func (p *Peer) EncryptPrekey(content []byte) ([]byte, error) {
	if p.session == nil || p.bundle == nil {
		return nil, errors.New("protocol: no established peer session")
	}
	msg, err := p.session.RatchetEncrypt(PadContent(content), nil)
	if err != nil {
		return nil, err
	}
	pm := &prekeyMessage{
		PrekeyID:       p.bundle.OneTimePrekeyID,
		SignedPrekeyID: p.bundle.SignedPrekeyID,
		BaseKey:        p.baseKey,
		IdentityKey:    p.DhPub,
		Message: &ratchetMessage{
			Dh:   msg.Header.DH,
			N:    msg.Header.N,
			Pn:   msg.Header.PN,
			Body: msg.Ciphertext,
		},
	}
	return pm.encode(), nil
}

// Encrypt produces a pairwise ciphertext message on the established session.
func (p *Peer) Encrypt(content []byte) ([]byte, error) {
	if p.session == nil {
		return nil, errors.New("protocol: no established peer session")
	}
	msg, err := p.session.RatchetEncrypt(PadContent(content), nil)
	if err != nil {
		return nil, err
	}
	rm := &ratchetMessage{
		Dh:   msg.Header.DH,
		N:    msg.Header.N,
		Pn:   msg.Header.PN,
		Body: msg.Ciphertext,
	}
	return rm.encode(), nil
}

// DistributionMessage starts a fresh sender-key chain and returns the
// distribution message installing it, for embedding in content.
func (p *Peer) DistributionMessage(distributionID []byte) ([]byte, error) {
	chainKey := make([]byte, 32)
	if _, err := crypto_rand.Read(chainKey); err != nil {
		return nil, err
	}
	p.chains[string(distributionID)] = &peerChain{
		distributionID: distributionID,
		chainKey:       chainKey,
		iteration:      0,
	}
	d := &senderKeyDistribution{
		DistributionID: distributionID,
		ChainKey:       chainKey,
		Iteration:      0,
		SigningPub:     p.SigningPub,
	}
	return d.encode(), nil
}

// EncryptSenderKey produces a group message on a previously distributed
// chain, advancing it by one iteration.
func (p *Peer) EncryptSenderKey(distributionID, content []byte) ([]byte, error) {
	chain, ok := p.chains[string(distributionID)]
	if !ok {
		return nil, fmt.Errorf("protocol: no chain for distribution %x", distributionID)
	}
	m := &senderKeyMessage{
		DistributionID: distributionID,
		Iteration:      chain.iteration,
	}
	ct, err := crypto.EncryptWithKey(crypto.MessageKey(chain.chainKey), PadContent(content), distributionID)
	if err != nil {
		return nil, err
	}
	m.Ciphertext = ct
	m.Signature = ed25519.Sign(p.SigningPriv, m.signedBytes())
	chain.chainKey = crypto.NextChainKey(chain.chainKey)
	chain.iteration++
	return m.encode(), nil
}

type memorySessionStorage struct {
	state *doubleratchet.State
}

func (m *memorySessionStorage) Load(_ []byte) (*doubleratchet.State, error) {
	return m.state, nil
}

func (m *memorySessionStorage) Save(_ []byte, state *doubleratchet.State) error {
	m.state = state
	return nil
}

type memoryKeysStorage struct {
	keys map[string]map[uint]doubleratchet.Key
}

func (m *memoryKeysStorage) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	byNum, ok := m.keys[string(k)]
	if !ok {
		return doubleratchet.Key{}, false, nil
	}
	mk, ok := byNum[msgNum]
	return mk, ok, nil
}

func (m *memoryKeysStorage) Put(_ []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, _ uint) error {
	if _, ok := m.keys[string(k)]; !ok {
		m.keys[string(k)] = make(map[uint]doubleratchet.Key)
	}
	m.keys[string(k)][msgNum] = mk
	return nil
}

func (m *memoryKeysStorage) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	if byNum, ok := m.keys[string(k)]; ok {
		delete(byNum, msgNum)
	}
	return nil
}

func (m *memoryKeysStorage) DeleteOldMks(_ []byte, _ uint) error {
	return nil
}

func (m *memoryKeysStorage) TruncateMks(_ []byte, _ int) error {
	return nil
}

func (m *memoryKeysStorage) Count(k doubleratchet.Key) (uint, error) {
	return uint(len(m.keys[string(k)])), nil
}

func (m *memoryKeysStorage) All() (map[string]map[uint]doubleratchet.Key, error) {
	return m.keys, nil
}
