// Package protocol implements the cryptographic half of the receipt
// pipeline: sealed-sender unsealing with certificate chain validation, and
// session decryption across plaintext, pairwise ratchet, prekey and
// sender-key messages. All key material lives in the database; the engine
// never caches ratchet state between operations, and every session-mutating
// method expects to run inside the database's transactional zone so partial
// ratchet advancement is never visible unless the caller's batch commits.
package protocol

import (
	"bytes"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/wire"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

// Blocklist is the post-decrypt gate. Identity cannot be trusted before
// unsealing, so the engine consults it only once the sender is resolved.
type Blocklist interface {
	IdentifierBlocked(identifier string) (bool, error)
	AccountBlocked(accountUUID string) (bool, error)
	GroupBlocked(groupID []byte) (bool, error)
}

// Identity is the public view of the local account.
type Identity struct {
	Account     string
	AccountUUID string
	Device      uint32
	DhPub       []byte
	SigningPub  []byte
}

// PrekeyBundle is what a peer fetches to establish a session with us.
type PrekeyBundle struct {
	IdentityKey      []byte
	SigningKey       []byte
	SignedPrekeyID   uint32
	SignedPrekeyPub  []byte
	SignedPrekeySig  []byte
	OneTimePrekeyID  uint32 // 0 when none remain
	OneTimePrekeyPub []byte
}

// Result is the outcome of processing one envelope. At most one of
// Plaintext, Blocked and Receipt is meaningful: a receipt produces no
// plaintext by design, and a blocked sender's plaintext is discarded.
type Result struct {
	Plaintext []byte
	Blocked   bool
	Receipt   bool
}

type Engine struct {
	log    *zap.SugaredLogger
	config *config.Config
	db     *database
	blocks Blocklist
}

func NewEngine(c *config.Config, internalDB *db.Database, blocks Blocklist) (*Engine, error) {
	if len(c.TrustRoot) != ed25519.PublicKeySize {
		return nil, errors.New("protocol: trust root public key required")
	}
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:    c.Logger("protocol"),
		config: c,
		db:     d,
		blocks: blocks,
	}, nil
}

// CreateIdentity generates and stores the local account's key material.
func (e *Engine) CreateIdentity(account, accountUUID string, device uint32) error {
	return e.db.Run("protocol create identity", func() error {
		dhPub, dhPriv, err := box.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return err
		}
		signingPub, signingPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return err
		}
		return e.db.insertIdentity(&identity{
			Account:     account,
			AccountUUID: accountUUID,
			Device:      device,
			DhPriv:      dhPriv[:],
			DhPub:       dhPub[:],
			SigningPriv: signingPriv,
			SigningPub:  signingPub,
		})
	})
}

func (e *Engine) Identity() (*Identity, error) {
	var ident *Identity
	err := e.db.Run("protocol identity", func() error {
		i, err := e.db.identity()
		if err != nil {
			return err
		}
		ident = &Identity{
			Account:     i.Account,
			AccountUUID: i.AccountUUID,
			Device:      i.Device,
			DhPub:       i.DhPub,
			SigningPub:  i.SigningPub,
		}
		return nil
	})
	return ident, err
}

// GenerateOneTimePrekeys mints n one-time prekeys, continuing the id
// sequence from whatever is already stored.
func (e *Engine) GenerateOneTimePrekeys(n int) error {
	return e.db.Run("protocol generate prekeys", func() error {
		next := uint32(1)
		var last struct {
			ID uint32 `db:"prekey_id"`
		}
		if err := e.db.Tx.Get(&last, "SELECT COALESCE(MAX(prekey_id), 0) AS prekey_id FROM _one_time_prekeys"); err == nil {
			next = last.ID + 1
		}
		for i := 0; i < n; i++ {
			pub, priv, err := box.GenerateKey(crypto_rand.Reader)
			if err != nil {
				return err
			}
			if err := e.db.insertOneTimePrekey(&oneTimePrekey{PrekeyID: next + uint32(i), Priv: priv[:], Pub: pub[:]}); err != nil {
				return err
			}
		}
		return nil
	})
}

// RotateSignedPrekey replaces the current signed prekey with a fresh one,
// signed by the identity signing key.
func (e *Engine) RotateSignedPrekey() error {
	return e.db.Run("protocol rotate signed prekey", func() error {
		i, err := e.db.identity()
		if err != nil {
			return err
		}
		current, ok, err := e.db.currentSignedPrekey()
		if err != nil {
			return err
		}
		next := uint32(1)
		if ok {
			next = current.PrekeyID + 1
		}
		pub, priv, err := box.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return err
		}
		return e.db.upsertSignedPrekey(&signedPrekey{
			PrekeyID: next,
			Priv:     priv[:],
			Pub:      pub[:],
			Sig:      ed25519.Sign(i.SigningPriv, pub[:]),
		})
	})
}

// PrekeyBundle returns the material a peer needs to start a session,
// including one one-time prekey if any remain. The prekey is consumed only
// when the peer's first message arrives, not when the bundle is read.
func (e *Engine) PrekeyBundle() (*PrekeyBundle, error) {
	var bundle *PrekeyBundle
	err := e.db.Run("protocol prekey bundle", func() error {
		i, err := e.db.identity()
		if err != nil {
			return err
		}
		spk, ok, err := e.db.currentSignedPrekey()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("protocol: no signed prekey")
		}
		bundle = &PrekeyBundle{
			IdentityKey:     i.DhPub,
			SigningKey:      i.SigningPub,
			SignedPrekeyID:  spk.PrekeyID,
			SignedPrekeyPub: spk.Pub,
			SignedPrekeySig: spk.Sig,
		}
		otp, ok, err := e.db.nextOneTimePrekey()
		if err != nil {
			return err
		}
		if ok {
			bundle.OneTimePrekeyID = otp.PrekeyID
			bundle.OneTimePrekeyPub = otp.Pub
		}
		return nil
	})
	return bundle, err
}

// HasSession reports whether a pairwise session exists for a remote device.
func (e *Engine) HasSession(accountUUID string, device uint32) (bool, error) {
	var found bool
	err := e.db.Run("protocol has session", func() error {
		_, ok, err := e.db.session(accountUUID, device)
		found = ok
		return err
	})
	return found, err
}

// Process unseals and decrypts one envelope. It must be called inside the
// database zone owning this batch; the envelope is mutated in place when a
// sealed wrapper is stripped.
func (e *Engine) Process(env *wire.Envelope) (*Result, error) {
	if env.Type == wire.EnvelopeReceipt {
		return &Result{Receipt: true}, nil
	}

	if env.Type == wire.EnvelopeSealedSender {
		if err := e.unseal(env); err != nil {
			return nil, err
		}
	}

	ct, ok := env.Ciphertext()
	if !ok || len(ct) == 0 {
		return nil, ErrMissingContent
	}

	var padded []byte
	var err error
	switch env.Type {
	case wire.EnvelopePlaintextContent:
		padded = ct
	case wire.EnvelopeCiphertext:
		padded, err = e.decryptRatchet(env, ct, false)
	case wire.EnvelopePrekeyBundle:
		padded, err = e.decryptPrekey(env, ct)
	case wire.EnvelopeSenderKey:
		padded, err = e.decryptSenderKeyEnvelope(env, ct)
	default:
		return nil, fmt.Errorf("%w: cannot decrypt %s envelope", wire.ErrMalformedEnvelope, env.Type)
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := stripPadding(padded)
	if err != nil {
		return nil, newDecryptionError(env.SourceUUID, env.SourceDevice, env.Timestamp, err)
	}

	e.processDistribution(env, plaintext)

	blocked, err := e.senderBlocked(env)
	if err != nil {
		return nil, err
	}
	if blocked {
		e.log.Infof("discarding plaintext from blocked sender %s/%s", env.Source, env.SourceUUID)
		return &Result{Blocked: true}, nil
	}

	return &Result{Plaintext: plaintext}, nil
}

// unseal strips the sealed-sender wrapper in place: it validates the
// embedded certificate chain against the pinned trust root, then overwrites
// the envelope's sender fields with the certificate-derived identity.
func (e *Engine) unseal(env *wire.Envelope) error {
	ct, ok := env.Ciphertext()
	if !ok || len(ct) == 0 {
		return ErrMissingContent
	}

	i, err := e.db.identity()
	if err != nil {
		return err
	}

	sm, err := openSealed(i.DhPriv, ct)
	if err != nil {
		return err
	}

	if err := sm.Certificate.Validate(e.config.TrustRoot, env.ServerTimestamp); err != nil {
		return err
	}

	hadSender := env.SenderKnown()
	env.Source = sm.Certificate.Sender
	env.SourceUUID = sm.Certificate.SenderUUID
	env.SourceDevice = sm.Certificate.SenderDevice
	env.ContentHint = sm.ContentHint
	env.GroupID = sm.GroupID
	env.UnidentifiedSender = !hadSender
	env.Type = sm.Type
	env.SetContent(sm.Content)
	return nil
}

func (e *Engine) decryptRatchet(env *wire.Envelope, ct []byte, establishing bool) ([]byte, error) {
	s, ok, err := e.db.session(env.SourceUUID, env.SourceDevice)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newDecryptionError(env.SourceUUID, env.SourceDevice, env.Timestamp, ErrNoSession)
	}

	rm, err := decodeRatchetMessage(ct)
	if err != nil {
		return nil, err
	}

	if !establishing {
		if err := e.checkCounter(s.ID, rm); err != nil {
			return nil, err
		}
	}

	drSession, err := doubleratchet.Load(s.ID, e.db.ratchetSessionStorage(), doubleratchet.WithCrypto(e.db.ratchetCrypto()), doubleratchet.WithKeysStorage(e.db.ratchetKeysStorage(s.ID)))
	if err != nil {
		return nil, fmt.Errorf("protocol: error loading session: %w", err)
	}
	plaintext, err := drSession.RatchetDecrypt(rm.message(), nil)
	if err != nil {
		return nil, newDecryptionError(env.SourceUUID, env.SourceDevice, env.Timestamp, err)
	}
	return plaintext, nil
}

// checkCounter rejects a message whose counter is behind the receive chain
// with no skipped key stored for it: that ratchet step has already been
// consumed and redecrypting can never succeed.
func (e *Engine) checkCounter(sessionID []byte, rm *ratchetMessage) error {
	st, err := e.db.ratchetState(sessionID)
	if err != nil {
		return err
	}
	if !bytes.Equal(rm.Dh, st.Dhr) || rm.N >= st.RecvChCount {
		return nil
	}
	_, ok, err := e.db.keyByMsgNum(sessionID, rm.Dh, uint(rm.N))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: counter %d behind receive chain at %d", ErrDuplicateCounter, rm.N, st.RecvChCount)
	}
	return nil
}

func (e *Engine) decryptPrekey(env *wire.Envelope, ct []byte) ([]byte, error) {
	pm, err := decodePrekeyMessage(ct)
	if err != nil {
		return nil, err
	}

	_, ok, err := e.db.session(env.SourceUUID, env.SourceDevice)
	if err != nil {
		return nil, err
	}
	if !ok {
		i, err := e.db.identity()
		if err != nil {
			return nil, err
		}
		if _, err := e.db.establishSession(i.Account, env.SourceUUID, env.SourceDevice, pm); err != nil {
			return nil, newDecryptionError(env.SourceUUID, env.SourceDevice, env.Timestamp, err)
		}
		e.log.Infof("established session for %s/%d consuming prekey %d", env.SourceUUID, env.SourceDevice, pm.PrekeyID)
	}

	return e.decryptRatchet(env, pm.Message.encode(), !ok)
}

func (e *Engine) decryptSenderKeyEnvelope(env *wire.Envelope, ct []byte) ([]byte, error) {
	m, err := decodeSenderKeyMessage(ct)
	if err != nil {
		return nil, err
	}
	plaintext, err := e.db.decryptSenderKey(env.SourceUUID, env.SourceDevice, m)
	if err != nil {
		if errors.Is(err, ErrDuplicateCounter) {
			return nil, err
		}
		return nil, newDecryptionError(env.SourceUUID, env.SourceDevice, env.Timestamp, err)
	}
	return plaintext, nil
}

// processDistribution installs any sender-key distribution embedded in the
// decrypted content before the engine returns, since a later queued message
// may depend on the newly installed chain. Failure is logged and swallowed:
// the carrying message is still deliverable, and at worst the group re-keys.
func (e *Engine) processDistribution(env *wire.Envelope, plaintext []byte) {
	content, err := wire.DecodeContent(plaintext)
	if err != nil || len(content.SenderKeyDistribution) == 0 {
		return
	}
	d, err := decodeSenderKeyDistribution(content.SenderKeyDistribution)
	if err != nil {
		e.log.Warnf("ignoring malformed sender key distribution from %s/%d: %v", env.SourceUUID, env.SourceDevice, err)
		return
	}
	if err := e.db.installSenderKey(env.SourceUUID, env.SourceDevice, d); err != nil {
		e.log.Warnf("error installing sender key from %s/%d: %v", env.SourceUUID, env.SourceDevice, err)
		return
	}
	e.log.Debugf("installed sender key distribution %x from %s/%d", d.DistributionID, env.SourceUUID, env.SourceDevice)
}

func (e *Engine) senderBlocked(env *wire.Envelope) (bool, error) {
	if env.Source != "" {
		blocked, err := e.blocks.IdentifierBlocked(env.Source)
		if err != nil || blocked {
			return blocked, err
		}
	}
	if env.SourceUUID != "" {
		return e.blocks.AccountBlocked(env.SourceUUID)
	}
	return false, nil
}
