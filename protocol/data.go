package protocol

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"github.com/status-im/doubleratchet"
)

type identity struct {
	Account     string `db:"account"`
	AccountUUID string `db:"account_uuid"`
	Device      uint32 `db:"device"`
	DhPriv      []byte `db:"dh_priv"`
	DhPub       []byte `db:"dh_pub"`
	SigningPriv []byte `db:"signing_priv"`
	SigningPub  []byte `db:"signing_pub"`
}

type remoteSession struct {
	ID          []byte `db:"id"`
	Account     string `db:"account"`
	AccountUUID string `db:"account_uuid"`
	Device      uint32 `db:"device"`
}

type ratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type ratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type oneTimePrekey struct {
	PrekeyID uint32 `db:"prekey_id"`
	Priv     []byte `db:"priv"`
	Pub      []byte `db:"pub"`
}

type signedPrekey struct {
	PrekeyID uint32 `db:"prekey_id"`
	Priv     []byte `db:"priv"`
	Pub      []byte `db:"pub"`
	Sig      []byte `db:"sig"`
}

type senderKeyState struct {
	AccountUUID    string `db:"account_uuid"`
	Device         uint32 `db:"device"`
	DistributionID []byte `db:"distribution_id"`
	ChainKey       []byte `db:"chain_key"`
	Iteration      uint32 `db:"iteration"`
	SigningPub     []byte `db:"signing_pub"`
}

type skippedSenderKey struct {
	AccountUUID    string `db:"account_uuid"`
	Device         uint32 `db:"device"`
	DistributionID []byte `db:"distribution_id"`
	Iteration      uint32 `db:"iteration"`
	MessageKey     []byte `db:"message_key"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_protocol", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _identity (
						id INTEGER PRIMARY KEY CHECK (id = 0),
						account STRING NOT NULL,
						account_uuid STRING NOT NULL,
						device INTEGER NOT NULL,
						dh_priv BLOB NOT NULL,
						dh_pub BLOB NOT NULL,
						signing_priv BLOB NOT NULL,
						signing_pub BLOB NOT NULL
					);

					CREATE TABLE _remote_sessions (
						id BLOB PRIMARY KEY,
						account STRING NOT NULL,
						account_uuid STRING NOT NULL,
						device INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX remote_sessions_idx on _remote_sessions (account_uuid, device);

					CREATE TABLE _doubleratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);

					CREATE TABLE _doubleratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

					CREATE TABLE _one_time_prekeys (
						prekey_id INTEGER PRIMARY KEY,
						priv BLOB NOT NULL,
						pub BLOB NOT NULL
					);

					CREATE TABLE _signed_prekeys (
						prekey_id INTEGER PRIMARY KEY,
						priv BLOB NOT NULL,
						pub BLOB NOT NULL,
						sig BLOB NOT NULL
					);

					CREATE TABLE _sender_keys (
						account_uuid STRING NOT NULL,
						device INTEGER NOT NULL,
						distribution_id BLOB NOT NULL,
						chain_key BLOB NOT NULL,
						iteration INTEGER NOT NULL,
						signing_pub BLOB NOT NULL,
						PRIMARY KEY(account_uuid, device, distribution_id)
					);

					CREATE TABLE _skipped_sender_keys (
						account_uuid STRING NOT NULL,
						device INTEGER NOT NULL,
						distribution_id BLOB NOT NULL,
						iteration INTEGER NOT NULL,
						message_key BLOB NOT NULL,
						PRIMARY KEY(account_uuid, device, distribution_id, iteration)
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

// sessionID derives the stable pairwise session key for a remote device.
func sessionID(accountUUID string, device uint32) []byte {
	h := sha256.New()
	h.Write([]byte(accountUUID))
	h.Write([]byte{byte(device >> 24), byte(device >> 16), byte(device >> 8), byte(device)})
	return h.Sum(nil)[:16]
}

func (db *database) identity() (*identity, error) {
	i := &identity{}
	if err := db.Tx.Get(i, "SELECT account, account_uuid, device, dh_priv, dh_pub, signing_priv, signing_pub FROM _identity WHERE id = 0"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("protocol: error getting identity: %w", err)
	}
	return i, nil
}

func (db *database) insertIdentity(i *identity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _identity (id, account, account_uuid, device, dh_priv, dh_pub, signing_priv, signing_pub) VALUES (0, :account, :account_uuid, :device, :dh_priv, :dh_pub, :signing_priv, :signing_pub)", i); err != nil {
		return fmt.Errorf("protocol: error inserting identity: %w", err)
	}
	return nil
}

func (db *database) session(accountUUID string, device uint32) (*remoteSession, bool, error) {
	s := &remoteSession{}
	if err := db.Tx.Get(s, "SELECT * FROM _remote_sessions WHERE account_uuid = $1 AND device = $2", accountUUID, device); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("protocol: error getting session: %w", err)
	}
	return s, true, nil
}

func (db *database) insertSession(s *remoteSession) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _remote_sessions (id, account, account_uuid, device) VALUES (:id, :account, :account_uuid, :device)", s); err != nil {
		return fmt.Errorf("protocol: error inserting session: %w", err)
	}
	return nil
}

func (db *database) ratchetState(id []byte) (*ratchetState, error) {
	s := &ratchetState{}
	if err := db.Tx.Get(s, "SELECT * FROM _doubleratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("protocol: error getting doubleratchet state: %w", err)
	}
	return s, nil
}

func (db *database) upsertRatchetState(s *ratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("protocol: error upserting doubleratchet state: %w", err)
	}
	return nil
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*ratchetKey, bool, error) {
	kr := &ratchetKey{}
	err := db.Tx.Get(kr, "SELECT * FROM _doubleratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", k, msgNum, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return kr, true, nil
}

func (db *database) upsertKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if _, err := db.Tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", k, mk, msgNum, sessionID, keySeqNum); err != nil {
		return fmt.Errorf("protocol: error upserting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", k, msgNum, sessionID); err != nil {
		return fmt.Errorf("protocol: error deleting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? AND seq_num < ?", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("protocol: error deleting old keys: %w", err)
	}
	return nil
}

func (db *database) truncateMks(sessionID []byte, maxKeys int) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? AND seq_num NOT IN (SELECT seq_num FROM _doubleratchet_keys WHERE session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys); err != nil {
		return fmt.Errorf("protocol: error truncating keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k doubleratchet.Key) (uint, error) {
	counter := &struct {
		Count uint `db:"keys_count"`
	}{}
	if err := db.Tx.Get(counter, "SELECT count(*) AS keys_count FROM _doubleratchet_keys WHERE pub_key = ?", k); err != nil {
		return 0, fmt.Errorf("protocol: error counting keys: %w", err)
	}
	return counter.Count, nil
}

func (db *database) insertOneTimePrekey(p *oneTimePrekey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _one_time_prekeys (prekey_id, priv, pub) VALUES (:prekey_id, :priv, :pub)", p); err != nil {
		return fmt.Errorf("protocol: error inserting one-time prekey: %w", err)
	}
	return nil
}

func (db *database) oneTimePrekey(id uint32) (*oneTimePrekey, bool, error) {
	p := &oneTimePrekey{}
	if err := db.Tx.Get(p, "SELECT * FROM _one_time_prekeys WHERE prekey_id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("protocol: error getting one-time prekey: %w", err)
	}
	return p, true, nil
}

func (db *database) deleteOneTimePrekey(id uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _one_time_prekeys WHERE prekey_id = $1", id); err != nil {
		return fmt.Errorf("protocol: error deleting one-time prekey: %w", err)
	}
	return nil
}

func (db *database) nextOneTimePrekey() (*oneTimePrekey, bool, error) {
	p := &oneTimePrekey{}
	if err := db.Tx.Get(p, "SELECT * FROM _one_time_prekeys ORDER BY prekey_id LIMIT 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("protocol: error getting one-time prekey: %w", err)
	}
	return p, true, nil
}

func (db *database) upsertSignedPrekey(p *signedPrekey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _signed_prekeys (prekey_id, priv, pub, sig) VALUES (:prekey_id, :priv, :pub, :sig) ON CONFLICT(prekey_id) DO UPDATE SET priv = :priv, pub = :pub, sig = :sig", p); err != nil {
		return fmt.Errorf("protocol: error upserting signed prekey: %w", err)
	}
	return nil
}

func (db *database) signedPrekey(id uint32) (*signedPrekey, bool, error) {
	p := &signedPrekey{}
	if err := db.Tx.Get(p, "SELECT * FROM _signed_prekeys WHERE prekey_id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("protocol: error getting signed prekey: %w", err)
	}
	return p, true, nil
}

func (db *database) currentSignedPrekey() (*signedPrekey, bool, error) {
	p := &signedPrekey{}
	if err := db.Tx.Get(p, "SELECT * FROM _signed_prekeys ORDER BY prekey_id DESC LIMIT 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("protocol: error getting signed prekey: %w", err)
	}
	return p, true, nil
}

func (db *database) senderKey(accountUUID string, device uint32, distributionID []byte) (*senderKeyState, bool, error) {
	sk := &senderKeyState{}
	if err := db.Tx.Get(sk, "SELECT * FROM _sender_keys WHERE account_uuid = $1 AND device = $2 AND distribution_id = $3", accountUUID, device, distributionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("protocol: error getting sender key: %w", err)
	}
	return sk, true, nil
}

func (db *database) upsertSenderKey(sk *senderKeyState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sender_keys (account_uuid, device, distribution_id, chain_key, iteration, signing_pub) VALUES (:account_uuid, :device, :distribution_id, :chain_key, :iteration, :signing_pub) ON CONFLICT(account_uuid, device, distribution_id) DO UPDATE SET chain_key = :chain_key, iteration = :iteration, signing_pub = :signing_pub", sk); err != nil {
		return fmt.Errorf("protocol: error upserting sender key: %w", err)
	}
	return nil
}

func (db *database) skippedSenderKey(accountUUID string, device uint32, distributionID []byte, iteration uint32) (*skippedSenderKey, bool, error) {
	sk := &skippedSenderKey{}
	if err := db.Tx.Get(sk, "SELECT * FROM _skipped_sender_keys WHERE account_uuid = $1 AND device = $2 AND distribution_id = $3 AND iteration = $4", accountUUID, device, distributionID, iteration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("protocol: error getting skipped sender key: %w", err)
	}
	return sk, true, nil
}

func (db *database) insertSkippedSenderKey(sk *skippedSenderKey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _skipped_sender_keys (account_uuid, device, distribution_id, iteration, message_key) VALUES (:account_uuid, :device, :distribution_id, :iteration, :message_key)", sk); err != nil {
		return fmt.Errorf("protocol: error inserting skipped sender key: %w", err)
	}
	return nil
}

func (db *database) deleteSkippedSenderKey(accountUUID string, device uint32, distributionID []byte, iteration uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _skipped_sender_keys WHERE account_uuid = $1 AND device = $2 AND distribution_id = $3 AND iteration = $4", accountUUID, device, distributionID, iteration); err != nil {
		return fmt.Errorf("protocol: error deleting skipped sender key: %w", err)
	}
	return nil
}

func (db *database) ratchetSessionStorage() doubleratchet.SessionStorage {
	return &sessionStorageImpl{db: db}
}

func (db *database) ratchetCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (db *database) ratchetKeysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return &keysStorageImpl{sessionID: sessionID, db: db}
}
