package pipeline

import (
	"database/sql"
	"encoding/base64"
	"fmt"

	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"github.com/meow-io/go-courier/wire"
)

const (
	// recordVersionLegacy stores envelope and plaintext as raw binary
	// strings; older caches still contain such rows.
	recordVersionLegacy = 1
	// recordVersionBase64 stores both as base64 text. All new rows are
	// written this way.
	recordVersionBase64 = 2
)

// unprocessedRecord is the durable form of an envelope awaiting or having
// failed decryption. A record with a populated decrypted payload can be
// replayed without any cryptographic state.
type unprocessedRecord struct {
	ID                []byte `db:"id"`
	Version           int    `db:"version"`
	Envelope          []byte `db:"envelope"`
	Decrypted         []byte `db:"decrypted"`
	Attempts          int    `db:"attempts"`
	ReceivedAtCounter uint64 `db:"received_at_counter"`
	ReceivedAtMs      uint64 `db:"received_at_ms"`
	MessageAgeSec     uint32 `db:"message_age_sec"`
}

func newUnprocessedRecord(id []byte, env *wire.Envelope, decrypted []byte, attempts int) *unprocessedRecord {
	encoded := env.Encode()
	r := &unprocessedRecord{
		ID:                id,
		Version:           recordVersionBase64,
		Envelope:          []byte(base64.StdEncoding.EncodeToString(encoded)),
		Attempts:          attempts,
		ReceivedAtCounter: env.ReceivedAtCounter,
		ReceivedAtMs:      env.ReceivedAtMs,
		MessageAgeSec:     env.MessageAgeSec,
	}
	if decrypted != nil {
		r.Decrypted = []byte(base64.StdEncoding.EncodeToString(decrypted))
	}
	return r
}

// envelope decodes the stored envelope, honoring the record's on-disk
// version tag.
func (r *unprocessedRecord) envelope() (*wire.Envelope, error) {
	raw, err := r.payload(r.Envelope)
	if err != nil {
		return nil, err
	}
	env, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	env.ReceivedAtCounter = r.ReceivedAtCounter
	env.ReceivedAtMs = r.ReceivedAtMs
	env.MessageAgeSec = r.MessageAgeSec
	return env, nil
}

// decrypted returns the cached plaintext and whether one is present.
func (r *unprocessedRecord) decryptedPayload() ([]byte, bool, error) {
	if r.Decrypted == nil {
		return nil, false, nil
	}
	raw, err := r.payload(r.Decrypted)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (r *unprocessedRecord) payload(stored []byte) ([]byte, error) {
	switch r.Version {
	case recordVersionLegacy:
		return stored, nil
	case recordVersionBase64:
		raw, err := base64.StdEncoding.DecodeString(string(stored))
		if err != nil {
			return nil, fmt.Errorf("pipeline: error decoding record %x: %w", r.ID, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("pipeline: unknown record version %d for %x", r.Version, r.ID)
	}
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_courier", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _unprocessed (
						id BLOB PRIMARY KEY,
						version INTEGER NOT NULL,
						envelope BLOB NOT NULL,
						decrypted BLOB,
						attempts INTEGER NOT NULL,
						received_at_counter INTEGER NOT NULL,
						received_at_ms INTEGER NOT NULL,
						message_age_sec INTEGER NOT NULL
					);
					CREATE INDEX unprocessed_counter_idx on _unprocessed (received_at_counter);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) upsertUnprocessed(r *unprocessedRecord) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _unprocessed (id, version, envelope, decrypted, attempts, received_at_counter, received_at_ms, message_age_sec) VALUES (:id, :version, :envelope, :decrypted, :attempts, :received_at_counter, :received_at_ms, :message_age_sec) ON CONFLICT(id) DO UPDATE SET version = :version, envelope = :envelope, decrypted = :decrypted, attempts = :attempts", r); err != nil {
		return fmt.Errorf("pipeline: error upserting unprocessed record: %w", err)
	}
	return nil
}

func (db *database) deleteUnprocessed(id []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _unprocessed WHERE id = $1", id); err != nil {
		return fmt.Errorf("pipeline: error deleting unprocessed record: %w", err)
	}
	return nil
}

func (db *database) countUnprocessed() (uint, error) {
	counter := &struct {
		Count uint `db:"record_count"`
	}{}
	if err := db.Tx.Get(counter, "SELECT count(*) AS record_count FROM _unprocessed"); err != nil {
		return 0, fmt.Errorf("pipeline: error counting unprocessed records: %w", err)
	}
	return counter.Count, nil
}

func (db *database) allUnprocessed() ([]*unprocessedRecord, error) {
	records := make([]*unprocessedRecord, 0)
	if err := db.Tx.Select(&records, "SELECT * FROM _unprocessed ORDER BY received_at_counter ASC"); err != nil {
		return nil, fmt.Errorf("pipeline: error selecting unprocessed records: %w", err)
	}
	return records, nil
}

func (db *database) purgeUnprocessed() error {
	if _, err := db.Tx.Exec("DELETE FROM _unprocessed"); err != nil {
		return fmt.Errorf("pipeline: error purging unprocessed records: %w", err)
	}
	return nil
}

func (db *database) maxReceivedAtCounter() (uint64, error) {
	counter := &struct {
		Max uint64 `db:"max_counter"`
	}{}
	if err := db.Tx.Get(counter, "SELECT COALESCE(MAX(received_at_counter), 0) AS max_counter FROM _unprocessed"); err != nil {
		return 0, fmt.Errorf("pipeline: error getting max receipt counter: %w", err)
	}
	return counter.Max, nil
}
