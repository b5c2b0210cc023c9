// Package block implements the blocked-sender filter: three persisted sets
// keyed by identifier, stable account id and group id. Blocking is
// intentionally applied after decryption, since a sealed sender's identity
// cannot be trusted before unsealing.
package block

import (
	"database/sql"
	"errors"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"go.uber.org/zap"
)

type Filter struct {
	log *zap.SugaredLogger
	db  *db.Database
}

func NewFilter(c *config.Config, internalDB *db.Database) (*Filter, error) {
	if err := internalDB.MigrateNoLock("_block", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _blocked_identifiers (
						identifier STRING PRIMARY KEY
					);

					CREATE TABLE _blocked_accounts (
						account_uuid STRING PRIMARY KEY
					);

					CREATE TABLE _blocked_groups (
						group_id BLOB PRIMARY KEY
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Filter{
		log: c.Logger("block"),
		db:  internalDB,
	}, nil
}

// The three predicates run inside the caller's zone; the decryption engine
// consults them mid-batch.

func (f *Filter) IdentifierBlocked(identifier string) (bool, error) {
	return f.exists("SELECT identifier FROM _blocked_identifiers WHERE identifier = $1", identifier)
}

func (f *Filter) AccountBlocked(accountUUID string) (bool, error) {
	return f.exists("SELECT account_uuid FROM _blocked_accounts WHERE account_uuid = $1", accountUUID)
}

func (f *Filter) GroupBlocked(groupID []byte) (bool, error) {
	return f.exists("SELECT group_id FROM _blocked_groups WHERE group_id = $1", groupID)
}

func (f *Filter) exists(query string, arg interface{}) (bool, error) {
	var out string
	if err := f.db.Tx.Get(&out, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BlockIdentifier adds one identifier to the blocked set.
func (f *Filter) BlockIdentifier(identifier string) error {
	return f.db.Run("block identifier", func() error {
		_, err := f.db.Tx.Exec("INSERT INTO _blocked_identifiers (identifier) VALUES ($1) ON CONFLICT DO NOTHING", identifier)
		return err
	})
}

func (f *Filter) UnblockIdentifier(identifier string) error {
	return f.db.Run("unblock identifier", func() error {
		_, err := f.db.Tx.Exec("DELETE FROM _blocked_identifiers WHERE identifier = $1", identifier)
		return err
	})
}

func (f *Filter) BlockAccount(accountUUID string) error {
	return f.db.Run("block account", func() error {
		_, err := f.db.Tx.Exec("INSERT INTO _blocked_accounts (account_uuid) VALUES ($1) ON CONFLICT DO NOTHING", accountUUID)
		return err
	})
}

func (f *Filter) UnblockAccount(accountUUID string) error {
	return f.db.Run("unblock account", func() error {
		_, err := f.db.Tx.Exec("DELETE FROM _blocked_accounts WHERE account_uuid = $1", accountUUID)
		return err
	})
}

func (f *Filter) BlockGroup(groupID []byte) error {
	return f.db.Run("block group", func() error {
		_, err := f.db.Tx.Exec("INSERT INTO _blocked_groups (group_id) VALUES ($1) ON CONFLICT DO NOTHING", groupID)
		return err
	})
}

func (f *Filter) UnblockGroup(groupID []byte) error {
	return f.db.Run("unblock group", func() error {
		_, err := f.db.Tx.Exec("DELETE FROM _blocked_groups WHERE group_id = $1", groupID)
		return err
	})
}

// Replace swaps all three sets for the given ones atomically. A blocked-list
// sync from another of the account's devices is authoritative over local
// state.
func (f *Filter) Replace(identifiers, accountUUIDs []string, groupIDs [][]byte) error {
	return f.db.Run("replace blocklists", func() error {
		for _, stmt := range []string{
			"DELETE FROM _blocked_identifiers",
			"DELETE FROM _blocked_accounts",
			"DELETE FROM _blocked_groups",
		} {
			if _, err := f.db.Tx.Exec(stmt); err != nil {
				return err
			}
		}
		for _, identifier := range identifiers {
			if _, err := f.db.Tx.Exec("INSERT INTO _blocked_identifiers (identifier) VALUES ($1)", identifier); err != nil {
				return err
			}
		}
		for _, accountUUID := range accountUUIDs {
			if _, err := f.db.Tx.Exec("INSERT INTO _blocked_accounts (account_uuid) VALUES ($1)", accountUUID); err != nil {
				return err
			}
		}
		for _, groupID := range groupIDs {
			if _, err := f.db.Tx.Exec("INSERT INTO _blocked_groups (group_id) VALUES ($1)", groupID); err != nil {
				return err
			}
		}
		f.log.Infof("replaced blocklists with %d identifiers, %d accounts, %d groups", len(identifiers), len(accountUUIDs), len(groupIDs))
		return nil
	})
}
