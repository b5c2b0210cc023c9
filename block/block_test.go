package block

import (
	"os"
	"testing"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestFilter(t *testing.T) (*Filter, *db.Database) {
	c := config.NewConfig()
	database := test.NewTestDatabase(c)
	t.Cleanup(func() {
		require.Nil(t, database.Shutdown())
	})
	f, err := NewFilter(c, database)
	require.Nil(t, err)
	return f, database
}

func identifierBlocked(t *testing.T, f *Filter, database *db.Database, identifier string) bool {
	t.Helper()
	var blocked bool
	require.Nil(t, database.Run("check identifier", func() error {
		var err error
		blocked, err = f.IdentifierBlocked(identifier)
		return err
	}))
	return blocked
}

func accountBlocked(t *testing.T, f *Filter, database *db.Database, accountUUID string) bool {
	t.Helper()
	var blocked bool
	require.Nil(t, database.Run("check account", func() error {
		var err error
		blocked, err = f.AccountBlocked(accountUUID)
		return err
	}))
	return blocked
}

func groupBlocked(t *testing.T, f *Filter, database *db.Database, groupID []byte) bool {
	t.Helper()
	var blocked bool
	require.Nil(t, database.Run("check group", func() error {
		var err error
		blocked, err = f.GroupBlocked(groupID)
		return err
	}))
	return blocked
}

func TestBlockUnblockIdentifier(t *testing.T) {
	f, database := newTestFilter(t)
	require.False(t, identifierBlocked(t, f, database, "+15551230000"))
	require.Nil(t, f.BlockIdentifier("+15551230000"))
	require.True(t, identifierBlocked(t, f, database, "+15551230000"))
	require.False(t, identifierBlocked(t, f, database, "+15559999999"))
	require.Nil(t, f.UnblockIdentifier("+15551230000"))
	require.False(t, identifierBlocked(t, f, database, "+15551230000"))
}

func TestBlockIdentifierIdempotent(t *testing.T) {
	f, database := newTestFilter(t)
	require.Nil(t, f.BlockIdentifier("+15551230000"))
	require.Nil(t, f.BlockIdentifier("+15551230000"))
	require.True(t, identifierBlocked(t, f, database, "+15551230000"))
}

func TestBlockUnblockAccount(t *testing.T) {
	f, database := newTestFilter(t)
	require.Nil(t, f.BlockAccount("peer-uuid"))
	require.True(t, accountBlocked(t, f, database, "peer-uuid"))
	require.Nil(t, f.UnblockAccount("peer-uuid"))
	require.False(t, accountBlocked(t, f, database, "peer-uuid"))
}

func TestBlockUnblockGroup(t *testing.T) {
	f, database := newTestFilter(t)
	require.Nil(t, f.BlockGroup([]byte("group-1")))
	require.True(t, groupBlocked(t, f, database, []byte("group-1")))
	require.Nil(t, f.UnblockGroup([]byte("group-1")))
	require.False(t, groupBlocked(t, f, database, []byte("group-1")))
}

func TestReplace(t *testing.T) {
	f, database := newTestFilter(t)
	require.Nil(t, f.BlockIdentifier("+15551110000"))
	require.Nil(t, f.BlockAccount("old-uuid"))
	require.Nil(t, f.BlockGroup([]byte("old-group")))

	require.Nil(t, f.Replace(
		[]string{"+15552220000"},
		[]string{"new-uuid"},
		[][]byte{[]byte("new-group")},
	))

	require.False(t, identifierBlocked(t, f, database, "+15551110000"))
	require.True(t, identifierBlocked(t, f, database, "+15552220000"))
	require.False(t, accountBlocked(t, f, database, "old-uuid"))
	require.True(t, accountBlocked(t, f, database, "new-uuid"))
	require.False(t, groupBlocked(t, f, database, []byte("old-group")))
	require.True(t, groupBlocked(t, f, database, []byte("new-group")))
}
