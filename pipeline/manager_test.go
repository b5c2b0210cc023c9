package pipeline

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-courier/block"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testPipeline struct {
	config  *config.Config
	db      *db.Database
	filter  *block.Filter
	engine  *protocol.Engine
	manager *Manager
}

func testConfig(opts ...config.Option) *config.Config {
	trustPub, _, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		panic(err)
	}
	base := []config.Option{
		config.WithTrustRoot(trustPub),
		config.WithBatchWaitTimeMs(10),
		config.WithRetryHoldoffMs(60000),
		config.WithTaskTimeoutMs(5000),
	}
	return config.NewConfig(append(base, opts...)...)
}

func newTestPipeline(t *testing.T, c *config.Config) *testPipeline {
	t.Helper()
	database := test.NewTestDatabase(c)
	filter, err := block.NewFilter(c, database)
	require.Nil(t, err)
	engine, err := protocol.NewEngine(c, database, filter)
	require.Nil(t, err)
	require.Nil(t, engine.CreateIdentity("+15550009999", "local-uuid", 1))
	require.Nil(t, engine.RotateSignedPrekey())
	require.Nil(t, engine.GenerateOneTimePrekeys(3))

	manager, err := NewManager(c, database, engine, filter, clock.NewSystemClock())
	require.Nil(t, err)
	require.Nil(t, manager.Start())
	t.Cleanup(func() {
		require.Nil(t, manager.Shutdown())
		require.Nil(t, database.Shutdown())
	})
	return &testPipeline{config: c, db: database, filter: filter, engine: engine, manager: manager}
}

type response struct {
	code    int
	message string
}

func (tp *testPipeline) deliver(t *testing.T, env *wire.Envelope) chan *response {
	t.Helper()
	ch := make(chan *response, 1)
	require.Nil(t, tp.manager.Deliver(env.Encode(), 0, func(code int, message string) {
		ch <- &response{code, message}
	}))
	return ch
}

func (tp *testPipeline) nextEvent(t *testing.T, tester func(interface{}) bool) interface{} {
	t.Helper()
	for {
		select {
		case e := <-tp.manager.Events():
			if tester(e) {
				return e
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func (tp *testPipeline) unprocessedCount(t *testing.T) uint {
	t.Helper()
	var count uint
	require.Nil(t, tp.manager.db.Run("count unprocessed", func() error {
		var err error
		count, err = tp.manager.db.countUnprocessed()
		return err
	}))
	return count
}

func dataEnvelope(body string) *wire.Envelope {
	content := (&wire.Content{Data: &wire.DataMessage{Body: body, Timestamp: 1693000000000}}).Encode()
	env := wire.NewContentEnvelope(wire.EnvelopePlaintextContent, protocol.PadContent(content))
	env.Source = "+15551230000"
	env.SourceUUID = "peer-uuid"
	env.SourceDevice = 2
	env.Timestamp = 1693000000000
	env.ServerTimestamp = 1693000000100
	return env
}

func establishedPeer(t *testing.T, tp *testPipeline) *protocol.Peer {
	t.Helper()
	peer, err := protocol.NewPeer("+15551230000", "peer-uuid", 2)
	require.Nil(t, err)
	bundle, err := tp.engine.PrekeyBundle()
	require.Nil(t, err)
	require.Nil(t, peer.EstablishSession(bundle))
	return peer
}

func TestDeliverDataMessagesInOrder(t *testing.T) {
	tp := newTestPipeline(t, testConfig())

	responses := make([]chan *response, 3)
	for i := 0; i < 3; i++ {
		responses[i] = tp.deliver(t, dataEnvelope(fmt.Sprintf("message %d", i)))
	}

	for i := 0; i < 3; i++ {
		e := tp.nextEvent(t, func(e interface{}) bool {
			_, ok := e.(*DataMessageEvent)
			return ok
		}).(*DataMessageEvent)
		require.Equal(t, fmt.Sprintf("message %d", i), e.Body)
		require.Equal(t, "peer-uuid", e.SenderUUID)
		e.Ack()
	}
	for i := 0; i < 3; i++ {
		r := <-responses[i]
		require.Equal(t, 200, r.code)
	}
	require.Equal(t, uint(0), tp.unprocessedCount(t))
}

func TestDeliverMalformedEnvelope(t *testing.T) {
	tp := newTestPipeline(t, testConfig())
	ch := make(chan *response, 1)
	err := tp.manager.Deliver([]byte{0xff, 0x00}, 0, func(code int, message string) {
		ch <- &response{code, message}
	})
	require.ErrorIs(t, err, wire.ErrMalformedEnvelope)
	r := <-ch
	require.Equal(t, 400, r.code)
}

func TestBatchFullTriggersFlush(t *testing.T) {
	tp := newTestPipeline(t, testConfig(config.WithBatchWaitTimeMs(60000), config.WithBatchMaxSize(2)))

	r1 := tp.deliver(t, dataEnvelope("one"))
	r2 := tp.deliver(t, dataEnvelope("two"))

	require.Equal(t, 200, (<-r1).code)
	require.Equal(t, 200, (<-r2).code)
}

func TestReceiptContentFanout(t *testing.T) {
	tp := newTestPipeline(t, testConfig())

	content := (&wire.Content{Receipt: &wire.ReceiptMessage{Kind: wire.ReceiptRead, Timestamps: []uint64{100, 200}}}).Encode()
	env := wire.NewContentEnvelope(wire.EnvelopePlaintextContent, protocol.PadContent(content))
	env.SourceUUID = "peer-uuid"
	env.SourceDevice = 2
	tp.deliver(t, env)

	var last *ReceiptEvent
	for _, want := range []uint64{100, 200} {
		e := tp.nextEvent(t, func(e interface{}) bool {
			_, ok := e.(*ReceiptEvent)
			return ok
		}).(*ReceiptEvent)
		require.Equal(t, wire.ReceiptRead, e.Kind)
		require.Equal(t, want, e.Timestamp)
		last = e
	}
	last.Ack()
	require.Equal(t, uint(0), tp.unprocessedCount(t))
}

func TestServerReceipt(t *testing.T) {
	tp := newTestPipeline(t, testConfig())

	env := wire.NewReceiptEnvelope()
	env.SourceUUID = "peer-uuid"
	env.SourceDevice = 2
	env.Timestamp = 1693000000000
	ch := tp.deliver(t, env)

	e := tp.nextEvent(t, func(e interface{}) bool {
		_, ok := e.(*ServerReceiptEvent)
		return ok
	}).(*ServerReceiptEvent)
	require.Equal(t, uint64(1693000000000), e.Timestamp)
	require.Equal(t, 200, (<-ch).code)
	e.Ack()
	require.Equal(t, uint(0), tp.unprocessedCount(t))
}

func TestEncryptedDelivery(t *testing.T) {
	tp := newTestPipeline(t, testConfig())
	peer := establishedPeer(t, tp)

	ct, err := peer.EncryptPrekey((&wire.Content{Data: &wire.DataMessage{Body: "sealed up", Timestamp: 1}}).Encode())
	require.Nil(t, err)
	env := wire.NewContentEnvelope(wire.EnvelopePrekeyBundle, ct)
	env.Source = peer.Account
	env.SourceUUID = peer.AccountUUID
	env.SourceDevice = peer.Device
	ch := tp.deliver(t, env)

	e := tp.nextEvent(t, func(e interface{}) bool {
		_, ok := e.(*DataMessageEvent)
		return ok
	}).(*DataMessageEvent)
	require.Equal(t, "sealed up", e.Body)
	require.Equal(t, 200, (<-ch).code)
	e.Ack()

	ok, err := tp.engine.HasSession(peer.AccountUUID, peer.Device)
	require.Nil(t, err)
	require.True(t, ok)
}

func TestRecoverableFailurePersistsAndReports(t *testing.T) {
	tp := newTestPipeline(t, testConfig())
	peer := establishedPeer(t, tp)

	// a ciphertext message with no prior prekey message has no session
	ct, err := peer.Encrypt((&wire.Content{Data: &wire.DataMessage{Body: "lost", Timestamp: 1}}).Encode())
	require.Nil(t, err)
	env := wire.NewContentEnvelope(wire.EnvelopeCiphertext, ct)
	env.Source = peer.Account
	env.SourceUUID = peer.AccountUUID
	env.SourceDevice = peer.Device
	env.Timestamp = 42
	ch := tp.deliver(t, env)

	e := tp.nextEvent(t, func(e interface{}) bool {
		_, ok := e.(*DecryptionErrorReportEvent)
		return ok
	}).(*DecryptionErrorReportEvent)
	require.Equal(t, peer.AccountUUID, e.SenderUUID)
	require.Equal(t, peer.Device, e.SenderDevice)
	require.Equal(t, uint64(42), e.Timestamp)

	// still acknowledged to the transport, and cached for retry
	require.Equal(t, 200, (<-ch).code)
	require.Equal(t, uint(1), tp.unprocessedCount(t))

	e.Ack()
	require.Equal(t, uint(0), tp.unprocessedCount(t))
}

func TestBlockedSenderNotDispatched(t *testing.T) {
	tp := newTestPipeline(t, testConfig())
	require.Nil(t, tp.filter.BlockAccount("peer-uuid"))

	ch := tp.deliver(t, dataEnvelope("dropped"))
	require.Equal(t, 200, (<-ch).code)
	tp.manager.Drain()
	require.Equal(t, uint(0), tp.unprocessedCount(t))

	// a subsequent unblocked message still flows
	require.Nil(t, tp.filter.UnblockAccount("peer-uuid"))
	tp.deliver(t, dataEnvelope("kept"))
	e := tp.nextEvent(t, func(e interface{}) bool {
		dm, ok := e.(*DataMessageEvent)
		return ok && dm.Body == "kept"
	}).(*DataMessageEvent)
	e.Ack()
}

func TestSentSyncFromOwnAccount(t *testing.T) {
	tp := newTestPipeline(t, testConfig())

	content := (&wire.Content{Sync: &wire.SyncMessage{Sent: &wire.SentSync{
		DestinationUUID: "dest-uuid",
		Timestamp:       7,
		Message:         &wire.DataMessage{Body: "mirrored", Timestamp: 7},
	}}}).Encode()
	env := wire.NewContentEnvelope(wire.EnvelopePlaintextContent, protocol.PadContent(content))
	env.SourceUUID = "local-uuid"
	env.SourceDevice = 3
	tp.deliver(t, env)

	e := tp.nextEvent(t, func(e interface{}) bool {
		_, ok := e.(*SentSyncEvent)
		return ok
	}).(*SentSyncEvent)
	require.Equal(t, "dest-uuid", e.DestinationUUID)
	require.Equal(t, "mirrored", e.Message.Body)
	e.Ack()
}

func TestForeignSyncEvicted(t *testing.T) {
	tp := newTestPipeline(t, testConfig())

	content := (&wire.Content{Sync: &wire.SyncMessage{Configuration: true}}).Encode()
	env := wire.NewContentEnvelope(wire.EnvelopePlaintextContent, protocol.PadContent(content))
	env.SourceUUID = "peer-uuid"
	env.SourceDevice = 2
	ch := tp.deliver(t, env)

	require.Equal(t, 200, (<-ch).code)
	tp.manager.Drain()
	// evicted without raising a sync event
	require.Equal(t, uint(0), tp.unprocessedCount(t))
}

func TestBlockedSyncUpdatesFilter(t *testing.T) {
	tp := newTestPipeline(t, testConfig())

	content := (&wire.Content{Sync: &wire.SyncMessage{Blocked: &wire.BlockedSync{
		Identifiers: []string{"+15554443333"},
		UUIDs:       []string{"bad-uuid"},
	}}}).Encode()
	env := wire.NewContentEnvelope(wire.EnvelopePlaintextContent, protocol.PadContent(content))
	env.SourceUUID = "local-uuid"
	env.SourceDevice = 3
	tp.deliver(t, env)

	e := tp.nextEvent(t, func(e interface{}) bool {
		_, ok := e.(*BlockedSyncEvent)
		return ok
	}).(*BlockedSyncEvent)
	require.Equal(t, []string{"bad-uuid"}, e.UUIDs)
	e.Ack()

	blocked := false
	require.Nil(t, tp.db.Run("check blocked", func() error {
		var err error
		blocked, err = tp.filter.AccountBlocked("bad-uuid")
		return err
	}))
	require.True(t, blocked)
}

func TestReplayAfterRestart(t *testing.T) {
	c := testConfig()
	database := test.NewTestDatabase(c)
	filter, err := block.NewFilter(c, database)
	require.Nil(t, err)
	engine, err := protocol.NewEngine(c, database, filter)
	require.Nil(t, err)
	require.Nil(t, engine.CreateIdentity("+15550009999", "local-uuid", 1))
	require.Nil(t, engine.RotateSignedPrekey())
	defer func() {
		require.Nil(t, database.Shutdown())
	}()

	first, err := NewManager(c, database, engine, filter, clock.NewSystemClock())
	require.Nil(t, err)
	require.Nil(t, first.Start())

	ch := make(chan *response, 1)
	require.Nil(t, first.Deliver(dataEnvelope("survives restart").Encode(), 0, func(code int, message string) {
		ch <- &response{code, message}
	}))
	require.Equal(t, 200, (<-ch).code)
	first.Drain()
	// delivered but never acked, so the record stays durable
	require.Nil(t, first.Shutdown())

	second, err := NewManager(c, database, engine, filter, clock.NewSystemClock())
	require.Nil(t, err)
	require.Nil(t, second.Start())
	defer func() {
		require.Nil(t, second.Shutdown())
	}()

	redelivered := false
	for !redelivered {
		select {
		case e := <-second.Events():
			if dm, ok := e.(*DataMessageEvent); ok {
				require.Equal(t, "survives restart", dm.Body)
				dm.Ack()
				redelivered = true
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for replayed message")
		}
	}
}

func TestReplayPreservesCounterOrder(t *testing.T) {
	tp := newTestPipeline(t, testConfig())

	// seed durable records directly, already decrypted, out of insert order
	for _, i := range []int{2, 0, 1} {
		env := dataEnvelope(fmt.Sprintf("replayed %d", i))
		env.ReceivedAtCounter = uint64(i + 1)
		content := (&wire.Content{Data: &wire.DataMessage{Body: fmt.Sprintf("replayed %d", i), Timestamp: 1}}).Encode()
		id := ids.NewID()
		require.Nil(t, tp.manager.db.Run("seed record", func() error {
			return tp.manager.db.upsertUnprocessed(newUnprocessedRecord(id[:], env, content, 0))
		}))
	}

	require.Nil(t, tp.manager.Replay())
	for i := 0; i < 3; i++ {
		e := tp.nextEvent(t, func(e interface{}) bool {
			_, ok := e.(*DataMessageEvent)
			return ok
		}).(*DataMessageEvent)
		require.Equal(t, fmt.Sprintf("replayed %d", i), e.Body)
		e.Ack()
	}
}

func TestBacklogOverCeilingPurged(t *testing.T) {
	tp := newTestPipeline(t, testConfig(config.WithMaxEnvelopeBacklog(2)))

	for i := 0; i < 3; i++ {
		env := dataEnvelope(fmt.Sprintf("backlog %d", i))
		env.ReceivedAtCounter = uint64(i + 1)
		id := ids.NewID()
		require.Nil(t, tp.manager.db.Run("seed record", func() error {
			return tp.manager.db.upsertUnprocessed(newUnprocessedRecord(id[:], env, nil, 1))
		}))
	}
	require.Equal(t, uint(3), tp.unprocessedCount(t))

	require.Nil(t, tp.manager.Replay())
	require.Equal(t, uint(0), tp.unprocessedCount(t))
}

func TestDrainWaitsForDelivery(t *testing.T) {
	tp := newTestPipeline(t, testConfig(config.WithBatchWaitTimeMs(60000)))

	responses := make([]chan *response, 5)
	for i := 0; i < 5; i++ {
		responses[i] = tp.deliver(t, dataEnvelope(fmt.Sprintf("drained %d", i)))
	}
	tp.manager.Drain()
	for i := 0; i < 5; i++ {
		select {
		case r := <-responses[i]:
			require.Equal(t, 200, r.code)
		default:
			t.Fatalf("envelope %d not responded after drain", i)
		}
	}
}

func TestDeliverAfterShutdown(t *testing.T) {
	c := testConfig()
	database := test.NewTestDatabase(c)
	filter, err := block.NewFilter(c, database)
	require.Nil(t, err)
	engine, err := protocol.NewEngine(c, database, filter)
	require.Nil(t, err)
	require.Nil(t, engine.CreateIdentity("+15550009999", "local-uuid", 1))
	require.Nil(t, engine.RotateSignedPrekey())
	defer func() {
		require.Nil(t, database.Shutdown())
	}()

	manager, err := NewManager(c, database, engine, filter, clock.NewSystemClock())
	require.Nil(t, err)
	require.Nil(t, manager.Start())
	require.Nil(t, manager.Shutdown())

	ch := make(chan *response, 1)
	err = manager.Deliver(dataEnvelope("too late").Encode(), 0, func(code int, message string) {
		ch <- &response{code, message}
	})
	require.ErrorIs(t, err, ErrStoppingProcessing)
	require.Equal(t, 500, (<-ch).code)
}

func TestReconnectEmitsEvent(t *testing.T) {
	tp := newTestPipeline(t, testConfig())
	require.Nil(t, tp.manager.Reconnect())
	tp.nextEvent(t, func(e interface{}) bool {
		_, ok := e.(*ReconnectEvent)
		return ok
	})
}

func TestConcurrentDrainKeepsOrder(t *testing.T) {
	tp := newTestPipeline(t, testConfig())

	stop := make(chan bool)
	drained := make(chan bool)
	go func() {
		for {
			select {
			case <-stop:
				close(drained)
				return
			default:
				tp.manager.Drain()
			}
		}
	}()

	for i := 0; i < 40; i++ {
		tp.deliver(t, dataEnvelope(fmt.Sprintf("interleaved %d", i)))
	}
	close(stop)
	<-drained

	for i := 0; i < 40; i++ {
		e := tp.nextEvent(t, func(e interface{}) bool {
			_, ok := e.(*DataMessageEvent)
			return ok
		}).(*DataMessageEvent)
		require.Equal(t, fmt.Sprintf("interleaved %d", i), e.Body)
		e.Ack()
	}
	require.Equal(t, uint(0), tp.unprocessedCount(t))
}

func TestLegacyRecordReplay(t *testing.T) {
	tp := newTestPipeline(t, testConfig())

	env := dataEnvelope("from an old cache")
	env.ReceivedAtCounter = 1
	content := (&wire.Content{Data: &wire.DataMessage{Body: "from an old cache", Timestamp: 1}}).Encode()
	id := ids.NewID()
	require.Nil(t, tp.manager.db.Run("seed record", func() error {
		return tp.manager.db.upsertUnprocessed(&unprocessedRecord{
			ID:                id[:],
			Version:           recordVersionLegacy,
			Envelope:          env.Encode(),
			Decrypted:         content,
			ReceivedAtCounter: env.ReceivedAtCounter,
		})
	}))

	require.Nil(t, tp.manager.Replay())
	e := tp.nextEvent(t, func(e interface{}) bool {
		_, ok := e.(*DataMessageEvent)
		return ok
	}).(*DataMessageEvent)
	require.Equal(t, "from an old cache", e.Body)
	e.Ack()
	require.Equal(t, uint(0), tp.unprocessedCount(t))
}

func TestZoneFailureRollsBackBatch(t *testing.T) {
	tp := newTestPipeline(t, testConfig())
	peer := establishedPeer(t, tp)

	ct, err := peer.EncryptPrekey((&wire.Content{Data: &wire.DataMessage{Body: "survives the crash", Timestamp: 1}}).Encode())
	require.Nil(t, err)
	env := wire.NewContentEnvelope(wire.EnvelopePrekeyBundle, ct)
	env.Source = peer.Account
	env.SourceUUID = peer.AccountUUID
	env.SourceDevice = peer.Device

	// hide the cache table so the batch's record write fails after the
	// session state has already been advanced inside the zone
	require.Nil(t, tp.manager.db.Run("hide cache table", func() error {
		_, err := tp.manager.db.Tx.Exec("ALTER TABLE _unprocessed RENAME TO _unprocessed_hidden")
		return err
	}))
	ch := tp.deliver(t, env)
	require.Equal(t, 500, (<-ch).code)

	require.Nil(t, tp.manager.db.Run("restore cache table", func() error {
		_, err := tp.manager.db.Tx.Exec("ALTER TABLE _unprocessed_hidden RENAME TO _unprocessed")
		return err
	}))
	require.Equal(t, uint(0), tp.unprocessedCount(t))

	// the rollback covered the consumed prekey and the ratchet advance, so
	// the very same envelope decrypts cleanly on redelivery
	ch = tp.deliver(t, env)
	e := tp.nextEvent(t, func(e interface{}) bool {
		_, ok := e.(*DataMessageEvent)
		return ok
	}).(*DataMessageEvent)
	require.Equal(t, "survives the crash", e.Body)
	require.Equal(t, 200, (<-ch).code)
	e.Ack()

	ok, err := tp.engine.HasSession(peer.AccountUUID, peer.Device)
	require.Nil(t, err)
	require.True(t, ok)
}
