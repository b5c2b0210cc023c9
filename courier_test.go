package courier

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/pipeline"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestCourier(t *testing.T) *Courier {
	t.Helper()
	trustPub, _, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	root := fmt.Sprintf("test-courier-%d", time.Now().UnixNano())
	c := config.NewConfig(
		config.WithRootDir(root),
		config.WithTrustRoot(trustPub),
		config.WithBatchWaitTimeMs(10),
		config.WithRetryHoldoffMs(60000),
	)

	var courier *Courier
	courier, err = NewCourier(c, func() error {
		if err := courier.CreateIdentity("+15550009999", "local-uuid", 1); err != nil {
			return err
		}
		if err := courier.RotateSignedPrekey(); err != nil {
			return err
		}
		return courier.GenerateOneTimePrekeys(3)
	})
	require.Nil(t, err)
	require.True(t, courier.New())

	key, err := courier.NewKey("test password")
	require.Nil(t, err)
	require.Nil(t, courier.Initialize(key))
	require.True(t, courier.Running())

	t.Cleanup(func() {
		if courier.Running() {
			require.Nil(t, courier.Shutdown())
		}
		test.DeleteAll(root)
	})
	return courier
}

func waitForEvent(t *testing.T, courier *Courier, tester func(interface{}) bool) interface{} {
	t.Helper()
	for {
		select {
		case e := <-courier.Events():
			if tester(e) {
				return e
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func TestMissingTrustRoot(t *testing.T) {
	_, err := NewCourier(config.NewConfig(), func() error { return nil })
	require.NotNil(t, err)
}

func TestEndToEndDelivery(t *testing.T) {
	courier := newTestCourier(t)

	content := (&wire.Content{Data: &wire.DataMessage{Body: "hello courier", Timestamp: 1}}).Encode()
	env := wire.NewContentEnvelope(wire.EnvelopePlaintextContent, protocol.PadContent(content))
	env.SourceUUID = "peer-uuid"
	env.SourceDevice = 2

	ch := make(chan int, 1)
	require.Nil(t, courier.Deliver(env.Encode(), 0, func(code int, message string) {
		ch <- code
	}))

	e := waitForEvent(t, courier, func(e interface{}) bool {
		_, ok := e.(*pipeline.DataMessageEvent)
		return ok
	}).(*pipeline.DataMessageEvent)
	require.Equal(t, "hello courier", e.Body)
	require.Equal(t, "peer-uuid", e.SenderUUID)
	e.Ack()
	require.Equal(t, 200, <-ch)
}

func TestEncryptedEndToEnd(t *testing.T) {
	courier := newTestCourier(t)

	peer, err := protocol.NewPeer("+15551230000", "peer-uuid", 2)
	require.Nil(t, err)
	bundle, err := courier.PrekeyBundle()
	require.Nil(t, err)
	require.Nil(t, peer.EstablishSession(bundle))

	ct, err := peer.EncryptPrekey((&wire.Content{Data: &wire.DataMessage{Body: "secret hello", Timestamp: 1}}).Encode())
	require.Nil(t, err)
	env := wire.NewContentEnvelope(wire.EnvelopePrekeyBundle, ct)
	env.Source = peer.Account
	env.SourceUUID = peer.AccountUUID
	env.SourceDevice = peer.Device
	require.Nil(t, courier.Deliver(env.Encode(), 0, func(code int, message string) {}))

	e := waitForEvent(t, courier, func(e interface{}) bool {
		_, ok := e.(*pipeline.DataMessageEvent)
		return ok
	}).(*pipeline.DataMessageEvent)
	require.Equal(t, "secret hello", e.Body)
	e.Ack()

	ok, err := courier.HasSession(peer.AccountUUID, peer.Device)
	require.Nil(t, err)
	require.True(t, ok)
}

func TestBlockingThroughFacade(t *testing.T) {
	courier := newTestCourier(t)
	require.Nil(t, courier.BlockAccount("peer-uuid"))

	content := (&wire.Content{Data: &wire.DataMessage{Body: "dropped", Timestamp: 1}}).Encode()
	env := wire.NewContentEnvelope(wire.EnvelopePlaintextContent, protocol.PadContent(content))
	env.SourceUUID = "peer-uuid"
	env.SourceDevice = 2

	ch := make(chan int, 1)
	require.Nil(t, courier.Deliver(env.Encode(), 0, func(code int, message string) {
		ch <- code
	}))
	require.Equal(t, 200, <-ch)
	courier.Drain()

	require.Nil(t, courier.UnblockAccount("peer-uuid"))
	env2 := wire.NewContentEnvelope(wire.EnvelopePlaintextContent, protocol.PadContent(content))
	env2.SourceUUID = "peer-uuid"
	env2.SourceDevice = 2
	require.Nil(t, courier.Deliver(env2.Encode(), 0, func(code int, message string) {}))
	e := waitForEvent(t, courier, func(e interface{}) bool {
		_, ok := e.(*pipeline.DataMessageEvent)
		return ok
	}).(*pipeline.DataMessageEvent)
	require.Equal(t, "dropped", e.Body)
	e.Ack()
}

func TestShutdownAndReopen(t *testing.T) {
	courier := newTestCourier(t)
	key, err := courier.NewKey("test password")
	require.Nil(t, err)

	require.Nil(t, courier.Shutdown())
	require.True(t, courier.Initialized())
	require.Nil(t, courier.Open(key))
	require.True(t, courier.Running())

	ident, err := courier.Identity()
	require.Nil(t, err)
	require.Equal(t, "local-uuid", ident.AccountUUID)
}
