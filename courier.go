// This package provides a high-level interface to the Courier implementation.
// It wires the envelope pipeline, the decryption engine and the blocked-sender
// filter over an encrypted database, and exposes delivery intake, identity and
// prekey management, and the typed event stream.
package courier

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/meow-io/go-courier/block"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/pipeline"
	"github.com/meow-io/go-courier/protocol"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

// An event indicating a change in the state of Courier.
type AppState struct {
	State int
}

type Courier struct {
	DB *db.Database

	config          *config.Config
	log             *zap.SugaredLogger
	clock           clock.Clock
	state           int
	filter          *block.Filter
	engine          *protocol.Engine
	pipeline        *pipeline.Manager
	events          chan interface{}
	cancelFunc      context.CancelFunc
	finished        sync.WaitGroup
	applicationInit func() error
}

// Create a courier instance. applicationInit runs once the subsystems are
// constructed and the database is open, before envelope processing starts;
// first-run identity creation belongs there.
func NewCourier(c *config.Config, applicationInit func() error) (*Courier, error) {
	log := c.Logger("")
	if len(c.TrustRoot) == 0 {
		return nil, fmt.Errorf("courier: config is missing a trust root")
	}
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Courier{
		DB:              database,
		config:          c,
		log:             log,
		clock:           clock.NewSystemClock(),
		state:           state,
		events:          make(chan interface{}, 100),
		applicationInit: applicationInit,
	}, nil
}

// Makes a key from a password.
func (c *Courier) NewKey(password string) ([]byte, error) {
	return newKey(password, c.config.RootDir, "salt")
}

// Gets decrypted message events along with pipeline progress markers.
func (c *Courier) Events() chan interface{} {
	return c.events
}

// Returns true if courier is in NEW state.
func (c *Courier) New() bool {
	return c.state == StateNew
}

// Returns true if courier is in INITIALIZED state.
func (c *Courier) Initialized() bool {
	return c.state == StateInitialized
}

// Returns true if courier is in RUNNING state.
func (c *Courier) Running() bool {
	return c.state == StateRunning
}

// Initialize courier with a given key.
func (c *Courier) Initialize(key []byte) error {
	if c.state != StateNew {
		return fmt.Errorf("cannot initialize unless in state new")
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.setState(StateInitialized)
	return c.Open(key)
}

// Open an existing courier with a given key.
func (c *Courier) Open(key []byte) error {
	if c.state != StateInitialized {
		return fmt.Errorf("cannot open unless in state initialized")
	}

	if err := c.DB.Open(key); err != nil {
		return err
	}

	if err := c.DB.Lock("initializing subsystems", func() error {
		filter, err := block.NewFilter(c.config, c.DB)
		if err != nil {
			return err
		}
		c.filter = filter
		engine, err := protocol.NewEngine(c.config, c.DB, filter)
		if err != nil {
			return err
		}
		c.engine = engine
		manager, err := pipeline.NewManager(c.config, c.DB, engine, filter, c.clock)
		if err != nil {
			return err
		}
		c.pipeline = manager
		return nil
	}); err != nil {
		return err
	}

	if err := c.applicationInit(); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	c.cancelFunc = cancelFunc
	if err := c.pipeline.Start(); err != nil {
		cancelFunc()
		return err
	}

	c.setState(StateRunning)
	c.startEventPassing(ctx)
	return nil
}

// Gracefully stop an existing courier instance.
func (c *Courier) Shutdown() error {
	if c.state != StateRunning {
		return nil
	}
	c.setState(StateClosing)
	c.cancelFunc()
	c.finished.Wait()

	errs := make([]string, 0)
	if err := c.pipeline.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %v", errs)
	}

	c.cancelFunc = nil
	c.pipeline = nil
	c.engine = nil
	c.filter = nil
	c.setState(StateInitialized)

	close(c.events)
	c.events = make(chan interface{}, 100)
	return nil
}

// Deliver hands one raw envelope from the transport to the pipeline.
// respond is invoked exactly once with the acknowledgement for this
// envelope.
func (c *Courier) Deliver(raw []byte, headerTimestampMs uint64, respond pipeline.RespondFunc) error {
	if c.state != StateRunning {
		respond(500, pipeline.ErrStoppingProcessing.Error())
		return pipeline.ErrStoppingProcessing
	}
	return c.pipeline.Deliver(raw, headerTimestampMs, respond)
}

// Drain blocks until every envelope delivered before the call has cleared
// the pipeline.
func (c *Courier) Drain() {
	c.pipeline.Drain()
}

// Reconnect signals that the transport re-established its connection and
// replays the durable cache.
func (c *Courier) Reconnect() error {
	return c.pipeline.Reconnect()
}

// Create the local identity. Must be called once, from applicationInit on
// first run.
func (c *Courier) CreateIdentity(account, accountUUID string, device uint32) error {
	return c.engine.CreateIdentity(account, accountUUID, device)
}

// Get the local identity.
func (c *Courier) Identity() (*protocol.Identity, error) {
	return c.engine.Identity()
}

// Generate n one-time prekeys for upload.
func (c *Courier) GenerateOneTimePrekeys(n int) error {
	return c.engine.GenerateOneTimePrekeys(n)
}

// Rotate the signed prekey.
func (c *Courier) RotateSignedPrekey() error {
	return c.engine.RotateSignedPrekey()
}

// Get the current prekey bundle for publication.
func (c *Courier) PrekeyBundle() (*protocol.PrekeyBundle, error) {
	return c.engine.PrekeyBundle()
}

// Report whether a pairwise session exists with the given device.
func (c *Courier) HasSession(accountUUID string, device uint32) (bool, error) {
	return c.engine.HasSession(accountUUID, device)
}

// Block a sender by identifier.
func (c *Courier) BlockIdentifier(identifier string) error {
	return c.filter.BlockIdentifier(identifier)
}

// Unblock a sender by identifier.
func (c *Courier) UnblockIdentifier(identifier string) error {
	return c.filter.UnblockIdentifier(identifier)
}

// Block a sender by account UUID.
func (c *Courier) BlockAccount(accountUUID string) error {
	return c.filter.BlockAccount(accountUUID)
}

// Unblock a sender by account UUID.
func (c *Courier) UnblockAccount(accountUUID string) error {
	return c.filter.UnblockAccount(accountUUID)
}

// Block a group.
func (c *Courier) BlockGroup(groupID []byte) error {
	return c.filter.BlockGroup(groupID)
}

// Unblock a group.
func (c *Courier) UnblockGroup(groupID []byte) error {
	return c.filter.UnblockGroup(groupID)
}

func (c *Courier) startEventPassing(ctx context.Context) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-c.pipeline.Events():
				c.log.Debugf("passing event: %#v", e)
				c.events <- e
			}
		}
	}()
}

func (c *Courier) setState(state int) {
	c.state = state
	c.events <- &AppState{state}
}
