// Package pipeline implements the ordering and durability backbone of
// message receipt: batched durable intake, two strictly-FIFO single-worker
// queues chaining decryption into dispatch, crash-recovery replay of the
// unprocessed cache, and the content dispatcher raising typed events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meow-io/go-courier/block"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

// maxDecryptAttempts bounds how many cache replays will retry a
// recoverable decrypt failure before the record is dropped.
const maxDecryptAttempts = 3

// RespondFunc acknowledges one envelope to the transport. 200 acknowledges
// receipt regardless of decrypt outcome; other codes signal a malformed
// request or a storage failure, in which case the transport redelivers.
type RespondFunc func(code int, message string)

type intakeItem struct {
	id      ids.ID
	env     *wire.Envelope
	respond RespondFunc
}

type Manager struct {
	config     *config.Config
	log        *zap.SugaredLogger
	db         *database
	engine     *protocol.Engine
	filter     *block.Filter
	clock      clock.Clock
	events     EventChannel
	dispatcher *dispatcher

	encryptedQ *serialQueue
	decryptedQ *serialQueue
	notifyQ    *serialQueue

	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
	stopped    atomic.Bool

	batchLock sync.Mutex
	batch     []*intakeItem
	flush     chan bool

	counter      atomic.Uint64
	queuePending atomic.Int64
	wasEmpty     atomic.Bool
}

func NewManager(c *config.Config, internalDB *db.Database, engine *protocol.Engine, filter *block.Filter, clk clock.Clock) (*Manager, error) {
	log := c.Logger("pipeline/manager")
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("pipeline: error making manager: %w", err)
	}

	m := &Manager{
		config: c,
		log:    log,
		db:     d,
		engine: engine,
		filter: filter,
		clock:  clk,
		events: make(EventChannel, 100),
		flush:  make(chan bool, 1),
	}
	timeout := time.Duration(c.TaskTimeoutMs) * time.Millisecond
	pending := func(delta int) { m.queuePending.Add(int64(delta)) }
	m.encryptedQ = newSerialQueue("encrypted", log, 1000, timeout, &m.finished, pending)
	m.decryptedQ = newSerialQueue("decrypted", log, 1000, timeout, &m.finished, pending)
	m.notifyQ = newSerialQueue("notify", log, 1000, timeout, &m.finished, pending)
	return m, nil
}

func (m *Manager) Events() EventChannel {
	return m.events
}

func (m *Manager) Start() error {
	ident, err := m.engine.Identity()
	if err != nil {
		return err
	}
	m.dispatcher = &dispatcher{
		log:    m.log,
		own:    ident,
		events: m.events,
		groupBlocked: func(groupID []byte) (bool, error) {
			var blocked bool
			err := m.db.Run("group gate", func() error {
				var err error
				blocked, err = m.filter.GroupBlocked(groupID)
				return err
			})
			return blocked, err
		},
		replaceBlocklist: m.filter.Replace,
	}

	if err := m.db.Run("seed receipt counter", func() error {
		max, err := m.db.maxReceivedAtCounter()
		if err != nil {
			return err
		}
		m.counter.Store(max)
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc

	m.encryptedQ.start(ctx)
	m.decryptedQ.start(ctx)
	m.notifyQ.start(ctx)
	m.startBatcher(ctx)
	m.startReplayScheduler(ctx)

	return m.Replay()
}

func (m *Manager) Shutdown() error {
	m.stopped.Store(true)
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}
	return nil
}

// Deliver takes one raw envelope off the transport. Decode failures are
// reported immediately with a non-200 code; everything else joins the write
// batch and is acknowledged once the batch's zone commits.
func (m *Manager) Deliver(raw []byte, headerTimestampMs uint64, respond RespondFunc) error {
	if m.stopped.Load() {
		respond(500, ErrStoppingProcessing.Error())
		return ErrStoppingProcessing
	}

	env, err := wire.Decode(raw)
	if err != nil {
		m.log.Warnf("rejecting envelope: %v", err)
		respond(400, err.Error())
		return err
	}
	env.ReceivedAtCounter = m.counter.Add(1)
	env.ReceivedAtMs = m.clock.CurrentTimeMs()
	env.MessageAgeSec = env.ComputeMessageAgeSec(headerTimestampMs)

	m.wasEmpty.Store(false)
	m.batchLock.Lock()
	m.batch = append(m.batch, &intakeItem{id: ids.NewID(), env: env, respond: respond})
	full := len(m.batch) >= m.config.BatchMaxSize
	m.batchLock.Unlock()

	if full {
		select {
		case m.flush <- true:
		default:
		}
	}
	return nil
}

// Reconnect replays the durable cache after a transport reconnect.
func (m *Manager) Reconnect() error {
	m.events <- &ReconnectEvent{}
	return m.Replay()
}

// Drain blocks until every item enqueued before the call has cleared both
// queues, by chaining a no-op through encrypted, decrypted and notify in
// that order.
func (m *Manager) Drain() {
	m.flushBatch()
	done := make(chan bool)
	m.encryptedQ.enqueue("drain", func() error {
		m.decryptedQ.enqueue("drain", func() error {
			m.notifyQ.enqueue("drain", func() error {
				close(done)
				return nil
			})
			return nil
		})
		return nil
	})
	<-done
}

func (m *Manager) startBatcher(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		ticker := time.NewTicker(time.Duration(m.config.BatchWaitTimeMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.finished.Done()
				return
			case <-m.flush:
				m.flushBatch()
			case <-ticker.C:
				m.flushBatch()
			}
		}
	}()
}

func (m *Manager) flushBatch() {
	m.batchLock.Lock()
	defer m.batchLock.Unlock()
	items := m.batch
	m.batch = nil
	if len(items) == 0 {
		return
	}
	// the swap and the enqueue happen under one lock hold; flushBatch is
	// called from both the batcher and Drain, and releasing between them
	// would let a later batch enter the queue first
	m.encryptedQ.enqueue(fmt.Sprintf("decrypt batch of %d", len(items)), func() error {
		return m.processBatch(items)
	})
}

type batchOutcome struct {
	item      *intakeItem
	dispatch  bool
	plaintext []byte
	report    *DecryptionErrorReportEvent
}

// processBatch decrypts every envelope in one zone, isolating failures
// per-envelope, then performs a single multi-record write covering
// successes (carrying plaintext) and recoverable failures (attempt
// recorded, still encrypted). Only after commit is the transport
// acknowledged and dispatch enqueued, preserving receipt order.
func (m *Manager) processBatch(items []*intakeItem) error {
	if m.stopped.Load() {
		for _, item := range items {
			item.respond(500, ErrStoppingProcessing.Error())
		}
		return ErrStoppingProcessing
	}

	outcomes := make([]*batchOutcome, 0, len(items))
	err := m.db.Run("process batch", func() error {
		outcomes = outcomes[:0]
		for _, item := range items {
			o := &batchOutcome{item: item}
			outcomes = append(outcomes, o)

			res, perr := m.engine.Process(item.env)
			if perr != nil {
				report, ferr := m.recordFailure(item, perr)
				if ferr != nil {
					return ferr
				}
				o.report = report
				continue
			}

			switch {
			case res.Blocked:
				// handled: evicted without persisting or dispatching
			case res.Receipt:
				if err := m.db.upsertUnprocessed(newUnprocessedRecord(item.id[:], item.env, []byte{}, 0)); err != nil {
					return err
				}
				o.dispatch = true
			default:
				if err := m.db.upsertUnprocessed(newUnprocessedRecord(item.id[:], item.env, res.Plaintext, 0)); err != nil {
					return err
				}
				o.dispatch = true
				o.plaintext = res.Plaintext
			}
		}
		return nil
	})
	if err != nil {
		// the whole zone failed; every envelope stays with the transport
		for _, item := range items {
			item.respond(500, err.Error())
		}
		return err
	}

	for _, o := range outcomes {
		o.item.respond(200, "OK")
		if o.dispatch {
			m.enqueueDispatch(o.item.id, o.item.env, o.plaintext)
		}
		if o.report != nil {
			m.events <- o.report
		}
	}
	return nil
}

// recordFailure applies the failure policy for one envelope inside the
// batch zone. Fatal failures are evicted by never being persisted;
// recoverable ones are persisted encrypted for holdoff replay and surface a
// decryption-error report.
func (m *Manager) recordFailure(item *intakeItem, perr error) (*DecryptionErrorReportEvent, error) {
	var de *protocol.DecryptionError
	if errors.As(perr, &de) && de.Recoverable {
		m.log.Warnf("recoverable decrypt failure for %s/%d: %v", de.SenderUUID, de.SenderDevice, perr)
		if err := m.db.upsertUnprocessed(newUnprocessedRecord(item.id[:], item.env, nil, 1)); err != nil {
			return nil, err
		}
		return &DecryptionErrorReportEvent{
			SenderUUID:   de.SenderUUID,
			SenderDevice: de.SenderDevice,
			Timestamp:    de.Timestamp,
			ContentHint:  item.env.ContentHint,
			GroupID:      item.env.GroupID,
			Ack:          m.ackFunc(item.id),
		}, nil
	}
	m.log.Warnf("dropping envelope %x: %v", item.id, perr)
	return nil, nil
}

func (m *Manager) enqueueDispatch(id ids.ID, env *wire.Envelope, plaintext []byte) {
	m.decryptedQ.enqueue(fmt.Sprintf("dispatch %x", id), func() error {
		if m.stopped.Load() {
			return ErrStoppingProcessing
		}
		ack := m.ackFunc(id)
		if env.Type == wire.EnvelopeReceipt {
			m.events <- &ServerReceiptEvent{
				Sender:       env.Source,
				SenderUUID:   env.SourceUUID,
				SenderDevice: env.SourceDevice,
				Timestamp:    env.Timestamp,
				Ack:          ack,
			}
			return nil
		}
		if err := m.dispatcher.dispatch(env, plaintext, ack); err != nil {
			m.log.Warnf("evicting undispatchable envelope %x: %v", id, err)
			ack()
			return err
		}
		return nil
	})
}

// ackFunc evicts one record from the durable cache, decoupling dispatch
// from eviction: the consumer invokes it once the event is safely recorded
// downstream.
func (m *Manager) ackFunc(id ids.ID) AckFunc {
	return func() {
		if err := m.db.Run(fmt.Sprintf("evict %x", id), func() error {
			return m.db.deleteUnprocessed(id[:])
		}); err != nil {
			m.log.Warnf("error evicting record %x: %v", id, err)
		}
	}
}

// Replay pushes every durable unprocessed record back through the
// pipeline. Records already carrying plaintext skip straight to the
// decrypted queue. A backlog above the ceiling is purged wholesale rather
// than replayed.
func (m *Manager) Replay() error {
	var records []*unprocessedRecord
	if err := m.db.Run("load unprocessed", func() error {
		count, err := m.db.countUnprocessed()
		if err != nil {
			return err
		}
		if count > m.config.MaxEnvelopeBacklog {
			m.log.Warnf("%v: %d records over ceiling %d, purging", ErrBacklogOverflow, count, m.config.MaxEnvelopeBacklog)
			return m.db.purgeUnprocessed()
		}
		records, err = m.db.allUnprocessed()
		return err
	}); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	m.wasEmpty.Store(false)
	for _, r := range records {
		record := r
		env, err := record.envelope()
		if err != nil {
			m.log.Warnf("purging unreadable record %x: %v", record.ID, err)
			m.evict(record.ID)
			continue
		}
		plaintext, ok, err := record.decryptedPayload()
		if err != nil {
			m.log.Warnf("purging unreadable record %x: %v", record.ID, err)
			m.evict(record.ID)
			continue
		}
		if ok {
			m.enqueueDispatch(ids.IDFromBytes(record.ID), env, plaintext)
			continue
		}
		m.enqueueRedecrypt(record, env)
	}
	m.events <- &ProgressEvent{Replayed: len(records)}
	return nil
}

// enqueueRedecrypt retries decryption of a still-encrypted cached record.
// Unlike fresh intake there is no transport to respond to; outcomes only
// mutate the cache.
func (m *Manager) enqueueRedecrypt(record *unprocessedRecord, env *wire.Envelope) {
	m.encryptedQ.enqueue(fmt.Sprintf("redecrypt %x", record.ID), func() error {
		if m.stopped.Load() {
			return ErrStoppingProcessing
		}
		var res *protocol.Result
		var perr error
		deliver := false
		err := m.db.Run(fmt.Sprintf("redecrypt %x", record.ID), func() error {
			res, perr = m.engine.Process(env)
			if perr != nil {
				var de *protocol.DecryptionError
				if errors.As(perr, &de) && de.Recoverable && record.Attempts < maxDecryptAttempts {
					record.Attempts++
					return m.db.upsertUnprocessed(newUnprocessedRecord(record.ID, env, nil, record.Attempts))
				}
				m.log.Warnf("dropping cached record %x after %d attempts: %v", record.ID, record.Attempts, perr)
				return m.db.deleteUnprocessed(record.ID)
			}
			if res.Blocked {
				return m.db.deleteUnprocessed(record.ID)
			}
			plaintext := res.Plaintext
			if res.Receipt {
				plaintext = []byte{}
			}
			if err := m.db.upsertUnprocessed(newUnprocessedRecord(record.ID, env, plaintext, record.Attempts)); err != nil {
				return err
			}
			deliver = true
			return nil
		})
		if err != nil {
			return err
		}
		if deliver {
			m.enqueueDispatch(ids.IDFromBytes(record.ID), env, res.Plaintext)
		}
		return nil
	})
}

func (m *Manager) evict(id []byte) {
	if err := m.db.Run(fmt.Sprintf("evict %x", id), func() error {
		return m.db.deleteUnprocessed(id)
	}); err != nil {
		m.log.Warnf("error evicting record %x: %v", id, err)
	}
}

// startReplayScheduler watches for the pipeline going idle: on the
// transition to empty it emits an Empty marker, and each holdoff period
// while idle it re-runs cache replay to catch records that failed
// transiently, such as a sender-key message arriving before its
// distribution.
func (m *Manager) startReplayScheduler(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		ticker := time.NewTicker(time.Duration(m.config.RetryHoldoffMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.finished.Done()
				return
			case <-ticker.C:
				if m.pendingWork() {
					continue
				}
				if !m.wasEmpty.Swap(true) {
					m.events <- &EmptyEvent{}
				}
				if err := m.Replay(); err != nil {
					m.log.Warnf("error replaying cache: %v", err)
				}
			}
		}
	}()
}

func (m *Manager) pendingWork() bool {
	if m.queuePending.Load() > 0 {
		return true
	}
	m.batchLock.Lock()
	defer m.batchLock.Unlock()
	return len(m.batch) > 0
}
