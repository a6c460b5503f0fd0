package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/shared/logging"
	"github.com/meidoworks/sqlbus/shared/priorityqueue"
	"github.com/meidoworks/sqlbus/shared/workgroup"
)

var _timeoutLogger = logging.NewLogger("TimeoutScheduler")

const (
	schedulerTick   = 1 * time.Second
	overdueDeadline = 60 * time.Second
)

// TimeoutScheduler indexes deferred messages by due time and moves each
// one back to the main queue when its time-to-send arrives. The index
// is rebuilt from the timeout subqueue on start, so it survives a crash
// without a separate durable log.
type TimeoutScheduler struct {
	queue   busapi.Queue
	running *atomic.Bool

	mu    sync.Mutex
	index *priorityqueue.PriorityQueue[int64]
}

func NewTimeoutScheduler(queue busapi.Queue, running *atomic.Bool) *TimeoutScheduler {
	return &TimeoutScheduler{
		queue:   queue,
		running: running,
		index:   priorityqueue.NewMinPriorityQueue[int64](),
	}
}

// Register indexes one message id at its due time.
func (s *TimeoutScheduler) Register(due time.Time, messageId int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Push(messageId, due.UnixMilli())
}

// Start warm-starts the index from the persisted timeout subqueue and
// launches the tick loop.
func (s *TimeoutScheduler) Start() error {
	parked, err := s.queue.GetAllMessages(busapi.SubQueueTimeout)
	if err != nil {
		return err
	}
	for _, m := range parked {
		if due, ok := m.TimeToSend(); ok {
			s.Register(due, m.Id)
		} else {
			_timeoutLogger.Warnln("parked message", m.Id, "carries no usable time-to-send header, leaving it in place")
		}
	}
	workgroup.WithFailOver().Run(func() bool {
		for s.running.Load() {
			time.Sleep(schedulerTick)
			s.drainDue()
		}
		return true
	})
	return nil
}

type dueEntry struct {
	id  int64
	due int64
}

// drainDue pops every entry at or past its due time and delivers each
// in its own transaction.
func (s *TimeoutScheduler) drainDue() {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	var due []dueEntry
	for !s.index.IsEmpty() && s.index.Peek().Priority() <= now {
		item := s.index.Pop()
		due = append(due, dueEntry{id: item.Value(), due: item.Priority()})
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.deliver(entry)
	}
}

// deliver moves one deferred message back to the main queue. A
// transient failure re-indexes the entry at its original due time until
// it has been overdue for a minute, after which it is dead-lettered.
func (s *TimeoutScheduler) deliver(entry dueEntry) {
	err := s.moveTo(entry.id, "")
	if err == nil || errors.Is(err, busapi.ErrMessageNotFound) {
		return
	}
	overdueFor := time.Since(time.UnixMilli(entry.due))
	if overdueFor < overdueDeadline {
		_timeoutLogger.Errorln("failed to release deferred message", entry.id, ", retrying next tick:", err)
		s.mu.Lock()
		s.index.Push(entry.id, entry.due)
		s.mu.Unlock()
		return
	}
	_timeoutLogger.Errorln("deferred message", entry.id, "overdue for", overdueFor, ", dead-lettering:", err)
	if err := s.moveTo(entry.id, busapi.SubQueueErrors); err != nil {
		// keep trying rather than lose the message
		s.mu.Lock()
		s.index.Push(entry.id, entry.due)
		s.mu.Unlock()
		_timeoutLogger.Errorln("dead-lettering deferred message", entry.id, "failed, re-indexed:", err)
	}
}

func (s *TimeoutScheduler) moveTo(messageId int64, subQueue string) error {
	tx, err := s.queue.Begin()
	if err != nil {
		return err
	}
	m, err := s.queue.PeekById(tx, messageId)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.queue.MoveTo(tx, subQueue, m); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// PendingCount reports how many deferred messages are indexed.
func (s *TimeoutScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Size()
}
