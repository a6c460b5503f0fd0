package transport_test

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/meidoworks/sqlbus/service/busapi"
)

// fakeStore is an in-memory stand-in for the relational store. Mutations
// take effect as soon as the operation runs, the way a row UPDATE inside
// an open transaction locks and changes the row for everyone polling it;
// each transaction records an undo step per mutation, so Rollback
// restores the prior state while Commit merely discards the undo log.
type fakeStore struct {
	mu         sync.Mutex
	nextId     int64
	queueIds   map[string]int64
	queueNames map[int64]string
	rows       []*fakeRow
}

type fakeRow struct {
	id              int64
	queueId         int64
	subQueue        string
	sentAt          time.Time
	processingUntil time.Time
	processed       bool
	processedCount  int
	headers         map[string]string
	data            []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queueIds:   map[string]int64{},
		queueNames: map[int64]string{},
	}
}

type fakeTx struct {
	store  *fakeStore
	closed bool
	undo   []func()
}

func (t *fakeTx) Commit() error {
	if t.closed {
		return busapi.ErrTransactionClosed
	}
	t.closed = true
	t.undo = nil
	return nil
}

func (t *fakeTx) Rollback() error {
	if t.closed {
		return busapi.ErrTransactionClosed
	}
	t.closed = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	return nil
}

var _ busapi.QueueStore = new(fakeStore)

func (s *fakeStore) Begin() (busapi.Tx, error) {
	return &fakeTx{store: s}, nil
}

// openTx unwraps a Tx handed back into a store operation, refusing
// foreign and closed transactions the way the real store does.
func (s *fakeStore) openTx(tx busapi.Tx) (*fakeTx, error) {
	ft, ok := tx.(*fakeTx)
	if !ok {
		return nil, errors.New("tx was not created by this store")
	}
	if ft.closed {
		return nil, busapi.ErrTransactionClosed
	}
	return ft, nil
}

func (s *fakeStore) CreateQueue(tx busapi.Tx, queueName string) (int64, error) {
	if _, err := s.openTx(tx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.queueIds[queueName]; ok {
		return id, nil
	}
	s.nextId++
	s.queueIds[queueName] = s.nextId
	s.queueNames[s.nextId] = queueName
	return s.nextId, nil
}

func (s *fakeStore) Peek(tx busapi.Tx, queueID int64) (bool, error) {
	if _, err := s.openTx(tx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, r := range s.rows {
		if r.queueId == queueID && r.subQueue == "" && !r.processed && !r.processingUntil.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) Receive(tx busapi.Tx, queueID int64, lease time.Duration) (*busapi.Message, error) {
	ft, err := s.openTx(tx)
	if err != nil {
		return nil, err
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var ready []*fakeRow
	for _, r := range s.rows {
		if r.queueId == queueID && r.subQueue == "" && !r.processed && !r.processingUntil.After(now) {
			ready = append(ready, r)
		}
	}
	if len(ready) == 0 {
		return nil, busapi.ErrNoMessage
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].id < ready[j].id })
	row := ready[0]
	prevUntil, prevCount := row.processingUntil, row.processedCount
	row.processingUntil = now.Add(lease)
	row.processedCount++
	ft.undo = append(ft.undo, func() {
		row.processingUntil = prevUntil
		row.processedCount = prevCount
	})
	return s.toMessage(row), nil
}

func (s *fakeStore) ExtendMessageLease(tx busapi.Tx, m *busapi.Message) error {
	ft, err := s.openTx(tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.rowById(m.Id); r != nil {
		prev := r.processingUntil
		r.processingUntil = time.Now().Add(2 * time.Minute)
		ft.undo = append(ft.undo, func() { r.processingUntil = prev })
	}
	return nil
}

func (s *fakeStore) MarkMessageAsReady(tx busapi.Tx, m *busapi.Message) error {
	ft, err := s.openTx(tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.rowById(m.Id); r != nil {
		prev := r.processed
		r.processed = true
		ft.undo = append(ft.undo, func() { r.processed = prev })
	}
	return nil
}

func (s *fakeStore) Send(tx busapi.Tx, endpointUri string, payload *busapi.MessagePayload) error {
	ft, err := s.openTx(tx)
	if err != nil {
		return err
	}
	queueName, err := busapi.QueueNameFromUri(endpointUri)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	queueId, ok := s.queueIds[queueName]
	if !ok {
		s.nextId++
		queueId = s.nextId
		s.queueIds[queueName] = queueId
		s.queueNames[queueId] = queueName
	}
	s.nextId++
	headers := map[string]string{}
	for k, v := range payload.Headers {
		headers[k] = v
	}
	row := &fakeRow{
		id:       s.nextId,
		queueId:  queueId,
		subQueue: busapi.SubQueueFromUri(endpointUri),
		sentAt:   payload.SentAt,
		headers:  headers,
		data:     payload.Data,
	}
	s.rows = append(s.rows, row)
	ft.undo = append(ft.undo, func() { s.removeRow(row.id) })
	return nil
}

func (s *fakeStore) removeRow(id int64) {
	for i, r := range s.rows {
		if r.id == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return
		}
	}
}

func (s *fakeStore) rowById(id int64) *fakeRow {
	for _, r := range s.rows {
		if r.id == id {
			return r
		}
	}
	return nil
}

func (s *fakeStore) toMessage(r *fakeRow) *busapi.Message {
	headers := map[string]string{}
	for k, v := range r.headers {
		headers[k] = v
	}
	return &busapi.Message{
		Id:              r.id,
		Data:            r.data,
		Queue:           s.queueNames[r.queueId],
		SubQueue:        r.subQueue,
		SentAt:          r.sentAt,
		ProcessingUntil: r.processingUntil,
		ProcessedCount:  r.processedCount,
		Headers:         headers,
	}
}

// seed inserts a raw row directly, bypassing the send path.
func (s *fakeStore) seed(queueName, subQueue string, processedCount int, headers map[string]string, data []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	queueId, ok := s.queueIds[queueName]
	if !ok {
		s.nextId++
		queueId = s.nextId
		s.queueIds[queueName] = queueId
		s.queueNames[queueId] = queueName
	}
	s.nextId++
	s.rows = append(s.rows, &fakeRow{
		id:             s.nextId,
		queueId:        queueId,
		subQueue:       subQueue,
		sentAt:         time.Now(),
		processedCount: processedCount,
		headers:        headers,
		data:           data,
	})
	return s.nextId
}

func (s *fakeStore) rowsIn(queueName, subQueue string) []*fakeRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	queueId := s.queueIds[queueName]
	var result []*fakeRow
	for _, r := range s.rows {
		if r.queueId == queueId && r.subQueue == subQueue {
			result = append(result, r)
		}
	}
	return result
}

// fakeQueue exposes one named queue of the fake store.
type fakeQueue struct {
	store     *fakeStore
	queueName string
}

var _ busapi.Queue = new(fakeQueue)

func (q *fakeQueue) QueueName() string {
	return q.queueName
}

func (q *fakeQueue) Begin() (busapi.Tx, error) {
	return q.store.Begin()
}

func (q *fakeQueue) MoveTo(tx busapi.Tx, subQueue string, m *busapi.Message) error {
	ft, err := q.store.openTx(tx)
	if err != nil {
		return err
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	r := q.store.rowById(m.Id)
	if r == nil {
		return busapi.ErrMessageNotFound
	}
	prevSub, prevUntil, prevProcessed := r.subQueue, r.processingUntil, r.processed
	r.subQueue = subQueue
	r.processingUntil = time.Time{}
	r.processed = false
	ft.undo = append(ft.undo, func() {
		r.subQueue = prevSub
		r.processingUntil = prevUntil
		r.processed = prevProcessed
	})
	return nil
}

func (q *fakeQueue) EnqueueDirectlyTo(tx busapi.Tx, subQueue string, payload *busapi.MessagePayload) error {
	ft, err := q.store.openTx(tx)
	if err != nil {
		return err
	}
	id := q.store.seed(q.queueName, subQueue, 0, payload.Headers, payload.Data)
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	ft.undo = append(ft.undo, func() { q.store.removeRow(id) })
	return nil
}

func (q *fakeQueue) GetAllMessages(subQueue string) ([]*busapi.Message, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	queueId := q.store.queueIds[q.queueName]
	var result []*busapi.Message
	for _, r := range q.store.rows {
		if r.queueId == queueId && r.subQueue == subQueue {
			result = append(result, q.store.toMessage(r))
		}
	}
	return result, nil
}

func (q *fakeQueue) PeekById(tx busapi.Tx, id int64) (*busapi.Message, error) {
	if _, err := q.store.openTx(tx); err != nil {
		return nil, err
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	r := q.store.rowById(id)
	if r == nil {
		return nil, busapi.ErrMessageNotFound
	}
	return q.store.toMessage(r), nil
}
