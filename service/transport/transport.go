package transport

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/shared/logging"
	"github.com/meidoworks/sqlbus/shared/workgroup"
)

var _transportLogger = logging.NewLogger("SqlTransport")

const (
	minIdleSleep  = 1 * time.Millisecond
	idleSleepStep = 100 * time.Millisecond
	maxIdleSleep  = 15 * time.Second
)

// poolResetter is implemented by stores that can discard a poisoned
// connection pool.
type poolResetter interface {
	ResetPool()
}

type Options struct {
	// Endpoint is this node's own bus address, e.g. sqlbus://host/orders.
	Endpoint string
	// ThreadCount is the number of concurrent worker loops.
	ThreadCount int
	// Retries is the flat retry ceiling before dead-lettering.
	Retries int
	// Lease overrides the store's default message lease when positive.
	Lease time.Duration
}

// SqlTransport drives a fixed pool of competing consumers over one
// queue of the relational store.
type SqlTransport struct {
	Events Events

	endpoint  busapi.Endpoint
	queueName string
	store     busapi.QueueStore
	queue     busapi.Queue
	builder   busapi.MessageBuilder
	codec     busapi.MessageSerializer

	threadCount int
	retries     int
	lease       time.Duration

	queueId  int64
	running  atomic.Bool
	workerWg sync.WaitGroup

	timeouts *TimeoutScheduler
	sweeper  *RetentionSweeper
}

func NewSqlTransport(store busapi.QueueStore, queue busapi.Queue, codec busapi.MessageSerializer, opts Options) (*SqlTransport, error) {
	if _, err := busapi.QueueNameFromUri(opts.Endpoint); err != nil {
		return nil, err
	}
	threadCount := opts.ThreadCount
	if threadCount <= 0 {
		threadCount = 1
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 5
	}
	t := &SqlTransport{
		endpoint:    busapi.Endpoint{Uri: opts.Endpoint},
		queueName:   queue.QueueName(),
		store:       store,
		queue:       queue,
		codec:       codec,
		threadCount: threadCount,
		retries:     retries,
		lease:       opts.Lease,
	}
	t.builder = &DefaultMessageBuilder{Serializer: codec, Source: t.endpoint}
	t.timeouts = NewTimeoutScheduler(queue, &t.running)
	return t, nil
}

func (t *SqlTransport) Endpoint() busapi.Endpoint {
	return t.endpoint
}

func (t *SqlTransport) QueueName() string {
	return t.queueName
}

// Start provisions the queue row, warm-starts the periodic actors and
// launches the worker pool.
func (t *SqlTransport) Start() error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}
	tx, err := t.store.Begin()
	if err != nil {
		return err
	}
	queueId, err := t.store.CreateQueue(tx, t.queueName)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.queueId = queueId

	if err := t.timeouts.Start(); err != nil {
		t.running.Store(false)
		return err
	}
	if t.sweeper != nil {
		t.sweeper.Start()
	}

	for i := 0; i < t.threadCount; i++ {
		worker := i
		t.workerWg.Add(1)
		workgroup.WithFailOver().Run(func() bool {
			if t.workerLoop(worker) {
				t.workerWg.Done()
				return true
			}
			return false
		})
	}
	fireStarted(&t.Events.Started)
	return nil
}

// AttachRetentionSweeper installs the hourly consumed-row sweep. Must
// be called before Start.
func (t *SqlTransport) AttachRetentionSweeper(s *RetentionSweeper) {
	t.sweeper = s
}

// Stop flips the shared flag and joins every worker. No handler runs
// after Stop returns.
func (t *SqlTransport) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	if t.sweeper != nil {
		t.sweeper.Stop()
	}
	t.workerWg.Wait()
}

// workerLoop polls until shutdown or a fatal receive error. Returning
// true ends the worker for good.
func (t *SqlTransport) workerLoop(worker int) bool {
	sleep := minIdleSleep
	for t.running.Load() {
		time.Sleep(sleep)
		if !t.running.Load() {
			break
		}
		switch outcome := t.pollOnce(); outcome {
		case pollGotMessage:
			sleep = minIdleSleep
		case pollEmpty:
			sleep += idleSleepStep
			if sleep > maxIdleSleep {
				sleep = maxIdleSleep
			}
		case pollPoolExhausted:
			if r, ok := t.store.(poolResetter); ok {
				r.ResetPool()
			}
			sleep = maxIdleSleep
		case pollTransientFailure:
			// logged at the failure site, keep the current backoff
		case pollFatal:
			_transportLogger.Errorln("worker", worker, "stopping after unrecoverable receive error")
			return true
		}
	}
	return true
}

type pollOutcome int

const (
	pollGotMessage pollOutcome = iota
	pollEmpty
	pollPoolExhausted
	pollTransientFailure
	pollFatal
)

// pollOnce leases at most one message and commits the lease before any
// dispatch work runs. The lease itself keeps the row invisible while
// the handler executes; a handler failure never unwinds the lease or
// its processed-count increment.
func (t *SqlTransport) pollOnce() pollOutcome {
	tx, err := t.store.Begin()
	if err != nil {
		return t.classifyPollError(err)
	}
	ready, err := t.store.Peek(tx, t.queueId)
	if err != nil {
		_ = tx.Rollback()
		return t.classifyPollError(err)
	}
	if !ready {
		_ = tx.Rollback()
		return pollEmpty
	}
	msg, err := t.store.Receive(tx, t.queueId, t.lease)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, busapi.ErrNoMessage) {
			return pollEmpty
		}
		return t.classifyPollError(err)
	}
	if err := tx.Commit(); err != nil {
		return t.classifyPollError(err)
	}
	t.dispatch(msg)
	return pollGotMessage
}

func (t *SqlTransport) classifyPollError(err error) pollOutcome {
	switch {
	case errors.Is(err, busapi.ErrPoolExhausted):
		_transportLogger.Warnln("store pool exhausted, backing off:", err)
		return pollPoolExhausted
	case errors.Is(err, busapi.ErrStoreFailure):
		_transportLogger.Errorln("transient store failure:", err)
		return pollTransientFailure
	default:
		_transportLogger.Errorln("unexpected receive error:", err)
		return pollFatal
	}
}

// inTx runs fn inside one fresh store transaction.
func (t *SqlTransport) inTx(fn func(tx busapi.Tx) error) error {
	tx, err := t.store.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// dispatch routes one leased, committed message. The retry ceiling runs
// first, ahead of every other action.
func (t *SqlTransport) dispatch(msg *busapi.Message) {
	if msg.ProcessedCount > t.retries {
		t.deadLetter(msg)
		return
	}
	switch msg.Type() {
	case busapi.MessageTypeShutdown:
		t.complete(msg, nil)
	case busapi.MessageTypeAdministrative:
		t.dispatchAdministrative(msg)
	case busapi.MessageTypeTimeout:
		if due, ok := msg.TimeToSend(); ok && due.After(time.Now()) {
			t.parkDeferred(msg, due)
			return
		}
		t.dispatchNormal(msg)
	default:
		t.dispatchNormal(msg)
	}
}

// deadLetter moves an over-retried message to the errors subqueue and
// enqueues a diagnostic companion entry beside it.
func (t *SqlTransport) deadLetter(msg *busapi.Message) {
	msg.FinishProcessing()
	companion := &busapi.MessagePayload{
		SentAt: time.Now(),
		Headers: map[string]string{
			busapi.HeaderCorrelationId: msg.Headers[busapi.HeaderId],
			busapi.HeaderRetries:       strconv.Itoa(msg.ProcessedCount),
		},
	}
	err := t.inTx(func(tx busapi.Tx) error {
		if err := t.queue.MoveTo(tx, busapi.SubQueueErrors, msg); err != nil {
			return err
		}
		return t.queue.EnqueueDirectlyTo(tx, busapi.SubQueueErrors, companion)
	})
	if err != nil {
		t.abandon(msg, err)
		return
	}
	_transportLogger.Warnln("message", msg.Id, "exceeded retry ceiling after", msg.ProcessedCount, "attempts, moved to errors")
}

// parkDeferred moves a not-yet-due timeout marker into the timeout
// subqueue and registers it with the scheduler.
func (t *SqlTransport) parkDeferred(msg *busapi.Message, due time.Time) {
	msg.FinishProcessing()
	err := t.inTx(func(tx busapi.Tx) error {
		return t.queue.MoveTo(tx, busapi.SubQueueTimeout, msg)
	})
	if err != nil {
		t.abandon(msg, err)
		return
	}
	t.timeouts.Register(due, msg.Id)
}

func (t *SqlTransport) dispatchAdministrative(msg *busapi.Message) {
	t.armLeaseRenewal(msg)
	info, err := t.currentInfo(msg)
	if err != nil {
		t.serializationFailure(msg, err)
		return
	}
	// control-plane traffic completes regardless of observer outcome
	fireArrivedGuarded(&t.Events.AdministrativeMessageArrived, info)
	t.complete(msg, info)
}

func (t *SqlTransport) dispatchNormal(msg *busapi.Message) {
	t.armLeaseRenewal(msg)
	info, err := t.currentInfo(msg)
	if err != nil {
		t.serializationFailure(msg, err)
		return
	}
	handled := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.fail(msg, info, recoveredError(r))
			}
		}()
		for _, logical := range info.AllMessages {
			scoped := *info
			scoped.Message = logical
			if fireArrived(&t.Events.MessageArrived, &scoped) {
				handled = true
			}
		}
		if !handled {
			t.discard(msg)
			return
		}
		t.complete(msg, info)
	}()
}

// currentInfo deserializes the transport message into its logical batch
// and snapshots the processing context handed to observers.
func (t *SqlTransport) currentInfo(msg *busapi.Message) (*busapi.CurrentMessageInformation, error) {
	var all []any
	if len(msg.Data) > 0 {
		var err error
		all, err = t.codec.Deserialize(msg.Data)
		if err != nil {
			return nil, err
		}
	}
	info := &busapi.CurrentMessageInformation{
		AllMessages:        all,
		Destination:        t.endpoint.Uri,
		Source:             msg.Headers[busapi.HeaderSource],
		MessageId:          msg.Headers[busapi.HeaderId],
		TransportMessageId: strconv.FormatInt(msg.Id, 10),
		TransportMessage:   msg,
		Queue:              t.queue,
	}
	if len(all) > 0 {
		info.Message = all[0]
	}
	return info, nil
}

// serializationFailure moves an undecodable message to discarded. It
// never counts as a retry for observers; the dedicated notification
// fires instead.
func (t *SqlTransport) serializationFailure(msg *busapi.Message, cause error) {
	msg.FinishProcessing()
	fireSerializationFailure(&t.Events.MessageSerializationException, msg, cause)
	err := t.inTx(func(tx busapi.Tx) error {
		return t.queue.MoveTo(tx, busapi.SubQueueDiscarded, msg)
	})
	if err != nil {
		t.abandon(msg, err)
		return
	}
	_transportLogger.Errorln("message", msg.Id, "failed to deserialize, moved to discarded:", cause)
}

// discard forwards a message no subscriber handled into the discarded
// subqueue rather than losing it.
func (t *SqlTransport) discard(msg *busapi.Message) {
	msg.FinishProcessing()
	err := t.inTx(func(tx busapi.Tx) error {
		return t.queue.MoveTo(tx, busapi.SubQueueDiscarded, msg)
	})
	if err != nil {
		t.abandon(msg, err)
	}
}

func (t *SqlTransport) complete(msg *busapi.Message, info *busapi.CurrentMessageInformation) {
	msg.FinishProcessing()
	err := t.inTx(func(tx busapi.Tx) error {
		if err := t.store.MarkMessageAsReady(tx, msg); err != nil {
			return err
		}
		if info != nil {
			fireNotify(&t.Events.BeforeTransactionCommit, info)
		}
		return nil
	})
	if err != nil {
		t.abandon(msg, err)
		return
	}
	if info != nil {
		fireNotify(&t.Events.MessageProcessingCompleted, info)
	}
}

// fail records a handler failure. The committed lease keeps the message
// invisible until it lapses, then the store hands it out again with its
// processed count intact.
func (t *SqlTransport) fail(msg *busapi.Message, info *busapi.CurrentMessageInformation, cause error) {
	msg.FinishProcessing()
	fireNotify(&t.Events.BeforeTransactionRollback, info)
	fireFailure(&t.Events.MessageProcessingFailure, info, cause)
	_transportLogger.Errorln("message", msg.Id, "processing failed, lease left to expire:", cause)
}

// abandon gives up on a message after a store error mid-dispatch. The
// lease keeps it invisible until it lapses.
func (t *SqlTransport) abandon(msg *busapi.Message, cause error) {
	msg.FinishProcessing()
	_transportLogger.Errorln("abandoning message", msg.Id, "after store error:", cause)
}

func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.New("handler panic: " + toString(r))
}

func toString(r any) string {
	if s, ok := r.(string); ok {
		return s
	}
	return "non-string panic value"
}

// Send serializes a batch and enqueues it for the destination endpoint.
func (t *SqlTransport) Send(destination string, msgs ...any) error {
	return t.send(destination, nil, msgs)
}

// SendAt defers delivery until due by stamping the timeout-marker type
// and the time-to-send header.
func (t *SqlTransport) SendAt(destination string, due time.Time, msgs ...any) error {
	extra := map[string]string{
		busapi.HeaderType:       string(busapi.MessageTypeTimeout),
		busapi.HeaderTimeToSend: busapi.FormatTimeToSend(due),
	}
	return t.send(destination, extra, msgs)
}

// ErrReplyWithoutSource is returned by Reply when the message being
// processed carries no source endpoint to reply to.
var ErrReplyWithoutSource = errors.New("message carries no source endpoint")

// Reply sends to the source endpoint of the message currently being
// processed, stamping its id as the correlation id.
func (t *SqlTransport) Reply(info *busapi.CurrentMessageInformation, msgs ...any) error {
	if info == nil || info.Source == "" {
		return ErrReplyWithoutSource
	}
	extra := map[string]string{
		busapi.HeaderCorrelationId: info.MessageId,
	}
	return t.send(info.Source, extra, msgs)
}

func (t *SqlTransport) send(destination string, extraHeaders map[string]string, msgs []any) error {
	out := &busapi.OutgoingMessageInformation{
		Destination: busapi.Endpoint{Uri: destination},
		Source:      t.endpoint,
		Messages:    msgs,
	}
	payload, err := t.builder.BuildFromMessageBatch(out)
	if err != nil {
		return err
	}
	for k, v := range extraHeaders {
		payload.Headers[k] = v
	}
	if err := t.inTx(func(tx busapi.Tx) error {
		return t.store.Send(tx, destination, payload)
	}); err != nil {
		return err
	}
	fireSent(&t.Events.MessageSent, out)
	return nil
}
