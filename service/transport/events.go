package transport

import (
	"sync"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/shared/logging"
)

var _eventsLogger = logging.NewLogger("TransportEvents")

// Handle identifies one registered callback for later removal.
type Handle int

type callbackEntry[T any] struct {
	id Handle
	fn T
}

// callbackList is an ordered, mutable list of callbacks. Registration
// order is invocation order.
type callbackList[T any] struct {
	mu      sync.Mutex
	nextId  Handle
	entries []callbackEntry[T]
}

func (l *callbackList[T]) Add(fn T) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextId++
	l.entries = append(l.entries, callbackEntry[T]{id: l.nextId, fn: fn})
	return l.nextId
}

func (l *callbackList[T]) Remove(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == h {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *callbackList[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]T, 0, len(l.entries))
	for _, e := range l.entries {
		fns = append(fns, e.fn)
	}
	return fns
}

// ArrivedFunc observes an arriving message and reports whether it
// handled it. All registered callbacks run; the message counts as
// handled when at least one returns true.
type ArrivedFunc func(info *busapi.CurrentMessageInformation) bool

type NotifyFunc func(info *busapi.CurrentMessageInformation)

type FailureFunc func(info *busapi.CurrentMessageInformation, cause error)

type SerializationFailureFunc func(m *busapi.Message, cause error)

type SentFunc func(info *busapi.OutgoingMessageInformation)

// Events is the transport's notification surface. Callbacks are
// fire-and-forget: a panicking observer is logged and never disturbs
// the worker loop or its sibling observers.
type Events struct {
	MessageArrived                callbackList[ArrivedFunc]
	AdministrativeMessageArrived  callbackList[ArrivedFunc]
	MessageProcessingCompleted    callbackList[NotifyFunc]
	MessageProcessingFailure      callbackList[FailureFunc]
	MessageSerializationException callbackList[SerializationFailureFunc]
	BeforeTransactionCommit       callbackList[NotifyFunc]
	BeforeTransactionRollback     callbackList[NotifyFunc]
	MessageSent                   callbackList[SentFunc]
	Started                       callbackList[func()]
}

func guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			_eventsLogger.Errorln("observer panicked:", r)
		}
	}()
	fn()
}

// fireArrived runs every callback and reports whether any handled the
// message. Handler panics propagate to the caller: they are processing
// failures, not mere observer noise.
func fireArrived(l *callbackList[ArrivedFunc], info *busapi.CurrentMessageInformation) bool {
	handled := false
	for _, fn := range l.snapshot() {
		if fn(info) {
			handled = true
		}
	}
	return handled
}

// fireArrivedGuarded is the control-plane variant: observer panics are
// logged and never affect completion.
func fireArrivedGuarded(l *callbackList[ArrivedFunc], info *busapi.CurrentMessageInformation) bool {
	handled := false
	for _, fn := range l.snapshot() {
		fn := fn
		guard(func() {
			if fn(info) {
				handled = true
			}
		})
	}
	return handled
}

func fireNotify(l *callbackList[NotifyFunc], info *busapi.CurrentMessageInformation) {
	for _, fn := range l.snapshot() {
		fn := fn
		guard(func() { fn(info) })
	}
}

func fireFailure(l *callbackList[FailureFunc], info *busapi.CurrentMessageInformation, cause error) {
	for _, fn := range l.snapshot() {
		fn := fn
		guard(func() { fn(info, cause) })
	}
}

func fireSerializationFailure(l *callbackList[SerializationFailureFunc], m *busapi.Message, cause error) {
	for _, fn := range l.snapshot() {
		fn := fn
		guard(func() { fn(m, cause) })
	}
}

func fireSent(l *callbackList[SentFunc], info *busapi.OutgoingMessageInformation) {
	for _, fn := range l.snapshot() {
		fn := fn
		guard(func() { fn(info) })
	}
}

func fireStarted(l *callbackList[func()]) {
	for _, fn := range l.snapshot() {
		guard(fn)
	}
}
