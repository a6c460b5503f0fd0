package busapi

import (
	"sync/atomic"
	"time"
)

// Message is the durable unit of transport as read back from the store.
type Message struct {
	Id              int64
	Data            []byte
	Queue           string
	SubQueue        string
	SentAt          time.Time
	ProcessingUntil time.Time
	ProcessedCount  int
	Headers         map[string]string

	finished atomic.Bool
}

// FinishProcessing flags the message so the lease-renewal timer stops
// extending its lease. The transition is observed exactly once.
func (m *Message) FinishProcessing() {
	m.finished.Store(true)
}

func (m *Message) Finished() bool {
	return m.finished.Load()
}

func (m *Message) Type() MessageType {
	if m.Headers == nil {
		return MessageTypeNormal
	}
	switch MessageType(m.Headers[HeaderType]) {
	case MessageTypeAdministrative:
		return MessageTypeAdministrative
	case MessageTypeShutdown:
		return MessageTypeShutdown
	case MessageTypeTimeout:
		return MessageTypeTimeout
	default:
		return MessageTypeNormal
	}
}

// TimeToSend reads the deferred-delivery deadline of a timeout-marker
// message. ok is false when the header is absent or unparseable.
func (m *Message) TimeToSend() (time.Time, bool) {
	raw, present := m.Headers[HeaderTimeToSend]
	if !present || raw == "" {
		return time.Time{}, false
	}
	t, err := ParseTimeToSend(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MessagePayload is an outbound message before the store assigns an id.
// Data may be nil.
type MessagePayload struct {
	Data    []byte
	SentAt  time.Time
	Headers map[string]string
}

// Endpoint is a routable bus address.
type Endpoint struct {
	Uri string
}

// CurrentMessageInformation describes the message under processing,
// passed to every observer.
type CurrentMessageInformation struct {
	AllMessages        []any
	Message            any
	Destination        string
	Source             string
	MessageId          string
	TransportMessageId string
	TransportMessage   *Message
	Queue              Queue
}

// OutgoingMessageInformation describes a batch about to be sent.
type OutgoingMessageInformation struct {
	Destination Endpoint
	Source      Endpoint
	Messages    []any
}
