package busapi

import "time"

// Tx is one store transaction. Exactly one may be open per logical
// context; every store operation executes inside the Tx it is handed.
type Tx interface {
	Commit() error
	Rollback() error
}

// QueueStore is the operation contract over the relational store.
type QueueStore interface {
	Begin() (Tx, error)

	// CreateQueue is idempotent and returns the existing id if present.
	CreateQueue(tx Tx, queueName string) (int64, error)
	// Peek reports whether any message is ready, without consuming.
	Peek(tx Tx, queueID int64) (bool, error)
	// Receive leases exactly one ready message: no two concurrent calls
	// may return the same row while its lease is unexpired. Returns
	// ErrNoMessage when nothing is ready.
	Receive(tx Tx, queueID int64, lease time.Duration) (*Message, error)
	// ExtendMessageLease pushes processing-until forward without touching
	// the processed count.
	ExtendMessageLease(tx Tx, m *Message) error
	// MarkMessageAsReady logically completes the message. Idempotent.
	MarkMessageAsReady(tx Tx, m *Message) error
	// Send enqueues a payload for the queue addressed by the endpoint URI.
	Send(tx Tx, endpointUri string, payload *MessagePayload) error
}

// Queue addresses one named queue and its subqueues.
type Queue interface {
	QueueName() string
	Begin() (Tx, error)

	MoveTo(tx Tx, subQueue string, m *Message) error
	EnqueueDirectlyTo(tx Tx, subQueue string, payload *MessagePayload) error
	// GetAllMessages is a non-transactional bulk read used for scheduler
	// warm start.
	GetAllMessages(subQueue string) ([]*Message, error)
	PeekById(tx Tx, id int64) (*Message, error)
}

// StoredItem is one row of the generic item store.
type StoredItem struct {
	Id    int64
	Value []byte
}

// ItemStorage is an append/remove-able collection of opaque blobs
// addressed by string key, used to persist subscription state.
type ItemStorage interface {
	GetItemsByKey(tx Tx, key string) ([]StoredItem, error)
	AddItem(tx Tx, key string, value []byte) (int64, error)
	RemoveItems(tx Tx, key string, ids []int64) error
}

// MessageSerializer encodes and decodes message batches.
type MessageSerializer interface {
	Serialize(msgs []any) ([]byte, error)
	Deserialize(data []byte) ([]any, error)
}

// EndpointRouter resolves a raw endpoint URI into a routable endpoint.
type EndpointRouter interface {
	GetRoutedEndpoint(uri string) Endpoint
}

// ConsumerTypeResolver reports which message type names a consumer
// handles.
type ConsumerTypeResolver interface {
	ConsumedMessageTypes(consumer any) []string
}

// MessageBuilder turns an outgoing batch into a storable payload with
// transport headers applied.
type MessageBuilder interface {
	BuildFromMessageBatch(info *OutgoingMessageInformation) (*MessagePayload, error)
}
