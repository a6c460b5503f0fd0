package busapi

import "errors"

var (
	ErrNoMessage              = errors.New("no message available")
	ErrMessageNotFound        = errors.New("message not found")
	ErrQueueNotFound          = errors.New("queue not found")
	ErrTransactionAlreadyOpen = errors.New("just one open transaction per context is allowed")
	ErrTransactionClosed      = errors.New("transaction already closed")
	ErrPoolExhausted          = errors.New("store connection pool exhausted")
	ErrStoreFailure           = errors.New("transient store failure")

	ErrHeaderIllegalCharacter = errors.New("header key or value contains '#'")
	ErrHeaderMalformed        = errors.New("header string is malformed")

	ErrSerializeUnknownType   = errors.New("serialize: message type not registered")
	ErrDeserializeUnknownType = errors.New("deserialize: message type not registered")
)
