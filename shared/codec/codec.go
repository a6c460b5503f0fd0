package codec

import (
	"fmt"
	"sync"

	"github.com/meidoworks/sqlbus/service/busapi"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
)

// CborSerializer is the default busapi.MessageSerializer: each message is
// cbor-encoded into a named envelope and the whole batch is snappy
// compressed. Concrete message types must be registered by name before
// they can cross the wire.
type CborSerializer struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

var _ busapi.MessageSerializer = new(CborSerializer)

type envelope struct {
	Type string          `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

type batch struct {
	Envelopes []envelope `cbor:"1,keyasint"`
}

func NewCborSerializer() *CborSerializer {
	return &CborSerializer{
		factories: make(map[string]func() any),
	}
}

// Register binds a type name to a factory producing a pointer to a fresh
// value of that type. Re-registering a name replaces the factory.
func (c *CborSerializer) Register(name string, factory func() any) {
	c.mu.Lock()
	c.factories[name] = factory
	c.mu.Unlock()
}

// TypeName reports the registry name for a message value.
func TypeName(msg any) string {
	return fmt.Sprintf("%T", msg)
}

func (c *CborSerializer) Serialize(msgs []any) ([]byte, error) {
	b := batch{Envelopes: make([]envelope, 0, len(msgs))}
	for _, msg := range msgs {
		name := TypeName(msg)
		c.mu.RLock()
		_, known := c.factories[name]
		c.mu.RUnlock()
		if !known {
			return nil, fmt.Errorf("%w: %s", busapi.ErrSerializeUnknownType, name)
		}
		body, err := cbor.Marshal(msg)
		if err != nil {
			return nil, err
		}
		b.Envelopes = append(b.Envelopes, envelope{Type: name, Body: body})
	}
	raw, err := cbor.Marshal(b)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (c *CborSerializer) Deserialize(data []byte) ([]any, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	var b batch
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	msgs := make([]any, 0, len(b.Envelopes))
	for _, env := range b.Envelopes {
		c.mu.RLock()
		factory, known := c.factories[env.Type]
		c.mu.RUnlock()
		if !known {
			return nil, fmt.Errorf("%w: %s", busapi.ErrDeserializeUnknownType, env.Type)
		}
		msg := factory()
		if err := cbor.Unmarshal(env.Body, msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
