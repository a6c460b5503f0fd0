package subscriptions

import (
	"github.com/meidoworks/sqlbus/shared/codec"
)

// The four administrative message variants carried between bus nodes.
// Each one is persisted verbatim in the item store so the subscription
// index can be replayed after a restart.

type AddSubscription struct {
	Type     string `cbor:"1,keyasint"`
	Endpoint string `cbor:"2,keyasint"`
}

type RemoveSubscription struct {
	Type     string `cbor:"1,keyasint"`
	Endpoint string `cbor:"2,keyasint"`
}

type AddInstanceSubscription struct {
	InstanceSubscriptionKey string `cbor:"1,keyasint"`
	Type                    string `cbor:"2,keyasint"`
	Endpoint                string `cbor:"3,keyasint"`
}

type RemoveInstanceSubscription struct {
	InstanceSubscriptionKey string `cbor:"1,keyasint"`
	Endpoint                string `cbor:"2,keyasint"`
}

// RegisterAdminMessages makes the administrative variants decodable by
// the given serializer. Every node must call this before Initialize.
func RegisterAdminMessages(c *codec.CborSerializer) {
	c.Register(codec.TypeName(&AddSubscription{}), func() any { return new(AddSubscription) })
	c.Register(codec.TypeName(&RemoveSubscription{}), func() any { return new(RemoveSubscription) })
	c.Register(codec.TypeName(&AddInstanceSubscription{}), func() any { return new(AddInstanceSubscription) })
	c.Register(codec.TypeName(&RemoveInstanceSubscription{}), func() any { return new(RemoveInstanceSubscription) })
}
