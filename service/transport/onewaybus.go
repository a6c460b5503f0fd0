package transport

import (
	"errors"
	"fmt"

	"github.com/meidoworks/sqlbus/service/busapi"
)

var ErrNoOwnerForMessage = errors.New("no owning endpoint configured for message type")

// Sender is the outbound half of the transport.
type Sender interface {
	Send(destination string, msgs ...any) error
}

// OneWayBus is a send-only facade for processes that publish without
// consuming: no worker pool, no queue of their own. Each message type
// is routed to its owning endpoint.
type OneWayBus struct {
	sender Sender
	router busapi.EndpointRouter
	// owners maps a message type name to the endpoint URI that owns it.
	owners map[string]string
}

func NewOneWayBus(sender Sender, router busapi.EndpointRouter, owners map[string]string) *OneWayBus {
	return &OneWayBus{
		sender: sender,
		router: router,
		owners: owners,
	}
}

// Send routes every message in the batch to the endpoint owning its
// type. All messages in one call must share an owner.
func (b *OneWayBus) Send(msgs ...any) error {
	if len(msgs) == 0 {
		return nil
	}
	owner, err := b.ownerOf(msgs[0])
	if err != nil {
		return err
	}
	for _, m := range msgs[1:] {
		next, err := b.ownerOf(m)
		if err != nil {
			return err
		}
		if next != owner {
			return errors.New("one-way batch spans multiple owning endpoints")
		}
	}
	endpoint := b.router.GetRoutedEndpoint(owner)
	return b.sender.Send(endpoint.Uri, msgs...)
}

func (b *OneWayBus) ownerOf(msg any) (string, error) {
	typeName := fmt.Sprintf("%T", msg)
	owner, ok := b.owners[typeName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoOwnerForMessage, typeName)
	}
	return owner, nil
}
