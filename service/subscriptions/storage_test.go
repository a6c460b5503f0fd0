package subscriptions_test

import (
	"sync"
	"testing"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/service/subscriptions"
	"github.com/meidoworks/sqlbus/shared/codec"
	"github.com/meidoworks/sqlbus/shared/testlib"
)

type memTx struct{}

func (memTx) Commit() error   { return nil }
func (memTx) Rollback() error { return nil }

type memBeginner struct{}

func (memBeginner) Begin() (busapi.Tx, error) { return memTx{}, nil }

// memItems is an in-memory busapi.ItemStorage.
type memItems struct {
	mu     sync.Mutex
	nextId int64
	rows   map[string][]busapi.StoredItem
}

func newMemItems() *memItems {
	return &memItems{rows: map[string][]busapi.StoredItem{}}
}

func (m *memItems) GetItemsByKey(_ busapi.Tx, key string) ([]busapi.StoredItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]busapi.StoredItem(nil), m.rows[key]...), nil
}

func (m *memItems) AddItem(_ busapi.Tx, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextId++
	m.rows[key] = append(m.rows[key], busapi.StoredItem{Id: m.nextId, Value: value})
	return m.nextId, nil
}

func (m *memItems) RemoveItems(_ busapi.Tx, key string, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := map[int64]struct{}{}
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	var kept []busapi.StoredItem
	for _, item := range m.rows[key] {
		if _, gone := drop[item.Id]; !gone {
			kept = append(kept, item)
		}
	}
	m.rows[key] = kept
	return nil
}

func newStorage(items *memItems) *subscriptions.GenericSubscriptionStorage {
	c := codec.NewCborSerializer()
	subscriptions.RegisterAdminMessages(c)
	return subscriptions.NewGenericSubscriptionStorage(
		"sqlbus://localhost/orders", memBeginner{}, items, c,
		subscriptions.DefaultConsumerTypeResolver{})
}

func adminInfo(msgs ...any) *busapi.CurrentMessageInformation {
	return &busapi.CurrentMessageInformation{AllMessages: msgs}
}

func TestDurableSubscriptionLifecycle(t *testing.T) {
	items := newMemItems()
	s := newStorage(items)
	testlib.AssertError(t, s.Initialize())

	handled := s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.AddSubscription{Type: "orders.Placed", Endpoint: "sqlbus://a/orders"},
	))
	testlib.AssertTrue(t, handled, "admin message must be handled")
	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.AddSubscription{Type: "orders.Placed", Endpoint: "sqlbus://b/orders"},
	))

	testlib.AssertDeepEqual(t,
		[]string{"sqlbus://a/orders", "sqlbus://b/orders"},
		s.GetSubscriptionsFor("orders.Placed"))

	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.RemoveSubscription{Type: "orders.Placed", Endpoint: "sqlbus://a/orders"},
	))
	testlib.AssertDeepEqual(t,
		[]string{"sqlbus://b/orders"},
		s.GetSubscriptionsFor("orders.Placed"))
}

func TestReplayRestoresNetEffect(t *testing.T) {
	items := newMemItems()
	s := newStorage(items)
	testlib.AssertError(t, s.Initialize())

	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.AddSubscription{Type: "orders.Placed", Endpoint: "sqlbus://a/orders"},
		&subscriptions.AddSubscription{Type: "orders.Placed", Endpoint: "sqlbus://b/orders"},
	))
	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.RemoveSubscription{Type: "orders.Placed", Endpoint: "sqlbus://a/orders"},
	))
	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.AddInstanceSubscription{
			InstanceSubscriptionKey: "instance-1",
			Type:                    "orders.Cancelled",
			Endpoint:                "sqlbus://c/orders",
		},
	))

	// a fresh storage over the same items must see the net effect
	replayed := newStorage(items)
	testlib.AssertError(t, replayed.Initialize())
	testlib.AssertDeepEqual(t,
		[]string{"sqlbus://b/orders"},
		replayed.GetSubscriptionsFor("orders.Placed"))
	testlib.AssertDeepEqual(t,
		[]string{"sqlbus://c/orders"},
		replayed.GetSubscriptionsFor("orders.Cancelled"))
}

func TestReplayDoesNotDuplicateRows(t *testing.T) {
	items := newMemItems()
	s := newStorage(items)
	testlib.AssertError(t, s.Initialize())
	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.AddSubscription{Type: "orders.Placed", Endpoint: "sqlbus://a/orders"},
	))
	before := len(items.rows["subscriptions_sqlbus://localhost/orders"])

	replayed := newStorage(items)
	testlib.AssertError(t, replayed.Initialize())
	after := len(items.rows["subscriptions_sqlbus://localhost/orders"])
	if before != after {
		t.Fatal("replay duplicated storage rows:", before, "->", after)
	}

	// removal after replay must delete the original row
	replayed.HandleAdministrativeMessage(adminInfo(
		&subscriptions.RemoveSubscription{Type: "orders.Placed", Endpoint: "sqlbus://a/orders"},
	))
	if remaining := len(items.rows["subscriptions_sqlbus://localhost/orders"]); remaining != 0 {
		t.Fatal("row not removed after replayed removal:", remaining)
	}
}

func TestInstanceSubscriptionRemovalByKey(t *testing.T) {
	items := newMemItems()
	s := newStorage(items)
	testlib.AssertError(t, s.Initialize())

	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.AddInstanceSubscription{
			InstanceSubscriptionKey: "instance-1",
			Type:                    "orders.Placed",
			Endpoint:                "sqlbus://c/orders",
		},
	))
	testlib.AssertDeepEqual(t,
		[]string{"sqlbus://c/orders"},
		s.GetSubscriptionsFor("orders.Placed"))

	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.RemoveInstanceSubscription{
			InstanceSubscriptionKey: "instance-1",
			Endpoint:                "sqlbus://c/orders",
		},
	))
	if got := s.GetSubscriptionsFor("orders.Placed"); len(got) != 0 {
		t.Fatal("instance subscription survived removal:", got)
	}
}

type cancelOrder struct{}

type orderConsumer struct {
	alive bool
}

func (c *orderConsumer) HandleCancelOrder(*cancelOrder) {}

func (c *orderConsumer) Alive() bool { return c.alive }

func TestLocalInstanceLiveness(t *testing.T) {
	items := newMemItems()
	s := newStorage(items)
	testlib.AssertError(t, s.Initialize())

	consumer := &orderConsumer{alive: true}
	testlib.AssertError(t, s.AddLocalInstanceSubscription(consumer))

	typeName := "*subscriptions_test.cancelOrder"
	got := s.GetInstanceSubscriptions(typeName)
	if len(got) != 1 || got[0] != consumer {
		t.Fatal("expected the live consumer, got", got)
	}

	consumer.alive = false
	if got := s.GetInstanceSubscriptions(typeName); len(got) != 0 {
		t.Fatal("dead consumer not pruned:", got)
	}
	// pruned for good: resurrecting the flag must not bring it back
	consumer.alive = true
	if got := s.GetInstanceSubscriptions(typeName); len(got) != 0 {
		t.Fatal("pruned consumer came back:", got)
	}
}

func TestSubscriptionChangedFires(t *testing.T) {
	items := newMemItems()
	s := newStorage(items)
	testlib.AssertError(t, s.Initialize())

	var fired int
	s.OnSubscriptionChanged(func() { fired++ })
	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.AddSubscription{Type: "orders.Placed", Endpoint: "sqlbus://a/orders"},
	))
	s.HandleAdministrativeMessage(adminInfo(
		&subscriptions.RemoveSubscription{Type: "orders.Placed", Endpoint: "sqlbus://a/orders"},
	))
	if fired != 2 {
		t.Fatal("expected 2 change notifications, got", fired)
	}
}
