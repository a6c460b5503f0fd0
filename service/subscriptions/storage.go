package subscriptions

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/shared/logging"
)

var _subscriptionLogger = logging.NewLogger("SubscriptionStorage")

const storageKeyPrefix = "subscriptions_"

// TxBeginner opens store transactions for subscription persistence.
type TxBeginner interface {
	Begin() (busapi.Tx, error)
}

// GenericSubscriptionStorage is the durable pub/sub routing table of
// one endpoint. Durable and remote-instance subscriptions are persisted
// as administrative messages in the item store and replayed on
// Initialize; local instance subscriptions live only in memory.
type GenericSubscriptionStorage struct {
	endpoint string
	beginner TxBeginner
	items    busapi.ItemStorage
	codec    busapi.MessageSerializer
	resolver busapi.ConsumerTypeResolver

	mu              sync.RWMutex
	loading         bool
	durable         map[string]map[string]struct{} // type → endpoint set
	durableItemIds  map[string]int64               // type+endpoint → item id
	remote          *remoteInstanceIndex
	remoteItemIds   map[string]int64 // instance key → item id
	local           localRegistry
	changedHandlers []func()
}

func NewGenericSubscriptionStorage(endpoint string, beginner TxBeginner, items busapi.ItemStorage, serializer busapi.MessageSerializer, resolver busapi.ConsumerTypeResolver) *GenericSubscriptionStorage {
	return &GenericSubscriptionStorage{
		endpoint:       endpoint,
		beginner:       beginner,
		items:          items,
		codec:          serializer,
		resolver:       resolver,
		durable:        map[string]map[string]struct{}{},
		durableItemIds: map[string]int64{},
		remote:         newRemoteInstanceIndex(),
		remoteItemIds:  map[string]int64{},
	}
}

func (s *GenericSubscriptionStorage) storageKey() string {
	return storageKeyPrefix + s.endpoint
}

func durableKey(typeName, endpoint string) string {
	return typeName + "@" + endpoint
}

// Initialize replays every persisted administrative message through the
// live handler. The loading flag suppresses re-persistence, otherwise
// replay would duplicate rows.
func (s *GenericSubscriptionStorage) Initialize() error {
	tx, err := s.beginner.Begin()
	if err != nil {
		return err
	}
	stored, err := s.items.GetItemsByKey(tx, s.storageKey())
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	for _, item := range stored {
		msgs, err := s.codec.Deserialize(item.Value)
		if err != nil {
			_subscriptionLogger.Errorln("skipping unreadable subscription item", item.Id, ":", err)
			continue
		}
		for _, msg := range msgs {
			if !s.handleVariant(msg, item.Id) {
				_subscriptionLogger.Warnln("subscription item", item.Id, "holds a non-administrative message, ignored")
			}
		}
	}
	return nil
}

// HandleAdministrativeMessage consumes subscribe/unsubscribe traffic.
// Wire it to the transport's administrative observer list. Returns
// false for messages that are not subscription variants.
func (s *GenericSubscriptionStorage) HandleAdministrativeMessage(info *busapi.CurrentMessageInformation) bool {
	handled := false
	for _, msg := range info.AllMessages {
		if s.handleVariant(msg, 0) {
			handled = true
		}
	}
	return handled
}

func (s *GenericSubscriptionStorage) handleVariant(msg any, replayItemId int64) bool {
	switch v := msg.(type) {
	case *AddSubscription:
		s.addDurable(v, replayItemId)
	case *RemoveSubscription:
		s.removeDurable(v)
	case *AddInstanceSubscription:
		s.addInstance(v, replayItemId)
	case *RemoveInstanceSubscription:
		s.removeInstance(v)
	default:
		return false
	}
	s.notifyChanged()
	return true
}

func (s *GenericSubscriptionStorage) addDurable(v *AddSubscription, replayItemId int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.durable[v.Type]
	if !ok {
		set = map[string]struct{}{}
		s.durable[v.Type] = set
	}
	if _, exists := set[v.Endpoint]; exists {
		return
	}
	set[v.Endpoint] = struct{}{}
	if s.loading {
		s.durableItemIds[durableKey(v.Type, v.Endpoint)] = replayItemId
		return
	}
	id, err := s.persist(v)
	if err != nil {
		_subscriptionLogger.Errorln("persisting subscription failed:", err)
		return
	}
	s.durableItemIds[durableKey(v.Type, v.Endpoint)] = id
}

func (s *GenericSubscriptionStorage) removeDurable(v *RemoveSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.durable[v.Type]; ok {
		delete(set, v.Endpoint)
		if len(set) == 0 {
			delete(s.durable, v.Type)
		}
	}
	key := durableKey(v.Type, v.Endpoint)
	if id, ok := s.durableItemIds[key]; ok {
		delete(s.durableItemIds, key)
		if !s.loading {
			s.unpersist(id)
		}
	}
}

func (s *GenericSubscriptionStorage) addInstance(v *AddInstanceSubscription, replayItemId int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote.add(v.Type, v.InstanceSubscriptionKey, v.Endpoint)
	if s.loading {
		s.remoteItemIds[v.InstanceSubscriptionKey] = replayItemId
		return
	}
	id, err := s.persist(v)
	if err != nil {
		_subscriptionLogger.Errorln("persisting instance subscription failed:", err)
		return
	}
	s.remoteItemIds[v.InstanceSubscriptionKey] = id
}

func (s *GenericSubscriptionStorage) removeInstance(v *RemoveInstanceSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote.removeByKey(v.InstanceSubscriptionKey)
	if id, ok := s.remoteItemIds[v.InstanceSubscriptionKey]; ok {
		delete(s.remoteItemIds, v.InstanceSubscriptionKey)
		if !s.loading {
			s.unpersist(id)
		}
	}
}

func (s *GenericSubscriptionStorage) persist(msg any) (int64, error) {
	data, err := s.codec.Serialize([]any{msg})
	if err != nil {
		return 0, err
	}
	tx, err := s.beginner.Begin()
	if err != nil {
		return 0, err
	}
	id, err := s.items.AddItem(tx, s.storageKey(), data)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *GenericSubscriptionStorage) unpersist(id int64) {
	tx, err := s.beginner.Begin()
	if err != nil {
		_subscriptionLogger.Errorln("removing subscription item failed:", err)
		return
	}
	if err := s.items.RemoveItems(tx, s.storageKey(), []int64{id}); err != nil {
		_ = tx.Rollback()
		_subscriptionLogger.Errorln("removing subscription item failed:", err)
		return
	}
	if err := tx.Commit(); err != nil {
		_subscriptionLogger.Errorln("removing subscription item failed:", err)
	}
}

// AddSubscriptionFor records a durable subscription directly and
// reports whether it was new.
func (s *GenericSubscriptionStorage) AddSubscriptionFor(typeName, endpoint string) bool {
	s.mu.RLock()
	_, exists := s.durable[typeName][endpoint]
	s.mu.RUnlock()
	if exists {
		return false
	}
	s.handleVariant(&AddSubscription{Type: typeName, Endpoint: endpoint}, 0)
	return true
}

func (s *GenericSubscriptionStorage) RemoveSubscriptionFor(typeName, endpoint string) {
	s.handleVariant(&RemoveSubscription{Type: typeName, Endpoint: endpoint}, 0)
}

// GetSubscriptionsFor returns the union of durable endpoints and
// remote-instance endpoints for a message type, sorted for determinism.
func (s *GenericSubscriptionStorage) GetSubscriptionsFor(typeName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	union := map[string]struct{}{}
	for endpoint := range s.durable[typeName] {
		union[endpoint] = struct{}{}
	}
	for _, endpoint := range s.remote.endpointsFor(typeName) {
		union[endpoint] = struct{}{}
	}
	result := make([]string, 0, len(union))
	for endpoint := range union {
		result = append(result, endpoint)
	}
	sort.Strings(result)
	return result
}

// AddLocalInstanceSubscription registers an in-process consumer for
// every message type it handles.
func (s *GenericSubscriptionStorage) AddLocalInstanceSubscription(consumer any) error {
	types := s.resolver.ConsumedMessageTypes(consumer)
	if len(types) == 0 {
		return fmt.Errorf("consumer %T handles no message types", consumer)
	}
	s.local.add(consumer, types)
	s.notifyChanged()
	return nil
}

func (s *GenericSubscriptionStorage) RemoveLocalInstanceSubscription(consumer any) {
	s.local.remove(consumer)
	s.notifyChanged()
}

// GetInstanceSubscriptions returns the live local consumers of a type.
// Dead consumers are pruned on read.
func (s *GenericSubscriptionStorage) GetInstanceSubscriptions(typeName string) []any {
	return s.local.byType(typeName)
}

// OnSubscriptionChanged registers a callback fired after every mutation.
func (s *GenericSubscriptionStorage) OnSubscriptionChanged(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changedHandlers = append(s.changedHandlers, fn)
}

func (s *GenericSubscriptionStorage) notifyChanged() {
	s.mu.RLock()
	handlers := make([]func(), len(s.changedHandlers))
	copy(handlers, s.changedHandlers)
	s.mu.RUnlock()
	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					_subscriptionLogger.Errorln("subscription-changed observer panicked:", r)
				}
			}()
			fn()
		}()
	}
}

// Snapshot reports the durable routing table, used by the admin surface.
func (s *GenericSubscriptionStorage) Snapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := map[string][]string{}
	for typeName, set := range s.durable {
		endpoints := make([]string, 0, len(set))
		for endpoint := range set {
			endpoints = append(endpoints, endpoint)
		}
		sort.Strings(endpoints)
		result[typeName] = endpoints
	}
	return result
}
