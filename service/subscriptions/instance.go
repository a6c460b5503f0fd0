package subscriptions

import (
	"reflect"
	"strings"
	"sync"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/shared/codec"
)

// MessageConsumer lets a consumer declare its message types explicitly
// with sample values.
type MessageConsumer interface {
	ConsumedMessages() []any
}

// LivenessProbe marks a local consumer that can report whether it is
// still in service. Consumers without a probe count as alive until they
// are explicitly unregistered.
type LivenessProbe interface {
	Alive() bool
}

// DefaultConsumerTypeResolver discovers the message types a consumer
// handles: the explicit MessageConsumer declaration wins, otherwise
// every exported Handle* method with exactly one pointer parameter
// contributes its parameter type.
type DefaultConsumerTypeResolver struct{}

var _ busapi.ConsumerTypeResolver = new(DefaultConsumerTypeResolver)

func (DefaultConsumerTypeResolver) ConsumedMessageTypes(consumer any) []string {
	if mc, ok := consumer.(MessageConsumer); ok {
		var types []string
		for _, sample := range mc.ConsumedMessages() {
			types = append(types, codec.TypeName(sample))
		}
		return types
	}
	var types []string
	t := reflect.TypeOf(consumer)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !strings.HasPrefix(m.Name, "Handle") {
			continue
		}
		// receiver + one message argument
		if m.Type.NumIn() != 2 || m.Type.In(1).Kind() != reflect.Pointer {
			continue
		}
		types = append(types, m.Type.In(1).String())
	}
	return types
}

type localConsumer struct {
	consumer any
	types    []string
}

// localRegistry tracks consumers registered on this node. Reads prune
// consumers whose liveness probe reports dead.
type localRegistry struct {
	mu        sync.Mutex
	consumers []*localConsumer
}

func (r *localRegistry) add(consumer any, types []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers = append(r.consumers, &localConsumer{consumer: consumer, types: types})
}

func (r *localRegistry) remove(consumer any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.consumers[:0]
	for _, c := range r.consumers {
		if c.consumer != consumer {
			kept = append(kept, c)
		}
	}
	r.consumers = kept
}

// byType returns live consumers of the given type, dropping dead ones
// from the registry as a side effect.
func (r *localRegistry) byType(typeName string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []any
	kept := r.consumers[:0]
	for _, c := range r.consumers {
		if probe, ok := c.consumer.(LivenessProbe); ok && !probe.Alive() {
			continue
		}
		kept = append(kept, c)
		for _, tn := range c.types {
			if tn == typeName {
				result = append(result, c.consumer)
				break
			}
		}
	}
	for i := len(kept); i < len(r.consumers); i++ {
		r.consumers[i] = nil
	}
	r.consumers = kept
	return result
}

// remoteInstanceIndex tracks instance subscriptions announced by other
// nodes, indexed both by message type and by instance key so removal by
// key is direct.
type remoteInstanceIndex struct {
	byType map[string]map[string]string // type → instance key → endpoint
	byKey  map[string][]string          // instance key → types
}

func newRemoteInstanceIndex() *remoteInstanceIndex {
	return &remoteInstanceIndex{
		byType: map[string]map[string]string{},
		byKey:  map[string][]string{},
	}
}

func (x *remoteInstanceIndex) add(typeName, instanceKey, endpoint string) {
	m, ok := x.byType[typeName]
	if !ok {
		m = map[string]string{}
		x.byType[typeName] = m
	}
	m[instanceKey] = endpoint
	x.byKey[instanceKey] = append(x.byKey[instanceKey], typeName)
}

func (x *remoteInstanceIndex) removeByKey(instanceKey string) {
	for _, typeName := range x.byKey[instanceKey] {
		if m, ok := x.byType[typeName]; ok {
			delete(m, instanceKey)
			if len(m) == 0 {
				delete(x.byType, typeName)
			}
		}
	}
	delete(x.byKey, instanceKey)
}

func (x *remoteInstanceIndex) endpointsFor(typeName string) []string {
	var result []string
	for _, endpoint := range x.byType[typeName] {
		result = append(result, endpoint)
	}
	return result
}
