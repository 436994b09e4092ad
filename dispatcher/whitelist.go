package dispatcher

import (
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"canisterbus/kvstore"
)

var wlJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// whitelist maps topic name to the set of canister ids allowed to publish
// to it. Represented as a set rather than an append-only list so
// registration is idempotent and membership checks don't need a linear
// scan. mu serialises the load-then-save pair so concurrent
// register/unregister calls for the same topic don't lose an update.
type whitelist struct {
	mu    sync.Mutex
	store kvstore.Store
}

func newWhitelist(store kvstore.Store) *whitelist {
	return &whitelist{store: store}
}

func (w *whitelist) register(topic, canisterID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.load(topic)
	set[canisterID] = struct{}{}
	w.save(topic, set)
}

// unregister removes canisterID from topic's set, reporting whether it was
// present beforehand.
func (w *whitelist) unregister(topic, canisterID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.load(topic)
	if _, ok := set[canisterID]; !ok {
		return false
	}
	delete(set, canisterID)
	w.save(topic, set)
	return true
}

func (w *whitelist) lookup(topic string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.load(topic)
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (w *whitelist) check(topic, canisterID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.load(topic)
	_, ok := set[canisterID]
	return ok
}

func (w *whitelist) load(topic string) map[string]struct{} {
	raw, ok := w.store.Get(topic)
	if !ok {
		return make(map[string]struct{})
	}
	var ids []string
	if err := wlJSON.Unmarshal(raw, &ids); err != nil {
		return make(map[string]struct{})
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (w *whitelist) save(topic string, set map[string]struct{}) {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, _ := wlJSON.Marshal(ids)
	w.store.Set(topic, data)
}
