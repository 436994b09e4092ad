package dispatcher

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"canisterbus/kvstore"
	"canisterbus/registry"
)

var cacheJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// CacheTTL is the freshness window for cached subscriber entries: after
// this long since the last CacheSubscribersFetch, a refresh is due before
// the cache should be trusted for a tick.
const CacheTTL = 60 * time.Second

// subscriberCache is the dispatcher-local, registry-derived view of which
// subscribers exist for which topic. It is keyed both by topic name (the
// lookup path for routing) and by topic id (subscribers carry topic id,
// not topic name) — both indexes are maintained explicitly so a refresh
// keyed by either field works without a format change.
type subscriberCache struct {
	byTopicName kvstore.Store
	byTopicID   kvstore.Store
	byID        kvstore.Store
	clock       func() time.Time

	lastFetch time.Time
}

func newSubscriberCache(byTopicName, byTopicID, byID kvstore.Store, clock func() time.Time) *subscriberCache {
	if clock == nil {
		clock = time.Now
	}
	return &subscriberCache{byTopicName: byTopicName, byTopicID: byTopicID, byID: byID, clock: clock}
}

// fetch rebuilds both topic indexes and the denormalised per-subscriber
// snapshots from a registry listing. Every topic passed in has its index
// entries overwritten (to an empty list if it currently has no
// subscribers), so a subscriber removed between fetches disappears from
// routing as of this fetch rather than lingering until an explicit
// clear(). Topics absent from this fetch (e.g. since deleted) are left
// untouched; clear() is still required to purge those.
func (c *subscriberCache) fetch(topics []registry.Topic, subs []registry.Subscriber) {
	byName := make(map[string][]string)
	byTopicID := make(map[string][]string)
	now := c.clock()

	topicByID := make(map[string]registry.Topic, len(topics))
	for _, t := range topics {
		topicByID[t.ID] = t
	}

	for _, s := range subs {
		t, ok := topicByID[s.Topic]
		topicName := ""
		if ok {
			topicName = t.Name
		}

		snap := SubscriberSnapshot{
			ID:         s.ID,
			CanisterID: s.CanisterID,
			Callback:   s.Callback,
			Topic:      s.Topic,
			TopicName:  topicName,
			Namespace:  s.Namespace,
			Timestamp:  now,
		}
		data, _ := cacheJSON.Marshal(snap)
		c.byID.Set(s.ID, data)

		if topicName != "" {
			byName[topicName] = append(byName[topicName], s.ID)
		}
		byTopicID[s.Topic] = append(byTopicID[s.Topic], s.ID)
	}

	for _, t := range topics {
		data, _ := cacheJSON.Marshal(byName[t.Name])
		c.byTopicName.Set(t.Name, data)

		data, _ = cacheJSON.Marshal(byTopicID[t.ID])
		c.byTopicID.Set(t.ID, data)
	}

	c.lastFetch = now
}

// clear wipes every cache index, required before a fetch that should treat
// removed subscribers as gone rather than merely unrefreshed.
func (c *subscriberCache) clear() {
	clearStore(c.byTopicName)
	clearStore(c.byTopicID)
	clearStore(c.byID)
	c.lastFetch = time.Time{}
}

func clearStore(s kvstore.Store) {
	var keys []string
	s.Range(func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		s.Delete(k)
	}
}

// subscribersByTopicName returns the subscriber ids cached for topicName.
func (c *subscriberCache) subscribersByTopicName(topicName string) []string {
	raw, ok := c.byTopicName.Get(topicName)
	if !ok {
		return nil
	}
	var ids []string
	_ = cacheJSON.Unmarshal(raw, &ids)
	return ids
}

// subscriberData returns the cached denormalised snapshot for id.
func (c *subscriberCache) subscriberData(id string) (SubscriberSnapshot, bool) {
	raw, ok := c.byID.Get(id)
	if !ok {
		return SubscriberSnapshot{}, false
	}
	var snap SubscriberSnapshot
	if err := cacheJSON.Unmarshal(raw, &snap); err != nil {
		return SubscriberSnapshot{}, false
	}
	return snap, true
}

// stale reports whether the cache has not been refreshed within CacheTTL.
func (c *subscriberCache) stale(now time.Time) bool {
	if c.lastFetch.IsZero() {
		return true
	}
	return now.Sub(c.lastFetch) > CacheTTL
}
