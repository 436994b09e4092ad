package dispatcher

import "time"

// Message is a single unit of work accepted by Intake: a topic tag plus an
// opaque value. Both fields are required.
type Message struct {
	Topic string `json:"topic"`
	Value string `json:"value"`
}

// SubscriberSnapshot is the denormalised view of a subscriber the cache
// keeps so that a tick can fan out without a registry round trip. It
// mirrors registry.Subscriber's delivery-relevant fields plus the topic
// name the cache is keyed by.
type SubscriberSnapshot struct {
	ID         string
	CanisterID string
	Callback   string
	Topic      string // topic id
	TopicName  string
	Namespace  string
	Timestamp  time.Time
}
