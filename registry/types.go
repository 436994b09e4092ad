package registry

import "time"

// Topic identifies a logical channel that producers publish to and
// subscribers receive from via one of its namespaces.
type Topic struct {
	ID          string
	Name        string
	Description string
	Namespaces  []string
	Active      bool
	CreatedAt   time.Time
}

// Namespace is a shard of a topic used to load-balance subscriber
// placement. Subscribers lists the subscriber ids currently placed here.
type Namespace struct {
	ID          string
	Name        string
	Description string
	Subscribers []string
	Active      bool
	CreatedAt   time.Time
}

// Subscriber is a single delivery target: a service identity plus the
// callback procedure to invoke on it.
type Subscriber struct {
	ID          string
	CanisterID  string
	Callback    string
	Name        string
	Description string
	Topic       string // topic id
	Namespace   string // namespace id
	Active      bool
	CreatedAt   time.Time
}

// PeerService is a known service in the fleet, addressed by its logical
// CanisterName and transport-level CanisterID.
type PeerService struct {
	ID           string
	CanisterName string
	CanisterID   string
	Name         string
	Description  string
	Active       bool
	CreatedAt    time.Time
}

// RegistryCanisterName is the well-known peer-service key under which the
// registry itself is registered. CanistersRemoteSet never picks it as a
// broadcast target. The dispatcher does not look this key up: it reaches the
// registry through the RegistryClient it is constructed with.
const RegistryCanisterName = "registry_backend"
