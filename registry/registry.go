// Package registry implements the authoritative store of topics,
// namespaces, subscribers, and peer services, plus the namespace-based
// subscribe placement policy.
//
// A Registry runs as a single-threaded cooperative actor: every public
// method submits a closure to the owning goroutine's request channel and
// blocks until it has run, so registry state is only ever touched from one
// goroutine at a time. This mirrors the request/response event loop used
// for shared mutable pub/sub state in this codebase's reference
// implementations (an `eval chan func()` driving a single select loop).
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"canisterbus/errs"
	"canisterbus/kvstore"
	"canisterbus/rlog"
	"canisterbus/transport"
)

// Clock abstracts the monotonic time source so tests can control
// CreatedAt timestamps deterministically.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now() }

// Registry owns the topic/namespace/subscriber/peer maps and serializes
// all access to them through a single goroutine.
type Registry struct {
	reqCh chan func()
	done  chan struct{}

	clock Clock
	log   *rlog.Manager

	topics      kvstore.Store
	namespaces  kvstore.Store
	subscribers kvstore.Store
	peers       kvstore.Store
}

// Config supplies the Registry's storage and collaborators. Stores default
// to fresh in-memory kvstore.BTreeStore instances when nil, which is the
// right choice for tests and the cmd/broker demo; a production deployment
// would inject stores backed by a real persistent collaborator instead.
type Config struct {
	Topics      kvstore.Store
	Namespaces  kvstore.Store
	Subscribers kvstore.Store
	Peers       kvstore.Store
	Clock       Clock
	Log         *rlog.Manager
}

// New starts a Registry actor goroutine and returns a handle to it. Call
// Close to stop the goroutine.
func New(cfg Config) *Registry {
	r := &Registry{
		reqCh:       make(chan func()),
		done:        make(chan struct{}),
		clock:       cfg.Clock,
		log:         cfg.Log,
		topics:      cfg.Topics,
		namespaces:  cfg.Namespaces,
		subscribers: cfg.Subscribers,
		peers:       cfg.Peers,
	}
	if r.clock == nil {
		r.clock = defaultClock
	}
	if r.log == nil {
		r.log = rlog.Nop()
	}
	if r.topics == nil {
		r.topics = kvstore.New()
	}
	if r.namespaces == nil {
		r.namespaces = kvstore.New()
	}
	if r.subscribers == nil {
		r.subscribers = kvstore.New()
	}
	if r.peers == nil {
		r.peers = kvstore.New()
	}
	go r.run()
	return r
}

// Close stops the actor goroutine. It is safe to call once.
func (r *Registry) Close() {
	close(r.done)
}

func (r *Registry) run() {
	for {
		select {
		case thunk := <-r.reqCh:
			thunk()
		case <-r.done:
			return
		}
	}
}

// do submits fn to the owning goroutine and blocks until it has run.
func (r *Registry) do(fn func()) {
	result := make(chan struct{})
	r.reqCh <- func() {
		fn()
		close(result)
	}
	<-result
}

func newID() string {
	return uuid.NewString()
}

// --- Topic ---------------------------------------------------------------

func (r *Registry) TopicRegister(t Topic) (id string, err error) {
	r.do(func() {
		id = newID()
		t.ID = id
		t.CreatedAt = r.clock()
		r.putTopic(t)
	})
	return id, nil
}

func (r *Registry) TopicUnregister(id string) (err error) {
	r.do(func() {
		if !r.topics.Has(id) {
			err = errs.B().Code(errs.NotFound).Msgf("topic %q not found", id).Err()
			return
		}
		r.topics.Delete(id)
	})
	return err
}

func (r *Registry) Topic(id string) (t Topic, err error) {
	r.do(func() {
		t, err = r.getTopic(id)
	})
	return t, err
}

// TopicByName scans all topics for a matching name. Names are unique by
// intent but the registry does not enforce it, matching the documented
// surface.
func (r *Registry) TopicByName(name string) (t Topic, err error) {
	r.do(func() {
		found := false
		r.topics.Range(func(_ string, raw []byte) bool {
			cand, decErr := decodeTopic(raw)
			if decErr != nil {
				return true
			}
			if cand.Name == name {
				t = cand
				found = true
				return false
			}
			return true
		})
		if !found {
			err = errs.B().Code(errs.NotFound).Msgf("topic with name %q not found", name).Err()
		}
	})
	return t, err
}

func (r *Registry) Topics() (out []Topic, err error) {
	r.do(func() {
		r.topics.Range(func(_ string, raw []byte) bool {
			t, decErr := decodeTopic(raw)
			if decErr == nil {
				out = append(out, t)
			}
			return true
		})
	})
	return out, nil
}

// --- Namespace -------------------------------------------------------------

func (r *Registry) NamespaceRegister(ns Namespace) (id string, err error) {
	r.do(func() {
		id = newID()
		ns.ID = id
		ns.CreatedAt = r.clock()
		r.putNamespace(ns)
	})
	return id, nil
}

func (r *Registry) NamespaceUnregister(id string) (err error) {
	r.do(func() {
		if !r.namespaces.Has(id) {
			err = errs.B().Code(errs.NotFound).Msgf("namespace %q not found", id).Err()
			return
		}
		r.namespaces.Delete(id)
	})
	return err
}

func (r *Registry) Namespace(id string) (ns Namespace, err error) {
	r.do(func() {
		ns, err = r.getNamespace(id)
	})
	return ns, err
}

func (r *Registry) Namespaces() (out []Namespace, err error) {
	r.do(func() {
		r.namespaces.Range(func(_ string, raw []byte) bool {
			ns, decErr := decodeNamespace(raw)
			if decErr == nil {
				out = append(out, ns)
			}
			return true
		})
	})
	return out, nil
}

func (r *Registry) NamespaceSubscriberSize(id string) (n int, err error) {
	r.do(func() {
		ns, getErr := r.getNamespace(id)
		if getErr != nil {
			err = getErr
			return
		}
		n = len(ns.Subscribers)
	})
	return n, err
}

// NamespaceRegisterSubscriber appends subID to the namespace's subscriber
// list. Duplicate appends are not deduplicated here: this low-level op
// permits duplicates. AgentSubscribe does not call this: it writes the
// membership itself, always for a freshly allocated id, so it never adds a
// duplicate.
func (r *Registry) NamespaceRegisterSubscriber(nsID, subID string) (err error) {
	r.do(func() {
		ns, getErr := r.getNamespace(nsID)
		if getErr != nil {
			err = getErr
			return
		}
		ns.Subscribers = append(ns.Subscribers, subID)
		r.putNamespace(ns)
	})
	return err
}

func (r *Registry) NamespacesByTopic(topicID string) (out []Namespace, err error) {
	t, err := r.Topic(topicID)
	if err != nil {
		return nil, err
	}
	r.do(func() {
		want := make(map[string]bool, len(t.Namespaces))
		for _, id := range t.Namespaces {
			want[id] = true
		}
		r.namespaces.Range(func(id string, raw []byte) bool {
			if !want[id] {
				return true
			}
			ns, decErr := decodeNamespace(raw)
			if decErr == nil {
				out = append(out, ns)
			}
			return true
		})
	})
	return out, nil
}

func (r *Registry) NamespaceBySubscriber(subID string) (ns Namespace, err error) {
	sub, err := r.Subscriber(subID)
	if err != nil {
		return Namespace{}, err
	}
	return r.Namespace(sub.Namespace)
}

// --- Subscriber ------------------------------------------------------------

func (r *Registry) SubscriberRegister(sub Subscriber) (id string, err error) {
	r.do(func() {
		if sub.ID == "" {
			sub.ID = newID()
		}
		sub.Active = true
		sub.CreatedAt = r.clock()
		r.putSubscriber(sub)
		id = sub.ID
	})
	return id, nil
}

func (r *Registry) SubscriberUnregister(id string) (err error) {
	r.do(func() {
		if !r.subscribers.Has(id) {
			err = errs.B().Code(errs.NotFound).Msgf("subscriber %q not found", id).Err()
			return
		}
		r.subscribers.Delete(id)
	})
	return err
}

func (r *Registry) Subscriber(id string) (sub Subscriber, err error) {
	r.do(func() {
		sub, err = r.getSubscriber(id)
	})
	return sub, err
}

func (r *Registry) Subscribers() (out []Subscriber, err error) {
	r.do(func() {
		r.subscribers.Range(func(_ string, raw []byte) bool {
			s, decErr := decodeSubscriber(raw)
			if decErr == nil {
				out = append(out, s)
			}
			return true
		})
	})
	return out, nil
}

func (r *Registry) SubscribersByTopic(topicID string) (out []Subscriber, err error) {
	r.do(func() {
		r.subscribers.Range(func(_ string, raw []byte) bool {
			s, decErr := decodeSubscriber(raw)
			if decErr == nil && s.Topic == topicID {
				out = append(out, s)
			}
			return true
		})
	})
	return out, nil
}

func (r *Registry) SubscribersByTopicName(name string) ([]Subscriber, error) {
	t, err := r.TopicByName(name)
	if err != nil {
		return nil, err
	}
	return r.SubscribersByTopic(t.ID)
}

// --- Canister / peer service ------------------------------------------------

func (r *Registry) CanisterRegister(p PeerService) (id string, err error) {
	r.do(func() {
		id = newID()
		p.ID = id
		p.Active = true
		p.CreatedAt = r.clock()
		r.putPeer(p)
	})
	return id, nil
}

func (r *Registry) CanisterUnregister(name string) (err error) {
	r.do(func() {
		if !r.peers.Has(name) {
			err = errs.B().Code(errs.NotFound).Msgf("canister %q not found", name).Err()
			return
		}
		r.peers.Delete(name)
	})
	return err
}

func (r *Registry) Canister(name string) (p PeerService, err error) {
	r.do(func() {
		raw, ok := r.peers.Get(name)
		if !ok {
			err = errs.B().Code(errs.NotFound).Msgf("canister %q not found", name).Err()
			return
		}
		p, err = decodePeer(raw)
	})
	return p, err
}

func (r *Registry) Canisters() (out []PeerService, err error) {
	r.do(func() {
		r.peers.Range(func(_ string, raw []byte) bool {
			p, decErr := decodePeer(raw)
			if decErr == nil {
				out = append(out, p)
			}
			return true
		})
	})
	return out, nil
}

// CanistersRemoteSet broadcasts the current peer address book to every
// active, non-registry peer by invoking canister_settings_store for each
// known peer. Failures are logged and do not abort the pass.
func (r *Registry) CanistersRemoteSet(ctx context.Context, t transport.Transport) error {
	peers, err := r.Canisters()
	if err != nil {
		return err
	}
	for _, target := range peers {
		if target.CanisterName == RegistryCanisterName || !target.Active {
			continue
		}
		for _, peer := range peers {
			err := t.Invoke(ctx, target.CanisterID, "canister_settings_store", peer.CanisterName+"="+peer.CanisterID)
			if err != nil {
				r.log.Warn("canister_settings_store failed",
					"target", target.CanisterName, "peer", peer.CanisterName, "error", err)
			}
		}
	}
	return nil
}

// --- Agent surface -----------------------------------------------------------

// AgentSubscribe resolves topicName, picks the least-loaded namespace under
// it (ties broken by order in topic.Namespaces), and places a new subscriber
// there. The subscriber record and its namespace membership are written
// together under the actor's exclusive access; if the membership write
// fails, the subscriber record is rolled back so no dangling subscriber is
// left without a namespace.
func (r *Registry) AgentSubscribe(callerCanisterID, topicName, callback string) (subID string, err error) {
	t, err := r.TopicByName(topicName)
	if err != nil {
		return "", err
	}
	if !t.Active {
		return "", errs.B().Code(errs.NotFound).Msgf("topic %q is not active", topicName).Err()
	}

	r.do(func() {
		nsID, pickErr := r.pickLeastLoadedNamespace(t.Namespaces)
		if pickErr != nil {
			err = pickErr
			return
		}

		sub := Subscriber{
			ID:         newID(),
			CanisterID: callerCanisterID,
			Callback:   callback,
			Topic:      t.ID,
			Namespace:  nsID,
			Active:     true,
			CreatedAt:  r.clock(),
		}
		r.putSubscriber(sub)

		ns, getErr := r.getNamespace(nsID)
		if getErr != nil {
			// Compensate: the subscriber was committed but its namespace
			// vanished before membership could be recorded. Roll it back
			// rather than leave an orphaned subscriber.
			r.subscribers.Delete(sub.ID)
			err = getErr
			return
		}
		ns.Subscribers = append(ns.Subscribers, sub.ID)
		r.putNamespace(ns)

		subID = sub.ID
	})
	return subID, err
}

// pickLeastLoadedNamespace must run on the actor goroutine.
func (r *Registry) pickLeastLoadedNamespace(namespaceIDs []string) (string, error) {
	if len(namespaceIDs) == 0 {
		return "", errs.B().Code(errs.InvalidArgument).Msg("topic has no namespaces to subscribe into").Err()
	}

	best := ""
	bestCount := -1
	for _, id := range namespaceIDs {
		ns, err := r.getNamespace(id)
		if err != nil {
			continue
		}
		count := len(ns.Subscribers)
		if bestCount == -1 || count < bestCount {
			bestCount = count
			best = id
		}
	}
	if best == "" {
		return "", errs.B().Code(errs.NotFound).Msg("no resolvable namespace for topic").Err()
	}
	return best, nil
}

// AgentUnsubscribe removes subID from its owning namespace and deletes the
// subscriber record. Idempotent: unsubscribing an already-removed id
// returns a not-found error, not a panic.
func (r *Registry) AgentUnsubscribe(subID string) (err error) {
	r.do(func() {
		sub, getErr := r.getSubscriber(subID)
		if getErr != nil {
			err = getErr
			return
		}
		ns, getErr := r.getNamespace(sub.Namespace)
		if getErr == nil {
			ns.Subscribers = removeString(ns.Subscribers, subID)
			r.putNamespace(ns)
		}
		r.subscribers.Delete(subID)
	})
	return err
}

func (r *Registry) AgentSubscription(id string) (Subscriber, error) {
	return r.Subscriber(id)
}

func (r *Registry) AgentSubscriptions(callerCanisterID string) (out []Subscriber, err error) {
	r.do(func() {
		r.subscribers.Range(func(_ string, raw []byte) bool {
			s, decErr := decodeSubscriber(raw)
			if decErr == nil && s.CanisterID == callerCanisterID {
				out = append(out, s)
			}
			return true
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
