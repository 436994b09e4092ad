package registry

import (
	"context"
	"testing"

	"canisterbus/errs"
	"canisterbus/transport/memtransport"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(Config{})
	t.Cleanup(r.Close)
	return r
}

func TestTopicRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.TopicRegister(Topic{Name: "orders", Active: true})
	if err != nil {
		t.Fatalf("TopicRegister: %v", err)
	}

	got, err := r.Topic(id)
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if got.Name != "orders" {
		t.Errorf("Topic().Name = %q, want orders", got.Name)
	}

	byName, err := r.TopicByName("orders")
	if err != nil {
		t.Fatalf("TopicByName: %v", err)
	}
	if byName.ID != id {
		t.Errorf("TopicByName returned id %q, want %q", byName.ID, id)
	}

	if _, err := r.TopicByName("missing"); errs.Code(err) != errs.NotFound {
		t.Errorf("TopicByName(missing) code = %v, want NotFound", errs.Code(err))
	}
}

func TestTopicUnregisterNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.TopicUnregister("nope"); errs.Code(err) != errs.NotFound {
		t.Errorf("code = %v, want NotFound", errs.Code(err))
	}
}

// setupTopicWithNamespaces creates a topic with namespaces in the given
// order, each pre-seeded with count subscribers directly placed in it.
func setupTopicWithNamespaces(t *testing.T, r *Registry, counts ...int) (topicName string, nsIDs []string) {
	t.Helper()
	for range counts {
		id, err := r.NamespaceRegister(Namespace{Name: "ns", Active: true})
		if err != nil {
			t.Fatalf("NamespaceRegister: %v", err)
		}
		nsIDs = append(nsIDs, id)
	}

	topicName = "orders"
	topicID, err := r.TopicRegister(Topic{Name: topicName, Active: true, Namespaces: nsIDs})
	if err != nil {
		t.Fatalf("TopicRegister: %v", err)
	}

	for i, count := range counts {
		for j := 0; j < count; j++ {
			subID, err := r.SubscriberRegister(Subscriber{
				CanisterID: "FILLER",
				Callback:   "noop",
				Topic:      topicID,
				Namespace:  nsIDs[i],
			})
			if err != nil {
				t.Fatalf("SubscriberRegister: %v", err)
			}
			if err := r.NamespaceRegisterSubscriber(nsIDs[i], subID); err != nil {
				t.Fatalf("NamespaceRegisterSubscriber: %v", err)
			}
		}
	}
	return topicName, nsIDs
}

// Mirrors the documented load-balanced placement scenario: three namespaces
// with 2, 0, and 1 pre-existing subscribers; a new subscribe must land on
// the namespace with the fewest, the second one in the list.
func TestAgentSubscribePicksLeastLoadedNamespace(t *testing.T) {
	r := newTestRegistry(t)
	topicName, nsIDs := setupTopicWithNamespaces(t, r, 2, 0, 1)

	subID, err := r.AgentSubscribe("PROD-1", topicName, "on_order")
	if err != nil {
		t.Fatalf("AgentSubscribe: %v", err)
	}

	sub, err := r.Subscriber(subID)
	if err != nil {
		t.Fatalf("Subscriber: %v", err)
	}
	if sub.Namespace != nsIDs[1] {
		t.Fatalf("placed into namespace %q, want the least-loaded %q", sub.Namespace, nsIDs[1])
	}
}

// When namespaces tie on subscriber count, the first one in topic.Namespaces
// order wins.
func TestAgentSubscribeTieBreaksToFirstNamespace(t *testing.T) {
	r := newTestRegistry(t)
	topicName, nsIDs := setupTopicWithNamespaces(t, r, 0, 0, 0)

	subID, err := r.AgentSubscribe("PROD-1", topicName, "on_order")
	if err != nil {
		t.Fatalf("AgentSubscribe: %v", err)
	}
	sub, _ := r.Subscriber(subID)
	if sub.Namespace != nsIDs[0] {
		t.Fatalf("placed into namespace %q, want the first-listed %q", sub.Namespace, nsIDs[0])
	}
}

func TestAgentSubscribeUnknownTopic(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.AgentSubscribe("PROD-1", "missing-topic", "cb"); errs.Code(err) != errs.NotFound {
		t.Errorf("code = %v, want NotFound", errs.Code(err))
	}
}

func TestAgentSubscribeTopicWithNoNamespaces(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.TopicRegister(Topic{Name: "empty", Active: true}); err != nil {
		t.Fatalf("TopicRegister: %v", err)
	}
	if _, err := r.AgentSubscribe("PROD-1", "empty", "cb"); errs.Code(err) != errs.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", errs.Code(err))
	}
}

func TestAgentUnsubscribeRemovesMembershipAndIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	topicName, nsIDs := setupTopicWithNamespaces(t, r, 0)

	subID, err := r.AgentSubscribe("PROD-1", topicName, "on_order")
	if err != nil {
		t.Fatalf("AgentSubscribe: %v", err)
	}

	n, err := r.NamespaceSubscriberSize(nsIDs[0])
	if err != nil {
		t.Fatalf("NamespaceSubscriberSize: %v", err)
	}
	if n != 1 {
		t.Fatalf("NamespaceSubscriberSize = %d, want 1", n)
	}

	if err := r.AgentUnsubscribe(subID); err != nil {
		t.Fatalf("AgentUnsubscribe: %v", err)
	}

	n, err = r.NamespaceSubscriberSize(nsIDs[0])
	if err != nil {
		t.Fatalf("NamespaceSubscriberSize: %v", err)
	}
	if n != 0 {
		t.Fatalf("NamespaceSubscriberSize after unsubscribe = %d, want 0", n)
	}

	if _, err := r.Subscriber(subID); errs.Code(err) != errs.NotFound {
		t.Errorf("subscriber should be gone, code = %v", errs.Code(err))
	}

	// Unsubscribing again must surface an error, not panic.
	if err := r.AgentUnsubscribe(subID); errs.Code(err) != errs.NotFound {
		t.Errorf("second unsubscribe code = %v, want NotFound", errs.Code(err))
	}
}

func TestAgentSubscriptionsFiltersByCaller(t *testing.T) {
	r := newTestRegistry(t)
	topicName, _ := setupTopicWithNamespaces(t, r, 0)

	id1, err := r.AgentSubscribe("PROD-1", topicName, "cb1")
	if err != nil {
		t.Fatalf("AgentSubscribe: %v", err)
	}
	if _, err := r.AgentSubscribe("PROD-2", topicName, "cb2"); err != nil {
		t.Fatalf("AgentSubscribe: %v", err)
	}

	subs, err := r.AgentSubscriptions("PROD-1")
	if err != nil {
		t.Fatalf("AgentSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != id1 {
		t.Fatalf("AgentSubscriptions(PROD-1) = %+v", subs)
	}
}

func TestCanistersRemoteSetSkipsRegistryAsTargetButIncludesItAsPayload(t *testing.T) {
	r := newTestRegistry(t)
	tr := memtransport.New()

	if _, err := r.CanisterRegister(PeerService{CanisterName: RegistryCanisterName, CanisterID: "REG-1"}); err != nil {
		t.Fatalf("CanisterRegister: %v", err)
	}
	if _, err := r.CanisterRegister(PeerService{CanisterName: "svc-a", CanisterID: "A-1"}); err != nil {
		t.Fatalf("CanisterRegister: %v", err)
	}
	if _, err := r.CanisterRegister(PeerService{CanisterName: "svc-b", CanisterID: "B-1"}); err != nil {
		t.Fatalf("CanisterRegister: %v", err)
	}

	if err := r.CanistersRemoteSet(context.Background(), tr); err != nil {
		t.Fatalf("CanistersRemoteSet: %v", err)
	}

	calls := tr.Calls()
	// Two non-registry targets, each receiving one push per known peer
	// (registry included as payload) = 2 targets * 3 peers = 6 calls.
	if len(calls) != 6 {
		t.Fatalf("got %d calls, want 6: %+v", len(calls), calls)
	}
	for _, c := range calls {
		if c.CanisterID == "REG-1" {
			t.Errorf("registry itself should never be a broadcast target: %+v", c)
		}
		if c.Callback != "canister_settings_store" {
			t.Errorf("unexpected callback %q", c.Callback)
		}
	}
}

func TestCanistersRemoteSetSingleActivePeer(t *testing.T) {
	r := newTestRegistry(t)
	tr := memtransport.New()

	if _, err := r.CanisterRegister(PeerService{CanisterName: "svc-a", CanisterID: "A-1"}); err != nil {
		t.Fatalf("CanisterRegister: %v", err)
	}
	if err := r.CanistersRemoteSet(context.Background(), tr); err != nil {
		t.Fatalf("CanistersRemoteSet: %v", err)
	}
	if len(tr.Calls()) != 1 {
		t.Fatalf("got %d calls, want 1", len(tr.Calls()))
	}
}
