package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"canisterbus/errs"
	"canisterbus/registry"
	"canisterbus/transport/memtransport"
)

// fakeRegistry is a minimal RegistryClient the dispatcher's cache refresh
// can read from without standing up a full Registry actor.
type fakeRegistry struct {
	topics []registry.Topic
	subs   []registry.Subscriber
}

func (f *fakeRegistry) Topics() ([]registry.Topic, error)           { return f.topics, nil }
func (f *fakeRegistry) Subscribers() ([]registry.Subscriber, error) { return f.subs, nil }

func newTestDispatcher(reg RegistryClient, tr *memtransport.Transport) *Dispatcher {
	return New(Config{Registry: reg, Transport: tr})
}

func TestIntakeValidation(t *testing.T) {
	d := newTestDispatcher(&fakeRegistry{}, memtransport.New())

	if err := d.Intake("PROD-1", Message{Topic: "", Value: "v"}); errs.Code(err) != errs.InvalidArgument {
		t.Errorf("empty topic code = %v, want InvalidArgument", errs.Code(err))
	}
	if err := d.Intake("PROD-1", Message{Topic: "orders", Value: ""}); errs.Code(err) != errs.InvalidArgument {
		t.Errorf("empty value code = %v, want InvalidArgument", errs.Code(err))
	}
}

func TestIntakeRejectsNotWhitelisted(t *testing.T) {
	d := newTestDispatcher(&fakeRegistry{}, memtransport.New())
	err := d.Intake("PROD-1", Message{Topic: "orders", Value: "v"})
	if errs.Code(err) != errs.NotWhitelisted {
		t.Errorf("code = %v, want NotWhitelisted", errs.Code(err))
	}
}

func TestIntakeAcceptsWhitelistedAndEnqueues(t *testing.T) {
	d := newTestDispatcher(&fakeRegistry{}, memtransport.New())
	d.WhitelistRegister("orders", "PROD-1")

	if err := d.Intake("PROD-1", Message{Topic: "orders", Value: "v"}); err != nil {
		t.Fatalf("Intake: %v", err)
	}
	if d.FIFOBufferSize() != 1 {
		t.Fatalf("FIFOBufferSize() = %d, want 1", d.FIFOBufferSize())
	}
	if d.FIFOIsEmpty() {
		t.Fatal("expected non-empty FIFO")
	}
}

func TestFIFOBufferEmptyDrainsQueue(t *testing.T) {
	d := newTestDispatcher(&fakeRegistry{}, memtransport.New())
	d.WhitelistRegister("orders", "PROD-1")
	for i := 0; i < 3; i++ {
		if err := d.Intake("PROD-1", Message{Topic: "orders", Value: "v"}); err != nil {
			t.Fatalf("Intake #%d: %v", i, err)
		}
	}
	if d.FIFOBufferSize() != 3 {
		t.Fatalf("FIFOBufferSize() = %d, want 3", d.FIFOBufferSize())
	}

	d.FIFOBufferEmpty()

	if !d.FIFOIsEmpty() {
		t.Fatalf("expected FIFO to be drained, size = %d", d.FIFOBufferSize())
	}
}

func TestIntakeQueueFullWhenBounded(t *testing.T) {
	d := New(Config{Registry: &fakeRegistry{}, Transport: memtransport.New(), MaxQueueDepth: 1})
	d.WhitelistRegister("orders", "PROD-1")

	if err := d.Intake("PROD-1", Message{Topic: "orders", Value: "v1"}); err != nil {
		t.Fatalf("first Intake: %v", err)
	}
	err := d.Intake("PROD-1", Message{Topic: "orders", Value: "v2"})
	if errs.Code(err) != errs.QueueFull {
		t.Errorf("code = %v, want QueueFull", errs.Code(err))
	}
}

func TestWhitelistRegisterIsIdempotentAndDeduplicates(t *testing.T) {
	d := newTestDispatcher(&fakeRegistry{}, memtransport.New())
	d.WhitelistRegister("orders", "PROD-1")
	d.WhitelistRegister("orders", "PROD-1")
	if got := d.WhitelistLookup("orders"); len(got) != 1 {
		t.Fatalf("WhitelistLookup = %v, want exactly one entry", got)
	}

	if err := d.WhitelistUnregister("orders", "PROD-1"); err != nil {
		t.Fatalf("WhitelistUnregister: %v", err)
	}
	if d.WhitelistCanisterCheck("orders", "PROD-1") {
		t.Fatal("expected PROD-1 to be revoked")
	}

	if err := d.WhitelistUnregister("orders", "PROD-1"); errs.Code(err) != errs.NotFound {
		t.Errorf("second unregister code = %v, want NotFound", errs.Code(err))
	}
}

func setupCacheFixture() (*fakeRegistry, *Dispatcher) {
	topicID := "topic-1"
	nsID := "ns-1"
	reg := &fakeRegistry{
		topics: []registry.Topic{{ID: topicID, Name: "orders", Namespaces: []string{nsID}, Active: true}},
		subs: []registry.Subscriber{
			{ID: "sub-1", CanisterID: "SUB-1", Callback: "on_order", Topic: topicID, Namespace: nsID, Active: true},
		},
	}
	d := newTestDispatcher(reg, memtransport.New())
	return reg, d
}

func TestCacheSubscribersFetchPopulatesCache(t *testing.T) {
	_, d := setupCacheFixture()
	if err := d.CacheSubscribersFetch(); err != nil {
		t.Fatalf("CacheSubscribersFetch: %v", err)
	}

	ids := d.CacheSubscribers("orders")
	if len(ids) != 1 || ids[0] != "sub-1" {
		t.Fatalf("CacheSubscribers(orders) = %v", ids)
	}

	snap, ok := d.CacheSubscriberData("sub-1")
	if !ok {
		t.Fatal("expected cached snapshot for sub-1")
	}
	if snap.CanisterID != "SUB-1" || snap.Callback != "on_order" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

// Mirrors the documented stale-cache-after-unsubscribe scenario: a
// subscriber removed from the registry after the last fetch still causes a
// (spurious) delivery attempt until the next CacheSubscribersFetch.
func TestStaleCacheStillRoutesUntilNextFetch(t *testing.T) {
	topicID, nsID := "topic-1", "ns-1"
	reg := &fakeRegistry{
		topics: []registry.Topic{{ID: topicID, Name: "orders", Namespaces: []string{nsID}, Active: true}},
		subs: []registry.Subscriber{
			{ID: "sub-1", CanisterID: "SUB-1", Callback: "on_order", Topic: topicID, Namespace: nsID, Active: true},
		},
	}
	tr := memtransport.New()
	d := New(Config{Registry: reg, Transport: tr})
	if err := d.CacheSubscribersFetch(); err != nil {
		t.Fatalf("CacheSubscribersFetch: %v", err)
	}

	// Subscriber removed from the source of truth, but the cache is not
	// refreshed yet.
	reg.subs = nil

	d.WhitelistRegister("orders", "PROD-1")
	if err := d.Intake("PROD-1", Message{Topic: "orders", Value: "v"}); err != nil {
		t.Fatalf("Intake: %v", err)
	}
	d.Tick(context.Background())

	calls := tr.Calls()
	if len(calls) != 1 || calls[0].CanisterID != "SUB-1" {
		t.Fatalf("expected one spurious delivery to the stale subscriber, got %+v", calls)
	}

	if err := d.CacheSubscribersFetch(); err != nil {
		t.Fatalf("CacheSubscribersFetch: %v", err)
	}
	if got := d.CacheSubscribers("orders"); len(got) != 0 {
		t.Fatalf("expected the next fetch to drop the removed subscriber: %v", got)
	}
}

func TestCacheSubscribersClearRemovesEverything(t *testing.T) {
	_, d := setupCacheFixture()
	if err := d.CacheSubscribersFetch(); err != nil {
		t.Fatalf("CacheSubscribersFetch: %v", err)
	}
	d.CacheSubscribersClear()
	if got := d.CacheSubscribers("orders"); len(got) != 0 {
		t.Fatalf("expected empty cache after clear, got %v", got)
	}
	if _, ok := d.CacheSubscriberData("sub-1"); ok {
		t.Fatal("expected subscriber snapshot to be gone after clear")
	}
}

func TestRouteMessageLogsAndContinuesOnTransportFailure(t *testing.T) {
	reg := &fakeRegistry{
		topics: []registry.Topic{{ID: "t1", Name: "orders", Namespaces: []string{"n1"}, Active: true}},
		subs: []registry.Subscriber{
			{ID: "s1", CanisterID: "SUB-1", Callback: "on_order", Topic: "t1", Namespace: "n1"},
			{ID: "s2", CanisterID: "SUB-2", Callback: "on_order", Topic: "t1", Namespace: "n1"},
		},
	}
	tr := memtransport.New()
	tr.Handle("SUB-1", "on_order", func(ctx context.Context, value string) error {
		return fmt.Errorf("handler exploded")
	})
	d := New(Config{Registry: reg, Transport: tr})
	if err := d.CacheSubscribersFetch(); err != nil {
		t.Fatalf("CacheSubscribersFetch: %v", err)
	}
	d.WhitelistRegister("orders", "PROD-1")
	if err := d.Intake("PROD-1", Message{Topic: "orders", Value: "v"}); err != nil {
		t.Fatalf("Intake: %v", err)
	}

	d.Tick(context.Background())

	if len(tr.Calls()) != 2 {
		t.Fatalf("expected both subscribers to be invoked despite one failing, got %d calls", len(tr.Calls()))
	}
}

// Mirrors the documented chunking scenario: 501 queued messages drain across
// three ticks at the default 250-message chunk size (250, 250, 1).
func TestTickDrainsInBoundedChunks(t *testing.T) {
	_, d := setupCacheFixture()
	d.WhitelistRegister("orders", "PROD-1")
	for i := 0; i < 501; i++ {
		if err := d.Intake("PROD-1", Message{Topic: "orders", Value: fmt.Sprintf("v%d", i)}); err != nil {
			t.Fatalf("Intake #%d: %v", i, err)
		}
	}
	if err := d.CacheSubscribersFetch(); err != nil {
		t.Fatalf("CacheSubscribersFetch: %v", err)
	}

	ctx := context.Background()
	d.Tick(ctx)
	if d.FIFOBufferSize() != 251 {
		t.Fatalf("after tick 1, FIFOBufferSize() = %d, want 251", d.FIFOBufferSize())
	}
	d.Tick(ctx)
	if d.FIFOBufferSize() != 1 {
		t.Fatalf("after tick 2, FIFOBufferSize() = %d, want 1", d.FIFOBufferSize())
	}
	d.Tick(ctx)
	if !d.FIFOIsEmpty() {
		t.Fatalf("after tick 3, expected an empty FIFO, size = %d", d.FIFOBufferSize())
	}
	if d.Counter() != 3 {
		t.Fatalf("Counter() = %d, want 3", d.Counter())
	}
}

func TestCyclesUsedTracksBalanceDrop(t *testing.T) {
	// The first sample establishes the peak balance, mirroring the
	// original's fetch_max-from-zero baseline: no usage is measurable
	// until a second, lower sample is taken.
	balances := []uint64{1000, 940, 880}
	call := 0
	d := New(Config{
		Registry:  &fakeRegistry{},
		Transport: memtransport.New(),
		BalanceSource: func() uint64 {
			b := balances[call]
			if call < len(balances)-1 {
				call++
			}
			return b
		},
	})

	if got := d.CyclesUsed(); got != 0 {
		t.Fatalf("CyclesUsed() before any tick = %d, want 0", got)
	}

	ctx := context.Background()
	d.Tick(ctx)
	if got := d.CyclesUsed(); got != 0 {
		t.Fatalf("CyclesUsed() after the baseline tick = %d, want 0", got)
	}
	d.Tick(ctx)
	if got := d.CyclesUsed(); got != 60 {
		t.Fatalf("CyclesUsed() after the second tick = %d, want 60", got)
	}
	d.Tick(ctx)
	if got := d.CyclesUsed(); got != 120 {
		t.Fatalf("CyclesUsed() after the third tick = %d, want 120", got)
	}
}

// A stale cache is refreshed automatically at the start of Tick rather than
// silently routing against data older than the freshness window.
func TestTickRefreshesStaleCache(t *testing.T) {
	topicID, nsID := "topic-1", "ns-1"
	reg := &fakeRegistry{
		topics: []registry.Topic{{ID: topicID, Name: "orders", Namespaces: []string{nsID}, Active: true}},
	}
	tr := memtransport.New()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	d := New(Config{
		Registry:  reg,
		Transport: tr,
		Clock:     func() time.Time { return now },
	})

	if err := d.CacheSubscribersFetch(); err != nil {
		t.Fatalf("CacheSubscribersFetch: %v", err)
	}

	// The registry gains a subscriber after the initial fetch, and the
	// clock advances past CacheTTL before the next tick.
	reg.subs = []registry.Subscriber{
		{ID: "sub-1", CanisterID: "SUB-1", Callback: "on_order", Topic: topicID, Namespace: nsID, Active: true},
	}
	now = start.Add(CacheTTL + time.Second)

	d.WhitelistRegister("orders", "PROD-1")
	if err := d.Intake("PROD-1", Message{Topic: "orders", Value: "v"}); err != nil {
		t.Fatalf("Intake: %v", err)
	}
	d.Tick(context.Background())

	calls := tr.Calls()
	if len(calls) != 1 || calls[0].CanisterID != "SUB-1" {
		t.Fatalf("expected the stale-cache refresh to pick up the new subscriber, got %+v", calls)
	}
}

func TestCanisterSettingsStoreAndGet(t *testing.T) {
	d := newTestDispatcher(&fakeRegistry{}, memtransport.New())
	if _, ok := d.CanisterSettingsGet("svc-a"); ok {
		t.Fatal("expected miss before any store")
	}
	d.CanisterSettingsStore("svc-a", "A-1")
	got, ok := d.CanisterSettingsGet("svc-a")
	if !ok || got != "A-1" {
		t.Fatalf("CanisterSettingsGet(svc-a) = %q, %v", got, ok)
	}
}
