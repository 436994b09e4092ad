// Package dispatcher implements the FIFO intake queue, the whitelist
// admission check, the registry-derived subscriber cache, and the periodic
// chunked consumer that fans messages out to subscriber callbacks.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"canisterbus/errs"
	"canisterbus/kvstore"
	"canisterbus/logsink"
	"canisterbus/registry"
	"canisterbus/rlog"
	"canisterbus/transport"
)

// MinIntervalSecs is the default consumer tick interval.
const MinIntervalSecs = 10

// MaxChunkSize is the default number of messages drained from the FIFO per
// tick.
const MaxChunkSize = 250

// defaultFanoutConcurrency bounds how many subscriber callbacks a single
// tick invokes at once. The source spawns one task per subscriber per
// message with no bound; this caps concurrent in-flight deliveries instead.
const defaultFanoutConcurrency = 32

// RegistryClient is the subset of the registry's read surface the
// dispatcher needs to refresh its subscriber cache. Declared as an
// interface so tests can substitute a fake without standing up a full
// Registry actor.
type RegistryClient interface {
	Topics() ([]registry.Topic, error)
	Subscribers() ([]registry.Subscriber, error)
}

// Config supplies the Dispatcher's collaborators and tunables. Unset
// stores default to fresh in-memory kvstore.BTreeStore instances.
type Config struct {
	Registry  RegistryClient
	Transport transport.Transport
	LogSink   *logsink.Sink
	Log       *rlog.Manager
	Clock     func() time.Time

	// BalanceSource reports a monotonically-decreasing resource balance,
	// standing in for the canister's cycle balance in the original
	// implementation. Defaults to a constant zero: this module has no
	// real cycle-metered host to query, so CyclesUsed reports zero unless
	// a deployment wires in its own meter.
	BalanceSource func() uint64

	// MaxQueueDepth bounds the FIFO; 0 (the default) is unbounded. Bounding
	// is opt-in so a deployment that wants backpressure can enable it
	// without changing default behaviour for callers that don't.
	MaxQueueDepth int
	// MaxChunkSizeOverride overrides MaxChunkSize when non-zero.
	MaxChunkSizeOverride int
	// FanoutConcurrency overrides defaultFanoutConcurrency when non-zero.
	FanoutConcurrency int

	WhitelistStore   kvstore.Store
	CacheByTopicName kvstore.Store
	CacheByTopicID   kvstore.Store
	CacheByID        kvstore.Store
	PeerAddressBook  kvstore.Store
}

// Dispatcher owns the FIFO, whitelist, subscriber cache, and peer address
// book, and drives the periodic consumer loop.
type Dispatcher struct {
	fifo      *fifo
	whitelist *whitelist
	cache     *subscriberCache
	peers     kvstore.Store

	registry      RegistryClient
	transport     transport.Transport
	logSink       *logsink.Sink
	log           *rlog.Manager
	clock         func() time.Time
	balanceSource func() uint64

	maxChunkSize      int
	fanoutConcurrency int

	mu          sync.Mutex
	cronRun     *cron.Cron
	entries     []cron.EntryID // stack of installed periodic-task handles
	ticks       uint32
	peakBalance uint64
	cyclesUsed  uint64
}

// New constructs a Dispatcher. Call Start to install the periodic consumer.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		fifo:              newFIFO(cfg.MaxQueueDepth),
		registry:          cfg.Registry,
		transport:         cfg.Transport,
		logSink:           cfg.LogSink,
		log:               cfg.Log,
		clock:             cfg.Clock,
		balanceSource:     cfg.BalanceSource,
		maxChunkSize:      cfg.MaxChunkSizeOverride,
		fanoutConcurrency: cfg.FanoutConcurrency,
	}
	if d.log == nil {
		d.log = rlog.Nop()
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.balanceSource == nil {
		d.balanceSource = func() uint64 { return 0 }
	}
	if d.maxChunkSize == 0 {
		d.maxChunkSize = MaxChunkSize
	}
	if d.fanoutConcurrency == 0 {
		d.fanoutConcurrency = defaultFanoutConcurrency
	}
	if cfg.WhitelistStore == nil {
		cfg.WhitelistStore = kvstore.New()
	}
	if cfg.CacheByTopicName == nil {
		cfg.CacheByTopicName = kvstore.New()
	}
	if cfg.CacheByTopicID == nil {
		cfg.CacheByTopicID = kvstore.New()
	}
	if cfg.CacheByID == nil {
		cfg.CacheByID = kvstore.New()
	}
	if cfg.PeerAddressBook == nil {
		cfg.PeerAddressBook = kvstore.New()
	}
	d.whitelist = newWhitelist(cfg.WhitelistStore)
	d.cache = newSubscriberCache(cfg.CacheByTopicName, cfg.CacheByTopicID, cfg.CacheByID, d.clock)
	d.peers = cfg.PeerAddressBook
	return d
}

// Intake validates msg, checks the whitelist for callerCanisterID, and
// enqueues it. It returns as soon as the enqueue completes; it does not
// wait for delivery.
func (d *Dispatcher) Intake(callerCanisterID string, msg Message) error {
	if msg.Topic == "" || msg.Value == "" {
		return errs.B().Code(errs.InvalidArgument).Msg("topic and value are required").Err()
	}
	if !d.whitelist.check(msg.Topic, callerCanisterID) {
		return errs.B().Code(errs.NotWhitelisted).Msgf("%q is not whitelisted for topic %q", callerCanisterID, msg.Topic).Err()
	}
	if !d.fifo.push(msg) {
		return errs.B().Code(errs.QueueFull).Msgf("queue is at capacity").Err()
	}
	return nil
}

// FIFOBufferSize reports the current queue depth.
func (d *Dispatcher) FIFOBufferSize() int { return d.fifo.size() }

// FIFOBufferEmpty drains the FIFO, discarding every pending message.
func (d *Dispatcher) FIFOBufferEmpty() { d.fifo.clear() }

// FIFOIsEmpty reports whether the queue currently holds no messages.
func (d *Dispatcher) FIFOIsEmpty() bool { return d.fifo.empty() }

// WhitelistRegister grants canisterID publisher rights on topic.
func (d *Dispatcher) WhitelistRegister(topic, canisterID string) {
	d.whitelist.register(topic, canisterID)
}

// WhitelistUnregister revokes canisterID's publisher rights on topic. It
// returns a NotFound error if canisterID was not whitelisted for topic.
func (d *Dispatcher) WhitelistUnregister(topic, canisterID string) error {
	if !d.whitelist.unregister(topic, canisterID) {
		return errs.B().Code(errs.NotFound).Msgf("%q is not whitelisted for topic %q", canisterID, topic).Err()
	}
	return nil
}

// WhitelistLookup returns the current set of canister ids whitelisted for
// topic, in unspecified order.
func (d *Dispatcher) WhitelistLookup(topic string) []string {
	return d.whitelist.lookup(topic)
}

// WhitelistCanisterCheck reports whether canisterID may publish to topic.
func (d *Dispatcher) WhitelistCanisterCheck(topic, canisterID string) bool {
	return d.whitelist.check(topic, canisterID)
}

// CacheSubscribers returns the subscriber ids cached for topicName.
func (d *Dispatcher) CacheSubscribers(topicName string) []string {
	return d.cache.subscribersByTopicName(topicName)
}

// CacheSubscriberData returns the cached denormalised snapshot for id.
func (d *Dispatcher) CacheSubscriberData(id string) (SubscriberSnapshot, bool) {
	return d.cache.subscriberData(id)
}

// CacheSubscribersFetch rebuilds the subscriber cache from the registry.
func (d *Dispatcher) CacheSubscribersFetch() error {
	topics, err := d.registry.Topics()
	if err != nil {
		return errs.Wrap(err, "fetching topics for cache refresh")
	}
	subs, err := d.registry.Subscribers()
	if err != nil {
		return errs.Wrap(err, "fetching subscribers for cache refresh")
	}
	d.cache.fetch(topics, subs)
	return nil
}

// CacheSubscribersClear drops every cached subscriber entry.
func (d *Dispatcher) CacheSubscribersClear() {
	d.cache.clear()
}

// CanisterSettingsStore upserts name's address in the local peer address
// book.
func (d *Dispatcher) CanisterSettingsStore(name, canisterID string) {
	d.peers.Set(name, []byte(canisterID))
}

// CanisterSettingsGet reads name's address from the local peer address
// book.
func (d *Dispatcher) CanisterSettingsGet(name string) (string, bool) {
	raw, ok := d.peers.Get(name)
	if !ok {
		return "", false
	}
	return string(raw), true
}

// Counter reports how many consumer ticks have run.
func (d *Dispatcher) Counter() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks
}

// CyclesUsed reports the resource balance consumed since the highest
// balance sampled so far, as last measured during a Tick. It is zero until
// a Tick samples a balance below an earlier one.
func (d *Dispatcher) CyclesUsed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cyclesUsed
}

// trackCyclesUsed samples the balance source and records the amount
// consumed since the highest balance observed so far.
func (d *Dispatcher) trackCyclesUsed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.balanceSource()
	if current > d.peakBalance {
		d.peakBalance = current
	}
	d.cyclesUsed = d.peakBalance - current
}

// Tick performs one consumer pass: drain up to MaxChunkSize messages and
// route each through the bounded fanout pool. It is normally invoked by the
// periodic task installed by Start, but is exported so tests and the
// cmd/broker demo can trigger a deterministic pass without waiting on a
// timer.
func (d *Dispatcher) Tick(ctx context.Context) {
	if d.registry != nil && d.cache.stale(d.clock()) {
		if err := d.CacheSubscribersFetch(); err != nil {
			d.log.Warn("subscriber cache refresh failed, routing with the existing cache", "error", err)
		}
	}

	batch := d.fifo.drain(d.maxChunkSize)
	d.mu.Lock()
	d.ticks++
	d.mu.Unlock()
	d.trackCyclesUsed()
	if len(batch) == 0 {
		return
	}
	fanOut(ctx, d.fanoutConcurrency, batch, d.routeMessage)
}

// routeMessage looks up the cached subscribers for msg.Topic and invokes
// each one's callback via the transport. It never returns an error:
// per-subscriber failures are logged, not propagated, since the producer
// already received its ack on enqueue.
func (d *Dispatcher) routeMessage(ctx context.Context, msg Message) {
	ids := d.cache.subscribersByTopicName(msg.Topic)
	for _, id := range ids {
		snap, ok := d.cache.subscriberData(id)
		if !ok {
			d.log.Warn("subscriber missing from cache, skipping", "subscriber_id", id, "topic", msg.Topic)
			continue
		}
		if err := d.transport.Invoke(ctx, snap.CanisterID, snap.Callback, msg.Value); err != nil {
			d.log.Warn("subscriber callback failed",
				"subscriber_id", id, "canister_id", snap.CanisterID, "callback", snap.Callback, "error", err)
			if d.logSink != nil {
				d.logSink.Log(logsink.Error, "dispatcher", snap.CanisterID, "callback invocation failed", err.Error())
			}
		}
	}
}

// Start installs a periodic task on the given interval and remembers its
// handle. Multiple calls stack additional tasks; Stop cancels the most
// recently installed one.
func (d *Dispatcher) Start(ctx context.Context, intervalSecs int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cronRun == nil {
		d.cronRun = cron.New()
		d.cronRun.Start()
	}
	entryID := d.cronRun.Schedule(cron.Every(time.Duration(intervalSecs)*time.Second), cron.FuncJob(func() {
		d.Tick(ctx)
	}))
	d.entries = append(d.entries, entryID)
}

// Stop cancels the most recently installed periodic task.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) == 0 {
		return
	}
	last := d.entries[len(d.entries)-1]
	d.entries = d.entries[:len(d.entries)-1]
	if d.cronRun != nil {
		d.cronRun.Remove(last)
	}
}

// Shutdown stops the underlying cron runner entirely, releasing its
// goroutine. Intended for process teardown, not for the stack semantics of
// Stop.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cronRun != nil {
		d.cronRun.Stop()
		d.cronRun = nil
		d.entries = nil
	}
}
