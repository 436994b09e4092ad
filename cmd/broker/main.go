// Command broker runs the registry and dispatcher together against an
// in-memory transport, for local exploration and smoke-testing: it
// registers a demo topic with one namespace, subscribes one callback,
// publishes one message, and logs what the transport received after a
// manual tick.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"canisterbus/config"
	"canisterbus/dispatcher"
	"canisterbus/internal/ctx"
	"canisterbus/logsink"
	"canisterbus/registry"
	"canisterbus/rlog"
	"canisterbus/transport/memtransport"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	mgr := rlog.NewManager(logger)
	brokerCfg := config.LoadBroker()

	reg := registry.New(registry.Config{Log: mgr})
	defer reg.Close()

	tr := memtransport.New()
	sink := logsink.New(nil)

	disp := dispatcher.New(dispatcher.Config{
		Registry:             reg,
		Transport:            tr,
		LogSink:              sink,
		Log:                  mgr,
		MaxQueueDepth:        brokerCfg.MaxQueueDepth(),
		MaxChunkSizeOverride: brokerCfg.MaxChunkSize(),
		FanoutConcurrency:    brokerCfg.FanoutConcurrency(),
	})

	appCtx := ctx.App
	if err := seedDemo(appCtx, reg, disp); err != nil {
		mgr.Error("failed to seed demo data", "error", err)
		os.Exit(1)
	}

	disp.Start(appCtx, brokerCfg.MinIntervalSecs())
	defer disp.Shutdown()

	disp.Tick(appCtx)

	mgr.Info("demo tick complete", "calls", len(tr.Calls()), "fifo_size", disp.FIFOBufferSize())
	for _, call := range tr.Calls() {
		mgr.Info("delivered", "canister_id", call.CanisterID, "callback", call.Callback, "value", call.Value)
	}
}

func seedDemo(_ context.Context, reg *registry.Registry, disp *dispatcher.Dispatcher) error {
	nsID, err := reg.NamespaceRegister(registry.Namespace{Name: "ns-a", Active: true})
	if err != nil {
		return err
	}

	if _, err := reg.TopicRegister(registry.Topic{
		Name:       "orders",
		Active:     true,
		Namespaces: []string{nsID},
	}); err != nil {
		return err
	}

	disp.WhitelistRegister("orders", "PROD-1")

	if _, err := reg.AgentSubscribe("SUB-1", "orders", "on_order"); err != nil {
		return err
	}

	if err := disp.CacheSubscribersFetch(); err != nil {
		return err
	}

	return disp.Intake("PROD-1", dispatcher.Message{Topic: "orders", Value: "order-42"})
}
