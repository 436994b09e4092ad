// Package ctx holds the process-lifetime context shared by the broker daemon.
package ctx

import (
	"context"
	"os/signal"
	"syscall"
)

// App is cancelled when the process receives SIGTERM or SIGINT. cmd/broker
// passes it to the dispatcher's Start and Tick, which hand it on to
// transport calls; the registry actor does not watch it and stops only on
// Close.
var App context.Context

func init() {
	App, _ = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}
