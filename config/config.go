// Package config provides environment-driven configuration for the
// broker's tunables (tick interval, chunk size, queue depth, fanout
// concurrency). Each setting has a hardcoded default and can be overridden
// by an environment variable for local experimentation, following this
// codebase's convention of small `Load`-style accessors rather than a
// generic config file parser.
package config

import (
	"os"
	"strconv"
)

// Broker holds the dispatcher's runtime tunables.
type Broker struct {
	// MinIntervalSecs is the consumer tick interval, in seconds.
	MinIntervalSecs Int
	// MaxChunkSize bounds how many messages a single tick drains.
	MaxChunkSize Int
	// MaxQueueDepth bounds the FIFO; 0 means unbounded.
	MaxQueueDepth Int
	// FanoutConcurrency bounds in-flight subscriber callbacks per tick.
	FanoutConcurrency Int
}

// LoadBroker reads BROKER_* environment variables, falling back to the
// defaults below for any that are unset or unparsable.
func LoadBroker() Broker {
	return Broker{
		MinIntervalSecs:   envInt("BROKER_MIN_INTERVAL_SECS", 10),
		MaxChunkSize:      envInt("BROKER_MAX_CHUNK_SIZE", 250),
		MaxQueueDepth:     envInt("BROKER_MAX_QUEUE_DEPTH", 0),
		FanoutConcurrency: envInt("BROKER_FANOUT_CONCURRENCY", 32),
	}
}

func envInt(name string, def int) Int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return Static(def)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return Static(def)
	}
	return Static(v)
}
