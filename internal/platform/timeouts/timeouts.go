// Package timeouts defines shared timeout constants used across services.
// The core has no retry policy of its own; these values only bound startup
// probes, blocking reads and graceful shutdown.
package timeouts

import "time"

// BrokerDial caps the startup ping against the broker.
const BrokerDial = 5 * time.Second

// BrokerBlock bounds one blocking read on a queue so consumers notice
// cancellation promptly.
const BrokerBlock = 2 * time.Second

// StoreRequest caps one request from the HTTP store client to the facade.
const StoreRequest = 10 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers and consumers wait for in-flight work
// during graceful shutdown.
const Shutdown = 5 * time.Second
