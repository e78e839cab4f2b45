// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// Dial caps the wait time when connecting to a relay.
const Dial = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// JournalWrite caps a single journal write so a slow disk cannot stall the
// tick loop indefinitely.
const JournalWrite = 2 * time.Second
