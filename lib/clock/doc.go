// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for the trace store.
//
// Every component that stamps events, artifacts, or checkpoints takes a
// Clock instead of calling time.Now directly. Production code passes
// Real(); tests pass Fake() and advance time explicitly so timestamps
// and retry backoff are deterministic.
//
//	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	log, _ := eventlog.Open(eventlog.Config{Pool: pool, Clock: fakeClock})
//	fakeClock.Advance(time.Second)
//
// A goroutine blocked in After on a FakeClock registers a waiter. Use
// WaitForTimers before Advance to avoid racing the registration.
package clock
