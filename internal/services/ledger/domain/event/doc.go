// Package event defines the domain event envelope, its stored form, and the
// registry of known event kinds.
//
// Events are the only record of state change on the write side. Every command
// produces at least one event: a success event that mutates aggregate state, or
// one failure event per violated rule carrying the operation identifiers plus a
// reason and message. Failure events are persisted and published exactly like
// success events so that downstream readers observe command outcomes.
package event
