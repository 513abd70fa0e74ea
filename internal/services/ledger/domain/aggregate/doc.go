// Package aggregate provides the generic aggregate root used by every write-side
// state machine.
//
// An aggregate is rebuilt for each command by replaying its stream, decides the
// command against rules, and raises events. Raised events are folded into state
// immediately and held as uncommitted until the handler has saved and published
// them. Instances are never shared between commands.
package aggregate
