// Package rule evaluates business rules for aggregate operations.
//
// A rule is a zero-argument closure over whatever the operation needs to decide.
// It returns nil when it passes or a Violation describing why the command cannot
// be honored. Violations are data, not errors: the aggregate turns each one into
// a persisted failure event.
package rule
