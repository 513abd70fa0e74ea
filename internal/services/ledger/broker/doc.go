// Package broker defines how domain events and commands travel between
// processes.
//
// Domain events go to one topic exchange, routed by event kind. Each consumer
// reads from its own queue bound to one or more routing patterns. Commands go
// point to point to a named durable queue shared by competing consumers.
//
// Every consumer handles one message at a time. A handler that returns nil
// acknowledges the message; a handler error or an undecodable body drops it
// without requeue. Deployments that need the dropped messages configure a
// dead-letter destination on the concrete broker.
package broker
