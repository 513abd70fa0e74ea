// Package storage defines the event store contracts shared by every backend.
//
// The store is append-only and keyed by stream id. Each appended event takes the
// next value of its stream counter as its sequence; that increment is the only
// serialization point for ordering within a stream. Appending several events in
// one call runs one increment-and-insert per event, so a failure mid-batch can
// leave earlier events stored without the later ones. Readers tolerate the
// resulting sequence gaps.
package storage
