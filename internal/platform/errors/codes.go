// Package errors provides structured error codes for the command pipeline,
// the event store and the broker.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

// Class separates errors the caller caused from errors the platform caused.
type Class string

const (
	// ClassProtocol marks malformed or unroutable input. Retrying cannot help.
	ClassProtocol Class = "protocol"
	// ClassInfrastructure marks store or broker failures.
	ClassInfrastructure Class = "infrastructure"
)

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Protocol errors
	CodeUnknownCommandKind Code = "UNKNOWN_COMMAND_KIND"
	CodeUnknownEventKind   Code = "UNKNOWN_EVENT_KIND"
	CodePayloadInvalid     Code = "PAYLOAD_INVALID"
	CodeAggregateIDMissing Code = "MISSING_AGGREGATE_ID"
	CodeBodyNotArray       Code = "BODY_NOT_ARRAY"
	CodeQueryInvalid       Code = "QUERY_INVALID"
	CodePayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"

	// Infrastructure errors
	CodeStoreUnavailable  Code = "STORE_UNAVAILABLE"
	CodeSequenceConflict  Code = "SEQUENCE_CONFLICT"
	CodeBrokerUnavailable Code = "BROKER_UNAVAILABLE"
	CodePublishFailed     Code = "PUBLISH_FAILED"
)

// Class maps a code to its error class.
func (c Code) Class() Class {
	switch c {
	case CodeUnknownCommandKind,
		CodeUnknownEventKind,
		CodePayloadInvalid,
		CodeAggregateIDMissing,
		CodeBodyNotArray,
		CodeQueryInvalid,
		CodePayloadTooLarge:
		return ClassProtocol
	default:
		return ClassInfrastructure
	}
}

// HTTPStatus maps codes to HTTP status codes for the event-store facade.
func (c Code) HTTPStatus() int {
	switch c {
	case CodePayloadInvalid, CodeBodyNotArray, CodeQueryInvalid, CodeUnknownEventKind, CodeAggregateIDMissing:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnknownCommandKind:
		return http.StatusNotFound
	case CodeSequenceConflict:
		return http.StatusConflict
	case CodeBrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
