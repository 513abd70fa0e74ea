// Package engine routes commands to aggregate handlers and runs the
// load, decide, save and publish pipeline.
package engine
