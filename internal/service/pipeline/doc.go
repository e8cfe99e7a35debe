// Package pipeline runs the five-stage release conveyor.
//
// A run prepares an ephemeral workspace, fetches third-party source at a
// pinned revision, applies the configured patch rules in order, builds a
// package per platform and publishes the expected artifacts to the remote
// destination. Stages are fail-fast: the first error stops the run before
// anything later can touch the remote. Runs sharing a run key supersede
// each other; the older run stands down cleanly.
package pipeline
