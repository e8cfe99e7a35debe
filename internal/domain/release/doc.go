// Package release contains core domain types for pipeline outputs.
//
// It defines Platform (the os/arch pair a package targets), Artifact (the
// mapping from a local build output to its remote URI) and the filename
// derivation shared by the builder and the publisher.
package release
