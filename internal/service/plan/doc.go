// Package plan renders what a pipeline run would do, without doing it.
//
// The plan names the pinned source, the environment requirements, the patch
// rules in order, the derived artifact names per platform and the remote
// URIs of both upload passes. It is the review surface for a configuration
// change before anyone lets it near the bucket.
package plan
