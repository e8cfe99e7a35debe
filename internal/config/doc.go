// Package config defines the pipeline run configuration and provides helpers
// to load, validate and save it in YAML format.
//
// A configuration pins one source revision, the patch rules to apply, the
// platforms to build and the destination prefix to publish to. Validation
// fills defaults and compiles rule regexes and version constraints so a
// malformed file is rejected before the pipeline starts.
package config
