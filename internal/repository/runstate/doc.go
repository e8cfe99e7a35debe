// Package runstate implements persistence for the pipeline run record.
//
// The FileRepository stores and loads the record as YAML on disk and exposes
// a Repository interface that the pipeline service depends on. Records drive
// run supersession: competing runs for the same key observe each other
// through this file.
package runstate
