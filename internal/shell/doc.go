// Package shell runs pipeline scripts through an embedded POSIX shell
// interpreter. Commands execute with errexit semantics and a fully
// caller-controlled environment, and an exec middleware hook lets tests
// substitute the external tools a script would invoke.
package shell
