// Package patch implements the deterministic textual and structured
// transformations the pipeline applies to fetched sources.
//
// A Rule targets one workspace file and carries one operation: literal
// substring replace, anchored block replace, line-range delete, or a
// structured set-field over a parsed YAML document. Rules are validated up
// front and applied in order against the current file content; whether an
// unmatched rule is fatal is left to the caller.
package patch
