// Package download fetches pipeline inputs over HTTP: source archives,
// prebuilt tools and detached signatures. Downloads are verified against
// SHA-256 digests, archives are unpacked with path traversal guards, and
// single-file tools are swapped into place atomically.
package download
