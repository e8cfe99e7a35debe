// Package signature verifies detached OpenPGP signatures on downloaded
// source archives against a keyring of release signing keys.
package signature
