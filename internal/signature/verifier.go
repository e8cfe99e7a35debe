package signature

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"
)

var (
	// ErrEmptyKeyring is returned when the trusted keyring holds no keys.
	ErrEmptyKeyring = errors.New("keyring contains no keys")

	errSignatureTooSmall = errors.New("signature data too small")
)

// armoredSignaturePrefix marks an ASCII-armored detached signature.
var armoredSignaturePrefix = []byte("-----BEGIN PGP SIGNATURE-----")

// maxSignatureSize bounds a detached signature read; real signatures stay
// well under a kilobyte.
const maxSignatureSize = 10 * 1024

// Verifier checks detached signatures against a trusted keyring loaded once
// at startup.
type Verifier struct {
	keyring openpgp.EntityList
}

// NewVerifierFromFile loads the trusted keyring from an armored or binary
// key file.
func NewVerifierFromFile(keyringPath string) (*Verifier, error) {
	f, err := os.Open(filepath.Clean(keyringPath))
	if err != nil {
		return nil, fmt.Errorf("open keyring %s: %w", keyringPath, err)
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		// Retry as a binary keyring before giving up.
		if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
			return nil, fmt.Errorf("rewind keyring %s: %w", keyringPath, seekErr)
		}

		keyring, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return nil, fmt.Errorf("read keyring %s: %w", keyringPath, err)
		}
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring %s: %w", keyringPath, ErrEmptyKeyring)
	}

	return &Verifier{keyring: keyring}, nil
}

// KeyCount reports how many keys the trusted keyring holds.
func (v *Verifier) KeyCount() int {
	return len(v.keyring)
}

// VerifyFile checks the detached signature at sigPath against the data file
// at dataPath. It returns the hex fingerprint of the signing key on success.
func (v *Verifier) VerifyFile(dataPath, sigPath string) (string, error) {
	if len(v.keyring) == 0 {
		return "", ErrEmptyKeyring
	}

	sigFile, err := os.Open(filepath.Clean(sigPath))
	if err != nil {
		return "", fmt.Errorf("open signature %s: %w", sigPath, err)
	}
	defer sigFile.Close()

	sigData, err := io.ReadAll(io.LimitReader(sigFile, maxSignatureSize))
	if err != nil {
		return "", fmt.Errorf("read signature %s: %w", sigPath, err)
	}

	dataFile, err := os.Open(filepath.Clean(dataPath))
	if err != nil {
		return "", fmt.Errorf("open data file %s: %w", dataPath, err)
	}
	defer dataFile.Close()

	fingerprint, err := v.verify(dataFile, sigData)
	if err != nil {
		return "", fmt.Errorf("verify %s: %w", dataPath, err)
	}

	return fingerprint, nil
}

// verify runs the detached signature check, picking the armored or binary
// reader by the signature prefix.
func (v *Verifier) verify(data io.Reader, sigData []byte) (string, error) {
	if len(sigData) < 10 {
		return "", errSignatureTooSmall
	}

	var (
		signer *openpgp.Entity
		err    error
	)

	if bytes.HasPrefix(sigData, armoredSignaturePrefix) {
		signer, err = openpgp.CheckArmoredDetachedSignature(v.keyring, data, bytes.NewReader(sigData), nil)
	} else {
		signer, err = openpgp.CheckDetachedSignature(v.keyring, data, bytes.NewReader(sigData), nil)
	}

	if err != nil {
		return "", err
	}

	return hex.EncodeToString(signer.PrimaryKey.Fingerprint), nil
}
