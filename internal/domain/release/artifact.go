package release

import "strings"

// ChecksumExt is the extension of checksum sibling files.
const ChecksumExt = "sha512"

// Artifact maps a local build output file to its remote storage location.
type Artifact struct {
	// LocalName is the bare filename produced in the build output directory.
	LocalName string
	// RemoteURI is the full destination URI the file is uploaded to.
	RemoteURI string
}

// NewArtifact builds the descriptor for a local filename under a destination prefix.
// The remote key is simply the prefix followed by the filename.
func NewArtifact(localName, destinationPrefix string) Artifact {
	return Artifact{
		LocalName: localName,
		RemoteURI: destinationPrefix + localName,
	}
}

// PackageName derives the package filename for a platform following the
// {product}-{variant}-{version}-{suffix}.{ext} convention.
// Empty segments are omitted so optional parts never leave stray dashes.
func PackageName(product, variant, version, ext string, p Platform) string {
	segments := make([]string, 0, 4)

	for _, segment := range []string{product, variant, version, p.Suffix()} {
		if segment != "" {
			segments = append(segments, segment)
		}
	}

	return strings.Join(segments, "-") + "." + ext
}

// ChecksumName derives the checksum sibling filename for a package file.
func ChecksumName(packageName string) string {
	return packageName + "." + ChecksumExt
}

// ExpectedFiles derives the complete output set for one platform:
// the package file and its checksum sibling, in that order.
// Both the builder and the publisher consume this derivation, so the two
// can never drift apart on naming.
func ExpectedFiles(product, variant, version, ext string, p Platform) (pkg, sum string) {
	pkg = PackageName(product, variant, version, ext, p)
	sum = ChecksumName(pkg)

	return pkg, sum
}
