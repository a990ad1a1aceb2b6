// Package npm provides parsing and naming helpers for npm package
// archives as they appear in a Nexus-style registry listing.
package npm

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
)

// ErrMalformedAssetPath is reported when an asset path does not match
// the npm package-archive shape.  Callers treat this as a per-asset
// skip, never as a fatal error.
var ErrMalformedAssetPath = errors.New("malformed asset path")

// Package identifies one npm package archive.
type Package struct {
	Scope   string // "@idlizer" for scoped packages, "" otherwise
	Name    string // "arkgen"
	Version string // "1.5.0-dev.1111", pre-release/build suffix kept verbatim
}

// FullName returns the registry-qualified package name,
// e.g. "@idlizer/arkgen" or "lodash".
func (p Package) FullName() string {
	if p.Scope == "" {
		return p.Name
	}
	return p.Scope + "/" + p.Name
}

// Spec returns the fetch spec understood by npm, e.g. "lodash@4.17.21".
func (p Package) Spec() string {
	return p.FullName() + "@" + p.Version
}

// ParseAssetPath parses a registry asset path of the form
//
//	[@scope/]name/-/name-<version>.tgz
//
// into a Package.  A leading slash is tolerated.
//
// The version is everything between "name-" and ".tgz" in the archive
// file name.  Versions routinely carry pre-release and build segments
// ("1.5.0-dev.1111"), so the split point is the package name prefix,
// never the first or last hyphen in the file name.
func ParseAssetPath(assetPath string) (Package, error) {
	p := strings.TrimPrefix(assetPath, "/")

	if !strings.HasSuffix(p, ".tgz") {
		return Package{}, errors.Mark(errors.Newf("not a package archive: %s", assetPath), ErrMalformedAssetPath)
	}

	parts := strings.Split(p, "/")

	var pkg Package
	switch {
	case len(parts) == 3:
		// name/-/name-version.tgz
		pkg.Name = parts[0]
	case len(parts) == 4 && strings.HasPrefix(parts[0], "@"):
		// @scope/name/-/name-version.tgz
		pkg.Scope = parts[0]
		pkg.Name = parts[1]
	default:
		return Package{}, errors.Mark(errors.Newf("unexpected path shape: %s", assetPath), ErrMalformedAssetPath)
	}

	if parts[len(parts)-2] != "-" {
		return Package{}, errors.Mark(errors.Newf("missing archive separator: %s", assetPath), ErrMalformedAssetPath)
	}
	if pkg.Name == "" {
		return Package{}, errors.Mark(errors.Newf("empty package name: %s", assetPath), ErrMalformedAssetPath)
	}

	filename := parts[len(parts)-1]
	prefix := pkg.Name + "-"
	if !strings.HasPrefix(filename, prefix) {
		return Package{}, errors.Mark(errors.Newf("archive name does not match package %q: %s", pkg.Name, assetPath), ErrMalformedAssetPath)
	}

	pkg.Version = strings.TrimSuffix(filename[len(prefix):], ".tgz")
	if _, err := semver.StrictNewVersion(pkg.Version); err != nil {
		return Package{}, errors.Mark(errors.Wrapf(err, "invalid version %q in %s", pkg.Version, assetPath), ErrMalformedAssetPath)
	}

	return pkg, nil
}
