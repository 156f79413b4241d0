package version

// version of the generator, injected at build time with
// -ldflags "-X github.com/yanet-platform/tgen/coordinator/internal/version.version=...".
var version string

// Version returns the build version, "dev" for untagged builds.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}
