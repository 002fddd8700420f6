// Package version reports build information for the fetchq binary.
package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/fetchq/errors"
)

// Build information. These variables are set at build time via ldflags.
var (
	// CommitHash is the git commit hash when the binary was built
	CommitHash = "dev"

	// BuildTime is when the binary was built
	BuildTime = "unknown"

	// Version is the semantic version (if tagged)
	Version = "dev"
)

// devVersion stands in for untagged builds when a semantic version is needed
const devVersion = "0.0.0-dev"

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// IsDev reports whether this is an untagged build
func (i Info) IsDev() bool {
	return i.Version == "" || i.Version == "dev"
}

// Semver parses the version. Untagged builds report 0.0.0-dev.
func (i Info) Semver() (*semver.Version, error) {
	if i.IsDev() {
		return semver.MustParse(devVersion), nil
	}
	v, err := semver.NewVersion(i.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid version %q", i.Version)
	}
	return v, nil
}

// String returns a human-readable version string
func (i Info) String() string {
	if !i.IsDev() {
		return fmt.Sprintf("fetchq %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildTime)
	}
	return fmt.Sprintf("fetchq dev (commit %s, built %s)", i.CommitHash, i.BuildTime)
}

// Short returns a short version string with just the commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// CheckCompatible verifies that a server reporting serverVersion speaks the
// same API as this client: the server must be at least the client's release
// within the same major version (minor for 0.x). Dev builds on either side
// are always accepted.
func CheckCompatible(client Info, serverVersion string) error {
	if client.IsDev() || serverVersion == "" || serverVersion == "dev" {
		return nil
	}
	clientVer, err := client.Semver()
	if err != nil {
		return err
	}
	serverVer, err := semver.NewVersion(serverVersion)
	if err != nil {
		return errors.Wrapf(err, "server reported invalid version %q", serverVersion)
	}

	// Caret ranges pin the major version, or the minor version below 1.0
	constraint, err := semver.NewConstraint("^" + clientVer.String())
	if err != nil {
		return errors.Wrapf(err, "invalid version constraint for %s", clientVer)
	}
	if !constraint.Check(withoutPrerelease(serverVer)) {
		return errors.WithHint(
			errors.Newf("server version %s is incompatible with client %s", serverVer, clientVer),
			"upgrade fetchq so client and server run the same release line")
	}
	return nil
}

func withoutPrerelease(v *semver.Version) *semver.Version {
	if v.Prerelease() == "" {
		return v
	}
	stripped, err := v.SetPrerelease("")
	if err != nil {
		return v
	}
	return &stripped
}
