package protocol

import (
	"fmt"

	"golang.org/x/mod/semver"
)

const ShuffleFetchVersion = "v0.3.0"

// IsCompatibleVersion checks if a client version is compatible with a storage host.
// Compatibility rules:
// - Major version must match exactly.
// - Minor and patch versions can differ.
func IsCompatibleVersion(clientVersion, hostVersion string) (bool, error) {
	if !semver.IsValid(clientVersion) {
		return false, fmt.Errorf("invalid client version: %s", clientVersion)
	}
	if !semver.IsValid(hostVersion) {
		return false, fmt.Errorf("invalid host version: %s", hostVersion)
	}

	return semver.Major(clientVersion) == semver.Major(hostVersion), nil
}

// GetCompatibilityError returns a user-friendly message for incompatible versions.
func GetCompatibilityError(clientVersion, hostVersion string) string {
	return fmt.Sprintf(
		"client version %s is incompatible with storage host version %s. Required version: %s.x.x",
		clientVersion, hostVersion, semver.Major(hostVersion),
	)
}
