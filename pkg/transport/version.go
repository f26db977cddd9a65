package transport

import (
	"fmt"
	"strings"
)

// Protocol version constants
const (
	// CurrentVersion is the current wire protocol version
	CurrentVersion = "1.0.0"

	// MinSupportedVersion is the minimum version we can communicate with
	MinSupportedVersion = "1.0.0"
)

// VersionInfo describes the versions and optional features of this node
type VersionInfo struct {
	Version           string   `json:"version"`
	SupportedVersions []string `json:"supported_versions"`
	Features          []string `json:"features,omitempty"`
}

// GetVersionInfo returns version information for this node
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:           CurrentVersion,
		SupportedVersions: SupportedVersions(),
		Features: []string{
			"extensions",
			"msgpack_frames",
			"bounded_replication",
		},
	}
}

// SupportedVersions returns all wire versions this node speaks, highest first
func SupportedVersions() []string {
	return []string{"1.0.0"}
}

// IsVersionSupported checks if a given version is supported by this node
func IsVersionSupported(version string) bool {
	if version == "" {
		version = MinSupportedVersion
	}
	return contains(SupportedVersions(), version)
}

// NegotiateVersion returns the highest version both sides support
func NegotiateVersion(mine, theirs []string) (string, error) {
	if len(mine) == 0 || len(theirs) == 0 {
		return "", fmt.Errorf("version list cannot be empty")
	}

	best := ""
	for _, v := range mine {
		if !contains(theirs, v) {
			continue
		}
		if best == "" || CompareVersions(v, best) > 0 {
			best = v
		}
	}
	if best == "" {
		return "", &VersionCompatibilityError{
			MyVersions:    mine,
			TheirVersions: theirs,
		}
	}
	return best, nil
}

// CompareVersions compares two semantic versions
// Returns: -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
func CompareVersions(v1, v2 string) int {
	v1parts := strings.Split(v1, ".")
	v2parts := strings.Split(v2, ".")

	for i := 0; i < 3; i++ {
		var n1, n2 int
		if i < len(v1parts) {
			fmt.Sscanf(v1parts[i], "%d", &n1)
		}
		if i < len(v2parts) {
			fmt.Sscanf(v2parts[i], "%d", &n2)
		}

		if n1 < n2 {
			return -1
		}
		if n1 > n2 {
			return 1
		}
	}
	return 0
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// VersionCompatibilityError is returned when two nodes share no wire version
type VersionCompatibilityError struct {
	MyVersions    []string
	TheirVersions []string
}

func (e *VersionCompatibilityError) Error() string {
	return fmt.Sprintf("no compatible version found: my versions=%v, their versions=%v",
		e.MyVersions, e.TheirVersions)
}

func (e *VersionCompatibilityError) Is(target error) bool {
	return target == ErrUnsupportedVersion
}
