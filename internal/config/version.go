package config

import "fmt"

// CurrentVersion is the configuration file version this build reads.
const CurrentVersion = 1

// Reasons reported by VersionError.
const (
	VersionMissing = "missing"
	VersionTooNew  = "newer than this build"
)

// VersionError reports a version field this build cannot read.
type VersionError struct {
	Version int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Reason {
	case VersionMissing:
		return fmt.Sprintf("config version is missing; add \"version: %d\"", CurrentVersion)
	case VersionTooNew:
		return fmt.Sprintf("config version %d is newer than this build (reads %d); upgrade libagent", e.Version, CurrentVersion)
	default:
		return fmt.Sprintf("config version %d is not supported (reads %d)", e.Version, CurrentVersion)
	}
}

// ValidateVersion rejects versions other than CurrentVersion.
func ValidateVersion(version int) error {
	switch {
	case version <= 0:
		return &VersionError{Version: version, Reason: VersionMissing}
	case version > CurrentVersion:
		return &VersionError{Version: version, Reason: VersionTooNew}
	case version != CurrentVersion:
		return &VersionError{Version: version}
	}
	return nil
}
