// Package buildinfo holds build-time metadata kept apart from user
// configuration
package buildinfo

import (
	"fmt"

	"github.com/google/uuid"
)

// UnknownValue is reported for metadata the build did not inject
const UnknownValue = "unknown"

// BuildInfo provides access to build-time metadata
type BuildInfo interface {
	// GetVersion returns the build version string
	GetVersion() string
	// GetBuildDate returns the build date string
	GetBuildDate() string
	// GetSystemID returns the identifier of this process instance
	GetSystemID() string
}

// Context contains build-time metadata injected at startup
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string

	// SystemID identifies this process in telemetry and metrics
	SystemID string
}

// NewContext creates build metadata. An empty systemID gets a random one.
func NewContext(version, buildDate, systemID string) *Context {
	if systemID == "" {
		systemID = uuid.NewString()
	}
	return &Context{
		Version:   version,
		BuildDate: buildDate,
		SystemID:  systemID,
	}
}

// GetVersion implements BuildInfo.GetVersion
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate implements BuildInfo.GetBuildDate
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// GetSystemID implements BuildInfo.GetSystemID
func (c *Context) GetSystemID() string {
	if c == nil || c.SystemID == "" {
		return UnknownValue
	}
	return c.SystemID
}

// Release is the release name reported with telemetry events
func (c *Context) Release() string {
	return "bankstream@" + c.GetVersion()
}

func (c *Context) String() string {
	return fmt.Sprintf("bankstream %s (built %s)", c.GetVersion(), c.GetBuildDate())
}
