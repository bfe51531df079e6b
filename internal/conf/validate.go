package conf

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/tphakala/bankstream/internal/errors"
)

var validLogLevels = []string{"trace", "debug", "info", "warn", "error"}

// ValidationError collects every validation failure in one error
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if !slices.Contains(validLogLevels, strings.ToLower(settings.Main.Log.Level)) {
		ve.Errors = append(ve.Errors, fmt.Sprintf("main.log.level %q is not one of %v", settings.Main.Log.Level, validLogLevels))
	}
	if settings.Main.Log.FileEnabled && settings.Main.Log.Path == "" {
		ve.Errors = append(ve.Errors, "main.log.path must be set when file logging is enabled")
	}

	if settings.Resource.TermMaxAttempts < 1 {
		ve.Errors = append(ve.Errors, "resource.termmaxattempts must be at least 1")
	}
	if settings.Resource.TermWait < 0 {
		ve.Errors = append(ve.Errors, "resource.termwait must not be negative")
	}

	if settings.Streaming.Granularity <= 0 {
		ve.Errors = append(ve.Errors, "streaming.granularity must be positive")
	}
	if settings.Streaming.WriteBuffer <= 0 {
		ve.Errors = append(ve.Errors, "streaming.writebuffer must be positive")
	}

	if settings.Engine.TickInterval <= 0 {
		ve.Errors = append(ve.Errors, "engine.tickinterval must be positive")
	}
	if settings.FileCache.StatTTL <= 0 {
		ve.Errors = append(ve.Errors, "filecache.stattl must be positive")
	}

	if settings.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(settings.Metrics.Listen); err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("metrics.listen %q: %v", settings.Metrics.Listen, err))
		}
	}

	if settings.Telemetry.Enabled && settings.Telemetry.DSN == "" {
		ve.Errors = append(ve.Errors, "telemetry.dsn must be set when telemetry is enabled")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("configuration").
			Category(errors.CategoryValidation).
			Context("error_count", len(ve.Errors)).
			Build()
	}
	return nil
}
