package loggingutil

import (
	"context"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/scopedstore/internal/correlation"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	if len(filtered) == 0 {
		return ""
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// FromContext returns the logger attached to ctx, falling back to fallback.
// The correlation id on ctx is attached when the fallback is used.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	logger := EnsureLogger(fallback)
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	return logger
}
