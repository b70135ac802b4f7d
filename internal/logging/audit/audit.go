// Package audit writes structured records of security-relevant events.
package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for security-relevant events.
// All audit events carry an event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func levelFor(result string) zerolog.Level {
	if result == "denied" || result == "failed" {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// LogAuth logs an authentication event.
// method: "aws_sigv4", "aws_sigv2", "basic", "bearer" or "jwt"
// result: "allowed" or "denied"
func (l *Logger) LogAuth(userID, method, result, details, sourceIP string) {
	l.logger.WithLevel(levelFor(result)).
		Str("event_type", "auth").
		Str("user_id", userID).
		Str("method", method).
		Str("result", result).
		Str("details", details).
		Str("source_ip", sourceIP).
		Msg("Authentication event")
}

// LogS3Op logs a mutating S3 operation.
// result: "allowed", "denied" or "failed"
func (l *Logger) LogS3Op(userID, operation, bucket, objectKey, versionID, result, details, sourceIP string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "s3_operation").
		Str("component", "s3").
		Str("user_id", userID).
		Str("operation", operation).
		Str("bucket", bucket).
		Str("result", result).
		Str("source_ip", sourceIP)

	if objectKey != "" {
		event = event.Str("object_key", objectKey)
	}
	if versionID != "" {
		event = event.Str("version_id", versionID)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("S3 operation")
}

// LogReplication logs a write received on the replication surface.
// site: the replicating site from the bearer token
// operation: "PutData", "PutMetadata" or "BatchDelete"
func (l *Logger) LogReplication(site, canonicalID, operation, bucket, objectKey, versionID, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "replication").
		Str("site", site).
		Str("canonical_id", canonicalID).
		Str("operation", operation).
		Str("result", result)

	if bucket != "" {
		event = event.Str("bucket", bucket)
	}
	if objectKey != "" {
		event = event.Str("object_key", objectKey)
	}
	if versionID != "" {
		event = event.Str("version_id", versionID)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Replication event")
}

// LogQuota logs a quota configuration change.
// action: "set" or "reset"
func (l *Logger) LogQuota(userID, action, bucket string, bytes int64) {
	l.logger.Info().
		Str("event_type", "quota").
		Str("user_id", userID).
		Str("action", action).
		Str("bucket", bucket).
		Int64("bytes", bytes).
		Msg("Quota event")
}
