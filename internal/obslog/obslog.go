// Package obslog adapts the teacher's HTTP-request-scoped logging and
// recovery middleware (internal/middleware/logging.go,
// internal/middleware/recovery.go) into session-scoped instrumentation for
// one archive session, which has no HTTP request loop of its own.
package obslog

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// SessionLogger wraps a *logrus.Logger with fields fixed for the life of
// one archive session (archive name, job id), mirroring the way the
// teacher's LoggingMiddleware fixes per-request fields.
type SessionLogger struct {
	entry *logrus.Entry
}

// NewSessionLogger starts a SessionLogger for archiveName/jobID, or falls
// back to a standard logrus.Logger if logger is nil.
func NewSessionLogger(logger *logrus.Logger, archiveName, jobID string) *SessionLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SessionLogger{entry: logger.WithFields(logrus.Fields{
		"archive": archiveName,
		"job_id":  jobID,
	})}
}

// Entry exposes the underlying *logrus.Entry, fields and all, so other
// adapted components (the opsserver sidecar's request middleware) can log
// under this session's correlation fields instead of a bare logger.
func (s *SessionLogger) Entry() *logrus.Entry { return s.entry }

// Part logs a part lifecycle event (opened/rotated/closed).
func (s *SessionLogger) Part(event string, partNumber int, fields logrus.Fields) {
	f := logrus.Fields{"part_number": partNumber, "event": event}
	for k, v := range fields {
		f[k] = v
	}
	s.entry.WithFields(f).Info("part " + event)
}

// Volume logs a volume lifecycle event (filled/changed/aborted).
func (s *SessionLogger) Volume(event string, volumeNumber int, fields logrus.Fields) {
	f := logrus.Fields{"volume_number": volumeNumber, "event": event}
	for k, v := range fields {
		f[k] = v
	}
	s.entry.WithFields(f).Info("volume " + event)
}

// PasswordRetry logs a password-pool exhaustion/retry event, never logging
// the password value itself.
func (s *SessionLogger) PasswordRetry(attempt int, maxAttempts int) {
	s.entry.WithFields(logrus.Fields{
		"attempt":      attempt,
		"max_attempts": maxAttempts,
	}).Warn("password retry")
}

// Error logs a failed operation at the appropriate level for its Kind.
func (s *SessionLogger) Error(operation string, err error) {
	entry := s.entry.WithError(err).WithField("operation", operation)
	if kind, ok := barerr.KindOf(err); ok {
		entry = entry.WithField("kind", string(kind))
	}
	entry.Error("archive operation failed")
}

// RecoverArchive converts a panic in the single-threaded archive goroutine
// into a barerr.Error instead of crashing the host process, mirroring the
// teacher's RecoveryMiddleware panic-to-HTTP-500 conversion.
func (s *SessionLogger) RecoverArchive(errOut *error) {
	if r := recover(); r != nil {
		s.entry.WithFields(logrus.Fields{
			"panic": r,
			"stack": string(debug.Stack()),
		}).Error("panic recovered in archive session")
		*errOut = barerr.New(barerr.KindAborted, "recovered from panic: %v", r)
	}
}
