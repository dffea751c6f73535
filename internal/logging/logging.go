// internal/logging/logging.go

package logging

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing text to stderr at the named level.
// Unknown levels fall back to info.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.Warnf("Unknown log level %q, using info", level)
		return logger
	}
	logger.SetLevel(lvl)
	return logger
}

// NewJSON is New with a JSON formatter, for log shippers.
func NewJSON(level string) *logrus.Logger {
	logger := New(level)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

// LogMiddleware is an HTTP middleware that logs incoming requests using Logrus.
// Logs the method, path, and duration of each request.
func LogMiddleware(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Info("HTTP Request")
		})
	}
}

// LogConnect logs a successful room handshake.
func LogConnect(logger *logrus.Logger, roomID, playerID string) {
	logger.WithFields(logrus.Fields{
		"room":   roomID,
		"player": playerID,
	}).Info("Room connection established")
}

// LogDisconnect logs the end of a room connection. A nil err means the
// player left on purpose.
func LogDisconnect(logger *logrus.Logger, roomID string, err error) {
	fields := logrus.Fields{
		"room": roomID,
	}
	if err != nil {
		fields["error"] = err
		logger.WithFields(fields).Warn("Room connection lost")
		return
	}
	logger.WithFields(fields).Info("Room connection closed")
}
