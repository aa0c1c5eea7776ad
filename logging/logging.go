// Package logging sets up the ingester's rotating log files: a general
// log, a dedicated future-timestamps stream, and a dedicated
// decrypt-failures stream, matching the size/backup-count rotation
// original_source/meshtastic_forwarder.py gets from Python's
// RotatingFileHandler.
package logging

import (
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 10
	maxBackups = 5
)

// Loggers bundles the three log streams the pipeline writes to.
type Loggers struct {
	General          *log.Logger
	FutureTimestamps *log.Logger
	DecryptFailures  *log.Logger
}

// New sets up rotating file loggers under dir, mirroring the teacher's
// plain log.Logger usage (log.Printf/log.Fatal throughout, never a
// wrapper interface) with lumberjack supplying rotation.
func New(dir string) (*Loggers, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Loggers{
		General:          newRotatingLogger(dir, "ingester.log"),
		FutureTimestamps: newRotatingLogger(dir, "future_timestamps.log"),
		DecryptFailures:  newRotatingLogger(dir, "decrypt_failures.log"),
	}, nil
}

func newRotatingLogger(dir, name string) *log.Logger {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return log.New(writer, "", log.LstdFlags|log.Lmicroseconds)
}
