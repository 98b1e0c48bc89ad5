// internal/logger/logger.go
package logger

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	debugMode atomic.Bool
	infoLog   = log.New(os.Stdout, "[INFO] ", log.LstdFlags|log.Lmsgprefix)
	debugLog  = log.New(os.Stdout, "[DEBUG] ", log.LstdFlags|log.Lmsgprefix)
	errorLog  = log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lmsgprefix)
)

// SetDebug toggles debug output.
func SetDebug(debug bool) {
	debugMode.Store(debug)
}

// SetOutput redirects all levels to w. Tests use it to silence output.
func SetOutput(w io.Writer) {
	infoLog.SetOutput(w)
	debugLog.SetOutput(w)
	errorLog.SetOutput(w)
}

func Info(format string, v ...interface{}) {
	infoLog.Printf(format, v...)
}

func Debug(format string, v ...interface{}) {
	if debugMode.Load() {
		debugLog.Printf(format, v...)
	}
}

func Error(format string, v ...interface{}) {
	errorLog.Printf(format, v...)
}

// Fatal logs and exits with status 1.
func Fatal(format string, v ...interface{}) {
	errorLog.Fatalf(format, v...)
}
