package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	logger    = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logFile   *os.File
	debugMode bool
	mu        sync.Mutex
	isSetup   bool
)

// SetupLogger routes log output to the given file. An empty path keeps stderr.
func SetupLogger(logFilePath string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	if isSetup {
		return nil
	}

	var out io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %v", err)
		}
		logFile = f
		out = f
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	debugMode = debug
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	logger.Info("driftguard log started", slog.String("at", time.Now().Format(time.RFC3339)))

	isSetup = true
	return nil
}

// SetOutput replaces the log destination; used by tests to capture output
func SetOutput(w io.Writer, debug bool) {
	mu.Lock()
	defer mu.Unlock()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	debugMode = debug
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// CloseLogger closes the log file and falls back to stderr
func CloseLogger() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logger.Info("driftguard log closed", slog.String("at", time.Now().Format(time.RFC3339)))
		logFile.Close()
		logFile = nil
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	debugMode = false
	isSetup = false
}

// Logger returns the structured logger for call sites that attach attributes
func Logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// DebugEnabled reports whether debug output is switched on
func DebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return debugMode
}

// LogInfo logs an information message
func LogInfo(format string, args ...interface{}) {
	Logger().Info(fmt.Sprintf(format, args...))
}

// DebugLog logs a message if debug mode is enabled
func DebugLog(format string, args ...interface{}) {
	l := Logger()
	if !DebugEnabled() {
		return
	}
	l.Debug(fmt.Sprintf(format, args...))
}

// LogError logs an error message
func LogError(format string, args ...interface{}) {
	Logger().Error(fmt.Sprintf(format, args...))
}

// LogWarning logs a warning message
func LogWarning(format string, args ...interface{}) {
	Logger().Warn(fmt.Sprintf(format, args...))
}

// LogImageCompared logs the outcome of one scan comparison
func LogImageCompared(path string, success bool, errMsg string) {
	if success {
		DebugLog("COMPARED: %s", path)
		return
	}
	LogWarning("FAILED: %s - Error: %s", path, errMsg)
}
