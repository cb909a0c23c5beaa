// Package fplog is the daemon's leveled logger.
package fplog

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"
)

const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var (
	currentLevel = LevelInfo
	logger       = log.New(os.Stderr, "", log.LstdFlags)
)

// SetLevel sets the minimum level that Debug/Info/Warn/Error will emit.
// SecurityEvent is never suppressed by this setting.
func SetLevel(level int) {
	currentLevel = level
}

func getCallerInfo() string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "unknown:0"
	}
	parts := strings.Split(file, "/")
	if len(parts) > 2 {
		file = strings.Join(parts[len(parts)-2:], "/")
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func formatMessage(level, message string) string {
	caller := getCallerInfo()
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("%s [%s] %s - %s", timestamp, level, caller, message)
}

// SecurityEvent logs a claim, authorization, or enrollment event. Never suppressed.
func SecurityEvent(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.Printf("SECURITY EVENT - %s", msg)
}

func Debug(format string, args ...interface{}) {
	if currentLevel <= LevelDebug {
		logger.Println(formatMessage("DEBUG", fmt.Sprintf(format, args...)))
	}
}

func Info(format string, args ...interface{}) {
	if currentLevel <= LevelInfo {
		logger.Println(formatMessage("INFO", fmt.Sprintf(format, args...)))
	}
}

func Warn(format string, args ...interface{}) {
	if currentLevel <= LevelWarn {
		logger.Println(formatMessage("WARN", fmt.Sprintf(format, args...)))
	}
}

func Error(format string, args ...interface{}) {
	if currentLevel <= LevelError {
		logger.Println(formatMessage("ERROR", fmt.Sprintf(format, args...)))
	}
}

func Fatal(format string, args ...interface{}) {
	logger.Println(formatMessage("FATAL", fmt.Sprintf(format, args...)))
	os.Exit(1)
}
