// Package logging provides global structured logging for the proxy.
// Use a dot import to access L_info, L_error, etc. directly, matching the
// rest of the codebase's call sites.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Log levels. Trace sits below Debug; charmbracelet/log has no native trace
// level so it is filtered manually against currentLevel.
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	logger *log.Logger
	once   sync.Once

	currentLevel int32 = LevelInfo

	// hook receives every formatted log line, so a caller can mirror proxy
	// activity without a second logging pipeline. Nothing installs one by
	// default.
	hook     func(level, msg string)
	hookLock sync.RWMutex
	hookOnly int32 // when 1, suppress the stderr writer (exclusive hook mode)
)

// Config holds logging configuration.
type Config struct {
	Level      int
	TimeFormat string
	ShowCaller bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		TimeFormat: "15:04:05",
		ShowCaller: true,
	}
}

// Init initializes the global logger. Safe to call multiple times.
func Init(cfg *Config) {
	once.Do(func() {
		if cfg == nil {
			cfg = DefaultConfig()
		}

		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      cfg.TimeFormat,
			ReportCaller:    cfg.ShowCaller,
			CallerOffset:    2,
		})

		atomic.StoreInt32(&currentLevel, int32(cfg.Level))
		applyLevel(cfg.Level)
	})
}

func applyLevel(level int) {
	switch level {
	case LevelTrace, LevelDebug:
		logger.SetLevel(log.DebugLevel)
	case LevelInfo:
		logger.SetLevel(log.InfoLevel)
	case LevelWarn:
		logger.SetLevel(log.WarnLevel)
	case LevelError, LevelFatal:
		logger.SetLevel(log.ErrorLevel)
	}
}

func ensureInit() {
	if logger == nil {
		Init(nil)
	}
}

// hasFmtVerb reports whether s looks like a printf format string.
func hasFmtVerb(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '%' {
			next := s[i+1]
			if next != '%' && strings.ContainsRune("vsdtfgeopqxXbcUT+#", rune(next)) {
				return true
			}
		}
	}
	return false
}

// split turns the flexible logMsg(msg, args...) calling convention into a
// final message plus structured key/value pairs.
func split(msg string, args []interface{}) (string, []interface{}) {
	if len(args) == 0 {
		return msg, nil
	}
	if hasFmtVerb(msg) {
		return fmt.Sprintf(msg, args...), nil
	}
	return msg, args
}

func notifyHook(level, finalMsg string, keyvals []interface{}) {
	hookLock.RLock()
	h := hook
	hookLock.RUnlock()
	if h == nil {
		return
	}
	display := finalMsg
	for i := 0; i+1 < len(keyvals); i += 2 {
		display += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	h(level, display)
}

// logTrace logs at trace level using a hand-rolled prefix since
// charmbracelet/log has no trace level of its own.
func logTrace(msg string, args ...interface{}) {
	finalMsg, keyvals := split(msg, args)
	notifyHook("TRACE", finalMsg, keyvals)

	if atomic.LoadInt32(&hookOnly) == 1 {
		return
	}

	now := time.Now().Format("2006/01/02 15:04:05")
	_, file, line, ok := runtime.Caller(2)
	caller := ""
	if ok {
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		caller = fmt.Sprintf("<%s:%d>", file, line)
	}

	var sb strings.Builder
	sb.WriteString(now)
	sb.WriteString(" TRAC ")
	sb.WriteString(caller)
	sb.WriteString(" ")
	sb.WriteString(finalMsg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		sb.WriteString(fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1]))
	}
	sb.WriteString("\n")
	fmt.Fprint(os.Stderr, sb.String())
}

func logAt(level log.Level, msg string, args ...interface{}) {
	ensureInit()
	finalMsg, keyvals := split(msg, args)
	notifyHook(levelName(level), finalMsg, keyvals)

	switch level {
	case log.DebugLevel:
		logger.Debug(finalMsg, keyvals...)
	case log.InfoLevel:
		logger.Info(finalMsg, keyvals...)
	case log.WarnLevel:
		logger.Warn(finalMsg, keyvals...)
	case log.ErrorLevel:
		logger.Error(finalMsg, keyvals...)
	case log.FatalLevel:
		logger.Fatal(finalMsg, keyvals...)
	}
}

func levelName(level log.Level) string {
	switch level {
	case log.DebugLevel:
		return "DEBUG"
	case log.InfoLevel:
		return "INFO"
	case log.WarnLevel:
		return "WARN"
	case log.ErrorLevel:
		return "ERROR"
	case log.FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// SetHook installs a sink for every formatted log line, in addition to
// the stderr writer. Pass nil to clear.
func SetHook(h func(level, msg string)) {
	hookLock.Lock()
	hook = h
	hookLock.Unlock()
}

// SetHookExclusive installs a hook and stops writing to stderr entirely.
func SetHookExclusive(h func(level, msg string)) {
	hookLock.Lock()
	hook = h
	hookLock.Unlock()

	ensureInit()
	if h != nil {
		atomic.StoreInt32(&hookOnly, 1)
		logger.SetOutput(io.Discard)
	} else {
		atomic.StoreInt32(&hookOnly, 0)
		logger.SetOutput(os.Stderr)
	}
}

func L_trace(msg string, args ...interface{}) {
	if atomic.LoadInt32(&currentLevel) < int32(LevelTrace) {
		return
	}
	logTrace(msg, args...)
}

func L_debug(msg string, args ...interface{}) { logAt(log.DebugLevel, msg, args...) }
func L_info(msg string, args ...interface{})  { logAt(log.InfoLevel, msg, args...) }
func L_warn(msg string, args ...interface{})  { logAt(log.WarnLevel, msg, args...) }
func L_error(msg string, args ...interface{}) { logAt(log.ErrorLevel, msg, args...) }
func L_fatal(msg string, args ...interface{}) { logAt(log.FatalLevel, msg, args...) }

// SetLevel changes the log level at runtime.
func SetLevel(level int) {
	ensureInit()
	atomic.StoreInt32(&currentLevel, int32(level))
	applyLevel(level)
}

// GetLevel returns the current log level.
func GetLevel() int {
	return int(atomic.LoadInt32(&currentLevel))
}

// L_elapsed logs msg with the elapsed time since start appended.
func L_elapsed(start time.Time, msg string, args ...interface{}) {
	args = append(args, "elapsed", time.Since(start).String())
	logAt(log.InfoLevel, msg, args...)
}
