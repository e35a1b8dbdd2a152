package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[LogLevel]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

// slog has no fatal level, it is logged one step above error.
const slogLevelFatal = slog.LevelError + 4

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "INFO"
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelFatal:
		return slogLevelFatal
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a level name to LogLevel, falling back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return LevelInfo
	}
}

type Logger struct {
	level  *slog.LevelVar
	logger *slog.Logger
}

// NewLogger creates a text logger writing to stdout.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithWriters(os.Stdout, nil, level)
}

// NewLoggerWithWriters fans records out to a text handler on console and,
// when jsonOut is non-nil, a JSON handler on jsonOut.
func NewLoggerWithWriters(console io.Writer, jsonOut io.Writer, level LogLevel) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())
	opts := &slog.HandlerOptions{Level: lv, AddSource: true, ReplaceAttr: replaceAttr}

	handlers := []slog.Handler{slog.NewTextHandler(console, opts)}
	if jsonOut != nil {
		handlers = append(handlers, slog.NewJSONHandler(jsonOut, opts))
	}

	return &Logger{
		level:  lv,
		logger: slog.New(slogmulti.Fanout(handlers...)),
	}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok {
			return slog.String(slog.SourceKey, fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
		}
	case slog.LevelKey:
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slogLevelFatal {
			return slog.String(slog.LevelKey, "FATAL")
		}
	}
	return a
}

// SetLevel 设置日志级别
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Set(level.slogLevel())
}

// With returns a child logger that attaches the given key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{level: l.level, logger: l.logger.With(args...)}
}

// Slog exposes the underlying structured logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Fatal 记录致命错误并退出
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(LevelFatal, format, args...)
	os.Exit(1)
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	ctx := context.Background()
	lvl := level.slogLevel()
	if !l.logger.Enabled(ctx, lvl) {
		return
	}

	// skip runtime.Callers, log, and the exported wrapper
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	if isPackageWrapper(pcs[0]) {
		runtime.Callers(4, pcs[:])
	}

	r := slog.NewRecord(time.Now(), lvl, fmt.Sprintf(format, args...), pcs[0])
	_ = l.logger.Handler().Handle(ctx, r)
}

func isPackageWrapper(pc uintptr) bool {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	name := fn.Name()
	return strings.HasSuffix(name, "/pkg/log.Debug") ||
		strings.HasSuffix(name, "/pkg/log.Info") ||
		strings.HasSuffix(name, "/pkg/log.Warn") ||
		strings.HasSuffix(name, "/pkg/log.Error") ||
		strings.HasSuffix(name, "/pkg/log.Fatal")
}

// FileLogger 是文件日志记录器
type FileLogger struct {
	*Logger
	file *os.File
}

// NewFileLogger logs text to stdout and JSON lines to logFile.
func NewFileLogger(logFile string, level LogLevel) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &FileLogger{
		Logger: NewLoggerWithWriters(os.Stdout, file, level),
		file:   file,
	}, nil
}

func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// InitLogger 初始化全局日志记录器
func InitLogger(level LogLevel) {
	SetLogger(NewLogger(level))
}

// SetLogger replaces the global logger.
func SetLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetLogger 获取全局日志记录器
func GetLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo)
	}
	return globalLogger
}

// With returns a child of the global logger.
func With(args ...any) *Logger {
	return GetLogger().With(args...)
}

func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

func Fatal(format string, args ...interface{}) {
	GetLogger().Fatal(format, args...)
}
