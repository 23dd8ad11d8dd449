package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"visiongate/internal/config"
)

// Logger provides leveled logging (info/warning/error) to per-level files and stdout/stderr.
type Logger struct {
	zl     zerolog.Logger
	logDir string
	files  []*os.File
	mu     *sync.Mutex
}

// levelFiles routes each entry to the file of its level.
type levelFiles map[zerolog.Level]io.Writer

func (lf levelFiles) Write(p []byte) (int, error) {
	return len(p), nil
}

func (lf levelFiles) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w, ok := lf[level]
	if !ok {
		return len(p), nil
	}
	return w.Write(p)
}

// stdLevels sends errors to stderr and everything else to stdout.
type stdLevels struct {
	out, err io.Writer
}

func (s stdLevels) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s stdLevels) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= zerolog.ErrorLevel {
		return s.err.Write(p)
	}
	return s.out.Write(p)
}

// NewLogger creates a Logger and ensures the log directory exists.
func NewLogger(cfg *config.Config) *Logger {
	l, err := New(cfg.AppEnv, cfg.LogDirectory)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return l
}

// New creates a Logger writing JSON lines to info.log, warning.log and
// error.log under logDir. Development mode prints a console format to the
// terminal instead of JSON.
func New(appEnv, logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &Logger{logDir: logDir, mu: &sync.Mutex{}}
	files := levelFiles{}
	for level, name := range map[zerolog.Level]string{
		zerolog.InfoLevel:  "info.log",
		zerolog.WarnLevel:  "warning.log",
		zerolog.ErrorLevel: "error.log",
	} {
		f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open log file %s: %w", name, err)
		}
		l.files = append(l.files, f)
		files[level] = f
	}

	var terminal zerolog.LevelWriter = stdLevels{out: os.Stdout, err: os.Stderr}
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
		terminal = stdLevels{
			out: zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339},
			err: zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
		}
	}

	l.zl = zerolog.New(zerolog.MultiLevelWriter(terminal, files)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return l, nil
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), mu: &sync.Mutex{}}
}

// With returns a child logger that adds key=value to every entry.
func (l *Logger) With(key string, value interface{}) *Logger {
	child := *l
	child.zl = l.zl.With().Interface(key, value).Logger()
	return &child
}

// Zerolog exposes the underlying logger for components that log structured fields.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Debug writes a formatted debug-level log entry.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.zl.Debug().Msgf(format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.zl.Info().Msgf(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.zl.Warn().Msgf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.zl.Error().Msgf(format, v...)
}

// LogDirectory returns the directory holding the level files.
func (l *Logger) LogDirectory() string {
	return l.logDir
}

// CleanLogs truncates the specified log file.
func (l *Logger) CleanLogs(fileName string) error {
	if l.logDir == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	filePath := filepath.Join(l.logDir, filepath.Base(fileName))
	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		l.Error("Error opening file: %v", err)
		return err
	}
	defer file.Close()

	l.Info("File %s has been cleared.", fileName)
	return nil
}

// Close releases the log files.
func (l *Logger) Close() error {
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = nil
	return firstErr
}
