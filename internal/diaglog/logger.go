// Package diaglog writes the daemon's leveled diagnostic log to a size-rotated
// file and fans each line out to live subscribers (the send_log signal).
package diaglog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level controls diagnostic log verbosity.
type Level int

const (
	// LevelDebug emits all diagnostic entries.
	LevelDebug Level = iota
	// LevelInfo emits info, warn, error.
	LevelInfo
	// LevelWarn emits warn, error.
	LevelWarn
	// LevelError emits only errors.
	LevelError
)

// DefaultMaxBytes is the size at which the log file is rotated.
const DefaultMaxBytes int64 = 1 << 20

// Manager writes diagnostic logs to a persistent file. A nil *Manager is a
// valid no-op logger.
type Manager struct {
	path     string
	maxBytes int64

	mu      sync.RWMutex
	enabled bool
	level   zap.AtomicLevel
	sugar   *zap.SugaredLogger
	out     *rotatingFile

	subsMu sync.Mutex
	subs   map[chan string]struct{}
}

// New creates a diagnostics logger writing to path when enabled.
func New(path string) *Manager {
	return NewWithMaxBytes(path, DefaultMaxBytes)
}

// NewWithMaxBytes creates a logger that rotates path once it grows past maxBytes.
func NewWithMaxBytes(path string, maxBytes int64) *Manager {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	m := &Manager{
		path:     strings.TrimSpace(path),
		maxBytes: maxBytes,
		level:    zap.NewAtomicLevelAt(zapcore.InfoLevel),
		subs:     make(map[chan string]struct{}),
	}
	m.out = &rotatingFile{path: m.path, maxBytes: maxBytes, publish: m.publish}
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeLevel:    bracketLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(m.out), m.level)
	m.sugar = zap.New(core).Sugar()
	return m
}

func bracketLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

// Configure updates runtime logging controls.
func (m *Manager) Configure(enabled bool, levelRaw string) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.level.SetLevel(zapLevel(ParseLevel(levelRaw)))
	m.enabled = enabled
	if !enabled {
		return m.out.close()
	}
	return m.out.ensure()
}

// SetLevel changes verbosity without toggling the logger.
func (m *Manager) SetLevel(levelRaw string) {
	if m == nil {
		return
	}
	m.level.SetLevel(zapLevel(ParseLevel(levelRaw)))
}

// Close flushes and closes the diagnostics file descriptor.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.sugar.Sync()
	return m.out.close()
}

// Debugf logs a debug-level message.
func (m *Manager) Debugf(format string, args ...any) {
	if m.active() {
		m.sugar.Debugf(format, args...)
	}
}

// Infof logs an info-level message.
func (m *Manager) Infof(format string, args ...any) {
	if m.active() {
		m.sugar.Infof(format, args...)
	}
}

// Warnf logs a warning-level message.
func (m *Manager) Warnf(format string, args ...any) {
	if m.active() {
		m.sugar.Warnf(format, args...)
	}
}

// Errorf logs an error-level message.
func (m *Manager) Errorf(format string, args ...any) {
	if m.active() {
		m.sugar.Errorf(format, args...)
	}
}

// Enabled returns whether diagnostics logging is currently enabled.
func (m *Manager) Enabled() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Manager) active() bool {
	return m != nil && m.Enabled()
}

// Subscribe returns a channel receiving every written line and a release
// function. Slow subscribers miss lines rather than block the logger.
func (m *Manager) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(line string) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// ParseLevel maps a textual level to a Level, defaulting to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// rotatingFile keeps one previous generation (<path>.1).
type rotatingFile struct {
	path     string
	maxBytes int64
	publish  func(string)

	mu   sync.Mutex
	file *os.File
	size int64
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	if err := r.ensureLocked(); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if r.file == nil {
		r.mu.Unlock()
		return len(p), nil
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			r.mu.Unlock()
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	r.mu.Unlock()

	if r.publish != nil {
		r.publish(strings.TrimRight(string(p[:n]), "\n"))
	}
	return n, err
}

func (r *rotatingFile) ensure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked()
}

func (r *rotatingFile) ensureLocked() error {
	if r.path == "" || r.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	r.file = file
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) rotateLocked() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if err := os.Rename(r.path, r.path+".1"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	r.size = 0
	return r.ensureLocked()
}

func (r *rotatingFile) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
