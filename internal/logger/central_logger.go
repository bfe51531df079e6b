package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// consoleWriter receives console output. Stdout is left to command results.
var consoleWriter io.Writer = os.Stderr

// CentralLogger owns the console and file handlers shared by every module
// logger
type CentralLogger struct {
	mu           sync.RWMutex
	handler      slog.Handler
	file         *BufferedFileWriter
	defaultLevel slog.Level
	moduleLevels map[string]slog.Level
}

// NewCentralLogger creates the shared handlers described by cfg
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config cannot be nil")
	}
	applyConfigDefaults(cfg)

	tz, err := loadTimezone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	cl := &CentralLogger{
		defaultLevel: parseSlogLevel(LogLevel(cfg.DefaultLevel)),
		moduleLevels: make(map[string]slog.Level, len(cfg.ModuleLevels)),
	}
	for module, level := range cfg.ModuleLevels {
		cl.moduleLevels[module] = parseSlogLevel(LogLevel(level))
	}

	var handlers []slog.Handler
	if cfg.Console.Enabled {
		handlers = append(handlers, newTextHandler(consoleWriter, parseSlogLevel(LogLevel(cfg.Console.Level)), tz))
	}
	if cfg.FileOutput.Enabled {
		fileHandler, err := cl.openFile(cfg.FileOutput)
		if err != nil {
			return nil, fmt.Errorf("failed to create file handler: %w", err)
		}
		handlers = append(handlers, fileHandler)
	}
	if len(handlers) == 0 {
		handlers = append(handlers, newTextHandler(consoleWriter, cl.defaultLevel, tz))
	}
	cl.handler = newFanoutHandler(handlers...)

	return cl, nil
}

func loadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", name, err)
	}
	return tz, nil
}

// openFile creates the JSON file handler and keeps its writer for Flush
// and Close
func (cl *CentralLogger) openFile(out *FileOutput) (slog.Handler, error) {
	if dir := filepath.Dir(out.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	writer, err := NewBufferedFileWriter(out.Path, DefaultFlushInterval)
	if err != nil {
		return nil, err
	}
	cl.file = writer
	return slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level:       parseSlogLevel(LogLevel(out.Level)),
		ReplaceAttr: replaceLevelNames,
	}), nil
}

// Module returns a logger tagged with name. A level configured for name
// overrides the default level.
func (cl *CentralLogger) Module(name string) Logger {
	if cl == nil {
		return nil
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()

	level, ok := cl.moduleLevels[name]
	if !ok {
		level = cl.defaultLevel
	}
	return &moduleLogger{
		module: name,
		logger: slog.New(cl.handler),
		level:  level,
	}
}

// Flush pushes buffered file output to the OS
func (cl *CentralLogger) Flush() error {
	if cl == nil {
		return nil
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()

	if cl.file == nil {
		return nil
	}
	return cl.file.Flush()
}

// Close flushes and closes the file output. Later calls do nothing.
func (cl *CentralLogger) Close() error {
	if cl == nil {
		return nil
	}

	cl.mu.Lock()
	file := cl.file
	cl.file = nil
	cl.mu.Unlock()

	if file == nil {
		return nil
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}
