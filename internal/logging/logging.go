package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// L is the process wide logger. All packages log through it.
var L zerolog.Logger

var (
	mu          sync.Mutex
	console     io.Writer
	fileWriter  *lumberjack.Logger
	logToStdout = true
)

func init() {
	console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	L = zerolog.New(console).With().Timestamp().Caller().Logger()
}

func SetLogLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// SetConsoleOutput toggles the stderr writer. Only has an effect once a file
// output is configured, otherwise logs would go nowhere.
func SetConsoleOutput(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	logToStdout = enabled
	rebuild()
}

// SetLogOutput adds a rotating log file in dir next to the console writer.
func SetLogOutput(dir, file string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
	}
	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, file),
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	rebuild()
	return nil
}

// Close flushes and closes the log file if one is open.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	rebuild()
	return err
}

func rebuild() {
	var writers []io.Writer
	if logToStdout || fileWriter == nil {
		writers = append(writers, console)
	}
	if fileWriter != nil {
		writers = append(writers, fileWriter)
	}
	L = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Caller().Logger()
}
