package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

type ctxKey string

const (
	runIDKey ctxKey = "logging_run_id"

	bytesPerMB        int64 = 1024 * 1024
	defaultMaxSizeMB        = 50
	defaultMaxAgeDays       = 30
	logFilePerm             = 0o600
	logDirPerm              = 0o700

	// RunFileTimeFormat names per-run log files, e.g. backup_2024-01-02_03-04-05.log.
	RunFileTimeFormat = "2006-01-02_15-04-05"
)

// Config controls logger initialization.
type Config struct {
	Format     string // "json", "console", or "auto"
	Level      string // "debug", "info", "warn", "error"
	Component  string // optional component name
	FilePath   string // optional per-run log file
	MaxSizeMB  int    // stop writing the file past this size (MB)
	MaxAgeDays int    // prune run logs in the same directory older than this
	Compress   bool   // gzip earlier run logs
}

var (
	mu         sync.Mutex
	baseLogger zerolog.Logger
	fileCloser io.Closer

	defaultTimeFmt = time.RFC3339
)

var (
	nowFn        = time.Now
	isTerminalFn = term.IsTerminal
)

func init() {
	baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and returns the process logger. A previous
// file writer is closed once the new one is in place.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	previous := fileCloser
	fileCloser = nil

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	writer := selectWriter(cfg.Format)
	if fw, err := openRunFile(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging: unable to configure file output: %v\n", err)
	} else if fw != nil {
		// The file always gets JSON so it can be grepped and shipped.
		writer = io.MultiWriter(writer, fw)
		fileCloser = fw
	}

	builder := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		builder = builder.Str("component", component)
	}
	baseLogger = builder.Logger()
	log.Logger = baseLogger

	if previous != nil {
		if err := previous.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close previous log file writer: %v\n", err)
		}
	}
	return baseLogger
}

// Shutdown flushes and closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if fileCloser != nil {
		if err := fileCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close log file writer: %v\n", err)
		}
		fileCloser = nil
	}
}

// RunFilePath returns the per-run log file for action under dir, or "" when
// dir is empty.
func RunFilePath(dir, action string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", action, nowFn().UTC().Format(RunFileTimeFormat)))
}

// WithRunID stores (or generates) a run ID on the context.
func WithRunID(ctx context.Context, runID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = uuid.NewString()
	}
	return context.WithValue(ctx, runIDKey, runID), runID
}

// RunID returns the run ID stored on ctx.
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// Truncate shortens s to at most max bytes for debug logging of large
// payloads such as middleware replies and manifests.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes truncated)", s[:max], len(s)-max)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", level, "info")
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return newConsoleWriter(os.Stderr)
	case "json":
		return os.Stderr
	case "auto", "":
		if isTerminalFn(int(os.Stderr.Fd())) {
			return newConsoleWriter(os.Stderr)
		}
		return os.Stderr
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return os.Stderr
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
}

// runFile is the JSON log of one run. Past maxBytes it writes a single
// marker and drops the rest; the console still gets everything.
type runFile struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	capped   bool
}

func openRunFile(cfg Config) (*runFile, error) {
	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), logDirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	maxAge := cfg.MaxAgeDays
	if maxAge < 0 {
		maxAge = defaultMaxAgeDays
	}
	tidyRunLogs(filepath.Dir(path), time.Duration(maxAge)*24*time.Hour, cfg.Compress)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	w := &runFile{path: path, file: file, maxBytes: int64(maxSize) * bytesPerMB}
	if info, err := file.Stat(); err == nil {
		w.size = info.Size()
	}
	return w, nil
}

func (w *runFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil || w.capped {
		return len(p), nil
	}
	if w.size+int64(len(p)) > w.maxBytes {
		w.capped = true
		marker := fmt.Sprintf("{\"level\":\"warn\",\"time\":%q,\"message\":\"log file size limit reached; further entries go to the console only\"}\n",
			nowFn().Format(defaultTimeFmt))
		_, _ = w.file.WriteString(marker)
		return len(p), nil
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write log file %s: %w", w.path, err)
	}
	return n, nil
}

func (w *runFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// runLogTime parses the timestamp out of a run log name such as
// backup_2024-01-02_03-04-05.log or its .gz form.
func runLogTime(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, ".gz")
	base, ok := strings.CutSuffix(base, ".log")
	if !ok || len(base) <= len(RunFileTimeFormat) {
		return time.Time{}, false
	}
	stamp := base[len(base)-len(RunFileTimeFormat):]
	if base[len(base)-len(RunFileTimeFormat)-1] != '_' {
		return time.Time{}, false
	}
	t, err := time.Parse(RunFileTimeFormat, stamp)
	return t, err == nil
}

// tidyRunLogs removes run logs in dir older than maxAge and gzips the
// remaining plain ones when compress is set. Other files are left alone.
func tidyRunLogs(dir string, maxAge time.Duration, compress bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := nowFn().UTC().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		at, ok := runLogTime(name)
		if !ok {
			continue
		}
		path := filepath.Join(dir, name)
		if maxAge > 0 && at.Before(cutoff) {
			if err := os.Remove(path); err != nil {
				fmt.Fprintf(os.Stderr, "logging: remove old run log %s failed: %v\n", name, err)
			}
			continue
		}
		if compress && !strings.HasSuffix(name, ".gz") {
			gzipFile(path)
		}
	}
}

func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFilePerm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: open gzip output for %s failed: %v\n", path, err)
		return
	}
	gw := gzip.NewWriter(out)
	_, copyErr := io.Copy(gw, in)
	closeErr := gw.Close()
	if err := out.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if copyErr != nil || closeErr != nil {
		fmt.Fprintf(os.Stderr, "logging: compress run log %s failed: %v %v\n", path, copyErr, closeErr)
		_ = os.Remove(path + ".gz")
		return
	}
	_ = os.Remove(path)
}
