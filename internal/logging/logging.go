// Package logging provides the bridge's log sink: a logrus formatter producing
//
//	[2006-01-02 15:04:05.000] [component] message key=value ...
//
// and a writer that appends to one file per calendar day. Standard output carries
// the envelope stream, so nothing here ever writes to it.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// ComponentKey is the logrus field holding the component tag.
	ComponentKey = "component"

	// TimestampFormat has millisecond precision.
	TimestampFormat = "2006-01-02 15:04:05.000"

	defaultComponent = "bluetooth"
	dayFormat        = "2006-01-02"
)

// Formatter renders one line per entry.
type Formatter struct {
	// DefaultComponent is used when an entry carries no component field.
	DefaultComponent string
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	component := f.DefaultComponent
	if component == "" {
		component = defaultComponent
	}
	if v, ok := e.Data[ComponentKey]; ok {
		component = fmt.Sprint(v)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s] [%s] ", e.Time.Format(TimestampFormat), component)
	if e.Level <= logrus.WarnLevel {
		fmt.Fprintf(&b, "%s: ", levelTag(e.Level))
	}
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != ComponentKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelTag(l logrus.Level) string {
	switch l {
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	default:
		return "FATAL"
	}
}

// DailyFile appends to <Dir>/<YYYY-MM-DD>.log, switching files when the local
// date changes.
type DailyFile struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewDailyFile creates dir if needed.
func NewDailyFile(dir string) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log dir %s: %w", dir, err)
	}
	return &DailyFile{dir: dir, now: time.Now}, nil
}

// Path returns the file name used for t.
func (d *DailyFile) Path(t time.Time) string {
	return filepath.Join(d.dir, t.Format(dayFormat)+".log")
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if day := now.Format(dayFormat); day != d.day || d.file == nil {
		if d.file != nil {
			_ = d.file.Close()
			d.file = nil
		}
		f, err := os.OpenFile(d.Path(now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, fmt.Errorf("logging: open log file: %w", err)
		}
		d.file = f
		d.day = day
	}
	return d.file.Write(p)
}

// Close closes the current file. Writing afterwards reopens it.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Options configures New.
type Options struct {
	Dir    string       // per-day files are written here; empty disables the file sink
	Level  logrus.Level
	Stderr bool         // also write to stderr
}

// New builds a logger writing to the configured sinks. The returned closer
// releases the log file.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetLevel(opts.Level)
	logger.SetFormatter(&Formatter{})

	var writers []io.Writer
	var closer io.Closer = nopCloser{}
	if opts.Dir != "" {
		df, err := NewDailyFile(opts.Dir)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, df)
		closer = df
	}
	if opts.Stderr || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	logger.SetOutput(io.MultiWriter(writers...))
	return logger, closer, nil
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return logger.WithField(ComponentKey, name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
