package audit

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const fileName = "relay.jsonl"

var (
	errWriterClosed = errors.New("audit: writer is closed")
	errBufferFull   = errors.New("audit: buffer full")
)

// JSONLWriter appends records as JSON lines to <baseDir>/<date>/relay.jsonl,
// opening a new file when the UTC date changes.
type JSONLWriter struct {
	baseDir     string
	maxSizeMB   int
	writeCh     chan any
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	now         func() time.Time
	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewJSONLWriter starts an async writer with the given queue depth.
func NewJSONLWriter(baseDir string, bufferSize, maxSizeMB int) *JSONLWriter {
	w := &JSONLWriter{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues a record without blocking.
func (w *JSONLWriter) Write(record any) error {
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case w.writeCh <- record:
		return nil
	default:
		slog.Warn("audit buffer full, dropping record")
		return errBufferFull
	}
}

// Close flushes queued records and closes the current file.
func (w *JSONLWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger == nil {
		return nil
	}
	err := w.logger.Close()
	w.logger = nil
	return err
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			for {
				select {
				case record := <-w.writeCh:
					w.writeRecord(record)
				default:
					return
				}
			}
		}
	}
}

func (w *JSONLWriter) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("audit: marshal record", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if date := w.now().UTC().Format(time.DateOnly); date != w.currentDate || w.logger == nil {
		if err := w.openForDate(date); err != nil {
			slog.Error("audit: open file", "error", err, "date", date)
			return
		}
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("audit: write record", "error", err)
	}
}

func (w *JSONLWriter) openForDate(date string) error {
	if w.logger != nil {
		_ = w.logger.Close()
		w.logger = nil
	}
	dir := filepath.Join(w.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	filename := filepath.Join(dir, fileName)
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 20,
		MaxAge:     30,
	}
	w.currentDate = date
	slog.Info("audit file opened", "file", filename)
	return nil
}
