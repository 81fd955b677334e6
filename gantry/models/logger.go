package models

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type LogKind string

const (
	LogKindData    LogKind = "data"
	LogKindControl LogKind = "control"
)

type ControlEvent string

const (
	ControlAttempt ControlEvent = "attempt"
	ControlRetry   ControlEvent = "retry"
	ControlEnd     ControlEvent = "end"
)

type LogLine struct {
	Kind    LogKind      `json:"kind"`
	Time    time.Time    `json:"time"`
	Content string       `json:"content"`
	Stream  string       `json:"stream,omitempty"`
	Event   ControlEvent `json:"event,omitempty"`
	Attempt int          `json:"attempt,omitempty"`
}

// StageLogger appends JSON lines to <baseDir>/<run>/<stage>.log. The file is
// opened in append mode so a resumed or retried stage never truncates what an
// earlier attempt wrote. Every line passes through the redactor first.
type StageLogger struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	redactor *strings.Replacer
	path     string
}

func NewStageLogger(baseDir string, key StageKey, secrets []string) (*StageLogger, error) {
	path := LogFilePath(baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &StageLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		redactor: NewRedactor(secrets),
		path:     path,
	}, nil
}

func LogFilePath(baseDir string, key StageKey) string {
	return filepath.Join(baseDir, fmt.Sprint(key.RunId), normalize(key.Stage)+".log")
}

// NewRedactor replaces every non-empty secret value with ***. Longer values
// are replaced first so a secret that contains another is fully hidden.
func NewRedactor(secrets []string) *strings.Replacer {
	vals := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			vals = append(vals, s)
		}
	}
	// insertion sort by length, descending; secret lists are tiny
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && len(vals[j]) > len(vals[j-1]); j-- {
			vals[j], vals[j-1] = vals[j-1], vals[j]
		}
	}
	pairs := make([]string, 0, 2*len(vals))
	for _, v := range vals {
		pairs = append(pairs, v, "***")
	}
	return strings.NewReplacer(pairs...)
}

// Redact applies the logger's secret redaction to s.
func (l *StageLogger) Redact(s string) string {
	return l.redactor.Replace(s)
}

func (l *StageLogger) Path() string {
	return l.path
}

func (l *StageLogger) Close() error {
	return l.file.Close()
}

func (l *StageLogger) write(entry LogLine) error {
	entry.Content = l.redactor.Replace(entry.Content)
	entry.Time = time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(entry)
}

// DataWriter returns a writer for one output stream. Writes are split into
// lines; a trailing partial line is flushed on the next newline or by Flush.
func (l *StageLogger) DataWriter(stream string) *DataWriter {
	return &DataWriter{logger: l, stream: stream}
}

func (l *StageLogger) Control(event ControlEvent, attempt int, content string) error {
	return l.write(LogLine{
		Kind:    LogKindControl,
		Event:   event,
		Attempt: attempt,
		Content: content,
	})
}

type DataWriter struct {
	logger *StageLogger
	stream string
	buf    []byte
}

func (w *DataWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if err := w.emit(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *DataWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	line := string(w.buf)
	w.buf = nil
	return w.emit(line)
}

func (w *DataWriter) emit(line string) error {
	return w.logger.write(LogLine{
		Kind:    LogKindData,
		Stream:  w.stream,
		Content: line,
	})
}

// ReadLog decodes a stage log. Used by the status API and tests.
func ReadLog(r io.Reader) ([]LogLine, error) {
	var lines []LogLine
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var l LogLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			return nil, fmt.Errorf("decoding log line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, sc.Err()
}
