package testhelpers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"
)

// LogBuf is a synchronized io.Writer for capturing zerolog output in tests,
// safe to share with loggers used from background goroutines.
//
//	buf := testhelpers.NewLogBuf()
//	ctx := zerolog.New(buf).WithContext(context.Background())
//	<do test things that log through ctx>
//	for _, l := range buf.Messages(t, "packet") { ... }
type LogBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogBuf returns an empty log buffer.
func NewLogBuf() *LogBuf { return &LogBuf{} }

// Write satisfies io.Writer.
func (l *LogBuf) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

// String returns everything logged so far.
func (l *LogBuf) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// Reset discards everything logged so far.
func (l *LogBuf) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Reset()
}

// Lines decodes each logged JSON line.  A line that is not JSON fails the
// test.
func (l *LogBuf) Lines(t *testing.T) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewBufferString(l.String()))
	for sc.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("log line %q is not json: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	return lines
}

// Messages returns the decoded lines whose message field is msg.
func (l *LogBuf) Messages(t *testing.T, msg string) []map[string]interface{} {
	t.Helper()
	var found []map[string]interface{}
	for _, m := range l.Lines(t) {
		if m["message"] == msg {
			found = append(found, m)
		}
	}
	return found
}
