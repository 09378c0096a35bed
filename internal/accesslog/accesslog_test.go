package accesslog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"forward-proxy/internal/model"
)

var lineRE = regexp.MustCompile(`^[A-Z][a-z]{2} [A-Z][a-z]{2} [ 0-9]\d \d{2}:\d{2}:\d{2} \d{4}: \S+ \S+ \d+$`)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return lines
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		rec  model.LogRecord
		want string
	}{
		{
			name: "single digit day is space padded",
			rec: model.LogRecord{
				Time:         time.Date(2024, time.March, 5, 9, 4, 7, 0, time.UTC),
				ClientIP:     "192.0.2.10",
				RawTarget:    "http://example.com/foo/bar.html",
				BytesRelayed: 25000,
			},
			want: "Tue Mar  5 09:04:07 2024: 192.0.2.10 http://example.com/foo/bar.html 25000\n",
		},
		{
			name: "two digit day",
			rec: model.LogRecord{
				Time:         time.Date(2023, time.December, 31, 23, 59, 59, 0, time.UTC),
				ClientIP:     "10.1.2.3",
				RawTarget:    "http://example.com:8080/",
				BytesRelayed: 0,
			},
			want: "Sun Dec 31 23:59:59 2023: 10.1.2.3 http://example.com:8080/ 0\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.rec); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpen_TruncatesByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, []byte("stale line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := l.Record(model.LogRecord{Time: time.Now(), ClientIP: "127.0.0.1", RawTarget: "http://a/", BytesRelayed: 1}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), lines)
	}
	if strings.Contains(lines[0], "stale") {
		t.Errorf("stale content survived truncation: %q", lines[0])
	}
}

func TestOpen_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, []byte("earlier line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()
	if err := l.Record(model.LogRecord{Time: time.Now(), ClientIP: "127.0.0.1", RawTarget: "http://a/", BytesRelayed: 1}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 || lines[0] != "earlier line" {
		t.Errorf("lines = %q, want earlier line kept plus one record", lines)
	}
}

func TestOpen_Failure(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "log.txt"), false)
	if !errors.Is(err, model.ErrStartupFailure) {
		t.Fatalf("Open() error = %v, want ErrStartupFailure", err)
	}
}

func TestRecord_DurableImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	l, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	rec := model.LogRecord{Time: time.Now(), ClientIP: "203.0.113.7", RawTarget: "http://example.com/", BytesRelayed: 512}
	if err := l.Record(rec); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	// Read through a separate handle without closing the log.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != Format(rec) {
		t.Errorf("file = %q, want %q", data, Format(rec))
	}
	if l.Count() != 1 {
		t.Errorf("Count() = %d, want 1", l.Count())
	}
}

func TestRecord_ConcurrentWritersDoNotInterleave(t *testing.T) {
	const writers = 50
	const perWriter = 20

	path := filepath.Join(t.TempDir(), "log.txt")
	l, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				rec := model.LogRecord{
					Time:         time.Now(),
					ClientIP:     fmt.Sprintf("10.0.%d.%d", i, j),
					RawTarget:    fmt.Sprintf("http://host-%d.example/%s", i, strings.Repeat("p", 200+j)),
					BytesRelayed: int64(i*1000 + j),
				}
				if err := l.Record(rec); err != nil {
					t.Errorf("Record() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != writers*perWriter {
		t.Fatalf("got %d lines, want %d", len(lines), writers*perWriter)
	}
	for i, line := range lines {
		if !lineRE.MatchString(line) {
			t.Fatalf("line %d malformed: %q", i, line)
		}
	}
	if l.Count() != writers*perWriter {
		t.Errorf("Count() = %d, want %d", l.Count(), writers*perWriter)
	}
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRecord_WriteFailure(t *testing.T) {
	l := New(errWriter{})

	err := l.Record(model.LogRecord{Time: time.Now(), ClientIP: "127.0.0.1", RawTarget: "http://a/"})
	if !errors.Is(err, model.ErrLogWrite) {
		t.Fatalf("Record() error = %v, want ErrLogWrite", err)
	}
	if l.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after failed write", l.Count())
	}
}

func TestRecord_AfterClose(t *testing.T) {
	var buf strings.Builder
	l := New(&buf)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	err := l.Record(model.LogRecord{Time: time.Now(), ClientIP: "127.0.0.1", RawTarget: "http://a/"})
	if !errors.Is(err, model.ErrLogWrite) {
		t.Fatalf("Record() error = %v, want ErrLogWrite", err)
	}
	if buf.Len() != 0 {
		t.Errorf("closed log wrote %q", buf.String())
	}
}
