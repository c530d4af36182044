package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"loreline/internal/protocol"
)

const prefix = "journal"

// Entry is one delivered message.
type Entry struct {
	At      time.Time       `json:"at"`
	WorldID string          `json:"world_id"`
	Route   string          `json:"route"`
	Type    string          `json:"type"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Journal fans records out to one Writer per world under Dir/<world_id>.
type Journal struct {
	Dir    string
	Logger *log.Logger
	Now    func() time.Time

	mu      sync.Mutex
	writers map[string]*Writer
}

func New(dir string, logger *log.Logger) *Journal {
	return &Journal{Dir: dir, Logger: logger, writers: map[string]*Writer{}}
}

func (j *Journal) logf(format string, args ...any) {
	if j.Logger != nil {
		j.Logger.Printf("journal: "+format, args...)
		return
	}
	log.Printf("journal: "+format, args...)
}

func (j *Journal) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// Record implements session.Recorder. Failures are logged, never returned
// to the sender.
func (j *Journal) Record(worldID, route string, payload any) {
	e := Entry{At: j.now().UTC(), WorldID: worldID, Route: route}
	body := payload
	if env, ok := payload.(protocol.Envelope); ok {
		e.Type = env.Type
		body = env.Body
	}
	raw, err := json.Marshal(body)
	if err != nil {
		j.logf("encode %s for %s: %v", e.Type, worldID, err)
		return
	}
	e.Body = raw
	if err := j.writer(worldID).Write(e); err != nil {
		j.logf("write %s for %s: %v", e.Type, worldID, err)
	}
}

func (j *Journal) writer(worldID string) *Writer {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writers == nil {
		j.writers = map[string]*Writer{}
	}
	w, ok := j.writers[worldID]
	if !ok {
		w = NewWriter(WorldDir(j.Dir, worldID), prefix, j.now)
		j.writers[worldID] = w
	}
	return w
}

// Close flushes and closes every open file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var errs []error
	for id, w := range j.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	j.writers = map[string]*Writer{}
	return errors.Join(errs...)
}

// WorldDir is where a world's journal files live.
func WorldDir(dir, worldID string) string {
	return filepath.Join(dir, worldID)
}

// Files lists a world's journal files, oldest first.
func Files(dir, worldID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(WorldDir(dir, worldID), prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadFile decodes every entry of one journal file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	var out []Entry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return out, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return out, err
	}
	return out, nil
}

// Tail returns the last n entries of a world across its files.
func Tail(dir, worldID string, n int) ([]Entry, error) {
	files, err := Files(dir, worldID)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i := len(files) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		entries, err := ReadFile(files[i])
		if err != nil {
			return nil, err
		}
		out = append(entries, out...)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}
