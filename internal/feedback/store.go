// Package feedback keeps a local journal of the coaching feedback a session
// received. Records are stored as append-only JSON lines in a local file,
// one line per behaviour update or post-call report.
package feedback

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/rolecoach/internal/coach"
)

// Record kinds.
const (
	KindBehavior = "behavior_update"
	KindInsights = "post_call_insights"
)

// Record is a single journal entry.
type Record struct {
	Timestamp time.Time     `json:"timestamp"`
	SessionID string        `json:"session_id"`
	Persona   string        `json:"persona,omitempty"`
	Kind      string        `json:"kind"`
	Scores    *coach.Scores `json:"scores,omitempty"`
	Hint      string        `json:"hint,omitempty"`
	Markdown  string        `json:"markdown,omitempty"`
}

// FileStore persists records as JSON lines in a local file.
// Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileStore creates a FileStore that writes to the given path.
// The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the journal file.
func (fs *FileStore) Path() string { return fs.path }

// SaveBehavior appends a behaviour update for sessionID.
func (fs *FileStore) SaveBehavior(sessionID, persona string, u coach.BehaviorUpdate) error {
	scores := u.Scores
	return fs.save(Record{
		SessionID: sessionID,
		Persona:   persona,
		Kind:      KindBehavior,
		Scores:    &scores,
		Hint:      u.Hint,
	})
}

// SaveInsights appends the post-call report for sessionID.
func (fs *FileStore) SaveInsights(sessionID, persona string, pi coach.PostCallInsights) error {
	return fs.save(Record{
		SessionID: sessionID,
		Persona:   persona,
		Kind:      KindInsights,
		Markdown:  pi.Markdown,
	})
}

func (fs *FileStore) save(record Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	record.Timestamp = fs.now().UTC()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("feedback: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("feedback: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("feedback: write: %w", err)
	}
	return nil
}

// Load reads every record for sessionID, oldest first. An empty sessionID
// returns all records. A missing file yields no records.
func (fs *FileStore) Load(sessionID string) ([]Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feedback: open file: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("feedback: line %d: %w", line, err)
		}
		if sessionID == "" || r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("feedback: read: %w", err)
	}
	return out, nil
}
