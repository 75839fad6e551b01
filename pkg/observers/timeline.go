package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/metrics"
)

// TimelineSuffix names per-session timeline artifacts.
const TimelineSuffix = ".timeline.jsonl"

// TimelineObserver writes a per-session JSONL trace of every sample.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

func (o *TimelineObserver) Record(s metrics.Sample) {
	id := s.Tags["session_id"]
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	line, err := json.Marshal(timelineEvent{
		Time:  s.Time.UTC(),
		Stage: s.Stage,
		Kind:  string(s.Kind),
		Name:  s.Name,
		Value: s.Value,
		Tags:  copyTags(s.Tags),
	})
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.fileForLocked(id); f != nil {
		_, _ = f.Write(append(line, '\n'))
	}
}

// CloseSession closes the file of one finished session.
func (o *TimelineObserver) CloseSession(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	safe := sanitizeID(sessionID)
	f := o.files[safe]
	if f == nil {
		return nil
	}
	delete(o.files, safe)
	return f.Close()
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

type timelineEvent struct {
	Time  time.Time         `json:"time"`
	Stage string            `json:"stage"`
	Kind  string            `json:"kind"`
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func (o *TimelineObserver) fileForLocked(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+TimelineSuffix), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
