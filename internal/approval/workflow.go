// Package approval implements the human-gated request workflow: a durable
// pending-request document, an admission rule that collapses double taps, and
// consume-on-action approve/reject transitions.
package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "vpnonboard/internal/errors"
)

// DefaultDedupWindow is how long a pending request suppresses a repeated
// submission from the same identity for the same platform.
const DefaultDedupWindow = 900 * time.Second

// Request is one access request awaiting a human decision. Approving or
// rejecting deletes the record: a second action on the same id observes
// "not found", which is what makes double-invocation safe.
type Request struct {
	RequestID    string `json:"request_id"`
	Platform     string `json:"requested_platform"`
	Identity     string `json:"identity"`
	ReplyChannel string `json:"reply_channel"`
	DisplayName  string `json:"display_name"`
	CreatedAt    int64  `json:"created_at"`
}

// Workflow persists pending requests as one JSON document keyed by request
// id. Every mutation replaces the whole document atomically (write to a temp
// file, then rename).
type Workflow struct {
	path   string
	window time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// NewWorkflow creates a workflow over the given pending-requests file.
// window <= 0 selects DefaultDedupWindow.
func NewWorkflow(path string, window time.Duration) *Workflow {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Workflow{path: path, window: window, now: time.Now}
}

// Submit admits a new request. A pending request from the same identity for
// the same platform created within the dedup window rejects the submission
// with Conflict instead of creating a duplicate. Unknown platforms are
// rejected at admission.
func (w *Workflow) Submit(platform, identity, replyChannel, displayName string) (*Request, error) {
	platform = NormalizePlatform(platform)
	if platform == "" {
		return nil, fmt.Errorf("unknown platform (use: %s): %w", strings.Join(KnownPlatforms(), ", "), apperrors.ErrInvalidInput)
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("identity is required: %w", apperrors.ErrInvalidInput)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	store := w.load()
	nowTS := w.now().Unix()
	for _, old := range store {
		if old.Identity != identity || old.Platform != platform {
			continue
		}
		age := nowTS - old.CreatedAt
		if age >= 0 && age <= int64(w.window.Seconds()) {
			return nil, fmt.Errorf("request from %s for %s is already pending: %w", identity, platform, apperrors.ErrConflict)
		}
	}

	req := Request{
		RequestID:    newRequestID(),
		Platform:     platform,
		Identity:     identity,
		ReplyChannel: strings.TrimSpace(replyChannel),
		DisplayName:  strings.TrimSpace(displayName),
		CreatedAt:    nowTS,
	}
	store[req.RequestID] = req
	if err := w.save(store); err != nil {
		return nil, err
	}
	return &req, nil
}

// List returns the pending requests, oldest first.
func (w *Workflow) List() ([]Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	store := w.load()
	out := make([]Request, 0, len(store))
	for _, r := range store {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out, nil
}

// Get returns a pending request without consuming it.
func (w *Workflow) Get(id string) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	store := w.load()
	r, ok := store[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, apperrors.ErrNotFound)
	}
	return &r, nil
}

// Approve consumes the request and returns it. The record is deleted before
// the caller acts on it, so a duplicate approve tap cannot provision twice.
func (w *Workflow) Approve(id string) (*Request, error) {
	return w.consume(id)
}

// Reject consumes the request and returns it.
func (w *Workflow) Reject(id string) (*Request, error) {
	return w.consume(id)
}

func (w *Workflow) consume(id string) (*Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	store := w.load()
	r, ok := store[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, apperrors.ErrNotFound)
	}
	delete(store, id)
	if err := w.save(store); err != nil {
		return nil, err
	}
	return &r, nil
}

// load reads the whole document. A missing or unreadable file is an empty
// store: the document is exclusively ours and losing a pending request only
// means the user taps again.
func (w *Workflow) load() map[string]Request {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return map[string]Request{}
	}
	var store map[string]Request
	if err := json.Unmarshal(data, &store); err != nil || store == nil {
		return map[string]Request{}
	}
	return store
}

// save atomically replaces the document.
func (w *Workflow) save(store map[string]Request) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(w.path, data)
}

// atomicWrite writes data to a temp file in the target directory and renames
// it over path, so readers never observe a partial document.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// newRequestID returns a short opaque token, unique enough for a
// human-operated queue.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
