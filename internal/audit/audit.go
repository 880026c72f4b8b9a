package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"solarshare/internal/txn"
)

// Audited actions.
const (
	ActionAllocationReplace = "allocation.replace"
	ActionInvoiceTransition = "invoice.transition"
	ActionUploadAccepted    = "upload.accepted"
	ActionRunSubmitted      = "run.submitted"
)

// Entry represents an audit log entry.
type Entry struct {
	ID            string
	TenantID      string
	Actor         string
	Role          string
	Action        string
	ResourceType  string
	ResourceID    string
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// Filter selects entries of a resource. Empty fields match everything.
type Filter struct {
	ResourceType string
	ResourceID   string
	Limit        int
}

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultListLimit
	}
	return f.Limit
}

// Reader lists audit entries, newest first.
type Reader interface {
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// Trail both writes and reads entries.
type Trail interface {
	Logger
	Reader
}

// NewID generates a random audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Metadata marshals v for Entry.Metadata, dropping values that cannot be encoded.
func Metadata(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func normalize(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	return entry
}

// MemoryLogger keeps entries in memory for demo/testing.
type MemoryLogger struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryLogger constructs a logger.
func NewMemoryLogger() *MemoryLogger { return &MemoryLogger{} }

// Log appends an entry. It is dropped again if the surrounding unit rolls back.
func (l *MemoryLogger) Log(ctx context.Context, entry Entry) error {
	entry = normalize(entry)
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	txn.OnRollback(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i := len(l.entries) - 1; i >= 0; i-- {
			if l.entries[i].ID == entry.ID {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

// List returns matching entries, newest first.
func (l *MemoryLogger) List(_ context.Context, filter Filter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}
