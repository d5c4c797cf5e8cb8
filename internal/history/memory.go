package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the most recent entries in process. It backs the history
// endpoints when no Postgres history database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
	now      func() time.Time
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = MaxListLimit
	}
	return &MemoryStore{capacity: capacity, now: time.Now}
}

func (s *MemoryStore) Record(_ context.Context, in RecordInput) (Entry, error) {
	if !in.Status.Valid() {
		return Entry{}, fmt.Errorf("record history: invalid status %q", in.Status)
	}
	entry := NewEntry(uuid.NewString(), in, s.now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if overflow := len(s.entries) - s.capacity; overflow > 0 {
		s.entries = append([]Entry(nil), s.entries[overflow:]...)
	}
	return entry, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.entries {
		if entry.ID == id {
			return entry, nil
		}
	}
	return Entry{}, ErrNotFound
}

// List returns newest entries first.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Entry, error) {
	limit := NormalizeLimit(filter.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Status != "" && s.entries[i].Status != filter.Status {
			continue
		}
		out = append(out, s.entries[i])
	}
	return out, nil
}

// NewEntry builds the stored form of in.
func NewEntry(id string, in RecordInput, createdAt time.Time) Entry {
	return Entry{
		ID:           id,
		Subject:      in.Subject,
		Question:     in.Question,
		GeneratedSQL: in.GeneratedSQL,
		ExecutedSQL:  in.ExecutedSQL,
		Status:       in.Status,
		Reason:       in.Reason,
		RowCount:     in.RowCount,
		Model:        in.Model,
		DatabaseID:   in.DatabaseID,
		ExportKey:    in.ExportKey,
		DurationMs:   in.Duration.Milliseconds(),
		CreatedAt:    createdAt,
	}
}
