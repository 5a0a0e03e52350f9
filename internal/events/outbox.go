package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

const outboxBatch = 200

// Record : un événement et les sinks qui ne l'ont pas encore reçu.
type Record struct {
	Event     Event
	Pending   []string
	CreatedAt time.Time
}

// Outbox garde chaque événement jusqu'à ce que tous ses sinks l'aient acquitté.
type Outbox interface {
	Insert(ctx context.Context, e Event, sinks []string) error
	// MarkSent retire sink de l'attente ; l'entrée disparaît quand plus rien n'attend.
	MarkSent(ctx context.Context, eventID, sink string) error
	FetchPending(ctx context.Context, limit int) ([]Record, error)
}

// MemoryOutbox : relecture après échec, sans survivre à un redémarrage.
type MemoryOutbox struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{records: make(map[string]*Record)}
}

func (m *MemoryOutbox) Insert(_ context.Context, e Event, sinks []string) error {
	if len(sinks) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[e.ID] = &Record{Event: e, Pending: append([]string(nil), sinks...), CreatedAt: time.Now()}
	return nil
}

func (m *MemoryOutbox) MarkSent(_ context.Context, eventID, sink string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[eventID]
	if !ok {
		return nil
	}
	kept := r.Pending[:0]
	for _, name := range r.Pending {
		if name != sink {
			kept = append(kept, name)
		}
	}
	r.Pending = kept
	if len(kept) == 0 {
		delete(m.records, eventID)
	}
	return nil
}

func (m *MemoryOutbox) FetchPending(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, Record{Event: r.Event, Pending: append([]string(nil), r.Pending...), CreatedAt: r.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
