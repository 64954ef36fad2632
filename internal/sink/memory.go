package sink

import (
	"context"
	"sync"
)

// Memory keeps records in memory, for tests
type Memory struct {
	mu      sync.Mutex
	records []Record
	batches int
	// Fail, when set, is consulted before storing; a non-nil error is returned
	Fail func(Record) error
}

// NewMemory creates an empty Memory sink
func NewMemory() *Memory {
	return &Memory{}
}

// Write stores r
func (m *Memory) Write(ctx context.Context, r Record) error {
	return m.WriteBatch(ctx, []Record{r})
}

// WriteBatch stores all records, or none when Fail rejects one of them
func (m *Memory) WriteBatch(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		for _, r := range records {
			if err := m.Fail(r); err != nil {
				return err
			}
		}
	}
	m.records = append(m.records, records...)
	m.batches++
	return nil
}

// Batches returns how many successful Write and WriteBatch calls were made
func (m *Memory) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Records returns a copy of the stored records
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// ByCategory returns the stored records of category c
func (m *Memory) ByCategory(c Category) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Category == c {
			out = append(out, r)
		}
	}
	return out
}

// Close is a no-op
func (m *Memory) Close() error { return nil }
