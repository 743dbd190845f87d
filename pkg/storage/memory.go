package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryAdapter is a thread-safe in-process implementation of Adapter.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Benchmarks (the 50k-node eviction workload runs against it)
//   - Development and prototyping
//
// There is no durability: all records live in RAM and vanish when the
// process exits. The adapter is safe for concurrent use within one process
// but is NOT safe for multi-process sharing.
//
// Performance Characteristics:
//   - Get/Set/Delete by key: O(1)
//   - AllRecords: O(n), snapshot taken under the read lock so the callback
//     runs without holding it
type MemoryAdapter struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

// NewMemoryAdapter creates an empty in-process adapter ready for use.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		records: make(map[string]*Record),
	}
}

// SetRecord upserts a record. The record is deep-copied so later caller
// mutations cannot corrupt the stored copy.
func (m *MemoryAdapter) SetRecord(ctx context.Context, key string, ts time.Time, rec *Record) error {
	if rec == nil || key == "" {
		return ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := copyRecord(rec)
	stored.Timestamp = ts

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrAdapterClosed
	}

	m.records[key] = stored
	return nil
}

// GetRecord returns a copy of the record stored under key.
func (m *MemoryAdapter) GetRecord(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrAdapterClosed
	}

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// DeleteRecord removes a record. Missing keys are not an error.
func (m *MemoryAdapter) DeleteRecord(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrAdapterClosed
	}

	delete(m.records, key)
	return nil
}

// AllRecords iterates every record, tenant-filtered client-side. The
// snapshot is taken under the read lock; fn runs without it so a slow
// callback never blocks writers.
func (m *MemoryAdapter) AllRecords(ctx context.Context, tenantID string, fn func(*Record) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrAdapterClosed
	}
	snapshot := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if tenantID != "" && rec.Sigil.TenantID != tenantID {
			continue
		}
		snapshot = append(snapshot, copyRecord(rec))
	}
	m.mu.RUnlock()

	for _, rec := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(rec); err != nil {
			if errors.Is(err, ErrIterationStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

// GetLinks returns node-to-spiral references for every stored record.
func (m *MemoryAdapter) GetLinks(ctx context.Context) ([]Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrAdapterClosed
	}

	links := make([]Link, 0, len(m.records))
	for _, rec := range m.records {
		links = append(links, Link{From: rec.ID, To: rec.SpiralID})
	}
	return links, nil
}

// Ping always succeeds while the adapter is open.
func (m *MemoryAdapter) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrAdapterClosed
	}
	return nil
}

// Close releases the record map. Idempotent.
func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.records = nil
	return nil
}

// Len returns the current record count. Test helper.
func (m *MemoryAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// copyRecord deep-copies a record so stored and returned values never alias
// caller memory.
func copyRecord(rec *Record) *Record {
	c := *rec

	if rec.Sigil.ResonancePattern != nil {
		c.Sigil.ResonancePattern = make([]float64, len(rec.Sigil.ResonancePattern))
		copy(c.Sigil.ResonancePattern, rec.Sigil.ResonancePattern)
	}

	if rec.EncryptedContent != nil {
		env := *rec.EncryptedContent
		env.Ciphertext = append([]byte(nil), rec.EncryptedContent.Ciphertext...)
		env.IV = append([]byte(nil), rec.EncryptedContent.IV...)
		env.Tag = append([]byte(nil), rec.EncryptedContent.Tag...)
		env.EncryptedDataKey = append([]byte(nil), rec.EncryptedContent.EncryptedDataKey...)
		env.KeyIV = append([]byte(nil), rec.EncryptedContent.KeyIV...)
		env.KeyTag = append([]byte(nil), rec.EncryptedContent.KeyTag...)
		c.EncryptedContent = &env
	}

	return &c
}
