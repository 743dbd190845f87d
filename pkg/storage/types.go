// Package storage provides the storage adapter contract and backend
// implementations for the Spiral Memory Store.
//
// One Adapter interface is implemented by every backend variant; the concrete
// implementation is selected at construction time through Open() and never
// switched at runtime. All variants persist the same backend-agnostic record
// shape and preserve read-your-writes consistency for a single client
// connection. Cross-client consistency is eventual for the clustered variant;
// callers that need stronger guarantees must use a single-node backend.
//
// Implementations:
//   - MemoryAdapter: in-process map, no durability (tests, benchmarks)
//   - BadgerAdapter: embedded ordered log-structured store, single-process
//   - RedisAdapter: single-node cache server, shared durability
//   - RedisClusterAdapter: sharded cache server, partial-failure aware
//
// Example Usage:
//
//	adapter, err := storage.Open(storage.Options{Kind: storage.KindBadger, DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer adapter.Close()
//
//	rec := &storage.Record{ID: "node-1", SpiralID: "spiral-1", Content: "hello"}
//	if err := adapter.SetRecord(ctx, rec.ID, time.Now(), rec); err != nil {
//		log.Fatal(err)
//	}
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/spiralmem/pkg/encryption"
	"github.com/orneryd/spiralmem/pkg/sigil"
)

// Common errors
var (
	ErrNotFound           = errors.New("storage: record not found")
	ErrAdapterUnavailable = errors.New("storage: adapter unavailable")
	ErrAdapterClosed      = errors.New("storage: adapter closed")
	ErrInvalidRecord      = errors.New("storage: invalid record")
	ErrIterationStopped   = errors.New("storage: iteration stopped") // Sentinel to stop streaming early
)

// Record is the persisted logical schema shared by every backend.
//
// Exactly one of Content and EncryptedContent is populated; Encrypted tags
// which, so migration tooling and health checks can detect mixed-mode stores.
// Checksum and MigratedAt are set only by the migration tool.
type Record struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	Content     string      `json:"content,omitempty"`
	Encrypted   bool        `json:"encrypted"`
	Sigil       sigil.Sigil `json:"sigil"`
	SpiralID    string      `json:"spiralId"`
	Depth       int         `json:"depth"`
	AccessCount int64       `json:"accessCount"`
	CreatedAt   time.Time   `json:"createdAt"`

	// EncryptedContent holds the sealed payload when Encrypted is true.
	EncryptedContent *encryption.Envelope `json:"encryptedContent,omitempty"`

	// Migration metadata (set by pkg/migrate, absent otherwise).
	Checksum   string    `json:"checksum,omitempty"`
	MigratedAt time.Time `json:"migratedAt,omitzero"`
}

// Validate checks the structural invariants every persisted record must hold.
func (r *Record) Validate() error {
	if r == nil {
		return ErrInvalidRecord
	}
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if r.SpiralID == "" {
		return fmt.Errorf("%w: missing spiralId", ErrInvalidRecord)
	}
	if r.Sigil.Signature == "" {
		return fmt.Errorf("%w: missing sigil signature", ErrInvalidRecord)
	}
	if !r.Encrypted && r.Content == "" && r.EncryptedContent == nil {
		return fmt.Errorf("%w: missing content", ErrInvalidRecord)
	}
	if r.Encrypted && r.EncryptedContent == nil {
		return fmt.Errorf("%w: encrypted record without envelope", ErrInvalidRecord)
	}
	return nil
}

// Link is a cross-reference between a node record and its spiral, used for
// topology reconstruction.
type Link struct {
	From string `json:"from"` // node record ID
	To   string `json:"to"`   // spiral ID
}

// Adapter is the uniform contract implemented by every backend variant.
//
// All implementations MUST be:
//   - Thread-safe: safe for concurrent access from multiple goroutines
//   - Retry-safe: SetRecord is an upsert and may be retried after failure
//   - Read-your-writes consistent for a single client connection
type Adapter interface {
	// SetRecord upserts a record under key. Backend unavailability surfaces
	// as ErrAdapterUnavailable (retryable by the caller with backoff).
	SetRecord(ctx context.Context, key string, ts time.Time, rec *Record) error

	// GetRecord returns the record stored under key, or ErrNotFound.
	GetRecord(ctx context.Context, key string) (*Record, error)

	// DeleteRecord removes the record stored under key. Deleting a missing
	// key is not an error.
	DeleteRecord(ctx context.Context, key string) error

	// AllRecords iterates every stored record, invoking fn for each. The
	// iteration is lazy, finite, and restartable. When tenantID is non-empty,
	// only that tenant's records are visited, filtered server-side where the
	// backend supports it, client-side otherwise. Returning
	// ErrIterationStopped from fn ends the iteration without error.
	AllRecords(ctx context.Context, tenantID string, fn func(*Record) error) error

	// GetLinks returns node-to-spiral cross-references for topology
	// reconstruction.
	GetLinks(ctx context.Context) ([]Link, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources. Idempotent.
	Close() error
}

// CountRecords counts records through the streaming interface, optionally
// filtered by tenant.
func CountRecords(ctx context.Context, a Adapter, tenantID string) (int64, error) {
	var count int64
	err := a.AllRecords(ctx, tenantID, func(*Record) error {
		count++
		return nil
	})
	return count, err
}

// WithRetry invokes fn up to attempts times, retrying only on
// ErrAdapterUnavailable with linear backoff. Transient network failures on
// the cache-server backends are retried here; everything else propagates
// immediately.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrAdapterUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return err
}
