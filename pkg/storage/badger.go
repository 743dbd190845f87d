package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes keep keys compact and the keyspace ordered by kind.
const (
	prefixRecord = byte(0x01) // 0x01 + recordID            -> JSON(Record)
	prefixTenant = byte(0x02) // 0x02 + tenant + 0x00 + id  -> empty (tenant index)
)

// BadgerAdapter persists records in an embedded ordered log-structured store
// (BadgerDB). Single-process durability: the adapter assumes one logical
// owner process per data directory.
//
// Features:
//   - Durable writes with crash recovery
//   - Tenant secondary index, so AllRecords with a tenant filter reads only
//     that tenant's keys instead of scanning the whole store
//   - Thread-safe concurrent access
//
// Key Structure:
//   - Records: 0x01 + recordID -> JSON(Record)
//   - Tenant Index: 0x02 + tenantID + 0x00 + recordID -> empty
//
// Example:
//
//	adapter, err := storage.NewBadgerAdapter(storage.BadgerOptions{DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer adapter.Close()
type BadgerAdapter struct {
	db     *badger.DB
	mu     sync.Mutex // guards closed
	closed bool
}

// BadgerOptions configures the embedded store.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB without persistence. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool
}

// NewBadgerAdapter opens (or creates) an embedded store in opts.DataDir.
//
// Memory-constrained defaults are always applied so the adapter behaves in
// containerized environments without tuning.
func NewBadgerAdapter(opts BadgerOptions) (*BadgerAdapter, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	badgerOpts = badgerOpts.
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening badger at %s: %v", ErrAdapterUnavailable, opts.DataDir, err)
	}

	return &BadgerAdapter{db: db}, nil
}

// SetRecord upserts a record and maintains the tenant index in the same
// transaction.
func (b *BadgerAdapter) SetRecord(ctx context.Context, key string, ts time.Time, rec *Record) error {
	if rec == nil || key == "" {
		return ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrAdapterClosed
	}

	stored := copyRecord(rec)
	stored.Timestamp = ts

	value, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("%w: marshaling record %s: %v", ErrInvalidRecord, key, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		// Drop a stale tenant index entry if the record moved tenants.
		if item, err := txn.Get(recordKey(key)); err == nil {
			var prev Record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err == nil {
				if prev.Sigil.TenantID != stored.Sigil.TenantID {
					if err := txn.Delete(tenantKey(prev.Sigil.TenantID, key)); err != nil {
						return err
					}
				}
			}
		}

		if err := txn.Set(recordKey(key), value); err != nil {
			return err
		}
		return txn.Set(tenantKey(stored.Sigil.TenantID, key), nil)
	})
	if err != nil {
		return fmt.Errorf("%w: writing record %s: %v", ErrAdapterUnavailable, key, err)
	}
	return nil
}

// GetRecord returns the record stored under key.
func (b *BadgerAdapter) GetRecord(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrAdapterClosed
	}

	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: reading record %s: %v", ErrAdapterUnavailable, key, err)
	}
	return &rec, nil
}

// DeleteRecord removes a record and its tenant index entry.
func (b *BadgerAdapter) DeleteRecord(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrAdapterClosed
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // missing is not an error
		}
		if err != nil {
			return err
		}

		var rec Record
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err == nil {
			if err := txn.Delete(tenantKey(rec.Sigil.TenantID, key)); err != nil {
				return err
			}
		}
		return txn.Delete(recordKey(key))
	})
	if err != nil {
		return fmt.Errorf("%w: deleting record %s: %v", ErrAdapterUnavailable, key, err)
	}
	return nil
}

// AllRecords streams records through fn. With a tenant filter the iteration
// walks the tenant index prefix (server-side filtering); otherwise it walks
// the full record prefix.
func (b *BadgerAdapter) AllRecords(ctx context.Context, tenantID string, fn func(*Record) error) error {
	if b.isClosed() {
		return ErrAdapterClosed
	}

	if tenantID != "" {
		return b.iterateTenant(ctx, tenantID, fn)
	}

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{prefixRecord}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrIterationStopped) {
		return nil
	}
	return err
}

// iterateTenant walks the tenant index and fetches each referenced record.
func (b *BadgerAdapter) iterateTenant(ctx context.Context, tenantID string, fn func(*Record) error) error {
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // index values are empty
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := tenantPrefix(tenantID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			recordID := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get(recordKey(recordID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue // dangling index entry
			}
			if err != nil {
				return err
			}

			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrIterationStopped) {
		return nil
	}
	return err
}

// GetLinks returns node-to-spiral references for every stored record.
func (b *BadgerAdapter) GetLinks(ctx context.Context) ([]Link, error) {
	var links []Link
	err := b.AllRecords(ctx, "", func(rec *Record) error {
		links = append(links, Link{From: rec.ID, To: rec.SpiralID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return links, nil
}

// Ping verifies the store is open and readable.
func (b *BadgerAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrAdapterClosed
	}

	err := b.db.View(func(txn *badger.Txn) error { return nil })
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	return nil
}

// Close closes the underlying store. Idempotent.
func (b *BadgerAdapter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *BadgerAdapter) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func recordKey(id string) []byte {
	key := make([]byte, 0, 1+len(id))
	key = append(key, prefixRecord)
	return append(key, id...)
}

func tenantPrefix(tenantID string) []byte {
	key := make([]byte, 0, 2+len(tenantID))
	key = append(key, prefixTenant)
	key = append(key, tenantID...)
	return append(key, 0x00)
}

func tenantKey(tenantID, id string) []byte {
	return append(tenantPrefix(tenantID), id...)
}
