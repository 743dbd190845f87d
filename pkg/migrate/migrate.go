// Package migrate moves serialized records into a storage backend with
// checksum tagging, dry-run support and rollback-friendly backups.
//
// A migration run never aborts on a single record's failure: malformed
// records are accumulated into the report and surfaced at the end, so
// partial success ("migrated 950/1000") is always visible, never hidden
// behind an overall verdict. Migration is a batch operation expected to run
// to completion; a partial run must be re-verified before being trusted.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/orneryd/spiralmem/pkg/storage"
)

// Errors
var (
	// ErrValidation marks a malformed source record. Accumulated per file,
	// never aborts the batch.
	ErrValidation = errors.New("migrate: record validation failed")

	// ErrIntegrityMismatch marks a post-migration count mismatch. Operator
	// intervention required; never auto-corrected.
	ErrIntegrityMismatch = errors.New("migrate: integrity mismatch")
)

// Options controls a migration run.
type Options struct {
	// DryRun validates and reports without touching the target backend.
	DryRun bool

	// BackupDir, when non-empty, receives a copy of every source file
	// before its record is written. Enables manual rollback.
	BackupDir string

	// RetryAttempts bounds per-record retries of transient backend
	// failures before the run aborts. Zero means 3.
	RetryAttempts int

	// RetryBackoff is the base delay between retries (linear growth).
	// Zero means 100ms.
	RetryBackoff time.Duration
}

// Failure records why one source file was not migrated.
type Failure struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// Report summarizes a migration run.
type Report struct {
	Migrated int       `json:"migrated"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Failures []Failure `json:"failures,omitempty"`
	DryRun   bool      `json:"dryRun"`
}

// Migrate reads every .json record file under sourceDir, validates it,
// computes a content checksum, and writes it into target tagged with the
// checksum and migration timestamp. Non-record files are counted as skipped.
//
// The returned error covers run-level problems only (unreadable source
// directory, backend write failures). Per-record validation failures land in
// the report; callers treat a non-zero Failed count as a hard exit signal.
func Migrate(ctx context.Context, sourceDir string, target storage.Adapter, opts Options) (*Report, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("migrate: reading source directory: %w", err)
	}

	if opts.BackupDir != "" && !opts.DryRun {
		if err := os.MkdirAll(opts.BackupDir, 0o750); err != nil {
			return nil, fmt.Errorf("migrate: creating backup directory: %w", err)
		}
	}

	// Deterministic processing order keeps reports reproducible.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	report := &Report{DryRun: opts.DryRun}
	now := time.Now().UTC()

	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if !strings.HasSuffix(name, ".json") {
			report.Skipped++
			continue
		}

		path := filepath.Join(sourceDir, name)
		rec, err := readRecord(path)
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, Failure{File: name, Reason: err.Error()})
			continue
		}

		if opts.DryRun {
			report.Migrated++
			continue
		}

		if opts.BackupDir != "" {
			if err := copyFile(path, filepath.Join(opts.BackupDir, name)); err != nil {
				return report, fmt.Errorf("migrate: backing up %s: %w", name, err)
			}
		}

		rec.Checksum = contentChecksum(rec)
		rec.MigratedAt = now

		// A single transient backend hiccup must not abort the batch; only
		// exhausted retries are run-fatal.
		if err := storage.WithRetry(ctx, attempts, backoff, func() error {
			return target.SetRecord(ctx, rec.ID, rec.Timestamp, rec)
		}); err != nil {
			return report, fmt.Errorf("migrate: writing %s: %w", name, err)
		}
		report.Migrated++
	}

	return report, nil
}

// readRecord loads and validates one serialized record.
func readRecord(path string) (*storage.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrValidation, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &rec, nil
}

// contentChecksum hashes the record's persisted payload: the clear content,
// or the ciphertext when the record is encrypted.
func contentChecksum(rec *storage.Record) string {
	h := sha256.New()
	if rec.Encrypted && rec.EncryptedContent != nil {
		h.Write(rec.EncryptedContent.Ciphertext)
	} else {
		h.Write([]byte(rec.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify re-reads the target backend and confirms the total record count
// matches the migrated count. A mismatch is ErrIntegrityMismatch, surfaced
// to the operator rather than auto-corrected.
func Verify(ctx context.Context, target storage.Adapter, expected int64) error {
	count, err := storage.CountRecords(ctx, target, "")
	if err != nil {
		return fmt.Errorf("migrate: counting target records: %w", err)
	}
	if count != expected {
		return fmt.Errorf("%w: target holds %d records, expected %d", ErrIntegrityMismatch, count, expected)
	}
	return nil
}

// copyFile duplicates a source file for rollback.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o640)
}
