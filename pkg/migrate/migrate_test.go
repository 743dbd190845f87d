package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/spiralmem/pkg/sigil"
	"github.com/orneryd/spiralmem/pkg/storage"
)

// writeSourceDir creates valid and malformed record files for a migration
// run and returns the directory.
func writeSourceDir(t *testing.T, valid, malformed int) string {
	t.Helper()
	dir := t.TempDir()

	for i := 0; i < valid; i++ {
		content := fmt.Sprintf("memory payload %04d", i)
		s := sigil.Derive(content, "tenant-a")
		rec := storage.Record{
			ID:        fmt.Sprintf("node-%04d", i),
			Content:   content,
			Sigil:     s,
			SpiralID:  "spiral-1",
			CreatedAt: time.Now().UTC(),
			Timestamp: time.Now().UTC(),
		}
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("rec-%04d.json", i)), data, 0o640))
	}

	for i := 0; i < malformed; i++ {
		var data []byte
		switch i % 3 {
		case 0:
			data = []byte("{not json at all")
		case 1:
			data = []byte(`{"id": "", "content": "missing everything"}`)
		default:
			data = []byte(`{"id": "x", "spiralId": "spiral-1"}`) // no content, no sigil
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("bad-%02d.json", i)), data, 0o640))
	}

	return dir
}

func TestMigrateCountsValidAndMalformed(t *testing.T) {
	ctx := context.Background()
	dir := writeSourceDir(t, 100, 3)

	target := storage.NewMemoryAdapter()
	defer target.Close()

	report, err := Migrate(ctx, dir, target, Options{})
	require.NoError(t, err)

	assert.Equal(t, 100, report.Migrated)
	assert.Equal(t, 3, report.Failed)
	assert.Len(t, report.Failures, 3)

	// Every migrated record carries a checksum and migration timestamp.
	rec, err := target.GetRecord(ctx, "node-0000")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Checksum)
	assert.False(t, rec.MigratedAt.IsZero())

	assert.NoError(t, Verify(ctx, target, 100))
}

func TestMigrateDryRunLeavesTargetUntouched(t *testing.T) {
	ctx := context.Background()
	dir := writeSourceDir(t, 10, 2)

	target := storage.NewMemoryAdapter()
	defer target.Close()

	// Pre-existing record establishes the prior count.
	s := sigil.Derive("existing", "tenant-a")
	prior := &storage.Record{ID: "existing", Content: "existing", Sigil: s, SpiralID: "spiral-1", CreatedAt: time.Now()}
	require.NoError(t, target.SetRecord(ctx, prior.ID, time.Now(), prior))

	report, err := Migrate(ctx, dir, target, Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 10, report.Migrated)
	assert.Equal(t, 2, report.Failed)
	assert.True(t, report.DryRun)

	count, err := storage.CountRecords(ctx, target, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "dry-run must not write to the target")
}

func TestMigrateBackupCopiesSourceFiles(t *testing.T) {
	ctx := context.Background()
	dir := writeSourceDir(t, 5, 0)
	backup := filepath.Join(t.TempDir(), "backup")

	target := storage.NewMemoryAdapter()
	defer target.Close()

	report, err := Migrate(ctx, dir, target, Options{BackupDir: backup})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Migrated)

	entries, err := os.ReadDir(backup)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	// Backups are byte-identical to the source.
	src, err := os.ReadFile(filepath.Join(dir, "rec-0000.json"))
	require.NoError(t, err)
	dup, err := os.ReadFile(filepath.Join(backup, "rec-0000.json"))
	require.NoError(t, err)
	assert.Equal(t, src, dup)
}

func TestMigrateSkipsNonRecordFiles(t *testing.T) {
	ctx := context.Background()
	dir := writeSourceDir(t, 2, 0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o640))

	target := storage.NewMemoryAdapter()
	defer target.Close()

	report, err := Migrate(ctx, dir, target, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Migrated)
	assert.Equal(t, 1, report.Skipped)
}

// flakyAdapter fails the first N writes with the retryable sentinel, then
// delegates to the wrapped adapter.
type flakyAdapter struct {
	storage.Adapter
	failures int
	calls    int
}

func (f *flakyAdapter) SetRecord(ctx context.Context, key string, ts time.Time, rec *storage.Record) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return storage.ErrAdapterUnavailable
	}
	return f.Adapter.SetRecord(ctx, key, ts, rec)
}

func TestMigrateRetriesTransientWriteFailures(t *testing.T) {
	ctx := context.Background()
	dir := writeSourceDir(t, 5, 0)

	mem := storage.NewMemoryAdapter()
	defer mem.Close()
	target := &flakyAdapter{Adapter: mem, failures: 2}

	report, err := Migrate(ctx, dir, target, Options{RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, 5, report.Migrated)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 7, target.calls, "2 transient failures plus 5 successful writes")
	assert.NoError(t, Verify(ctx, mem, 5))
}

func TestMigrateAbortsAfterExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	dir := writeSourceDir(t, 3, 0)

	mem := storage.NewMemoryAdapter()
	defer mem.Close()

	// More consecutive failures than attempts: the run must abort and
	// surface the retryable sentinel to the operator.
	target := &flakyAdapter{Adapter: mem, failures: 10}

	report, err := Migrate(ctx, dir, target, Options{RetryAttempts: 2, RetryBackoff: time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrAdapterUnavailable)
	assert.Equal(t, 0, report.Migrated)
}

func TestMigrateMissingSourceDir(t *testing.T) {
	target := storage.NewMemoryAdapter()
	defer target.Close()

	_, err := Migrate(context.Background(), filepath.Join(t.TempDir(), "missing"), target, Options{})
	assert.Error(t, err)
}

func TestVerifyMismatch(t *testing.T) {
	ctx := context.Background()
	target := storage.NewMemoryAdapter()
	defer target.Close()

	err := Verify(ctx, target, 5)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}
