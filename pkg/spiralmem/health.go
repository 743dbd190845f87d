package spiralmem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/spiralmem/pkg/events"
	"github.com/orneryd/spiralmem/pkg/storage"
)

// ErrHealthCheck wraps every failure found by CheckStorageHealth.
var ErrHealthCheck = errors.New("spiralmem: health check failed")

// CorrectedSpiral describes one spiral whose aggregates had drifted and were
// rewritten by RebuildSpiralStats.
type CorrectedSpiral struct {
	SpiralID      string  `json:"spiralId"`
	NodeCount     int64   `json:"nodeCount"`
	PrevNodeCount int64   `json:"prevNodeCount"`
	TotalAge      float64 `json:"totalAgeSeconds"`
	PrevTotalAge  float64 `json:"prevTotalAgeSeconds"`
}

// RebuildReport summarizes a RebuildSpiralStats run. Corrected lists only
// the spirals that actually drifted, so external alerting fires only on
// real drift.
type RebuildReport struct {
	SpiralsChecked int               `json:"spiralsChecked"`
	Corrected      []CorrectedSpiral `json:"corrected,omitempty"`
}

// CheckStorageHealth validates adapter connectivity and the structural
// invariant that every node's spiralId resolves in the topology cache. It
// returns a descriptive error on the first unrecoverable problem found.
func (d *DB) CheckStorageHealth(ctx context.Context) error {
	if d.isClosed() {
		return ErrClosed
	}

	if err := d.adapter.Ping(ctx); err != nil {
		return fmt.Errorf("%w: backend unreachable: %v", ErrHealthCheck, err)
	}

	err := d.adapter.AllRecords(ctx, "", func(rec *storage.Record) error {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("%w: record %s: %v", ErrHealthCheck, rec.ID, err)
		}
		if _, ok := d.topo.Get(rec.SpiralID); !ok {
			return fmt.Errorf("%w: node %s references unknown spiral %s", ErrHealthCheck, rec.ID, rec.SpiralID)
		}
		return nil
	})
	return err
}

// RebuildSpiralStats re-derives every spiral's aggregate statistics from its
// member nodes and corrects the ones that drifted, for example after a crash
// between a node write and a statistics update. Coordinates are never
// touched. The report lists only spirals that were actually corrected.
func (d *DB) RebuildSpiralStats(ctx context.Context) (*RebuildReport, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}

	type agg struct {
		count    int64
		totalAge float64
	}
	derived := make(map[string]*agg)
	now := time.Now()

	err := d.adapter.AllRecords(ctx, "", func(rec *storage.Record) error {
		a, ok := derived[rec.SpiralID]
		if !ok {
			a = &agg{}
			derived[rec.SpiralID] = a
		}
		a.count++
		a.totalAge += now.Sub(rec.CreatedAt).Seconds()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spiralmem: rebuilding spiral stats: %w", err)
	}

	report := &RebuildReport{}
	for _, sp := range d.topo.All() {
		report.SpiralsChecked++

		a := derived[sp.ID]
		if a == nil {
			a = &agg{}
		}

		// Total age drifts continuously with wall time; only the node count
		// is an exact invariant. Ages are rewritten alongside a count
		// correction, never reported on their own.
		if sp.NodeCount == a.count {
			continue
		}

		d.topo.SetStats(sp.ID, a.count, a.totalAge)
		report.Corrected = append(report.Corrected, CorrectedSpiral{
			SpiralID:      sp.ID,
			NodeCount:     a.count,
			PrevNodeCount: sp.NodeCount,
			TotalAge:      a.totalAge,
			PrevTotalAge:  sp.TotalAgeSeconds,
		})
	}

	if n := len(report.Corrected); n > 0 {
		d.mu.Lock()
		d.correctedTotal += int64(n)
		d.mu.Unlock()

		d.pub.Publish(events.Event{
			Type:   "topology.repaired",
			At:     now,
			Fields: map[string]float64{"corrected": float64(n)},
		})
	}
	return report, nil
}
