package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nicktuk/HF-WEB/ledger"
)

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

type shortageRecord struct {
	SaleID          int64 `json:"sale_id"`
	LineID          int64 `json:"line_id"`
	ProductID       int64 `json:"product_id"`
	MissingQuantity int   `json:"missing_quantity"`
}

// SaveReconciliationRun records a run. Saving the same id twice overwrites.
func (s *Store) SaveReconciliationRun(ctx context.Context, r ledger.ReconciliationRun) error {
	records := make([]shortageRecord, len(r.Report.Shortages))
	for i, sh := range r.Report.Shortages {
		records[i] = shortageRecord{
			SaleID:          int64(sh.SaleID),
			LineID:          int64(sh.LineID),
			ProductID:       int64(sh.ProductID),
			MissingQuantity: sh.MissingQuantity,
		}
	}
	shortagesJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode shortages: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO reconciliation_runs (id, status, sales_processed, units_requested, units_deducted,
			shortages_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			sales_processed = excluded.sales_processed,
			units_requested = excluded.units_requested,
			units_deducted = excluded.units_deducted,
			shortages_json = excluded.shortages_json,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, string(r.Status), r.Report.SalesProcessed, r.Report.UnitsRequested, r.Report.UnitsDeducted,
		string(shortagesJSON), r.Error, r.StartedAt.UTC(), r.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// ListReconciliationRuns returns runs newest first.
func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	rows, err := s.query(ctx, `
		SELECT id, status, sales_processed, units_requested, units_deducted,
			shortages_json, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []ledger.ReconciliationRun
	for rows.Next() {
		var (
			r             ledger.ReconciliationRun
			status        string
			shortagesJSON string
		)
		if err := rows.Scan(
			&r.ID, &status, &r.Report.SalesProcessed, &r.Report.UnitsRequested, &r.Report.UnitsDeducted,
			&shortagesJSON, &r.Error, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation run: %w", err)
		}
		r.Status = ledger.RunStatus(status)
		r.StartedAt = r.StartedAt.UTC()
		r.CompletedAt = r.CompletedAt.UTC()

		var records []shortageRecord
		if err := json.Unmarshal([]byte(shortagesJSON), &records); err != nil {
			return nil, fmt.Errorf("failed to decode shortages of run %s: %w", r.ID, err)
		}
		r.Report.Shortages = make([]ledger.Shortage, len(records))
		for i, rec := range records {
			r.Report.Shortages[i] = ledger.Shortage{
				SaleID:          ledger.SaleID(rec.SaleID),
				LineID:          ledger.LineID(rec.LineID),
				ProductID:       ledger.ProductID(rec.ProductID),
				MissingQuantity: rec.MissingQuantity,
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
