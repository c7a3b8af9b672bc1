/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package evolution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// runDataMigration executes every data operation batch-by-batch with increasing
// offset until a batch affects fewer rows than the batch size. A short pause
// separates batches so locks are not held continuously during large data moves.
func (m *Manager) runDataMigration(ctx context.Context, plan *DataMigrationPlan) error {
	batchSize := plan.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	for _, op := range plan.Operations {
		if err := m.runDataOperation(ctx, &op, batchSize, 0); err != nil {
			return fmt.Errorf("operation %s: %w", op.Name, err)
		}
	}
	return nil
}

func (m *Manager) runDataOperation(ctx context.Context, op *DataOperation, batchSize, startOffset int) error {
	if !strings.Contains(op.SQL, LimitPlaceholder) || !strings.Contains(op.SQL, OffsetPlaceholder) {
		return fmt.Errorf("sql must contain %s and %s placeholders", LimitPlaceholder, OffsetPlaceholder)
	}

	offset := startOffset
	batches := 0
	for {
		stmt := renderBatchSQL(op.SQL, batchSize, offset)
		res, err := m.db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("batch at offset %d: %w", offset, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("batch at offset %d: %w", offset, err)
		}

		batches++
		m.metrics.IncDataBatches()

		if affected < int64(batchSize) {
			break
		}
		offset += batchSize

		if err := sleepCtx(ctx, m.batchPause); err != nil {
			return err
		}
	}

	m.logger.Info(fmt.Sprintf("Data operation %s finished after %d batch(es)", op.Name, batches))
	return nil
}

func renderBatchSQL(sqlText string, limit, offset int) string {
	stmt := strings.ReplaceAll(sqlText, LimitPlaceholder, strconv.Itoa(limit))
	return strings.ReplaceAll(stmt, OffsetPlaceholder, strconv.Itoa(offset))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
