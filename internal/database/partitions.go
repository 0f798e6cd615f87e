package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the statement surface partition DDL needs. *pgxpool.Pool
// satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Tables partitioned daily by their time column.
var partitionedTables = []string{"deltas", "trades"}

// PartitionName returns the child table name for a table and day, e.g.
// deltas_2026_08_25.
func PartitionName(table string, day time.Time) string {
	return fmt.Sprintf("%s_%s", table, day.UTC().Format("2006_01_02"))
}

// PartitionDDL builds the idempotent creation statement for one daily
// partition. The duplicate_table guard makes concurrent creation safe.
func PartitionDDL(table string, day time.Time) string {
	day = day.UTC().Truncate(24 * time.Hour)
	start := day.Format("2006-01-02")
	end := day.AddDate(0, 0, 1).Format("2006-01-02")
	return fmt.Sprintf(`
		DO $$
		BEGIN
			CREATE TABLE IF NOT EXISTS %s
				PARTITION OF %s
				FOR VALUES FROM ('%s') TO ('%s');
		EXCEPTION WHEN duplicate_table THEN
			NULL;
		END $$;
	`, PartitionName(table, day), table, start, end)
}

// EnsureDailyPartition creates the partition of table covering day.
func EnsureDailyPartition(ctx context.Context, db Execer, table string, day time.Time) error {
	if _, err := db.Exec(ctx, PartitionDDL(table, day)); err != nil {
		return fmt.Errorf("ensure partition %s: %w", PartitionName(table, day), err)
	}
	return nil
}

// EnsureFuturePartitions pre-creates partitions for every partitioned
// table from today through daysAhead days out.
func EnsureFuturePartitions(ctx context.Context, db Execer, daysAhead int) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, table := range partitionedTables {
		for i := 0; i <= daysAhead; i++ {
			if err := EnsureDailyPartition(ctx, db, table, today.AddDate(0, 0, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
