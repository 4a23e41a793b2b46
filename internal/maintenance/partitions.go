package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PartitionedTables are the history tables partitioned by day on ingest_time.
var PartitionedTables = []string{"session_events", "route_events"}

var validPartitionName = regexp.MustCompile(`^(session_events|route_events)_\d{8}$`)

type PartitionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	timezone      string
	logger        *zap.Logger
}

func NewPartitionManager(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{
		pool:          pool,
		retentionDays: retentionDays,
		timezone:      timezone,
		logger:        logger,
	}
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	return nil
}

// RunEvery runs maintenance once immediately and then on every tick until
// ctx is cancelled. Failures are logged and retried on the next tick.
func (pm *PartitionManager) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := pm.Run(ctx); err != nil && ctx.Err() == nil {
			pm.logger.Error("partition maintenance failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CreatePartitions creates daily partitions for today and tomorrow using the configured timezone.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	today := startOfDay(time.Now(), loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	for _, table := range PartitionedTables {
		if err := pm.createPartition(ctx, table, today, tomorrow); err != nil {
			return err
		}
		if err := pm.createPartition(ctx, table, tomorrow, dayAfter); err != nil {
			return err
		}
	}
	return nil
}

// createPartition attaches one day to table. Indexes declared on the parent
// are created on the partition by PostgreSQL.
func (pm *PartitionManager) createPartition(ctx context.Context, table string, from, to time.Time) error {
	name := partitionName(table, from)
	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		pgx.Identifier{name}.Sanitize(), pgx.Identifier{table}.Sanitize(),
		from.UTC().Format("2006-01-02 15:04:05+00"), to.UTC().Format("2006-01-02 15:04:05+00"),
	)

	if _, err := pm.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", name))
	return nil
}

// DropOldPartitions drops partitions older than the configured retention period.
func (pm *PartitionManager) DropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}
	cutoff := retentionCutoff(time.Now(), pm.retentionDays, loc)

	for _, table := range PartitionedTables {
		partitions, err := pm.listPartitions(ctx, table)
		if err != nil {
			return err
		}
		for _, name := range partitions {
			day, ok := partitionDate(name, loc)
			if !ok {
				pm.logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
				continue
			}
			if !day.Before(cutoff) {
				continue
			}
			dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
			if _, err := pm.pool.Exec(ctx, dropSQL); err != nil {
				return fmt.Errorf("dropping partition %s: %w", name, err)
			}
			pm.logger.Info("dropped old partition", zap.String("partition", name), zap.Time("cutoff", cutoff))
		}
	}
	return nil
}

func (pm *PartitionManager) listPartitions(ctx context.Context, table string) ([]string, error) {
	rows, err := pm.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = $1::regclass`, table)
	if err != nil {
		return nil, fmt.Errorf("listing partitions of %s: %w", table, err)
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning partition name: %w", err)
		}
		partitions = append(partitions, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating partitions: %w", err)
	}
	return partitions, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func partitionName(table string, day time.Time) string {
	return fmt.Sprintf("%s_%s", table, day.Format("20060102"))
}

// partitionDate parses the day out of a name like route_events_YYYYMMDD.
func partitionDate(name string, loc *time.Location) (time.Time, bool) {
	if !validPartitionName.MatchString(name) {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation("20060102", name[len(name)-8:], loc)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// retentionCutoff is the first day kept: partitions of earlier days are dropped.
func retentionCutoff(now time.Time, retentionDays int, loc *time.Location) time.Time {
	return startOfDay(now.In(loc).AddDate(0, 0, -retentionDays), loc)
}
