package partition_index

import (
	"context"
	"fmt"
	"time"

	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/utils"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

type (
	// PGPartitionIndex stores the catalog in CockroachDB/Postgres, the
	// shared source of truth across engine instances
	PGPartitionIndex struct {
		pool *pgxpool.Pool
	}
)

func NewPGPartitionIndex(pool *pgxpool.Pool) (*PGPartitionIndex, error) {
	return &PGPartitionIndex{pool: pool}, nil
}

const partitionCols = `fingerprint, view_name, instance_id, schema_version, generation,
	begin_insert_time, end_insert_time, min_event_time, max_event_time,
	file_path, file_size, row_count, source_objects, updated_at, active`

func scanPartition(row pgx.Row) (part.Partition, error) {
	var p part.Partition
	var fingerprint string
	var minEvent, maxEvent pgtype.Timestamptz
	err := row.Scan(&fingerprint, &p.ViewName, &p.InstanceID, &p.SchemaVersion, &p.Generation,
		&p.BeginInsertTime, &p.EndInsertTime, &minEvent, &maxEvent,
		&p.FilePath, &p.FileSize, &p.RowCount, &p.SourceObjects, &p.UpdatedAt, &p.Active)
	if err != nil {
		return part.Partition{}, err
	}
	if minEvent.Status == pgtype.Present {
		p.MinEventTime = minEvent.Time
	}
	if maxEvent.Status == pgtype.Present {
		p.MaxEventTime = maxEvent.Time
	}
	return p, nil
}

func (pi *PGPartitionIndex) Find(ctx context.Context, viewName, instanceID string, schemaVersion uint32, r interval.TimeRange) ([]part.Partition, error) {
	var partitions []part.Partition
	err := utils.ReliableExec(ctx, pi.pool, time.Second*30, func(ctx context.Context, conn *pgxpool.Conn) error {
		q := `SELECT ` + partitionCols + `
			FROM lakehouse_partitions
			WHERE view_name = $1
			AND instance_id = $2
			AND schema_version = $3
			AND active`
		args := []any{viewName, instanceID, schemaVersion}
		if !r.IsZero() {
			q += `
			AND begin_insert_time < $4
			AND end_insert_time > $5`
			args = append(args, r.End, r.Begin)
		}
		q += `
			ORDER BY begin_insert_time, generation`
		rows, err := conn.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("error in conn.Query: %w", err)
		}
		defer rows.Close()

		partitions = partitions[:0]
		for rows.Next() {
			p, err := scanPartition(rows)
			if err != nil {
				return fmt.Errorf("error in scanPartition: %w", err)
			}
			partitions = append(partitions, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error listing partitions: %w", err)
	}
	return partitions, nil
}

func (pi *PGPartitionIndex) UpsertIfAbsent(ctx context.Context, p part.Partition) (part.Partition, error) {
	var committed part.Partition
	fingerprint := p.Fingerprint().Key()
	err := utils.ReliableExecInTx(ctx, pi.pool, time.Second*30, func(ctx context.Context, tx pgx.Tx) error {
		var minEvent, maxEvent *time.Time
		if !p.MinEventTime.IsZero() {
			minEvent = &p.MinEventTime
		}
		if !p.MaxEventTime.IsZero() {
			maxEvent = &p.MaxEventTime
		}
		var ct pgconn.CommandTag
		var err error
		// an inactive (retired) row is replaced, an active row wins
		ct, err = tx.Exec(ctx, `
			INSERT INTO lakehouse_partitions (`+partitionCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, true)
			ON CONFLICT (fingerprint) DO UPDATE SET
				min_event_time = excluded.min_event_time,
				max_event_time = excluded.max_event_time,
				file_path = excluded.file_path,
				file_size = excluded.file_size,
				row_count = excluded.row_count,
				source_objects = excluded.source_objects,
				updated_at = excluded.updated_at,
				active = true
			WHERE NOT lakehouse_partitions.active`,
			fingerprint, p.ViewName, p.InstanceID, p.SchemaVersion, p.Generation,
			p.BeginInsertTime, p.EndInsertTime, minEvent, maxEvent,
			p.FilePath, p.FileSize, p.RowCount, p.SourceObjects, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("error in tx.Exec insert: %w", err)
		}
		if ct.RowsAffected() == 0 {
			logger.Debug().Str("fingerprint", fingerprint).Msg("partition fingerprint already committed, keeping first writer")
		}
		row := tx.QueryRow(ctx, `SELECT `+partitionCols+` FROM lakehouse_partitions WHERE fingerprint = $1`, fingerprint)
		existing, err := scanPartition(row)
		if err != nil {
			return fmt.Errorf("error in scanPartition: %w", err)
		}
		committed = existing
		return nil
	})
	if err != nil {
		return part.Partition{}, fmt.Errorf("error committing partition: %w", err)
	}
	return committed, nil
}

func (pi *PGPartitionIndex) Retire(ctx context.Context, viewName, instanceID string, generation int32, r interval.TimeRange, expiry time.Time) (int, error) {
	retired := 0
	err := utils.ReliableExecInTx(ctx, pi.pool, time.Second*30, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE lakehouse_partitions
			SET active = false
			WHERE view_name = $1
			AND instance_id = $2
			AND generation = $3
			AND active
			AND begin_insert_time >= $4
			AND end_insert_time <= $5
			RETURNING file_path, file_size`,
			viewName, instanceID, generation, r.Begin, r.End)
		if err != nil {
			return fmt.Errorf("error in tx.Query update: %w", err)
		}
		type retiredRow struct {
			path string
			size int64
		}
		var files []retiredRow
		for rows.Next() {
			var f retiredRow
			if err := rows.Scan(&f.path, &f.size); err != nil {
				rows.Close()
				return fmt.Errorf("error in rows.Scan: %w", err)
			}
			files = append(files, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		retired = len(files)
		for _, f := range files {
			if f.path == "" {
				continue
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO retired_files (file_path, file_size, expires_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (file_path) DO NOTHING`,
				f.path, f.size, expiry)
			if err != nil {
				return fmt.Errorf("error recording retired file: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error retiring partitions: %w", err)
	}
	return retired, nil
}

func (pi *PGPartitionIndex) ListRetired(ctx context.Context, before time.Time) ([]RetiredFile, error) {
	var files []RetiredFile
	err := utils.ReliableExec(ctx, pi.pool, time.Second*15, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT file_path, file_size, expires_at
			FROM retired_files
			WHERE expires_at < $1`, before)
		if err != nil {
			return fmt.Errorf("error in conn.Query: %w", err)
		}
		defer rows.Close()
		files = files[:0]
		for rows.Next() {
			var f RetiredFile
			if err := rows.Scan(&f.FilePath, &f.FileSize, &f.ExpiresAt); err != nil {
				return fmt.Errorf("error in rows.Scan: %w", err)
			}
			files = append(files, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error listing retired files: %w", err)
	}
	return files, nil
}

func (pi *PGPartitionIndex) RemoveRetired(ctx context.Context, filePath string) error {
	err := utils.ReliableExec(ctx, pi.pool, time.Second*15, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `DELETE FROM retired_files WHERE file_path = $1`, filePath)
		return err
	})
	if err != nil {
		return fmt.Errorf("error removing retired file: %w", err)
	}
	return nil
}

func (pi *PGPartitionIndex) Shutdown(_ context.Context) error {
	return nil
}
