package block_store

import (
	"context"
	"fmt"
	"time"

	"github.com/danthegoodman1/tracelake/datastore"
	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/danthegoodman1/tracelake/utils"
	"github.com/jackc/pgx/v4/pgxpool"
)

type (
	// PGBlockStore reads block metadata from the ingestion tables and
	// payloads through the datastore
	PGBlockStore struct {
		pool     *pgxpool.Pool
		payloads datastore.DataStore
	}
)

func NewPGBlockStore(pool *pgxpool.Pool, payloads datastore.DataStore) (*PGBlockStore, error) {
	return &PGBlockStore{
		pool:     pool,
		payloads: payloads,
	}, nil
}

func (p *PGBlockStore) ListBlocks(ctx context.Context, scope Scope, r interval.TimeRange) ([]part.Block, error) {
	var blocks []part.Block
	err := utils.ReliableExec(ctx, p.pool, time.Second*30, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT block_id, stream_id, process_id, begin_time, end_time,
			       begin_ticks, end_ticks, object_offset, nb_objects,
			       insert_time, payload_ref
			FROM blocks
			WHERE insert_time >= $1
			AND insert_time < $2
			AND ($3 = '' OR stream_id = $3)
			AND ($4 = '' OR process_id = $4)
			ORDER BY insert_time`,
			r.Begin, r.End, scope.StreamID, scope.ProcessID)
		if err != nil {
			return fmt.Errorf("error in conn.Query: %w", err)
		}
		defer rows.Close()

		blocks = blocks[:0]
		for rows.Next() {
			var b part.Block
			err := rows.Scan(&b.BlockID, &b.StreamID, &b.ProcessID, &b.BeginTime, &b.EndTime,
				&b.BeginTicks, &b.EndTicks, &b.ObjectOffset, &b.NbObjects,
				&b.InsertTime, &b.PayloadRef)
			if err != nil {
				return fmt.Errorf("error in rows.Scan: %w", err)
			}
			blocks = append(blocks, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error listing blocks: %w", err)
	}
	return blocks, nil
}

func (p *PGBlockStore) FetchPayload(ctx context.Context, b part.Block) ([]byte, error) {
	payload, err := p.payloads.Get(ctx, b.PayloadRef)
	if err != nil {
		return nil, fmt.Errorf("error in payloads.Get: %w", err)
	}
	return payload, nil
}

func (p *PGBlockStore) Shutdown(_ context.Context) error {
	return nil
}
