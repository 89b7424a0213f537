package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"floortrader/internal/faults"
	"floortrader/internal/market"
)

// TickStore is the durable tick archive. It implements both sides of
// the pipeline: pipeline.TickWriter for the subscriber's batched
// upserts and pipeline.TickReader for the publisher's chunked range
// scans.
type TickStore struct {
	db *sql.DB
}

func NewTickStore(db *sql.DB) *TickStore {
	return &TickStore{db: db}
}

// UpsertBatch writes a batch of ticks using a multi-row INSERT.
// (instrument, ts) is the conflict key; the newest value wins so
// replayed channel messages converge instead of erroring.
func (s *TickStore) UpsertBatch(ctx context.Context, ticks []market.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	query := `INSERT INTO floor.ticks (instrument, ts, bid, ask, mid) VALUES `

	values := make([]string, 0, len(ticks))
	args := make([]interface{}, 0, len(ticks)*5)

	for i, t := range ticks {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, t.Instrument, t.Timestamp.UTC(), t.Bid, t.Ask, t.Mid)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (instrument, ts) DO UPDATE SET bid = EXCLUDED.bid, ask = EXCLUDED.ask, mid = EXCLUDED.mid`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return faults.Transient("upsert tick batch", err)
	}
	return nil
}

// ReadRange streams ticks for [from, to) in timestamp order, invoking
// fn once per chunk. Keyset pagination on ts keeps memory flat no
// matter how large the range is.
func (s *TickStore) ReadRange(ctx context.Context, instrument string, from, to time.Time, chunkSize int, fn func([]market.Tick) error) error {
	if chunkSize <= 0 {
		chunkSize = 500
	}

	cursor := from.UTC()
	first := true
	for {
		// First chunk is inclusive of the range start, later chunks
		// resume strictly after the last row seen.
		cmp := ">"
		if first {
			cmp = ">="
		}
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT instrument, ts, bid, ask, mid
			FROM floor.ticks
			WHERE instrument = $1 AND ts %s $2 AND ts < $3
			ORDER BY ts ASC
			LIMIT $4
		`, cmp), instrument, cursor, to.UTC(), chunkSize)
		if err != nil {
			return faults.Transient("read tick range", err)
		}

		chunk, err := scanTicks(rows)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}

		if err := fn(chunk); err != nil {
			return err
		}

		cursor = chunk[len(chunk)-1].Timestamp
		first = false

		if len(chunk) < chunkSize {
			return nil
		}
	}
}

// CountRange returns how many ticks exist for [from, to). The publisher
// uses this to size progress reporting before a historical run.
func (s *TickStore) CountRange(ctx context.Context, instrument string, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM floor.ticks
		WHERE instrument = $1 AND ts >= $2 AND ts < $3
	`, instrument, from.UTC(), to.UTC()).Scan(&n)
	if err != nil {
		return 0, faults.Transient("count tick range", err)
	}
	return n, nil
}

func scanTicks(rows *sql.Rows) ([]market.Tick, error) {
	defer rows.Close()

	var ticks []market.Tick
	for rows.Next() {
		var t market.Tick
		if err := rows.Scan(&t.Instrument, &t.Timestamp, &t.Bid, &t.Ask, &t.Mid); err != nil {
			return nil, faults.Transient("scan tick", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient("iterate ticks", err)
	}
	return ticks, nil
}
