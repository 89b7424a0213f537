package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"floortrader/internal/market"
)

// csvTickReader streams ticks from a CSV file. Rows are
// "timestamp,bid,ask" with RFC3339 timestamps, optionally preceded by a
// header line. Rows must already be in timestamp order.
type csvTickReader struct {
	path       string
	instrument string
}

func (r *csvTickReader) ReadRange(ctx context.Context, instrument string, from, to time.Time, chunkSize int, fn func([]market.Tick) error) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open tick file: %w", err)
	}
	defer f.Close()

	if chunkSize <= 0 {
		chunkSize = 500
	}

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = 3

	chunk := make([]market.Tick, 0, chunkSize)
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tick file: %w", err)
		}
		line++
		if line == 1 && strings.EqualFold(rec[0], "timestamp") {
			continue // header
		}

		tick, err := parseTickRow(r.instrument, rec)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if tick.Timestamp.Before(from) || !tick.Timestamp.Before(to) {
			continue
		}

		chunk = append(chunk, tick)
		if len(chunk) == chunkSize {
			if err := fn(chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
	}

	if len(chunk) > 0 {
		return fn(chunk)
	}
	return nil
}

func parseTickRow(instrument string, rec []string) (market.Tick, error) {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(rec[0]))
	if err != nil {
		return market.Tick{}, fmt.Errorf("timestamp: %w", err)
	}
	bid, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
	if err != nil {
		return market.Tick{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := decimal.NewFromString(strings.TrimSpace(rec[2]))
	if err != nil {
		return market.Tick{}, fmt.Errorf("ask: %w", err)
	}
	return market.NewTick(instrument, ts.UTC(), bid, ask), nil
}
