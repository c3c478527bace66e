// Package database materializes change-sets into ClickHouse.
//
// Every table is a ReplacingMergeTree keyed by the entity primary key and
// versioned by the emitting block, so replaying a block's change-set is a
// no-op and aggregate upserts converge regardless of retries.
package database

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseConnection initializes and pings a ClickHouse connection.
func NewClickHouseConnection(ctx context.Context, opts Options) (clickhouse.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ClickHouse ping failed: %w", err)
	}
	return conn, nil
}
