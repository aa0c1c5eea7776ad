package sink

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/wesense-earth/wesense-ingester-meshtastic/record"
)

// clickhouseColumns matches original_source/meshtastic_ingester.py's
// CLICKHOUSE_COLUMNS list, supplemented with the network_source and
// deployment_type columns this implementation adds.
var clickhouseColumns = []string{
	"device_id", "reading_type", "value", "unit", "timestamp",
	"latitude", "longitude", "country", "subdivision",
	"board_model", "data_source", "network_source", "deployment_type",
}

// ClickHouseWriter implements Writer against a ClickHouse instance.
type ClickHouseWriter struct {
	conn  clickhouse.Conn
	table string
}

// NewClickHouseWriter opens a connection using dsn (a ClickHouse native
// protocol address) and targets table for inserts.
func NewClickHouseWriter(dsn, table string) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: parsing clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("sink: opening clickhouse connection: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("sink: pinging clickhouse: %w", err)
	}
	return &ClickHouseWriter{conn: conn, table: table}, nil
}

// WriteBatch implements Writer.
func (w *ClickHouseWriter) WriteBatch(ctx context.Context, rows []record.Enriched) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+w.table+" ("+columnList()+")")
	if err != nil {
		return fmt.Errorf("sink: preparing batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.DeviceID, r.ReadingType, r.Value, r.Unit, r.Timestamp,
			r.Latitude, r.Longitude, r.Country, r.Subdivision,
			r.BoardModel, r.DataSource, r.NetworkSource, r.DeploymentType,
		); err != nil {
			return fmt.Errorf("sink: appending row: %w", err)
		}
	}
	return batch.Send()
}

func columnList() string {
	out := ""
	for i, c := range clickhouseColumns {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// Close releases the underlying connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
