package repository

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"drippyd/internal/modules/telemetry/types"
)

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/upsert-channel-state.sql
var upsertChannelStateSQL string

//go:embed sql/upsert-heartbeat.sql
var upsertHeartbeatSQL string

//go:embed sql/window-sum.sql
var windowSumSQL string

//go:embed sql/get-latest.sql
var getLatestSQL string

//go:embed sql/get-log.sql
var getLogSQL string

//go:embed sql/get-channel-states.sql
var getChannelStatesSQL string

//go:embed sql/get-heartbeats.sql
var getHeartbeatsSQL string

//go:embed sql/scan-log.sql
var scanLogSQL string

// tsLayout is a fixed-width UTC millisecond format, so stored timestamps
// compare lexicographically in the same order as chronologically.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

type TelemetryRepository interface {
	// AppendIfNew records the reading and its derived-table effects in one
	// transaction. Returns false when the dedup key already exists; the
	// heartbeat upsert still runs in that case (heartbeats are idempotent).
	AppendIfNew(reading types.Reading) (inserted bool, err error)
	WindowSum(channel string, from, to time.Time) (float64, error)
	Latest(channel string) (*types.Reading, error)
	Log(channel string, from, to time.Time, limit int) ([]types.Reading, error)
	ChannelStates() ([]types.ChannelState, error)
	// ReadView assembles everything a snapshot needs inside one read-only
	// transaction, so all of it reflects the same committed state.
	ReadView(rainChannel string, windowStart, now time.Time) (types.StoreView, error)
	// RebuildDerived drops and reconstructs the derived tables from the log
	// alone, replaying the same upserts the ingest path uses.
	RebuildDerived() error
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) TelemetryRepository {
	return &repositoryImpl{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func (r *repositoryImpl) AppendIfNew(reading types.Reading) (bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var meta interface{}
	if reading.Heartbeat != nil {
		b, err := json.Marshal(reading.Heartbeat)
		if err != nil {
			return false, fmt.Errorf("marshal heartbeat meta: %w", err)
		}
		meta = string(b)
	}

	var sourceTS interface{}
	if reading.SourceTimestamp != "" {
		sourceTS = reading.SourceTimestamp
	}

	receivedAt := formatTime(reading.ReceivedAt)

	res, err := tx.Exec(insertReadingSQL,
		reading.Channel, reading.Value, sourceTS, receivedAt, reading.DedupKey, meta)
	if err != nil {
		return false, fmt.Errorf("insert reading: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert reading rows: %w", err)
	}
	inserted := n > 0

	if inserted {
		_, err = tx.Exec(upsertChannelStateSQL,
			reading.Channel, reading.Value, sourceTS, receivedAt)
		if err != nil {
			return false, fmt.Errorf("update channel state: %w", err)
		}
	}

	if hb := reading.Heartbeat; hb != nil {
		_, err = tx.Exec(upsertHeartbeatSQL,
			hb.DeviceID, hb.Status, hb.UptimeSeconds, nullableInt(hb.HeapFree), receivedAt)
		if err != nil {
			return false, fmt.Errorf("update heartbeat state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

func (r *repositoryImpl) WindowSum(channel string, from, to time.Time) (float64, error) {
	var sum float64
	err := r.db.QueryRow(windowSumSQL, channel, formatTime(from), formatTime(to)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("window sum %s: %w", channel, err)
	}
	return sum, nil
}

func (r *repositoryImpl) Latest(channel string) (*types.Reading, error) {
	row := r.db.QueryRow(getLatestSQL, channel)
	reading, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", channel, err)
	}
	return reading, nil
}

func (r *repositoryImpl) Log(channel string, from, to time.Time, limit int) ([]types.Reading, error) {
	rows, err := r.db.Query(getLogSQL, channel, formatTime(from), formatTime(to), limit)
	if err != nil {
		return nil, fmt.Errorf("query log %s: %w", channel, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close log rows", "error", err)
		}
	}()

	var out []types.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *reading)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) ChannelStates() ([]types.ChannelState, error) {
	return channelStates(r.db)
}

func (r *repositoryImpl) ReadView(rainChannel string, windowStart, now time.Time) (types.StoreView, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return types.StoreView{}, fmt.Errorf("begin snapshot read: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var view types.StoreView

	view.Channels, err = channelStates(tx)
	if err != nil {
		return types.StoreView{}, err
	}

	view.Heartbeats, err = heartbeatRecords(tx)
	if err != nil {
		return types.StoreView{}, err
	}

	err = tx.QueryRow(windowSumSQL, rainChannel, formatTime(windowStart), formatTime(now)).Scan(&view.WindowSum)
	if err != nil {
		return types.StoreView{}, fmt.Errorf("snapshot window sum: %w", err)
	}

	return view, nil
}

func (r *repositoryImpl) RebuildDerived() error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM channel_state`); err != nil {
		return fmt.Errorf("clear channel state: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM heartbeat_state`); err != nil {
		return fmt.Errorf("clear heartbeat state: %w", err)
	}

	rows, err := tx.Query(scanLogSQL)
	if err != nil {
		return fmt.Errorf("scan log: %w", err)
	}

	type replayRow struct {
		channel    string
		value      float64
		sourceTS   sql.NullString
		receivedAt string
		meta       sql.NullString
	}
	var replay []replayRow
	for rows.Next() {
		var row replayRow
		if err := rows.Scan(&row.channel, &row.value, &row.sourceTS, &row.receivedAt, &row.meta); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan log row: %w", err)
		}
		replay = append(replay, row)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close log scan: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan log: %w", err)
	}

	// Replay through the same upsert statements the ingest path uses, so the
	// rebuilt tables match the incrementally maintained ones exactly.
	for _, row := range replay {
		var sourceTS interface{}
		if row.sourceTS.Valid {
			sourceTS = row.sourceTS.String
		}
		if _, err := tx.Exec(upsertChannelStateSQL, row.channel, row.value, sourceTS, row.receivedAt); err != nil {
			return fmt.Errorf("rebuild channel state: %w", err)
		}
		if !row.meta.Valid {
			continue
		}
		var hb types.Heartbeat
		if err := json.Unmarshal([]byte(row.meta.String), &hb); err != nil {
			return fmt.Errorf("decode heartbeat meta: %w", err)
		}
		if _, err := tx.Exec(upsertHeartbeatSQL,
			hb.DeviceID, hb.Status, hb.UptimeSeconds, nullableInt(hb.HeapFree), row.receivedAt); err != nil {
			return fmt.Errorf("rebuild heartbeat state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func channelStates(q querier) ([]types.ChannelState, error) {
	rows, err := q.Query(getChannelStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("query channel states: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close channel state rows", "error", err)
		}
	}()

	var out []types.ChannelState
	for rows.Next() {
		var cs types.ChannelState
		var sourceTS sql.NullString
		var receivedAt string
		if err := rows.Scan(&cs.Channel, &cs.Value, &sourceTS, &receivedAt); err != nil {
			return nil, err
		}
		cs.SourceTimestamp = sourceTS.String
		cs.ReceivedAt, err = parseTime(receivedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func heartbeatRecords(q querier) ([]types.HeartbeatRecord, error) {
	rows, err := q.Query(getHeartbeatsSQL)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close heartbeat rows", "error", err)
		}
	}()

	var out []types.HeartbeatRecord
	for rows.Next() {
		var rec types.HeartbeatRecord
		var heapFree sql.NullInt64
		var lastAt string
		if err := rows.Scan(&rec.DeviceID, &rec.Status, &rec.UptimeSeconds, &heapFree, &lastAt); err != nil {
			return nil, err
		}
		if heapFree.Valid {
			v := heapFree.Int64
			rec.HeapFree = &v
		}
		rec.LastHeartbeatAt, err = parseTime(lastAt)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (*types.Reading, error) {
	var reading types.Reading
	var sourceTS sql.NullString
	var receivedAt string
	if err := row.Scan(&reading.Channel, &reading.Value, &sourceTS, &receivedAt); err != nil {
		return nil, err
	}
	reading.SourceTimestamp = sourceTS.String
	t, err := parseTime(receivedAt)
	if err != nil {
		return nil, err
	}
	reading.ReceivedAt = t
	return &reading, nil
}

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
