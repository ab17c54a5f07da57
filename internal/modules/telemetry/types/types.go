package types

import "time"

// Reading is one accepted observation from one channel. Appended to the log
// once, never mutated. SourceTimestamp is the producer-asserted clock
// (informational only; station clocks drift); ReceivedAt is authoritative
// for ordering and windowing.
type Reading struct {
	Channel         string    `json:"channel"`
	Value           float64   `json:"value"`
	SourceTimestamp string    `json:"source_timestamp,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`

	DedupKey string `json:"-"`

	// Heartbeat carries the liveness fields for readings on the heartbeat
	// channel, so the heartbeat table stays reconstructible from the log.
	Heartbeat *Heartbeat `json:"-"`
}

// Heartbeat is the decoded liveness message from a device. Heartbeats are
// idempotent and never deduplicated.
type Heartbeat struct {
	DeviceID      string `json:"device_id"`
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	HeapFree      *int64 `json:"heap_free,omitempty"`
}

// ChannelState is the latest accepted reading per channel, ordered strictly
// by arrival time.
type ChannelState struct {
	Channel         string    `json:"channel"`
	Value           float64   `json:"value"`
	SourceTimestamp string    `json:"source_timestamp,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// HeartbeatRecord is the stored per-device liveness row. Status here is the
// producer-reported value ("ok", "boot"); alive/stale is computed at read time.
type HeartbeatRecord struct {
	DeviceID        string
	Status          string
	UptimeSeconds   int64
	HeapFree        *int64
	LastHeartbeatAt time.Time
}

// Liveness values computed at snapshot time from LastHeartbeatAt.
const (
	StatusAlive = "alive"
	StatusStale = "stale"
)

type DeviceStatus struct {
	DeviceID        string    `json:"device_id"`
	Status          string    `json:"status"`
	ReportedStatus  string    `json:"reported_status"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	HeapFree        *int64    `json:"heap_free,omitempty"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

type Rainfall struct {
	Channel     string    `json:"channel"`
	Window      string    `json:"window"`
	WindowStart time.Time `json:"window_start"`
	Tips        float64   `json:"tips"`
	Inches      float64   `json:"inches"`
}

// Snapshot is the consistent view served to the dashboard, assembled against
// a single generated_at instant.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Channels    []ChannelState `json:"channels"`
	Rainfall    Rainfall       `json:"rainfall"`
	Devices     []DeviceStatus `json:"devices"`
}

// StoreView is what the repository reads in one transaction for a snapshot.
type StoreView struct {
	Channels   []ChannelState
	Heartbeats []HeartbeatRecord
	WindowSum  float64
}
