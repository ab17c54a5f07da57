package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"drippyd/internal/modules/telemetry/types"
)

var (
	ErrUnknownTopic = errors.New("unrecognized topic")
	ErrBadPayload   = errors.New("malformed payload")
)

// Decoder turns a raw broker message into a typed Reading, or rejects it.
// Only topics on the configured allow-list decode; anything else is a
// failure so a misconfigured producer shows up in the counters instead of
// vanishing silently.
type Decoder struct {
	sensorTopics   map[string]struct{}
	heartbeatTopic string
}

func NewDecoder(sensorTopics []string, heartbeatTopic string) *Decoder {
	allowed := make(map[string]struct{}, len(sensorTopics))
	for _, t := range sensorTopics {
		allowed[t] = struct{}{}
	}
	return &Decoder{sensorTopics: allowed, heartbeatTopic: heartbeatTopic}
}

// sensorPayload is the station's wire format: {"timestamp": "<unix>.<ms>", "value": n}.
// timestamp may also be a bare number or RFC3339 string; it is informational.
type sensorPayload struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Value     *float64        `json:"value"`
}

// heartbeatPayload: {"timestamp": ..., "status": "ok", "uptime": n, "heap_free": n}.
type heartbeatPayload struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Status    string          `json:"status"`
	Uptime    *float64        `json:"uptime"`
	HeapFree  *int64          `json:"heap_free"`
}

func (d *Decoder) Decode(topic string, payload []byte, receivedAt time.Time) (types.Reading, error) {
	if topic == d.heartbeatTopic {
		return d.decodeHeartbeat(topic, payload, receivedAt)
	}
	if _, ok := d.sensorTopics[topic]; !ok {
		return types.Reading{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	var doc sensorPayload
	if err := json.Unmarshal(payload, &doc); err != nil {
		return types.Reading{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if doc.Value == nil {
		return types.Reading{}, fmt.Errorf("%w: missing numeric \"value\"", ErrBadPayload)
	}

	sourceTS := rawTimestamp(doc.Timestamp)
	return types.Reading{
		Channel:         topic,
		Value:           *doc.Value,
		SourceTimestamp: sourceTS,
		ReceivedAt:      receivedAt,
		DedupKey:        dedupKey(topic, sourceTS, payload),
	}, nil
}

func (d *Decoder) decodeHeartbeat(topic string, payload []byte, receivedAt time.Time) (types.Reading, error) {
	var doc heartbeatPayload
	if err := json.Unmarshal(payload, &doc); err != nil {
		return types.Reading{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if doc.Uptime == nil {
		return types.Reading{}, fmt.Errorf("%w: missing numeric \"uptime\"", ErrBadPayload)
	}
	status := doc.Status
	if status == "" {
		status = "ok"
	}

	sourceTS := rawTimestamp(doc.Timestamp)
	return types.Reading{
		Channel:         topic,
		Value:           *doc.Uptime,
		SourceTimestamp: sourceTS,
		ReceivedAt:      receivedAt,
		DedupKey:        dedupKey(topic, sourceTS, payload),
		Heartbeat: &types.Heartbeat{
			DeviceID:      deviceID(topic),
			Status:        status,
			UptimeSeconds: int64(*doc.Uptime),
			HeapFree:      doc.HeapFree,
		},
	}, nil
}

// rawTimestamp returns the producer timestamp exactly as sent (quotes
// stripped), or "" when absent. The raw text keeps the dedup key stable
// across retransmissions without trusting the producer clock.
func rawTimestamp(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return s
}

// dedupKey identifies retransmitted copies of the same logical event:
// channel plus the producer timestamp, falling back to a payload hash for
// producers that send none.
func dedupKey(channel, sourceTS string, payload []byte) string {
	if sourceTS != "" {
		return channel + "|" + sourceTS
	}
	sum := sha256.Sum256(payload)
	return channel + "|" + hex.EncodeToString(sum[:8])
}

// deviceID is the first topic segment, e.g. "rain_gauge_station" from
// "rain_gauge_station/status/heartbeat".
func deviceID(topic string) string {
	if i := strings.IndexByte(topic, '/'); i > 0 {
		return topic[:i]
	}
	return topic
}
